package twinstack

import (
	"context"

	"gocloud.dev/pubsub"
)

// ReceiveAndProcess performs one iteration of the batch consumer loop: receive
// one message from the subscription, decode it, and run it through the
// pipeline. It exists so tests outside the package can exercise the consumer
// without standing up a long-running process.
func (p *IngestionPipeline) ReceiveAndProcess(ctx context.Context, sub *pubsub.Subscription) error {
	source := measureSource{subscription: sub}
	batch, err := source.receiveBatch(ctx)
	if err != nil {
		return err
	}
	return p.processBatch(ctx, batch)
}
