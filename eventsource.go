package twinstack

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
)

// A MeasureBatch is the wire shape of one decoded payload published by an
// upstream protocol decoder. Gob carries the Source and Target sums as
// interfaces, which is why the concrete variants are registered below.
type MeasureBatch struct {
	EngineID     string
	Source       Source
	Target       Target
	Measurements []Measurement
	CausalityIDs []string
}

func init() {
	gob.Register(DeviceSource{})
	gob.Register(APISource{})
	gob.Register(DeviceTarget{})
	gob.Register(APITarget{})
	// Measurement values travel as any; gob needs the concrete types a
	// protocol decoder may put there registered as well.
	gob.Register(float64(0))
	gob.Register(int64(0))
	gob.Register("")
	gob.Register(true)
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// ProcessBatches returns a component.Proc that subscribes to a pubsub
// subscription, decodes incoming MeasureBatch messages, and runs each through
// the ingestion pipeline.
//
// Redelivery is safe: record ids are regenerated, but the twins' merge rule
// compares measurement time, so a replayed batch cannot move any slot
// backwards.
func (p *IngestionPipeline) ProcessBatches(sub *pubsub.Subscription) component.Proc {
	source := measureSource{subscription: sub}
	return source.stream(p.processBatch)
}

// processBatch runs one decoded batch through the pipeline, demoting ingestion
// warnings to log lines: a warning means the measures were committed.
func (p *IngestionPipeline) processBatch(ctx context.Context, batch MeasureBatch) error {
	result, err := p.Ingest(ctx, batch.Source, batch.Target, batch.Measurements, batch.CausalityIDs)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	for _, warning := range result.Warnings {
		component.Logger(ctx).Warn("Measure batch processed with warnings",
			"engine", batch.EngineID, "warning", warning)
	}
	return nil
}

// measureSource wraps a pubsub subscription and decodes incoming messages into
// measure batches.
type measureSource struct {
	subscription *pubsub.Subscription
}

// batchHandler processes one decoded measure batch.
type batchHandler func(ctx context.Context, batch MeasureBatch) error

// stream returns a component.Proc that continuously receives messages from the
// subscription, gob-decodes them, and passes them to the handler.
func (s measureSource) stream(h batchHandler) component.Proc {
	return func(l *component.L) {
		for l.Continue() {
			batch, err := s.receiveBatch(l.Context())
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					// we're shutting down
					return
				}
				l.Fatal(err)
			}
			if err := h(l.Context(), batch); err != nil {
				l.Fatal(fmt.Errorf("process: %w", err))
			}
		}
	}
}

// receiveBatch blocks for the next message and gob-decodes it.
func (s measureSource) receiveBatch(ctx context.Context) (MeasureBatch, error) {
	msg, err := s.subscription.Receive(ctx)
	if err != nil {
		return MeasureBatch{}, fmt.Errorf("receive: %w", err)
	}
	// always ack, even if we fail to decode.
	// otherwise, we might get stuck processing
	// the same failed message
	msg.Ack()

	var batch MeasureBatch
	if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&batch); err != nil {
		return MeasureBatch{}, fmt.Errorf("decode: %w", err)
	}
	return batch, nil
}
