package twinstack

import (
	"context"
	"fmt"
	"sync"
)

// An IngestBatch is the unit handed to ingestion hooks. Before-hooks may
// rewrite Records in place (normalisation, unit conversion, decoration);
// after-hooks observe the batch exactly as persisted.
//
// Asset is the resolved target asset, or nil when no measurement of the batch
// routes to an asset slot.
type IngestBatch struct {
	EngineID string
	Source   Source
	Target   Target
	Asset    *DigitalTwin
	Records  []*MeasureRecord
}

// An IngestHook is one extension point callback on the measure ingestion path.
// See HookBus for ordering and error semantics.
type IngestHook func(ctx context.Context, batch *IngestBatch) error

// A TwinUpdate is the unit handed to twin metadata-update hooks. Before-hooks
// may rewrite Metadata; after-hooks observe the twin as persisted.
type TwinUpdate struct {
	EngineID string
	Twin     *DigitalTwin
	Metadata Metadata
}

// A TwinUpdateHook is one extension point callback on the metadata-update
// path.
type TwinUpdateHook func(ctx context.Context, update *TwinUpdate) error

// A HookBus holds the ordered extension points of the synchronisation engine:
//
//	measures:process:before   measures:process:after
//	twin:update:before        twin:update:after
//
// each in a global variant and a per-engine variant. Hooks run synchronously
// and in registration order, global hooks before engine-scoped ones, because
// both ordering and error propagation must stay synchronous with the
// triggering call; this is an explicit callback list, not an asynchronous
// event system.
//
// Error semantics differ by phase and are enforced by the callers, not here:
// a failing before-hook aborts the operation before any write, while a
// failing after-hook cannot be rolled back (the write already committed) and
// is surfaced as a non-fatal warning.
//
// The zero value is ready for use. Registration is safe for concurrent use
// with invocation, though in practice hooks are registered at start-up.
type HookBus struct {
	mu sync.RWMutex

	ingestBefore hookList[IngestHook]
	ingestAfter  hookList[IngestHook]
	updateBefore hookList[TwinUpdateHook]
	updateAfter  hookList[TwinUpdateHook]
}

// A hookList keeps global hooks and engine-scoped hooks separately; ordered
// returns the effective sequence for one engine.
type hookList[H any] struct {
	global   []H
	byEngine map[string][]H
}

func (l *hookList[H]) add(engineID string, h H) {
	if engineID == "" {
		l.global = append(l.global, h)
		return
	}
	if l.byEngine == nil {
		l.byEngine = make(map[string][]H)
	}
	l.byEngine[engineID] = append(l.byEngine[engineID], h)
}

func (l *hookList[H]) ordered(engineID string) []H {
	scoped := l.byEngine[engineID]
	if len(l.global) == 0 {
		return scoped
	}
	out := make([]H, 0, len(l.global)+len(scoped))
	out = append(out, l.global...)
	return append(out, scoped...)
}

// OnIngestBefore registers a measures:process:before hook. An empty engineID
// registers the global variant.
func (b *HookBus) OnIngestBefore(engineID string, h IngestHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ingestBefore.add(engineID, h)
}

// OnIngestAfter registers a measures:process:after hook. An empty engineID
// registers the global variant.
func (b *HookBus) OnIngestAfter(engineID string, h IngestHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ingestAfter.add(engineID, h)
}

// OnTwinUpdateBefore registers a twin:update:before hook. An empty engineID
// registers the global variant.
func (b *HookBus) OnTwinUpdateBefore(engineID string, h TwinUpdateHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateBefore.add(engineID, h)
}

// OnTwinUpdateAfter registers a twin:update:after hook. An empty engineID
// registers the global variant.
func (b *HookBus) OnTwinUpdateAfter(engineID string, h TwinUpdateHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateAfter.add(engineID, h)
}

func (b *HookBus) runIngestBefore(ctx context.Context, batch *IngestBatch) error {
	b.mu.RLock()
	hooks := b.ingestBefore.ordered(batch.EngineID)
	b.mu.RUnlock()
	for i, h := range hooks {
		if err := h(ctx, batch); err != nil {
			return fmt.Errorf("measures:process:before hook #%d: %w", i, err)
		}
	}
	return nil
}

func (b *HookBus) runIngestAfter(ctx context.Context, batch *IngestBatch) error {
	b.mu.RLock()
	hooks := b.ingestAfter.ordered(batch.EngineID)
	b.mu.RUnlock()
	for i, h := range hooks {
		if err := h(ctx, batch); err != nil {
			return fmt.Errorf("measures:process:after hook #%d: %w", i, err)
		}
	}
	return nil
}

func (b *HookBus) runTwinUpdateBefore(ctx context.Context, update *TwinUpdate) error {
	b.mu.RLock()
	hooks := b.updateBefore.ordered(update.EngineID)
	b.mu.RUnlock()
	for i, h := range hooks {
		if err := h(ctx, update); err != nil {
			return fmt.Errorf("twin:update:before hook #%d: %w", i, err)
		}
	}
	return nil
}

func (b *HookBus) runTwinUpdateAfter(ctx context.Context, update *TwinUpdate) error {
	b.mu.RLock()
	hooks := b.updateAfter.ordered(update.EngineID)
	b.mu.RUnlock()
	for i, h := range hooks {
		if err := h(ctx, update); err != nil {
			return fmt.Errorf("twin:update:after hook #%d: %w", i, err)
		}
	}
	return nil
}
