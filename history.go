package twinstack

import (
	"context"
	"fmt"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
)

// A HistoryEventKind tags the four lifecycle transitions recorded for a twin.
type HistoryEventKind string

const (
	HistoryMetadata HistoryEventKind = "metadata"
	HistoryLink     HistoryEventKind = "link"
	HistoryUnlink   HistoryEventKind = "unlink"
	HistoryMeasure  HistoryEventKind = "measure"
)

// A HistoryEvent is one immutable record of a twin lifecycle change. Events
// are append-only: no existing event's payload is ever modified, and the
// event count for a twin never decreases.
type HistoryEvent struct {
	ID        string           `json:"_id"`
	TwinID    string           `json:"twinId"` // document id of the affected twin
	Kind      HistoryEventKind `json:"kind"`
	Payload   map[string]any   `json:"payload"`
	Timestamp int64            `json:"timestamp"` // epoch milliseconds
}

// NewHistoryEvent constructs an event stamped with the current time and a
// fresh id.
func NewHistoryEvent(twinID string, kind HistoryEventKind, payload map[string]any) HistoryEvent {
	return HistoryEvent{
		ID:        uuid.NewString(),
		TwinID:    twinID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// A HistoryAppender writes twin lifecycle events into a tenant's history
// collection. It is a pure appender: it never reads before writing, never
// merges, never deduplicates. Constructing a correct event is the caller's
// responsibility.
type HistoryAppender struct {
	Storage Storage
}

// Add bulk-inserts the given events. Failure is surfaced verbatim, without
// retries: callers that need the audit write durable before returning await
// this call synchronously (as the ingestion pipeline and link manager do),
// and everyone else should use AddBestEffort.
func (a *HistoryAppender) Add(ctx context.Context, engineID string, events []HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	docs := make([]BulkDoc, len(events))
	for i, e := range events {
		docs[i] = BulkDoc{ID: e.ID, Body: e}
	}
	result, err := a.Storage.BulkCreate(ctx, engineID, CollectionHistory, docs)
	if err != nil {
		return fmt.Errorf("bulk create history events: %w", err)
	}
	if err := newPartialPersistenceError(result); err != nil {
		partialPersistenceFailures.Add(ctx, 1, engineAttr(engineID))
		return err
	}
	return nil
}

// AddBestEffort appends the events and deliberately swallows any failure
// after logging it. An audit-trail write must never fail the business
// operation that triggered it; call sites that do require durability must use
// Add instead.
func (a *HistoryAppender) AddBestEffort(ctx context.Context, engineID string, events []HistoryEvent) {
	if err := a.Add(ctx, engineID, events); err != nil {
		component.Logger(ctx).Warn("Failed to append twin history events",
			"error", err, "engine", engineID, "events", len(events))
	}
}
