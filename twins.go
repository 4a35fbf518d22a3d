package twinstack

import (
	"context"
	"fmt"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// A TwinService provisions, mutates and retires digital twins. Every mutation
// runs under the twin's per-id lock; link bookkeeping is delegated to the
// LinkManager so the mirrored-document invariant has a single owner.
type TwinService struct {
	Storage  Storage
	Registry *ModelRegistry
	Links    *LinkManager
	Hooks    *HookBus
	History  *HistoryAppender
	Locks    Locker
}

// Create provisions a twin of the given identity from its registered model.
// The model contributes the twin's declared measure slots; the initial
// metadata is validated against the model's schema before anything is written.
//
// Asset models are scoped, so creating an asset requires the engine's group to
// resolve the model; device models are global and ignore it.
func (s *TwinService) Create(ctx context.Context, engineID, engineGroup string, id TwinID, metadata Metadata) (*DigitalTwin, error) {
	ctx, span := tracer.Start(ctx, "CreateTwin", trace.WithAttributes(
		attribute.String("engine", engineID),
		attribute.String("twin", id.String()),
	))
	defer span.End()

	model, err := s.twinModel(ctx, engineGroup, id)
	if err != nil {
		return nil, err
	}
	if err := metadata.ValidateAgainst(model.Schema); err != nil {
		return nil, err
	}

	release, err := s.Locks.Acquire(ctx, id.LockKey())
	if err != nil {
		return nil, err
	}
	defer release()

	twin := &DigitalTwin{
		Kind:         id.Kind,
		Model:        id.Model,
		Reference:    id.Reference,
		EngineID:     engineID,
		Metadata:     metadata.Clone(),
		MeasureSlots: append([]MeasureSlot(nil), model.MeasureSlots...),
	}
	if err := s.Storage.Create(ctx, engineID, id.Kind.Collection(), id.DocumentID(), twin); err != nil {
		return nil, fmt.Errorf("create twin document: %w", err)
	}
	return twin, nil
}

// Get loads one twin.
func (s *TwinService) Get(ctx context.Context, engineID string, id TwinID) (*DigitalTwin, error) {
	var twin DigitalTwin
	if err := s.Storage.Get(ctx, engineID, id.Kind.Collection(), id.DocumentID(), &twin); err != nil {
		return nil, err
	}
	return &twin, nil
}

// Search pages through the tenant's twins of one kind. Total counts all
// matches, not just the returned page.
func (s *TwinService) Search(ctx context.Context, engineID string, kind TwinKind, query Query, opts SearchOptions) ([]DigitalTwin, int, error) {
	result, err := s.Storage.Search(ctx, engineID, kind.Collection(), query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("search twins: %w", err)
	}
	twins := make([]DigitalTwin, len(result.Hits))
	for i, hit := range result.Hits {
		if err := hit.Decode(&twins[i]); err != nil {
			return nil, 0, fmt.Errorf("decode twin %s: %w", hit.ID, err)
		}
	}
	return twins, result.Total, nil
}

// UpdateMetadata merges the given metadata into the twin's, running the
// twin:update hooks around the write. Before-hooks may rewrite the incoming
// metadata and abort the update by failing; the merged result is validated
// against the model schema before persisting. After-hook failures are logged
// and returned as warnings, never as errors, because the write has already
// committed.
func (s *TwinService) UpdateMetadata(ctx context.Context, engineID, engineGroup string, id TwinID, metadata Metadata) (*DigitalTwin, []error, error) {
	ctx, span := tracer.Start(ctx, "UpdateTwinMetadata", trace.WithAttributes(
		attribute.String("engine", engineID),
		attribute.String("twin", id.String()),
	))
	defer span.End()

	model, err := s.twinModel(ctx, engineGroup, id)
	if err != nil {
		return nil, nil, err
	}

	release, err := s.Locks.Acquire(ctx, id.LockKey())
	if err != nil {
		return nil, nil, err
	}
	defer release()

	var twin DigitalTwin
	if err := s.Storage.Get(ctx, engineID, id.Kind.Collection(), id.DocumentID(), &twin); err != nil {
		return nil, nil, fmt.Errorf("load twin: %w", err)
	}

	update := &TwinUpdate{EngineID: engineID, Twin: &twin, Metadata: metadata}
	if err := s.Hooks.runTwinUpdateBefore(ctx, update); err != nil {
		return nil, nil, err
	}

	merged := twin.Metadata.Merge(update.Metadata)
	if err := merged.ValidateAgainst(model.Schema); err != nil {
		return nil, nil, err
	}
	twin.Metadata = merged

	if err := s.Storage.Update(ctx, engineID, id.Kind.Collection(), id.DocumentID(), &twin); err != nil {
		return nil, nil, fmt.Errorf("update twin: %w", err)
	}

	// The metadata trail is audit-only; a failed append must not fail an
	// update that already committed.
	s.History.AddBestEffort(ctx, engineID, []HistoryEvent{
		NewHistoryEvent(id.DocumentID(), HistoryMetadata, map[string]any{"metadata": update.Metadata}),
	})

	var warnings []error
	if err := s.Hooks.runTwinUpdateAfter(ctx, update); err != nil {
		component.Logger(ctx).Warn("Twin after-hook failed; update remains committed",
			"error", err, "engine", engineID, "twin", id.String())
		warnings = append(warnings, err)
	}
	return &twin, warnings, nil
}

// Delete retires a twin. Links are detached first so that no document is left
// pointing at a deleted counterpart: deleting an asset unlinks every device
// feeding it, and deleting a linked device detaches it from its asset.
func (s *TwinService) Delete(ctx context.Context, engineID string, id TwinID) error {
	ctx, span := tracer.Start(ctx, "DeleteTwin", trace.WithAttributes(
		attribute.String("engine", engineID),
		attribute.String("twin", id.String()),
	))
	defer span.End()

	// The cascade runs before the lock below is taken because Unlink and
	// UnlinkAll acquire the twin's lock themselves and locks are not
	// re-entrant. A link established in the gap between the cascade and the
	// delete leaves the counterpart holding a dangling reference until its
	// next unlink; callers must stop provisioning a twin before retiring it.
	switch id.Kind {
	case KindAsset:
		if err := s.Links.UnlinkAll(ctx, engineID, id.DocumentID()); err != nil {
			return fmt.Errorf("unlink devices: %w", err)
		}
	case KindDevice:
		twin, err := s.Get(ctx, engineID, id)
		if err != nil {
			return err
		}
		if twin.AssetLink != nil {
			if err := s.Links.Unlink(ctx, engineID, id, UnlinkRequest{AllMeasures: true}); err != nil {
				return fmt.Errorf("unlink asset: %w", err)
			}
		}
	}

	release, err := s.Locks.Acquire(ctx, id.LockKey())
	if err != nil {
		return err
	}
	defer release()

	if err := s.Storage.Delete(ctx, engineID, id.Kind.Collection(), id.DocumentID()); err != nil {
		return fmt.Errorf("delete twin document: %w", err)
	}
	return nil
}

// twinModel resolves the model a twin of the given identity is provisioned
// from.
func (s *TwinService) twinModel(ctx context.Context, engineGroup string, id TwinID) (ModelDefinition, error) {
	switch id.Kind {
	case KindAsset:
		return s.Registry.AssetModel(ctx, engineGroup, id.Model)
	case KindDevice:
		return s.Registry.DeviceModel(ctx, id.Model)
	default:
		return ModelDefinition{}, validationErrorf("unknown twin kind %q", id.Kind)
	}
}
