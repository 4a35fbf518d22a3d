package twinstack

import (
	"context"
	"fmt"
	"sync"

	"github.com/danielorbach/go-component"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// PlatformTenant is the index holding state shared by every engine, most
// importantly the model definitions.
const PlatformTenant = "platform"

// QueryEngineList is the dispatcher query answered by the engine module. The
// registry asks it to enumerate tenants when propagating new measure slots to
// already-created twins.
const QueryEngineList = "engine:list"

// An EngineListRequest optionally restricts the enumeration to one engine
// group.
type EngineListRequest struct {
	Group string
}

// An EngineDescriptor identifies one tenant and the group it belongs to.
type EngineDescriptor struct {
	EngineID string `json:"engineId"`
	Group    string `json:"group"`
}

// A ModelRegistry persists the versioned schema definitions for the four model
// kinds and guards every change with the conflict detector. Definitions are
// loaded once and cached; registration invalidates the cache entry explicitly.
type ModelRegistry struct {
	storage    Storage
	locks      Locker
	dispatcher *Dispatcher

	mu    sync.RWMutex
	cache map[string]ModelDefinition // keyed by ModelDefinition.DocumentID

	// loads deduplicates concurrent cache misses for the same definition, so
	// a thundering herd of twin creations hits storage once.
	loads singleflight.Group
}

// NewModelRegistry returns a registry over the given storage. The dispatcher
// is used to enumerate engines during slot propagation; the locker serialises
// propagation against concurrent twin mutations.
func NewModelRegistry(storage Storage, locks Locker, dispatcher *Dispatcher) *ModelRegistry {
	return &ModelRegistry{
		storage:    storage,
		locks:      locks,
		dispatcher: dispatcher,
		cache:      make(map[string]ModelDefinition),
	}
}

// Register persists a new or edited model definition.
//
// Before any write the change runs through the conflict detector; a non-empty
// report aborts with a ConflictError carrying every chunk, so the operator
// sees all problems at once. For asset and device models, each declared slot
// type must already be a registered measure model; that is a hard validation
// failure rather than a conflict, because an undefined measure type cannot be
// mapped at all.
//
// When an edit of an existing asset or device model introduces new slots, the
// registration propagates them to every already-created twin of that model so
// the twins' slot lists remain a superset-consistent view of their model.
func (r *ModelRegistry) Register(ctx context.Context, def ModelDefinition) error {
	ctx, span := tracer.Start(ctx, "RegisterModel")
	defer span.End()

	if def.Name == "" {
		return validationErrorf("model name must not be empty")
	}
	switch def.Kind {
	case ModelAsset, ModelDevice, ModelMeasure, ModelGroup:
	default:
		return validationErrorf("unknown model kind %q", def.Kind)
	}

	if def.Kind == ModelAsset || def.Kind == ModelDevice {
		for _, slot := range def.MeasureSlots {
			if _, err := r.MeasureModel(ctx, slot.Type); err != nil {
				if IsNotFound(err) {
					return validationErrorf("measure slot %q references unregistered measure type %q", slot.Name, slot.Type)
				}
				return fmt.Errorf("resolve measure type %q: %w", slot.Type, err)
			}
		}
	}

	chunks, err := r.DoesUpdateConflict(ctx, []ModelDefinition{def})
	if err != nil {
		return fmt.Errorf("detect conflicts: %w", err)
	}
	if len(chunks) > 0 {
		return ConflictError{Message: fmt.Sprintf("model %q conflicts with registered models", def.Name), Chunks: chunks}
	}

	// Remember the previous revision (if any) to compute which slots are new.
	previous, hadPrevious, err := r.lookup(ctx, def.DocumentID())
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("load previous revision: %w", err)
	}

	if hadPrevious {
		err = r.storage.Update(ctx, PlatformTenant, CollectionModels, def.DocumentID(), def)
	} else {
		err = r.storage.Create(ctx, PlatformTenant, CollectionModels, def.DocumentID(), def)
	}
	if err != nil {
		return fmt.Errorf("persist model: %w", err)
	}
	r.invalidate(def.DocumentID())

	if hadPrevious && (def.Kind == ModelAsset || def.Kind == ModelDevice) {
		added := addedSlots(previous, def)
		if len(added) > 0 {
			if err := r.propagateSlots(ctx, def, added); err != nil {
				return fmt.Errorf("propagate new measure slots: %w", err)
			}
		}
	}
	return nil
}

// addedSlots returns the slots declared by the new revision but not the
// previous one.
func addedSlots(previous, next ModelDefinition) []MeasureSlot {
	var added []MeasureSlot
	for _, slot := range next.MeasureSlots {
		if _, exists := previous.Slot(slot.Name); !exists {
			added = append(added, slot)
		}
	}
	return added
}

// DoesUpdateConflict computes the field-level type conflicts each proposed
// model would introduce against every currently registered model of the same
// kind, restricted to the proposed model's group namespace plus commons.
//
// The detector never halts early: the returned chunks list every conflicting
// registered model with every conflicting path, so the caller can present all
// problems at once and decide whether to reject the change.
func (r *ModelRegistry) DoesUpdateConflict(ctx context.Context, proposed []ModelDefinition) ([]ConflictChunk, error) {
	var chunks []ConflictChunk
	for _, p := range proposed {
		registered, err := r.listModels(ctx, p.Kind, p.group())
		if err != nil {
			return nil, fmt.Errorf("list registered %s models: %w", p.Kind, err)
		}
		for _, existing := range registered {
			conflicts := SchemaConflicts(existing.Schema, p.Schema)
			if len(conflicts) == 0 {
				continue
			}
			chunks = append(chunks, ConflictChunk{
				SourceModel: existing.Name,
				NewModel:    p.Name,
				ModelType:   p.Kind,
				Conflicts:   conflicts,
			})
		}
	}
	return chunks, nil
}

// AssetModel returns the asset model visible from the given engine group.
func (r *ModelRegistry) AssetModel(ctx context.Context, engineGroup, name string) (ModelDefinition, error) {
	return r.scopedModel(ctx, ModelAsset, engineGroup, name)
}

// GroupModel returns the group model visible from the given engine group.
func (r *ModelRegistry) GroupModel(ctx context.Context, engineGroup, name string) (ModelDefinition, error) {
	return r.scopedModel(ctx, ModelGroup, engineGroup, name)
}

// DeviceModel returns the named device model. Device models are global: a
// physical device type does not change per tenant.
func (r *ModelRegistry) DeviceModel(ctx context.Context, name string) (ModelDefinition, error) {
	def, _, err := r.lookup(ctx, ModelDefinition{Kind: ModelDevice, Name: name}.DocumentID())
	return def, err
}

// MeasureModel returns the named measure model. Measure models are global for
// the same reason device models are.
func (r *ModelRegistry) MeasureModel(ctx context.Context, name string) (ModelDefinition, error) {
	def, _, err := r.lookup(ctx, ModelDefinition{Kind: ModelMeasure, Name: name}.DocumentID())
	return def, err
}

func (r *ModelRegistry) scopedModel(ctx context.Context, kind ModelKind, engineGroup, name string) (ModelDefinition, error) {
	def, _, err := r.lookup(ctx, ModelDefinition{Kind: kind, Name: name}.DocumentID())
	if err != nil {
		return ModelDefinition{}, err
	}
	if !def.appliesTo(engineGroup) {
		// The definition exists but belongs to another group; from this
		// group's point of view it does not exist at all.
		return ModelDefinition{}, NotFoundError{Collection: CollectionModels, ID: def.DocumentID()}
	}
	return def, nil
}

// lookup returns the cached definition, loading and caching it on a miss.
func (r *ModelRegistry) lookup(ctx context.Context, docID string) (ModelDefinition, bool, error) {
	r.mu.RLock()
	def, hit := r.cache[docID]
	r.mu.RUnlock()
	if hit {
		return def, true, nil
	}

	v, err, _ := r.loads.Do(docID, func() (any, error) {
		var loaded ModelDefinition
		if err := r.storage.Get(ctx, PlatformTenant, CollectionModels, docID, &loaded); err != nil {
			return ModelDefinition{}, err
		}
		r.mu.Lock()
		r.cache[docID] = loaded
		r.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return ModelDefinition{}, false, err
	}
	return v.(ModelDefinition), true, nil
}

func (r *ModelRegistry) invalidate(docID string) {
	r.mu.Lock()
	delete(r.cache, docID)
	r.mu.Unlock()
}

func (r *ModelRegistry) listModels(ctx context.Context, kind ModelKind, group string) ([]ModelDefinition, error) {
	result, err := r.storage.Search(ctx, PlatformTenant, CollectionModels, Query{
		Equals: map[string]any{"kind": string(kind)},
	}, SearchOptions{Size: maxModelsPerKind})
	if err != nil {
		return nil, fmt.Errorf("search models: %w", err)
	}
	models := make([]ModelDefinition, 0, len(result.Hits))
	for _, hit := range result.Hits {
		var def ModelDefinition
		if err := hit.Decode(&def); err != nil {
			return nil, fmt.Errorf("decode model %s: %w", hit.ID, err)
		}
		if !def.appliesTo(group) {
			continue
		}
		models = append(models, def)
	}
	return models, nil
}

// We cap model listings at a size no deployment has approached; the registry
// is operator-curated, not an unbounded collection.
const maxModelsPerKind = 10000

// propagateSlots pushes newly declared slots onto every existing twin of the
// model, across every engine the model is visible from. Each twin is updated
// under its own lock so that propagation serialises against concurrent
// ingestion and link calls touching the same twin.
func (r *ModelRegistry) propagateSlots(ctx context.Context, def ModelDefinition, added []MeasureSlot) error {
	engines, err := Ask[EngineListRequest, []EngineDescriptor](r.dispatcher, ctx, QueryEngineList, EngineListRequest{})
	if err != nil {
		return fmt.Errorf("list engines: %w", err)
	}

	kind := KindAsset
	if def.Kind == ModelDevice {
		kind = KindDevice
	}

	g, ctx := errgroup.WithContext(ctx)
	// Bounded fan-out: propagation touches every tenant, and unbounded
	// concurrency here can starve the storage layer during a registration.
	g.SetLimit(propagationConcurrency)
	for _, engine := range engines {
		if def.Kind == ModelAsset && !def.appliesTo(engine.Group) {
			continue
		}
		g.Go(func() error {
			if err := r.propagateToEngine(ctx, engine.EngineID, kind, def.Name, added); err != nil {
				return fmt.Errorf("engine %s: %w", engine.EngineID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

const propagationConcurrency = 4

func (r *ModelRegistry) propagateToEngine(ctx context.Context, engineID string, kind TwinKind, model string, added []MeasureSlot) error {
	result, err := r.storage.Search(ctx, engineID, kind.Collection(), Query{
		Equals: map[string]any{"model": model},
	}, SearchOptions{Size: maxTwinsPerPropagation})
	if err != nil {
		return fmt.Errorf("search twins: %w", err)
	}

	logger := component.Logger(ctx)
	for _, hit := range result.Hits {
		err := func() error {
			var twin DigitalTwin
			if err := hit.Decode(&twin); err != nil {
				return fmt.Errorf("decode twin %s: %w", hit.ID, err)
			}
			release, err := r.locks.Acquire(ctx, twin.ID().LockKey())
			if err != nil {
				return err
			}
			defer release()

			// Re-read under the lock; the search snapshot may be stale.
			if err := r.storage.Get(ctx, engineID, kind.Collection(), hit.ID, &twin); err != nil {
				return fmt.Errorf("reload twin: %w", err)
			}
			changed := false
			for _, slot := range added {
				if _, exists := twin.Slot(slot.Name); !exists {
					twin.MeasureSlots = append(twin.MeasureSlots, slot)
					changed = true
				}
			}
			if !changed {
				return nil
			}
			return r.storage.Update(ctx, engineID, kind.Collection(), hit.ID, &twin)
		}()
		if err != nil {
			return fmt.Errorf("twin %s: %w", hit.ID, err)
		}
	}
	logger.Debug("Propagated new measure slots to existing twins",
		"engine", engineID, "model", model, "twins", len(result.Hits), "slots", len(added))
	return nil
}

const maxTwinsPerPropagation = 10000
