package twinstack

import (
	"context"
	"fmt"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// A Source identifies where a batch of measurements came from. The sum is
// closed over the two producers the system accepts measurements from: a
// provisioned device and a direct API caller. (Computed measures re-enter the
// pipeline through the API variant of their triggering rule.)
type Source interface {
	source()
}

// A DeviceSource attributes the batch to a provisioned device. Metadata, when
// present, enriches the device twin's metadata as part of the ingestion.
type DeviceSource struct {
	ID        string
	Model     string
	Reference string
	Metadata  Metadata
}

// An APISource attributes the batch to a direct API submission.
type APISource struct {
	ID       string
	Metadata Metadata
}

func (DeviceSource) source() {}
func (APISource) source()    {}

// A Target identifies where a batch of measurements should be routed. The sum
// is closed over the two routing modes: through a device twin (following its
// current asset link, if any) and directly at an asset twin.
type Target interface {
	// Engine returns the tenant index the batch is routed into.
	Engine() string
}

// A DeviceTarget routes measurements through the device twin named by the
// source. AssetID, when set, is advisory: the device's currently persisted
// link decides the routing, and a mismatch is logged rather than honoured,
// because the link list is the single source of truth for slot attribution.
type DeviceTarget struct {
	IndexID string
	AssetID string
}

// An APITarget routes measurements directly at an asset twin, bypassing any
// device. The asset model's declared slots are matched by name.
type APITarget struct {
	IndexID     string
	AssetID     string
	EngineGroup string
}

func (t DeviceTarget) Engine() string { return t.IndexID }
func (t APITarget) Engine() string    { return t.IndexID }

// An IngestResult reports what the pipeline persisted. Warnings carries
// after-hook failures: those fire once the records are committed, so their
// errors cannot abort anything and are surfaced as non-fatal.
type IngestResult struct {
	Records  []*MeasureRecord
	Warnings []error
}

// An IngestionPipeline resolves, persists and merges measurements. For each
// batch it:
//
//  1. resolves the source and target twins under their per-id locks,
//  2. constructs one immutable MeasureRecord per measurement, resolving the
//     asset context through the device's link (or the asset model's declared
//     slots for API targets),
//  3. runs the measures:process:before hooks, which may rewrite the records
//     and whose failure aborts before any write,
//  4. bulk-inserts all records into the tenant's history collection,
//  5. merges each record into the target twins' current-state maps under the
//     last-write-wins-by-time rule,
//  6. appends measure history events, and
//  7. runs the measures:process:after hooks, whose failures are returned as
//     warnings.
type IngestionPipeline struct {
	Storage Storage
	Locks   Locker
	Hooks   *HookBus
	History *HistoryAppender
}

// Ingest processes one batch of measurements from the given source into the
// given target. The causalityIDs (ids of the raw payloads the measurements
// were decoded from) are stamped on every record for audit purposes.
//
// A measurement whose name maps to no slot is stored with a nil asset context
// and is not merged into any twin's current state: it exists only in history.
func (p *IngestionPipeline) Ingest(ctx context.Context, source Source, target Target, measurements []Measurement, causalityIDs []string) (IngestResult, error) {
	engineID := target.Engine()
	ctx, span := tracer.Start(ctx, "Ingest", trace.WithAttributes(
		attribute.String("engine", engineID),
		attribute.Int("measurements", len(measurements)),
	))
	defer span.End()

	if len(measurements) == 0 {
		return IngestResult{}, validationErrorf("measurement batch must not be empty")
	}

	switch src := source.(type) {
	case DeviceSource:
		tgt, ok := target.(DeviceTarget)
		if !ok {
			return IngestResult{}, validationErrorf("device source requires a device target, got %T", target)
		}
		return p.ingestFromDevice(ctx, engineID, src, tgt, measurements, causalityIDs)
	case APISource:
		tgt, ok := target.(APITarget)
		if !ok {
			return IngestResult{}, validationErrorf("api source requires an api target, got %T", target)
		}
		return p.ingestFromAPI(ctx, engineID, src, tgt, measurements, causalityIDs)
	default:
		return IngestResult{}, validationErrorf("unsupported measurement source %T", source)
	}
}

func (p *IngestionPipeline) ingestFromDevice(ctx context.Context, engineID string, source DeviceSource, target DeviceTarget, measurements []Measurement, causalityIDs []string) (IngestResult, error) {
	deviceID := TwinID{Kind: KindDevice, Model: source.Model, Reference: source.Reference}

	release, err := p.Locks.Acquire(ctx, deviceID.LockKey())
	if err != nil {
		return IngestResult{}, err
	}
	defer release()

	var device DigitalTwin
	if err := p.Storage.Get(ctx, engineID, CollectionDevices, deviceID.DocumentID(), &device); err != nil {
		return IngestResult{}, fmt.Errorf("load device twin: %w", err)
	}

	// The device's persisted link decides asset attribution. An advisory
	// asset id on the target that disagrees with it indicates the caller
	// holds a stale view; we log and follow the link.
	var asset *DigitalTwin
	var releaseAsset func()
	if device.AssetLink != nil {
		if target.AssetID != "" && target.AssetID != device.AssetLink.AssetID {
			component.Logger(ctx).Warn("Measurement target names a different asset than the device link; following the link",
				"device", deviceID.DocumentID(), "target.asset", target.AssetID, "linked.asset", device.AssetLink.AssetID)
		}
		asset, releaseAsset, err = p.lockAndLoadAsset(ctx, engineID, device.AssetLink.AssetID)
		if err != nil {
			return IngestResult{}, err
		}
		defer releaseAsset()
	}

	// Fresh device metadata rides along with measurements; merging it here
	// (under the device lock we already hold) saves a separate update call
	// per payload.
	if len(source.Metadata) > 0 {
		device.Metadata = device.Metadata.Merge(source.Metadata)
	}

	records := make([]*MeasureRecord, len(measurements))
	for i, m := range measurements {
		record := &MeasureRecord{
			ID:         uuid.NewString(),
			Type:       m.Type,
			MeasuredAt: m.MeasuredAt,
			Values:     m.Values,
			Origin: DeviceOrigin{
				ID:          deviceID.DocumentID(),
				Model:       source.Model,
				Reference:   source.Reference,
				MeasureName: m.MeasureName,
			},
			CausalityIDs: causalityIDs,
		}
		if slot, declared := device.Slot(m.MeasureName); declared && slot.Type != m.Type {
			return IngestResult{}, validationErrorf("measure %q carries type %q but the device slot declares %q", m.MeasureName, m.Type, slot.Type)
		}
		if asset != nil {
			if assetSlot, mapped := mappedAssetSlot(device.AssetLink, m.MeasureName); mapped {
				record.AssetContext = &AssetContext{
					ID:          asset.ID().DocumentID(),
					Model:       asset.Model,
					MeasureName: assetSlot,
					Metadata:    asset.Metadata.Clone(),
				}
			}
		}
		records[i] = record
	}

	batch := &IngestBatch{EngineID: engineID, Source: source, Target: target, Asset: asset, Records: records}
	return p.persistAndMerge(ctx, engineID, batch, &device, asset)
}

func (p *IngestionPipeline) ingestFromAPI(ctx context.Context, engineID string, source APISource, target APITarget, measurements []Measurement, causalityIDs []string) (IngestResult, error) {
	asset, releaseAsset, err := p.lockAndLoadAsset(ctx, engineID, target.AssetID)
	if err != nil {
		return IngestResult{}, err
	}
	defer releaseAsset()

	records := make([]*MeasureRecord, len(measurements))
	for i, m := range measurements {
		record := &MeasureRecord{
			ID:           uuid.NewString(),
			Type:         m.Type,
			MeasuredAt:   m.MeasuredAt,
			Values:       m.Values,
			Origin:       APIOrigin{ID: source.ID, MeasureName: m.MeasureName},
			CausalityIDs: causalityIDs,
		}
		// API measurements name the asset slot directly: the declared slots
		// of the asset's model are checked by name, no link involved.
		if slot, declared := asset.Slot(m.MeasureName); declared {
			if slot.Type != m.Type {
				return IngestResult{}, validationErrorf("measure %q carries type %q but the asset slot declares %q", m.MeasureName, m.Type, slot.Type)
			}
			record.AssetContext = &AssetContext{
				ID:          asset.ID().DocumentID(),
				Model:       asset.Model,
				MeasureName: slot.Name,
				Metadata:    asset.Metadata.Clone(),
			}
		}
		records[i] = record
	}

	batch := &IngestBatch{EngineID: engineID, Source: source, Target: target, Asset: asset, Records: records}
	return p.persistAndMerge(ctx, engineID, batch, nil, asset)
}

// lockAndLoadAsset acquires the asset's per-id lock and loads it. Callers must
// invoke the returned release exactly once.
func (p *IngestionPipeline) lockAndLoadAsset(ctx context.Context, engineID, assetDocID string) (*DigitalTwin, func(), error) {
	lockKey := string(KindAsset) + ":" + assetDocID
	release, err := p.Locks.Acquire(ctx, lockKey)
	if err != nil {
		return nil, nil, err
	}
	var asset DigitalTwin
	if err := p.Storage.Get(ctx, engineID, CollectionAssets, assetDocID, &asset); err != nil {
		release()
		return nil, nil, fmt.Errorf("load asset twin: %w", err)
	}
	return &asset, release, nil
}

// mappedAssetSlot resolves a device measure name to the asset slot it is
// currently linked into.
func mappedAssetSlot(link *AssetLink, deviceMeasureName string) (assetSlot string, mapped bool) {
	for _, m := range link.Slots {
		if m.Device == deviceMeasureName {
			return m.Asset, true
		}
	}
	return "", false
}

// persistAndMerge is the back half of the pipeline, common to both routes:
// before-hooks, bulk history insert, current-state merges, history events,
// after-hooks. The device and asset twins (either may be nil) are still under
// the locks acquired by the caller.
func (p *IngestionPipeline) persistAndMerge(ctx context.Context, engineID string, batch *IngestBatch, device, asset *DigitalTwin) (IngestResult, error) {
	// Before-hooks may rewrite the constructed records; any failure aborts
	// the pipeline before a single write has happened.
	if err := p.Hooks.runIngestBefore(ctx, batch); err != nil {
		return IngestResult{}, err
	}

	docs := make([]BulkDoc, len(batch.Records))
	for i, r := range batch.Records {
		docs[i] = BulkDoc{ID: r.ID, Body: r}
	}
	bulk, err := p.Storage.BulkCreate(ctx, engineID, CollectionMeasures, docs)
	if err != nil {
		return IngestResult{}, fmt.Errorf("bulk create measure records: %w", err)
	}
	if err := newPartialPersistenceError(bulk); err != nil {
		// Some records are now in history and some are not. We surface the
		// aggregate error without merging anything into the twins: the
		// denormalised state must never get ahead of a verified write, and a
		// redelivery of the batch is idempotent thanks to the merge rule.
		partialPersistenceFailures.Add(ctx, 1, engineAttr(engineID))
		return IngestResult{}, err
	}
	measuresIngested.Add(ctx, int64(len(batch.Records)), engineAttr(engineID))

	var events []HistoryEvent
	var deviceChanged bool
	if src, fromDevice := batch.Source.(DeviceSource); fromDevice && device != nil {
		deviceChanged = len(src.Metadata) > 0
	}
	for _, record := range batch.Records {
		if device != nil {
			if _, declared := device.Slot(record.Origin.OriginMeasureName()); declared {
				if device.MergeMeasure(record.Origin.OriginMeasureName(), record.Embedded()) {
					deviceChanged = true
					events = append(events, NewHistoryEvent(device.ID().DocumentID(), HistoryMeasure, measureEventPayload(record)))
				} else {
					staleMeasures.Add(ctx, 1, engineAttr(engineID))
				}
			}
		}
		if record.AssetContext != nil && asset != nil {
			// Known race window, inherited by design: this merge and the link
			// manager's unlink of the same asset are each individually
			// locked, but a measure arriving between an unlink's read and its
			// write can still be attributed to the link being removed. A
			// future design should widen the lock scope to cover both
			// operations atomically if this matters.
			if asset.MergeMeasure(record.AssetContext.MeasureName, record.Embedded()) {
				events = append(events, NewHistoryEvent(asset.ID().DocumentID(), HistoryMeasure, measureEventPayload(record)))
			} else {
				staleMeasures.Add(ctx, 1, engineAttr(engineID))
			}
		}
	}

	if deviceChanged {
		if err := p.Storage.Update(ctx, engineID, CollectionDevices, device.ID().DocumentID(), device); err != nil {
			return IngestResult{}, fmt.Errorf("update device twin: %w", err)
		}
	}
	if asset != nil {
		if err := p.Storage.Update(ctx, engineID, CollectionAssets, asset.ID().DocumentID(), asset); err != nil {
			return IngestResult{}, fmt.Errorf("update asset twin: %w", err)
		}
	}

	// History events are awaited: ingestion promises its audit trail is
	// durable by the time it returns.
	if err := p.History.Add(ctx, engineID, events); err != nil {
		return IngestResult{}, fmt.Errorf("append history: %w", err)
	}

	result := IngestResult{Records: batch.Records}
	// The records are committed; an after-hook failure has nothing left to
	// abort. It is surfaced as a warning for the caller to act on.
	if err := p.Hooks.runIngestAfter(ctx, batch); err != nil {
		component.Logger(ctx).Warn("Measure after-hook failed; records remain committed", "error", err, "engine", engineID)
		result.Warnings = append(result.Warnings, err)
	}
	return result, nil
}

func measureEventPayload(record *MeasureRecord) map[string]any {
	return map[string]any{
		"measureId":  record.ID,
		"type":       record.Type,
		"measuredAt": record.MeasuredAt,
	}
}
