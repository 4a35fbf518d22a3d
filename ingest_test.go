package twinstack_test

import (
	"context"
	"errors"
	"testing"

	"github.com/go-twinstack/go-twinstack"
)

func deviceBatch(at int64, celsius float64) ([]twinstack.Measurement, twinstack.DeviceSource, twinstack.DeviceTarget) {
	measurements := []twinstack.Measurement{{
		MeasureName: "temperature",
		Type:        "temperature",
		MeasuredAt:  at,
		Values:      map[string]any{"celsius": celsius},
	}}
	source := twinstack.DeviceSource{ID: "thermo-T-1", Model: "thermo", Reference: "T-1"}
	target := twinstack.DeviceTarget{IndexID: testEngine}
	return measurements, source, target
}

func TestIngestRoutesThroughLinkedAsset(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, asset := seedTwins(t, s)
	linkFixture(t, s, device, asset)

	measurements, source, target := deviceBatch(100, 21.5)
	result, err := s.pipeline.Ingest(context.Background(), source, target, measurements, []string{"payload-1"})
	if err != nil {
		t.Fatal("Ingest:", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("persisted %v records, want 1", len(result.Records))
	}

	// The record snapshots the asset context at ingestion time.
	record := result.Records[0]
	if record.AssetContext == nil {
		t.Fatal("record carries no asset context despite the link")
	}
	if record.AssetContext.ID != asset.DocumentID() || record.AssetContext.MeasureName != "temperature" {
		t.Errorf("asset context = %+v, want the linked asset's temperature slot", record.AssetContext)
	}
	if got := record.CausalityIDs; len(got) != 1 || got[0] != "payload-1" {
		t.Errorf("CausalityIDs = %v, want [payload-1]", got)
	}

	// Both twins' current state hold the measurement.
	if got := getTwin(t, s, device).Measures["temperature"].MeasuredAt; got != 100 {
		t.Errorf("device slot holds measuredAt %v, want 100", got)
	}
	if got := getTwin(t, s, asset).Measures["temperature"].MeasuredAt; got != 100 {
		t.Errorf("asset slot holds measuredAt %v, want 100", got)
	}

	// The immutable record is in the measures collection.
	var persisted twinstack.MeasureRecord
	if err := s.store.Get(context.Background(), testEngine, twinstack.CollectionMeasures, record.ID, &persisted); err != nil {
		t.Fatal("Get measure record:", err)
	}
	if _, ok := persisted.Origin.(twinstack.DeviceOrigin); !ok {
		t.Errorf("persisted origin is %T, want DeviceOrigin", persisted.Origin)
	}
}

// An older measurement lands in history but must not move the twins' current
// state backwards.
func TestIngestDiscardsStaleMeasurements(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, asset := seedTwins(t, s)
	linkFixture(t, s, device, asset)

	ctx := context.Background()
	measurements, source, target := deviceBatch(200, 22.0)
	if _, err := s.pipeline.Ingest(ctx, source, target, measurements, nil); err != nil {
		t.Fatal("Ingest(fresh):", err)
	}
	stale, _, _ := deviceBatch(100, 19.0)
	if _, err := s.pipeline.Ingest(ctx, source, target, stale, nil); err != nil {
		t.Fatal("Ingest(stale):", err)
	}

	if got := getTwin(t, s, device).Measures["temperature"].MeasuredAt; got != 200 {
		t.Errorf("device slot holds measuredAt %v, want 200", got)
	}
	if got := getTwin(t, s, asset).Measures["temperature"].MeasuredAt; got != 200 {
		t.Errorf("asset slot holds measuredAt %v, want 200", got)
	}

	// Both records exist in history regardless.
	result, err := s.store.Search(ctx, testEngine, twinstack.CollectionMeasures, twinstack.Query{}, twinstack.SearchOptions{})
	if err != nil {
		t.Fatal("Search measures:", err)
	}
	if result.Total != 2 {
		t.Errorf("measures collection holds %v records, want 2", result.Total)
	}
}

// A measurement whose name matches no link mapping gets no asset context and
// must not touch the asset's current state.
func TestIngestUnmappedMeasureSkipsAsset(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, asset := seedTwins(t, s)
	linkFixture(t, s, device, asset) // maps temperature only

	measurements := []twinstack.Measurement{{
		MeasureName: "humidity",
		Type:        "humidity",
		MeasuredAt:  100,
		Values:      map[string]any{"percent": 40.0},
	}}
	source := twinstack.DeviceSource{ID: "thermo-T-1", Model: "thermo", Reference: "T-1"}
	result, err := s.pipeline.Ingest(context.Background(), source, twinstack.DeviceTarget{IndexID: testEngine}, measurements, nil)
	if err != nil {
		t.Fatal("Ingest:", err)
	}

	if result.Records[0].AssetContext != nil {
		t.Error("unmapped measure carries an asset context")
	}
	// The device's own humidity slot is declared, so the device merges it;
	// the asset must not.
	if _, ok := getTwin(t, s, device).Measures["humidity"]; !ok {
		t.Error("device slot missing the measurement")
	}
	if _, ok := getTwin(t, s, asset).Measures["humidity"]; ok {
		t.Error("asset merged a measurement that maps to no slot")
	}
}

func TestIngestBeforeHookAbortsBeforeAnyWrite(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, asset := seedTwins(t, s)
	linkFixture(t, s, device, asset)

	boom := errors.New("rejected by plugin")
	s.hooks.OnIngestBefore(testEngine, func(ctx context.Context, batch *twinstack.IngestBatch) error {
		return boom
	})

	measurements, source, target := deviceBatch(100, 21.5)
	_, err := s.pipeline.Ingest(context.Background(), source, target, measurements, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Ingest() = %v, want the hook's error", err)
	}

	// Nothing was written: no records, no merged state.
	result, err := s.store.Search(context.Background(), testEngine, twinstack.CollectionMeasures, twinstack.Query{}, twinstack.SearchOptions{})
	if err != nil {
		t.Fatal("Search measures:", err)
	}
	if result.Total != 0 {
		t.Errorf("measures collection holds %v records after aborted ingest, want 0", result.Total)
	}
	if len(getTwin(t, s, device).Measures) != 0 {
		t.Error("device state changed despite aborted ingest")
	}
}

func TestIngestBeforeHookMayRewriteRecords(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, asset := seedTwins(t, s)
	linkFixture(t, s, device, asset)

	// A normalisation hook: fahrenheit arrives, celsius is stored.
	s.hooks.OnIngestBefore("", func(ctx context.Context, batch *twinstack.IngestBatch) error {
		for _, r := range batch.Records {
			if f, ok := r.Values["fahrenheit"].(float64); ok {
				delete(r.Values, "fahrenheit")
				r.Values["celsius"] = (f - 32) * 5 / 9
			}
		}
		return nil
	})

	measurements := []twinstack.Measurement{{
		MeasureName: "temperature",
		Type:        "temperature",
		MeasuredAt:  100,
		Values:      map[string]any{"fahrenheit": 212.0},
	}}
	source := twinstack.DeviceSource{ID: "thermo-T-1", Model: "thermo", Reference: "T-1"}
	if _, err := s.pipeline.Ingest(context.Background(), source, twinstack.DeviceTarget{IndexID: testEngine}, measurements, nil); err != nil {
		t.Fatal("Ingest:", err)
	}

	if got := getTwin(t, s, device).Measures["temperature"].Values["celsius"]; got != 100.0 {
		t.Errorf("stored celsius = %v, want 100", got)
	}
}

func TestIngestAfterHookFailureIsAWarning(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, asset := seedTwins(t, s)
	linkFixture(t, s, device, asset)

	boom := errors.New("notification failed")
	s.hooks.OnIngestAfter(testEngine, func(ctx context.Context, batch *twinstack.IngestBatch) error {
		return boom
	})

	measurements, source, target := deviceBatch(100, 21.5)
	result, err := s.pipeline.Ingest(context.Background(), source, target, measurements, nil)
	if err != nil {
		t.Fatal("Ingest:", err)
	}
	if len(result.Warnings) != 1 || !errors.Is(result.Warnings[0], boom) {
		t.Errorf("Warnings = %v, want the after-hook's error", result.Warnings)
	}
	// The write stands.
	if got := getTwin(t, s, device).Measures["temperature"].MeasuredAt; got != 100 {
		t.Errorf("device slot holds measuredAt %v, want 100", got)
	}
}

func TestIngestEnrichesDeviceMetadata(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, asset := seedTwins(t, s)
	linkFixture(t, s, device, asset)

	measurements, source, target := deviceBatch(100, 21.5)
	source.Metadata = twinstack.Metadata{"serial": twinstack.String("SN-1b")}
	if _, err := s.pipeline.Ingest(context.Background(), source, target, measurements, nil); err != nil {
		t.Fatal("Ingest:", err)
	}

	if got := getTwin(t, s, device).Metadata["serial"]; got != twinstack.String("SN-1b") {
		t.Errorf("device serial = %v, want SN-1b", got)
	}
}

func TestIngestAPITargetsAssetDirectly(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	_, asset := seedTwins(t, s)

	measurements := []twinstack.Measurement{{
		MeasureName: "temperature",
		Type:        "temperature",
		MeasuredAt:  100,
		Values:      map[string]any{"celsius": 18.0},
	}}
	source := twinstack.APISource{ID: "req-42"}
	target := twinstack.APITarget{IndexID: testEngine, AssetID: asset.DocumentID(), EngineGroup: testGroup}
	result, err := s.pipeline.Ingest(context.Background(), source, target, measurements, nil)
	if err != nil {
		t.Fatal("Ingest:", err)
	}

	if result.Records[0].AssetContext == nil {
		t.Fatal("api record carries no asset context")
	}
	if _, ok := result.Records[0].Origin.(twinstack.APIOrigin); !ok {
		t.Errorf("origin is %T, want APIOrigin", result.Records[0].Origin)
	}
	if got := getTwin(t, s, asset).Measures["temperature"].MeasuredAt; got != 100 {
		t.Errorf("asset slot holds measuredAt %v, want 100", got)
	}
}

func TestIngestRejectsTypeMismatch(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	seedTwins(t, s)

	// The measure name matches the device's temperature slot but claims to be
	// a humidity measurement.
	measurements := []twinstack.Measurement{{
		MeasureName: "temperature",
		Type:        "humidity",
		MeasuredAt:  100,
		Values:      map[string]any{"percent": 40.0},
	}}
	source := twinstack.DeviceSource{ID: "thermo-T-1", Model: "thermo", Reference: "T-1"}
	_, err := s.pipeline.Ingest(context.Background(), source, twinstack.DeviceTarget{IndexID: testEngine}, measurements, nil)

	var verr twinstack.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Ingest(type mismatch) = %v, want ValidationError", err)
	}
}

func TestIngestRejectsEmptyBatch(t *testing.T) {
	s := newStack()
	source := twinstack.DeviceSource{ID: "thermo-T-1", Model: "thermo", Reference: "T-1"}
	_, err := s.pipeline.Ingest(context.Background(), source, twinstack.DeviceTarget{IndexID: testEngine}, nil, nil)

	var verr twinstack.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Ingest(empty) = %v, want ValidationError", err)
	}
}

func TestIngestRecordsMeasureHistory(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, asset := seedTwins(t, s)
	linkFixture(t, s, device, asset)

	measurements, source, target := deviceBatch(100, 21.5)
	if _, err := s.pipeline.Ingest(context.Background(), source, target, measurements, nil); err != nil {
		t.Fatal("Ingest:", err)
	}

	// One measure event per twin whose state actually moved.
	if n := countHistory(t, s, device.DocumentID(), twinstack.HistoryMeasure); n != 1 {
		t.Errorf("device has %v measure events, want 1", n)
	}
	if n := countHistory(t, s, asset.DocumentID(), twinstack.HistoryMeasure); n != 1 {
		t.Errorf("asset has %v measure events, want 1", n)
	}
}
