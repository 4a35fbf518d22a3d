package twinstack_test

import (
	"context"
	"testing"

	"github.com/go-twinstack/go-twinstack"
)

// ingestOne pushes a single measurement through the device route.
func ingestOne(t *testing.T, s *stack, name, typ string, at int64, values map[string]any) {
	t.Helper()
	source := twinstack.DeviceSource{ID: "thermo-T-1", Model: "thermo", Reference: "T-1"}
	_, err := s.pipeline.Ingest(context.Background(), source, twinstack.DeviceTarget{IndexID: testEngine}, []twinstack.Measurement{{
		MeasureName: name,
		Type:        typ,
		MeasuredAt:  at,
		Values:      values,
	}}, nil)
	if err != nil {
		t.Fatalf("Ingest(%v@%v): %v", name, at, err)
	}
}

// queryFixture seeds a device and asset linked on both slots, with three
// temperature records and one humidity record.
func queryFixture(t *testing.T, s *stack) (device, asset twinstack.TwinID) {
	t.Helper()
	seedModels(t, s)
	device, asset = seedTwins(t, s)
	err := s.links.Link(context.Background(), testEngine, device, twinstack.LinkRequest{
		AssetID:             asset.DocumentID(),
		ImplicitSlotLinking: true,
	})
	if err != nil {
		t.Fatal("Link:", err)
	}

	ingestOne(t, s, "temperature", "temperature", 100, map[string]any{"celsius": 20.0})
	ingestOne(t, s, "temperature", "temperature", 300, map[string]any{"celsius": 22.0})
	ingestOne(t, s, "temperature", "temperature", 200, map[string]any{"celsius": 21.0})
	ingestOne(t, s, "humidity", "humidity", 150, map[string]any{"percent": 40.0})
	return device, asset
}

func TestLastMeasuresNewestFirstPerSlot(t *testing.T) {
	s := newStack()
	device, asset := queryFixture(t, s)
	ctx := context.Background()

	for _, twin := range []twinstack.TwinID{device, asset} {
		got, err := s.query.LastMeasures(ctx, testEngine, twin, 2)
		if err != nil {
			t.Fatalf("LastMeasures(%v): %v", twin, err)
		}
		if len(got) != 2 {
			t.Fatalf("LastMeasures(%v) returned slots %v, want temperature and humidity", twin, got)
		}
		temps := got["temperature"]
		if len(temps) != 2 || temps[0].MeasuredAt != 300 || temps[1].MeasuredAt != 200 {
			t.Errorf("temperature records for %v = %+v, want the two newest, newest first", twin, temps)
		}
		if hums := got["humidity"]; len(hums) != 1 || hums[0].MeasuredAt != 150 {
			t.Errorf("humidity records for %v = %+v, want the single record", twin, hums)
		}
	}
}

func TestLastMeasuresUnknownTwin(t *testing.T) {
	s := newStack()
	queryFixture(t, s)

	silent := twinstack.TwinID{Kind: twinstack.KindDevice, Model: "thermo", Reference: "T-404"}
	_, err := s.query.LastMeasures(context.Background(), testEngine, silent, 1)
	if !twinstack.IsNotFound(err) {
		t.Errorf("LastMeasures(silent twin) = %v, want not-found", err)
	}
}

func TestLastMeasuredAtSpansAllSlots(t *testing.T) {
	s := newStack()
	device, asset := queryFixture(t, s)
	ctx := context.Background()

	for _, twin := range []twinstack.TwinID{device, asset} {
		got, err := s.query.LastMeasuredAt(ctx, testEngine, twin)
		if err != nil {
			t.Fatalf("LastMeasuredAt(%v): %v", twin, err)
		}
		if got != 300 {
			t.Errorf("LastMeasuredAt(%v) = %v, want 300", twin, got)
		}
	}
}

func TestMGetLastMeasuresMixedKinds(t *testing.T) {
	s := newStack()
	device, asset := queryFixture(t, s)

	silent := twinstack.TwinID{Kind: twinstack.KindAsset, Model: "container", Reference: "B"}
	got, err := s.query.MGetLastMeasures(context.Background(), testEngine, []twinstack.TwinID{device, asset, silent}, 1)
	if err != nil {
		t.Fatal("MGetLastMeasures:", err)
	}

	// Silent ids are omitted, answered ids carry the newest record per slot.
	if len(got) != 2 {
		t.Fatalf("MGetLastMeasures answered %v twins, want 2: %+v", len(got), got)
	}
	for _, docID := range []string{device.DocumentID(), asset.DocumentID()} {
		slots := got[docID]
		if slots == nil {
			t.Fatalf("no answer for %v", docID)
		}
		if temps := slots["temperature"]; len(temps) != 1 || temps[0].MeasuredAt != 300 {
			t.Errorf("temperature for %v = %+v, want only the newest record", docID, temps)
		}
	}
}

func TestMGetLastMeasuredAtOmitsSilentTwins(t *testing.T) {
	s := newStack()
	device, asset := queryFixture(t, s)

	silent := twinstack.TwinID{Kind: twinstack.KindDevice, Model: "thermo", Reference: "T-404"}
	got, err := s.query.MGetLastMeasuredAt(context.Background(), testEngine, []twinstack.TwinID{device, asset, silent})
	if err != nil {
		t.Fatal("MGetLastMeasuredAt:", err)
	}

	want := map[string]int64{
		device.DocumentID(): 300,
		asset.DocumentID():  300,
	}
	if len(got) != len(want) || got[device.DocumentID()] != 300 || got[asset.DocumentID()] != 300 {
		t.Errorf("MGetLastMeasuredAt = %v, want %v", got, want)
	}
}
