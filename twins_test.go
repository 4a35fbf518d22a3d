package twinstack_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-twinstack/go-twinstack"
)

func TestCreateCopiesModelSlots(t *testing.T) {
	s := newStack()
	seedModels(t, s)

	id := twinstack.TwinID{Kind: twinstack.KindDevice, Model: "thermo", Reference: "T-9"}
	twin, err := s.twins.Create(context.Background(), testEngine, testGroup, id, nil)
	if err != nil {
		t.Fatal("Create:", err)
	}

	want := []twinstack.MeasureSlot{
		{Name: "temperature", Type: "temperature"},
		{Name: "humidity", Type: "humidity"},
	}
	if diff := cmp.Diff(want, twin.MeasureSlots); diff != "" {
		t.Errorf("provisioned slots (-want +got):\n%v", diff)
	}
	if diff := cmp.Diff(want, getTwin(t, s, id).MeasureSlots); diff != "" {
		t.Errorf("persisted slots (-want +got):\n%v", diff)
	}
}

func TestCreateValidatesMetadata(t *testing.T) {
	s := newStack()
	seedModels(t, s)

	id := twinstack.TwinID{Kind: twinstack.KindAsset, Model: "container", Reference: "B"}
	_, err := s.twins.Create(context.Background(), testEngine, testGroup, id, twinstack.Metadata{
		"floor": twinstack.String("second"), // the model declares an integer
	})

	var verr twinstack.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Create(mistyped metadata) = %v, want ValidationError", err)
	}
	if _, err := s.twins.Get(context.Background(), testEngine, id); !twinstack.IsNotFound(err) {
		t.Errorf("Get after rejected create = %v, want not-found", err)
	}
}

func TestCreateRequiresModel(t *testing.T) {
	s := newStack()
	seedModels(t, s)

	id := twinstack.TwinID{Kind: twinstack.KindAsset, Model: "warehouse", Reference: "W-1"}
	_, err := s.twins.Create(context.Background(), testEngine, testGroup, id, nil)
	if !twinstack.IsNotFound(err) {
		t.Errorf("Create(unregistered model) = %v, want not-found", err)
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, _ := seedTwins(t, s)

	if _, err := s.twins.Create(context.Background(), testEngine, testGroup, device, nil); err == nil {
		t.Error("Create(existing reference) succeeded, want an error")
	}
}

func TestUpdateMetadataMergesAndRecordsHistory(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, _ := seedTwins(t, s)

	twin, warnings, err := s.twins.UpdateMetadata(context.Background(), testEngine, testGroup, device, twinstack.Metadata{
		"serial": twinstack.String("SN-1b"),
	})
	if err != nil {
		t.Fatal("UpdateMetadata:", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if got := twin.Metadata["serial"]; got != twinstack.String("SN-1b") {
		t.Errorf("serial = %v, want SN-1b", got)
	}
	if n := countHistory(t, s, device.DocumentID(), twinstack.HistoryMetadata); n != 1 {
		t.Errorf("device has %v metadata events, want 1", n)
	}
}

func TestUpdateMetadataBeforeHookMayRewrite(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, _ := seedTwins(t, s)

	s.hooks.OnTwinUpdateBefore(testEngine, func(ctx context.Context, update *twinstack.TwinUpdate) error {
		update.Metadata = twinstack.Metadata{"serial": twinstack.String("SN-rewritten")}
		return nil
	})

	twin, _, err := s.twins.UpdateMetadata(context.Background(), testEngine, testGroup, device, twinstack.Metadata{
		"serial": twinstack.String("SN-ignored"),
	})
	if err != nil {
		t.Fatal("UpdateMetadata:", err)
	}
	if got := twin.Metadata["serial"]; got != twinstack.String("SN-rewritten") {
		t.Errorf("serial = %v, want the hook's rewrite", got)
	}
}

func TestUpdateMetadataBeforeHookAborts(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, _ := seedTwins(t, s)

	boom := errors.New("rejected")
	s.hooks.OnTwinUpdateBefore("", func(ctx context.Context, update *twinstack.TwinUpdate) error {
		return boom
	})

	_, _, err := s.twins.UpdateMetadata(context.Background(), testEngine, testGroup, device, twinstack.Metadata{
		"serial": twinstack.String("SN-2"),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateMetadata() = %v, want the hook's error", err)
	}
	if got := getTwin(t, s, device).Metadata["serial"]; got != twinstack.String("SN-1") {
		t.Errorf("serial = %v, want the original SN-1", got)
	}
}

func TestUpdateMetadataAfterHookFailureIsAWarning(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, _ := seedTwins(t, s)

	boom := errors.New("notification failed")
	s.hooks.OnTwinUpdateAfter(testEngine, func(ctx context.Context, update *twinstack.TwinUpdate) error {
		return boom
	})

	_, warnings, err := s.twins.UpdateMetadata(context.Background(), testEngine, testGroup, device, twinstack.Metadata{
		"serial": twinstack.String("SN-2"),
	})
	if err != nil {
		t.Fatal("UpdateMetadata:", err)
	}
	if len(warnings) != 1 || !errors.Is(warnings[0], boom) {
		t.Errorf("warnings = %v, want the after-hook's error", warnings)
	}
	if got := getTwin(t, s, device).Metadata["serial"]; got != twinstack.String("SN-2") {
		t.Errorf("serial = %v, want the committed SN-2", got)
	}
}

func TestSearchReportsFullTotal(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	ctx := context.Background()

	for _, ref := range []string{"T-1", "T-2", "T-3"} {
		id := twinstack.TwinID{Kind: twinstack.KindDevice, Model: "thermo", Reference: ref}
		if _, err := s.twins.Create(ctx, testEngine, testGroup, id, nil); err != nil {
			t.Fatalf("Create(%v): %v", ref, err)
		}
	}

	twins, total, err := s.twins.Search(ctx, testEngine, twinstack.KindDevice, twinstack.Query{
		Equals: map[string]any{"model": "thermo"},
	}, twinstack.SearchOptions{Size: 2})
	if err != nil {
		t.Fatal("Search:", err)
	}
	if len(twins) != 2 || total != 3 {
		t.Errorf("Search returned %v twins with total %v, want page of 2 out of 3", len(twins), total)
	}
}

func TestDeleteAssetUnlinksDevices(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, asset := seedTwins(t, s)
	linkFixture(t, s, device, asset)

	if err := s.twins.Delete(context.Background(), testEngine, asset); err != nil {
		t.Fatal("Delete asset:", err)
	}

	if _, err := s.twins.Get(context.Background(), testEngine, asset); !twinstack.IsNotFound(err) {
		t.Errorf("Get deleted asset = %v, want not-found", err)
	}
	// The device survives, detached.
	if link := getTwin(t, s, device).AssetLink; link != nil {
		t.Errorf("device still links %v after asset deletion", link.AssetID)
	}
}

func TestDeleteLinkedDeviceDetachesAsset(t *testing.T) {
	s := newStack()
	seedModels(t, s)
	device, asset := seedTwins(t, s)
	linkFixture(t, s, device, asset)

	if err := s.twins.Delete(context.Background(), testEngine, device); err != nil {
		t.Fatal("Delete device:", err)
	}

	if _, err := s.twins.Get(context.Background(), testEngine, device); !twinstack.IsNotFound(err) {
		t.Errorf("Get deleted device = %v, want not-found", err)
	}
	if links := getTwin(t, s, asset).DeviceLinks; len(links) != 0 {
		t.Errorf("asset DeviceLinks = %+v after device deletion, want none", links)
	}
}
