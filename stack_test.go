package twinstack_test

import (
	"context"
	"testing"

	"github.com/go-twinstack/go-twinstack"
	"github.com/go-twinstack/go-twinstack/memstore"
)

// The fixture tenant and its group, used by every service test.
const (
	testEngine = "engine-ayse"
	testGroup  = "ayse"
)

// A stack wires every collaborator over a fresh in-memory store, the way an
// embedding application would wire them at start-up.
type stack struct {
	store      *memstore.Store
	locks      *twinstack.KeyedMutex
	hooks      *twinstack.HookBus
	history    *twinstack.HistoryAppender
	dispatcher *twinstack.Dispatcher
	registry   *twinstack.ModelRegistry
	links      *twinstack.LinkManager
	pipeline   *twinstack.IngestionPipeline
	twins      *twinstack.TwinService
	query      *twinstack.QueryService
}

func newStack() *stack {
	s := &stack{
		store:      memstore.New(),
		locks:      &twinstack.KeyedMutex{},
		hooks:      &twinstack.HookBus{},
		dispatcher: &twinstack.Dispatcher{},
	}
	s.history = &twinstack.HistoryAppender{Storage: s.store}
	s.registry = twinstack.NewModelRegistry(s.store, s.locks, s.dispatcher)
	s.links = &twinstack.LinkManager{Storage: s.store, History: s.history, Locks: s.locks}
	s.pipeline = &twinstack.IngestionPipeline{Storage: s.store, Locks: s.locks, Hooks: s.hooks, History: s.history}
	s.twins = &twinstack.TwinService{
		Storage:  s.store,
		Registry: s.registry,
		Links:    s.links,
		Hooks:    s.hooks,
		History:  s.history,
		Locks:    s.locks,
	}
	s.query = &twinstack.QueryService{Storage: s.store}

	twinstack.RegisterQuery(s.dispatcher, twinstack.QueryEngineList,
		func(ctx context.Context, req twinstack.EngineListRequest) ([]twinstack.EngineDescriptor, error) {
			return []twinstack.EngineDescriptor{{EngineID: testEngine, Group: testGroup}}, nil
		})
	return s
}

// seedModels registers the measure, device and asset models the fixture twins
// are provisioned from.
func seedModels(t *testing.T, s *stack) {
	t.Helper()
	ctx := context.Background()

	for _, def := range []twinstack.ModelDefinition{
		{
			Kind: twinstack.ModelMeasure, Name: "temperature",
			Schema: twinstack.Schema{"celsius": {Type: twinstack.FieldFloat}},
		},
		{
			Kind: twinstack.ModelMeasure, Name: "humidity",
			Schema: twinstack.Schema{"percent": {Type: twinstack.FieldFloat}},
		},
		{
			Kind: twinstack.ModelDevice, Name: "thermo",
			Schema: twinstack.Schema{"serial": {Type: twinstack.FieldKeyword}},
			MeasureSlots: []twinstack.MeasureSlot{
				{Name: "temperature", Type: "temperature"},
				{Name: "humidity", Type: "humidity"},
			},
		},
		{
			Kind: twinstack.ModelAsset, Name: "container", EngineGroup: testGroup,
			Schema: twinstack.Schema{
				"floor": {Type: twinstack.FieldInteger},
			},
			MeasureSlots: []twinstack.MeasureSlot{
				{Name: "temperature", Type: "temperature"},
				{Name: "humidity", Type: "humidity"},
			},
		},
	} {
		if err := s.registry.Register(ctx, def); err != nil {
			t.Fatalf("Register(%v %v): %v", def.Kind, def.Name, err)
		}
	}
}

// seedTwins provisions the fixture device and asset.
func seedTwins(t *testing.T, s *stack) (device, asset twinstack.TwinID) {
	t.Helper()
	ctx := context.Background()

	device = twinstack.TwinID{Kind: twinstack.KindDevice, Model: "thermo", Reference: "T-1"}
	if _, err := s.twins.Create(ctx, testEngine, testGroup, device, twinstack.Metadata{
		"serial": twinstack.String("SN-1"),
	}); err != nil {
		t.Fatal("Create device:", err)
	}

	asset = twinstack.TwinID{Kind: twinstack.KindAsset, Model: "container", Reference: "A"}
	if _, err := s.twins.Create(ctx, testEngine, testGroup, asset, twinstack.Metadata{
		"floor": twinstack.Number(2),
	}); err != nil {
		t.Fatal("Create asset:", err)
	}
	return device, asset
}

// linkFixture links the fixture device's temperature slot onto the asset.
func linkFixture(t *testing.T, s *stack, device, asset twinstack.TwinID) {
	t.Helper()
	err := s.links.Link(context.Background(), testEngine, device, twinstack.LinkRequest{
		AssetID:      asset.DocumentID(),
		MeasureSlots: []twinstack.SlotMapping{{Device: "temperature", Asset: "temperature"}},
	})
	if err != nil {
		t.Fatal("Link:", err)
	}
}

// getTwin loads one twin document directly from storage.
func getTwin(t *testing.T, s *stack, id twinstack.TwinID) twinstack.DigitalTwin {
	t.Helper()
	var twin twinstack.DigitalTwin
	if err := s.store.Get(context.Background(), testEngine, id.Kind.Collection(), id.DocumentID(), &twin); err != nil {
		t.Fatalf("Get(%v): %v", id, err)
	}
	return twin
}

// countHistory counts the history events of the given kind recorded for a
// twin.
func countHistory(t *testing.T, s *stack, twinDocID string, kind twinstack.HistoryEventKind) int {
	t.Helper()
	result, err := s.store.Search(context.Background(), testEngine, twinstack.CollectionHistory, twinstack.Query{
		Equals: map[string]any{"twinId": twinDocID, "kind": string(kind)},
	}, twinstack.SearchOptions{Size: 1000})
	if err != nil {
		t.Fatal("Search history:", err)
	}
	return result.Total
}
