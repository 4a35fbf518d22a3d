/*
Package storetest provides a suite of tests designed to assess document store
implementations of [twinstack.Storage] (e.g. in-memory, neo4j).

The tests operate on the specific store via the twinstack.Storage interface to
check functional correctness and compliance with the behaviours the
synchronisation engine relies on: exact-match and terms filtering over dotted
field paths, stable sorting and paging, partial-failure-tolerant bulk writes,
and grouped most-recent-first aggregations.

Call storetest.Run in its own test to invoke the test-suite:

	func TestStore(t *testing.T) {
		store := memstore.New()
		storetest.Run(t, store, "engine-test")
	}

Stores backed by shared infrastructure should give the suite a disposable
tenant; the suite writes only within the tenant it is given.

So, specific store implementations are encouraged to perform additional tests
which are specific to the underlying database.
*/
package storetest

import (
	"context"
	"fmt"
	"runtime"
	"testing"

	"github.com/go-twinstack/go-twinstack"
)

// A document is the fixture shape the suite writes. Its fields exercise the
// behaviours the engine depends on: a nested object reached by dotted paths
// and a numeric field to sort and aggregate by.
type document struct {
	Name   string `json:"name"`
	Rank   int    `json:"rank"`
	Origin struct {
		ID   string `json:"_id"`
		Slot string `json:"slot"`
	} `json:"origin"`
}

func fixture(name string, rank int, originID, slot string) document {
	var d document
	d.Name = name
	d.Rank = rank
	d.Origin.ID = originID
	d.Origin.Slot = slot
	return d
}

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// A step executes a single operation against the tested store and returns
	// whatever observation its checks need.
	step func(ctx context.Context, tenant string, s twinstack.Storage) (observation, error)
	// A list of checks to run on the step's observation.
	checks []check
}

// Run executes a sequence of test cases against a document store within the
// given tenant. It verifies that the store correctly persists, filters, sorts
// and aggregates documents.
//
// We deliberately avoid receiving a contextual argument for each test to
// ensure that the test suite runs under neutral conditions without any
// external influences or timeouts. This approach is consistent across test
// cases because the intention is to test the correctness of operations, not
// their performance or context-dependent behaviours.
//
// The testing process requires all cases to execute in a strict sequence
// because the state of the store at the end of one test is the starting point
// for the next.
func Run(t *testing.T, store twinstack.Storage, tenant string) {
	t.Helper()

	// We deliberately use the background context because this test-suite does
	// not check performance. Also, store implementations should not depend on
	// specific context values.
	ctx := context.Background()

	for _, c := range cases {
		// We encourage developers to read the source code directly, especially
		// when failures are not clear enough.
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		obs, err := c.step(ctx, tenant, store)
		if err != nil {
			t.Fatalf("%v failed: %v", c.name, err)
		}
		for _, check := range c.checks {
			if problem := check(obs); problem != "" {
				t.Errorf("Check %v: %v", c.name, problem)
			}
		}
	}
}

var cases = []testCase{
	{
		name:     "get-missing-document",
		location: locateSource(),
		step: func(ctx context.Context, tenant string, s twinstack.Storage) (observation, error) {
			var out document
			err := s.Get(ctx, tenant, "docs", "nope", &out)
			if !twinstack.IsNotFound(err) {
				return observation{}, fmt.Errorf("Get(missing) = %v, want NotFoundError", err)
			}
			return observation{}, nil
		},
	},
	{
		name:     "create-and-get",
		location: locateSource(),
		step: func(ctx context.Context, tenant string, s twinstack.Storage) (observation, error) {
			if err := s.Create(ctx, tenant, "docs", "a", fixture("alpha", 3, "dev-1", "temp")); err != nil {
				return observation{}, err
			}
			var out document
			if err := s.Get(ctx, tenant, "docs", "a", &out); err != nil {
				return observation{}, err
			}
			return observation{doc: &out}, nil
		},
		checks: []check{docNamed("alpha")},
	},
	{
		name:     "create-duplicate-fails",
		location: locateSource(),
		step: func(ctx context.Context, tenant string, s twinstack.Storage) (observation, error) {
			if err := s.Create(ctx, tenant, "docs", "a", fixture("alpha2", 3, "dev-1", "temp")); err == nil {
				return observation{}, fmt.Errorf("Create(duplicate) succeeded, want error")
			}
			// The original must survive the rejected write.
			var out document
			if err := s.Get(ctx, tenant, "docs", "a", &out); err != nil {
				return observation{}, err
			}
			return observation{doc: &out}, nil
		},
		checks: []check{docNamed("alpha")},
	},
	{
		name:     "update-missing-fails",
		location: locateSource(),
		step: func(ctx context.Context, tenant string, s twinstack.Storage) (observation, error) {
			err := s.Update(ctx, tenant, "docs", "nope", fixture("ghost", 0, "", ""))
			if !twinstack.IsNotFound(err) {
				return observation{}, fmt.Errorf("Update(missing) = %v, want NotFoundError", err)
			}
			return observation{}, nil
		},
	},
	{
		name:     "bulk-create-partial-failure",
		location: locateSource(),
		step: func(ctx context.Context, tenant string, s twinstack.Storage) (observation, error) {
			result, err := s.BulkCreate(ctx, tenant, "docs", []twinstack.BulkDoc{
				{ID: "b", Body: fixture("bravo", 1, "dev-1", "temp")},
				{ID: "a", Body: fixture("alpha-dup", 9, "dev-1", "temp")}, // already exists
				{ID: "c", Body: fixture("charlie", 2, "dev-2", "humidity")},
			})
			if err != nil {
				return observation{}, err
			}
			return observation{bulk: &result}, nil
		},
		checks: []check{bulkOutcome(2, "a")},
	},
	{
		name:     "search-by-dotted-path",
		location: locateSource(),
		step: func(ctx context.Context, tenant string, s twinstack.Storage) (observation, error) {
			result, err := s.Search(ctx, tenant, "docs", twinstack.Query{
				Equals: map[string]any{"origin._id": "dev-1"},
			}, twinstack.SearchOptions{SortBy: "rank"})
			if err != nil {
				return observation{}, err
			}
			return observation{search: &result}, nil
		},
		checks: []check{hitIDs("b", "a"), totalIs(2)},
	},
	{
		name:     "search-by-terms",
		location: locateSource(),
		step: func(ctx context.Context, tenant string, s twinstack.Storage) (observation, error) {
			result, err := s.Search(ctx, tenant, "docs", twinstack.Query{
				Terms: map[string][]any{"origin.slot": {"temp", "humidity"}},
			}, twinstack.SearchOptions{SortBy: "rank", Descending: true})
			if err != nil {
				return observation{}, err
			}
			return observation{search: &result}, nil
		},
		checks: []check{hitIDs("a", "c", "b"), totalIs(3)},
	},
	{
		name:     "search-pages-report-full-total",
		location: locateSource(),
		step: func(ctx context.Context, tenant string, s twinstack.Storage) (observation, error) {
			result, err := s.Search(ctx, tenant, "docs", twinstack.Query{},
				twinstack.SearchOptions{SortBy: "rank", From: 1, Size: 1})
			if err != nil {
				return observation{}, err
			}
			return observation{search: &result}, nil
		},
		checks: []check{hitIDs("c"), totalIs(3)},
	},
	{
		name:     "aggregate-most-recent-per-group",
		location: locateSource(),
		step: func(ctx context.Context, tenant string, s twinstack.Storage) (observation, error) {
			// Two more documents give dev-1/temp three members, so PerGroup
			// truncation is observable.
			if _, err := s.BulkCreate(ctx, tenant, "docs", []twinstack.BulkDoc{
				{ID: "d", Body: fixture("delta", 7, "dev-1", "temp")},
				{ID: "e", Body: fixture("echo", 5, "dev-1", "temp")},
			}); err != nil {
				return observation{}, err
			}
			groups, err := s.Aggregate(ctx, tenant, "docs", twinstack.AggregationSpec{
				GroupBy:    []string{"origin._id", "origin.slot"},
				SortField:  "rank",
				Descending: true,
				PerGroup:   2,
			})
			if err != nil {
				return observation{}, err
			}
			return observation{groups: groups}, nil
		},
		checks: []check{
			groupCount(2),
			groupHits([]string{"dev-1", "temp"}, "d", "e"),
			groupHits([]string{"dev-2", "humidity"}, "c"),
		},
	},
	{
		name:     "aggregate-filter-restricts-groups",
		location: locateSource(),
		step: func(ctx context.Context, tenant string, s twinstack.Storage) (observation, error) {
			groups, err := s.Aggregate(ctx, tenant, "docs", twinstack.AggregationSpec{
				Filter:     twinstack.Query{Equals: map[string]any{"origin._id": "dev-2"}},
				GroupBy:    []string{"origin._id"},
				SortField:  "rank",
				Descending: true,
				PerGroup:   1,
			})
			if err != nil {
				return observation{}, err
			}
			return observation{groups: groups}, nil
		},
		checks: []check{groupCount(1), groupHits([]string{"dev-2"}, "c")},
	},
	{
		name:     "delete-document",
		location: locateSource(),
		step: func(ctx context.Context, tenant string, s twinstack.Storage) (observation, error) {
			if err := s.Delete(ctx, tenant, "docs", "e"); err != nil {
				return observation{}, err
			}
			var out document
			err := s.Get(ctx, tenant, "docs", "e", &out)
			if !twinstack.IsNotFound(err) {
				return observation{}, fmt.Errorf("Get(deleted) = %v, want NotFoundError", err)
			}
			return observation{}, nil
		},
	},
}

// Call this function to set the location of every test-case in the source
// file. The returned string is used to guide developers of store
// implementations to the appropriate test-case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
