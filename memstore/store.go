// Package memstore provides an in-memory implementation of twinstack.Storage.
//
// It exists for tests and local development: the document semantics (dotted
// field paths, partial-failure-tolerant bulk writes, grouped aggregations)
// match the production store closely enough that every component test can run
// against it without a database.
//
// Documents are stored as their JSON encoding, not as the caller's Go values.
// Round-tripping through JSON on every write keeps the filter and sort
// behaviour identical to a real document store, where a query never sees the
// writer's in-process representation.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-twinstack/go-twinstack"
)

// A Store is an in-memory document store. The zero value is not usable; call
// New.
//
// A Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]map[string]map[string]json.RawMessage
}

// New returns an empty store.
func New() *Store {
	return &Store{tenants: make(map[string]map[string]map[string]json.RawMessage)}
}

var _ twinstack.Storage = (*Store)(nil)

func (s *Store) Get(ctx context.Context, tenant, collection, id string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.tenants[tenant][collection][id]
	if !ok {
		return twinstack.NotFoundError{Collection: collection, ID: id}
	}
	return json.Unmarshal(doc, out)
}

func (s *Store) Create(ctx context.Context, tenant, collection, id string, doc any) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.collection(tenant, collection)
	if _, exists := docs[id]; exists {
		return fmt.Errorf("memstore: document %s/%s/%s already exists", tenant, collection, id)
	}
	docs[id] = encoded
	return nil
}

func (s *Store) Update(ctx context.Context, tenant, collection, id string, doc any) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.tenants[tenant][collection]
	if _, exists := docs[id]; !exists {
		return twinstack.NotFoundError{Collection: collection, ID: id}
	}
	docs[id] = encoded
	return nil
}

func (s *Store) Delete(ctx context.Context, tenant, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.tenants[tenant][collection]
	if _, exists := docs[id]; !exists {
		return twinstack.NotFoundError{Collection: collection, ID: id}
	}
	delete(docs, id)
	return nil
}

func (s *Store) BulkCreate(ctx context.Context, tenant, collection string, docs []twinstack.BulkDoc) (twinstack.BulkResult, error) {
	var result twinstack.BulkResult
	for _, doc := range docs {
		if err := s.Create(ctx, tenant, collection, doc.ID, doc.Body); err != nil {
			result.Errors = append(result.Errors, twinstack.BulkError{ID: doc.ID, Reason: err.Error()})
			continue
		}
		result.Successes++
	}
	return result, nil
}

func (s *Store) BulkUpdate(ctx context.Context, tenant, collection string, docs []twinstack.BulkDoc) (twinstack.BulkResult, error) {
	var result twinstack.BulkResult
	for _, doc := range docs {
		if err := s.Update(ctx, tenant, collection, doc.ID, doc.Body); err != nil {
			result.Errors = append(result.Errors, twinstack.BulkError{ID: doc.ID, Reason: err.Error()})
			continue
		}
		result.Successes++
	}
	return result, nil
}

func (s *Store) Search(ctx context.Context, tenant, collection string, query twinstack.Query, opts twinstack.SearchOptions) (twinstack.SearchResult, error) {
	s.mu.RLock()
	hits, err := s.match(tenant, collection, query)
	s.mu.RUnlock()
	if err != nil {
		return twinstack.SearchResult{}, err
	}

	if opts.SortBy != "" {
		sortHits(hits, opts.SortBy, opts.Descending)
	} else {
		// Storage order is undefined; ordering by id keeps paging stable.
		sort.Slice(hits, func(i, j int) bool { return hits[i].hit.ID < hits[j].hit.ID })
	}

	total := len(hits)
	hits = page(hits, opts.From, opts.Size)
	out := make([]twinstack.Hit, len(hits))
	for i, h := range hits {
		out[i] = h.hit
	}
	return twinstack.SearchResult{Hits: out, Total: total}, nil
}

func (s *Store) Aggregate(ctx context.Context, tenant, collection string, spec twinstack.AggregationSpec) ([]twinstack.AggregationGroup, error) {
	if n := len(spec.GroupBy); n < 1 || n > 2 {
		return nil, fmt.Errorf("memstore: aggregation groups by %d fields, want 1 or 2", n)
	}

	s.mu.RLock()
	hits, err := s.match(tenant, collection, spec.Filter)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]decodedHit)
	var order []string
	for _, h := range hits {
		keys := make([]string, len(spec.GroupBy))
		missing := false
		for i, field := range spec.GroupBy {
			v, ok := lookupPath(h.fields, field)
			if !ok {
				missing = true
				break
			}
			keys[i] = fmt.Sprint(v)
		}
		if missing {
			// Documents without the group fields do not belong to any group.
			continue
		}
		key := strings.Join(keys, "\x00")
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], h)
	}
	sort.Strings(order)

	groups := make([]twinstack.AggregationGroup, 0, len(order))
	for _, key := range order {
		members := grouped[key]
		sortHits(members, spec.SortField, spec.Descending)
		if spec.PerGroup > 0 && len(members) > spec.PerGroup {
			members = members[:spec.PerGroup]
		}
		group := twinstack.AggregationGroup{Keys: strings.Split(key, "\x00")}
		for _, m := range members {
			group.Hits = append(group.Hits, m.hit)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// A decodedHit pairs a hit with its decoded field tree, so filtering and
// sorting decode each document once.
type decodedHit struct {
	hit    twinstack.Hit
	fields map[string]any
}

// match returns the decoded documents of the collection satisfying the query.
// Callers must hold at least the read lock.
func (s *Store) match(tenant, collection string, query twinstack.Query) ([]decodedHit, error) {
	var wanted map[string]bool
	if query.IDs != nil {
		wanted = make(map[string]bool, len(query.IDs))
		for _, id := range query.IDs {
			wanted[id] = true
		}
	}

	var hits []decodedHit
	for id, raw := range s.tenants[tenant][collection] {
		if wanted != nil && !wanted[id] {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", id, err)
		}
		if !matchesQuery(fields, query) {
			continue
		}
		hits = append(hits, decodedHit{hit: twinstack.Hit{ID: id, Source: raw}, fields: fields})
	}
	return hits, nil
}

func matchesQuery(fields map[string]any, query twinstack.Query) bool {
	for path, want := range query.Equals {
		got, ok := lookupPath(fields, path)
		if !ok || !jsonEqual(got, want) {
			return false
		}
	}
	for path, values := range query.Terms {
		got, ok := lookupPath(fields, path)
		if !ok {
			return false
		}
		anyMatch := false
		for _, want := range values {
			if jsonEqual(got, want) {
				anyMatch = true
				break
			}
		}
		if !anyMatch {
			return false
		}
	}
	return true
}

// lookupPath resolves a dotted field path within a decoded document.
func lookupPath(fields map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = fields
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// jsonEqual compares a decoded JSON value with a caller-supplied Go value by
// normalising the latter through a JSON round trip. A query for int64(5) must
// match a stored 5, which decodes as float64.
func jsonEqual(got, want any) bool {
	normalised, err := json.Marshal(want)
	if err != nil {
		return false
	}
	var wantDecoded any
	if err := json.Unmarshal(normalised, &wantDecoded); err != nil {
		return false
	}
	gotEncoded, err := json.Marshal(got)
	if err != nil {
		return false
	}
	var gotDecoded any
	if err := json.Unmarshal(gotEncoded, &gotDecoded); err != nil {
		return false
	}
	return fmt.Sprint(gotDecoded) == fmt.Sprint(wantDecoded) && fmt.Sprintf("%T", gotDecoded) == fmt.Sprintf("%T", wantDecoded)
}

// sortHits orders hits by the dotted sort field, breaking ties by document id
// so results are stable across calls.
func sortHits(hits []decodedHit, field string, descending bool) {
	sort.Slice(hits, func(i, j int) bool {
		a, aok := lookupPath(hits[i].fields, field)
		b, bok := lookupPath(hits[j].fields, field)
		if aok != bok {
			// Documents missing the sort field sort last either way.
			return aok
		}
		if aok && bok {
			if c := compareValues(a, b); c != 0 {
				if descending {
					return c > 0
				}
				return c < 0
			}
		}
		return hits[i].hit.ID < hits[j].hit.ID
	})
}

func compareValues(a, b any) int {
	if an, aok := a.(float64); aok {
		if bn, bok := b.(float64); bok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func page(hits []decodedHit, from, size int) []decodedHit {
	if from >= len(hits) {
		return nil
	}
	hits = hits[from:]
	if size > 0 && len(hits) > size {
		hits = hits[:size]
	}
	return hits
}

func (s *Store) collection(tenant, collection string) map[string]json.RawMessage {
	t, ok := s.tenants[tenant]
	if !ok {
		t = make(map[string]map[string]json.RawMessage)
		s.tenants[tenant] = t
	}
	c, ok := t[collection]
	if !ok {
		c = make(map[string]json.RawMessage)
		t[collection] = c
	}
	return c
}
