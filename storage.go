package twinstack

import (
	"context"
	"encoding/json"
)

// A Query is the filter shape understood by every Storage implementation. It
// is deliberately small: the system supports exactly the lookups its two
// relationship shapes need, not a general query language.
//
// All clauses are conjunctive. Field paths may be dotted to reach into nested
// objects ("origin._id").
type Query struct {
	// Equals matches documents whose field equals the given value exactly.
	Equals map[string]any
	// Terms matches documents whose field equals any of the given values.
	Terms map[string][]any
	// IDs restricts the result to the given document ids.
	IDs []string
}

// SearchOptions paginate and order a search.
type SearchOptions struct {
	From       int
	Size       int
	SortBy     string // dotted field path; empty means storage order
	Descending bool
}

// A Hit is one document returned by a search or aggregation.
type Hit struct {
	ID     string
	Source json.RawMessage
}

// Decode unmarshals the hit's source into out.
func (h Hit) Decode(out any) error {
	return json.Unmarshal(h.Source, out)
}

// A SearchResult is a page of hits. Total counts all matches, not just the
// returned page.
type SearchResult struct {
	Hits  []Hit
	Total int
}

// A BulkDoc is one document of a bulk write.
type BulkDoc struct {
	ID   string
	Body any
}

// A BulkError is one rejected item of a partial-failure-tolerant bulk write.
type BulkError struct {
	ID     string
	Reason string
}

// A BulkResult reports the per-item outcome of a bulk write. Bulk operations
// are partial-failure-tolerant by contract: implementations commit what they
// can and report the rest here instead of failing the whole batch.
type BulkResult struct {
	Successes int
	Errors    []BulkError
}

// An AggregationSpec describes the single aggregation shape the system needs:
// filter, group by one or two fields, and keep the most recent documents per
// group. The Query Service expresses both of its questions ("last N measures
// per slot" and "last measured at") through it.
type AggregationSpec struct {
	Filter Query
	// GroupBy lists one or two dotted field paths. Documents missing any of
	// the group fields are excluded from the aggregation.
	GroupBy []string
	// SortField orders documents within each group; PerGroup keeps the top N.
	// Ties on SortField break by document id, arbitrary but stable.
	SortField  string
	Descending bool
	PerGroup   int
}

// An AggregationGroup is one group of an aggregation result. Keys holds the
// group-field values in GroupBy order.
type AggregationGroup struct {
	Keys []string
	Hits []Hit
}

// Storage is the document-store collaborator every component reads and writes
// through. Implementations must make each single-document call atomic; nothing
// here spans documents, which is precisely why the per-entity locking
// discipline exists.
//
// The tenant argument selects an isolated index; collections within a tenant
// are created on first write.
type Storage interface {
	Get(ctx context.Context, tenant, collection, id string, out any) error
	Search(ctx context.Context, tenant, collection string, query Query, opts SearchOptions) (SearchResult, error)

	Create(ctx context.Context, tenant, collection, id string, doc any) error
	Update(ctx context.Context, tenant, collection, id string, doc any) error
	Delete(ctx context.Context, tenant, collection, id string) error

	BulkCreate(ctx context.Context, tenant, collection string, docs []BulkDoc) (BulkResult, error)
	BulkUpdate(ctx context.Context, tenant, collection string, docs []BulkDoc) (BulkResult, error)

	Aggregate(ctx context.Context, tenant, collection string, spec AggregationSpec) ([]AggregationGroup, error)
}
