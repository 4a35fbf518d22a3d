// Package neo4jstore implements twinstack.Storage on Neo4j.
//
// Each tenant maps to its own Neo4j database, each collection to a node label,
// and each document to a single node. The node stores the document's full JSON
// encoding in the _source property, alongside a flattened projection of its
// scalar fields (dotted path to value) so that filters, sorts and aggregations
// run inside Cypher without touching _source.
//
// Properties starting with underscore ('_') are metadata for internal use by
// this package only; everything else is the flattened projection.
package neo4jstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-twinstack/go-twinstack"
)

// A Store provides document operations on a Neo4j server or cluster. Tenants
// must be bootstrapped (see BootstrapTenant) before their first use.
//
// A Store is safe for concurrent use; each call opens its own session.
type Store struct {
	driver neo4j.DriverWithContext
}

// New returns a ready-to-use Store over the given driver.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

var _ twinstack.Storage = (*Store)(nil)

func (s *Store) Get(ctx context.Context, tenant, collection, id string, out any) error {
	ctx, span := tracer.Start(ctx, "Get", trace.WithAttributes(
		attribute.String("neo4j.database", tenant),
		attribute.String("collection", collection),
	))
	defer span.End()

	records, err := s.read(ctx, tenant, `
		MATCH (n:`+label(collection)+` {_docId: $id})
		RETURN n._source AS source
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("neo4j execute: %w", err)
	}
	if len(records) == 0 {
		return twinstack.NotFoundError{Collection: collection, ID: id}
	}
	// The _docId property carries a node-key constraint, so more than one
	// match means the database has lost its integrity.
	if len(records) > 1 {
		panic(fmt.Sprintf("neo4jstore: %v nodes share _docId %q in %v/%v", len(records), id, tenant, collection))
	}
	source, err := recordString(records[0], "source")
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(source), out)
}

func (s *Store) Create(ctx context.Context, tenant, collection, id string, doc any) error {
	ctx, span := tracer.Start(ctx, "Create", trace.WithAttributes(
		attribute.String("neo4j.database", tenant),
		attribute.String("collection", collection),
	))
	defer span.End()

	props, err := documentProps(id, doc)
	if err != nil {
		return err
	}
	// The guard clause makes the existence check and the creation a single
	// atomic statement; relying on the node-key constraint alone would
	// surface duplicates as an opaque driver error.
	count, err := s.writeCount(ctx, tenant, `
		OPTIONAL MATCH (existing:`+label(collection)+` {_docId: $id})
		WITH existing WHERE existing IS NULL
		CREATE (n:`+label(collection)+`)
		SET n = $props, n._created_at = datetime()
		RETURN count(n) AS nodes
	`, map[string]any{"id": id, "props": props})
	if err != nil {
		return fmt.Errorf("neo4j execute: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("neo4jstore: document %s/%s/%s already exists", tenant, collection, id)
	}
	if count != 1 {
		panic(fmt.Sprintf("neo4jstore: create modified %v nodes instead of 1", count))
	}
	return nil
}

func (s *Store) Update(ctx context.Context, tenant, collection, id string, doc any) error {
	ctx, span := tracer.Start(ctx, "Update", trace.WithAttributes(
		attribute.String("neo4j.database", tenant),
		attribute.String("collection", collection),
	))
	defer span.End()

	props, err := documentProps(id, doc)
	if err != nil {
		return err
	}
	// SET n = $props replaces every property, which is what we want: stale
	// flattened projections of removed fields must not survive an update.
	count, err := s.writeCount(ctx, tenant, `
		MATCH (n:`+label(collection)+` {_docId: $id})
		SET n = $props, n._last_modified = datetime()
		RETURN count(n) AS nodes
	`, map[string]any{"id": id, "props": props})
	if err != nil {
		return fmt.Errorf("neo4j execute: %w", err)
	}
	if count == 0 {
		return twinstack.NotFoundError{Collection: collection, ID: id}
	}
	if count != 1 {
		panic(fmt.Sprintf("neo4jstore: update modified %v nodes instead of 1", count))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, tenant, collection, id string) error {
	ctx, span := tracer.Start(ctx, "Delete", trace.WithAttributes(
		attribute.String("neo4j.database", tenant),
		attribute.String("collection", collection),
	))
	defer span.End()

	count, err := s.writeCount(ctx, tenant, `
		MATCH (n:`+label(collection)+` {_docId: $id})
		DETACH DELETE n
		RETURN count(n) AS nodes
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("neo4j execute: %w", err)
	}
	if count == 0 {
		return twinstack.NotFoundError{Collection: collection, ID: id}
	}
	return nil
}

func (s *Store) BulkCreate(ctx context.Context, tenant, collection string, docs []twinstack.BulkDoc) (twinstack.BulkResult, error) {
	return s.bulk(ctx, tenant, collection, docs, s.Create)
}

func (s *Store) BulkUpdate(ctx context.Context, tenant, collection string, docs []twinstack.BulkDoc) (twinstack.BulkResult, error) {
	return s.bulk(ctx, tenant, collection, docs, s.Update)
}

// bulk applies the write item by item, one transaction each. A shared
// transaction would make the batch all-or-nothing, but the contract is
// partial-failure tolerance: commit what we can, report the rest.
func (s *Store) bulk(ctx context.Context, tenant, collection string, docs []twinstack.BulkDoc, write func(context.Context, string, string, string, any) error) (twinstack.BulkResult, error) {
	var result twinstack.BulkResult
	for _, doc := range docs {
		if err := write(ctx, tenant, collection, doc.ID, doc.Body); err != nil {
			result.Errors = append(result.Errors, twinstack.BulkError{ID: doc.ID, Reason: err.Error()})
			continue
		}
		result.Successes++
	}
	if len(result.Errors) > 0 {
		bulkRejectedCounter.Add(ctx, int64(len(result.Errors)), metric.WithAttributes(
			attribute.String("neo4j.database", tenant),
			attribute.String("collection", collection),
		))
	}
	return result, nil
}

func (s *Store) Search(ctx context.Context, tenant, collection string, query twinstack.Query, opts twinstack.SearchOptions) (twinstack.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "Search", trace.WithAttributes(
		attribute.String("neo4j.database", tenant),
		attribute.String("collection", collection),
	))
	defer span.End()

	where, params := filterClause(query)

	order := "n._docId ASC"
	if opts.SortBy != "" {
		direction := "ASC"
		if opts.Descending {
			direction = "DESC"
		}
		// The document id breaks sort ties so that paging never shows a
		// document twice across pages.
		order = "n." + prop(opts.SortBy) + " " + direction + ", n._docId ASC"
	}

	paging := ""
	if opts.From > 0 {
		paging += " SKIP $skip"
		params["skip"] = opts.From
	}
	if opts.Size > 0 {
		paging += " LIMIT $limit"
		params["limit"] = opts.Size
	}

	// One statement returns both the full match count and the requested page;
	// two separate queries could observe different states of the database.
	records, err := s.read(ctx, tenant, `
		MATCH (n:`+label(collection)+`)`+where+`
		WITH count(n) AS total, collect(n) AS matched
		UNWIND CASE WHEN matched = [] THEN [null] ELSE matched END AS n
		WITH total, n ORDER BY `+order+paging+`
		RETURN total, n._docId AS id, n._source AS source
	`, params)
	if err != nil {
		return twinstack.SearchResult{}, fmt.Errorf("neo4j execute: %w", err)
	}

	var result twinstack.SearchResult
	for _, record := range records {
		total, err := recordInt(record, "total")
		if err != nil {
			return twinstack.SearchResult{}, err
		}
		result.Total = int(total)
		if total == 0 {
			// The null placeholder row only exists to carry the count.
			break
		}
		hit, err := recordHit(record)
		if err != nil {
			return twinstack.SearchResult{}, err
		}
		result.Hits = append(result.Hits, hit)
	}
	return result, nil
}

// filterClause renders a Query into a WHERE clause over the flattened
// projection, binding values through parameters.
func filterClause(query twinstack.Query) (where string, params map[string]any) {
	params = make(map[string]any)
	var clauses []string
	i := 0
	for _, path := range sortedKeys(query.Equals) {
		p := fmt.Sprintf("eq%d", i)
		clauses = append(clauses, "n."+prop(path)+" = $"+p)
		params[p] = query.Equals[path]
		i++
	}
	for _, path := range sortedKeys(query.Terms) {
		p := fmt.Sprintf("in%d", i)
		clauses = append(clauses, "n."+prop(path)+" IN $"+p)
		params[p] = query.Terms[path]
		i++
	}
	if len(query.IDs) > 0 {
		clauses = append(clauses, "n._docId IN $ids")
		params["ids"] = query.IDs
	}
	if len(clauses) == 0 {
		return "", params
	}
	return "\n\t\tWHERE " + strings.Join(clauses, " AND "), params
}

// read runs the query in its own read session and returns all records.
//
// We open a new session for every query cycle to ensure transactional
// isolation and to prevent any state carryover between different query
// executions.
func (s *Store) read(ctx context.Context, tenant, query string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: tenant,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			component.Logger(ctx).Error("Failed to close session", "error", err, "mode", "read")
		}
	}()

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return records.([]*neo4j.Record), nil
}

// writeCount runs the statement in its own write transaction and returns its
// "nodes" count.
//
// We use write transactions because the neo4j SDK can provide transaction
// management features such as retries, error handling, and deadlock
// resolution.
func (s *Store) writeCount(ctx context.Context, tenant, query string, params map[string]any) (int64, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: tenant,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			component.Logger(ctx).Error("Failed to close session", "error", err, "mode", "write")
		}
	}()

	count, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		return recordInt(record, "nodes")
	})
	if err != nil {
		return 0, err
	}
	return count.(int64), nil
}

// documentProps encodes a document into its node properties: the internal
// metadata plus the flattened scalar projection.
func documentProps(id string, doc any) (map[string]any, error) {
	source, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(source, &fields); err != nil {
		return nil, fmt.Errorf("re-decode document: %w", err)
	}

	props := map[string]any{
		"_docId":  id,
		"_source": string(source),
	}
	flatten("", fields, props)
	return props, nil
}

// flatten projects scalar leaves of the decoded document onto dotted property
// names. Arrays and nulls are skipped: nothing filters or sorts by them, and
// _source preserves them in full.
func flatten(prefix string, fields map[string]any, out map[string]any) {
	for key, value := range fields {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			flatten(path, v, out)
		case string, bool, float64:
			out[path] = v
		}
	}
}

// label renders a collection name as a Cypher label. Backticks are required
// because collection names contain hyphens.
func label(collection string) string {
	if strings.ContainsRune(collection, '`') {
		panic("neo4jstore: collection name must not contain a backtick: " + collection)
	}
	return "`" + collection + "`"
}

// prop renders a dotted field path as a Cypher property accessor.
func prop(path string) string {
	if strings.ContainsRune(path, '`') {
		panic("neo4jstore: field path must not contain a backtick: " + path)
	}
	return "`" + path + "`"
}

// Deterministic clause order keeps query plans cacheable across calls.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func recordHit(record *neo4j.Record) (twinstack.Hit, error) {
	id, err := recordString(record, "id")
	if err != nil {
		return twinstack.Hit{}, err
	}
	source, err := recordString(record, "source")
	if err != nil {
		return twinstack.Hit{}, err
	}
	return twinstack.Hit{ID: id, Source: json.RawMessage(source)}, nil
}

func recordString(record *neo4j.Record, key string) (string, error) {
	v, ok := record.Get(key)
	if !ok {
		return "", fmt.Errorf("neo4jstore: record property not found: %v", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("neo4jstore: record property %v is %T, want string", key, v)
	}
	return s, nil
}

func recordInt(record *neo4j.Record, key string) (int64, error) {
	v, ok := record.Get(key)
	if !ok {
		return 0, fmt.Errorf("neo4jstore: record property not found: %v", key)
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("neo4jstore: record property %v is %T, want int64", key, v)
	}
	return n, nil
}
