package neo4jstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-twinstack/go-twinstack"
)

// Aggregate groups matching documents by one or two flattened fields and keeps
// the top documents per group, ordered by the sort field.
//
// The whole aggregation is a single Cypher statement: documents are ordered
// first (sort field, then document id so ties are stable), collected per group
// key, and sliced storage-side. Only the surviving documents' _source cross
// the wire.
func (s *Store) Aggregate(ctx context.Context, tenant, collection string, spec twinstack.AggregationSpec) ([]twinstack.AggregationGroup, error) {
	ctx, span := tracer.Start(ctx, "Aggregate", trace.WithAttributes(
		attribute.String("neo4j.database", tenant),
		attribute.String("collection", collection),
	))
	defer span.End()

	if n := len(spec.GroupBy); n < 1 || n > 2 {
		return nil, fmt.Errorf("neo4jstore: aggregation groups by %d fields, want 1 or 2", n)
	}

	where, params := filterClause(spec.Filter)
	// Documents missing any group field do not belong to any group.
	for _, field := range spec.GroupBy {
		if where == "" {
			where = "\n\t\tWHERE "
		} else {
			where += " AND "
		}
		where += "n." + prop(field) + " IS NOT NULL"
	}

	direction := "ASC"
	if spec.Descending {
		direction = "DESC"
	}

	perGroup := spec.PerGroup
	if perGroup <= 0 {
		perGroup = 1
	}
	params["per"] = perGroup

	var query string
	if len(spec.GroupBy) == 1 {
		query = `
		MATCH (n:` + label(collection) + `)` + where + `
		WITH n ORDER BY n.` + prop(spec.SortField) + ` ` + direction + `, n._docId ASC
		WITH n.` + prop(spec.GroupBy[0]) + ` AS k1,
			collect({id: n._docId, source: n._source}) AS docs
		RETURN k1, '' AS k2, docs[0..$per] AS docs
		ORDER BY k1
		`
	} else {
		query = `
		MATCH (n:` + label(collection) + `)` + where + `
		WITH n ORDER BY n.` + prop(spec.SortField) + ` ` + direction + `, n._docId ASC
		WITH n.` + prop(spec.GroupBy[0]) + ` AS k1, n.` + prop(spec.GroupBy[1]) + ` AS k2,
			collect({id: n._docId, source: n._source}) AS docs
		RETURN k1, k2, docs[0..$per] AS docs
		ORDER BY k1, k2
		`
	}

	records, err := s.read(ctx, tenant, query, params)
	if err != nil {
		return nil, fmt.Errorf("neo4j execute: %w", err)
	}

	groups := make([]twinstack.AggregationGroup, 0, len(records))
	for _, record := range records {
		group, err := parseGroup(record, len(spec.GroupBy))
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func parseGroup(record *neo4j.Record, keyCount int) (twinstack.AggregationGroup, error) {
	var group twinstack.AggregationGroup

	for _, key := range []string{"k1", "k2"}[:keyCount] {
		v, ok := record.Get(key)
		if !ok {
			return group, fmt.Errorf("neo4jstore: record property not found: %v", key)
		}
		// Group keys may be non-string scalars (a numeric model version,
		// say); their string rendering is the group identity either way.
		group.Keys = append(group.Keys, fmt.Sprint(v))
	}

	v, ok := record.Get("docs")
	if !ok {
		return group, fmt.Errorf("neo4jstore: record property not found: docs")
	}
	docs, ok := v.([]any)
	if !ok {
		return group, fmt.Errorf("neo4jstore: record property docs is %T, want list", v)
	}
	for _, d := range docs {
		entry, ok := d.(map[string]any)
		if !ok {
			return group, fmt.Errorf("neo4jstore: group entry is %T, want map", d)
		}
		id, ok := entry["id"].(string)
		if !ok {
			return group, fmt.Errorf("neo4jstore: group entry id is %T, want string", entry["id"])
		}
		source, ok := entry["source"].(string)
		if !ok {
			return group, fmt.Errorf("neo4jstore: group entry source is %T, want string", entry["source"])
		}
		group.Hits = append(group.Hits, twinstack.Hit{ID: id, Source: []byte(source)})
	}
	return group, nil
}
