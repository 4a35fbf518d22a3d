package twinstack

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// A QueryService answers read-only questions about measurement history. It
// works exclusively against the immutable records of the measures collection,
// never against the twins' denormalised current state, so its answers stay
// correct even when a twin document lags behind (for example mid-way through a
// partial bulk failure).
//
// All answers are computed storage-side through a single aggregation shape:
// filter by twin id, group, keep the most recent documents per group.
type QueryService struct {
	Storage Storage
}

// LastMeasures returns the most recent records per measure slot of one twin,
// newest first within each slot. It fails with a NotFoundError when the twin
// has no recorded measurements at all, which deliberately does not distinguish
// a missing twin from a silent one: history is the only source this service
// consults.
func (s *QueryService) LastMeasures(ctx context.Context, engineID string, id TwinID, perSlot int) (map[string][]MeasureRecord, error) {
	ctx, span := tracer.Start(ctx, "LastMeasures", trace.WithAttributes(
		attribute.String("engine", engineID),
		attribute.String("twin", id.String()),
	))
	defer span.End()

	idField, slotField := twinRecordFields(id.Kind)
	groups, err := s.Storage.Aggregate(ctx, engineID, CollectionMeasures, AggregationSpec{
		Filter:     Query{Equals: map[string]any{idField: id.DocumentID()}},
		GroupBy:    []string{slotField},
		SortField:  "measuredAt",
		Descending: true,
		PerGroup:   perSlot,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate last measures: %w", err)
	}
	if len(groups) == 0 {
		return nil, NotFoundError{Collection: CollectionMeasures, ID: id.DocumentID()}
	}

	out := make(map[string][]MeasureRecord, len(groups))
	for _, group := range groups {
		records, err := decodeRecords(group.Hits)
		if err != nil {
			return nil, err
		}
		out[group.Keys[0]] = records
	}
	return out, nil
}

// MGetLastMeasures answers LastMeasures for many twins in one round trip per
// kind. The result maps twin document ids to their per-slot records; ids with
// no recorded measurements are omitted rather than failed, because a bulk
// caller wants the answerable part of its question answered.
func (s *QueryService) MGetLastMeasures(ctx context.Context, engineID string, ids []TwinID, perSlot int) (map[string]map[string][]MeasureRecord, error) {
	ctx, span := tracer.Start(ctx, "MGetLastMeasures", trace.WithAttributes(
		attribute.String("engine", engineID),
		attribute.Int("twins", len(ids)),
	))
	defer span.End()

	out := make(map[string]map[string][]MeasureRecord, len(ids))
	var mu sync.Mutex

	// One aggregation per twin kind, run concurrently: the id field differs
	// between device records and asset records, so the kinds cannot share a
	// filter.
	grp, ctx := errgroup.WithContext(ctx)
	for kind, docIDs := range groupByKind(ids) {
		grp.Go(func() error {
			idField, slotField := twinRecordFields(kind)
			groups, err := s.Storage.Aggregate(ctx, engineID, CollectionMeasures, AggregationSpec{
				Filter:     Query{Terms: map[string][]any{idField: docIDs}},
				GroupBy:    []string{idField, slotField},
				SortField:  "measuredAt",
				Descending: true,
				PerGroup:   perSlot,
			})
			if err != nil {
				return fmt.Errorf("aggregate last measures for %s twins: %w", kind, err)
			}
			for _, group := range groups {
				records, err := decodeRecords(group.Hits)
				if err != nil {
					return err
				}
				docID, slot := group.Keys[0], group.Keys[1]
				mu.Lock()
				if out[docID] == nil {
					out[docID] = make(map[string][]MeasureRecord)
				}
				out[docID][slot] = records
				mu.Unlock()
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// LastMeasuredAt returns the measurement time of the most recent record routed
// to the twin, across all its slots. A twin with no recorded measurements
// fails with a NotFoundError.
func (s *QueryService) LastMeasuredAt(ctx context.Context, engineID string, id TwinID) (int64, error) {
	ctx, span := tracer.Start(ctx, "LastMeasuredAt", trace.WithAttributes(
		attribute.String("engine", engineID),
		attribute.String("twin", id.String()),
	))
	defer span.End()

	idField, _ := twinRecordFields(id.Kind)
	groups, err := s.Storage.Aggregate(ctx, engineID, CollectionMeasures, AggregationSpec{
		Filter:     Query{Equals: map[string]any{idField: id.DocumentID()}},
		GroupBy:    []string{idField},
		SortField:  "measuredAt",
		Descending: true,
		PerGroup:   1,
	})
	if err != nil {
		return 0, fmt.Errorf("aggregate last measured at: %w", err)
	}
	if len(groups) == 0 || len(groups[0].Hits) == 0 {
		return 0, NotFoundError{Collection: CollectionMeasures, ID: id.DocumentID()}
	}
	records, err := decodeRecords(groups[0].Hits[:1])
	if err != nil {
		return 0, err
	}
	return records[0].MeasuredAt, nil
}

// MGetLastMeasuredAt answers LastMeasuredAt for many twins at once, keyed by
// twin document id. Ids with no recorded measurements are omitted.
func (s *QueryService) MGetLastMeasuredAt(ctx context.Context, engineID string, ids []TwinID) (map[string]int64, error) {
	ctx, span := tracer.Start(ctx, "MGetLastMeasuredAt", trace.WithAttributes(
		attribute.String("engine", engineID),
		attribute.Int("twins", len(ids)),
	))
	defer span.End()

	out := make(map[string]int64, len(ids))
	var mu sync.Mutex

	grp, ctx := errgroup.WithContext(ctx)
	for kind, docIDs := range groupByKind(ids) {
		grp.Go(func() error {
			idField, _ := twinRecordFields(kind)
			groups, err := s.Storage.Aggregate(ctx, engineID, CollectionMeasures, AggregationSpec{
				Filter:     Query{Terms: map[string][]any{idField: docIDs}},
				GroupBy:    []string{idField},
				SortField:  "measuredAt",
				Descending: true,
				PerGroup:   1,
			})
			if err != nil {
				return fmt.Errorf("aggregate last measured at for %s twins: %w", kind, err)
			}
			for _, group := range groups {
				if len(group.Hits) == 0 {
					continue
				}
				records, err := decodeRecords(group.Hits[:1])
				if err != nil {
					return err
				}
				mu.Lock()
				out[group.Keys[0]] = records[0].MeasuredAt
				mu.Unlock()
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// twinRecordFields maps a twin kind to the record fields identifying it: a
// device is the record's origin, an asset is the record's routed context.
func twinRecordFields(kind TwinKind) (idField, slotField string) {
	switch kind {
	case KindDevice:
		return "origin._id", "origin.measureName"
	case KindAsset:
		return "asset._id", "asset.measureName"
	default:
		panic("twinstack: unknown twin kind: " + string(kind))
	}
}

func groupByKind(ids []TwinID) map[TwinKind][]any {
	byKind := make(map[TwinKind][]any, 2)
	for _, id := range ids {
		byKind[id.Kind] = append(byKind[id.Kind], id.DocumentID())
	}
	return byKind
}

func decodeRecords(hits []Hit) ([]MeasureRecord, error) {
	records := make([]MeasureRecord, len(hits))
	for i, hit := range hits {
		if err := hit.Decode(&records[i]); err != nil {
			return nil, fmt.Errorf("decode measure record %s: %w", hit.ID, err)
		}
	}
	return records, nil
}
