package twinstack

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-twinstack/go-twinstack")
var meter = otel.Meter("github.com/go-twinstack/go-twinstack")

var (
	// measuresIngested counts measure records accepted by the ingestion
	// pipeline, labelled by engine id. This is the primary throughput signal
	// of the whole system.
	measuresIngested metric.Int64Counter
	// staleMeasures counts measurements whose merge into a twin's current
	// state was skipped because a more recent measure already occupied the
	// slot. A sustained rise indicates out-of-order or redelivered upstream
	// traffic.
	staleMeasures metric.Int64Counter
	// linkTransitions counts link and unlink transitions applied by the link
	// manager, labelled by engine id and transition kind.
	linkTransitions metric.Int64Counter
	// partialPersistenceFailures counts bulk history writes that were only
	// partially committed. Any non-zero rate needs attention: history is the
	// source of truth the twins denormalise.
	partialPersistenceFailures metric.Int64Counter
	// lockWait measures how long mutating operations waited to acquire their
	// per-entity lock. Contention here directly bounds per-twin throughput.
	lockWait metric.Float64Histogram
)

func init() {
	// We initialise the metric instruments on the otel meter. An error during
	// an instrument's initialisation triggers a panic; this should not occur,
	// and if it does, it is likely related to the instrument's name.
	var err error
	measuresIngested, err = meter.Int64Counter(
		"twinstack.measures.ingested",
		metric.WithDescription("Measure records accepted by the ingestion pipeline."),
	)
	if err != nil {
		panic("twinstack: failed to init 'twinstack.measures.ingested' instrument: " + err.Error())
	}
	staleMeasures, err = meter.Int64Counter(
		"twinstack.measures.stale",
		metric.WithDescription("Measurements skipped by the last-write-wins merge because a newer measure was already embedded."),
	)
	if err != nil {
		panic("twinstack: failed to init 'twinstack.measures.stale' instrument: " + err.Error())
	}
	linkTransitions, err = meter.Int64Counter(
		"twinstack.links.transitions",
		metric.WithDescription("Link and unlink transitions applied by the link manager."),
	)
	if err != nil {
		panic("twinstack: failed to init 'twinstack.links.transitions' instrument: " + err.Error())
	}
	partialPersistenceFailures, err = meter.Int64Counter(
		"twinstack.history.partial_failures",
		metric.WithDescription("Bulk history writes that were only partially committed."),
	)
	if err != nil {
		panic("twinstack: failed to init 'twinstack.history.partial_failures' instrument: " + err.Error())
	}
	lockWait, err = meter.Float64Histogram(
		"twinstack.lock.wait",
		metric.WithDescription("Time spent waiting to acquire a per-entity lock."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("twinstack: failed to init 'twinstack.lock.wait' instrument: " + err.Error())
	}
}

func observeLockWait(ctx context.Context, d time.Duration) {
	// Floating-point division for higher precision than the Milliseconds
	// method provides.
	lockWait.Record(ctx, float64(d)/float64(time.Millisecond))
}

// engineAttr labels a metric record with the tenant it belongs to, enabling
// both collective analysis across engines and individual analysis per engine.
func engineAttr(engineID string) metric.MeasurementOption {
	// According to go.opentelemetry.io/otel/attribute package documentation,
	// attribute.Set should be used instead of attribute.KeyValue directly for
	// performance optimisation.
	return metric.WithAttributeSet(attribute.NewSet(attribute.String("engine", engineID)))
}

// transitionAttr labels a link-manager transition with its tenant and kind
// ("link" or "unlink").
func transitionAttr(engineID, transition string) metric.MeasurementOption {
	return metric.WithAttributeSet(attribute.NewSet(
		attribute.String("engine", engineID),
		attribute.String("transition", transition),
	))
}
