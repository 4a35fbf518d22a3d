package neo4jstore

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-twinstack/go-twinstack/neo4jstore")
var meter = otel.Meter("github.com/go-twinstack/go-twinstack/neo4jstore")

var (
	// bulkRejectedCounter counts items rejected out of partial-failure-tolerant
	// bulk writes. This counter will help us monitor how often batches land
	// partially.
	bulkRejectedCounter metric.Int64Counter
)

func init() {
	// We're initiating the metric instruments on the otel meter. Encounter an
	// error during an instrument's initialisation, triggering a panic. This
	// scenario should not occur, if it does, it is likely related to the
	// attributes applied on the instrument.
	var err error
	bulkRejectedCounter, err = meter.Int64Counter(
		"store_bulk_rejected_items_counter",
		metric.WithDescription("how many items were rejected from bulk document writes"),
	)
	if err != nil {
		s := fmt.Sprintf("store: failed to init 'store_bulk_rejected_items_counter' instrument: %v", err)
		panic(s)
	}
}
