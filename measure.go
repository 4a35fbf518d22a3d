package twinstack

import (
	"encoding/json"
	"fmt"
)

// An Origin records where a measurement came from. The sum is closed over
// three variants: a device payload, a direct API submission, and a computed
// rule. We require the marker method for the same reason MetadataValue does:
// an open type here would let callers invent origins that the history
// collection cannot answer queries about.
type Origin interface {
	origin()
	// OriginMeasureName returns the measure name as stated by the source; the
	// pipeline resolves it against the target's declared slots.
	OriginMeasureName() string
}

// A DeviceOrigin attributes a measurement to a device twin.
type DeviceOrigin struct {
	ID          string `json:"_id"` // document id of the device twin
	Model       string `json:"model"`
	Reference   string `json:"reference"`
	MeasureName string `json:"measureName"`
}

// An APIOrigin attributes a measurement to a direct API submission.
type APIOrigin struct {
	ID          string `json:"_id"` // caller-supplied correlation id
	MeasureName string `json:"measureName"`
}

// A ComputedOrigin attributes a measurement to a computation rule that derived
// it from other measurements.
type ComputedOrigin struct {
	RuleID      string `json:"ruleId"`
	MeasureName string `json:"measureName"`
}

func (DeviceOrigin) origin()   {}
func (APIOrigin) origin()      {}
func (ComputedOrigin) origin() {}

func (o DeviceOrigin) OriginMeasureName() string   { return o.MeasureName }
func (o APIOrigin) OriginMeasureName() string      { return o.MeasureName }
func (o ComputedOrigin) OriginMeasureName() string { return o.MeasureName }

// An AssetContext is the denormalised snapshot of the asset a measurement was
// routed to, captured at ingestion time. It is nil on records whose measure
// name mapped to no asset slot; those exist only in history.
//
// The snapshot is deliberate: the asset's metadata and slot assignment at
// measurement time is what an exported history must show, even after the asset
// is re-linked or its metadata changes.
type AssetContext struct {
	ID          string   `json:"_id"` // document id of the asset twin
	Model       string   `json:"model"`
	MeasureName string   `json:"measureName"` // the asset slot the measure was routed into
	Metadata    Metadata `json:"metadata"`
}

// A MeasureRecord is one immutable, append-only measurement in a tenant's
// history collection. Records are never updated or deleted by normal
// operation; the twins' Measures maps denormalise them.
type MeasureRecord struct {
	ID         string         `json:"_id"`
	Type       string         `json:"type"`
	MeasuredAt int64          `json:"measuredAt"` // epoch milliseconds
	Values     map[string]any `json:"values"`

	Origin       Origin        `json:"origin"`
	AssetContext *AssetContext `json:"asset,omitempty"`

	// CausalityIDs carries the ids of the raw payloads this record was decoded
	// from, for audit trails joining history back to payload storage.
	CausalityIDs []string `json:"causalityIds,omitempty"`
}

// measureRecordJSON is the persisted shape of a MeasureRecord: the origin sum
// is flattened into a type-tagged object.
type measureRecordJSON struct {
	ID           string         `json:"_id"`
	Type         string         `json:"type"`
	MeasuredAt   int64          `json:"measuredAt"`
	Values       map[string]any `json:"values"`
	Origin       taggedOrigin   `json:"origin"`
	AssetContext *AssetContext  `json:"asset,omitempty"`
	CausalityIDs []string       `json:"causalityIds,omitempty"`
}

type taggedOrigin struct {
	Type string `json:"type"`

	// Inlined variant fields. Only the ones relevant to Type are set.
	ID          string `json:"_id,omitempty"`
	Model       string `json:"model,omitempty"`
	Reference   string `json:"reference,omitempty"`
	RuleID      string `json:"ruleId,omitempty"`
	MeasureName string `json:"measureName,omitempty"`
}

const (
	originDevice   = "device"
	originAPI      = "api"
	originComputed = "computed"
)

func (r MeasureRecord) MarshalJSON() ([]byte, error) {
	out := measureRecordJSON{
		ID:           r.ID,
		Type:         r.Type,
		MeasuredAt:   r.MeasuredAt,
		Values:       r.Values,
		AssetContext: r.AssetContext,
		CausalityIDs: r.CausalityIDs,
	}
	switch o := r.Origin.(type) {
	case DeviceOrigin:
		out.Origin = taggedOrigin{Type: originDevice, ID: o.ID, Model: o.Model, Reference: o.Reference, MeasureName: o.MeasureName}
	case APIOrigin:
		out.Origin = taggedOrigin{Type: originAPI, ID: o.ID, MeasureName: o.MeasureName}
	case ComputedOrigin:
		out.Origin = taggedOrigin{Type: originComputed, RuleID: o.RuleID, MeasureName: o.MeasureName}
	case nil:
		return nil, fmt.Errorf("measure record %s has no origin", r.ID)
	default:
		return nil, fmt.Errorf("measure record %s has unsupported origin %T", r.ID, r.Origin)
	}
	return json.Marshal(out)
}

func (r *MeasureRecord) UnmarshalJSON(data []byte) error {
	var in measureRecordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.ID = in.ID
	r.Type = in.Type
	r.MeasuredAt = in.MeasuredAt
	r.Values = in.Values
	r.AssetContext = in.AssetContext
	r.CausalityIDs = in.CausalityIDs
	switch in.Origin.Type {
	case originDevice:
		r.Origin = DeviceOrigin{ID: in.Origin.ID, Model: in.Origin.Model, Reference: in.Origin.Reference, MeasureName: in.Origin.MeasureName}
	case originAPI:
		r.Origin = APIOrigin{ID: in.Origin.ID, MeasureName: in.Origin.MeasureName}
	case originComputed:
		r.Origin = ComputedOrigin{RuleID: in.Origin.RuleID, MeasureName: in.Origin.MeasureName}
	default:
		return fmt.Errorf("measure record %s: unknown origin type %q", in.ID, in.Origin.Type)
	}
	return nil
}

// Embedded converts the record into the denormalised shape stored on a twin.
func (r MeasureRecord) Embedded() EmbeddedMeasure {
	return EmbeddedMeasure{Type: r.Type, MeasuredAt: r.MeasuredAt, Values: r.Values}
}

// A Measurement is one decoded measurement handed to the ingestion pipeline by
// an upstream decoder. MeasureName is the source's name for it; the pipeline
// resolves that name against the target's declared slots.
type Measurement struct {
	MeasureName string         `json:"measureName"`
	Type        string         `json:"type"`
	MeasuredAt  int64          `json:"measuredAt"` // epoch milliseconds
	Values      map[string]any `json:"values"`
}
