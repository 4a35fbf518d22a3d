package twinstack

// A TwinKind distinguishes the two digital-twin variants. The set is closed:
// every other shape in the system (measure, model, history event) hangs off
// one of these two.
type TwinKind string

const (
	KindAsset  TwinKind = "asset"
	KindDevice TwinKind = "device"
)

// Collection returns the storage collection holding twins of this kind.
func (k TwinKind) Collection() string {
	switch k {
	case KindAsset:
		return CollectionAssets
	case KindDevice:
		return CollectionDevices
	default:
		panic("twinstack: unknown twin kind: " + string(k))
	}
}

// Well-known collection names within a tenant's index. Models live in the
// platform index (see ModelRegistry), everything else is per tenant.
const (
	CollectionAssets   = "assets"
	CollectionDevices  = "devices"
	CollectionMeasures = "measures"
	CollectionHistory  = "assets-history"
	CollectionModels   = "models"
)

// A TwinID is the composite identity of a digital twin: the model it was
// provisioned from and a reference unique within that model.
type TwinID struct {
	Kind      TwinKind `json:"kind"`
	Model     string   `json:"model"`
	Reference string   `json:"reference"`
}

// DocumentID derives the deterministic storage id of the twin document. Two
// twins of the same model and reference are the same twin, so the id is a pure
// function of the composite identity.
func (id TwinID) DocumentID() string {
	return id.Model + "-" + id.Reference
}

// LockKey derives the per-entity lock key guarding every mutation of this
// twin. The kind prefix keeps an asset and a device with a colliding
// model-reference pair from contending on the same lock.
func (id TwinID) LockKey() string {
	return string(id.Kind) + ":" + id.DocumentID()
}

func (id TwinID) String() string {
	return string(id.Kind) + "/" + id.DocumentID()
}

// A MeasureSlot declares that a twin can hold the most recent measurement of a
// named measure type. Slots are declared by the twin's model and copied onto
// the twin at provisioning time.
type MeasureSlot struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// An EmbeddedMeasure is the denormalised copy of the most recent MeasureRecord
// routed into one of a twin's slots. The immutable record in the history
// collection remains the source of truth; this copy exists so that reading a
// twin's current state costs a single document get.
type EmbeddedMeasure struct {
	Type       string         `json:"type"`
	MeasuredAt int64          `json:"measuredAt"`
	Values     map[string]any `json:"values"`
}

// A SlotMapping binds one device measure slot to one asset measure slot.
type SlotMapping struct {
	Device string `json:"device"`
	Asset  string `json:"asset"`
}

// An AssetLink is a device's half of a device-asset relationship. A device is
// linked to at most one asset at a time.
type AssetLink struct {
	AssetID string        `json:"assetId"` // document id of the linked asset
	Slots   []SlotMapping `json:"slots"`
}

// A DeviceLink is an asset's half of a device-asset relationship. An asset may
// be linked to many devices, each claiming a disjoint set of the asset's
// slots.
type DeviceLink struct {
	DeviceID string        `json:"deviceId"` // document id of the linked device
	Slots    []SlotMapping `json:"slots"`
}

// A DigitalTwin is the document representing a physical asset or device. Its
// links are mutated only by the LinkManager, its measures only by the
// ingestion pipeline, and both only under the twin's per-id lock.
type DigitalTwin struct {
	Kind      TwinKind `json:"kind"`
	Model     string   `json:"model"`
	Reference string   `json:"reference"`
	EngineID  string   `json:"engineId"`

	Metadata     Metadata                   `json:"metadata"`
	MeasureSlots []MeasureSlot              `json:"measureSlots"`
	Measures     map[string]EmbeddedMeasure `json:"measures"`

	// AssetLink is set only on devices; DeviceLinks only on assets. A single
	// document shape for both variants keeps the storage layer oblivious to
	// the distinction.
	AssetLink   *AssetLink   `json:"linkedAsset,omitempty"`
	DeviceLinks []DeviceLink `json:"linkedDevices,omitempty"`
}

// ID returns the twin's composite identity.
func (t *DigitalTwin) ID() TwinID {
	return TwinID{Kind: t.Kind, Model: t.Model, Reference: t.Reference}
}

// Slot returns the twin's declared slot with the given name.
func (t *DigitalTwin) Slot(name string) (MeasureSlot, bool) {
	for _, s := range t.MeasureSlots {
		if s.Name == name {
			return s, true
		}
	}
	return MeasureSlot{}, false
}

// SlotClaimedBy returns the document id of the device currently holding a
// mapping onto the named asset slot, if any. Only meaningful on assets.
func (t *DigitalTwin) SlotClaimedBy(assetSlot string) (deviceID string, claimed bool) {
	for _, link := range t.DeviceLinks {
		for _, m := range link.Slots {
			if m.Asset == assetSlot {
				return link.DeviceID, true
			}
		}
	}
	return "", false
}

// MergeMeasure applies the last-write-wins-by-time rule: the measure replaces
// the one stored in the named slot only when its measuredAt is strictly
// greater, or when the slot holds nothing yet. It reports whether the twin was
// modified.
//
// Note that the rule compares measurement time, not arrival order, which makes
// the merge idempotent under message redelivery and correct under out-of-order
// delivery.
func (t *DigitalTwin) MergeMeasure(slot string, m EmbeddedMeasure) bool {
	current, exists := t.Measures[slot]
	if exists && m.MeasuredAt <= current.MeasuredAt {
		return false
	}
	if t.Measures == nil {
		t.Measures = make(map[string]EmbeddedMeasure)
	}
	t.Measures[slot] = m
	return true
}
