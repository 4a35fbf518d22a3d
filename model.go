package twinstack

// A ModelKind tags the four variants of a ModelDefinition.
type ModelKind string

const (
	ModelAsset   ModelKind = "asset"
	ModelDevice  ModelKind = "device"
	ModelMeasure ModelKind = "measure"
	ModelGroup   ModelKind = "group"
)

// CommonsGroup is the engine-group namespace whose asset and group models
// apply to every group.
const CommonsGroup = "commons"

// A ModelDefinition is a versioned schema definition for one of the four model
// kinds. The union is tagged by Kind:
//
//   - asset and device models carry both a metadata schema and declared
//     measure slots;
//   - measure models carry the schema of a measurement's values;
//   - group models carry only a metadata schema.
//
// Definitions are shared read-only by every tenant in their group; they are
// created and updated exclusively through the ModelRegistry and never
// implicitly deleted.
type ModelDefinition struct {
	Kind ModelKind `json:"kind"`
	Name string    `json:"name"`

	// EngineGroup namespaces the definition. Empty is equivalent to
	// CommonsGroup for asset and group models.
	EngineGroup string `json:"engineGroup,omitempty"`

	// Schema types the metadata fields of twins provisioned from this model,
	// or the values of measurements for measure models.
	Schema Schema `json:"schema"`

	// MeasureSlots is populated for asset and device models only. Each slot's
	// Type must name a registered measure model.
	MeasureSlots []MeasureSlot `json:"measureSlots,omitempty"`
}

// DocumentID derives the deterministic storage id of the definition. Deriving
// it from kind and name (rather than a generated id) is what makes model
// registration idempotent: re-registering a model updates its document in
// place.
func (d ModelDefinition) DocumentID() string {
	return string(d.Kind) + "-" + d.Name
}

// group normalises the namespace of the definition.
func (d ModelDefinition) group() string {
	if d.EngineGroup == "" {
		return CommonsGroup
	}
	return d.EngineGroup
}

// appliesTo reports whether the definition is visible from the given engine
// group. Commons definitions apply everywhere.
func (d ModelDefinition) appliesTo(engineGroup string) bool {
	g := d.group()
	return g == CommonsGroup || g == engineGroup || engineGroup == ""
}

// Slot returns the declared slot with the given name.
func (d ModelDefinition) Slot(name string) (MeasureSlot, bool) {
	for _, s := range d.MeasureSlots {
		if s.Name == name {
			return s, true
		}
	}
	return MeasureSlot{}, false
}
