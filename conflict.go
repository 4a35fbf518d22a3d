package twinstack

// A Conflict is one field-level type mismatch between a registered schema and
// a proposed change.
type Conflict struct {
	Path        string    `json:"path"`
	CurrentType FieldType `json:"currentType"`
	NewType     FieldType `json:"newType"`
}

// A ConflictChunk reports every field-level conflict between one registered
// model and one proposed model of the same kind. Chunks are produced, never
// persisted: they are a transient report the caller uses to accept or reject a
// schema change.
type ConflictChunk struct {
	SourceModel string     `json:"sourceModel"`
	NewModel    string     `json:"newModel"`
	ModelType   ModelKind  `json:"modelType"`
	Conflicts   []Conflict `json:"conflicts"`
}

// SchemaConflicts deep-merges the proposed schema onto the current one and
// walks both in lock-step, reporting every field present in both whose
// resolved type differs. Fields present on only one side are not conflicts:
// additive schema evolution is safe by definition.
//
// The full list is returned without halting early so that a caller can present
// all problems at once.
func SchemaConflicts(current, proposed Schema) []Conflict {
	merged := MergeSchemas(current, proposed)

	var conflicts []Conflict
	WalkSchema(current, func(path string, def FieldDefinition) bool {
		after, ok := lookupField(merged, path)
		if !ok {
			// Merging never removes a field, so an absent path here means the
			// field became a non-object leaf higher up; that parent conflict
			// is already reported, and the child adds no information.
			return true
		}
		curType, newType := def.resolvedType(), after.resolvedType()
		if curType != newType {
			conflicts = append(conflicts, Conflict{Path: path, CurrentType: curType, NewType: newType})
		}
		return true
	})
	return conflicts
}
