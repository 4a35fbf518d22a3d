package twinstack

import (
	"sort"
	"strings"
)

// A FieldType names the resolved storage type of a single metadata field. The
// set is closed on purpose: models are registered at runtime by operators, and
// an open "any" here would let two tenants disagree about a shared field
// without either of them noticing until documents stop matching queries.
type FieldType string

const (
	FieldBoolean  FieldType = "boolean"
	FieldInteger  FieldType = "integer"
	FieldFloat    FieldType = "float"
	FieldKeyword  FieldType = "keyword"
	FieldText     FieldType = "text"
	FieldDate     FieldType = "date"
	FieldGeoPoint FieldType = "geo_point"
	FieldObject   FieldType = "object"
)

// A FieldDefinition describes one field of a metadata schema. Properties is
// populated only for FieldObject, in which case Type may be left empty as a
// shorthand.
type FieldDefinition struct {
	Type       FieldType `json:"type,omitempty"`
	Properties Schema    `json:"properties,omitempty"`
}

// resolvedType normalises the object shorthand: a definition with nested
// properties is an object even when its Type was omitted.
func (d FieldDefinition) resolvedType() FieldType {
	if d.Type == "" && len(d.Properties) > 0 {
		return FieldObject
	}
	return d.Type
}

// A Schema is the field-type mapping of a model's metadata. Nested objects
// recurse through FieldDefinition.Properties.
type Schema map[string]FieldDefinition

// Clone returns a deep copy of the schema. Registry caches hand schemas to
// concurrent readers, so shared mutable state is not an option.
func (s Schema) Clone() Schema {
	if s == nil {
		return nil
	}
	out := make(Schema, len(s))
	for name, def := range s {
		def.Properties = def.Properties.Clone()
		out[name] = def
	}
	return out
}

// MergeSchemas deep-merges the incoming schema onto a copy of the base schema
// and returns the result. Fields present only in one side are carried over
// unchanged; fields present in both recurse when both sides are objects,
// otherwise the incoming definition wins.
//
// Neither argument is modified.
func MergeSchemas(base, incoming Schema) Schema {
	merged := base.Clone()
	if merged == nil {
		merged = make(Schema, len(incoming))
	}
	for name, in := range incoming {
		cur, exists := merged[name]
		if exists && cur.resolvedType() == FieldObject && in.resolvedType() == FieldObject {
			merged[name] = FieldDefinition{
				Type:       FieldObject,
				Properties: MergeSchemas(cur.Properties, in.Properties),
			}
			continue
		}
		in.Properties = in.Properties.Clone()
		merged[name] = in
	}
	return merged
}

// WalkSchema visits every field of the schema in depth-first order, calling fn
// with the dotted path ("floor", "location.building") and the definition.
// Traversal stops early when fn returns false.
//
// Visiting order is lexicographic per nesting level so that reports built from
// a walk are reproducible.
func WalkSchema(s Schema, fn func(path string, def FieldDefinition) bool) {
	walkSchema("", s, fn)
}

func walkSchema(prefix string, s Schema, fn func(path string, def FieldDefinition) bool) bool {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := s[name]
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if !fn(path, def) {
			return false
		}
		if def.resolvedType() == FieldObject {
			if !walkSchema(path, def.Properties, fn) {
				return false
			}
		}
	}
	return true
}

// lookupField resolves a dotted path against the schema. It returns the
// definition and true when every segment of the path exists.
func lookupField(s Schema, path string) (FieldDefinition, bool) {
	segments := strings.Split(path, ".")
	for i, segment := range segments {
		def, ok := s[segment]
		if !ok {
			return FieldDefinition{}, false
		}
		if i == len(segments)-1 {
			return def, true
		}
		s = def.Properties
	}
	return FieldDefinition{}, false
}
