package twinstack

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// A MetadataValue is the atomic unit of information held in a twin's metadata
// map. Although a document store could hold any JSON value, we guard against
// accidental use of open-ended types by requiring them to implement this
// interface: the sum is closed over boolean, number, string, geo-point, and
// nested object.
//
// Type-assert values in order to access the actual type and its fields.
type MetadataValue interface {
	// metadata is a no-op method that distinguishes the closed set of value
	// types from everything else. It is unexported to prevent implementations
	// outside this package.
	metadata()
}

// Bool, Number, String, GeoPoint and Object are the only MetadataValue
// variants. Number deliberately covers both integer and float fields; the
// schema's FieldType decides how storage treats it.
type (
	Bool   bool
	Number float64
	String string

	// A GeoPoint is a WGS84 coordinate. It is its own variant, rather than an
	// Object with two Number fields, because storage engines index geo-points
	// specially and the distinction must survive a round-trip.
	GeoPoint struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}

	Object map[string]MetadataValue
)

func (Bool) metadata()     {}
func (Number) metadata()   {}
func (String) metadata()   {}
func (GeoPoint) metadata() {}
func (Object) metadata()   {}

// Metadata is the named-field map carried by every twin, shaped by its model's
// metadata schema.
type Metadata map[string]MetadataValue

// Clone returns a deep copy of the metadata map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if obj, ok := v.(Object); ok {
			out[k] = Object(Metadata(obj).Clone())
			continue
		}
		out[k] = v
	}
	return out
}

// Merge overlays incoming fields on top of m, recursing into objects present
// on both sides. It returns the merged copy; m is not modified. This is the
// enrichment rule used when a measurement carries fresh device metadata.
func (m Metadata) Merge(incoming Metadata) Metadata {
	merged := m.Clone()
	if merged == nil {
		merged = make(Metadata, len(incoming))
	}
	for k, v := range incoming {
		cur, exists := merged[k]
		curObj, curIsObj := cur.(Object)
		inObj, inIsObj := v.(Object)
		if exists && curIsObj && inIsObj {
			merged[k] = Object(Metadata(curObj).Merge(Metadata(inObj)))
			continue
		}
		merged[k] = v
	}
	return merged
}

// ValidateAgainst checks every metadata field against the given schema,
// reporting a ValidationError naming the first offending path. Fields absent
// from the metadata are fine (metadata is sparse by design); fields absent
// from the schema are not.
func (m Metadata) ValidateAgainst(schema Schema) error {
	return validateMetadata("", m, schema)
}

func validateMetadata(prefix string, m Metadata, schema Schema) error {
	// Deterministic order keeps the reported path stable across runs.
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		def, ok := schema[name]
		if !ok {
			return validationErrorf("metadata field %q is not declared by the model", path)
		}
		switch v := m[name].(type) {
		case Bool:
			if def.resolvedType() != FieldBoolean {
				return validationErrorf("metadata field %q: expected %s, got boolean", path, def.resolvedType())
			}
		case Number:
			switch def.resolvedType() {
			case FieldInteger:
				if float64(v) != math.Trunc(float64(v)) {
					return validationErrorf("metadata field %q: expected integer, got fractional number", path)
				}
			case FieldFloat, FieldDate:
			default:
				return validationErrorf("metadata field %q: expected %s, got number", path, def.resolvedType())
			}
		case String:
			switch def.resolvedType() {
			case FieldKeyword, FieldText, FieldDate:
			default:
				return validationErrorf("metadata field %q: expected %s, got string", path, def.resolvedType())
			}
		case GeoPoint:
			if def.resolvedType() != FieldGeoPoint {
				return validationErrorf("metadata field %q: expected %s, got geo_point", path, def.resolvedType())
			}
		case Object:
			if def.resolvedType() != FieldObject {
				return validationErrorf("metadata field %q: expected %s, got object", path, def.resolvedType())
			}
			if err := validateMetadata(path, Metadata(v), def.Properties); err != nil {
				return err
			}
		default:
			return validationErrorf("metadata field %q: unsupported value %T", path, m[name])
		}
	}
	return nil
}

// MarshalJSON flattens the closed sum into plain JSON so that persisted twins
// look like ordinary documents.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]MetadataValue(m))
}

// UnmarshalJSON rebuilds the closed sum from plain JSON. The inference is
// unambiguous except for geo-points, which are recognised by their exact
// {lat, lon} shape before falling back to Object.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Metadata, len(raw))
	for k, v := range raw {
		value, err := unmarshalMetadataValue(v)
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = value
	}
	*m = out
	return nil
}

func unmarshalMetadataValue(data []byte) (MetadataValue, error) {
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	switch v := probe.(type) {
	case bool:
		return Bool(v), nil
	case float64:
		return Number(v), nil
	case string:
		return String(v), nil
	case map[string]any:
		// A two-field object with numeric lat and lon is a geo-point. Real
		// nested objects with exactly these two numeric fields do not occur in
		// practice; models that need them should nest one level deeper.
		if len(v) == 2 {
			lat, latOK := v["lat"].(float64)
			lon, lonOK := v["lon"].(float64)
			if latOK && lonOK {
				return GeoPoint{Lat: lat, Lon: lon}, nil
			}
		}
		obj := make(Object, len(v))
		for k, raw := range v {
			b, err := json.Marshal(raw)
			if err != nil {
				return nil, err
			}
			value, err := unmarshalMetadataValue(b)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			obj[k] = value
		}
		return obj, nil
	case nil:
		return nil, fmt.Errorf("null metadata values are not supported")
	default:
		return nil, fmt.Errorf("unsupported metadata value %T", probe)
	}
}
