package twinstack

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var metadataValidationTests = []struct {
	name     string
	metadata Metadata
	schema   Schema
	wantPath string // empty means the metadata must validate
}{
	{
		name: "sparse-metadata-validates",
		metadata: Metadata{
			"serial": String("SN-1"),
		},
		schema: Schema{
			"serial": {Type: FieldKeyword},
			"floor":  {Type: FieldInteger},
		},
	},
	{
		name:     "undeclared-field-fails",
		metadata: Metadata{"colour": String("red")},
		schema:   Schema{"serial": {Type: FieldKeyword}},
		wantPath: "colour",
	},
	{
		name:     "type-mismatch-fails",
		metadata: Metadata{"serial": Bool(true)},
		schema:   Schema{"serial": {Type: FieldKeyword}},
		wantPath: "serial",
	},
	{
		name:     "fractional-number-is-not-an-integer",
		metadata: Metadata{"floor": Number(2.5)},
		schema:   Schema{"floor": {Type: FieldInteger}},
		wantPath: "floor",
	},
	{
		name:     "whole-number-is-an-integer",
		metadata: Metadata{"floor": Number(2)},
		schema:   Schema{"floor": {Type: FieldInteger}},
	},
	{
		name:     "geo-point-field",
		metadata: Metadata{"position": GeoPoint{Lat: 51.5, Lon: -0.1}},
		schema:   Schema{"position": {Type: FieldGeoPoint}},
	},
	{
		name: "nested-failure-reports-dotted-path",
		metadata: Metadata{"location": Object{
			"building": String("B"),
			"floor":    String("two"),
		}},
		schema: Schema{"location": {Type: FieldObject, Properties: Schema{
			"building": {Type: FieldKeyword},
			"floor":    {Type: FieldInteger},
		}}},
		wantPath: "location.floor",
	},
}

func TestMetadataValidateAgainst(t *testing.T) {
	for _, tt := range metadataValidationTests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.metadata.ValidateAgainst(tt.schema)
			if tt.wantPath == "" {
				if err != nil {
					t.Fatalf("ValidateAgainst() = %v, want nil", err)
				}
				return
			}
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("ValidateAgainst() = %v, want ValidationError", err)
			}
			if !strings.Contains(verr.Reason, "\""+tt.wantPath+"\"") {
				t.Errorf("error %q does not name path %q", verr.Reason, tt.wantPath)
			}
		})
	}
}

func TestMetadataMergeRecursesIntoObjects(t *testing.T) {
	current := Metadata{
		"serial": String("SN-1"),
		"location": Object{
			"building": String("B"),
			"floor":    Number(2),
		},
	}
	incoming := Metadata{
		"location": Object{"floor": Number(3)},
		"battery":  Number(80),
	}

	merged := current.Merge(incoming)

	want := Metadata{
		"serial": String("SN-1"),
		"location": Object{
			"building": String("B"),
			"floor":    Number(3),
		},
		"battery": Number(80),
	}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Errorf("Merge mismatch (-want +got):\n%v", diff)
	}
	// The receiver must be untouched; enrichment works on copies.
	if got := current["location"].(Object)["floor"]; got != Number(2) {
		t.Errorf("Merge modified its receiver: floor = %v", got)
	}
}

func TestMetadataJSONRoundTrip(t *testing.T) {
	original := Metadata{
		"active":   Bool(true),
		"floor":    Number(4),
		"serial":   String("SN-1"),
		"position": GeoPoint{Lat: 51.5, Lon: -0.1},
		"location": Object{
			"building": String("HQ"),
			"rooms":    Number(12),
		},
	}

	encoded, err := json.Marshal(original)
	if err != nil {
		t.Fatal("marshal:", err)
	}
	var decoded Metadata
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatal("unmarshal:", err)
	}
	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%v", diff)
	}
}

// A two-field numeric {lat, lon} object decodes as a GeoPoint; anything else
// stays an Object.
func TestMetadataGeoPointInference(t *testing.T) {
	var decoded Metadata
	err := json.Unmarshal([]byte(`{
		"point":     {"lat": 1.5, "lon": 2.5},
		"not-point": {"lat": 1.5, "lon": "east"},
		"wider":     {"lat": 1.5, "lon": 2.5, "alt": 3.5}
	}`), &decoded)
	if err != nil {
		t.Fatal("unmarshal:", err)
	}

	if _, ok := decoded["point"].(GeoPoint); !ok {
		t.Errorf("point decoded as %T, want GeoPoint", decoded["point"])
	}
	if _, ok := decoded["not-point"].(Object); !ok {
		t.Errorf("not-point decoded as %T, want Object", decoded["not-point"])
	}
	if _, ok := decoded["wider"].(Object); !ok {
		t.Errorf("wider decoded as %T, want Object", decoded["wider"])
	}
}
