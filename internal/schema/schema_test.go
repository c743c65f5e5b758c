package schema

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleSchema() *Schema {
	return NewSchema(
		Column{ID: "a1", Name: "fid", DataType: Integer, Size: 64, PKIndex: PKIndexPtr(0)},
		Column{ID: "a2", Name: "geom", DataType: Geometry, GeometryType: "POINT", GeometryCRS: "EPSG:4326"},
		Column{ID: "a3", Name: "name", DataType: Text, Length: 100},
		Column{ID: "a4", Name: "price", DataType: Numeric, Precision: 10, Scale: 2},
	)
}

func TestTextRoundTrip(t *testing.T) {
	s := sampleSchema()
	text, err := s.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	parsed, err := ParseText(text)
	if err != nil {
		t.Fatalf("ParseText: %v", err)
	}
	if !parsed.Equal(s) {
		t.Errorf("round trip changed the schema:\n%s", text)
	}

	// The text form must be byte-stable: schemas are compared as strings.
	again, err := parsed.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if again != text {
		t.Errorf("re-marshal differs:\n%s\nvs\n%s", text, again)
	}
}

func TestMarshalTextOmitsZeroFields(t *testing.T) {
	s := NewSchema(Column{ID: "a1", Name: "id", DataType: Integer, PKIndex: PKIndexPtr(0)})
	text, err := s.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	for _, field := range []string{"size", "length", "precision", "scale", "geometryType"} {
		if strings.Contains(text, field) {
			t.Errorf("zero-valued %q serialised:\n%s", field, text)
		}
	}
	if !strings.Contains(text, `"primaryKeyIndex": 0`) {
		t.Errorf("pk index 0 must serialise explicitly:\n%s", text)
	}
}

func TestParseTextRejectsInvalid(t *testing.T) {
	for name, text := range map[string]string{
		"not json":     "nope",
		"no columns":   "[]",
		"dup names":    `[{"id":"a","name":"x","dataType":"text","primaryKeyIndex":0},{"id":"b","name":"x","dataType":"text"}]`,
		"sparse pk":    `[{"id":"a","name":"x","dataType":"text","primaryKeyIndex":1}]`,
		"two geometry": `[{"id":"a","name":"x","dataType":"geometry","primaryKeyIndex":0},{"id":"b","name":"y","dataType":"geometry"}]`,
	} {
		if _, err := ParseText(text); err == nil {
			t.Errorf("%s: ParseText should fail", name)
		}
	}
}

func TestSchemaAccessors(t *testing.T) {
	s := sampleSchema()
	if diff := cmp.Diff([]string{"fid"}, s.PKNames()); diff != "" {
		t.Errorf("PKNames mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"geom", "name", "price"}, s.NonPKNames()); diff != "" {
		t.Errorf("NonPKNames mismatch (-want +got):\n%s", diff)
	}
	if got := s.GeometryColumn(); got == nil || got.Name != "geom" {
		t.Errorf("GeometryColumn = %v", got)
	}
	if s.ColumnByName("nope") != nil {
		t.Error("ColumnByName found a missing column")
	}
}

func TestDatasetPrimaryKey(t *testing.T) {
	ds := &Dataset{Name: "points", Schema: sampleSchema()}
	pk, err := ds.PrimaryKey()
	if err != nil {
		t.Fatalf("PrimaryKey: %v", err)
	}
	if pk != "fid" {
		t.Errorf("PrimaryKey = %q, want fid", pk)
	}

	composite := &Dataset{Name: "pairs", Schema: NewSchema(
		Column{ID: "a", Name: "a", DataType: Integer, PKIndex: PKIndexPtr(0)},
		Column{ID: "b", Name: "b", DataType: Integer, PKIndex: PKIndexPtr(1)},
	)}
	if _, err := composite.PrimaryKey(); err == nil {
		t.Error("composite key should be rejected")
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := sampleSchema()
	c := s.Clone()
	c.Columns[0].Name = "changed"
	c.Columns[0].PKIndex = PKIndexPtr(3)
	if s.Columns[0].Name != "fid" || *s.Columns[0].PKIndex != 0 {
		t.Error("Clone shares state with the original")
	}
}

func TestDeterministicID(t *testing.T) {
	a := DeterministicID("main points abc", "fid")
	if a != DeterministicID("main points abc", "fid") {
		t.Error("same inputs produced different IDs")
	}
	if a == DeterministicID("main points def", "fid") {
		t.Error("different salts produced the same ID")
	}
	if a == DeterministicID("main points abc", "geom") {
		t.Error("different names produced the same ID")
	}
	if len(a) != 32 {
		t.Errorf("ID length = %d, want 32 hex chars", len(a))
	}
}

func TestCRSID(t *testing.T) {
	for crs, want := range map[string]int{
		"EPSG:4326":  4326,
		"EPSG:2193":  2193,
		"":           0,
		"no-id":      0,
		"EPSG:x":     0,
		"CUSTOM:900": 900,
	} {
		if got := CRSID(crs); got != want {
			t.Errorf("CRSID(%q) = %d, want %d", crs, got, want)
		}
	}
}
