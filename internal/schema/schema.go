// Package schema provides the portable column-schema model shared by the
// version store and the working-copy backends.
//
// A Schema is an ordered list of Columns. Each column carries a semantic
// data type (not a backend type name) plus optional extra type info such as
// geometry type and CRS, numeric precision/scale, or integer size. Backends
// translate this model to and from their native DDL; the translation is
// allowed to be lossy as long as the loss is recoverable via alignment
// (see the workingcopy package).
package schema

import (
	"fmt"
	"sort"
)

// DataType is a portable, backend-independent column type.
type DataType string

const (
	Boolean   DataType = "boolean"
	Blob      DataType = "blob"
	Date      DataType = "date"
	Float     DataType = "float"
	Geometry  DataType = "geometry"
	Integer   DataType = "integer"
	Interval  DataType = "interval"
	Numeric   DataType = "numeric"
	Text      DataType = "text"
	Time      DataType = "time"
	Timestamp DataType = "timestamp"
)

// Column describes a single column of a dataset.
//
// ID is a stable identifier independent of column position or name; it
// survives renames in the version store. Columns re-derived from a live
// table get deterministic salted IDs instead (see DeterministicID).
type Column struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	DataType DataType `json:"dataType"`

	// PKIndex is the column's position in the primary key, or nil if the
	// column is not part of the key. Composite keys are ordered by PKIndex.
	PKIndex *int `json:"primaryKeyIndex,omitempty"`

	// Extra type info. Which fields are meaningful depends on DataType.
	Size         int    `json:"size,omitempty"`         // integer/float width in bits
	Length       int    `json:"length,omitempty"`       // text max length, 0 = unbounded
	Precision    int    `json:"precision,omitempty"`    // numeric precision
	Scale        int    `json:"scale,omitempty"`        // numeric scale
	GeometryType string `json:"geometryType,omitempty"` // eg "POINT", "MULTIPOLYGON", "GEOMETRY"
	GeometryCRS  string `json:"geometryCRS,omitempty"`  // eg "EPSG:4326"
}

// IsPK returns true if the column is part of the primary key.
func (c *Column) IsPK() bool {
	return c.PKIndex != nil
}

// Equal reports whether two columns are identical, including IDs and all
// extra type info.
func (c *Column) Equal(o *Column) bool {
	if c.ID != o.ID || c.Name != o.Name || c.DataType != o.DataType {
		return false
	}
	if (c.PKIndex == nil) != (o.PKIndex == nil) {
		return false
	}
	if c.PKIndex != nil && *c.PKIndex != *o.PKIndex {
		return false
	}
	return c.Size == o.Size &&
		c.Length == o.Length &&
		c.Precision == o.Precision &&
		c.Scale == o.Scale &&
		c.GeometryType == o.GeometryType &&
		c.GeometryCRS == o.GeometryCRS
}

// Schema is an ordered column list.
type Schema struct {
	Columns []Column
}

// NewSchema returns a Schema over the given columns.
func NewSchema(cols ...Column) *Schema {
	return &Schema{Columns: cols}
}

// PKColumns returns the primary-key columns ordered by PKIndex.
func (s *Schema) PKColumns() []Column {
	var pks []Column
	for _, c := range s.Columns {
		if c.IsPK() {
			pks = append(pks, c)
		}
	}
	sort.Slice(pks, func(i, j int) bool { return *pks[i].PKIndex < *pks[j].PKIndex })
	return pks
}

// PKNames returns the primary-key column names ordered by PKIndex.
func (s *Schema) PKNames() []string {
	pks := s.PKColumns()
	names := make([]string, len(pks))
	for i, c := range pks {
		names[i] = c.Name
	}
	return names
}

// NonPKNames returns the names of all columns not in the primary key,
// in schema order.
func (s *Schema) NonPKNames() []string {
	var names []string
	for _, c := range s.Columns {
		if !c.IsPK() {
			names = append(names, c.Name)
		}
	}
	return names
}

// ColumnNames returns all column names in schema order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnByName returns the column with the given name, or nil.
func (s *Schema) ColumnByName(name string) *Column {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i]
		}
	}
	return nil
}

// GeometryColumn returns the first geometry column, or nil if the schema
// has none. Datasets have at most one geometry column.
func (s *Schema) GeometryColumn() *Column {
	for i := range s.Columns {
		if s.Columns[i].DataType == Geometry {
			return &s.Columns[i]
		}
	}
	return nil
}

// Equal reports whether both schemas have identical columns in identical
// order.
func (s *Schema) Equal(o *Schema) bool {
	if len(s.Columns) != len(o.Columns) {
		return false
	}
	for i := range s.Columns {
		if !s.Columns[i].Equal(&o.Columns[i]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (s *Schema) Clone() *Schema {
	cols := make([]Column, len(s.Columns))
	copy(cols, s.Columns)
	for i := range cols {
		if cols[i].PKIndex != nil {
			idx := *cols[i].PKIndex
			cols[i].PKIndex = &idx
		}
	}
	return &Schema{Columns: cols}
}

// Validate checks structural invariants: non-empty, unique names, dense
// PK indexes starting at zero, at most one geometry column.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	names := make(map[string]bool, len(s.Columns))
	geomCount := 0
	pkIndexes := make(map[int]bool)
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("column with empty name")
		}
		if names[c.Name] {
			return fmt.Errorf("duplicate column name %q", c.Name)
		}
		names[c.Name] = true
		if c.DataType == Geometry {
			geomCount++
		}
		if c.PKIndex != nil {
			if pkIndexes[*c.PKIndex] {
				return fmt.Errorf("duplicate primary key index %d", *c.PKIndex)
			}
			pkIndexes[*c.PKIndex] = true
		}
	}
	for i := 0; i < len(pkIndexes); i++ {
		if !pkIndexes[i] {
			return fmt.Errorf("primary key indexes are not dense: missing %d", i)
		}
	}
	if geomCount > 1 {
		return fmt.Errorf("schema has %d geometry columns, at most 1 supported", geomCount)
	}
	return nil
}

// PKIndexPtr is a convenience for building column literals.
func PKIndexPtr(i int) *int {
	return &i
}

// Dataset names a versioned table together with its schema.
type Dataset struct {
	Name   string
	Schema *Schema
}

// GeometryColumnName returns the dataset's geometry column name, or "" if
// the dataset has no geometry.
func (d *Dataset) GeometryColumnName() string {
	if col := d.Schema.GeometryColumn(); col != nil {
		return col.Name
	}
	return ""
}

// PrimaryKey returns the name of the dataset's sole primary-key column.
// It returns an error for keyless or composite-key schemas, which the
// working copy cannot track.
func (d *Dataset) PrimaryKey() (string, error) {
	pks := d.Schema.PKNames()
	switch len(pks) {
	case 0:
		return "", fmt.Errorf("dataset %q has no primary key", d.Name)
	case 1:
		return pks[0], nil
	default:
		return "", fmt.Errorf("dataset %q has a composite primary key (%d columns)", d.Name, len(pks))
	}
}
