package sqlite

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/workingcopy"
)

// nativeType renders a portable column type as SQLite DDL. Integer and
// float widths use the GPKG-style sized names so they survive a round
// trip through introspection.
func nativeType(col *schema.Column) string {
	switch col.DataType {
	case schema.Boolean:
		return "BOOLEAN"
	case schema.Blob:
		return "BLOB"
	case schema.Date:
		return "DATE"
	case schema.Float:
		if col.Size == 32 {
			return "FLOAT"
		}
		return "REAL"
	case schema.Geometry:
		if col.GeometryType != "" {
			return strings.ToUpper(col.GeometryType)
		}
		return "GEOMETRY"
	case schema.Integer:
		switch col.Size {
		case 8:
			return "TINYINT"
		case 16:
			return "SMALLINT"
		case 32:
			return "MEDIUMINT"
		default:
			return "INTEGER"
		}
	case schema.Text:
		if col.Length > 0 {
			return fmt.Sprintf("TEXT(%d)", col.Length)
		}
		return "TEXT"
	case schema.Timestamp:
		return "DATETIME"
	case schema.Time, schema.Interval, schema.Numeric:
		// No native representation; approximated as text and recovered
		// by alignment.
		return "TEXT"
	default:
		return "TEXT"
	}
}

var geometryTypeNames = map[string]bool{
	"GEOMETRY":           true,
	"POINT":              true,
	"LINESTRING":         true,
	"POLYGON":            true,
	"MULTIPOINT":         true,
	"MULTILINESTRING":    true,
	"MULTIPOLYGON":       true,
	"GEOMETRYCOLLECTION": true,
}

// portableColumn inverts nativeType for an introspected column.
func portableColumn(name, declared string, pkOrdinal int, salt string) schema.Column {
	col := schema.Column{
		ID:   schema.DeterministicID(salt, name),
		Name: name,
	}
	if pkOrdinal > 0 {
		col.PKIndex = schema.PKIndexPtr(pkOrdinal - 1)
	}

	upper := strings.ToUpper(strings.TrimSpace(declared))
	base := upper
	var arg int
	if i := strings.IndexByte(upper, '('); i > 0 && strings.HasSuffix(upper, ")") {
		base = upper[:i]
		arg, _ = strconv.Atoi(strings.TrimSuffix(upper[i+1:], ")"))
	}

	switch {
	case base == "BOOLEAN":
		col.DataType = schema.Boolean
	case base == "BLOB":
		col.DataType = schema.Blob
	case base == "DATE":
		col.DataType = schema.Date
	case base == "DATETIME":
		col.DataType = schema.Timestamp
	case base == "FLOAT":
		col.DataType = schema.Float
		col.Size = 32
	case base == "REAL" || base == "DOUBLE":
		col.DataType = schema.Float
		col.Size = 64
	case base == "TINYINT":
		col.DataType = schema.Integer
		col.Size = 8
	case base == "SMALLINT":
		col.DataType = schema.Integer
		col.Size = 16
	case base == "MEDIUMINT":
		col.DataType = schema.Integer
		col.Size = 32
	case base == "INTEGER" || base == "INT" || base == "BIGINT":
		col.DataType = schema.Integer
		col.Size = 64
	case geometryTypeNames[base]:
		col.DataType = schema.Geometry
		col.GeometryType = base
	case base == "TEXT":
		col.DataType = schema.Text
		col.Length = arg
	default:
		col.DataType = schema.Text
	}
	return col
}

// CreateTable implements workingcopy.Backend.
func (b *Backend) CreateTable(sess *workingcopy.Session, ds *schema.Dataset) error {
	var defs []string
	for i := range ds.Schema.Columns {
		col := &ds.Schema.Columns[i]
		def := b.Quote(col.Name) + " " + nativeType(col)
		if col.IsPK() {
			def += " PRIMARY KEY NOT NULL"
		}
		defs = append(defs, def)
	}
	q := fmt.Sprintf("CREATE TABLE %s (%s)", b.TableIdent(ds.Name), strings.Join(defs, ", "))
	if _, err := sess.Exec(q); err != nil {
		return fmt.Errorf("create table %q: %w", ds.Name, err)
	}
	return nil
}

// DropTable implements workingcopy.Backend. The dataset's rtree goes
// with its table.
func (b *Backend) DropTable(sess *workingcopy.Session, ds *schema.Dataset) error {
	if _, err := sess.Exec("DROP TABLE IF EXISTS " + b.TableIdent(ds.Name)); err != nil {
		return fmt.Errorf("drop table %q: %w", ds.Name, err)
	}
	if _, err := sess.Exec("DROP TABLE IF EXISTS " + b.Quote(ds.Name+"__kart_rtree")); err != nil {
		return fmt.Errorf("drop spatial index for %q: %w", ds.Name, err)
	}
	return nil
}

// TableExists implements workingcopy.Backend.
func (b *Backend) TableExists(sess *workingcopy.Session, table string) (bool, error) {
	var count int
	err := sess.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?`, table,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("inspect table %q: %w", table, err)
	}
	return count > 0, nil
}

// TableSchema implements workingcopy.Backend: re-derives the portable
// schema from the live table, salting re-derived column IDs.
func (b *Backend) TableSchema(sess *workingcopy.Session, table, salt string) (*schema.Schema, error) {
	rows, err := sess.Query(
		`SELECT name, type, pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("introspect table %q: %w", table, err)
	}
	defer rows.Close()

	var cols []schema.Column
	for rows.Next() {
		var (
			name, declared string
			pkOrdinal      int
		)
		if err := rows.Scan(&name, &declared, &pkOrdinal); err != nil {
			return nil, fmt.Errorf("introspect table %q: %w", table, err)
		}
		cols = append(cols, portableColumn(name, declared, pkOrdinal, salt))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect table %q: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("introspect table %q: %w", table, sql.ErrNoRows)
	}
	return schema.NewSchema(cols...), nil
}

// approximatedTypes are portable types SQLite can only store as a wider
// type; the round trip is repaired by TryAlignColumn.
var approximatedTypes = map[schema.DataType]schema.DataType{
	schema.Time:     schema.Text,
	schema.Interval: schema.Text,
	schema.Numeric:  schema.Text,
}

// TryAlignColumn implements workingcopy.Backend.
func (b *Backend) TryAlignColumn(oldCol, newCol *schema.Column) bool {
	if approximatedTypes[oldCol.DataType] == newCol.DataType {
		newCol.DataType = oldCol.DataType
		newCol.Length = oldCol.Length
		newCol.Precision = oldCol.Precision
		newCol.Scale = oldCol.Scale
	}

	// Geometry CRS is not stored in the table definition, so it is
	// always lost on round trip; the subtype survives in the declared
	// type name but is recovered here too for uniformity.
	if newCol.DataType == schema.Geometry {
		newCol.GeometryType = oldCol.GeometryType
		newCol.GeometryCRS = oldCol.GeometryCRS
	}

	return newCol.DataType == oldCol.DataType
}

// UnsupportedMetaItems implements workingcopy.Backend. The table itself
// is the only stored metadata.
func (b *Backend) UnsupportedMetaItems() []string {
	return []string{"title", "description", "metadata/dataset.json", "metadata.xml"}
}
