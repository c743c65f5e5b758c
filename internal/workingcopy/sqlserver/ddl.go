package sqlserver

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/workingcopy"
)

// nativeType renders a portable column type as SQL Server DDL. The
// GEOMETRY type carries no subtype or SRID in the table definition (both
// live per value), so that information is recovered by alignment.
func nativeType(col *schema.Column) string {
	switch col.DataType {
	case schema.Boolean:
		return "BIT"
	case schema.Blob:
		return "VARBINARY(MAX)"
	case schema.Date:
		return "DATE"
	case schema.Float:
		if col.Size == 32 {
			return "REAL"
		}
		return "FLOAT"
	case schema.Geometry:
		return "GEOMETRY"
	case schema.Integer:
		switch col.Size {
		case 8:
			return "TINYINT"
		case 16:
			return "SMALLINT"
		case 32:
			return "INT"
		default:
			return "BIGINT"
		}
	case schema.Interval:
		// No interval type; approximated as text and recovered by
		// alignment.
		return "NVARCHAR(MAX)"
	case schema.Numeric:
		if col.Precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", col.Precision, col.Scale)
		}
		return "NUMERIC"
	case schema.Text:
		if col.Length > 0 {
			return fmt.Sprintf("NVARCHAR(%d)", col.Length)
		}
		return "NVARCHAR(MAX)"
	case schema.Time:
		return "TIME"
	case schema.Timestamp:
		return "DATETIMEOFFSET"
	default:
		return "NVARCHAR(MAX)"
	}
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

// DropTable implements workingcopy.Backend.
func (b *Backend) DropTable(sess *workingcopy.Session, ds *schema.Dataset) error {
	q := fmt.Sprintf(`IF OBJECT_ID(%s, 'U') IS NOT NULL DROP TABLE %s`,
		quoteLiteral(b.dbschema+"."+ds.Name), b.TableIdent(ds.Name))
	if _, err := sess.Exec(q); err != nil {
		return fmt.Errorf("drop table %q: %w", ds.Name, err)
	}
	return nil
}

// TableExists implements workingcopy.Backend.
func (b *Backend) TableExists(sess *workingcopy.Session, table string) (bool, error) {
	var count int
	err := sess.QueryRow(
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_schema = @p1 AND table_name = @p2`,
		b.dbschema, table,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("inspect table %q: %w", table, err)
	}
	return count > 0, nil
}

// TableSchema implements workingcopy.Backend: re-derives the portable
// schema from information_schema, salting re-derived column IDs.
func (b *Backend) TableSchema(sess *workingcopy.Session, table, salt string) (*schema.Schema, error) {
	rows, err := sess.Query(`
		SELECT
			c.column_name,
			c.data_type,
			COALESCE(c.character_maximum_length, 0),
			COALESCE(c.numeric_precision, 0),
			COALESCE(c.numeric_scale, 0),
			COALESCE(pk.ordinal_position, 0)
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT kcu.column_name, kcu.ordinal_position
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
				ON tc.constraint_name = kcu.constraint_name
				AND tc.table_schema = kcu.table_schema
			WHERE tc.constraint_type = 'PRIMARY KEY'
				AND tc.table_schema = @p1 AND tc.table_name = @p2
		) pk ON pk.column_name = c.column_name
		WHERE c.table_schema = @p1 AND c.table_name = @p2
		ORDER BY c.ordinal_position`,
		b.dbschema, table)
	if err != nil {
		return nil, fmt.Errorf("introspect table %q: %w", table, err)
	}
	defer rows.Close()

	var cols []schema.Column
	for rows.Next() {
		var (
			name, dataType           string
			length, precision, scale int
			pkOrdinal                int
		)
		if err := rows.Scan(&name, &dataType, &length, &precision, &scale, &pkOrdinal); err != nil {
			return nil, fmt.Errorf("introspect table %q: %w", table, err)
		}
		cols = append(cols, portableColumn(name, dataType, length, precision, scale, pkOrdinal, salt))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect table %q: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("introspect table %q: %w", table, sql.ErrNoRows)
	}
	return schema.NewSchema(cols...), nil
}

func portableColumn(name, dataType string, length, precision, scale, pkOrdinal int, salt string) schema.Column {
	col := schema.Column{
		ID:   schema.DeterministicID(salt, name),
		Name: name,
	}
	if pkOrdinal > 0 {
		col.PKIndex = schema.PKIndexPtr(pkOrdinal - 1)
	}
	if length < 0 {
		length = 0 // MAX
	}

	switch dataType {
	case "bit":
		col.DataType = schema.Boolean
	case "varbinary", "binary", "image":
		col.DataType = schema.Blob
	case "date":
		col.DataType = schema.Date
	case "real":
		col.DataType = schema.Float
		col.Size = 32
	case "float":
		col.DataType = schema.Float
		col.Size = 64
	case "geometry":
		col.DataType = schema.Geometry
	case "tinyint":
		col.DataType = schema.Integer
		col.Size = 8
	case "smallint":
		col.DataType = schema.Integer
		col.Size = 16
	case "int":
		col.DataType = schema.Integer
		col.Size = 32
	case "bigint":
		col.DataType = schema.Integer
		col.Size = 64
	case "numeric", "decimal":
		col.DataType = schema.Numeric
		col.Precision = precision
		col.Scale = scale
	case "nvarchar", "varchar", "nchar", "char", "ntext", "text":
		col.DataType = schema.Text
		col.Length = length
	case "time":
		col.DataType = schema.Time
	case "datetimeoffset", "datetime2", "datetime":
		col.DataType = schema.Timestamp
	default:
		col.DataType = schema.Text
	}
	return col
}

// approximatedTypes are portable types SQL Server can only store as a
// wider type.
var approximatedTypes = map[schema.DataType]schema.DataType{
	schema.Interval: schema.Text,
}

// TryAlignColumn implements workingcopy.Backend. Besides the interval
// approximation, geometry columns always need their subtype and CRS
// recovered: SQL Server's GEOMETRY type carries neither.
func (b *Backend) TryAlignColumn(oldCol, newCol *schema.Column) bool {
	if approximatedTypes[oldCol.DataType] == newCol.DataType {
		newCol.DataType = oldCol.DataType
		newCol.Length = oldCol.Length
	}
	if newCol.DataType == schema.Geometry && oldCol.DataType == schema.Geometry {
		newCol.GeometryType = oldCol.GeometryType
		newCol.GeometryCRS = oldCol.GeometryCRS
	}
	return newCol.DataType == oldCol.DataType
}

// UnsupportedMetaItems implements workingcopy.Backend.
func (b *Backend) UnsupportedMetaItems() []string {
	return []string{"title", "description", "metadata/dataset.json", "metadata.xml"}
}
