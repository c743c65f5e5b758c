package postgres

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/workingcopy"
)

// nativeType renders a portable column type as PostgreSQL DDL. Geometry
// columns use PostGIS typmods so the subtype and SRID survive a round
// trip through introspection.
func nativeType(col *schema.Column) string {
	switch col.DataType {
	case schema.Boolean:
		return "BOOLEAN"
	case schema.Blob:
		return "BYTEA"
	case schema.Date:
		return "DATE"
	case schema.Float:
		if col.Size == 32 {
			return "REAL"
		}
		return "DOUBLE PRECISION"
	case schema.Geometry:
		geomType := col.GeometryType
		if geomType == "" {
			geomType = "GEOMETRY"
		}
		if srid := schema.CRSID(col.GeometryCRS); srid != 0 {
			return fmt.Sprintf("GEOMETRY(%s,%d)", strings.ToUpper(geomType), srid)
		}
		return fmt.Sprintf("GEOMETRY(%s)", strings.ToUpper(geomType))
	case schema.Integer:
		switch col.Size {
		case 8, 16:
			// No single-byte integer; TINYINT widens to SMALLINT.
			return "SMALLINT"
		case 32:
			return "INTEGER"
		default:
			return "BIGINT"
		}
	case schema.Interval:
		return "INTERVAL"
	case schema.Numeric:
		if col.Precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", col.Precision, col.Scale)
		}
		return "NUMERIC"
	case schema.Text:
		if col.Length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", col.Length)
		}
		return "TEXT"
	case schema.Time:
		return "TIME"
	case schema.Timestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
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
	if _, err := sess.Exec("DROP TABLE IF EXISTS " + b.TableIdent(ds.Name)); err != nil {
		return fmt.Errorf("drop table %q: %w", ds.Name, err)
	}
	return nil
}

// TableExists implements workingcopy.Backend.
func (b *Backend) TableExists(sess *workingcopy.Session, table string) (bool, error) {
	var count int
	err := sess.QueryRow(
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_schema = $1 AND table_name = $2`,
		b.dbschema, table,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("inspect table %q: %w", table, err)
	}
	return count > 0, nil
}

// TableSchema implements workingcopy.Backend: re-derives the portable
// schema from information_schema plus PostGIS geometry_columns, salting
// re-derived column IDs.
func (b *Backend) TableSchema(sess *workingcopy.Session, table, salt string) (*schema.Schema, error) {
	rows, err := sess.Query(`
		SELECT
			c.column_name,
			c.data_type,
			c.udt_name,
			COALESCE(c.character_maximum_length, 0),
			COALESCE(c.numeric_precision, 0),
			COALESCE(c.numeric_scale, 0),
			COALESCE(pk.ordinal_position, 0),
			COALESCE(g.type, ''),
			COALESCE(g.srid, 0)
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT kcu.column_name, kcu.ordinal_position
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
				ON tc.constraint_name = kcu.constraint_name
				AND tc.table_schema = kcu.table_schema
			WHERE tc.constraint_type = 'PRIMARY KEY'
				AND tc.table_schema = $1 AND tc.table_name = $2
		) pk ON pk.column_name = c.column_name
		LEFT JOIN geometry_columns g
			ON g.f_table_schema = c.table_schema
			AND g.f_table_name = c.table_name
			AND g.f_geometry_column = c.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`,
		b.dbschema, table)
	if err != nil {
		return nil, fmt.Errorf("introspect table %q: %w", table, err)
	}
	defer rows.Close()

	var cols []schema.Column
	for rows.Next() {
		var (
			name, dataType, udtName, geomType string
			length, precision, scale          int
			pkOrdinal, srid                   int
		)
		if err := rows.Scan(&name, &dataType, &udtName, &length, &precision, &scale,
			&pkOrdinal, &geomType, &srid); err != nil {
			return nil, fmt.Errorf("introspect table %q: %w", table, err)
		}
		cols = append(cols, portableColumn(name, dataType, udtName, geomType,
			length, precision, scale, pkOrdinal, srid, salt))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect table %q: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("introspect table %q: %w", table, sql.ErrNoRows)
	}
	return schema.NewSchema(cols...), nil
}

func portableColumn(name, dataType, udtName, geomType string,
	length, precision, scale, pkOrdinal, srid int, salt string) schema.Column {
	col := schema.Column{
		ID:   schema.DeterministicID(salt, name),
		Name: name,
	}
	if pkOrdinal > 0 {
		col.PKIndex = schema.PKIndexPtr(pkOrdinal - 1)
	}

	switch dataType {
	case "boolean":
		col.DataType = schema.Boolean
	case "bytea":
		col.DataType = schema.Blob
	case "date":
		col.DataType = schema.Date
	case "real":
		col.DataType = schema.Float
		col.Size = 32
	case "double precision":
		col.DataType = schema.Float
		col.Size = 64
	case "smallint":
		col.DataType = schema.Integer
		col.Size = 16
	case "integer":
		col.DataType = schema.Integer
		col.Size = 32
	case "bigint":
		col.DataType = schema.Integer
		col.Size = 64
	case "interval":
		col.DataType = schema.Interval
	case "numeric":
		col.DataType = schema.Numeric
		col.Precision = precision
		col.Scale = scale
	case "character varying":
		col.DataType = schema.Text
		col.Length = length
	case "text":
		col.DataType = schema.Text
	case "time without time zone", "time with time zone":
		col.DataType = schema.Time
	case "timestamp without time zone", "timestamp with time zone":
		col.DataType = schema.Timestamp
	case "USER-DEFINED":
		if udtName == "geometry" {
			col.DataType = schema.Geometry
			if geomType != "" && !strings.EqualFold(geomType, "geometry") {
				col.GeometryType = strings.ToUpper(geomType)
			}
			if srid != 0 {
				col.GeometryCRS = fmt.Sprintf("EPSG:%d", srid)
			}
		} else {
			col.DataType = schema.Text
		}
	default:
		col.DataType = schema.Text
	}
	return col
}

// TryAlignColumn implements workingcopy.Backend. The only lossy round
// trip is the 8-bit integer widening to SMALLINT; geometry subtype and
// SRID survive via typmods, so only an untyped GEOMETRY needs recovery.
func (b *Backend) TryAlignColumn(oldCol, newCol *schema.Column) bool {
	if oldCol.DataType == schema.Integer && oldCol.Size == 8 &&
		newCol.DataType == schema.Integer && newCol.Size == 16 {
		newCol.Size = 8
	}
	if newCol.DataType == schema.Geometry && oldCol.DataType == schema.Geometry {
		if newCol.GeometryType == "" {
			newCol.GeometryType = oldCol.GeometryType
		}
		if newCol.GeometryCRS == "" {
			newCol.GeometryCRS = oldCol.GeometryCRS
		}
	}
	return newCol.DataType == oldCol.DataType
}

// UnsupportedMetaItems implements workingcopy.Backend.
func (b *Backend) UnsupportedMetaItems() []string {
	return []string{"title", "description", "metadata/dataset.json", "metadata.xml"}
}
