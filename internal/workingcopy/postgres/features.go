package postgres

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/vstore"
	"github.com/hamishcampbell/kart/internal/workingcopy"
)

// writeExpr wraps a bind placeholder in the conversion needed to store a
// canonical value into the column: WKB bytes become PostGIS geometry,
// everything else binds directly.
func writeExpr(col *schema.Column, placeholder string) string {
	if col.DataType == schema.Geometry {
		if srid := schema.CRSID(col.GeometryCRS); srid != 0 {
			return fmt.Sprintf("ST_SetSRID(ST_GeomFromWKB(%s), %d)", placeholder, srid)
		}
		return fmt.Sprintf("ST_GeomFromWKB(%s)", placeholder)
	}
	return placeholder
}

// readExpr renders a column so it scans back in canonical form: geometry
// as WKB, temporal types as ISO-8601 text with UTC "Z" designator.
func (b *Backend) readExpr(col *schema.Column) string {
	q := b.Quote(col.Name)
	switch col.DataType {
	case schema.Geometry:
		return fmt.Sprintf("ST_AsBinary(%s) AS %s", q, q)
	case schema.Timestamp:
		return fmt.Sprintf(
			`to_char(%s AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"') AS %s`, q, q)
	case schema.Date:
		return fmt.Sprintf(`to_char(%s, 'YYYY-MM-DD') AS %s`, q, q)
	case schema.Time:
		return fmt.Sprintf(`to_char(%s, 'HH24:MI:SS') AS %s`, q, q)
	case schema.Interval, schema.Numeric:
		return fmt.Sprintf(`%s::TEXT AS %s`, q, q)
	default:
		return q
	}
}

// pkPredicate compares the key column against a canonical key string by
// casting the column, so text parameters match typed columns.
func (b *Backend) pkPredicate(pkCol, placeholder string) string {
	return fmt.Sprintf("%s::TEXT = %s", b.Quote(pkCol), placeholder)
}

// WriteFeatures implements workingcopy.Backend.
func (b *Backend) WriteFeatures(sess *workingcopy.Session, ds *schema.Dataset, features []vstore.Feature) error {
	if len(features) == 0 {
		return nil
	}
	pk, err := ds.PrimaryKey()
	if err != nil {
		return fmt.Errorf("%w: %v", workingcopy.ErrBackendIncompatible, err)
	}

	cols := ds.Schema.Columns
	quoted := make([]string, len(cols))
	exprs := make([]string, len(cols))
	var sets []string
	for i := range cols {
		quoted[i] = b.Quote(cols[i].Name)
		exprs[i] = writeExpr(&cols[i], b.Placeholder(i+1))
		if cols[i].Name != pk {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoted[i], quoted[i]))
		}
	}
	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		b.TableIdent(ds.Name),
		strings.Join(quoted, ", "),
		strings.Join(exprs, ", "),
		b.Quote(pk),
		strings.Join(sets, ", "))

	for _, f := range features {
		args := make([]any, len(cols))
		for i := range cols {
			args[i] = f.Row[cols[i].Name]
		}
		if _, err := sess.Exec(q, args...); err != nil {
			return fmt.Errorf("write feature %s:%s: %w", ds.Name, f.PK, err)
		}
	}
	return nil
}

// DeleteFeatures implements workingcopy.Backend.
func (b *Backend) DeleteFeatures(sess *workingcopy.Session, ds *schema.Dataset, pks []string) error {
	if len(pks) == 0 {
		return nil
	}
	pk, err := ds.PrimaryKey()
	if err != nil {
		return fmt.Errorf("%w: %v", workingcopy.ErrBackendIncompatible, err)
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s::TEXT = ANY($1)",
		b.TableIdent(ds.Name), b.Quote(pk))
	if _, err := sess.Exec(q, pks); err != nil {
		return fmt.Errorf("delete features from %q: %w", ds.Name, err)
	}
	return nil
}

// ReadFeature implements workingcopy.Backend.
func (b *Backend) ReadFeature(sess *workingcopy.Session, ds *schema.Dataset, pk string) (vstore.Row, bool, error) {
	pkCol, err := ds.PrimaryKey()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", workingcopy.ErrBackendIncompatible, err)
	}
	exprs := make([]string, len(ds.Schema.Columns))
	for i := range ds.Schema.Columns {
		exprs[i] = b.readExpr(&ds.Schema.Columns[i])
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(exprs, ", "),
		b.TableIdent(ds.Name),
		b.pkPredicate(pkCol, "$1"))

	rows, err := sess.Query(q, pk)
	if err != nil {
		return nil, false, fmt.Errorf("read feature %s:%s: %w", ds.Name, pk, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, false, fmt.Errorf("read feature %s:%s: %w", ds.Name, pk, err)
		}
		return nil, false, nil
	}

	names := ds.Schema.ColumnNames()
	vals := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, fmt.Errorf("read feature %s:%s: %w", ds.Name, pk, err)
	}
	row := make(vstore.Row, len(names))
	for i, name := range names {
		if v, ok := vals[i].([]byte); ok {
			row[name] = append([]byte(nil), v...)
		} else {
			row[name] = vals[i]
		}
	}
	return row, true, nil
}

// ReadPKs implements workingcopy.Backend.
func (b *Backend) ReadPKs(sess *workingcopy.Session, ds *schema.Dataset) ([]string, error) {
	pkCol, err := ds.PrimaryKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workingcopy.ErrBackendIncompatible, err)
	}
	rows, err := sess.Query(fmt.Sprintf("SELECT %s::TEXT FROM %s",
		b.Quote(pkCol), b.TableIdent(ds.Name)))
	if err != nil {
		return nil, fmt.Errorf("read keys of %q: %w", ds.Name, err)
	}
	defer rows.Close()

	var pks []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("read keys of %q: %w", ds.Name, err)
		}
		pks = append(pks, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read keys of %q: %w", ds.Name, err)
	}
	return pks, nil
}

// GeometryExtent implements workingcopy.Backend via the ST_Extent
// aggregate.
func (b *Backend) GeometryExtent(sess *workingcopy.Session, ds *schema.Dataset) (orb.Bound, bool, error) {
	geomCol := ds.GeometryColumnName()
	if geomCol == "" {
		return orb.Bound{}, false, nil
	}
	q := fmt.Sprintf(
		`SELECT ST_XMin(e), ST_YMin(e), ST_XMax(e), ST_YMax(e)
		 FROM (SELECT ST_Extent(%s) AS e FROM %s) s`,
		b.Quote(geomCol), b.TableIdent(ds.Name))

	var minX, minY, maxX, maxY *float64
	if err := sess.QueryRow(q).Scan(&minX, &minY, &maxX, &maxY); err != nil {
		return orb.Bound{}, false, fmt.Errorf("extent of %q: %w", ds.Name, err)
	}
	if minX == nil {
		return orb.Bound{}, false, nil
	}
	return orb.Bound{
		Min: orb.Point{*minX, *minY},
		Max: orb.Point{*maxX, *maxY},
	}, true, nil
}

// CreateSpatialIndexPostLoad implements workingcopy.Backend with a GIST
// index. GIST needs no bounding box, so building it after the bulk load
// is purely a speed matter: indexing row by row during the load is much
// slower than one build over the finished table.
func (b *Backend) CreateSpatialIndexPostLoad(sess *workingcopy.Session, ds *schema.Dataset) error {
	geomCol := ds.GeometryColumnName()
	if geomCol == "" {
		return nil
	}
	q := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (%s)`,
		b.Quote(ds.Name+"__kart_gix"), b.TableIdent(ds.Name), b.Quote(geomCol))
	if _, err := sess.Exec(q); err != nil {
		return fmt.Errorf("create spatial index for %q: %w", ds.Name, err)
	}
	return nil
}
