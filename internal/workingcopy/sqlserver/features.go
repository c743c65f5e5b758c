package sqlserver

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/vstore"
	"github.com/hamishcampbell/kart/internal/workingcopy"
)

// writeExprs maps geometry columns to the conversion wrapping their bind
// placeholder; WKB bytes become geometry values with the schema's SRID.
func writeExprs(s *schema.Schema) map[string]string {
	exprs := map[string]string{}
	for i := range s.Columns {
		col := &s.Columns[i]
		if col.DataType == schema.Geometry {
			exprs[col.Name] = fmt.Sprintf("geometry::STGeomFromWKB(%%s, %d)", schema.CRSID(col.GeometryCRS))
		}
	}
	return exprs
}

// readExpr renders a column so it scans back in canonical form: geometry
// as WKB, temporal types as ISO-8601 text (CONVERT style 127 gives the
// "T" separator and "Z" designator).
func (b *Backend) readExpr(col *schema.Column) string {
	q := b.Quote(col.Name)
	switch col.DataType {
	case schema.Geometry:
		return fmt.Sprintf("%s.STAsBinary() AS %s", q, q)
	case schema.Timestamp:
		return fmt.Sprintf("CONVERT(NVARCHAR(50), %s, 127) AS %s", q, q)
	case schema.Date:
		return fmt.Sprintf("CONVERT(NVARCHAR(10), %s, 23) AS %s", q, q)
	case schema.Time:
		return fmt.Sprintf("CONVERT(NVARCHAR(8), %s, 8) AS %s", q, q)
	case schema.Numeric:
		return fmt.Sprintf("CONVERT(NVARCHAR(100), %s) AS %s", q, q)
	default:
		return q
	}
}

func (b *Backend) pkPredicate(pkCol, placeholder string) string {
	return fmt.Sprintf("CONVERT(NVARCHAR(400), %s) = %s", b.Quote(pkCol), placeholder)
}

// WriteFeatures implements workingcopy.Backend: one MERGE per row.
func (b *Backend) WriteFeatures(sess *workingcopy.Session, ds *schema.Dataset, features []vstore.Feature) error {
	if len(features) == 0 {
		return nil
	}
	pk, err := ds.PrimaryKey()
	if err != nil {
		return fmt.Errorf("%w: %v", workingcopy.ErrBackendIncompatible, err)
	}
	cols := ds.Schema.ColumnNames()
	q := CompileMerge(b, b.TableIdent(ds.Name), cols, []string{pk}, writeExprs(ds.Schema))

	for _, f := range features {
		args := make([]any, len(cols))
		for i, name := range cols {
			args[i] = f.Row[name]
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

	const batch = 200
	for len(pks) > 0 {
		n := len(pks)
		if n > batch {
			n = batch
		}
		chunk := pks[:n]
		pks = pks[n:]

		args := make([]any, n)
		for i, v := range chunk {
			args[i] = v
		}
		q := fmt.Sprintf("DELETE FROM %s WHERE CONVERT(NVARCHAR(400), %s) IN (%s)",
			b.TableIdent(ds.Name), b.Quote(pk),
			strings.Join(workingcopy.Placeholders(b, 1, n), ", "))
		if _, err := sess.Exec(q, args...); err != nil {
			return fmt.Errorf("delete features from %q: %w", ds.Name, err)
		}
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
		b.pkPredicate(pkCol, "@p1"))

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
	rows, err := sess.Query(fmt.Sprintf("SELECT CONVERT(NVARCHAR(400), %s) FROM %s",
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

// GeometryExtent implements workingcopy.Backend: the EnvelopeAggregate
// result comes back as WKB and its bound is computed client side.
func (b *Backend) GeometryExtent(sess *workingcopy.Session, ds *schema.Dataset) (orb.Bound, bool, error) {
	geomCol := ds.GeometryColumnName()
	if geomCol == "" {
		return orb.Bound{}, false, nil
	}
	q := fmt.Sprintf("SELECT geometry::EnvelopeAggregate(%s).STAsBinary() FROM %s",
		b.Quote(geomCol), b.TableIdent(ds.Name))

	var blob []byte
	if err := sess.QueryRow(q).Scan(&blob); err != nil {
		return orb.Bound{}, false, fmt.Errorf("extent of %q: %w", ds.Name, err)
	}
	if len(blob) == 0 {
		return orb.Bound{}, false, nil
	}
	geom, err := wkb.Unmarshal(blob)
	if err != nil {
		return orb.Bound{}, false, fmt.Errorf("extent of %q: decode envelope: %w", ds.Name, err)
	}
	return geom.Bound(), true, nil
}

// CreateSpatialIndexPostLoad implements workingcopy.Backend. SQL Server
// spatial indexes need an explicit bounding box, which is only knowable
// once the data is loaded; the extent is grown so nearby edits stay
// inside the indexed region.
func (b *Backend) CreateSpatialIndexPostLoad(sess *workingcopy.Session, ds *schema.Dataset) error {
	geomCol := ds.GeometryColumnName()
	if geomCol == "" {
		return nil
	}
	extent, ok, err := b.GeometryExtent(sess, ds)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	box := workingcopy.GrowBound(extent, workingcopy.IndexGrowFactor)

	q := fmt.Sprintf(
		"CREATE SPATIAL INDEX %s ON %s (%s) WITH (BOUNDING_BOX = (%g, %g, %g, %g))",
		b.Quote(ds.Name+"__kart_six"), b.TableIdent(ds.Name), b.Quote(geomCol),
		box.Min[0], box.Min[1], box.Max[0], box.Max[1])
	if _, err := sess.Exec(q); err != nil {
		return fmt.Errorf("create spatial index for %q: %w", ds.Name, err)
	}
	return nil
}
