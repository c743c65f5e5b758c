package sqlite

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/vstore"
	"github.com/hamishcampbell/kart/internal/workingcopy"
)

// WriteFeatures implements workingcopy.Backend: one atomic upsert per
// row, keyed on the primary key, overwriting all non-key columns.
func (b *Backend) WriteFeatures(sess *workingcopy.Session, ds *schema.Dataset, features []vstore.Feature) error {
	if len(features) == 0 {
		return nil
	}
	pk, err := ds.PrimaryKey()
	if err != nil {
		return fmt.Errorf("%w: %v", workingcopy.ErrBackendIncompatible, err)
	}
	cols := ds.Schema.ColumnNames()
	q := b.UpsertSQL(ds.Name, cols, []string{pk})

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
		q := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
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
	cols := ds.Schema.ColumnNames()
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(workingcopy.QuoteAll(b, cols), ", "),
		b.TableIdent(ds.Name), b.Quote(pkCol))

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
	row, err := scanRow(rows.Scan, cols)
	if err != nil {
		return nil, false, fmt.Errorf("read feature %s:%s: %w", ds.Name, pk, err)
	}
	return row, true, nil
}

// ReadPKs implements workingcopy.Backend, returning every live primary
// key in canonical string form.
func (b *Backend) ReadPKs(sess *workingcopy.Session, ds *schema.Dataset) ([]string, error) {
	pkCol, err := ds.PrimaryKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workingcopy.ErrBackendIncompatible, err)
	}
	rows, err := sess.Query(fmt.Sprintf("SELECT %s FROM %s", b.Quote(pkCol), b.TableIdent(ds.Name)))
	if err != nil {
		return nil, fmt.Errorf("read keys of %q: %w", ds.Name, err)
	}
	defer rows.Close()

	var pks []string
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("read keys of %q: %w", ds.Name, err)
		}
		pks = append(pks, vstore.PKString(v))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read keys of %q: %w", ds.Name, err)
	}
	return pks, nil
}

// scanRow scans the current result row into a Row, copying byte slices
// out of driver-owned buffers.
func scanRow(scan func(...any) error, cols []string) (vstore.Row, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(vstore.Row, len(cols))
	for i, name := range cols {
		if v, ok := vals[i].([]byte); ok {
			row[name] = append([]byte(nil), v...)
		} else {
			row[name] = vals[i]
		}
	}
	return row, nil
}

// GeometryExtent implements workingcopy.Backend. SQLite has no native
// envelope aggregate, so the extent is the union of per-row WKB bounds.
func (b *Backend) GeometryExtent(sess *workingcopy.Session, ds *schema.Dataset) (orb.Bound, bool, error) {
	geomCol := ds.GeometryColumnName()
	if geomCol == "" {
		return orb.Bound{}, false, nil
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL",
		b.Quote(geomCol), b.TableIdent(ds.Name), b.Quote(geomCol))
	rows, err := sess.Query(q)
	if err != nil {
		return orb.Bound{}, false, fmt.Errorf("extent of %q: %w", ds.Name, err)
	}
	defer rows.Close()

	var (
		bound orb.Bound
		seen  bool
	)
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return orb.Bound{}, false, fmt.Errorf("extent of %q: %w", ds.Name, err)
		}
		geom, err := wkb.Unmarshal(blob)
		if err != nil {
			return orb.Bound{}, false, fmt.Errorf("extent of %q: decode geometry: %w", ds.Name, err)
		}
		gb := geom.Bound()
		if !seen {
			bound = gb
			seen = true
		} else {
			bound = bound.Union(gb)
		}
	}
	if err := rows.Err(); err != nil {
		return orb.Bound{}, false, fmt.Errorf("extent of %q: %w", ds.Name, err)
	}
	return bound, seen, nil
}

// CreateSpatialIndexPostLoad implements workingcopy.Backend: builds an
// R*Tree over the dataset's geometry bounds. Deferred to after the bulk
// load because an index over an empty table is useless and the extent is
// only knowable once data exists; a no-op when there is no extent.
//
// The index is a checkout-time snapshot: the tracking triggers do not
// maintain it, so it goes stale as the table is edited and is rebuilt
// from scratch on the next reset.
func (b *Backend) CreateSpatialIndexPostLoad(sess *workingcopy.Session, ds *schema.Dataset) error {
	if _, ok, err := b.GeometryExtent(sess, ds); err != nil {
		return err
	} else if !ok {
		return nil
	}

	pkCol, err := ds.PrimaryKey()
	if err != nil {
		return fmt.Errorf("%w: %v", workingcopy.ErrBackendIncompatible, err)
	}
	// The rtree rowid is an integer; datasets keyed on anything else
	// go unindexed rather than failing the checkout.
	if c := ds.Schema.ColumnByName(pkCol); c == nil || c.DataType != schema.Integer {
		return nil
	}
	geomCol := ds.GeometryColumnName()
	idx := b.Quote(ds.Name + "__kart_rtree")

	// Rebuild rather than top up: a previous checkout's index may hold
	// entries for rows that no longer exist.
	if _, err := sess.Exec("DROP TABLE IF EXISTS " + idx); err != nil {
		return fmt.Errorf("create spatial index for %q: %w", ds.Name, err)
	}
	q := fmt.Sprintf(
		"CREATE VIRTUAL TABLE %s USING rtree(id, minx, maxx, miny, maxy)", idx)
	if _, err := sess.Exec(q); err != nil {
		return fmt.Errorf("create spatial index for %q: %w", ds.Name, err)
	}

	rows, err := sess.Query(fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IS NOT NULL",
		b.Quote(pkCol), b.Quote(geomCol), b.TableIdent(ds.Name), b.Quote(geomCol)))
	if err != nil {
		return fmt.Errorf("create spatial index for %q: %w", ds.Name, err)
	}
	defer rows.Close()

	type entry struct {
		id    int64
		bound orb.Bound
	}
	var entries []entry
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("create spatial index for %q: %w", ds.Name, err)
		}
		geom, err := wkb.Unmarshal(blob)
		if err != nil {
			return fmt.Errorf("create spatial index for %q: decode geometry: %w", ds.Name, err)
		}
		entries = append(entries, entry{id: id, bound: geom.Bound()})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("create spatial index for %q: %w", ds.Name, err)
	}

	ins := fmt.Sprintf("INSERT OR REPLACE INTO %s (id, minx, maxx, miny, maxy) VALUES (?, ?, ?, ?, ?)", idx)
	for _, e := range entries {
		if _, err := sess.Exec(ins, e.id, e.bound.Min[0], e.bound.Max[0], e.bound.Min[1], e.bound.Max[1]); err != nil {
			return fmt.Errorf("create spatial index for %q: %w", ds.Name, err)
		}
	}
	return nil
}
