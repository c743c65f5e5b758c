package workingcopy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/vstore"
)

// DatasetDiff is one dataset's pending changes: meta items that differ
// between the version store and the live table, and feature changes
// derived from the tracking table.
type DatasetDiff struct {
	Meta     []vstore.MetaDelta
	Features []vstore.FeatureDelta
}

// Counts summarises a dataset's feature changes.
type Counts struct {
	Inserts int
	Updates int
	Deletes int
}

// Counts tallies the feature deltas by kind.
func (dd *DatasetDiff) Counts() Counts {
	var c Counts
	for _, f := range dd.Features {
		switch {
		case f.Old == nil:
			c.Inserts++
		case f.New == nil:
			c.Deletes++
		default:
			c.Updates++
		}
	}
	return c
}

// Empty reports whether the dataset has no pending changes.
func (dd *DatasetDiff) Empty() bool {
	return len(dd.Meta) == 0 && len(dd.Features) == 0
}

// Diff is the full set of pending changes across datasets.
type Diff struct {
	Datasets map[string]*DatasetDiff
}

// Empty reports whether no dataset has pending changes.
func (d *Diff) Empty() bool {
	for _, dd := range d.Datasets {
		if !dd.Empty() {
			return false
		}
	}
	return true
}

// DatasetNames returns the names of datasets with pending changes,
// sorted.
func (d *Diff) DatasetNames() []string {
	var names []string
	for name, dd := range d.Datasets {
		if !dd.Empty() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// metaDiff compares a dataset's meta items in the version store against
// the live table, suppressing known-lossy round-trip differences.
//
// Backend-unsupported items and CRS definitions are removed from the
// store side rather than reported as always-different; per-column
// alignment repairs type approximations before schemas are compared.
func (wc *WorkingCopy) metaDiff(sess *Session, name, tree string) ([]vstore.MetaDelta, error) {
	dsItems, err := wc.store.MetaItems(sess.Context(), tree, name)
	if err != nil {
		return nil, fmt.Errorf("meta diff %q: %w", name, err)
	}
	dsSchemaText, ok := dsItems[vstore.SchemaItem]
	if !ok {
		return nil, fmt.Errorf("meta diff %q: dataset has no schema at tree %s", name, tree)
	}
	dsSchema, err := schema.ParseText(dsSchemaText)
	if err != nil {
		return nil, fmt.Errorf("meta diff %q: %w", name, err)
	}

	salt := schema.IntrospectionSalt(wc.backend.Container(), name, tree)
	liveSchema, err := wc.backend.TableSchema(sess, name, salt)
	if err != nil {
		return nil, fmt.Errorf("meta diff %q: %w", name, err)
	}
	aligned := AlignSchema(wc.backend, dsSchema, liveSchema)
	alignedText, err := aligned.MarshalText()
	if err != nil {
		return nil, fmt.Errorf("meta diff %q: %w", name, err)
	}

	// Hide what this backend cannot store, and CRS definitions
	// (diffing CRS is not supported).
	for _, item := range wc.backend.UnsupportedMetaItems() {
		delete(dsItems, item)
	}
	for item := range dsItems {
		if strings.HasPrefix(item, "crs/") {
			delete(dsItems, item)
		}
	}

	// Canonicalise the store-side schema text so formatting differences
	// don't show up as changes.
	dsCanonical, err := dsSchema.MarshalText()
	if err != nil {
		return nil, fmt.Errorf("meta diff %q: %w", name, err)
	}
	dsItems[vstore.SchemaItem] = dsCanonical

	wcItems := map[string]string{vstore.SchemaItem: alignedText}

	var deltas []vstore.MetaDelta
	items := make([]string, 0, len(dsItems)+len(wcItems))
	seen := map[string]bool{}
	for item := range dsItems {
		items = append(items, item)
		seen[item] = true
	}
	for item := range wcItems {
		if !seen[item] {
			items = append(items, item)
		}
	}
	sort.Strings(items)
	for _, item := range items {
		if dsItems[item] != wcItems[item] {
			deltas = append(deltas, vstore.MetaDelta{
				Dataset: name,
				Item:    item,
				Old:     dsItems[item],
				New:     wcItems[item],
			})
		}
	}
	return deltas, nil
}

// AlignSchema matches live (introspected) columns against their
// version-store counterparts by name: matched columns recover the store's
// column IDs, and TryAlignColumn repairs divergences known to be lossy
// round-trips through the backend. Unmatched live columns keep their
// salted deterministic IDs.
func AlignSchema(b Backend, old, live *schema.Schema) *schema.Schema {
	aligned := live.Clone()
	for i := range aligned.Columns {
		newCol := &aligned.Columns[i]
		oldCol := old.ColumnByName(newCol.Name)
		if oldCol == nil {
			continue
		}
		newCol.ID = oldCol.ID
		b.TryAlignColumn(oldCol, newCol)
	}
	return aligned
}

// featureDiff reads the tracking table for the dataset (restricted to
// scope when given) and classifies each pending key as insert, update, or
// delete by comparing the live row with the last-synchronised row.
// Keys whose before/after content is identical produce no delta but are
// still reported in covered, making them eligible for tracking cleanup
// when that key is committed.
func (wc *WorkingCopy) featureDiff(sess *Session, ds *schema.Dataset, tree string, scope *Scope) (deltas []vstore.FeatureDelta, covered []string, err error) {
	tracked, err := wc.backend.TrackedKeys(sess, ds.Name)
	if err != nil {
		return nil, nil, err
	}
	pks := scope.Filter(ds.Name, tracked)

	for _, pk := range pks {
		live, haveLive, err := wc.backend.ReadFeature(sess, ds, pk)
		if err != nil {
			return nil, nil, fmt.Errorf("read live feature %s:%s: %w", ds.Name, pk, err)
		}
		old, haveOld, err := wc.store.TreeFeature(sess.Context(), tree, ds.Name, pk)
		if err != nil {
			return nil, nil, fmt.Errorf("read committed feature %s:%s: %w", ds.Name, pk, err)
		}
		if !haveLive && !haveOld {
			// Inserted then deleted before any commit; nothing to report
			// but the tracking row is still committable.
			covered = append(covered, pk)
			continue
		}

		var oldRow, liveRow vstore.Row
		if haveOld {
			oldRow = NormalizeRow(ds.Schema, old)
		}
		if haveLive {
			liveRow = NormalizeRow(ds.Schema, live)
		}
		covered = append(covered, pk)
		if haveLive && haveOld && RowsEqual(oldRow, liveRow) {
			continue
		}
		deltas = append(deltas, vstore.FeatureDelta{
			Dataset: ds.Name,
			PK:      pk,
			Old:     oldRow,
			New:     liveRow,
		})
	}
	return deltas, covered, nil
}

// diffLocked materialises the full diff for the working copy inside an
// open session. trees is the state table's dataset→tree map; scope
// restricts the feature diff when non-nil.
func (wc *WorkingCopy) diffLocked(sess *Session, trees map[string]string, scope *Scope) (*Diff, map[string][]string, error) {
	diff := &Diff{Datasets: map[string]*DatasetDiff{}}
	coveredByDataset := map[string][]string{}

	names := make([]string, 0, len(trees))
	for name := range trees {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tree := trees[name]
		dsSchema, err := wc.store.TreeSchema(sess.Context(), tree, name)
		if err != nil {
			return nil, nil, fmt.Errorf("diff %q: %w", name, err)
		}
		ds := &schema.Dataset{Name: name, Schema: dsSchema}

		meta, err := wc.metaDiff(sess, name, tree)
		if err != nil {
			return nil, nil, err
		}
		features, covered, err := wc.featureDiff(sess, ds, tree, scope)
		if err != nil {
			return nil, nil, err
		}
		diff.Datasets[name] = &DatasetDiff{Meta: meta, Features: features}
		coveredByDataset[name] = covered
	}
	return diff, coveredByDataset, nil
}
