package workingcopy

import (
	"context"
	"fmt"

	"github.com/hamishcampbell/kart/internal/schema"
	"github.com/hamishcampbell/kart/internal/vstore"
)

// featureBatch is the number of features written per statement batch
// during bulk loads.
const featureBatch = 100

// Reset re-synchronises the live tables to match the given tree (or the
// branch tip when tree is ""), discarding pending edits. It is used for
// the initial checkout and to recover after a write conflict.
//
// Datasets whose live table already matches the target schema are
// updated in place with tracking suspended; any schema difference causes
// a drop-and-rewrite of the table (conservative, always safe). Spatial
// indexes are created after the bulk load, once the extent is knowable.
func (wc *WorkingCopy) Reset(ctx context.Context, tree string) error {
	if err := wc.ensureInitialised(ctx); err != nil {
		return err
	}
	if tree == "" {
		tip, err := wc.store.CurrentTree(ctx, wc.branch)
		if err != nil {
			return err
		}
		tree = tip
	}

	datasets, err := wc.store.Datasets(ctx, tree)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	// Validate representability before touching anything.
	targets := make([]*schema.Dataset, 0, len(datasets))
	for _, name := range datasets {
		dsSchema, err := wc.store.TreeSchema(ctx, tree, name)
		if err != nil {
			return fmt.Errorf("reset %q: %w", name, err)
		}
		ds := &schema.Dataset{Name: name, Schema: dsSchema}
		if _, err := ds.PrimaryKey(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendIncompatible, err)
		}
		targets = append(targets, ds)
	}

	return wc.backend.WithSession(ctx, func(sess *Session) error {
		present := map[string]bool{}
		for _, ds := range targets {
			present[ds.Name] = true
			if err := wc.resetDataset(sess, ds, tree); err != nil {
				return err
			}
		}

		// Datasets tracked in the state table but absent from the target
		// tree are removed outright.
		trees, err := wc.backend.AllTrees(sess)
		if err != nil {
			return err
		}
		for name := range trees {
			if present[name] {
				continue
			}
			if err := wc.removeDataset(sess, name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (wc *WorkingCopy) resetDataset(sess *Session, ds *schema.Dataset, tree string) error {
	exists, err := wc.backend.TableExists(sess, ds.Name)
	if err != nil {
		return err
	}

	inPlace := false
	if exists {
		lastTree, _, err := wc.backend.GetTree(sess, ds.Name)
		if err != nil {
			return err
		}
		salt := schema.IntrospectionSalt(wc.backend.Container(), ds.Name, lastTree)
		liveSchema, err := wc.backend.TableSchema(sess, ds.Name, salt)
		if err != nil {
			return err
		}
		aligned := AlignSchema(wc.backend, ds.Schema, liveSchema)
		inPlace = aligned.Equal(ds.Schema)
	}

	if inPlace {
		if err := wc.rewriteInPlace(sess, ds, tree); err != nil {
			return err
		}
	} else {
		if err := wc.rewriteFromScratch(sess, ds, exists, tree); err != nil {
			return err
		}
	}

	if err := wc.backend.SetTree(sess, ds.Name, tree); err != nil {
		return err
	}
	return wc.backend.ClearTracking(sess, ds.Name, nil)
}

// rewriteInPlace upserts every feature of the target tree over the live
// table and deletes live rows absent from it. The bulk write runs with
// tracking suspended so the engine's own writes don't track themselves;
// tracking resumes even if the write fails.
func (wc *WorkingCopy) rewriteInPlace(sess *Session, ds *schema.Dataset, tree string) error {
	wc.logger.Printf("Resetting %q in place to tree %s", ds.Name, tree)
	return SuspendedTracking(sess, wc.backend, ds, func() error {
		inTree := map[string]bool{}
		if err := wc.bulkLoad(sess, ds, tree, func(pk string) { inTree[pk] = true }); err != nil {
			return err
		}

		livePKs, err := wc.backend.ReadPKs(sess, ds)
		if err != nil {
			return err
		}
		var stale []string
		for _, pk := range livePKs {
			if !inTree[pk] {
				stale = append(stale, pk)
			}
		}
		if len(stale) > 0 {
			if err := wc.backend.DeleteFeatures(sess, ds, stale); err != nil {
				return err
			}
		}
		return nil
	})
}

// rewriteFromScratch drops and recreates the dataset table, bulk-loads
// the tree's features before any triggers exist, then installs triggers
// and the deferred spatial index.
func (wc *WorkingCopy) rewriteFromScratch(sess *Session, ds *schema.Dataset, exists bool, tree string) error {
	wc.logger.Printf("Rewriting %q from tree %s", ds.Name, tree)
	if exists {
		if err := wc.backend.DropTriggers(sess, ds); err != nil {
			return err
		}
		if err := wc.backend.DropTable(sess, ds); err != nil {
			return err
		}
	}
	if err := wc.backend.CreateTable(sess, ds); err != nil {
		return err
	}
	if err := wc.bulkLoad(sess, ds, tree, nil); err != nil {
		return err
	}
	if err := wc.backend.CreateTriggers(sess, ds); err != nil {
		return err
	}
	if ds.GeometryColumnName() != "" {
		if err := wc.backend.CreateSpatialIndexPostLoad(sess, ds); err != nil {
			return err
		}
	}
	return nil
}

// bulkLoad streams the tree's features into the live table in batches.
func (wc *WorkingCopy) bulkLoad(sess *Session, ds *schema.Dataset, tree string, seen func(pk string)) error {
	batch := make([]vstore.Feature, 0, featureBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := wc.backend.WriteFeatures(sess, ds, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}
	err := wc.store.TreeFeatures(sess.Context(), tree, ds.Name, func(pk string, row vstore.Row) error {
		if seen != nil {
			seen(pk)
		}
		batch = append(batch, vstore.Feature{PK: pk, Row: NormalizeRow(ds.Schema, row)})
		if len(batch) == featureBatch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load features for %q: %w", ds.Name, err)
	}
	return flush()
}

func (wc *WorkingCopy) removeDataset(sess *Session, name string) error {
	wc.logger.Printf("Removing dataset %q", name)
	// Enough schema to name the table; triggers and the table go together.
	ds := &schema.Dataset{Name: name, Schema: schema.NewSchema()}
	exists, err := wc.backend.TableExists(sess, name)
	if err != nil {
		return err
	}
	if exists {
		if err := wc.backend.DropTriggers(sess, ds); err != nil {
			return err
		}
		if err := wc.backend.DropTable(sess, ds); err != nil {
			return err
		}
	}
	if err := wc.backend.ClearTracking(sess, name, nil); err != nil {
		return err
	}
	return wc.backend.DeleteState(sess, name)
}
