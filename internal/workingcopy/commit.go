package workingcopy

import (
	"context"
	"fmt"
	"sort"

	"github.com/hamishcampbell/kart/internal/vstore"
)

// CommitOptions configures Commit.
type CommitOptions struct {
	// Scope restricts the commit to an explicit subset of pending
	// primary keys. nil commits all pending changes. Scoped commits
	// carry feature changes only; meta changes are committed by
	// unscoped commits.
	Scope *Scope

	// AllowEmpty permits a commit with no pending changes. The commit
	// succeeds and advances no feature state.
	AllowEmpty bool
}

// Commit reconciles pending working-copy edits into the version store.
//
// The sequence is deliberately staged: everything up to the version-store
// write is read-only, so failure before it leaves no side effects; the
// write itself is the durability boundary; only after it lands are the
// state table advanced and exactly the committed tracking rows cleared,
// so a partial commit leaves the remaining pending keys diffable.
func (wc *WorkingCopy) Commit(ctx context.Context, message string, opts CommitOptions) (string, error) {
	if err := wc.ensureInitialised(ctx); err != nil {
		return "", err
	}

	var (
		base     string
		diff     *Diff
		covered  map[string][]string
		datasets []string
	)
	err := wc.backend.WithSession(ctx, func(sess *Session) error {
		trees, err := wc.backend.AllTrees(sess)
		if err != nil {
			return err
		}
		var haveDatasets bool
		base, haveDatasets, err = uniformTree(trees)
		if err != nil {
			return err
		}
		if !haveDatasets {
			if opts.AllowEmpty {
				base, err = wc.store.CurrentTree(ctx, wc.branch)
				return err
			}
			return ErrNoChanges
		}
		for name := range trees {
			datasets = append(datasets, name)
		}
		sort.Strings(datasets)

		if opts.Scope != nil {
			tracked := map[string][]string{}
			for _, name := range opts.Scope.Datasets() {
				if _, ok := trees[name]; !ok {
					return fmt.Errorf("%w: unknown dataset %q", ErrScopeNotFound, name)
				}
				pks, err := wc.backend.TrackedKeys(sess, name)
				if err != nil {
					return err
				}
				tracked[name] = pks
			}
			if err := opts.Scope.Validate(tracked); err != nil {
				return err
			}
		}

		diff, covered, err = wc.diffLocked(sess, trees, opts.Scope)
		return err
	})
	if err != nil {
		return "", err
	}

	if diff != nil && diff.Empty() && !opts.AllowEmpty {
		return "", ErrNoChanges
	}

	delta := wc.buildDelta(diff, opts.Scope)
	newTree, err := wc.store.WriteDelta(ctx, wc.branch, base, delta, message)
	if err != nil {
		// The version-store write failed or conflicted: leave state and
		// tracking untouched so nothing is lost.
		return "", fmt.Errorf("commit %q: %w", message, err)
	}
	wc.logger.Printf("Committed %q: tree %s", message, newTree)

	err = wc.backend.WithSession(ctx, func(sess *Session) error {
		for _, name := range datasets {
			if err := wc.backend.SetTree(sess, name, newTree); err != nil {
				return err
			}
			// Clear only the keys the diff saw. An edit landing between
			// the diff session and this one keeps its tracking row and
			// stays pending.
			if pks := covered[name]; len(pks) > 0 {
				if err := wc.backend.ClearTracking(sess, name, pks); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("advance state after commit: %w", err)
	}
	return newTree, nil
}

// buildDelta flattens a Diff into the version-store delta. Scoped commits
// drop meta changes: a DATASET:PK scope names features, and rewriting the
// schema underneath uncommitted feature edits would be surprising.
func (wc *WorkingCopy) buildDelta(diff *Diff, scope *Scope) *vstore.Delta {
	delta := &vstore.Delta{}
	if diff == nil {
		return delta
	}
	for _, name := range sortedKeys(diff.Datasets) {
		dd := diff.Datasets[name]
		if scope == nil {
			delta.Meta = append(delta.Meta, dd.Meta...)
		}
		delta.Features = append(delta.Features, dd.Features...)
	}
	return delta
}

func sortedKeys(m map[string]*DatasetDiff) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
