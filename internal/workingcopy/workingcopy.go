package workingcopy

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/hamishcampbell/kart/internal/vstore"
)

// WorkingCopy binds a database backend to a version store and exposes the
// engine operations: Status, Diff, Commit, Reset.
//
// A single logical writer per working copy is assumed; the engine relies
// on the database's own transaction isolation for statement atomicity and
// does not implement multi-writer locking.
type WorkingCopy struct {
	backend Backend
	store   vstore.Store
	branch  string
	logger  *log.Logger
}

// Option configures a WorkingCopy.
type Option func(*WorkingCopy)

// WithLogger sets the engine logger. Defaults to stderr.
func WithLogger(logger *log.Logger) Option {
	return func(wc *WorkingCopy) { wc.logger = logger }
}

// WithBranch sets the version-store branch the working copy follows.
func WithBranch(branch string) Option {
	return func(wc *WorkingCopy) { wc.branch = branch }
}

// New binds an already-constructed backend to a version store.
func New(backend Backend, store vstore.Store, opts ...Option) *WorkingCopy {
	wc := &WorkingCopy{
		backend: backend,
		store:   store,
		branch:  vstore.DefaultBranch,
		logger:  log.New(os.Stderr, "[wc] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(wc)
	}
	return wc
}

// Open constructs the backend for uri via the registry and binds it to
// the version store. Backend subpackages must be imported (usually with a
// blank import) so their schemes are registered.
func Open(uri string, store vstore.Store, opts ...Option) (*WorkingCopy, error) {
	backend, err := NewBackend(uri)
	if err != nil {
		return nil, err
	}
	return New(backend, store, opts...), nil
}

// Backend returns the underlying backend.
func (wc *WorkingCopy) Backend() Backend { return wc.backend }

// Close releases the backend's database resources.
func (wc *WorkingCopy) Close() error { return wc.backend.Close() }

// Create provisions the working copy's container and control tables.
// Idempotent.
func (wc *WorkingCopy) Create(ctx context.Context) error {
	return wc.backend.CreateAndInitialise(ctx)
}

// ensureInitialised fails with ErrNotInitialised unless the container
// exists and holds the control tables. A container with tables but no
// control tables is uninitialised, not corrupted.
func (wc *WorkingCopy) ensureInitialised(ctx context.Context) error {
	ok, err := wc.backend.IsInitialised(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInitialised, wc.backend.URI())
	}
	return nil
}

// Tree returns the single tree every dataset is synchronised to, or an
// error if datasets have diverged (which only happens if state rows are
// edited by hand). ok is false for a working copy with no datasets.
func (wc *WorkingCopy) Tree(ctx context.Context) (tree string, ok bool, err error) {
	err = wc.backend.WithSession(ctx, func(sess *Session) error {
		trees, err := wc.backend.AllTrees(sess)
		if err != nil {
			return err
		}
		tree, ok, err = uniformTree(trees)
		return err
	})
	return tree, ok, err
}

func uniformTree(trees map[string]string) (string, bool, error) {
	var tree string
	for name, t := range trees {
		if tree == "" {
			tree = t
		} else if tree != t {
			return "", false, fmt.Errorf("working copy datasets are at mixed trees (%q at %s)", name, t)
		}
	}
	return tree, tree != "", nil
}

// Diff computes the pending schema and feature changes between the live
// tables and each dataset's last-synchronised tree. Read-only. A non-nil
// scope restricts the feature diff to the named primary keys.
func (wc *WorkingCopy) Diff(ctx context.Context, scope *Scope) (*Diff, error) {
	if err := wc.ensureInitialised(ctx); err != nil {
		return nil, err
	}
	var diff *Diff
	err := wc.backend.WithSession(ctx, func(sess *Session) error {
		trees, err := wc.backend.AllTrees(sess)
		if err != nil {
			return err
		}
		diff, _, err = wc.diffLocked(sess, trees, scope)
		return err
	})
	if err != nil {
		return nil, err
	}
	return diff, nil
}

// Status summarises the working copy: the synchronised tree, meta
// changes, and per-dataset feature change counts.
type Status struct {
	Tree     string
	Meta     map[string][]vstore.MetaDelta
	Features map[string]Counts
}

// HasChanges reports whether anything is pending.
func (s *Status) HasChanges() bool {
	if len(s.Meta) > 0 {
		return true
	}
	for _, c := range s.Features {
		if c.Inserts+c.Updates+c.Deletes > 0 {
			return true
		}
	}
	return false
}

// Status computes the working copy's status. Read-only.
func (wc *WorkingCopy) Status(ctx context.Context) (*Status, error) {
	diff, err := wc.Diff(ctx, nil)
	if err != nil {
		return nil, err
	}
	tree, _, err := wc.Tree(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Tree:     tree,
		Meta:     map[string][]vstore.MetaDelta{},
		Features: map[string]Counts{},
	}
	for name, dd := range diff.Datasets {
		if len(dd.Meta) > 0 {
			st.Meta[name] = dd.Meta
		}
		if c := dd.Counts(); c.Inserts+c.Updates+c.Deletes > 0 {
			st.Features[name] = c
		}
	}
	return st, nil
}
