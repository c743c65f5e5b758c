package vstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/hamishcampbell/kart/internal/schema"
)

// DefaultBranch is the branch used when callers pass "".
const DefaultBranch = "main"

// Memory is an in-memory Store. It retains every tree ever written and a
// single tip per branch. Safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	trees    map[string]*treeContent
	branches map[string]string
}

// NewMemory returns an empty Memory store whose branch tips point at the
// empty tree.
func NewMemory() *Memory {
	empty := emptyTree()
	return &Memory{
		trees:    map[string]*treeContent{empty.id(): empty},
		branches: map[string]string{},
	}
}

func (m *Memory) tree(tree string) (*treeContent, error) {
	t, ok := m.trees[tree]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTree, tree)
	}
	return t, nil
}

// Datasets implements Store.
func (m *Memory) Datasets(_ context.Context, tree string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.tree(tree)
	if err != nil {
		return nil, err
	}
	return t.datasetNames(), nil
}

// TreeSchema implements Store.
func (m *Memory) TreeSchema(_ context.Context, tree, dataset string) (*schema.Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.tree(tree)
	if err != nil {
		return nil, err
	}
	return t.schemaOf(dataset)
}

// MetaItems implements Store.
func (m *Memory) MetaItems(_ context.Context, tree, dataset string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.tree(tree)
	if err != nil {
		return nil, err
	}
	ds := t.Datasets[dataset]
	if ds == nil {
		return nil, fmt.Errorf("dataset %q not in tree %s", dataset, tree)
	}
	items := make(map[string]string, len(ds.Meta))
	for k, v := range ds.Meta {
		items[k] = v
	}
	return items, nil
}

// TreeFeatures implements Store.
func (m *Memory) TreeFeatures(_ context.Context, tree, dataset string, fn func(pk string, row Row) error) error {
	m.mu.RLock()
	t, err := m.tree(tree)
	if err != nil {
		m.mu.RUnlock()
		return err
	}
	ds := t.Datasets[dataset]
	if ds == nil {
		m.mu.RUnlock()
		return fmt.Errorf("dataset %q not in tree %s", dataset, tree)
	}
	// Copy under lock so fn runs unlocked.
	features := make([]Feature, 0, len(ds.Features))
	for pk, row := range ds.Features {
		features = append(features, Feature{PK: pk, Row: row})
	}
	m.mu.RUnlock()

	for _, f := range features {
		if err := fn(f.PK, f.Row); err != nil {
			return err
		}
	}
	return nil
}

// TreeFeature implements Store.
func (m *Memory) TreeFeature(_ context.Context, tree, dataset, pk string) (Row, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.tree(tree)
	if err != nil {
		return nil, false, err
	}
	ds := t.Datasets[dataset]
	if ds == nil {
		return nil, false, fmt.Errorf("dataset %q not in tree %s", dataset, tree)
	}
	row, ok := ds.Features[pk]
	return row, ok, nil
}

// WriteDelta implements Store.
func (m *Memory) WriteDelta(_ context.Context, branch, base string, delta *Delta, message string) (string, error) {
	if delta.Empty() {
		return base, nil
	}
	if branch == "" {
		branch = DefaultBranch
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tip := m.tipLocked(branch)
	if base != tip {
		return "", fmt.Errorf("%w: base %s, tip %s", ErrConflict, base, tip)
	}
	baseTree, err := m.tree(base)
	if err != nil {
		return "", err
	}
	next, err := baseTree.apply(delta)
	if err != nil {
		return "", fmt.Errorf("write delta %q: %w", message, err)
	}
	id := next.id()
	m.trees[id] = next
	m.branches[branch] = id
	return id, nil
}

// CurrentTree implements Store.
func (m *Memory) CurrentTree(_ context.Context, branch string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tipLocked(branch), nil
}

func (m *Memory) tipLocked(branch string) string {
	if branch == "" {
		branch = DefaultBranch
	}
	if tip, ok := m.branches[branch]; ok {
		return tip
	}
	return emptyTree().id()
}
