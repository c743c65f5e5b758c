package vstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hamishcampbell/kart/internal/schema"
)

// FileStore is a Store persisted as JSON files:
//
//	<dir>/objects/<tree-id>.json   one file per tree
//	<dir>/refs/<branch>            branch tip, a bare tree ID
//
// It shares Memory's linear-branch semantics but survives process
// restarts, which is what the CLI needs. Concurrent use within one
// process is safe; multi-process locking is not attempted (single logical
// writer per working copy).
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// OpenFileStore opens (creating if needed) a file store rooted at dir.
func OpenFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{"objects", "refs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	fs := &FileStore{dir: dir}
	// Make sure the empty tree exists so fresh stores have a valid tip.
	empty := emptyTree()
	if _, err := os.Stat(fs.objectPath(empty.id())); os.IsNotExist(err) {
		if err := fs.writeTree(empty); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func (fs *FileStore) objectPath(id string) string {
	return filepath.Join(fs.dir, "objects", id+".json")
}

func (fs *FileStore) refPath(branch string) string {
	if branch == "" {
		branch = DefaultBranch
	}
	return filepath.Join(fs.dir, "refs", branch)
}

func (fs *FileStore) readTree(id string) (*treeContent, error) {
	data, err := os.ReadFile(fs.objectPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoTree, id)
		}
		return nil, fmt.Errorf("read tree %s: %w", id, err)
	}
	var t treeContent
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode tree %s: %w", id, err)
	}
	if t.Datasets == nil {
		t.Datasets = map[string]*datasetContent{}
	}
	return &t, nil
}

// writeTree persists a tree atomically via rename.
func (fs *FileStore) writeTree(t *treeContent) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}
	path := fs.objectPath(t.id())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tree: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write tree: %w", err)
	}
	return nil
}

func (fs *FileStore) tip(branch string) (string, error) {
	data, err := os.ReadFile(fs.refPath(branch))
	if err != nil {
		if os.IsNotExist(err) {
			return emptyTree().id(), nil
		}
		return "", fmt.Errorf("read branch tip: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (fs *FileStore) setTip(branch, id string) error {
	path := fs.refPath(branch)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("write branch tip: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write branch tip: %w", err)
	}
	return nil
}

// Datasets implements Store.
func (fs *FileStore) Datasets(_ context.Context, tree string) ([]string, error) {
	t, err := fs.readTree(tree)
	if err != nil {
		return nil, err
	}
	return t.datasetNames(), nil
}

// TreeSchema implements Store.
func (fs *FileStore) TreeSchema(_ context.Context, tree, dataset string) (*schema.Schema, error) {
	t, err := fs.readTree(tree)
	if err != nil {
		return nil, err
	}
	return t.schemaOf(dataset)
}

// MetaItems implements Store.
func (fs *FileStore) MetaItems(_ context.Context, tree, dataset string) (map[string]string, error) {
	t, err := fs.readTree(tree)
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
func (fs *FileStore) TreeFeatures(_ context.Context, tree, dataset string, fn func(pk string, row Row) error) error {
	t, err := fs.readTree(tree)
	if err != nil {
		return err
	}
	ds := t.Datasets[dataset]
	if ds == nil {
		return fmt.Errorf("dataset %q not in tree %s", dataset, tree)
	}
	for pk, row := range ds.Features {
		if err := fn(pk, row); err != nil {
			return err
		}
	}
	return nil
}

// TreeFeature implements Store.
func (fs *FileStore) TreeFeature(_ context.Context, tree, dataset, pk string) (Row, bool, error) {
	t, err := fs.readTree(tree)
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
func (fs *FileStore) WriteDelta(_ context.Context, branch, base string, delta *Delta, message string) (string, error) {
	if delta.Empty() {
		return base, nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	tip, err := fs.tip(branch)
	if err != nil {
		return "", err
	}
	if base != tip {
		return "", fmt.Errorf("%w: base %s, tip %s", ErrConflict, base, tip)
	}
	baseTree, err := fs.readTree(base)
	if err != nil {
		return "", err
	}
	next, err := baseTree.apply(delta)
	if err != nil {
		return "", fmt.Errorf("write delta %q: %w", message, err)
	}
	if err := fs.writeTree(next); err != nil {
		return "", err
	}
	id := next.id()
	if err := fs.setTip(branch, id); err != nil {
		return "", err
	}
	return id, nil
}

// CurrentTree implements Store.
func (fs *FileStore) CurrentTree(_ context.Context, branch string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.tip(branch)
}
