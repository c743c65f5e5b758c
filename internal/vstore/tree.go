package vstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hamishcampbell/kart/internal/schema"
)

// SchemaItem is the meta item carrying a dataset's column schema. A
// dataset exists in a tree exactly when this item does.
const SchemaItem = "schema.json"

// datasetContent is one dataset's full content within a tree.
type datasetContent struct {
	Meta     map[string]string `json:"meta"`
	Features map[string]Row    `json:"features"`
}

// treeContent is an immutable snapshot of every dataset. Tree IDs are the
// hex SHA-256 of the canonical JSON encoding, so identical content always
// produces identical IDs.
type treeContent struct {
	Datasets map[string]*datasetContent `json:"datasets"`
}

func emptyTree() *treeContent {
	return &treeContent{Datasets: map[string]*datasetContent{}}
}

func (t *treeContent) id() string {
	// encoding/json sorts map keys, making the encoding canonical.
	data, err := json.Marshal(t)
	if err != nil {
		panic(fmt.Sprintf("vstore: tree content not encodable: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (t *treeContent) clone() *treeContent {
	out := emptyTree()
	for name, ds := range t.Datasets {
		cp := &datasetContent{
			Meta:     make(map[string]string, len(ds.Meta)),
			Features: make(map[string]Row, len(ds.Features)),
		}
		for k, v := range ds.Meta {
			cp.Meta[k] = v
		}
		for k, v := range ds.Features {
			cp.Features[k] = v
		}
		out.Datasets[name] = cp
	}
	return out
}

func (t *treeContent) datasetNames() []string {
	names := make([]string, 0, len(t.Datasets))
	for name := range t.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// apply produces the successor tree of t under delta.
func (t *treeContent) apply(delta *Delta) (*treeContent, error) {
	next := t.clone()

	for _, m := range delta.Meta {
		ds := next.Datasets[m.Dataset]
		if ds == nil {
			if m.New == "" {
				continue
			}
			ds = &datasetContent{Meta: map[string]string{}, Features: map[string]Row{}}
			next.Datasets[m.Dataset] = ds
		}
		if m.New == "" {
			delete(ds.Meta, m.Item)
		} else {
			ds.Meta[m.Item] = m.New
		}
		// Removing the schema removes the dataset.
		if m.Item == SchemaItem && m.New == "" {
			delete(next.Datasets, m.Dataset)
		}
	}

	for _, f := range delta.Features {
		ds := next.Datasets[f.Dataset]
		if ds == nil {
			return nil, fmt.Errorf("feature change for unknown dataset %q", f.Dataset)
		}
		if f.New == nil {
			delete(ds.Features, f.PK)
		} else {
			ds.Features[f.PK] = f.New
		}
	}

	return next, nil
}

func (t *treeContent) schemaOf(dataset string) (*schema.Schema, error) {
	ds := t.Datasets[dataset]
	if ds == nil {
		return nil, fmt.Errorf("dataset %q not in tree", dataset)
	}
	text, ok := ds.Meta[SchemaItem]
	if !ok {
		return nil, fmt.Errorf("dataset %q has no %s", dataset, SchemaItem)
	}
	return schema.ParseText(text)
}
