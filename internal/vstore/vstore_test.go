package vstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hamishcampbell/kart/internal/schema"
)

func testSchemaText(t *testing.T) string {
	t.Helper()
	s := schema.NewSchema(
		schema.Column{ID: "c1", Name: "id", DataType: schema.Integer, Size: 64, PKIndex: schema.PKIndexPtr(0)},
		schema.Column{ID: "c2", Name: "name", DataType: schema.Text},
	)
	text, err := s.MarshalText()
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	return text
}

func seedDelta(t *testing.T) *Delta {
	return &Delta{
		Meta: []MetaDelta{
			{Dataset: "things", Item: SchemaItem, New: testSchemaText(t)},
			{Dataset: "things", Item: "title", New: "Things"},
		},
		Features: []FeatureDelta{
			{Dataset: "things", PK: "1", New: Row{"id": int64(1), "name": "a"}},
			{Dataset: "things", PK: "2", New: Row{"id": int64(2), "name": "b"}},
		},
	}
}

// storeTests runs the Store contract against any implementation.
func storeTests(t *testing.T, store Store) {
	ctx := context.Background()

	base, err := store.CurrentTree(ctx, "")
	if err != nil {
		t.Fatalf("CurrentTree: %v", err)
	}
	names, err := store.Datasets(ctx, base)
	if err != nil {
		t.Fatalf("Datasets: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("fresh store has datasets: %v", names)
	}

	tree, err := store.WriteDelta(ctx, "", base, seedDelta(t), "seed")
	if err != nil {
		t.Fatalf("WriteDelta: %v", err)
	}
	if tree == base {
		t.Fatal("WriteDelta did not produce a new tree")
	}

	tip, err := store.CurrentTree(ctx, "")
	if err != nil {
		t.Fatalf("CurrentTree: %v", err)
	}
	if tip != tree {
		t.Errorf("tip = %q, want %q", tip, tree)
	}

	names, err = store.Datasets(ctx, tree)
	if err != nil {
		t.Fatalf("Datasets: %v", err)
	}
	if diff := cmp.Diff([]string{"things"}, names); diff != "" {
		t.Errorf("Datasets mismatch (-want +got):\n%s", diff)
	}

	s, err := store.TreeSchema(ctx, tree, "things")
	if err != nil {
		t.Fatalf("TreeSchema: %v", err)
	}
	if s.ColumnByName("name") == nil {
		t.Error("schema lost a column")
	}

	items, err := store.MetaItems(ctx, tree, "things")
	if err != nil {
		t.Fatalf("MetaItems: %v", err)
	}
	if items["title"] != "Things" {
		t.Errorf("title = %q", items["title"])
	}

	row, ok, err := store.TreeFeature(ctx, tree, "things", "2")
	if err != nil || !ok {
		t.Fatalf("TreeFeature: ok=%v err=%v", ok, err)
	}
	if name := row["name"]; name != "b" {
		t.Errorf("feature 2 name = %v", name)
	}
	if _, ok, _ := store.TreeFeature(ctx, tree, "things", "99"); ok {
		t.Error("missing feature reported present")
	}

	count := 0
	err = store.TreeFeatures(ctx, tree, "things", func(pk string, row Row) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("TreeFeatures: %v", err)
	}
	if count != 2 {
		t.Errorf("iterated %d features, want 2", count)
	}

	// Older trees stay readable after the tip advances.
	next, err := store.WriteDelta(ctx, "", tree, &Delta{
		Features: []FeatureDelta{{Dataset: "things", PK: "1", Old: Row{"id": int64(1), "name": "a"}}},
	}, "delete 1")
	if err != nil {
		t.Fatalf("WriteDelta: %v", err)
	}
	if _, ok, _ := store.TreeFeature(ctx, next, "things", "1"); ok {
		t.Error("deleted feature present in new tree")
	}
	if _, ok, _ := store.TreeFeature(ctx, tree, "things", "1"); !ok {
		t.Error("feature missing from historical tree")
	}

	// Stale-base writes conflict.
	if _, err := store.WriteDelta(ctx, "", tree, seedDelta(t), "stale"); !errors.Is(err, ErrConflict) {
		t.Errorf("stale WriteDelta = %v, want ErrConflict", err)
	}

	// Empty deltas return the base unchanged.
	same, err := store.WriteDelta(ctx, "", next, &Delta{}, "noop")
	if err != nil {
		t.Fatalf("empty WriteDelta: %v", err)
	}
	if same != next {
		t.Errorf("empty delta moved the tree: %q -> %q", next, same)
	}

	if _, err := store.Datasets(ctx, "no-such-tree"); !errors.Is(err, ErrNoTree) {
		t.Errorf("missing tree error = %v, want ErrNoTree", err)
	}
}

func TestMemoryStore(t *testing.T) {
	storeTests(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	store, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	storeTests(t, store)
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	base, _ := store.CurrentTree(ctx, "")
	tree, err := store.WriteDelta(ctx, "", base, seedDelta(t), "seed")
	if err != nil {
		t.Fatalf("WriteDelta: %v", err)
	}

	reopened, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	tip, err := reopened.CurrentTree(ctx, "")
	if err != nil {
		t.Fatalf("CurrentTree: %v", err)
	}
	if tip != tree {
		t.Errorf("tip after reopen = %q, want %q", tip, tree)
	}
	if _, ok, err := reopened.TreeFeature(ctx, tree, "things", "1"); err != nil || !ok {
		t.Errorf("feature lost across reopen: ok=%v err=%v", ok, err)
	}
}

func TestTreeIDDeterminism(t *testing.T) {
	ctx := context.Background()

	a := NewMemory()
	b := NewMemory()
	baseA, _ := a.CurrentTree(ctx, "")
	baseB, _ := b.CurrentTree(ctx, "")
	if baseA != baseB {
		t.Fatal("empty trees differ between stores")
	}
	treeA, err := a.WriteDelta(ctx, "", baseA, seedDelta(t), "seed")
	if err != nil {
		t.Fatalf("WriteDelta: %v", err)
	}
	treeB, err := b.WriteDelta(ctx, "", baseB, seedDelta(t), "seed")
	if err != nil {
		t.Fatalf("WriteDelta: %v", err)
	}
	if treeA != treeB {
		t.Error("identical content produced different tree IDs")
	}
}

func TestPKString(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want string
	}{
		{int64(42), "42"},
		{42, "42"},
		{float64(42), "42"},
		{float64(42.5), "42.5"},
		{"abc", "abc"},
		{[]byte("abc"), "abc"},
		{true, "true"},
		{false, "false"},
		{nil, ""},
	} {
		if got := PKString(tc.in); got != tc.want {
			t.Errorf("PKString(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDeltaEmpty(t *testing.T) {
	var d *Delta
	if !d.Empty() {
		t.Error("nil delta should be empty")
	}
	if !(&Delta{}).Empty() {
		t.Error("zero delta should be empty")
	}
	if (&Delta{Meta: []MetaDelta{{}}}).Empty() {
		t.Error("delta with meta should not be empty")
	}
}

// branchTests verifies that branch tips advance independently and that
// the conflict check is per-branch.
func branchTests(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	empty, err := store.CurrentTree(ctx, "dev")
	if err != nil {
		t.Fatalf("CurrentTree dev: %v", err)
	}
	devTree, err := store.WriteDelta(ctx, "dev", empty, seedDelta(t), "seed dev")
	if err != nil {
		t.Fatalf("WriteDelta dev: %v", err)
	}

	// The default branch still points at the empty tree.
	mainTip, err := store.CurrentTree(ctx, "")
	if err != nil {
		t.Fatalf("CurrentTree main: %v", err)
	}
	if mainTip != empty {
		t.Errorf("main tip = %q, want empty tree %q", mainTip, empty)
	}
	devTip, err := store.CurrentTree(ctx, "dev")
	if err != nil {
		t.Fatalf("CurrentTree dev: %v", err)
	}
	if devTip != devTree {
		t.Errorf("dev tip = %q, want %q", devTip, devTree)
	}

	// The same base is current on main even though dev has moved on.
	mainTree, err := store.WriteDelta(ctx, "", empty, seedDelta(t), "seed main")
	if err != nil {
		t.Fatalf("WriteDelta main: %v", err)
	}
	if mainTree != devTree {
		t.Errorf("identical content produced trees %q and %q", mainTree, devTree)
	}

	// Stale-base detection is against the named branch's tip.
	if _, err := store.WriteDelta(ctx, "dev", empty, seedDelta(t), "stale dev"); !errors.Is(err, ErrConflict) {
		t.Errorf("stale dev WriteDelta = %v, want ErrConflict", err)
	}
}

func TestMemoryStoreBranches(t *testing.T) {
	branchTests(t, NewMemory())
}

func TestFileStoreBranches(t *testing.T) {
	store, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	branchTests(t, store)
}
