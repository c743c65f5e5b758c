package vstore

import (
	"context"
	"testing"
	"time"
)

func TestTipWatcherReportsCommit(t *testing.T) {
	store, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}

	watcher, err := store.Watch()
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop()

	if !watcher.IsRunning() {
		t.Fatal("watcher not running after Start")
	}

	ctx := context.Background()
	base, err := store.CurrentTree(ctx, "")
	if err != nil {
		t.Fatalf("CurrentTree: %v", err)
	}
	tree, err := store.WriteDelta(ctx, "", base, seedDelta(t), "seed")
	if err != nil {
		t.Fatalf("WriteDelta: %v", err)
	}

	select {
	case ev := <-watcher.Events():
		if ev.Branch != DefaultBranch {
			t.Errorf("branch = %q, want %q", ev.Branch, DefaultBranch)
		}
		if ev.Tree != tree {
			t.Errorf("tree = %q, want %q", ev.Tree, tree)
		}
	case err := <-watcher.Errors():
		t.Fatalf("watch error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no tip event within 5s of commit")
	}
}

func TestTipWatcherDoubleStart(t *testing.T) {
	store, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	watcher, err := store.Watch()
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop()

	if err := watcher.Start(); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestTipWatcherStopIdempotent(t *testing.T) {
	store, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	watcher, err := store.Watch()
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := watcher.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if watcher.IsRunning() {
		t.Fatal("watcher still running after Stop")
	}
	if err := watcher.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
