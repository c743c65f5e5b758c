package vstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// TipEvent reports a branch tip moving to a new tree.
type TipEvent struct {
	Branch string
	Tree   string
}

// TipWatcher watches a FileStore's refs directory and emits a TipEvent
// whenever a branch tip moves. It notices writes from other processes,
// so a long-running consumer can react to commits it did not make
// itself.
type TipWatcher struct {
	store   *FileStore
	watcher *fsnotify.Watcher
	events  chan TipEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	last    map[string]string
}

// Watch creates a TipWatcher for the store. The watcher must be started
// with Start before it emits events.
func (fs *FileStore) Watch() (*TipWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create ref watcher: %w", err)
	}
	return &TipWatcher{
		store:   fs,
		watcher: watcher,
		events:  make(chan TipEvent, 16),
		errors:  make(chan error, 4),
		done:    make(chan struct{}),
		last:    map[string]string{},
	}, nil
}

// Start begins watching the refs directory. Tips already present are
// recorded as the baseline; only subsequent movement is reported.
func (tw *TipWatcher) Start() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.running {
		return fmt.Errorf("tip watcher already running")
	}

	refsDir := filepath.Join(tw.store.dir, "refs")
	if err := tw.watcher.Add(refsDir); err != nil {
		return fmt.Errorf("watch %s: %w", refsDir, err)
	}

	entries, err := filepath.Glob(filepath.Join(refsDir, "*"))
	if err == nil {
		for _, path := range entries {
			branch := filepath.Base(path)
			if strings.HasSuffix(branch, ".tmp") {
				continue
			}
			if tip, err := tw.store.CurrentTree(context.Background(), branch); err == nil {
				tw.last[branch] = tip
			}
		}
	}

	tw.running = true
	tw.wg.Add(1)
	go tw.processEvents()
	return nil
}

// Stop stops the watcher and closes its channels. Blocks until the
// event loop has exited.
func (tw *TipWatcher) Stop() error {
	tw.mu.Lock()
	if !tw.running {
		tw.mu.Unlock()
		return nil
	}
	tw.running = false
	tw.mu.Unlock()

	close(tw.done)
	if err := tw.watcher.Close(); err != nil {
		return fmt.Errorf("close ref watcher: %w", err)
	}
	tw.wg.Wait()

	close(tw.events)
	close(tw.errors)
	return nil
}

// Events returns the channel emitting tip movements. Closed on Stop.
func (tw *TipWatcher) Events() <-chan TipEvent {
	return tw.events
}

// Errors returns the channel emitting watch errors. Closed on Stop.
func (tw *TipWatcher) Errors() <-chan error {
	return tw.errors
}

// IsRunning reports whether the watcher has been started and not yet
// stopped.
func (tw *TipWatcher) IsRunning() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.running
}

func (tw *TipWatcher) processEvents() {
	defer tw.wg.Done()

	for {
		select {
		case <-tw.done:
			return

		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if tipEvent, ok := tw.convertEvent(event); ok {
				select {
				case tw.events <- tipEvent:
				case <-tw.done:
					return
				}
			}

		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case tw.errors <- err:
			case <-tw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event on the refs directory to a
// TipEvent. Ref updates land as a rename from a .tmp file, so the
// final name arrives as a Create; plain writes are accepted too for
// refs edited by hand.
func (tw *TipWatcher) convertEvent(event fsnotify.Event) (TipEvent, bool) {
	branch := filepath.Base(event.Name)
	if strings.HasSuffix(branch, ".tmp") {
		return TipEvent{}, false
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return TipEvent{}, false
	}

	tip, err := tw.store.CurrentTree(context.Background(), branch)
	if err != nil {
		return TipEvent{}, false
	}

	tw.mu.Lock()
	changed := tw.last[branch] != tip
	tw.last[branch] = tip
	tw.mu.Unlock()

	if !changed {
		return TipEvent{}, false
	}
	return TipEvent{Branch: branch, Tree: tip}, true
}
