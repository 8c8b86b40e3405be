// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kadirpekel/codesearch/pkg/config"
	"github.com/kadirpekel/codesearch/pkg/contracts"
	"github.com/kadirpekel/codesearch/pkg/pipeline"
)

// queueCapacity bounds the MPMC queue between the per-workspace OS
// watcher goroutines and the single dispatcher (spec.md §4.4
// "Scheduling model").
const queueCapacity = 4096

// fsnotify does not expose a configurable OS event buffer size on every
// platform, so the >= 64 KiB requirement from spec.md §5 "Resource caps"
// cannot be set directly; it is inherited from the OS default, which
// exceeds 64 KiB on every platform fsnotify supports (see DESIGN.md).

// watcherErrRestartDelay is how long the per-workspace goroutine waits
// before rebuilding a failed OS watcher (spec.md §4.4 "Error recovery").
const watcherErrRestartDelay = time.Second

// Watcher is the Live Sync component (C4). A Watcher is safe for
// concurrent use.
type Watcher struct {
	cfg     config.WatchConfig
	policy  *pipeline.FilterPolicy
	indexer contracts.Indexer

	queue chan queuedEvent

	subsMu sync.RWMutex
	subs   []contracts.ChangeSubscriber

	fsMu       sync.Mutex
	fsWatchers map[string]*fsnotify.Watcher // workspace -> OS watcher

	// stateMu guards pendingDeletes and recentUpdates. The "at most one
	// pending Created/Modified per path" invariant (spec.md §4.4 "Event
	// queue invariants") is enforced by grouping each batch by path in
	// processBatch rather than by a separate long-lived map, since a
	// path's pending create/modify never needs to survive past the
	// batch that admitted it.
	stateMu        sync.Mutex
	pendingDeletes map[string]*deleteEntry // path -> delete quiet-period state
	recentUpdates  map[string]time.Time    // path -> last admitted timestamp

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Watcher and starts its dispatcher. policy is reused from
// the pipeline so the same extension/directory rules gate both the
// initial walk and live events.
func New(cfg config.WatchConfig, policy *pipeline.FilterPolicy, indexer contracts.Indexer) *Watcher {
	w := newWatcher(cfg, policy, indexer)
	w.wg.Add(1)
	go w.dispatchLoop()
	return w
}

// newWatcher builds a Watcher without starting its dispatcher, so tests
// can drive admit/processBatch/scanPendingDeletes deterministically
// instead of racing a background ticker.
func newWatcher(cfg config.WatchConfig, policy *pipeline.FilterPolicy, indexer contracts.Indexer) *Watcher {
	return &Watcher{
		cfg:            cfg,
		policy:         policy,
		indexer:        indexer,
		queue:          make(chan queuedEvent, queueCapacity),
		fsWatchers:     make(map[string]*fsnotify.Watcher),
		pendingDeletes: make(map[string]*deleteEntry),
		recentUpdates:  make(map[string]time.Time),
		stop:           make(chan struct{}),
	}
}

// Subscribe registers sub to receive every processed change event.
func (w *Watcher) Subscribe(sub contracts.ChangeSubscriber) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	w.subs = append(w.subs, sub)
}

// Watch starts watching workspace's subtree rooted at root. It returns
// once the initial recursive Add completes; OS events are then handled
// asynchronously until Stop or ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, workspace, root string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addRecursive(fw, root, w.policy); err != nil {
		fw.Close()
		return err
	}

	w.fsMu.Lock()
	if old, ok := w.fsWatchers[workspace]; ok {
		old.Close()
	}
	w.fsWatchers[workspace] = fw
	w.fsMu.Unlock()

	w.wg.Add(1)
	go w.runOSWatcher(ctx, workspace, root, fw)
	return nil
}

// addRecursive adds root and every non-excluded subdirectory to fw.
func addRecursive(fw *fsnotify.Watcher, root string, policy *pipeline.FilterPolicy) error {
	if err := fw.Add(root); err != nil {
		return err
	}
	stack := []string{root}
	for len(stack) > 0 {
		n := len(stack) - 1
		dir := stack[n]
		stack = stack[:n]

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			full := filepath.Join(dir, e.Name())
			if policy.SkipDir(e.Name(), full) {
				continue
			}
			if err := fw.Add(full); err != nil {
				slog.Warn("watcher: failed to watch directory", "path", full, "error", err)
				continue
			}
			stack = append(stack, full)
		}
	}
	return nil
}

// runOSWatcher reads fw's Events/Errors channels and forwards admitted
// events into the shared queue, restarting the OS watcher after a fatal
// error (spec.md §4.4 "Error recovery").
func (w *Watcher) runOSWatcher(ctx context.Context, workspace, root string, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			fw.Close()
			return
		case <-ctx.Done():
			fw.Close()
			return

		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleOSEvent(ctx, workspace, root, fw, ev)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			slog.Error("watcher: OS watcher error", "workspace", workspace, "error", err)
			fw.Close()

			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-time.After(watcherErrRestartDelay):
			}

			restarted, rerr := fsnotify.NewWatcher()
			if rerr != nil {
				slog.Error("watcher: failed to restart OS watcher", "workspace", workspace, "error", rerr)
				return
			}
			if rerr := addRecursive(restarted, root, w.policy); rerr != nil {
				slog.Error("watcher: failed to re-add directories after restart", "workspace", workspace, "error", rerr)
				restarted.Close()
				return
			}
			w.fsMu.Lock()
			w.fsWatchers[workspace] = restarted
			w.fsMu.Unlock()
			fw = restarted
		}
	}
}

func (w *Watcher) handleOSEvent(ctx context.Context, workspace, root string, fw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
		return
	}

	path := ev.Name
	if w.policy.PathExcluded(path) {
		return
	}

	switch {
	case ev.Op&fsnotify.Create == fsnotify.Create:
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := addRecursive(fw, path, w.policy); err != nil {
				slog.Warn("watcher: failed to watch new directory", "path", path, "error", err)
			}
			return
		}
		if !w.policy.AllowsFile(path) {
			return
		}
		w.enqueue(queuedEvent{Workspace: workspace, Path: path, Op: opCreated, Timestamp: time.Now()})

	case ev.Op&fsnotify.Write == fsnotify.Write:
		if !w.policy.AllowsFile(path) {
			return
		}
		w.enqueue(queuedEvent{Workspace: workspace, Path: path, Op: opModified, Timestamp: time.Now()})

	case ev.Op&fsnotify.Remove == fsnotify.Remove, ev.Op&fsnotify.Rename == fsnotify.Rename:
		// Rename is fed back through the same pipeline as delete(old) +
		// create(new); fsnotify emits a separate Create for the new
		// name, so only the old name needs to be handled here.
		if !w.policy.AllowsFile(path) {
			return
		}
		w.enqueue(queuedEvent{Workspace: workspace, Path: path, Op: opDeleted, Timestamp: time.Now()})
	}
}

func (w *Watcher) enqueue(ev queuedEvent) {
	select {
	case w.queue <- ev:
	default:
		slog.Warn("watcher: event queue full, dropping event", "path", ev.Path, "workspace", ev.Workspace)
	}
}

// Stop halts every OS watcher, stops accepting new events, drains the
// dispatcher, and unregisters subscribers (spec.md §4.4 "Cancellation").
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()

	w.fsMu.Lock()
	for _, fw := range w.fsWatchers {
		fw.Close()
	}
	w.fsWatchers = make(map[string]*fsnotify.Watcher)
	w.fsMu.Unlock()

	w.subsMu.Lock()
	w.subs = nil
	w.subsMu.Unlock()
}
