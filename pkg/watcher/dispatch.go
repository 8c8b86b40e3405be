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
	"sync"
	"time"

	"github.com/kadirpekel/codesearch/pkg/contracts"
)

func (w *Watcher) debounceDuration() time.Duration {
	return w.cfg.DebounceDuration()
}

func (w *Watcher) deleteQuietPeriod() time.Duration {
	return w.cfg.DeleteQuietPeriod()
}

func (w *Watcher) atomicWindow() time.Duration {
	return w.cfg.AtomicWriteWindow()
}

func (w *Watcher) batchSize() int {
	if w.cfg.BatchSize <= 0 {
		return 50
	}
	return w.cfg.BatchSize
}

// dispatchLoop is the single dedicated worker that drains the queue,
// debounces, batches, and processes events (spec.md §4.4 "Scheduling
// model"). A ticker drives both the debounce-lapse flush and the
// periodic pendingDeletes quiet-period scan.
func (w *Watcher) dispatchLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounceDuration())
	defer ticker.Stop()

	var batch []queuedEvent
	lastEventAt := time.Now()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.processBatch(batch)
		batch = nil
	}

	for {
		select {
		case <-w.stop:
			flush()
			return

		case ev, ok := <-w.queue:
			if !ok {
				flush()
				return
			}
			if !w.admit(ev) {
				continue
			}
			batch = append(batch, ev)
			lastEventAt = time.Now()
			if len(batch) >= w.batchSize() {
				flush()
			}

		case <-ticker.C:
			if len(batch) > 0 && time.Since(lastEventAt) >= w.debounceDuration() {
				flush()
			}
			w.scanPendingDeletes()
		}
	}
}

// admit applies the recentUpdates debounce window (spec.md §4.4
// "Debouncing"): the same path's creates/modifies may not re-enter a
// batch more often than debounceMs. Deletes bypass the window and are
// not stamped, so a re-create right after a delete still reaches the
// batch and can be coalesced with it.
func (w *Watcher) admit(ev queuedEvent) bool {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	if ev.Op == opDeleted {
		return true
	}
	if last, ok := w.recentUpdates[ev.Path]; ok && ev.Timestamp.Sub(last) < w.debounceDuration() {
		return false
	}
	w.recentUpdates[ev.Path] = ev.Timestamp
	return true
}

// processBatch groups admitted events by path, applies atomic-write
// coalescing, indexes resulting creates/modifies immediately, and defers
// deletes into the quiet-period map (spec.md §4.4 "Atomic-write
// coalescing", "Delete quiet period").
func (w *Watcher) processBatch(batch []queuedEvent) {
	byPath := make(map[string][]queuedEvent, len(batch))
	order := make([]string, 0, len(batch))
	for _, ev := range batch {
		if _, seen := byPath[ev.Path]; !seen {
			order = append(order, ev.Path)
		}
		byPath[ev.Path] = append(byPath[ev.Path], ev)
	}

	for _, path := range order {
		events := byPath[path]
		w.processPathEvents(events)
	}
}

func (w *Watcher) processPathEvents(events []queuedEvent) {
	workspace := events[0].Workspace
	path := events[0].Path

	var (
		hasDelete bool
		deleteAt  time.Time
		latest    *queuedEvent
	)
	for i := range events {
		ev := events[i]
		if ev.Op == opDeleted {
			hasDelete = true
			if ev.Timestamp.After(deleteAt) {
				deleteAt = ev.Timestamp
			}
			continue
		}
		if latest == nil || ev.Timestamp.After(latest.Timestamp) {
			latest = &events[i]
		}
	}

	switch {
	case hasDelete && latest != nil && absDuration(deleteAt.Sub(latest.Timestamp)) <= w.atomicWindow():
		// Delete and a create/modify within the window collapse into a
		// single Modified at the later timestamp.
		ts := deleteAt
		if latest.Timestamp.After(ts) {
			ts = latest.Timestamp
		}
		w.reindex(workspace, path, ts)
		w.cancelPendingDelete(path)

	case hasDelete && latest != nil:
		// Outside the coalescing window: whichever happened last wins.
		if latest.Timestamp.After(deleteAt) {
			w.reindex(workspace, path, latest.Timestamp)
			w.cancelPendingDelete(path)
		} else {
			w.markPendingDelete(workspace, path, deleteAt)
		}

	case latest != nil:
		w.reindex(workspace, path, latest.Timestamp)
		w.cancelPendingDelete(path)

	case hasDelete:
		w.markPendingDelete(workspace, path, deleteAt)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (w *Watcher) markPendingDelete(workspace, path string, at time.Time) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	entry, ok := w.pendingDeletes[path]
	if !ok {
		entry = &deleteEntry{FirstSeenAt: at, Workspace: workspace}
		w.pendingDeletes[path] = entry
	}
	entry.LastActivityAt = at
	entry.Cancelled = false
}

func (w *Watcher) cancelPendingDelete(path string) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if entry, ok := w.pendingDeletes[path]; ok {
		entry.Cancelled = true
	}
}

func (w *Watcher) reindex(workspace, path string, ts time.Time) {
	ctx := context.Background()
	if err := w.indexer.UpdateFile(ctx, workspace, path); err != nil {
		slog.Warn("watcher: reindex failed", "workspace", workspace, "path", path, "error", err)
		return
	}
	w.notify(ctx, contracts.ChangeEvent{Workspace: workspace, Path: path, Kind: contracts.Modified, Timestamp: ts})
}

// scanPendingDeletes runs the quiet-period scan on every dispatcher tick (spec.md
// §4.4 "Delete quiet period").
func (w *Watcher) scanPendingDeletes() {
	now := time.Now()

	w.stateMu.Lock()
	var resolved []string
	type decision struct {
		path      string
		workspace string
		existed   bool
		lastSeen  time.Time
	}
	var decisions []decision
	for path, entry := range w.pendingDeletes {
		switch {
		case entry.Cancelled:
			resolved = append(resolved, path)
		case now.Sub(entry.LastActivityAt) < w.deleteQuietPeriod():
			// Still within the quiet period; defer.
		default:
			resolved = append(resolved, path)
			_, err := os.Stat(path)
			decisions = append(decisions, decision{
				path:      path,
				workspace: entry.Workspace,
				existed:   err == nil,
				lastSeen:  entry.LastActivityAt,
			})
		}
	}
	for _, path := range resolved {
		delete(w.pendingDeletes, path)
	}
	w.stateMu.Unlock()

	for _, d := range decisions {
		ctx := context.Background()
		if d.existed {
			if err := w.indexer.UpdateFile(ctx, d.workspace, d.path); err != nil {
				slog.Warn("watcher: re-stat reindex failed", "workspace", d.workspace, "path", d.path, "error", err)
				continue
			}
			w.notify(ctx, contracts.ChangeEvent{Workspace: d.workspace, Path: d.path, Kind: contracts.Modified, Timestamp: time.Now()})
			continue
		}
		if err := w.indexer.RemoveFile(ctx, d.workspace, d.path); err != nil {
			slog.Warn("watcher: delete failed", "workspace", d.workspace, "path", d.path, "error", err)
			continue
		}
		w.notify(ctx, contracts.ChangeEvent{Workspace: d.workspace, Path: d.path, Kind: contracts.Deleted, Timestamp: time.Now()})
	}
}

// subscriberNotifyTimeout bounds each subscriber's OnChange call
// (spec.md §5 "Timeouts").
const subscriberNotifyTimeout = 5 * time.Second

// notify fans event out to every subscriber concurrently, each under its
// own timeout (spec.md §4.4 "Scheduling model").
func (w *Watcher) notify(ctx context.Context, event contracts.ChangeEvent) {
	w.subsMu.RLock()
	subs := make([]contracts.ChangeSubscriber, len(w.subs))
	copy(subs, w.subs)
	w.subsMu.RUnlock()

	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			notifyCtx, cancel := context.WithTimeout(ctx, subscriberNotifyTimeout)
			defer cancel()
			if err := sub.OnChange(notifyCtx, event); err != nil {
				slog.Warn("watcher: subscriber notification failed", "path", event.Path, "error", err)
			}
		}()
	}
	wg.Wait()
}
