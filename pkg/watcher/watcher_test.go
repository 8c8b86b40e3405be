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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codesearch/pkg/config"
	"github.com/kadirpekel/codesearch/pkg/contracts"
	"github.com/kadirpekel/codesearch/pkg/pipeline"
)

type fakeIndexer struct {
	mu       sync.Mutex
	indexed  []string
	removed  []string
	failPath string
}

func (f *fakeIndexer) IndexDirectory(ctx context.Context, ws, dir string) error { return nil }

func (f *fakeIndexer) IndexFile(ctx context.Context, ws, path string) error {
	return f.UpdateFile(ctx, ws, path)
}

func (f *fakeIndexer) UpdateFile(ctx context.Context, ws, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if path == f.failPath {
		return assert.AnError
	}
	f.indexed = append(f.indexed, path)
	return nil
}

func (f *fakeIndexer) RemoveFile(ctx context.Context, ws, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeIndexer) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.indexed...), append([]string(nil), f.removed...)
}

type fakeSubscriber struct {
	mu     sync.Mutex
	events []contracts.ChangeEvent
}

func (f *fakeSubscriber) OnChange(ctx context.Context, event contracts.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSubscriber) snapshot() []contracts.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]contracts.ChangeEvent(nil), f.events...)
}

var _ contracts.Indexer = (*fakeIndexer)(nil)
var _ contracts.ChangeSubscriber = (*fakeSubscriber)(nil)

func newTestWatcher(t *testing.T, idx *fakeIndexer) *Watcher {
	t.Helper()
	cfg := config.WatchConfig{
		DebounceMs:          20,
		BatchSize:           50,
		DeleteQuietPeriodS:  1,
		AtomicWriteWindowMs: 50,
	}
	policy := pipeline.NewFilterPolicy([]string{".go"}, nil, nil, "")
	w := newWatcher(cfg, policy, idx)
	t.Cleanup(w.Stop)
	return w
}

func TestAdmit_DebouncesRepeatPaths(t *testing.T) {
	w := newTestWatcher(t, &fakeIndexer{})
	now := time.Now()

	assert.True(t, w.admit(queuedEvent{Path: "/a", Timestamp: now}))
	assert.False(t, w.admit(queuedEvent{Path: "/a", Timestamp: now.Add(5 * time.Millisecond)}))
	assert.True(t, w.admit(queuedEvent{Path: "/a", Timestamp: now.Add(30 * time.Millisecond)}))
}

func TestProcessBatch_CreateThenCommit(t *testing.T) {
	idx := &fakeIndexer{}
	sub := &fakeSubscriber{}
	w := newTestWatcher(t, idx)
	w.Subscribe(sub)

	w.processBatch([]queuedEvent{
		{Workspace: "ws", Path: "/a.go", Op: opCreated, Timestamp: time.Now()},
	})

	indexed, removed := idx.snapshot()
	assert.Equal(t, []string{"/a.go"}, indexed)
	assert.Empty(t, removed)

	events := sub.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.Modified, events[0].Kind)
}

func TestProcessBatch_DeleteThenCreateWithinWindow_CoalescesToModified(t *testing.T) {
	idx := &fakeIndexer{}
	w := newTestWatcher(t, idx)

	now := time.Now()
	w.processBatch([]queuedEvent{
		{Workspace: "ws", Path: "/a.go", Op: opDeleted, Timestamp: now},
		{Workspace: "ws", Path: "/a.go", Op: opCreated, Timestamp: now.Add(30 * time.Millisecond)},
	})

	indexed, removed := idx.snapshot()
	assert.Equal(t, []string{"/a.go"}, indexed)
	assert.Empty(t, removed)

	w.stateMu.Lock()
	_, pending := w.pendingDeletes["/a.go"]
	w.stateMu.Unlock()
	assert.False(t, pending)
}

func TestProcessBatch_DeleteOutsideWindow_EntersQuietPeriod(t *testing.T) {
	idx := &fakeIndexer{}
	w := newTestWatcher(t, idx)

	w.processBatch([]queuedEvent{
		{Workspace: "ws", Path: "/a.go", Op: opDeleted, Timestamp: time.Now()},
	})

	w.stateMu.Lock()
	entry, ok := w.pendingDeletes["/a.go"]
	w.stateMu.Unlock()
	require.True(t, ok)
	assert.False(t, entry.Cancelled)
}

func TestScanPendingDeletes_CancelledEntryDiscarded(t *testing.T) {
	idx := &fakeIndexer{}
	w := newTestWatcher(t, idx)

	w.markPendingDelete("ws", "/a.go", time.Now().Add(-2*time.Second))
	w.cancelPendingDelete("/a.go")
	w.scanPendingDeletes()

	w.stateMu.Lock()
	_, ok := w.pendingDeletes["/a.go"]
	w.stateMu.Unlock()
	assert.False(t, ok)

	indexed, removed := idx.snapshot()
	assert.Empty(t, indexed)
	assert.Empty(t, removed)
}

func TestScanPendingDeletes_QuietPeriodBoundary(t *testing.T) {
	idx := &fakeIndexer{}
	w := newTestWatcher(t, idx)

	// Just inside the quiet period: deferred, not yet acted on.
	w.markPendingDelete("ws", "/inside.go", time.Now().Add(-(w.deleteQuietPeriod() - time.Millisecond)))
	w.scanPendingDeletes()
	w.stateMu.Lock()
	_, stillPending := w.pendingDeletes["/inside.go"]
	w.stateMu.Unlock()
	assert.True(t, stillPending)

	// Just past the quiet period: resolved this scan.
	path := filepath.Join(t.TempDir(), "outside.go")
	w.markPendingDelete("ws", path, time.Now().Add(-(w.deleteQuietPeriod() + time.Millisecond)))
	w.scanPendingDeletes()
	w.stateMu.Lock()
	_, resolved := w.pendingDeletes[path]
	w.stateMu.Unlock()
	assert.False(t, resolved)

	_, removed := idx.snapshot()
	assert.Contains(t, removed, path)
}

func TestScanPendingDeletes_FileReappearedIsReindexed(t *testing.T) {
	idx := &fakeIndexer{}
	w := newTestWatcher(t, idx)

	path := filepath.Join(t.TempDir(), "back.go")
	require.NoError(t, os.WriteFile(path, []byte("package back"), 0o644))

	w.markPendingDelete("ws", path, time.Now().Add(-2*time.Second))
	w.scanPendingDeletes()

	indexed, removed := idx.snapshot()
	assert.Contains(t, indexed, path)
	assert.Empty(t, removed)
}
