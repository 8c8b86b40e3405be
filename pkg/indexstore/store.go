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

// Package indexstore wraps a per-workspace full-text inverted index
// (C2): writer lifecycle, reader/searcher caching, corruption
// detection/repair, and defragmentation, built on
// github.com/blevesearch/bleve/v2.
package indexstore

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/index/scorch"

	"github.com/kadirpekel/codesearch/pkg/apperrors"
	"github.com/kadirpekel/codesearch/pkg/config"
)

// readerRefreshAge is the staleness threshold for a read-only context
// before it is reopened against the directory (spec.md §4.2).
const readerRefreshAge = 60 * time.Second

// indexContext is the per-IndexDirectory state: the open bleve.Index
// (doubling as writer and searcher, matching the single-handle pattern
// used throughout the example indexers this component is grounded on)
// plus the bookkeeping the contract requires.
type indexContext struct {
	mu sync.Mutex

	hashDir   string
	dir       string
	protected bool
	memory    bool

	index      bleve.Index
	hasWriter  bool
	lastAccess time.Time
	lastOpened time.Time
	lastCommit time.Time
}

// Store is the process-wide Index Store singleton. One Store instance
// owns every per-workspace index context; callers obtain one via New
// and thread it through their own constructors (no ambient globals).
type Store struct {
	cfg config.StoreConfig

	storeLock chan struct{} // buffered(1) semaphore: writer-creation serialization

	mu       sync.RWMutex
	contexts map[string]*indexContext

	stopEviction chan struct{}
	evictionOnce sync.Once
}

// New creates a Store and starts its idle-eviction loop.
func New(cfg config.StoreConfig) *Store {
	s := &Store{
		cfg:          cfg,
		storeLock:    make(chan struct{}, 1),
		contexts:     make(map[string]*indexContext),
		stopEviction: make(chan struct{}),
	}
	s.storeLock <- struct{}{}
	go s.evictionLoop()
	return s
}

// Close stops the eviction loop and disposes every open context.
func (s *Store) Close() error {
	s.evictionOnce.Do(func() { close(s.stopEviction) })

	s.mu.Lock()
	contexts := make([]*indexContext, 0, len(s.contexts))
	for _, ctx := range s.contexts {
		contexts = append(contexts, ctx)
	}
	s.contexts = make(map[string]*indexContext)
	s.mu.Unlock()

	var firstErr error
	for _, ctx := range contexts {
		if err := s.disposeContext(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) acquireStoreLock(timeout time.Duration) bool {
	select {
	case <-s.storeLock:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Store) releaseStoreLock() {
	s.storeLock <- struct{}{}
}

// Open acquires (creating if necessary) the index context for hashDir.
// memoryTuned selects the analyzer (spec.md §4.2); protected marks a
// memory index, whose destructive operations are refused.
func (s *Store) Open(hashDir, dir string, protected, memoryTuned bool, synonyms map[string]string) (*indexContext, error) {
	s.mu.RLock()
	ctx, ok := s.contexts[hashDir]
	s.mu.RUnlock()
	if ok {
		ctx.touch()
		return ctx, nil
	}

	if !s.acquireStoreLock(s.cfg.LockTimeout()) {
		return nil, apperrors.New(apperrors.Critical, "indexstore", "open", "store lock acquisition timed out", nil).WithPath(hashDir)
	}
	defer s.releaseStoreLock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx, ok := s.contexts[hashDir]; ok {
		ctx.touch()
		return ctx, nil
	}

	state, _, err := inspectLock(dir, s.cfg.LockTimeout())
	if err != nil && !os.IsNotExist(err) {
		return nil, apperrors.New(apperrors.Recoverable, "indexstore", "open", "inspecting write.lock", err).WithPath(dir)
	}
	switch state {
	case lockStuck, lockOrphaned:
		if protected {
			return nil, apperrors.New(apperrors.Critical, "indexstore", "open", "stuck lock on protected index requires operator intervention", nil).WithPath(dir)
		}
		if err := clearLockFile(dir); err != nil {
			return nil, apperrors.New(apperrors.Recoverable, "indexstore", "open", "clearing stale write.lock", err).WithPath(dir)
		}
	case lockHeld:
		return nil, apperrors.New(apperrors.Recoverable, "indexstore", "open", "index is locked by another process", nil).WithPath(dir)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.New(apperrors.Critical, "indexstore", "open", "creating index directory", err).WithPath(dir)
	}

	idx, err := openOrCreate(dir, memoryTuned, synonyms)
	if err != nil {
		return nil, apperrors.New(apperrors.Critical, "indexstore", "open", "opening index", err).WithPath(dir)
	}

	if err := acquireLockFile(dir); err != nil {
		idx.Close()
		return nil, apperrors.New(apperrors.Recoverable, "indexstore", "open", "writing write.lock", err).WithPath(dir)
	}

	now := time.Now()
	ctx = &indexContext{
		hashDir:    hashDir,
		dir:        dir,
		protected:  protected,
		memory:     memoryTuned,
		index:      idx,
		hasWriter:  true,
		lastAccess: now,
		lastOpened: now,
		lastCommit: now,
	}
	s.contexts[hashDir] = ctx
	return ctx, nil
}

func openOrCreate(dir string, memoryTuned bool, synonyms map[string]string) (bleve.Index, error) {
	idx, err := bleve.Open(dir)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return nil, err
	}
	im, err := buildIndexMapping(memoryTuned, synonyms)
	if err != nil {
		return nil, err
	}
	return bleve.NewUsing(dir, im, scorch.Name, scorch.Name, nil)
}

func (c *indexContext) touch() {
	c.mu.Lock()
	c.lastAccess = time.Now()
	c.mu.Unlock()
}

// refreshIfStale reopens a read-only context's handle when it has not
// been refreshed in readerRefreshAge, or when a Commit has happened since
// it was last opened (spec.md §4.2 "Reader/searcher
// caching"). Contexts backed by our own writer always observe their own
// writes immediately and never need this.
func (c *indexContext) refreshIfStale() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasWriter {
		return nil
	}
	if time.Since(c.lastOpened) < readerRefreshAge && !c.lastCommit.After(c.lastOpened) {
		return nil
	}
	if err := c.index.Close(); err != nil {
		return err
	}
	idx, err := bleve.Open(c.dir)
	if err != nil {
		return err
	}
	c.index = idx
	c.lastOpened = time.Now()
	return nil
}

// IndexDocument performs an idempotent updateDocument(Term("id", path),
// doc) (spec.md §4.3 "Parallelism").
func (c *indexContext) IndexDocument(id string, doc interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Index(id, doc)
}

// Batch applies a prebuilt bleve batch under the context lock.
func (c *indexContext) Batch(b *bleve.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Batch(b)
}

func (c *indexContext) NewBatch() *bleve.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.NewBatch()
}

// DeleteDocument removes a document by id.
func (c *indexContext) DeleteDocument(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Delete(id)
}

// Commit flushes pending changes and invalidates the cached reader so
// the next search refreshes (spec.md §4.2 "Commit"). bleve's Index/
// Batch calls are durable immediately, so commit here is the logical
// checkpoint: it stamps lastCommit and forces a refresh on the next
// read-only access.
func (c *indexContext) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCommit = time.Now()
	return nil
}

// Search runs req against the context's index, refreshing a stale
// read-only handle first.
func (c *indexContext) Search(ctx context.Context, req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	if err := c.refreshIfStale(); err != nil {
		return nil, apperrors.New(apperrors.Recoverable, "indexstore", "search", "refreshing reader", err).WithPath(c.dir)
	}
	c.mu.Lock()
	idx := c.index
	c.mu.Unlock()
	return idx.SearchInContext(ctx, req)
}

// DocCount reports the live document count.
func (c *indexContext) DocCount() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.DocCount()
}

// Directory returns the index directory path.
func (c *indexContext) Directory() string { return c.dir }

// Protected reports whether destructive operations are refused.
func (c *indexContext) Protected() bool { return c.protected }

func (s *Store) disposeContext(ctx *indexContext) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	err := ctx.index.Close()
	if ctx.hasWriter {
		if releaseErr := releaseLockFile(ctx.dir); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}
	return err
}

// Dispose evicts and closes the context for hashDir, if open, honoring
// the 5s timeout for eviction (spec.md §4.2 "Idle eviction"): on
// timeout the dispose proceeds without the context lock to avoid a
// leaked context.
func (s *Store) Dispose(hashDir string) error {
	s.mu.Lock()
	ctx, ok := s.contexts[hashDir]
	if ok {
		delete(s.contexts, hashDir)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- s.disposeContext(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		// Dispose without the lock rather than leak the context.
		return ctx.index.Close()
	}
}

// evictionLoop enforces the 15-minute idle timeout and 100-context LRU
// cap (spec.md §4.2 "Idle eviction").
func (s *Store) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopEviction:
			return
		case <-ticker.C:
			s.evictOnce()
		}
	}
}

func (s *Store) evictOnce() {
	idleTimeout := s.cfg.IdleTimeout()
	maxContexts := s.cfg.MaxContexts

	type entry struct {
		hash string
		last time.Time
	}

	s.mu.RLock()
	entries := make([]entry, 0, len(s.contexts))
	for hash, ctx := range s.contexts {
		ctx.mu.Lock()
		last := ctx.lastAccess
		protected := ctx.protected
		ctx.mu.Unlock()
		if protected {
			continue
		}
		entries = append(entries, entry{hash: hash, last: last})
	}
	s.mu.RUnlock()

	now := time.Now()
	var toEvict []string
	for _, e := range entries {
		if now.Sub(e.last) > idleTimeout {
			toEvict = append(toEvict, e.hash)
		}
	}

	if len(entries)-len(toEvict) > maxContexts {
		sort.Slice(entries, func(i, j int) bool { return entries[i].last.Before(entries[j].last) })
		evicted := make(map[string]bool, len(toEvict))
		for _, h := range toEvict {
			evicted[h] = true
		}
		excess := len(entries) - len(toEvict) - maxContexts
		for _, e := range entries {
			if excess <= 0 {
				break
			}
			if evicted[e.hash] {
				continue
			}
			toEvict = append(toEvict, e.hash)
			excess--
		}
	}

	for _, hash := range toEvict {
		if err := s.Dispose(hash); err != nil {
			_ = err // best-effort eviction; failures surface on next Open
		}
	}
}
