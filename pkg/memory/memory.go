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

package memory

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"

	"github.com/kadirpekel/codesearch/pkg/apperrors"
	"github.com/kadirpekel/codesearch/pkg/config"
	"github.com/kadirpekel/codesearch/pkg/contracts"
	"github.com/kadirpekel/codesearch/pkg/indexstore"
)

// hashDir names for the two fixed, protected memory indexes (spec.md §6
// "index/project-memory/…", "index/local-memory/…"). Neither is ever
// registered in workspaces.json; workspace.Registry's hash scheme never
// produces these names, so there is no collision risk.
const (
	projectHashDir = "project-memory"
	localHashDir   = "local-memory"
)

var storedFields = []string{
	"type", "content", "scope", "keywords", "filesInvolved", "timestamp",
	"sessionId", "confidence", "category", "reasoning", "tags", "blob",
}

// writerContext is the subset of *indexstore's unexported context type
// Memory needs, named locally per the same pattern pkg/pipeline uses.
type writerContext interface {
	IndexDocument(id string, doc interface{}) error
	Commit() error
	Search(ctx context.Context, req *bleve.SearchRequest) (*bleve.SearchResult, error)
}

var _ contracts.Memory = (*Memory)(nil)

// Memory implements the Memory subsystem (C5): two protected indexes,
// one per scope family, behind a single store-wide write lock (spec.md
// §4.5 "Writers are long-lived, guarded by a store-wide lock").
type Memory struct {
	store   *indexstore.Store
	dataDir string
	cfg     config.MemoryConfig

	mu        sync.Mutex
	sessionID string
}

// New builds a Memory subsystem rooted at dataDir/index/{project,local}-memory.
func New(store *indexstore.Store, dataDir string, cfg config.MemoryConfig) *Memory {
	return &Memory{store: store, dataDir: dataDir, cfg: cfg, sessionID: uuid.NewString()}
}

func (m *Memory) open(hashDir string) (writerContext, error) {
	dir := filepath.Join(m.dataDir, "index", hashDir)
	ctx, err := m.store.Open(hashDir, dir, true, true, m.cfg.AnalyzerSynonyms)
	if err != nil {
		return nil, err
	}
	return ctx, nil
}

func hashDirFor(scope contracts.MemoryScope) string {
	if scope.IsProjectScope() {
		return projectHashDir
	}
	return localHashDir
}

// Store implements contracts.Memory (spec.md §4.5 "Store").
func (m *Memory) Store(ctx context.Context, entry contracts.MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.SessionID == "" {
		entry.SessionID = m.sessionID
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	doc, err := buildDoc(entry)
	if err != nil {
		return err
	}

	hashDir := hashDirFor(entry.Scope)
	wctx, err := m.open(hashDir)
	if err != nil {
		return err
	}

	if err := wctx.IndexDocument(doc.ID, doc); err != nil {
		return apperrors.New(apperrors.Recoverable, "memory", "store", "indexing entry", err).WithPath(hashDir)
	}
	return wctx.Commit()
}

// Search implements contracts.Memory (spec.md §4.5 "Search", steps 1-7).
func (m *Memory) Search(ctx context.Context, queryStr string, scopeFilter *contracts.MemoryScope, maxResults int) (contracts.MemorySearchResult, error) {
	bq := buildQuery(queryStr, scopeFilter)

	hits, err := m.searchBoth(ctx, bq, maxResults)
	if err != nil {
		return contracts.MemorySearchResult{}, err
	}

	filtered := hits[:0]
	for _, e := range hits {
		if e.Confidence >= m.cfg.MinConfidence {
			filtered = append(filtered, e)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Confidence != filtered[j].Confidence {
			return filtered[i].Confidence > filtered[j].Confidence
		}
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})

	if maxResults > 0 && len(filtered) > maxResults {
		filtered = filtered[:maxResults]
	}

	return contracts.MemorySearchResult{
		Entries:           filtered,
		SuggestedFollowUp: topKeywords(filtered, 5),
	}, nil
}

// ByScope implements contracts.Memory: every entry in scope's index,
// ordered newest first.
func (m *Memory) ByScope(ctx context.Context, scope contracts.MemoryScope, maxResults int) ([]contracts.MemoryEntry, error) {
	hashDir := hashDirFor(scope)
	wctx, err := m.open(hashDir)
	if err != nil {
		return nil, err
	}

	scopeQuery := bleve.NewTermQuery(string(scope))
	scopeQuery.SetField("scope")
	req := bleve.NewSearchRequest(scopeQuery)
	req.Fields = storedFields
	if maxResults > 0 {
		req.Size = maxResults
	} else {
		req.Size = 1000
	}

	result, err := wctx.Search(ctx, req)
	if err != nil {
		return nil, apperrors.New(apperrors.Recoverable, "memory", "by-scope", "searching index", err).WithPath(hashDir)
	}

	entries := hitsToEntries(result)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	return entries, nil
}

// searchBoth runs q against both indexes and unions the hits (spec.md
// §4.5 "Search" step 3). maxResults bounds the per-index request size;
// the caller re-sorts and truncates the union afterward.
func (m *Memory) searchBoth(ctx context.Context, q query.Query, maxResults int) ([]contracts.MemoryEntry, error) {
	size := maxResults
	if size <= 0 {
		size = 1000
	}

	var entries []contracts.MemoryEntry
	for _, hashDir := range []string{projectHashDir, localHashDir} {
		wctx, err := m.open(hashDir)
		if err != nil {
			return nil, err
		}

		req := bleve.NewSearchRequest(q)
		req.Fields = storedFields
		req.Size = size

		result, err := wctx.Search(ctx, req)
		if err != nil {
			return nil, apperrors.New(apperrors.Recoverable, "memory", "search", "searching index", err).WithPath(hashDir)
		}
		entries = append(entries, hitsToEntries(result)...)
	}
	return entries, nil
}
