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

// Package contracts holds the small, dependency-free capability
// interfaces exposed by the core (spec.md §6) so that an external
// transport layer — an MCP server, an HTTP API, a language-server
// bridge — can depend on this package alone instead of reaching into
// pkg/indexstore, pkg/pipeline, pkg/watcher, or pkg/memory directly.
package contracts

import (
	"context"
	"time"
)

// ChangeKind identifies the kind of filesystem change carried by a
// ChangeEvent (spec.md §3 "Change event").
type ChangeKind int

const (
	Created ChangeKind = iota
	Modified
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent is the canonical, coalesced change notification produced
// by the watcher (C4) and consumed by the pipeline (C3) and index store
// (C2).
type ChangeEvent struct {
	Workspace string
	Path      string
	Kind      ChangeKind
	Timestamp time.Time
}

// SearchResult is one hit from a Searcher.Search call.
type SearchResult struct {
	ID    string
	Score float64
	Path  string
	// Fields holds the stored field values bleve returned for the hit
	// (e.g. "filename", "language", "relativePath").
	Fields map[string]any
}

// Indexer is the write-side collaborator interface exposed by the core.
type Indexer interface {
	// IndexDirectory performs a full initial walk of dir under
	// workspace, indexing every file the active filter admits.
	IndexDirectory(ctx context.Context, workspace, dir string) error

	// IndexFile (re)indexes a single file, idempotently.
	IndexFile(ctx context.Context, workspace, path string) error

	// UpdateFile is an alias for IndexFile used by callers that already
	// know the file exists and changed (kept distinct so a transport
	// layer can log "update" vs "create" without re-deriving it).
	UpdateFile(ctx context.Context, workspace, path string) error

	// RemoveFile deletes path's document from the workspace's index.
	RemoveFile(ctx context.Context, workspace, path string) error
}

// Searcher is the read-side collaborator interface exposed by the core.
type Searcher interface {
	Search(ctx context.Context, workspace, query string, maxResults int) ([]SearchResult, error)
}

// MemoryScope partitions memory entries between project (shared,
// version-controlled) and local (developer-private) indexes.
type MemoryScope string

const (
	ScopeArchitecturalDecision MemoryScope = "ArchitecturalDecision"
	ScopeCodePattern           MemoryScope = "CodePattern"
	ScopeSecurityRule          MemoryScope = "SecurityRule"
	ScopeProjectInsight        MemoryScope = "ProjectInsight"
	ScopeWorkingNote           MemoryScope = "WorkingNote"
	ScopeQuestion              MemoryScope = "Question"
)

// IsProjectScope reports whether scope routes to the project-memory
// index rather than the local-memory index (spec.md §4.5).
func (s MemoryScope) IsProjectScope() bool {
	switch s {
	case ScopeArchitecturalDecision, ScopeCodePattern, ScopeSecurityRule, ScopeProjectInsight:
		return true
	default:
		return false
	}
}

// MemoryEntry is the typed document stored by the Memory subsystem
// (spec.md §3 "MemoryEntry").
type MemoryEntry struct {
	ID            string
	Type          string
	Content       string
	Scope         MemoryScope
	Keywords      []string
	FilesInvolved []string
	Timestamp     time.Time
	SessionID     string
	Confidence    float64
	Category      string
	Reasoning     string
	Tags          []string
}

// MemorySearchResult is one hit from Memory.Search, plus the suggested
// follow-up queries derived from the whole hit set.
type MemorySearchResult struct {
	Entries           []MemoryEntry
	SuggestedFollowUp []string
}

// Memory is the collaborator interface exposed by the Memory subsystem
// (C5).
type Memory interface {
	Store(ctx context.Context, entry MemoryEntry) error
	Search(ctx context.Context, query string, scopeFilter *MemoryScope, maxResults int) (MemorySearchResult, error)
	ByScope(ctx context.Context, scope MemoryScope, maxResults int) ([]MemoryEntry, error)
}

// ChangeSubscriber is notified once per processed change event by the
// watcher (C4). Implementations must be idempotent and fast: the
// watcher enforces a 5s budget per notification (spec.md §4.4, §5).
type ChangeSubscriber interface {
	OnChange(ctx context.Context, event ChangeEvent) error
}
