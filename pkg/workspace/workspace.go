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

// Package workspace implements the Registry (C1): the stable mapping
// from a workspace root path to an on-disk index directory, including
// subsumption of descendant paths and persisted metadata.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/kadirpekel/codesearch/pkg/apperrors"
	"github.com/kadirpekel/codesearch/pkg/retry"
)

const hashLen = 8

// memoryHashMarker is the substring that marks an index directory as a
// protected memory index (spec.md §3); the registry never creates or
// stores entries whose hashDir contains it.
const memoryHashMarker = "memory"

// Entry is a single RegistryEntry (spec.md §3): the persisted mapping
// from a canonical workspace path to its index directory.
type Entry struct {
	OriginalPath string    `json:"originalPath"`
	HashDir      string    `json:"hashPath"`
	CreatedAt    time.Time `json:"createdAt"`
	LastAccessed time.Time `json:"lastAccessed"`
}

type fileSchema struct {
	Indexes map[string]Entry `json:"indexes"`
}

// Registry is the workspace→index-dir mapping. It owns workspaces.json
// under baseDataDir and the physical index directories it creates.
//
// A Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byHash  map[string]Entry
	path    string // path to workspaces.json
	indexes string // base directory holding one subdirectory per hashDir
	retryer *retry.Retryer
}

// New loads (or initializes) a registry rooted at baseDataDir. The
// registry file lives at baseDataDir/workspaces.json; index directories
// live under baseDataDir/index/<hash>.
func New(baseDataDir string) (*Registry, error) {
	r := &Registry{
		byHash:  make(map[string]Entry),
		path:    filepath.Join(baseDataDir, "workspaces.json"),
		indexes: filepath.Join(baseDataDir, "index"),
		retryer: retry.New(retry.DefaultConfig()),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.New(apperrors.Recoverable, "registry", "load", "reading registry file", err).WithPath(r.path)
	}

	var schema fileSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		// Parse failures fail loud; do not silently discard the existing file.
		return apperrors.New(apperrors.Critical, "registry", "load", "parsing registry file", err).WithPath(r.path)
	}

	for hash, entry := range schema.Indexes {
		if IsProtectedHash(hash) {
			continue
		}
		entry.HashDir = hash
		r.byHash[hash] = entry
	}
	return nil
}

func (r *Registry) persistLocked() error {
	schema := fileSchema{Indexes: make(map[string]Entry, len(r.byHash))}
	for hash, entry := range r.byHash {
		schema.Indexes[hash] = entry
	}

	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return apperrors.New(apperrors.Critical, "registry", "persist", "marshalling registry", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return apperrors.New(apperrors.Critical, "registry", "persist", "creating data directory", err).WithPath(filepath.Dir(r.path))
	}

	return r.retryer.Do(context.Background(), "registry.persist", func() error {
		return atomic.WriteFile(r.path, strings.NewReader(string(raw)))
	})
}

// canonicalize normalizes a workspace path the way spec.md §3 requires:
// absolute, cleaned, and case-folded on platforms whose default
// filesystem is case-insensitive.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperrors.New(apperrors.Expected, "registry", "canonicalize", "resolving absolute path", err).WithPath(path)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		abs = resolved
	}
	abs = filepath.Clean(abs)
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		abs = strings.ToLower(abs)
	}
	return abs, nil
}

func hashOf(canonicalPath string) string {
	sum := sha256.Sum256([]byte(canonicalPath))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// isDescendant reports whether child is a strict descendant of parent,
// both already canonicalized.
func isDescendant(child, parent string) bool {
	if child == parent {
		return false
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// ResolveIndexDir implements resolveIndexDir (spec.md §4.1): canonicalize,
// consult the registry, and return an existing or newly created
// IndexDirectory path, honoring subsumption in both directions.
func (r *Registry) ResolveIndexDir(workspacePath string) (string, error) {
	canonical, err := canonicalize(workspacePath)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	// Exact match.
	for hash, entry := range r.byHash {
		if entry.OriginalPath == canonical {
			entry.LastAccessed = now
			r.byHash[hash] = entry
			if err := r.persistLocked(); err != nil {
				return "", err
			}
			return r.indexDirPath(hash), nil
		}
	}

	// Subsumption: an existing entry is an ancestor of the requested path.
	for hash, entry := range r.byHash {
		if isDescendant(canonical, entry.OriginalPath) {
			entry.LastAccessed = now
			r.byHash[hash] = entry
			if err := r.persistLocked(); err != nil {
				return "", err
			}
			return r.indexDirPath(hash), nil
		}
	}

	// Ancestor supersedes: the requested path is a strict ancestor of one
	// or more existing entries. A brand new, broader entry is created;
	// the narrower descendants are left in place (see DESIGN.md for the
	// resolved Open Question on whether they are merged or superseded).
	hash := r.newHash(canonical)
	entry := Entry{
		OriginalPath: canonical,
		HashDir:      hash,
		CreatedAt:    now,
		LastAccessed: now,
	}
	r.byHash[hash] = entry
	if err := os.MkdirAll(r.indexDirPath(hash), 0o755); err != nil {
		delete(r.byHash, hash)
		return "", apperrors.New(apperrors.Critical, "registry", "resolve", "creating index directory", err).WithPath(r.indexDirPath(hash))
	}
	if err := r.persistLocked(); err != nil {
		return "", err
	}
	return r.indexDirPath(hash), nil
}

// newHash derives a hash for canonical, re-deriving with a disambiguating
// suffix in the astronomically unlikely event of a collision with a
// different path.
func (r *Registry) newHash(canonical string) string {
	hash := hashOf(canonical)
	for attempt := 1; ; attempt++ {
		existing, ok := r.byHash[hash]
		if !ok || existing.OriginalPath == canonical {
			return hash
		}
		hash = hashOf(fmt.Sprintf("%s\x00%d", canonical, attempt))
	}
}

func (r *Registry) indexDirPath(hash string) string {
	return filepath.Join(r.indexes, hash)
}

// OriginalPathOf implements originalPathOf (spec.md §4.1).
func (r *Registry) OriginalPathOf(hashDir string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byHash[hashDir]
	if !ok {
		return "", false
	}
	return entry.OriginalPath, true
}

// AllMappings implements allMappings (spec.md §4.1).
func (r *Registry) AllMappings() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Entry, len(r.byHash))
	for hash, entry := range r.byHash {
		out[hash] = entry
	}
	return out
}

// CleanupDuplicates implements cleanupDuplicates (spec.md §4.1): entries
// are grouped by OriginalPath case-insensitively, the most-recently
// accessed one in each group is kept, and the rest are removed from the
// registry and deleted from disk. Protected memory entries never appear
// in the registry, so they are never touched here.
func (r *Registry) CleanupDuplicates() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make(map[string][]string) // lower(originalPath) -> hashes
	for hash, entry := range r.byHash {
		key := strings.ToLower(entry.OriginalPath)
		groups[key] = append(groups[key], hash)
	}

	removed := 0
	for _, hashes := range groups {
		if len(hashes) < 2 {
			continue
		}
		keep := hashes[0]
		for _, hash := range hashes[1:] {
			if r.byHash[hash].LastAccessed.After(r.byHash[keep].LastAccessed) {
				keep = hash
			}
		}
		for _, hash := range hashes {
			if hash == keep {
				continue
			}
			if err := os.RemoveAll(r.indexDirPath(hash)); err != nil {
				return removed, apperrors.New(apperrors.Recoverable, "registry", "cleanup", "removing duplicate index directory", err).WithPath(r.indexDirPath(hash))
			}
			delete(r.byHash, hash)
			removed++
		}
	}

	if removed > 0 {
		if err := r.persistLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// IsProtectedHash reports whether hash names a protected memory index
// (spec.md §3): the registry must never create or store such an entry.
func IsProtectedHash(hash string) bool {
	return strings.Contains(hash, memoryHashMarker)
}
