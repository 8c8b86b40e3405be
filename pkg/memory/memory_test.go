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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codesearch/pkg/config"
	"github.com/kadirpekel/codesearch/pkg/contracts"
	"github.com/kadirpekel/codesearch/pkg/indexstore"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	base := t.TempDir()

	store := indexstore.New(config.StoreConfig{
		LockTimeoutMin: 15,
		MaxContexts:    10,
		IdleTimeoutMin: 15,
	})
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.MemoryConfig{MinConfidence: 0.3}
	return New(store, base, cfg)
}

func TestStoreAndSearch_RoundTrip(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	entry := contracts.MemoryEntry{
		Content:    "retries use exponential backoff capped at three attempts",
		Type:       "decision",
		Scope:      contracts.ScopeArchitecturalDecision,
		Keywords:   []string{"retry", "backoff"},
		Confidence: 0.9,
		Category:   "resilience",
	}
	require.NoError(t, m.Store(ctx, entry))

	result, err := m.Search(ctx, "backoff", nil, 10)
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)

	got := result.Entries[0]
	assert.Equal(t, entry.Content, got.Content)
	assert.Equal(t, entry.Scope, got.Scope)
	assert.Equal(t, entry.Keywords, got.Keywords)
	assert.Equal(t, entry.Confidence, got.Confidence)
	assert.NotEmpty(t, got.ID)
	assert.NotEmpty(t, got.SessionID)
}

func TestStore_RoutesByScope(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Store(ctx, contracts.MemoryEntry{
		Content: "project-wide invariant about lock ordering",
		Scope:   contracts.ScopeArchitecturalDecision,
	}))
	require.NoError(t, m.Store(ctx, contracts.MemoryEntry{
		Content: "remember to rerun the flaky integration test locally",
		Scope:   contracts.ScopeWorkingNote,
	}))

	projectEntries, err := m.ByScope(ctx, contracts.ScopeArchitecturalDecision, 10)
	require.NoError(t, err)
	require.Len(t, projectEntries, 1)
	assert.Contains(t, projectEntries[0].Content, "lock ordering")

	localEntries, err := m.ByScope(ctx, contracts.ScopeWorkingNote, 10)
	require.NoError(t, err)
	require.Len(t, localEntries, 1)
	assert.Contains(t, localEntries[0].Content, "flaky integration test")
}

func TestSearch_DropsBelowMinConfidenceAndSortsByConfidenceThenRecency(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.Store(ctx, contracts.MemoryEntry{
		Content: "pattern alpha for caching reads", Scope: contracts.ScopeCodePattern,
		Confidence: 0.1, Timestamp: now,
	}))
	require.NoError(t, m.Store(ctx, contracts.MemoryEntry{
		Content: "pattern beta for caching writes", Scope: contracts.ScopeCodePattern,
		Confidence: 0.8, Timestamp: now.Add(-time.Hour),
	}))
	require.NoError(t, m.Store(ctx, contracts.MemoryEntry{
		Content: "pattern gamma for caching reads and writes", Scope: contracts.ScopeCodePattern,
		Confidence: 0.8, Timestamp: now,
	}))

	result, err := m.Search(ctx, "pattern caching", nil, 10)
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	assert.Contains(t, result.Entries[0].Content, "gamma")
	assert.Contains(t, result.Entries[1].Content, "beta")
}

func TestSearch_MatchAllAndScopeFilter(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Store(ctx, contracts.MemoryEntry{
		Content: "security rule: never log raw tokens", Scope: contracts.ScopeSecurityRule, Confidence: 0.9,
	}))
	require.NoError(t, m.Store(ctx, contracts.MemoryEntry{
		Content: "question: should we cache negative lookups", Scope: contracts.ScopeQuestion, Confidence: 0.9,
	}))

	all, err := m.Search(ctx, "*", nil, 10)
	require.NoError(t, err)
	assert.Len(t, all.Entries, 2)

	scope := contracts.ScopeSecurityRule
	filtered, err := m.Search(ctx, "*", &scope, 10)
	require.NoError(t, err)
	require.Len(t, filtered.Entries, 1)
	assert.Equal(t, contracts.ScopeSecurityRule, filtered.Entries[0].Scope)
}

func TestSearch_SuggestsFollowUpFromKeywords(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Store(ctx, contracts.MemoryEntry{
			Content:    "notes about retry handling",
			Scope:      contracts.ScopeWorkingNote,
			Keywords:   []string{"retry", "timeout"},
			Confidence: 0.5,
		}))
	}

	result, err := m.Search(ctx, "retry", nil, 10)
	require.NoError(t, err)
	assert.Contains(t, result.SuggestedFollowUp, "retry")
	assert.Contains(t, result.SuggestedFollowUp, "timeout")
}
