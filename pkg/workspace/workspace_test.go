package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg, err := New(dir)
	require.NoError(t, err)
	return reg, dir
}

func TestResolveIndexDir_SameWorkspaceReturnsSameHash(t *testing.T) {
	reg, _ := mustRegistry(t)
	repo := t.TempDir()

	first, err := reg.ResolveIndexDir(repo)
	require.NoError(t, err)

	second, err := reg.ResolveIndexDir(repo)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResolveIndexDir_Subsumption(t *testing.T) {
	reg, _ := mustRegistry(t)
	repo := t.TempDir()
	src := filepath.Join(repo, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))

	repoDir, err := reg.ResolveIndexDir(repo)
	require.NoError(t, err)

	srcDir, err := reg.ResolveIndexDir(src)
	require.NoError(t, err)

	assert.Equal(t, repoDir, srcDir, "descendant path must resolve to the ancestor's index dir")
}

func TestResolveIndexDir_AncestorSupersedes(t *testing.T) {
	reg, _ := mustRegistry(t)
	repo := t.TempDir()
	src := filepath.Join(repo, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))

	srcDir, err := reg.ResolveIndexDir(src)
	require.NoError(t, err)

	repoDir, err := reg.ResolveIndexDir(repo)
	require.NoError(t, err)

	assert.NotEqual(t, srcDir, repoDir, "a new, broader entry must be created rather than reusing the descendant")

	// The narrower descendant entry is left in place (not merged).
	mappings := reg.AllMappings()
	assert.Len(t, mappings, 2)
}

func TestResolveIndexDir_IsPureGivenFixedState(t *testing.T) {
	reg, _ := mustRegistry(t)
	repo := t.TempDir()

	a, err := reg.ResolveIndexDir(repo)
	require.NoError(t, err)
	b, err := reg.ResolveIndexDir(repo)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestOriginalPathOf(t *testing.T) {
	reg, _ := mustRegistry(t)
	repo := t.TempDir()

	dir, err := reg.ResolveIndexDir(repo)
	require.NoError(t, err)
	hash := filepath.Base(dir)

	canonical, ok := reg.OriginalPathOf(hash)
	require.True(t, ok)
	assert.Equal(t, repo, canonical)

	_, ok = reg.OriginalPathOf("deadbeef")
	assert.False(t, ok)
}

func TestCleanupDuplicates_KeepsMostRecentlyAccessed(t *testing.T) {
	reg, dataDir := mustRegistry(t)
	repo := t.TempDir()

	first, err := reg.ResolveIndexDir(repo)
	require.NoError(t, err)

	// Simulate a second, stale entry pointing at the same canonical path
	// by writing directly into the in-memory map (as could arise from a
	// pre-subsumption-fix registry file).
	reg.mu.Lock()
	staleHash := "deadbeef"
	canonical := reg.byHash[filepath.Base(first)].OriginalPath
	reg.byHash[staleHash] = Entry{
		OriginalPath: canonical,
		HashDir:      staleHash,
		CreatedAt:    reg.byHash[filepath.Base(first)].CreatedAt,
		LastAccessed: reg.byHash[filepath.Base(first)].LastAccessed.Add(-time.Hour),
	}
	require.NoError(t, os.MkdirAll(reg.indexDirPath(staleHash), 0o755))
	reg.mu.Unlock()

	removed, err := reg.CleanupDuplicates()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	mappings := reg.AllMappings()
	assert.Len(t, mappings, 1)
	_, staleStillExists := os.Stat(filepath.Join(dataDir, "index", staleHash))
	assert.Error(t, staleStillExists)
}

func TestCleanupDuplicates_Idempotent(t *testing.T) {
	reg, _ := mustRegistry(t)
	repo := t.TempDir()
	_, err := reg.ResolveIndexDir(repo)
	require.NoError(t, err)

	first, err := reg.CleanupDuplicates()
	require.NoError(t, err)
	assert.Equal(t, 0, first)

	second, err := reg.CleanupDuplicates()
	require.NoError(t, err)
	assert.Equal(t, 0, second)
}

func TestIsProtectedHash(t *testing.T) {
	assert.True(t, IsProtectedHash("project-memory"))
	assert.True(t, IsProtectedHash("local-memory"))
	assert.False(t, IsProtectedHash("a1b2c3d4"))
}

func TestNew_MissingFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	reg, err := New(dir)
	require.NoError(t, err)
	assert.Empty(t, reg.AllMappings())
}

func TestNew_CorruptFileFailsLoud(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workspaces.json"), []byte("{not json"), 0o644))

	_, err := New(dir)
	require.Error(t, err)
}
