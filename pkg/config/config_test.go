package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, []string{"node_modules", ".git", "bin", "obj", "dist", "build", ".vs", ".vscode"}, cfg.ExcludedDirectories)
	assert.Equal(t, 500, cfg.Watch.DebounceMs)
	assert.Equal(t, 50, cfg.Watch.BatchSize)
	assert.Equal(t, 5, cfg.Watch.DeleteQuietPeriodS)
	assert.Equal(t, 100, cfg.Watch.AtomicWriteWindowMs)
	assert.Equal(t, 15, cfg.Store.LockTimeoutMin)
	assert.Equal(t, 100, cfg.Store.MaxContexts)
	assert.Equal(t, 20, cfg.Store.MinFragmentationThreshold)
	assert.Equal(t, 60, cfg.Store.FullDefragmentationThresh)
	assert.Equal(t, 5, cfg.Store.TargetSegmentCount)
	assert.InDelta(t, 0.3, cfg.Memory.MinConfidence, 1e-9)
}

func TestSetDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{ExcludedDirectories: []string{"vendor"}}
	cfg.Watch.BatchSize = 10
	cfg.SetDefaults()

	assert.Equal(t, []string{"vendor"}, cfg.ExcludedDirectories)
	assert.Equal(t, 10, cfg.Watch.BatchSize)
	assert.Equal(t, 500, cfg.Watch.DebounceMs) // untouched field still defaulted
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Watch.DebounceMs)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv("CODESEARCH_DATA_DIR", "/var/lib/codesearch")

	require.NoError(t, os.WriteFile(path, []byte("dataDir: ${CODESEARCH_DATA_DIR}\nwatch:\n  batchSize: 25\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/codesearch", cfg.DataDir)
	assert.Equal(t, 25, cfg.Watch.BatchSize)
}
