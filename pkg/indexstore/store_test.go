package indexstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codesearch/pkg/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{
		LockTimeoutMin:            1,
		MaxContexts:               100,
		IdleTimeoutMin:            15,
		MinFragmentationThreshold: 20,
		FullDefragmentationThresh: 60,
		TargetSegmentCount:        5,
	}
	s := New(cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pastTime(t *testing.T) time.Time {
	t.Helper()
	return time.Now().Add(-20 * time.Minute)
}

func TestOpen_CreatesIndexAndIndexesDocument(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "idx")

	ctx, err := s.Open("aaaa1111", dir, false, false, nil)
	require.NoError(t, err)

	doc := BuildDocument(filepath.Dir(dir), filepath.Join(dir, "main.go"), 42, 0, "package main")
	require.NoError(t, ctx.IndexDocument(doc.ID, doc))
	require.NoError(t, ctx.Commit())

	req := bleve.NewSearchRequest(bleve.NewMatchQuery("package"))
	res, err := ctx.Search(context.Background(), req)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Total, uint64(1))
}

func TestOpen_ReopensSameContext(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "idx")

	first, err := s.Open("aaaa1111", dir, false, false, nil)
	require.NoError(t, err)
	second, err := s.Open("aaaa1111", dir, false, false, nil)
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestOpen_ProtectedRefusesStuckLock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), []byte("999999@1"), 0o644))
	// Backdate the lock file so it is classified as stuck.
	stale := filepath.Join(dir, lockFileName)
	require.NoError(t, os.Chtimes(stale, pastTime(t), pastTime(t)))

	s := newTestStore(t)
	_, err := s.Open("memory-project", dir, true, true, nil)
	require.Error(t, err)
}

func TestDispose_RemovesContextAndLock(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "idx")

	_, err := s.Open("aaaa1111", dir, false, false, nil)
	require.NoError(t, err)

	require.NoError(t, s.Dispose("aaaa1111"))
	_, err = os.Stat(filepath.Join(dir, lockFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestCheckIntegrity_MissingDirIsClean(t *testing.T) {
	report, err := CheckIntegrity(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.True(t, report.Clean)
}

func TestCheckIntegrity_CorruptDirReportsUnclean(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index_meta.json"), []byte("not valid"), 0o644))

	report, err := CheckIntegrity(dir)
	require.NoError(t, err)
	assert.False(t, report.Clean)
}

func TestDefragment_SkipsBelowMinThreshold(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "idx")
	_, err := s.Open("aaaa1111", dir, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, s.Dispose("aaaa1111"))

	report, err := s.Defragment("aaaa1111", dir, false, false, nil, DefragmentOptions{
		MinThreshold:       20,
		FullThreshold:      60,
		TargetSegmentCount: 5,
	})
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestDefragment_RefusesProtected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Defragment("local-memory", t.TempDir(), true, true, nil, DefragmentOptions{})
	require.Error(t, err)
}

func TestRepair_NoOpWhenClean(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "idx")
	_, err := s.Open("aaaa1111", dir, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, s.Dispose("aaaa1111"))

	report, err := s.Repair("aaaa1111", dir, false, false, nil, RepairOptions{})
	require.NoError(t, err)
	assert.False(t, report.Repaired)
}

func TestRepair_RefusesProtected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Repair("local-memory", t.TempDir(), true, true, nil, RepairOptions{})
	require.Error(t, err)
}
