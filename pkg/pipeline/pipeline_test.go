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

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codesearch/pkg/config"
	"github.com/kadirpekel/codesearch/pkg/indexstore"
	"github.com/kadirpekel/codesearch/pkg/workspace"
)

func TestFilterPolicy_SkipDir(t *testing.T) {
	p := NewFilterPolicy(nil, nil, nil, "/data")
	assert.True(t, p.SkipDir("node_modules", "/ws/node_modules"))
	assert.True(t, p.SkipDir(".GIT", "/ws/.GIT"))
	assert.False(t, p.SkipDir("src", "/ws/src"))
	assert.True(t, p.SkipDir("anything", "/data/index"))
}

func TestFilterPolicy_Whitelist(t *testing.T) {
	p := NewFilterPolicy([]string{".go", "py"}, nil, nil, "")
	assert.True(t, p.AllowsExtension(".go"))
	assert.True(t, p.AllowsExtension(".py"))
	assert.False(t, p.AllowsExtension(".md"))
}

func TestFilterPolicy_Blacklist(t *testing.T) {
	p := NewFilterPolicy(nil, []string{".exe", ".dll"}, nil, "")
	assert.False(t, p.AllowsExtension(".exe"))
	assert.True(t, p.AllowsExtension(".go"))
}

func TestFilterPolicy_TempFileRejected(t *testing.T) {
	p := NewFilterPolicy(nil, nil, nil, "")
	assert.False(t, p.AllowsFile("/ws/main.go.tmp.12345.swp"))
	assert.True(t, p.AllowsFile("/ws/main.go"))
}

func TestWalk_SkipsExcludedAndRespectsPolicy(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "x.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "edit.go.tmp.42"), []byte("x"), 0o644))

	p := NewFilterPolicy([]string{".go"}, nil, nil, "")
	files, err := walk(root, p)
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, filepath.Join(root, "main.go"))
	assert.NotContains(t, paths, filepath.Join(root, "node_modules", "x.go"))
	assert.NotContains(t, paths, filepath.Join(root, "README.md"))
	assert.NotContains(t, paths, filepath.Join(root, "edit.go.tmp.42"))
}

func TestReadFile_SizeBoundaries(t *testing.T) {
	dir := t.TempDir()

	underMmap := filepath.Join(dir, "small.txt")
	require.NoError(t, os.WriteFile(underMmap, bytesOf(mmapThreshold-1, 'a'), 0o644))
	content, err := readFile(underMmap, mmapThreshold-1)
	require.NoError(t, err)
	assert.Len(t, content, mmapThreshold-1)

	overMmap := filepath.Join(dir, "large.txt")
	require.NoError(t, os.WriteFile(overMmap, bytesOf(mmapThreshold+1, 'b'), 0o644))
	content, err = readFile(overMmap, mmapThreshold+1)
	require.NoError(t, err)
	assert.Len(t, content, mmapThreshold+1)

	_, err = readFile(overMmap, maxFileSize+1)
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestReadFile_ReplacesMalformedUTF8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte{'a', 0xff, 0xfe, 'b'}, 0o644))
	content, err := readFile(path, 4)
	require.NoError(t, err)
	assert.True(t, strings.Contains(content, "a") && strings.Contains(content, "b"))
}

func bytesOf(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func newTestPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	base := t.TempDir()

	reg, err := workspace.New(base)
	require.NoError(t, err)

	store := indexstore.New(config.StoreConfig{
		LockTimeoutMin: 15,
		MaxContexts:    10,
		IdleTimeoutMin: 15,
	})
	t.Cleanup(func() { _ = store.Close() })

	policy := NewFilterPolicy([]string{".go", ".md"}, nil, nil, base)
	return New(store, reg, policy), base
}

func TestIndexDirectoryResult_IndexesAdmittedFiles(t *testing.T) {
	p, _ := newTestPipeline(t)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\nfunc A() {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.md"), []byte("# doc"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "c.bin"), []byte{0, 1, 2}, 0o644))

	result, err := p.IndexDirectoryResult(context.Background(), root, root)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.True(t, result.Success)
}

func TestIndexFileAndRemoveFile_RoundTrip(t *testing.T) {
	p, _ := newTestPipeline(t)

	root := t.TempDir()
	file := filepath.Join(root, "x.go")
	require.NoError(t, os.WriteFile(file, []byte("package x"), 0o644))

	require.NoError(t, p.IndexFile(context.Background(), root, file))
	require.NoError(t, p.RemoveFile(context.Background(), root, file))
}
