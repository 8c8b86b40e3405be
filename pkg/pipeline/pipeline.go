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
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/codesearch/pkg/apperrors"
	"github.com/kadirpekel/codesearch/pkg/contracts"
	"github.com/kadirpekel/codesearch/pkg/indexstore"
	"github.com/kadirpekel/codesearch/pkg/workspace"
)

var _ contracts.Indexer = (*Pipeline)(nil)
var _ contracts.Searcher = (*Pipeline)(nil)

// writerContext is the subset of *indexstore's unexported context type
// the pipeline needs. indexstore.Store.Open returns that unexported
// type; assigning it to this local interface is how an external package
// uses it without naming it (the concrete type's methods are exported).
type writerContext interface {
	IndexDocument(id string, doc interface{}) error
	DeleteDocument(id string) error
	Commit() error
	Search(ctx context.Context, req *bleve.SearchRequest) (*bleve.SearchResult, error)
}

// Pipeline implements contracts.Indexer (C3): it walks a workspace,
// filters and reads files, and indexes them through an indexstore.Store.
type Pipeline struct {
	store    *indexstore.Store
	registry *workspace.Registry
	policy   *FilterPolicy
	workers  int
}

// New builds a Pipeline with #CPU worker parallelism (spec.md §4.3
// "Parallelism").
func New(store *indexstore.Store, registry *workspace.Registry, policy *FilterPolicy) *Pipeline {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{store: store, registry: registry, policy: policy, workers: workers}
}

func (p *Pipeline) open(ws string) (writerContext, string, error) {
	indexDir, err := p.registry.ResolveIndexDir(ws)
	if err != nil {
		return nil, "", err
	}
	ctx, err := p.store.Open(filepath.Base(indexDir), indexDir, false, false, nil)
	if err != nil {
		return nil, "", err
	}
	return ctx, indexDir, nil
}

// IndexDirectory implements contracts.Indexer. Per-file failures never
// abort the walk (spec.md §4.3 "Parallelism"); only context cancellation
// or a failure to open or commit the index itself is returned as an error. Use
// IndexDirectoryResult for the detailed per-file breakdown.
func (p *Pipeline) IndexDirectory(ctx context.Context, ws, dir string) error {
	_, err := p.IndexDirectoryResult(ctx, ws, dir)
	return err
}

// IndexDirectoryResult performs the full initial walk of dir under
// workspace ws, indexing every file the active filter admits, and
// returns an apperrors.Result describing the run.
func (p *Pipeline) IndexDirectoryResult(ctx context.Context, ws, dir string) (apperrors.Result, error) {
	start := time.Now()

	wctx, _, err := p.open(ws)
	if err != nil {
		return apperrors.Result{}, err
	}

	files, err := walk(dir, p.policy)
	if err != nil {
		return apperrors.Result{}, err
	}

	var (
		mu                 sync.Mutex
		processed, skipped int
		errs               []apperrors.FileError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, f := range files {
		f := f
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			content, readErr := readFile(f.Path, f.Size)
			mu.Lock()
			defer mu.Unlock()

			switch {
			case readErr == ErrFileTooLarge:
				skipped++
			case readErr != nil:
				errs = append(errs, apperrors.FileError{Path: f.Path, Kind: apperrors.KindOf(readErr), Message: readErr.Error()})
				slog.Debug("pipeline: file read failed", "path", f.Path, "error", readErr)
			default:
				doc := indexstore.BuildDocument(ws, f.Path, f.Size, f.ModTime.Unix(), content)
				if indexErr := wctx.IndexDocument(doc.ID, doc); indexErr != nil {
					errs = append(errs, apperrors.FileError{Path: f.Path, Kind: apperrors.Recoverable, Message: indexErr.Error()})
					slog.Warn("pipeline: indexing file failed", "path", f.Path, "error", indexErr)
				} else {
					processed++
				}
			}
			return nil
		})
	}

	if waitErr := g.Wait(); waitErr != nil {
		return apperrors.Result{}, waitErr
	}

	if err := wctx.Commit(); err != nil {
		return apperrors.Result{}, apperrors.New(apperrors.Recoverable, "pipeline", "index-directory", "committing index", err).WithPath(dir)
	}

	return apperrors.NewResult(processed, skipped, errs, time.Since(start)), nil
}

// IndexFile implements contracts.Indexer: it (re)indexes a single file,
// idempotently, via the writer's updateDocument semantics.
func (p *Pipeline) IndexFile(ctx context.Context, ws, path string) error {
	wctx, _, err := p.open(ws)
	if err != nil {
		return err
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		return apperrors.New(apperrors.Expected, "pipeline", "index-file", "stat failed", statErr).WithPath(path)
	}

	content, err := readFile(path, info.Size())
	if err == ErrFileTooLarge {
		return nil
	}
	if err != nil {
		return err
	}

	doc := indexstore.BuildDocument(ws, path, info.Size(), info.ModTime().Unix(), content)
	if err := wctx.IndexDocument(doc.ID, doc); err != nil {
		return apperrors.New(apperrors.Recoverable, "pipeline", "index-file", "indexing file", err).WithPath(path)
	}
	return wctx.Commit()
}

// UpdateFile implements contracts.Indexer as an alias for IndexFile
// (spec.md §4.4 "Rename" treats an update identically to a create).
func (p *Pipeline) UpdateFile(ctx context.Context, ws, path string) error {
	return p.IndexFile(ctx, ws, path)
}

// RemoveFile implements contracts.Indexer: deletes path's document and
// commits.
func (p *Pipeline) RemoveFile(ctx context.Context, ws, path string) error {
	wctx, _, err := p.open(ws)
	if err != nil {
		return err
	}
	if err := wctx.DeleteDocument(path); err != nil {
		return apperrors.New(apperrors.Recoverable, "pipeline", "remove-file", "deleting document", err).WithPath(path)
	}
	return wctx.Commit()
}
