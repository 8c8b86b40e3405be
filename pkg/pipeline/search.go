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

	"github.com/blevesearch/bleve/v2"

	"github.com/kadirpekel/codesearch/pkg/apperrors"
	"github.com/kadirpekel/codesearch/pkg/contracts"
)

// resultFields are the stored code-document fields returned with each
// hit (spec.md §3 "Document"); content itself is indexed but not stored,
// so it is never part of a SearchResult.
var resultFields = []string{
	"path", "filename", "extension", "directory", "relativePath",
	"relativeDirectory", "directoryName", "size", "lastModified", "language",
}

// buildSearchQuery implements spec.md §6 "Searcher": a query over the
// three text fields a code document exposes, built as an explicit
// disjunction of per-field match queries rather than relying on the
// implicit "_all" field.
func buildSearchQuery(queryStr string) *bleve.DisjunctionQuery {
	content := bleve.NewMatchQuery(queryStr)
	content.SetField("content")

	filename := bleve.NewMatchQuery(queryStr)
	filename.SetField("filename_text")

	directory := bleve.NewMatchQuery(queryStr)
	directory.SetField("directory_text")

	return bleve.NewDisjunctionQuery(content, filename, directory)
}

// Search implements contracts.Searcher: it runs queryStr against the
// workspace's index and returns the admitted hits ranked by score,
// highest first (bleve's own hit ordering).
func (p *Pipeline) Search(ctx context.Context, ws, queryStr string, maxResults int) ([]contracts.SearchResult, error) {
	wctx, indexDir, err := p.open(ws)
	if err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequest(buildSearchQuery(queryStr))
	req.Fields = resultFields
	if maxResults > 0 {
		req.Size = maxResults
	} else {
		req.Size = 100
	}

	result, err := wctx.Search(ctx, req)
	if err != nil {
		return nil, apperrors.New(apperrors.Recoverable, "pipeline", "search", "searching index", err).WithPath(indexDir)
	}

	hits := make([]contracts.SearchResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		path, _ := hit.Fields["path"].(string)
		hits = append(hits, contracts.SearchResult{
			ID:     hit.ID,
			Score:  hit.Score,
			Path:   path,
			Fields: hit.Fields,
		})
	}
	return hits, nil
}
