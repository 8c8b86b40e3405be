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
	"sort"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/kadirpekel/codesearch/pkg/contracts"
)

// buildQuery implements spec.md §4.5 "Search" steps 1-2: "*" means
// match-all, otherwise a query-string query over the "_all" field
// (content, keywords and tags);
// an optional scope filter is conjoined as an exact term query.
func buildQuery(queryStr string, scopeFilter *contracts.MemoryScope) query.Query {
	var q query.Query
	if queryStr == "" || queryStr == "*" {
		q = bleve.NewMatchAllQuery()
	} else {
		q = bleve.NewQueryStringQuery(queryStr)
	}

	if scopeFilter == nil {
		return q
	}
	scopeQuery := bleve.NewTermQuery(string(*scopeFilter))
	scopeQuery.SetField("scope")
	return bleve.NewConjunctionQuery(q, scopeQuery)
}

func hitsToEntries(result *bleve.SearchResult) []contracts.MemoryEntry {
	entries := make([]contracts.MemoryEntry, 0, len(result.Hits))
	for _, hit := range result.Hits {
		if entry, ok := decodeEntry(hit.Fields); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

// topKeywords implements spec.md §4.5 "Search" step 7: the n most
// frequent keywords across entries, most frequent first.
func topKeywords(entries []contracts.MemoryEntry, n int) []string {
	counts := make(map[string]int)
	var order []string
	for _, e := range entries {
		for _, kw := range e.Keywords {
			if _, seen := counts[kw]; !seen {
				order = append(order, kw)
			}
			counts[kw]++
		}
	}

	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > n {
		order = order[:n]
	}
	return order
}
