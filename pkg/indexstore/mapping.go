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

package indexstore

import (
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
)

// memoryAnalyzerName and synonymFilterName are the custom analyzer and
// token-filter names installed on memory-tuned mappings (spec.md §4.2
// "Analyzer selection").
const (
	memoryAnalyzerName = "codesearch_memory"
	synonymFilterName  = "codesearch_memory_synonyms"
	synonymFilterType  = "codesearch_synonym_filter"
)

func init() {
	registry.RegisterTokenFilter(synonymFilterType, func(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
		synonyms, _ := config["synonyms"].(map[string]string)
		return newSynonymTokenFilter(synonyms), nil
	})
}

// buildIndexMapping constructs the bleve mapping for code documents
// (standard analyzer) or memory documents (memory-tuned analyzer with
// synonym expansion), per spec.md §4.2.
func buildIndexMapping(memoryTuned bool, synonyms map[string]string) (mapping.IndexMapping, error) {
	im := bleve.NewIndexMapping()

	analyzerName := standard.Name
	if memoryTuned {
		analyzerName = memoryAnalyzerName
		if err := im.AddCustomTokenFilter(synonymFilterName, map[string]interface{}{
			"type":     synonymFilterType,
			"synonyms": synonyms,
		}); err != nil {
			return nil, err
		}
		if err := im.AddCustomAnalyzer(memoryAnalyzerName, map[string]interface{}{
			"type":      "custom",
			"tokenizer": unicode.Name,
			"token_filters": []string{
				lowercase.Name,
				synonymFilterName,
			},
		}); err != nil {
			return nil, err
		}
	}

	stored := bleve.NewTextFieldMapping()
	stored.Store = true
	stored.Index = false
	stored.IncludeInAll = false

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = "keyword"
	keywordField.Store = true
	keywordField.Index = true
	keywordField.IncludeInAll = false

	textField := bleve.NewTextFieldMapping()
	textField.Store = false
	textField.Index = true
	textField.Analyzer = analyzerName

	numField := bleve.NewNumericFieldMapping()
	numField.Store = true
	numField.Index = true
	numField.IncludeInAll = false

	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt("id", keywordField)
	doc.AddFieldMappingsAt("path", stored)
	doc.AddFieldMappingsAt("filename", stored)
	doc.AddFieldMappingsAt("extension", stored)
	doc.AddFieldMappingsAt("directory", stored)
	doc.AddFieldMappingsAt("relativePath", stored)
	doc.AddFieldMappingsAt("relativeDirectory", stored)
	doc.AddFieldMappingsAt("directoryName", stored)
	doc.AddFieldMappingsAt("size", numField)
	doc.AddFieldMappingsAt("lastModified", numField)
	doc.AddFieldMappingsAt("content", textField)
	doc.AddFieldMappingsAt("filename_text", textField)
	doc.AddFieldMappingsAt("directory_text", textField)
	doc.AddFieldMappingsAt("language", stored)

	// Memory-entry fields (spec.md §3 "MemoryEntry", §4.5). A given
	// physical index holds documents of exactly one shape (code
	// documents or memory entries), so sharing one static mapping across
	// both shapes just means each document type leaves the other
	// shape's fields unset.
	doc.AddFieldMappingsAt("type", stored)
	doc.AddFieldMappingsAt("scope", keywordField)
	doc.AddFieldMappingsAt("keywords", textField)
	doc.AddFieldMappingsAt("filesInvolved", stored)
	doc.AddFieldMappingsAt("timestamp", numField)
	doc.AddFieldMappingsAt("sessionId", keywordField)
	doc.AddFieldMappingsAt("confidence", numField)
	doc.AddFieldMappingsAt("category", stored)
	doc.AddFieldMappingsAt("reasoning", stored)
	doc.AddFieldMappingsAt("tags", textField)
	doc.AddFieldMappingsAt("blob", stored)

	im.DefaultMapping = doc
	im.DefaultAnalyzer = analyzerName
	return im, nil
}

// synonymTokenFilter expands each token that matches a configured
// synonym key into the original token followed by its synonym,
// preserving position so both terms are searchable at that slot.
type synonymTokenFilter struct {
	synonyms map[string]string
}

func newSynonymTokenFilter(synonyms map[string]string) *synonymTokenFilter {
	normalized := make(map[string]string, len(synonyms))
	for k, v := range synonyms {
		normalized[strings.ToLower(k)] = v
	}
	return &synonymTokenFilter{synonyms: normalized}
}

// Filter implements analysis.TokenFilter.
func (f *synonymTokenFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	if len(f.synonyms) == 0 {
		return input
	}
	out := make(analysis.TokenStream, 0, len(input))
	for _, tok := range input {
		out = append(out, tok)
		if syn, ok := f.synonyms[strings.ToLower(string(tok.Term))]; ok {
			out = append(out, &analysis.Token{
				Term:     []byte(syn),
				Start:    tok.Start,
				End:      tok.End,
				Position: tok.Position,
				Type:     tok.Type,
			})
		}
	}
	return out
}
