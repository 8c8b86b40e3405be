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
	"encoding/json"
	"path/filepath"
	"strings"
)

// Document is one indexed source file (spec.md §3). Blob carries the
// whole document as JSON, the same round-trip pattern pkg/memory uses
// for MemoryEntry: content and the *_text fields are indexed but not
// stored (they would roughly double index size for no query benefit),
// so a rebuild (defragment's reindex) can only recover them from blob.
type Document struct {
	ID                string `json:"id"`
	Path              string `json:"path"`
	Filename          string `json:"filename"`
	Extension         string `json:"extension"`
	Directory         string `json:"directory"`
	RelativePath      string `json:"relativePath"`
	RelativeDirectory string `json:"relativeDirectory"`
	DirectoryName     string `json:"directoryName"`
	Size              int64  `json:"size"`
	LastModified      int64  `json:"lastModified"`
	Content           string `json:"content"`
	FilenameText      string `json:"filename_text"`
	DirectoryText     string `json:"directory_text"`
	Language          string `json:"language"`
	Blob              string `json:"blob"`
}

// BuildDocument builds a Document for path, rooted at workspaceRoot, with
// the already-decoded content and modification time in Unix seconds.
//
// Path-derived strings use the "safe" wrappers below: a path-library
// failure yields an empty string rather than propagating, since in this
// context it is always recoverable (spec.md §4.3 "Document build").
func BuildDocument(workspaceRoot, path string, size, lastModified int64, content string) Document {
	filename := safeBase(path)
	ext := strings.ToLower(safeExt(path))
	directory := safeDir(path)
	relPath := safeRel(workspaceRoot, path)
	relDir := safeRel(workspaceRoot, directory)
	directoryName := safeBase(directory)

	doc := Document{
		ID:                path,
		Path:              path,
		Filename:          filename,
		Extension:         ext,
		Directory:         directory,
		RelativePath:      relPath,
		RelativeDirectory: relDir,
		DirectoryName:     directoryName,
		Size:              size,
		LastModified:      lastModified,
		Content:           content,
		FilenameText:      filename,
		DirectoryText:     directoryName,
		Language:          languageForExtension(ext),
	}
	if blob, err := json.Marshal(doc); err == nil {
		doc.Blob = string(blob)
	}
	return doc
}

// decodeDocument rebuilds a Document from a hit's blob field, used by
// Defragment's reindex rebuild to recover the unstored content and
// *_text fields (see Document's doc comment).
func decodeDocument(fields map[string]interface{}) (Document, bool) {
	raw, ok := fields["blob"].(string)
	if !ok || raw == "" {
		return Document{}, false
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, false
	}
	return doc, true
}

func safeBase(path string) string {
	defer func() { recover() }()
	return filepath.Base(path)
}

func safeExt(path string) string {
	defer func() { recover() }()
	return filepath.Ext(path)
}

func safeDir(path string) string {
	defer func() { recover() }()
	return filepath.Dir(path)
}

func safeRel(base, target string) string {
	defer func() { recover() }()
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return ""
	}
	return rel
}

// languageForExtension derives a coarse language tag from a file
// extension, used only for display/filtering, not analysis.
func languageForExtension(ext string) string {
	switch ext {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	case ".cs":
		return "csharp"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".php":
		return "php"
	case ".md", ".markdown":
		return "markdown"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "text"
	}
}
