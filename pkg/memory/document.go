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

// Package memory implements the Memory subsystem (C5): two protected,
// memory-tuned indexes (project and local) holding contracts.MemoryEntry
// documents, searchable by content and scope.
package memory

import (
	"encoding/json"

	"github.com/kadirpekel/codesearch/pkg/apperrors"
	"github.com/kadirpekel/codesearch/pkg/contracts"
)

// entryDoc is the indexed shape of a contracts.MemoryEntry (spec.md §3
// "MemoryEntry"). Every field is indexed or stored discretely for
// querying, and the whole entry is additionally carried as a JSON blob
// so a hit can be reconstructed byte-for-byte (spec.md §8 invariant:
// storeMemory(m); searchMemories(m.content).first == m).
type entryDoc struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Content       string   `json:"content"`
	Scope         string   `json:"scope"`
	Keywords      []string `json:"keywords"`
	FilesInvolved []string `json:"filesInvolved"`
	Timestamp     int64    `json:"timestamp"`
	SessionID     string   `json:"sessionId"`
	Confidence    float64  `json:"confidence"`
	Category      string   `json:"category"`
	Reasoning     string   `json:"reasoning"`
	Tags          []string `json:"tags"`
	Blob          string   `json:"blob"`
}

func buildDoc(entry contracts.MemoryEntry) (entryDoc, error) {
	blob, err := json.Marshal(entry)
	if err != nil {
		return entryDoc{}, apperrors.New(apperrors.Critical, "memory", "build-document", "marshalling entry", err).WithPath(entry.ID)
	}
	return entryDoc{
		ID:            entry.ID,
		Type:          entry.Type,
		Content:       entry.Content,
		Scope:         string(entry.Scope),
		Keywords:      entry.Keywords,
		FilesInvolved: entry.FilesInvolved,
		Timestamp:     entry.Timestamp.Unix(),
		SessionID:     entry.SessionID,
		Confidence:    entry.Confidence,
		Category:      entry.Category,
		Reasoning:     entry.Reasoning,
		Tags:          entry.Tags,
		Blob:          string(blob),
	}, nil
}

// decodeEntry rebuilds a contracts.MemoryEntry from a hit's stored JSON
// blob, which gives an exact round-trip. If the blob is missing or
// malformed it reports false; the discrete stored fields are not used to
// rebuild the entry.
func decodeEntry(fields map[string]interface{}) (contracts.MemoryEntry, bool) {
	if raw, ok := fields["blob"].(string); ok && raw != "" {
		var entry contracts.MemoryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err == nil {
			return entry, true
		}
	}
	return contracts.MemoryEntry{}, false
}
