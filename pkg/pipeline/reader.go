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
	"bytes"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/kadirpekel/codesearch/pkg/apperrors"
)

// maxFileSize and mmapThreshold are the size thresholds from spec.md
// §4.3 "Per-file processing" / §5 "Resource caps".
const (
	maxFileSize   = 10 << 20
	mmapThreshold = 1 << 20
)

// ErrFileTooLarge marks a file rejected for exceeding maxFileSize; the
// pipeline counts these as skipped, not failed.
var ErrFileTooLarge = errors.New("file exceeds maximum indexable size")

var bufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// readFile reads path's content, choosing a buffered read for files at
// or below mmapThreshold and a memory-mapped read above it, and decodes
// the bytes as UTF-8 with malformed sequences replaced rather than
// rejected (spec.md §4.3 "Per-file processing").
func readFile(path string, size int64) (string, error) {
	if size > maxFileSize {
		return "", ErrFileTooLarge
	}
	if size > mmapThreshold {
		return readMapped(path)
	}
	return readBuffered(path)
}

func readBuffered(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperrors.New(apperrors.Recoverable, "pipeline", "read", "opening file", err).WithPath(path)
	}
	defer f.Close()

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	if _, err := io.Copy(buf, f); err != nil {
		return "", apperrors.New(apperrors.Recoverable, "pipeline", "read", "reading file", err).WithPath(path)
	}
	return decodeUTF8(buf.Bytes()), nil
}

func readMapped(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperrors.New(apperrors.Recoverable, "pipeline", "read", "opening file", err).WithPath(path)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		// Some filesystems (and zero-length files) refuse mmap; fall
		// back to a buffered read rather than failing the file.
		return readBuffered(path)
	}
	defer m.Unmap()

	return decodeUTF8(m), nil
}

// decodeUTF8 replaces ill-formed UTF-8 byte sequences with the Unicode
// replacement character instead of erroring, per spec.md §4.3 "Decoding
// uses UTF-8; malformed bytes are replaced, never fatal."
func decodeUTF8(b []byte) string {
	decoded, _, err := transform.Bytes(unicode.UTF8.NewDecoder(), b)
	if err != nil {
		return string(b)
	}
	return string(decoded)
}
