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

// Package pipeline implements the Indexing Pipeline (C3): an iterative
// directory walk with extension/directory filtering, size-bounded file
// reads, and a bounded-parallel writer fan-out.
package pipeline

import (
	"path/filepath"
	"regexp"
	"strings"
)

// tempFilePattern matches editor atomic-write temp files, "*.tmp.<digits>*"
// (spec.md §4.3 "Temp-file filter").
var tempFilePattern = regexp.MustCompile(`\.tmp\.\d+`)

// defaultExcludedDirectories mirrors spec.md §4.3's default excluded set.
var defaultExcludedDirectories = []string{
	"node_modules", ".git", "bin", "obj", "dist", "build", ".vs", ".vscode",
}

// FilterPolicy decides which directories are descended into and which
// files are emitted, per spec.md §4.3/§4.4. It is parametric on whether
// a whitelist (SupportedExtensions) or blacklist (BlacklistedExtensions)
// is active; a non-empty whitelist always wins.
type FilterPolicy struct {
	allow        map[string]struct{}
	deny         map[string]struct{}
	excludedDirs map[string]struct{}
	dataDir      string
}

// NewFilterPolicy builds a FilterPolicy. dataDir is the tool's base data
// directory (e.g. "<workspace>/.codesearch"); any subtree under it is
// always skipped so the pipeline never indexes its own index files.
func NewFilterPolicy(supportedExtensions, blacklistedExtensions, excludedDirectories []string, dataDir string) *FilterPolicy {
	if len(excludedDirectories) == 0 {
		excludedDirectories = defaultExcludedDirectories
	}

	p := &FilterPolicy{
		excludedDirs: make(map[string]struct{}, len(excludedDirectories)),
		dataDir:      filepath.Clean(dataDir),
	}
	for _, d := range excludedDirectories {
		p.excludedDirs[strings.ToLower(d)] = struct{}{}
	}
	if len(supportedExtensions) > 0 {
		p.allow = normalizeExtensions(supportedExtensions)
	} else {
		p.deny = normalizeExtensions(blacklistedExtensions)
	}
	return p
}

func normalizeExtensions(exts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out[e] = struct{}{}
	}
	return out
}

// SkipDir reports whether the directory named name at canonical path
// full should not be descended into.
func (p *FilterPolicy) SkipDir(name, full string) bool {
	if _, excluded := p.excludedDirs[strings.ToLower(name)]; excluded {
		return true
	}
	if p.dataDir != "." && p.dataDir != "" {
		if full == p.dataDir || strings.HasPrefix(full, p.dataDir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// AllowsExtension applies the active whitelist/blacklist policy to ext
// (which must already be lower-cased and include the leading dot).
func (p *FilterPolicy) AllowsExtension(ext string) bool {
	if len(p.allow) > 0 {
		_, ok := p.allow[ext]
		return ok
	}
	if len(p.deny) > 0 {
		_, denied := p.deny[ext]
		return !denied
	}
	return true
}

// AllowsFile reports whether path passes both the extension policy and
// the temp-file filter.
func (p *FilterPolicy) AllowsFile(path string) bool {
	name := filepath.Base(path)
	if tempFilePattern.MatchString(name) {
		return false
	}
	return p.AllowsExtension(strings.ToLower(filepath.Ext(name)))
}

// PathExcluded reports whether any segment of path names an excluded
// directory, or path falls under the tool's data directory. Unlike
// SkipDir (applied one directory level at a time during a walk), this
// checks every segment of an arbitrary path at once, which the watcher
// needs for events on paths it never explicitly pruned (spec.md §4.4
// "Filtering").
func (p *FilterPolicy) PathExcluded(path string) bool {
	if p.dataDir != "." && p.dataDir != "" {
		if path == p.dataDir || strings.HasPrefix(path, p.dataDir+string(filepath.Separator)) {
			return true
		}
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if _, excluded := p.excludedDirs[strings.ToLower(seg)]; excluded {
			return true
		}
	}
	return false
}
