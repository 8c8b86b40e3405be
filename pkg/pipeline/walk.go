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
	"os"
	"path/filepath"
	"time"
)

// fileEntry is one file admitted by a walk.
type fileEntry struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// walk performs an iterative DFS over root using an explicit stack
// rather than recursion, so traversal depth never grows the call stack
// (spec.md §4.3 "Walk"). Directories are pruned by policy; admitted
// files are returned as a flat slice so the caller can fan them out in
// parallel independently of the enumeration order.
func walk(root string, policy *FilterPolicy) ([]fileEntry, error) {
	var files []fileEntry
	stack := []string{root}

	for len(stack) > 0 {
		n := len(stack) - 1
		dir := stack[n]
		stack = stack[:n]

		entries, err := os.ReadDir(dir)
		if err != nil {
			// A directory that disappeared or is unreadable mid-walk is
			// skipped rather than aborting the whole traversal.
			continue
		}

		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			if e.IsDir() {
				if policy.SkipDir(e.Name(), full) {
					continue
				}
				stack = append(stack, full)
				continue
			}
			if !policy.AllowsFile(full) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, fileEntry{
				Path:    full,
				Size:    info.Size(),
				ModTime: info.ModTime(),
			})
		}
	}

	return files, nil
}
