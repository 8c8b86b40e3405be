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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kadirpekel/codesearch/pkg/contracts"
	"github.com/kadirpekel/codesearch/pkg/indexstore"
	"github.com/kadirpekel/codesearch/pkg/watcher"
)

// IndexCmd implements "index <path>": resolve + open + full initial
// walk, then exit (SPEC_FULL.md §4.0).
type IndexCmd struct {
	Path string `arg:"" type:"path" help:"Workspace directory to index."`
}

func (c *IndexCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	_, store, pl, _, err := cli.buildCore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := pl.IndexDirectoryResult(context.Background(), c.Path, c.Path)
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d files, skipped %d, failed %d, took %s\n",
		result.Processed, result.Skipped, result.Failed, result.Duration)
	for _, fe := range result.Errors {
		fmt.Printf("  %s: %s (%s)\n", fe.Path, fe.Message, fe.Kind)
	}
	return nil
}

// WatchCmd implements "watch <path>": resolve + open + walk + start C4,
// run until signaled (SPEC_FULL.md §4.0).
type WatchCmd struct {
	Path string `arg:"" type:"path" help:"Workspace directory to index and watch."`
}

func (c *WatchCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	_, store, pl, policy, err := cli.buildCore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("shutting down...")
		cancel()
	}()

	if _, err := pl.IndexDirectoryResult(ctx, c.Path, c.Path); err != nil {
		return err
	}

	w := watcher.New(cfg.Watch, policy, pl)
	defer w.Stop()

	if err := w.Watch(ctx, c.Path, c.Path); err != nil {
		return err
	}

	fmt.Println("watching, press Ctrl+C to stop")
	<-ctx.Done()
	return nil
}

// SearchCmd implements "search <path> <query>": open the workspace's
// index through the store (creating it if absent and taking its writer
// and write lock, like every other command) and print the ranked hits.
type SearchCmd struct {
	Path       string `arg:"" type:"path" help:"Workspace directory whose index to search."`
	Query      string `arg:"" help:"Search query."`
	MaxResults int    `name:"max-results" default:"20" help:"Maximum number of results."`
}

func (c *SearchCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	_, store, pl, _, err := cli.buildCore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	hits, err := pl.Search(context.Background(), c.Path, c.Query, c.MaxResults)
	if err != nil {
		return err
	}
	for _, h := range hits {
		fmt.Printf("%6.2f  %s\n", h.Score, h.Path)
	}
	return nil
}

// MemoryCmd groups the C5 subcommands.
type MemoryCmd struct {
	Store  MemoryStoreCmd  `cmd:"" help:"Store a memory entry."`
	Search MemorySearchCmd `cmd:"" help:"Search memory entries."`
}

// MemoryStoreCmd implements "memory store".
type MemoryStoreCmd struct {
	Type       string  `required:"" help:"Entry type/scope, e.g. CodePattern, WorkingNote."`
	Content    string  `required:"" help:"Entry content."`
	Keywords   string  `help:"Comma-separated keywords."`
	Files      string  `help:"Comma-separated file paths involved."`
	Confidence float64 `default:"0.8" help:"Confidence score (0-1)."`
	Category   string  `help:"Free-form category."`
	Reasoning  string  `help:"Why this entry was recorded."`
	Tags       string  `help:"Comma-separated tags."`
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c *MemoryStoreCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	m := cli.buildMemory(cfg)

	entry := contracts.MemoryEntry{
		Type:          c.Type,
		Content:       c.Content,
		Scope:         contracts.MemoryScope(c.Type),
		Keywords:      splitCSV(c.Keywords),
		FilesInvolved: splitCSV(c.Files),
		Confidence:    c.Confidence,
		Category:      c.Category,
		Reasoning:     c.Reasoning,
		Tags:          splitCSV(c.Tags),
	}
	if err := m.Store(context.Background(), entry); err != nil {
		return err
	}
	fmt.Println("stored")
	return nil
}

// MemorySearchCmd implements "memory search".
type MemorySearchCmd struct {
	Query      string `arg:"" help:"Search query."`
	Scope      string `help:"Restrict to one MemoryScope value."`
	MaxResults int    `name:"max-results" default:"20" help:"Maximum number of results."`
}

func (c *MemorySearchCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	m := cli.buildMemory(cfg)

	var scopeFilter *contracts.MemoryScope
	if c.Scope != "" {
		s := contracts.MemoryScope(c.Scope)
		scopeFilter = &s
	}

	result, err := m.Search(context.Background(), c.Query, scopeFilter, c.MaxResults)
	if err != nil {
		return err
	}
	for _, e := range result.Entries {
		fmt.Printf("%.2f  [%s] %s\n", e.Confidence, e.Scope, e.Content)
	}
	if len(result.SuggestedFollowUp) > 0 {
		fmt.Printf("follow-up: %s\n", strings.Join(result.SuggestedFollowUp, ", "))
	}
	return nil
}

// RepairCmd implements "repair <path>" (SPEC_FULL.md §4.0, spec.md §4.2).
type RepairCmd struct {
	Path             string `arg:"" type:"path" help:"Workspace directory whose index to repair."`
	Backup           bool   `default:"true" negatable:"" help:"Copy the index to a timestamped backup before repairing."`
	RestoreOnFailure bool   `name:"restore-on-failure" default:"true" negatable:"" help:"Restore from backup if repair leaves the index still corrupt."`
}

func (c *RepairCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	reg, store, _, _, err := cli.buildCore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	dir, err := reg.ResolveIndexDir(c.Path)
	if err != nil {
		return err
	}

	report, err := store.Repair(filepath.Base(dir), dir, false, false, nil, indexstore.RepairOptions{
		Backup:           c.Backup,
		RestoreOnFailure: c.RestoreOnFailure,
	})
	if err != nil {
		return err
	}
	fmt.Printf("repaired=%v removedSegments=%d lostDocs=%d backup=%q restoredAfter=%v\n",
		report.Repaired, report.RemovedSegments, report.DocsLost, report.BackupPath, report.RestoredAfter)
	return nil
}

// DefragCmd implements "defrag <path>" (SPEC_FULL.md §4.0, spec.md §4.2).
type DefragCmd struct {
	Path             string `arg:"" type:"path" help:"Workspace directory whose index to defragment."`
	Backup           bool   `help:"Copy the index to a timestamped backup before defragmenting."`
	RestoreOnFailure bool   `name:"restore-on-failure" help:"Restore from backup if defragmentation fails."`
}

func (c *DefragCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	reg, store, _, _, err := cli.buildCore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	dir, err := reg.ResolveIndexDir(c.Path)
	if err != nil {
		return err
	}

	report, err := store.Defragment(filepath.Base(dir), dir, false, false, nil, indexstore.DefragmentOptions{
		MinThreshold:       cfg.Store.MinFragmentationThreshold,
		FullThreshold:      cfg.Store.FullDefragmentationThresh,
		TargetSegmentCount: cfg.Store.TargetSegmentCount,
		Backup:             c.Backup,
		RestoreOnFailure:   c.RestoreOnFailure,
	})
	if err != nil {
		return err
	}
	fmt.Printf("skipped=%v before={segments=%d size=%d frag=%.1f%%} after={segments=%d size=%d frag=%.1f%%} actions=%s\n",
		report.Skipped,
		report.Before.Segments, report.Before.SizeBytes, report.Before.FragPct,
		report.After.Segments, report.After.SizeBytes, report.After.FragPct,
		strings.Join(report.Actions, ","))
	return nil
}
