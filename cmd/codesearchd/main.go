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

// Command codesearchd is the CLI for the workspace code search and
// memory service.
//
// Usage:
//
//	codesearchd index /path/to/repo
//	codesearchd watch /path/to/repo
//	codesearchd search /path/to/repo "some query"
//	codesearchd memory store --type CodePattern --content "..."
//	codesearchd repair /path/to/repo
//	codesearchd defrag /path/to/repo
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/codesearch/pkg/config"
	"github.com/kadirpekel/codesearch/pkg/indexstore"
	"github.com/kadirpekel/codesearch/pkg/memory"
	"github.com/kadirpekel/codesearch/pkg/pipeline"
	"github.com/kadirpekel/codesearch/pkg/workspace"
)

// CLI defines the codesearchd command-line interface.
type CLI struct {
	Index  IndexCmd  `cmd:"" help:"Walk a directory and build its index."`
	Watch  WatchCmd  `cmd:"" help:"Index a directory, then watch it for changes."`
	Search SearchCmd `cmd:"" help:"Search an already-indexed workspace."`
	Memory MemoryCmd `cmd:"" help:"Store or search memory entries."`
	Repair RepairCmd `cmd:"" help:"Detect and repair index corruption."`
	Defrag DefragCmd `cmd:"" help:"Defragment an index's on-disk segments."`

	DataDir   string `help:"Base data directory (workspaces.json, index/)." default:".codesearch" type:"path"`
	Config    string `short:"c" help:"Path to YAML config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
	LogFile   string `help:"Log file path (empty = stderr)."`
}

// loadConfig reads cli.Config (or defaults) and overlays the --data-dir
// flag, matching the teacher's "CLI flags override config" convention
// (cmd/hector/serve.go).
func (cli *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.DataDir != "" && cli.DataDir != ".codesearch" {
		cfg.DataDir = cli.DataDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cli.DataDir
	}
	return cfg, nil
}

// buildCore wires up the Registry (C1), Index Store (C2), and Pipeline
// (C3) the way every subcommand needs them, mirroring
// pkg/pipeline/pipeline_test.go's newTestPipeline helper.
func (cli *CLI) buildCore(cfg *config.Config) (*workspace.Registry, *indexstore.Store, *pipeline.Pipeline, *pipeline.FilterPolicy, error) {
	reg, err := workspace.New(cfg.DataDir)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	store := indexstore.New(cfg.Store)
	policy := pipeline.NewFilterPolicy(cfg.SupportedExtensions, cfg.BlacklistedExtensions, cfg.ExcludedDirectories, cfg.DataDir)
	pl := pipeline.New(store, reg, policy)
	return reg, store, pl, policy, nil
}

func (cli *CLI) buildMemory(cfg *config.Config) *memory.Memory {
	store := indexstore.New(cfg.Store)
	return memory.New(store, cfg.DataDir, cfg.Memory)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("codesearchd"),
		kong.Description("Workspace code search and memory service"),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
