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

// Package config holds the process-wide configuration schema (spec.md
// §6) and its YAML loader.
package config

import "time"

// Config is the top-level configuration for a codesearch process. Every
// field maps onto a key enumerated in spec.md §6.
type Config struct {
	// DataDir is the base data directory holding index/, workspaces.json,
	// and backup directories (spec.md §6). SetDefaults leaves it empty;
	// the CLI fills it from --data-dir (default ".codesearch", relative to
	// the current directory).
	DataDir string `yaml:"dataDir,omitempty"`

	// SupportedExtensions is the whitelist filtering policy. When
	// non-empty it takes precedence over BlacklistedExtensions.
	SupportedExtensions []string `yaml:"supportedExtensions,omitempty"`

	// BlacklistedExtensions is the blacklist filtering policy, used
	// when SupportedExtensions is empty.
	BlacklistedExtensions []string `yaml:"blacklistedExtensions,omitempty"`

	// ExcludedDirectories are directory-name segments that cause a
	// subtree to be skipped entirely.
	ExcludedDirectories []string `yaml:"excludedDirectories,omitempty"`

	Watch   WatchConfig   `yaml:"watch,omitempty"`
	Store   StoreConfig   `yaml:"store,omitempty"`
	Memory  MemoryConfig  `yaml:"memory,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// WatchConfig configures the live-sync watcher (C4, spec.md §6).
type WatchConfig struct {
	// Enabled is loaded from configuration but no component reads it:
	// the watch command always starts the watcher, and SetDefaults
	// leaves it false.
	Enabled bool `yaml:"enabled"`

	DebounceMs         int `yaml:"debounceMs,omitempty"`
	BatchSize          int `yaml:"batchSize,omitempty"`
	DeleteQuietPeriodS int `yaml:"deleteQuietPeriodSec,omitempty"`
	AtomicWriteWindowMs int `yaml:"atomicWriteWindowMs,omitempty"`
}

// StoreConfig configures the index store (C2, spec.md §6).
type StoreConfig struct {
	LockTimeoutMin              int `yaml:"lockTimeoutMin,omitempty"`
	MaxContexts                 int `yaml:"maxContexts,omitempty"`
	IdleTimeoutMin              int `yaml:"idleTimeoutMin,omitempty"`
	MinFragmentationThreshold   int `yaml:"minFragmentationThreshold,omitempty"`
	FullDefragmentationThresh   int `yaml:"fullDefragmentationThreshold,omitempty"`
	TargetSegmentCount          int `yaml:"targetSegmentCount,omitempty"`
}

// MemoryConfig configures the memory subsystem (C5, spec.md §6).
type MemoryConfig struct {
	MinConfidence    float64           `yaml:"minConfidence,omitempty"`
	AnalyzerSynonyms map[string]string `yaml:"memoryAnalyzerSynonyms,omitempty"`
}

// LoggingConfig configures pkg/logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	File   string `yaml:"file,omitempty"`
}

// SetDefaults fills in every zero-valued field with the defaults named
// in spec.md §6.
func (c *Config) SetDefaults() {
	if len(c.ExcludedDirectories) == 0 {
		c.ExcludedDirectories = []string{"node_modules", ".git", "bin", "obj", "dist", "build", ".vs", ".vscode"}
	}
	c.Watch.setDefaults()
	c.Store.setDefaults()
	c.Memory.setDefaults()
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
}

func (w *WatchConfig) setDefaults() {
	if w.DebounceMs <= 0 {
		w.DebounceMs = 500
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 50
	}
	if w.DeleteQuietPeriodS <= 0 {
		w.DeleteQuietPeriodS = 5
	}
	if w.AtomicWriteWindowMs <= 0 {
		w.AtomicWriteWindowMs = 100
	}
}

func (s *StoreConfig) setDefaults() {
	if s.LockTimeoutMin <= 0 {
		s.LockTimeoutMin = 15
	}
	if s.MaxContexts <= 0 {
		s.MaxContexts = 100
	}
	if s.IdleTimeoutMin <= 0 {
		s.IdleTimeoutMin = 15
	}
	if s.MinFragmentationThreshold <= 0 {
		s.MinFragmentationThreshold = 20
	}
	if s.FullDefragmentationThresh <= 0 {
		s.FullDefragmentationThresh = 60
	}
	if s.TargetSegmentCount <= 0 {
		s.TargetSegmentCount = 5
	}
}

func (m *MemoryConfig) setDefaults() {
	if m.MinConfidence <= 0 {
		m.MinConfidence = 0.3
	}
}

// DebounceDuration returns Watch.DebounceMs as a time.Duration.
func (w WatchConfig) DebounceDuration() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}

// DeleteQuietPeriod returns Watch.DeleteQuietPeriodS as a time.Duration.
func (w WatchConfig) DeleteQuietPeriod() time.Duration {
	return time.Duration(w.DeleteQuietPeriodS) * time.Second
}

// AtomicWriteWindow returns Watch.AtomicWriteWindowMs as a time.Duration.
func (w WatchConfig) AtomicWriteWindow() time.Duration {
	return time.Duration(w.AtomicWriteWindowMs) * time.Millisecond
}

// LockTimeout returns Store.LockTimeoutMin as a time.Duration.
func (s StoreConfig) LockTimeout() time.Duration {
	return time.Duration(s.LockTimeoutMin) * time.Minute
}

// IdleTimeout returns Store.IdleTimeoutMin as a time.Duration.
func (s StoreConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMin) * time.Minute
}
