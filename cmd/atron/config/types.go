// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the atron user configuration.
//
// Precedence, lowest first: built-in defaults, the YAML file, ATRON_*
// environment variables (a .env file is loaded into the environment by the
// CLI), then command-line flags. Flags are applied by the CLI itself.
package config

import (
	"runtime"
	"time"
)

// AtronConfig is the user configuration.
type AtronConfig struct {
	// Threads is passed to every assembler.
	Threads int `yaml:"threads" validate:"gte=1"`

	// Memory is the memory hint in GB. Zero lets the assembler decide.
	Memory int `yaml:"memory" validate:"gte=0"`

	// SubsampleSize is the number of read pairs in the search library.
	SubsampleSize int `yaml:"subsample_size" validate:"gte=1"`

	// Seed seeds the subsampler.
	Seed int64 `yaml:"seed"`

	// WorkDir receives search attempts, results and final assemblies.
	WorkDir string `yaml:"work_dir" validate:"required"`

	// AssemblerDirs are scanned for manifests after the built-in ones.
	AssemblerDirs []string `yaml:"assembler_dirs"`

	// Timeout bounds each assembler's whole run. Zero disables it.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// Parallel bounds concurrent assemblers for `run all`.
	Parallel int `yaml:"parallel" validate:"gte=1"`

	Cache     CacheConfig     `yaml:"cache"`
	Scorer    ScorerConfig    `yaml:"scorer"`
	Search    SearchConfig    `yaml:"search"`
	Publish   PublishConfig   `yaml:"publish"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// CacheConfig controls the evaluation score cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
}

// ScorerConfig selects how assemblies are rated.
type ScorerConfig struct {
	// Command is run per assembly with {assembly}, {left} and {right}
	// substituted. Empty scores every assembly 0.
	Command string `yaml:"command"`
}

// SearchConfig bounds the parameter search.
type SearchConfig struct {
	// MaxEvaluations caps the points evaluated. Zero is unbounded.
	MaxEvaluations int `yaml:"max_evaluations" validate:"gte=0"`
}

// PublishConfig uploads result files after persistence.
type PublishConfig struct {
	// Target is gs://bucket/prefix, file:///dir or a directory path.
	Target string `yaml:"target"`

	// Credentials is a service account key file for gs:// targets.
	Credentials string `yaml:"credentials,omitempty"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=quiet info debug"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig configures trace and metric export.
type TelemetryConfig struct {
	TraceFile    string `yaml:"trace_file"`
	MetricsFile  string `yaml:"metrics_file"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() AtronConfig {
	return AtronConfig{
		Threads:       runtime.NumCPU(),
		SubsampleSize: 100000,
		Seed:          1337,
		WorkDir:       ".",
		AssemblerDirs: []string{"~/.assemblotron/assemblers"},
		Parallel:      1,
		Cache: CacheConfig{
			Enabled: true,
			Dir:     "~/.assemblotron/cache",
		},
		Log: LogConfig{
			Level: "info",
			Dir:   "~/.assemblotron/logs",
		},
	}
}
