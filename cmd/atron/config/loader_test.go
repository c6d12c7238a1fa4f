// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/assemblotron/internal/util"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// =============================================================================
// Defaults and Files
// =============================================================================

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100000, cfg.SubsampleSize)
	assert.Equal(t, int64(1337), cfg.Seed)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Cache.Enabled)
	assert.GreaterOrEqual(t, cfg.Threads, 1)
}

func TestLoadOrCreate_FirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".assemblotron", FileName)

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.FileExists(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk AtronConfig
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, 1337, int(onDisk.Seed))

	_, created, err = LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
threads: 4
seed: 42
work_dir: /scratch/atron
timeout: 90m
assembler_dirs: [/opt/atron/assemblers]
scorer:
  command: transrate --assembly {assembly}
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Threads)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, "/scratch/atron", cfg.WorkDir)
	assert.Equal(t, 90*time.Minute, cfg.Timeout)
	assert.Equal(t, []string{"/opt/atron/assemblers"}, cfg.AssemblerDirs)
	assert.Equal(t, "transrate --assembly {assembly}", cfg.Scorer.Command)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.Equal(t, 100000, cfg.SubsampleSize)
	assert.True(t, cfg.Cache.Enabled)
}

func TestLoad_EmptyFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }},
		{"malformed", func(t *testing.T) string { return writeConfig(t, "threads: [") }},
		{"unknown key", func(t *testing.T) string { return writeConfig(t, "thread: 4\n") }},
		{"wrong type", func(t *testing.T) string { return writeConfig(t, "threads: many\n") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path(t))
			require.Error(t, err)
			assert.Equal(t, util.KindConfig, util.KindOf(err))
		})
	}
}

// =============================================================================
// Environment
// =============================================================================

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"ATRON_THREADS":                  "16",
		"ATRON_SEED":                     "7",
		"ATRON_WORKDIR":                  "/tmp/w",
		"ATRON_ASSEMBLER_DIRS":           "/a" + string(os.PathListSeparator) + "/b",
		"ATRON_TIMEOUT":                  "2h",
		"ATRON_NO_CACHE":                 "true",
		"ATRON_VERBOSITY":                "quiet",
		"ATRON_PUBLISH":                  "gs://bucket/runs",
		"GOOGLE_APPLICATION_CREDENTIALS": "/keys/sa.json",
		"ATRON_METRICS_FILE":             "/tmp/atron.prom",
		"ATRON_MEMORY":                   "  ",
	}))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Threads)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, "/tmp/w", cfg.WorkDir)
	assert.Equal(t, []string{"/a", "/b"}, cfg.AssemblerDirs)
	assert.Equal(t, 2*time.Hour, cfg.Timeout)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, "quiet", cfg.Log.Level)
	assert.Equal(t, "gs://bucket/runs", cfg.Publish.Target)
	assert.Equal(t, "/keys/sa.json", cfg.Publish.Credentials)
	assert.Equal(t, "/tmp/atron.prom", cfg.Telemetry.MetricsFile)
	assert.Equal(t, 0, cfg.Memory)
}

func TestApplyEnv_ExplicitCredentialsWin(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(&cfg, envMap(map[string]string{
		"ATRON_PUBLISH_CREDENTIALS":      "/keys/atron.json",
		"GOOGLE_APPLICATION_CREDENTIALS": "/keys/other.json",
	})))
	assert.Equal(t, "/keys/atron.json", cfg.Publish.Credentials)
}

func TestApplyEnv_Malformed(t *testing.T) {
	tests := map[string]string{
		"ATRON_THREADS":  "lots",
		"ATRON_SEED":     "1.5",
		"ATRON_TIMEOUT":  "forever",
		"ATRON_LOG_JSON": "maybe",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			cfg := DefaultConfig()
			err := ApplyEnv(&cfg, envMap(map[string]string{key: val}))
			require.Error(t, err)
			assert.Equal(t, util.KindConfig, util.KindOf(err))
			assert.Contains(t, err.Error(), key)
		})
	}
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AtronConfig)
		field  string
	}{
		{"zero threads", func(c *AtronConfig) { c.Threads = 0 }, "Threads"},
		{"zero subsample", func(c *AtronConfig) { c.SubsampleSize = 0 }, "SubsampleSize"},
		{"no workdir", func(c *AtronConfig) { c.WorkDir = "" }, "WorkDir"},
		{"bad level", func(c *AtronConfig) { c.Log.Level = "loud" }, "Log.Level"},
		{"negative evaluations", func(c *AtronConfig) { c.Search.MaxEvaluations = -1 }, "Search.MaxEvaluations"},
		{"cache without dir", func(c *AtronConfig) { c.Cache.Dir = "" }, "Cache.Dir"},
		{"negative timeout", func(c *AtronConfig) { c.Timeout = -time.Second }, "Timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, util.KindConfig, util.KindOf(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	t.Run("cache disabled without dir", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Cache = CacheConfig{}
		assert.NoError(t, cfg.Validate())
	})
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".assemblotron", "cache"), ExpandHome("~/.assemblotron/cache"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/abs", ExpandHome("/abs"))
}
