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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/assemblotron/internal/util"
)

// FileName is the config file inside the atron home directory.
const FileName = "atron.yaml"

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath returns ~/.assemblotron/atron.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", util.Wrapf(util.KindConfig, "config.path", err, "could not find the user's home directory")
	}
	return filepath.Join(home, ".assemblotron", FileName), nil
}

// Load reads the file at path over the defaults.
//
// # Description
//
// Keys missing from the file keep their default. Unknown keys are
// rejected. An empty file yields the defaults.
//
// # Outputs
//
//   - AtronConfig: the merged configuration (not yet validated)
//   - error: ConfigError when the file is missing or malformed
func Load(path string) (AtronConfig, error) {
	const op = "config.load"
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, util.Wrapf(util.KindConfig, op, err, "failed to read the config file")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, util.Wrapf(util.KindConfig, op, err, "failed to parse %s", path)
	}
	return cfg, nil
}

// LoadOrCreate reads path, writing the defaults there first if it does
// not exist.
//
// # Outputs
//
//   - AtronConfig: the loaded configuration
//   - bool: true when the file was created by this call
//   - error: ConfigError on failure
func LoadOrCreate(path string) (AtronConfig, bool, error) {
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return DefaultConfig(), false, util.Wrapf(util.KindConfig, "config.create", err, "failed to create %s", path)
		}
		created = true
	}
	cfg, err := Load(path)
	return cfg, created, err
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// =============================================================================
// Environment
// =============================================================================

// LookupFunc is os.LookupEnv or a test replacement.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays ATRON_* variables onto cfg.
//
// # Description
//
// Recognized variables:
//
//	ATRON_THREADS  ATRON_MEMORY  ATRON_SUBSAMPLE_SIZE  ATRON_SEED
//	ATRON_WORKDIR  ATRON_ASSEMBLER_DIRS (path list)    ATRON_TIMEOUT
//	ATRON_PARALLEL ATRON_CACHE_DIR  ATRON_NO_CACHE     ATRON_SCORER
//	ATRON_MAX_EVALUATIONS  ATRON_PUBLISH  ATRON_PUBLISH_CREDENTIALS
//	ATRON_VERBOSITY  ATRON_LOG_DIR  ATRON_LOG_JSON
//	ATRON_TRACE_FILE  ATRON_METRICS_FILE  OTEL_EXPORTER_OTLP_ENDPOINT
//
// GOOGLE_APPLICATION_CREDENTIALS fills Publish.Credentials when neither the
// file nor ATRON_PUBLISH_CREDENTIALS sets it. Empty values are ignored.
//
// # Outputs
//
//   - error: ConfigError naming the first malformed variable
func ApplyEnv(cfg *AtronConfig, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := envReader{lookup: lookup}

	e.int("ATRON_THREADS", &cfg.Threads)
	e.int("ATRON_MEMORY", &cfg.Memory)
	e.int("ATRON_SUBSAMPLE_SIZE", &cfg.SubsampleSize)
	e.int64("ATRON_SEED", &cfg.Seed)
	e.str("ATRON_WORKDIR", &cfg.WorkDir)
	if v, ok := e.get("ATRON_ASSEMBLER_DIRS"); ok {
		cfg.AssemblerDirs = filepath.SplitList(v)
	}
	e.duration("ATRON_TIMEOUT", &cfg.Timeout)
	e.int("ATRON_PARALLEL", &cfg.Parallel)
	e.str("ATRON_CACHE_DIR", &cfg.Cache.Dir)
	var noCache bool
	if e.bool("ATRON_NO_CACHE", &noCache) && noCache {
		cfg.Cache.Enabled = false
	}
	e.str("ATRON_SCORER", &cfg.Scorer.Command)
	e.int("ATRON_MAX_EVALUATIONS", &cfg.Search.MaxEvaluations)
	e.str("ATRON_PUBLISH", &cfg.Publish.Target)
	e.str("ATRON_PUBLISH_CREDENTIALS", &cfg.Publish.Credentials)
	if cfg.Publish.Credentials == "" {
		e.str("GOOGLE_APPLICATION_CREDENTIALS", &cfg.Publish.Credentials)
	}
	e.str("ATRON_VERBOSITY", &cfg.Log.Level)
	e.str("ATRON_LOG_DIR", &cfg.Log.Dir)
	e.bool("ATRON_LOG_JSON", &cfg.Log.JSON)
	e.str("ATRON_TRACE_FILE", &cfg.Telemetry.TraceFile)
	e.str("ATRON_METRICS_FILE", &cfg.Telemetry.MetricsFile)
	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	return e.err
}

type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = util.Wrapf(util.KindConfig, "config.env", err, "invalid %s=%q", key, v)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(key string, dst *bool) bool {
	v, ok := e.get(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return false
	}
	*dst = b
	return true
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks field constraints.
//
// # Outputs
//
//   - error: ConfigError listing every failing field
func (c AtronConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return util.Wrap(util.KindConfig, "config.validate", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fieldPath(fe), fe.Tag(), fe.Value()))
	}
	return util.New(util.KindConfig, "config.validate", strings.Join(msgs, "; "))
}

// fieldPath strips the root struct name: "AtronConfig.Log.Level" -> "Log.Level".
func fieldPath(fe validator.FieldError) string {
	ns := fe.StructNamespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
