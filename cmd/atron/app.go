// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/assemblotron/cmd/atron/config"
	"github.com/AleutianAI/assemblotron/internal/assembler"
	"github.com/AleutianAI/assemblotron/internal/pipeline"
	"github.com/AleutianAI/assemblotron/internal/process"
	"github.com/AleutianAI/assemblotron/internal/telemetry"
	"github.com/AleutianAI/assemblotron/internal/util"
	"github.com/AleutianAI/assemblotron/pkg/logging"
	"github.com/AleutianAI/assemblotron/pkg/ux"
)

// shutdownTimeout bounds the telemetry flush after a command.
const shutdownTimeout = 10 * time.Second

// app holds the process-wide collaborators of one CLI invocation.
//
// The seams (lookPath, runner, lookupEnv) default to the real system and
// are replaced in tests.
type app struct {
	stdout io.Writer
	stderr io.Writer

	lookPath  func(string) (string, error)
	runner    process.Runner
	lookupEnv config.LookupFunc

	// Populated by setup.
	cfg       config.AtronConfig
	logger    *logging.Logger
	telemetry *telemetry.Providers
	debug     bool
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:    stdout,
		stderr:    stderr,
		lookPath:  exec.LookPath,
		runner:    process.NewExecRunner(),
		lookupEnv: os.LookupEnv,
	}
}

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	configPath    string
	verbosity     string
	logDir        string
	traceFile     string
	metricsFile   string
	otlpEndpoint  string
	assemblerDirs []string
}

// =============================================================================
// Setup and Teardown
// =============================================================================

// setup loads the configuration and starts logging and telemetry.
//
// # Description
//
// Precedence, lowest first: defaults, the config file, ATRON_* variables,
// then the global flags that were set explicitly. Without --config the
// file at ~/.assemblotron/atron.yaml is used and created on first run.
func (a *app) setup(cmd *cobra.Command, g *globalFlags) error {
	cfg, created, path, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	if err := config.ApplyEnv(&cfg, a.lookupEnv); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("verbosity") {
		cfg.Log.Level = g.verbosity
	}
	if flags.Changed("log-dir") {
		cfg.Log.Dir = g.logDir
	}
	if flags.Changed("trace-file") {
		cfg.Telemetry.TraceFile = g.traceFile
	}
	if flags.Changed("metrics-file") {
		cfg.Telemetry.MetricsFile = g.metricsFile
	}
	if flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint = g.otlpEndpoint
	}
	if flags.Changed("assemblers-dir") {
		cfg.AssemblerDirs = g.assemblerDirs
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logging.ParseVerbosity(cfg.Log.Level)
	if err != nil {
		return util.Wrap(util.KindConfig, "cli.setup", err)
	}
	a.cfg = cfg
	a.debug = level == logging.LevelDebug
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  config.ExpandHome(cfg.Log.Dir),
		Service: "atron",
		JSON:    cfg.Log.JSON,
		Writer:  a.stderr,
	})
	if created {
		a.logger.Info("created default configuration", "path", path)
	}

	providers, err := telemetry.Setup(cmd.Context(), telemetry.Config{
		ServiceName:    "atron",
		ServiceVersion: version,
		TraceFile:      cfg.Telemetry.TraceFile,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		MetricsFile:    cfg.Telemetry.MetricsFile,
	})
	if err != nil {
		return util.Wrapf(util.KindConfig, "cli.setup", err, "telemetry setup failed")
	}
	a.telemetry = providers
	return nil
}

func loadConfig(explicit string) (config.AtronConfig, bool, string, error) {
	if explicit != "" {
		cfg, err := config.Load(explicit)
		return cfg, false, explicit, err
	}
	path, err := config.DefaultPath()
	if err != nil {
		return config.DefaultConfig(), false, "", err
	}
	cfg, created, err := config.LoadOrCreate(path)
	return cfg, created, path, err
}

// teardown flushes telemetry and closes the log file. Safe to call when
// setup did not complete.
func (a *app) teardown() {
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.telemetry.Shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
		cancel()
		a.telemetry = nil
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// log returns the configured logger, or a discarding one before setup.
func (a *app) log() *logging.Logger {
	if a.logger == nil {
		return logging.New(logging.Config{Quiet: true})
	}
	return a.logger
}

// printer styles stdout when it is a terminal.
func (a *app) printer() *ux.Printer {
	return ux.NewPrinter(a.stdout, ux.Detect(a.stdout))
}

// registry discovers the built-in manifests and those in the configured
// directories. Directories that do not exist are skipped.
func (a *app) registry() *assembler.Registry {
	logger := a.log().Slog()
	reg := assembler.NewRegistry(assembler.RegistryConfig{
		Runner:   a.runner,
		Logger:   logger,
		LookPath: a.lookPath,
	})
	sources := []assembler.Source{assembler.BuiltinSource()}
	for _, dir := range a.cfg.AssemblerDirs {
		dir = config.ExpandHome(dir)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			logger.Debug("assembler directory not found", "dir", dir)
			continue
		}
		sources = append(sources, assembler.DirSource(dir))
	}
	reg.Discover(sources...)
	return reg
}

// =============================================================================
// Execution and Error Reporting
// =============================================================================

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, a *app, args []string) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	a.teardown()
	if err != nil {
		reportError(a.stderr, err, a.debug)
		return 1
	}
	return 0
}

// reportError prints "<Kind>: <message>" for err.
//
// # Description
//
// A failed external command is followed by its captured output. A batch
// failure lists each failed assembler on its own line. A deadline gets a
// hint about --timeout. With debug set the full error chain is printed last.
func reportError(w io.Writer, err error, debug bool) {
	var batch *pipeline.BatchError
	if errors.As(err, &batch) {
		fmt.Fprintf(w, "%s: %s\n", util.KindExecution, batch.Error())
		names := make([]string, 0, len(batch.Failed))
		for name := range batch.Failed {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			cause := batch.Failed[name]
			fmt.Fprintf(w, "  %s: %s: %s\n", name, util.KindOf(cause), util.MessageOf(cause))
		}
	} else {
		fmt.Fprintf(w, "%s: %s\n", util.KindOf(err), util.MessageOf(err))
	}
	if util.IsTimeout(err) {
		fmt.Fprintln(w, "the run exceeded its time limit; raise --timeout or set it to 0")
	}

	var execErr *util.ExecutionError
	if errors.As(err, &execErr) && execErr.HasOutput() {
		if execErr.Stdout != "" {
			fmt.Fprintf(w, "--- stdout ---\n%s\n", execErr.Stdout)
		}
		if execErr.Stderr != "" {
			fmt.Fprintf(w, "--- stderr ---\n%s\n", execErr.Stderr)
		}
	}
	if debug {
		fmt.Fprintf(w, "error chain: %v\n", err)
	}
}
