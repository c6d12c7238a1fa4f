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
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/AleutianAI/assemblotron/cmd/atron/config"
	"github.com/AleutianAI/assemblotron/internal/assembler"
	"github.com/AleutianAI/assemblotron/internal/fastq"
	"github.com/AleutianAI/assemblotron/internal/optimizer"
	"github.com/AleutianAI/assemblotron/internal/pipeline"
	"github.com/AleutianAI/assemblotron/internal/publish"
	"github.com/AleutianAI/assemblotron/internal/sampler"
	"github.com/AleutianAI/assemblotron/internal/store"
	"github.com/AleutianAI/assemblotron/internal/util"
	"github.com/AleutianAI/assemblotron/pkg/ux"
)

// RunAll selects every available assembler.
const RunAll = "all"

// SummaryFileName is written to the work directory by `run all`.
const SummaryFileName = "summary.json"

type runFlags struct {
	left           string
	right          string
	threads        int
	memory         int
	subsampleSize  int
	seed           int64
	skipSubsample  bool
	skipFinal      bool
	output         string
	workDir        string
	timeout        time.Duration
	maxEvaluations int
	params         []string
	noCache        bool
	publish        string
}

func newRunCmd(a *app) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <assembler|all>",
		Short: "Optimize an assembler on a subsample and assemble the full reads",
		Long: `Runs the pipeline for one assembler, named by name or shortname, or for
every installed assembler with "all".

The best parameters are written to <workdir>/<assembler>/result.json (or
--output) before the final assembly starts. Final assemblies are placed in
<workdir>/final_assemblies/<assembler>. "run all" also writes
<workdir>/summary.json.`,
		Example: `  atron run sdt --left reads_1.fq --right reads_2.fq
  atron run all --left reads_1.fq.gz --right reads_2.fq.gz --threads 16
  atron run SoapDenovoTrans --left l.fq --right r.fq --param K=31 --skip-final`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAssemble(cmd.Context(), cmd.Flags(), rf, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVar(&rf.left, "left", "", "left mate FASTQ file (plain or .gz)")
	f.StringVar(&rf.right, "right", "", "right mate FASTQ file (plain or .gz)")
	f.IntVar(&rf.threads, "threads", 0, "threads passed to the assembler")
	f.IntVar(&rf.memory, "memory", 0, "memory hint in GB")
	f.IntVar(&rf.subsampleSize, "subsample-size", 0, "read pairs in the search library")
	f.Int64Var(&rf.seed, "seed", 0, "subsampling seed")
	f.BoolVar(&rf.skipSubsample, "skip-subsample", false, "search on the full reads")
	f.BoolVar(&rf.skipFinal, "skip-final", false, "stop after writing the result file")
	f.StringVar(&rf.output, "output", "", "result file (single assembler only)")
	f.StringVar(&rf.workDir, "workdir", "", "working directory")
	f.DurationVar(&rf.timeout, "timeout", 0, "bound each assembler's whole run (minimum 10s, 0 disables)")
	f.IntVar(&rf.maxEvaluations, "max-evaluations", 0, "cap the parameter points evaluated (0 is unbounded)")
	f.StringArrayVar(&rf.params, "param", nil, "pin a parameter, key=value (repeatable, single assembler only)")
	f.BoolVar(&rf.noCache, "no-cache", false, "do not read or write the on-disk score cache")
	f.StringVar(&rf.publish, "publish", "", "copy result files to gs://bucket/prefix or a directory")
	return cmd
}

// apply overlays the explicitly set run flags onto cfg.
func (rf *runFlags) apply(f *pflag.FlagSet, cfg *config.AtronConfig) {
	if f.Changed("threads") {
		cfg.Threads = rf.threads
	}
	if f.Changed("memory") {
		cfg.Memory = rf.memory
	}
	if f.Changed("subsample-size") {
		cfg.SubsampleSize = rf.subsampleSize
	}
	if f.Changed("seed") {
		cfg.Seed = rf.seed
	}
	if f.Changed("workdir") {
		cfg.WorkDir = rf.workDir
	}
	if f.Changed("timeout") {
		cfg.Timeout = rf.timeout
	}
	if f.Changed("max-evaluations") {
		cfg.Search.MaxEvaluations = rf.maxEvaluations
	}
	if rf.noCache {
		cfg.Cache.Enabled = false
	}
	if f.Changed("publish") {
		cfg.Publish.Target = rf.publish
	}
}

// =============================================================================
// Run
// =============================================================================

// runAssemble wires the collaborators for one `run` and executes it.
//
// # Description
//
// A single assembler goes through Orchestrator.Run. "all" goes through
// RunBatch with the configured parallelism; --output and --param are
// rejected there because they cannot apply to every assembler.
//
// # Outputs
//
//   - error: the classified cause when any run ends Failed
func (a *app) runAssemble(ctx context.Context, f *pflag.FlagSet, rf *runFlags, target string) error {
	const op = "cli.run"
	cfg := a.cfg
	rf.apply(f, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if rf.left == "" || rf.right == "" {
		return util.New(util.KindConfig, op, "--left and --right are required")
	}
	reads, err := fastq.ReadPair{Left: rf.left, Right: rf.right}.Abs()
	if err != nil {
		return util.Wrap(util.KindIO, op, err)
	}
	logger := a.log().Slog()

	reg := a.registry()
	var backends []assembler.Backend
	if target == RunAll {
		if rf.output != "" || len(rf.params) > 0 {
			return util.New(util.KindConfig, op, "--output and --param need a single assembler")
		}
		for _, e := range reg.Available() {
			b, err := reg.Get(e.Manifest.Name)
			if err != nil {
				return err
			}
			backends = append(backends, b)
		}
		if len(backends) == 0 {
			return util.New(util.KindNotFound, op, "no assemblers are installed (see `atron list`)")
		}
	} else {
		b, err := reg.Get(target)
		if err != nil {
			return err
		}
		backends = append(backends, b)
	}

	pinned, err := parsePins(backends[0].Manifest(), rf.params)
	if err != nil {
		return err
	}

	orch, closeAll, err := a.orchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	opts := pipeline.Options{
		Threads:       cfg.Threads,
		Memory:        cfg.Memory,
		SubsampleSize: cfg.SubsampleSize,
		Seed:          cfg.Seed,
		SkipSubsample: rf.skipSubsample,
		SkipFinal:     rf.skipFinal,
		WorkDir:       cfg.WorkDir,
		Output:        rf.output,
		Timeout:       util.EnforceMinTimeout(cfg.Timeout, util.MinRunTimeout),
		Pinned:        pinned,
	}
	logger.Debug("starting run", "target", target, "backends", len(backends), "left", reads.Left, "right", reads.Right)

	p := a.printer()
	if target != RunAll {
		run, err := orch.Run(ctx, backends[0], reads, opts)
		printRun(p, run)
		return err
	}

	summary := filepath.Join(cfg.WorkDir, SummaryFileName)
	runs, err := orch.RunBatch(ctx, backends, reads, pipeline.BatchOptions{
		Options:  opts,
		Parallel: cfg.Parallel,
		Summary:  summary,
	})
	names := make([]string, 0, len(runs))
	for name := range runs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		printRun(p, runs[name])
	}
	if len(runs) > 0 {
		p.Muted("summary: " + summary)
	}
	return err
}

// orchestrator builds the sampler, scorer, cache and publisher from cfg.
// The returned func closes the cache and the publisher.
func (a *app) orchestrator(ctx context.Context, cfg config.AtronConfig) (*pipeline.Orchestrator, func(), error) {
	logger := a.log().Slog()
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}

	var scorer optimizer.Scorer = optimizer.NoScore{}
	if cfg.Scorer.Command != "" {
		cs, err := optimizer.NewCommandScorer(cfg.Scorer.Command, a.runner)
		if err != nil {
			return nil, closeAll, err
		}
		scorer = cs
	}

	var cache *store.ScoreCache
	var err error
	if cfg.Cache.Enabled {
		cacheCfg := store.DefaultConfig(config.ExpandHome(cfg.Cache.Dir))
		cacheCfg.Logger = logger
		cache, err = store.Open(cacheCfg)
	} else {
		cache, err = store.OpenInMemory()
	}
	if err != nil {
		return nil, closeAll, err
	}
	closers = append(closers, cache)

	var publisher publish.Publisher
	if cfg.Publish.Target != "" {
		publisher, err = publish.New(ctx, cfg.Publish.Target, publish.Options{
			CredentialsFile: config.ExpandHome(cfg.Publish.Credentials),
		})
		if err != nil {
			closeAll()
			return nil, func() {}, util.Wrapf(util.KindConfig, "cli.publish", err, "invalid publish target")
		}
		if c, ok := publisher.(io.Closer); ok {
			closers = append(closers, c)
		}
	}

	orch := pipeline.New(pipeline.Config{
		Sampler: sampler.New(sampler.Config{Reuse: true, Logger: logger}),
		Optimizer: &optimizer.Sweep{
			MaxEvaluations: cfg.Search.MaxEvaluations,
			Logger:         logger,
		},
		Scorer:    scorer,
		Cache:     cache,
		Publisher: publisher,
		Logger:    logger,
	})
	return orch, closeAll, nil
}

// parsePins converts key=value flags with m's schema.
func parsePins(m assembler.Manifest, raw []string) (assembler.Params, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	pinned := make(assembler.Params, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, util.Errorf(util.KindConfig, "cli.param", "--param %q is not key=value", kv)
		}
		v, err := m.ParseParam(key, strings.TrimSpace(value))
		if err != nil {
			return nil, err
		}
		pinned[key] = v
	}
	return pinned, nil
}

// =============================================================================
// Output
// =============================================================================

const fieldWidth = 10

func printRun(p *ux.Printer, run *pipeline.Run) {
	if run == nil {
		return
	}
	if run.State != pipeline.StateDone {
		p.Error(fmt.Sprintf("%s failed in state %s", run.Backend, lastActive(run)))
		return
	}
	p.Success(fmt.Sprintf("%s finished in %s", run.Backend, run.Duration().Round(time.Millisecond)))
	if run.Best != nil {
		score := "none (no usable assembly)"
		if optimizer.IsUsable(run.Best.Score) {
			score = fmt.Sprintf("%g", run.Best.Score)
		}
		p.Field("score", fieldWidth, score)
		p.Field("parameters", fieldWidth, formatParams(run.Best.Parameters))
	}
	if run.ResultPath != "" {
		p.Field("result", fieldWidth, run.ResultPath)
	}
	if run.Final != nil {
		p.Field("assembly", fieldWidth, run.Final.Path)
	}
	if run.Published != "" {
		p.Field("published", fieldWidth, run.Published)
	}
}

// lastActive is the state a failed run was in when it failed.
func lastActive(run *pipeline.Run) pipeline.State {
	for i := len(run.History) - 1; i >= 0; i-- {
		if run.History[i] != pipeline.StateFailed {
			return run.History[i]
		}
	}
	return run.State
}

func formatParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, " ")
}
