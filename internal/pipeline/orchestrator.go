// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package pipeline drives one assembler from raw reads to a final assembly.

A Run moves through a fixed sequence of states:

	Init ─► Subsampled ─► SearchConfigured ─► Optimized ─► Persisted ─► FinalConfigured ─► Assembled ─► Done
	  └──── (skip subsample) ──┘                               └── (skip final) ─────────────────────────┘

Any non-terminal state may move to Failed. The search result is written
before the final assembly starts.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/assemblotron/internal/assembler"
	"github.com/AleutianAI/assemblotron/internal/fastq"
	"github.com/AleutianAI/assemblotron/internal/optimizer"
	"github.com/AleutianAI/assemblotron/internal/process"
	"github.com/AleutianAI/assemblotron/internal/publish"
	"github.com/AleutianAI/assemblotron/internal/util"
)

var (
	tracer = otel.Tracer("atron.pipeline")
	meter  = otel.Meter("atron.pipeline")
)

// FinalDirName is the directory under WorkDir holding final assemblies.
const FinalDirName = "final_assemblies"

// =============================================================================
// Collaborators
// =============================================================================

// Subsampler produces the search library.
type Subsampler interface {
	Subsample(ctx context.Context, pair fastq.ReadPair, n int, seed int64) (fastq.ReadPair, error)
}

// ScoreCache remembers evaluation scores across runs. Entries are keyed by
// the backend name, the scorer ID, the search reads and the parameters.
type ScoreCache interface {
	Get(backend, scorer string, reads fastq.ReadPair, params map[string]any) (float64, bool, error)
	Put(backend, scorer string, reads fastq.ReadPair, params map[string]any, score float64) error
}

// Config wires an Orchestrator.
type Config struct {
	// Sampler is required unless every run skips subsampling.
	Sampler Subsampler

	// Optimizer drives the search. Defaults to an unbounded Sweep.
	Optimizer optimizer.Optimizer

	// Scorer rates assemblies. Defaults to NoScore.
	Scorer optimizer.Scorer

	// Cache is optional.
	Cache ScoreCache

	// Publisher is optional. Publication failures are logged only.
	Publisher publish.Publisher

	// Logger receives stage messages. Nil discards them.
	Logger *slog.Logger
}

// Options are the per-run settings.
type Options struct {
	// Threads and Memory are forwarded to the backend.
	Threads int
	Memory  int

	// SubsampleSize is the number of pairs in the search library.
	SubsampleSize int

	// Seed seeds the sampler.
	Seed int64

	// SkipSubsample searches on the full reads, unmodified.
	SkipSubsample bool

	// Subset, when set, is used as the already sampled search library.
	Subset *fastq.ReadPair

	// SkipFinal stops after the result is persisted.
	SkipFinal bool

	// WorkDir holds per-backend search directories and final assemblies.
	WorkDir string

	// Output is the result file. Defaults to <WorkDir>/<backend>/result.json.
	Output string

	// Timeout bounds the whole run. Zero disables it.
	Timeout time.Duration

	// Pinned fixes parameters to a single value during the search.
	Pinned assembler.Params
}

// =============================================================================
// Run
// =============================================================================

// Run is the record of one pipeline execution.
type Run struct {
	ID      string
	Backend string
	State   State
	History []State

	// Reads is the full library; SearchReads the one the search used.
	Reads       fastq.ReadPair
	SearchReads fastq.ReadPair

	Best       *optimizer.Result
	Final      *assembler.Artifact
	ResultPath string
	Published  string

	Err      error
	Started  time.Time
	Finished time.Time
}

func newRun(backend string, reads fastq.ReadPair) *Run {
	return &Run{
		ID:      uuid.NewString(),
		Backend: backend,
		State:   StateInit,
		History: []State{StateInit},
		Reads:   reads,
		Started: time.Now(),
	}
}

// transition moves the run to "to" if the edge exists.
func (r *Run) transition(to State) error {
	if !CanTransition(r.State, to) {
		return &TransitionError{From: r.State, To: to}
	}
	r.State = to
	r.History = append(r.History, to)
	if to.IsTerminal() {
		r.Finished = time.Now()
	}
	return nil
}

// Duration is the wall time of a finished run.
func (r *Run) Duration() time.Duration {
	if r.Finished.IsZero() {
		return time.Since(r.Started)
	}
	return r.Finished.Sub(r.Started)
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator sequences subsampling, search and final assembly.
//
// # Thread Safety
//
// Orchestrator is safe for concurrent use when every concurrent Run uses a
// different backend instance. RunBatch relies on this.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	metricsOnce   sync.Once
	evaluations   metric.Int64Counter
	stageDuration metric.Float64Histogram
	runsFinished  metric.Int64Counter
	bestScore     metric.Float64Gauge
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Optimizer == nil {
		cfg.Optimizer = &optimizer.Sweep{Logger: cfg.Logger}
	}
	if cfg.Scorer == nil {
		cfg.Scorer = optimizer.NoScore{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{cfg: cfg, logger: logger}
}

func (o *Orchestrator) initMetrics() {
	o.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		o.evaluations, err = meter.Int64Counter("atron_evaluations_total",
			metric.WithDescription("Parameter points evaluated during search"),
		)
		if err != nil {
			initErrors = append(initErrors, "evaluations: "+err.Error())
		}
		o.stageDuration, err = meter.Float64Histogram("atron_stage_duration_seconds",
			metric.WithDescription("Time spent in each pipeline stage"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_duration: "+err.Error())
		}
		o.runsFinished, err = meter.Int64Counter("atron_runs_total",
			metric.WithDescription("Pipeline runs by terminal state"),
		)
		if err != nil {
			initErrors = append(initErrors, "runs: "+err.Error())
		}
		o.bestScore, err = meter.Float64Gauge("atron_best_score",
			metric.WithDescription("Best score found by the last search"),
		)
		if err != nil {
			initErrors = append(initErrors, "best_score: "+err.Error())
		}

		if len(initErrors) > 0 {
			o.logger.Error("failed to initialize some pipeline metrics",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// SearchSpace builds the optimizer space for m, with pinned parameters
// fixed to their value.
func SearchSpace(m assembler.Manifest, pinned assembler.Params) optimizer.Space {
	space := optimizer.Space(m.SearchValues())
	for _, k := range pinned.Keys() {
		space = space.Pin(k, pinned[k])
	}
	return space
}

// FinalDir returns the final assembly directory for a backend.
func FinalDir(workDir, backend string) string {
	return filepath.Join(workDir, FinalDirName, strings.ToLower(backend))
}

// Run executes the pipeline for one backend.
//
// # Description
//
// The returned Run is never nil. On success its State is Done; on failure
// it is Failed, Err holds the cause and the same error is returned. A
// final run that produced no usable artifact is a warning, not a failure.
//
// # Inputs
//
//   - ctx: cancels the in-flight external process when done
//   - backend: a fresh instance, used by this run only
//   - reads: the full paired library
//   - opts: per-run settings
//
// # Outputs
//
//   - *Run: the run record
//   - error: the classified cause of a Failed run
func (o *Orchestrator) Run(ctx context.Context, backend assembler.Backend, reads fastq.ReadPair, opts Options) (*Run, error) {
	o.initMetrics()

	name := ""
	if backend != nil {
		name = backend.Manifest().Name
	}
	run := newRun(name, reads)
	logger := o.logger.With("run_id", run.ID, "assembler", name)

	ctx, cancel := util.WithOptionalTimeout(ctx, opts.Timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("run_id", run.ID),
			attribute.String("assembler", name),
		),
	)
	defer span.End()

	err := o.execute(ctx, run, backend, opts, logger)
	if err != nil {
		if !run.State.IsTerminal() {
			_ = run.transition(StateFailed)
		}
		run.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "run failed", "state", run.State, "kind", util.KindOf(err), "error", err,
			"duration", run.Duration().Round(time.Millisecond))
	} else {
		span.SetStatus(codes.Ok, "")
		logger.InfoContext(ctx, "run complete", "state", run.State, "duration", run.Duration().Round(time.Millisecond))
	}
	o.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("assembler", name),
		attribute.String("state", string(run.State)),
	))
	return run, err
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, backend assembler.Backend, opts Options, logger *slog.Logger) error {
	const op = "pipeline.run"
	if backend == nil {
		return util.New(util.KindConfig, op, "no backend given")
	}
	if opts.WorkDir == "" {
		return util.New(util.KindConfig, op, "work directory is required")
	}
	if !run.Reads.Valid() {
		return util.New(util.KindConfig, op, "left and right read files are required")
	}
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return util.Wrap(util.KindIO, op, err)
	}

	lock := process.NewDirLock(workDir, strings.ToLower(run.Backend))
	if err := lock.Acquire(); err != nil {
		var held *process.ErrLockHeld
		if errors.As(err, &held) {
			return util.Wrap(util.KindConfig, op, err)
		}
		return util.Wrap(util.KindIO, op, err)
	}
	defer lock.Release()
	logger.Debug("work directory locked", "lock", lock.Path())

	// ===== Subsample =====
	run.SearchReads = run.Reads
	switch {
	case opts.SkipSubsample:
		logger.Info("subsampling skipped, searching on full reads")
	case opts.Subset != nil:
		run.SearchReads = *opts.Subset
		if err := o.enter(run, StateSubsampled, logger); err != nil {
			return err
		}
	default:
		if o.cfg.Sampler == nil {
			return util.New(util.KindConfig, op, "no sampler configured")
		}
		err := o.stage(ctx, "subsample", func(ctx context.Context) error {
			subset, err := o.cfg.Sampler.Subsample(ctx, run.Reads, opts.SubsampleSize, opts.Seed)
			run.SearchReads = subset
			return err
		})
		if err != nil {
			return err
		}
		if err := o.enter(run, StateSubsampled, logger); err != nil {
			return err
		}
	}

	// ===== Configure Search =====
	searchDir := filepath.Join(workDir, run.Backend, "search")
	if err := resetDir(searchDir, logger); err != nil {
		return util.Wrap(util.KindIO, "pipeline.search", err)
	}
	err = o.stage(ctx, "configure_search", func(ctx context.Context) error {
		return backend.ConfigureForSearch(ctx, assembler.GlobalOptions{
			Threads: opts.Threads,
			Memory:  opts.Memory,
			Reads:   run.SearchReads,
			WorkDir: searchDir,
		}, assembler.Params{})
	})
	if err != nil {
		return err
	}
	if err := o.enter(run, StateSearchConfigured, logger); err != nil {
		return err
	}

	// ===== Optimize =====
	space := SearchSpace(backend.Manifest(), opts.Pinned)
	logger.Info("starting search", "points", space.Size(), "parameters", space.Names())
	var best optimizer.Result
	err = o.stage(ctx, "optimize", func(ctx context.Context) error {
		var err error
		best, err = o.cfg.Optimizer.Optimize(ctx, space, o.evaluator(run, backend, logger))
		return err
	})
	if err != nil {
		return err
	}
	run.Best = &best
	if optimizer.IsUsable(best.Score) {
		o.bestScore.Record(ctx, best.Score, metric.WithAttributes(attribute.String("assembler", run.Backend)))
		logger.Info("search complete", "score", best.Score, "evaluations", best.Evaluations, "parameters", best.Parameters)
	} else {
		logger.Warn("search found no usable assembly", "evaluations", best.Evaluations, "parameters", best.Parameters)
	}
	if err := o.enter(run, StateOptimized, logger); err != nil {
		return err
	}

	// ===== Persist =====
	run.ResultPath = opts.Output
	if run.ResultPath == "" {
		run.ResultPath = filepath.Join(workDir, run.Backend, "result.json")
	}
	err = o.stage(ctx, "persist", func(ctx context.Context) error {
		if err := WriteJSON(run.ResultPath, NewResult(run.Backend, best)); err != nil {
			return util.Wrap(util.KindIO, "pipeline.persist", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("result written", "path", run.ResultPath)
	o.publish(ctx, run, logger)
	if err := o.enter(run, StatePersisted, logger); err != nil {
		return err
	}

	if opts.SkipFinal {
		logger.Info("final assembly skipped")
		return o.enter(run, StateDone, logger)
	}

	// ===== Final Assembly =====
	finalDir := FinalDir(workDir, run.Backend)
	if err := resetDir(finalDir, logger); err != nil {
		return util.Wrap(util.KindIO, "pipeline.final", err)
	}
	err = o.stage(ctx, "configure_final", func(ctx context.Context) error {
		return backend.ConfigureForFinal(ctx, assembler.GlobalOptions{
			Threads: opts.Threads,
			Memory:  opts.Memory,
			Reads:   run.Reads,
			WorkDir: finalDir,
		}, assembler.Params{})
	})
	if err != nil {
		return err
	}
	if err := o.enter(run, StateFinalConfigured, logger); err != nil {
		return err
	}

	err = o.stage(ctx, "assemble", func(ctx context.Context) error {
		art, err := backend.Run(ctx, assembler.Params(best.Parameters))
		run.Final = art
		return err
	})
	if err != nil {
		return err
	}
	if run.Final == nil {
		logger.Warn("final assembly produced no usable output", "dir", finalDir)
	} else {
		logger.Info("final assembly written", "path", run.Final.Path, "bytes", run.Final.Size)
	}
	if err := o.enter(run, StateAssembled, logger); err != nil {
		return err
	}
	return o.enter(run, StateDone, logger)
}

// resetDir removes dir left behind by an earlier run so its outputs are
// never mistaken for this run's.
func resetDir(dir string, logger *slog.Logger) error {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	logger.Warn("directory from an earlier run exists, replacing it", "dir", dir)
	return os.RemoveAll(dir)
}

// enter performs a transition and logs it.
func (o *Orchestrator) enter(run *Run, to State, logger *slog.Logger) error {
	from := run.State
	if err := run.transition(to); err != nil {
		return util.Wrap(util.KindUnknown, "pipeline.transition", err)
	}
	logger.Debug("state changed", "from", from, "state", to)
	return nil
}

// stage runs fn inside a span and records its duration.
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	o.stageDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("stage", name)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// evaluator builds the search callback: run the backend, score the
// artifact, consult the cache on both sides. An attempt without usable
// output scores optimizer.Worst.
func (o *Orchestrator) evaluator(run *Run, backend assembler.Backend, logger *slog.Logger) optimizer.EvalFunc {
	scorer := o.cfg.Scorer.ID()
	return func(ctx context.Context, params map[string]any) (float64, error) {
		attrs := []attribute.KeyValue{attribute.String("assembler", run.Backend)}

		if o.cfg.Cache != nil {
			score, ok, err := o.cfg.Cache.Get(run.Backend, scorer, run.SearchReads, params)
			if err != nil {
				logger.Warn("score cache lookup failed", "error", err)
			} else if ok {
				logger.Debug("cached score", "params", params, "score", score)
				o.evaluations.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.Bool("cached", true))...))
				return score, nil
			}
		}

		ctx, span := tracer.Start(ctx, "pipeline.evaluate")
		defer span.End()

		art, err := backend.Run(ctx, assembler.Params(params))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, err
		}

		score := optimizer.Worst
		if art == nil {
			logger.Warn("attempt produced no usable output, scoring it worst", "params", params)
			span.SetAttributes(attribute.Bool("usable", false))
		} else {
			score, err = o.cfg.Scorer.Score(ctx, art.Path, run.SearchReads)
			if err == nil && !optimizer.IsUsable(score) {
				err = util.Errorf(util.KindExecution, "pipeline.score", "scorer returned %v for %s", score, art.Path)
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return 0, err
			}
			span.SetAttributes(attribute.Float64("score", score))
		}
		o.evaluations.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.Bool("cached", false))...))

		if o.cfg.Cache != nil {
			if err := o.cfg.Cache.Put(run.Backend, scorer, run.SearchReads, params, score); err != nil {
				logger.Warn("score cache write failed", "error", err)
			}
		}
		return score, nil
	}
}

// publish uploads the result file when a publisher is configured.
func (o *Orchestrator) publish(ctx context.Context, run *Run, logger *slog.Logger) {
	if o.cfg.Publisher == nil {
		return
	}
	name := fmt.Sprintf("%s/%s.json", run.ID, run.Backend)
	dest, err := o.cfg.Publisher.Publish(ctx, run.ResultPath, name)
	if err != nil {
		logger.Warn("result publication failed", "error", err)
		return
	}
	run.Published = dest
	logger.Info("result published", "url", dest)
}
