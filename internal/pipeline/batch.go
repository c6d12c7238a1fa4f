// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/assemblotron/internal/assembler"
	"github.com/AleutianAI/assemblotron/internal/fastq"
	"github.com/AleutianAI/assemblotron/internal/util"
)

// BatchOptions configure RunBatch.
type BatchOptions struct {
	// Options apply to every backend. Output is ignored; each backend
	// writes <WorkDir>/<backend>/result.json.
	Options

	// Parallel bounds concurrent backends. Zero or negative means one.
	Parallel int

	// Summary, when set, receives a JSON document keyed by backend name.
	Summary string
}

// Summary is the per-backend entry of a batch summary file.
type Summary struct {
	State      State          `json:"state"`
	Score      *float64       `json:"score,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     string         `json:"result,omitempty"`
	Final      string         `json:"final,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  util.Kind      `json:"error_kind,omitempty"`
}

// BatchError lists the backends that failed.
type BatchError struct {
	Failed map[string]error
}

func (e *BatchError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for n := range e.Failed {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Sprintf("%d of the assemblers failed: %v", len(names), names)
}

// Unwrap exposes every failure to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// RunBatch runs the pipeline for several backends concurrently.
//
// # Description
//
// The reads are subsampled once and the subset is shared by every backend.
// Each backend then runs in its own goroutine with its own timeout. A
// failing backend never cancels its siblings; only ctx does.
//
// # Outputs
//
//   - map[string]*Run: one entry per backend, keyed by manifest name
//   - error: *BatchError when any backend failed, or the subsampling error
func (o *Orchestrator) RunBatch(ctx context.Context, backends []assembler.Backend, reads fastq.ReadPair, opts BatchOptions) (map[string]*Run, error) {
	const op = "pipeline.batch"
	if len(backends) == 0 {
		return nil, util.New(util.KindNotFound, op, "no assemblers available")
	}

	base := opts.Options
	base.Output = ""
	if !base.SkipSubsample && base.Subset == nil {
		if o.cfg.Sampler == nil {
			return nil, util.New(util.KindConfig, op, "no sampler configured")
		}
		subset, err := o.cfg.Sampler.Subsample(ctx, reads, base.SubsampleSize, base.Seed)
		if err != nil {
			return nil, err
		}
		base.Subset = &subset
	}

	limit := opts.Parallel
	if limit <= 0 {
		limit = 1
	}

	var (
		mu   sync.Mutex
		runs = make(map[string]*Run, len(backends))
	)
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for _, b := range backends {
		g.Go(func() error {
			run, _ := o.Run(ctx, b, reads, base)
			mu.Lock()
			runs[run.Backend] = run
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if opts.Summary != "" {
		if err := WriteJSON(opts.Summary, Summarize(runs)); err != nil {
			return runs, util.Wrap(util.KindIO, op, err)
		}
	}

	failed := map[string]error{}
	for name, run := range runs {
		if run.Err != nil {
			failed[name] = run.Err
		}
	}
	if len(failed) > 0 {
		return runs, &BatchError{Failed: failed}
	}
	return runs, nil
}

// Summarize converts runs into summary entries.
func Summarize(runs map[string]*Run) map[string]Summary {
	out := make(map[string]Summary, len(runs))
	for name, run := range runs {
		s := Summary{State: run.State, Result: persistedPath(run)}
		if run.Best != nil {
			s.Score = usableScore(run.Best.Score)
			s.Parameters = run.Best.Parameters
		}
		if run.Final != nil {
			s.Final = run.Final.Path
		}
		if run.Err != nil {
			s.Error = util.MessageOf(run.Err)
			s.ErrorKind = util.KindOf(run.Err)
		}
		out[name] = s
	}
	return out
}

// persistedPath is the result file of a run that got as far as writing it.
func persistedPath(run *Run) string {
	for _, st := range run.History {
		if st == StatePersisted {
			return run.ResultPath
		}
	}
	return ""
}
