// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sampler draws uniform random subsets of paired-end libraries.
//
// # Algorithm
//
// Subsample is a single pass reservoir sample over both mate files read in
// lockstep. Pair i (1-indexed) fills slot i-1 while i <= n. After that a
// uniform u in [0,1) is drawn and, when u < n/i, a uniform slot j in [0,n)
// is overwritten. Every pair ends up in the sample with probability n/m.
//
// The only randomness source is a PCG generator seeded from the caller's
// seed, so identical (pair, n, seed) inputs give byte-identical outputs.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/AleutianAI/assemblotron/internal/fastq"
	"github.com/AleutianAI/assemblotron/internal/util"
)

// DefaultSeed is the seed used when none is configured.
const DefaultSeed int64 = 1337

// pcgStream is the fixed PCG stream selector. Changing it changes every
// sample ever produced for a given seed.
const pcgStream uint64 = 0x9e3779b97f4a7c15

// cancelCheckInterval is how many pairs are read between context checks.
const cancelCheckInterval = 4096

// Config configures a Sampler.
type Config struct {
	// OutputDir receives the subset files. Empty means next to each input.
	OutputDir string

	// Reuse returns existing subset files instead of resampling.
	Reuse bool

	// Logger receives progress messages. Nil discards them.
	Logger *slog.Logger
}

// Sampler produces subset read pairs.
type Sampler struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Sampler.
func New(cfg Config) *Sampler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sampler{cfg: cfg, logger: logger.With("component", "sampler")}
}

// OutputPair returns the paths Subsample writes for (pair, n, seed):
// subset.<n>.<seed>.<basename>.
func (s *Sampler) OutputPair(pair fastq.ReadPair, n int, seed int64) fastq.ReadPair {
	return fastq.ReadPair{
		Left:  s.outputPath(pair.Left, n, seed),
		Right: s.outputPath(pair.Right, n, seed),
	}
}

func (s *Sampler) outputPath(input string, n int, seed int64) string {
	dir := s.cfg.OutputDir
	if dir == "" {
		dir = filepath.Dir(input)
	}
	return filepath.Join(dir, fmt.Sprintf("subset.%d.%d.%s", n, seed, filepath.Base(input)))
}

type slot struct {
	left, right fastq.Record
}

// Subsample writes a uniform random sample of n pairs from pair.
//
// # Description
//
// When the library holds fewer than n pairs all of them are written, in
// input order, and a warning is logged. Output files are written under a
// temporary name and renamed into place once both are complete. With
// Config.Reuse set and both outputs present, no work is done.
//
// # Outputs
//
//   - fastq.ReadPair: paths of the subset files
//   - error: ConfigError for n <= 0 or mates that map to one output file;
//     IOError for unreadable, truncated,
//     malformed or unequal-length inputs and for write failures
func (s *Sampler) Subsample(ctx context.Context, pair fastq.ReadPair, n int, seed int64) (fastq.ReadPair, error) {
	const op = "sampler.subsample"
	if n <= 0 {
		return fastq.ReadPair{}, util.Errorf(util.KindConfig, op, "sample size must be positive, got %d", n)
	}
	if !pair.Valid() {
		return fastq.ReadPair{}, util.New(util.KindConfig, op, "left and right read files are required")
	}

	out := s.OutputPair(pair, n, seed)
	if out.Left == out.Right {
		return fastq.ReadPair{}, util.Errorf(util.KindConfig, op,
			"left and right reads would both be written to %s; give the mates distinct file names", out.Left)
	}
	if s.cfg.Reuse && exists(out.Left) && exists(out.Right) {
		s.logger.Info("reusing existing subset", "left", out.Left, "right", out.Right)
		return out, nil
	}

	slots, total, err := s.sample(ctx, pair, n, seed)
	if err != nil {
		return fastq.ReadPair{}, err
	}
	if total < n {
		s.logger.Warn("library smaller than sample size, keeping every pair",
			"pairs", total, "requested", n)
	}

	if err := writeSlots(out, slots); err != nil {
		return fastq.ReadPair{}, util.Wrap(util.KindIO, op, err)
	}
	s.logger.Info("subsample written",
		"pairs", total, "kept", len(slots), "seed", seed,
		"left", out.Left, "right", out.Right)
	return out, nil
}

// sample runs the reservoir pass and returns the filled slots and the
// number of pairs seen.
func (s *Sampler) sample(ctx context.Context, pair fastq.ReadPair, n int, seed int64) ([]slot, int, error) {
	const op = "sampler.read"

	lf, err := fastq.Open(pair.Left)
	if err != nil {
		return nil, 0, util.Wrapf(util.KindIO, op, err, "open left reads")
	}
	defer lf.Close()
	rf, err := fastq.Open(pair.Right)
	if err != nil {
		return nil, 0, util.Wrapf(util.KindIO, op, err, "open right reads")
	}
	defer rf.Close()

	left, right := fastq.NewReader(lf), fastq.NewReader(rf)
	rng := rand.New(rand.NewPCG(uint64(seed), pcgStream))
	slots := make([]slot, 0, min(n, 1<<20))

	i := 0
	for {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, i, err
			}
		}

		l, lerr := left.Read()
		r, rerr := right.Read()
		lend, rend := errors.Is(lerr, io.EOF), errors.Is(rerr, io.EOF)
		switch {
		case lend && rend:
			return slots, i, nil
		case lerr != nil && !lend:
			return nil, i, util.Wrapf(util.KindIO, op, lerr, "left reads %s", pair.Left)
		case rerr != nil && !rend:
			return nil, i, util.Wrapf(util.KindIO, op, rerr, "right reads %s", pair.Right)
		case lend != rend:
			return nil, i, util.Errorf(util.KindIO, op,
				"mate files differ in length: left %d records, right %d records",
				left.Count(), right.Count())
		}

		i++
		if i <= n {
			slots = append(slots, slot{left: l, right: r})
			continue
		}
		if rng.Float64() < float64(n)/float64(i) {
			slots[rng.IntN(n)] = slot{left: l, right: r}
		}
	}
}

// writeSlots writes both outputs under temporary names and renames them
// into place when both succeed.
func writeSlots(out fastq.ReadPair, slots []slot) (err error) {
	ltmp, rtmp := out.Left+".partial", out.Right+".partial"
	defer func() {
		if err != nil {
			_ = os.Remove(ltmp)
			_ = os.Remove(rtmp)
		}
	}()

	for _, dir := range []string{filepath.Dir(out.Left), filepath.Dir(out.Right)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	lw, err := fastq.Create(ltmp, fastq.IsGzipName(out.Left))
	if err != nil {
		return err
	}
	rw, err := fastq.Create(rtmp, fastq.IsGzipName(out.Right))
	if err != nil {
		_ = lw.Close()
		return err
	}

	for _, sl := range slots {
		if err = fastq.WriteRecord(lw, sl.left); err != nil {
			break
		}
		if err = fastq.WriteRecord(rw, sl.right); err != nil {
			break
		}
	}
	if cerr := lw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := rw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if err = os.Rename(ltmp, out.Left); err != nil {
		return err
	}
	return os.Rename(rtmp, out.Right)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
