// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package optimizer

import (
	"context"
	"log/slog"
)

// Sweep evaluates the cartesian product of a Space in a fixed order.
//
// # Description
//
// Points are enumerated odometer style over the sorted parameter names: the
// last name varies fastest and values keep their listed order. The first
// point reaching the best score wins ties, so two sweeps over the same
// space with a deterministic eval return the same Result.
//
// # Limitations
//
// The product grows multiplicatively. MaxEvaluations bounds the number of
// points visited; points past the bound are never evaluated.
type Sweep struct {
	// MaxEvaluations caps eval calls. Zero or negative means unbounded.
	MaxEvaluations int

	// Logger receives one debug line per evaluation. Nil discards.
	Logger *slog.Logger
}

// Optimize implements Optimizer.
func (s *Sweep) Optimize(ctx context.Context, space Space, eval EvalFunc) (Result, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	names := space.Names()
	for _, n := range names {
		if len(space[n]) == 0 {
			// A parameter with no candidates leaves nothing to evaluate.
			return Result{}, &EmptySpaceError{Parameter: n}
		}
	}

	total := space.Size()
	if s.MaxEvaluations > 0 && s.MaxEvaluations < total {
		logger.Info("search space truncated", "points", total, "max_evaluations", s.MaxEvaluations)
		total = s.MaxEvaluations
	}

	var best Result
	index := make([]int, len(names))
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return best, err
		}

		point := make(map[string]any, len(names))
		for k, n := range names {
			point[n] = space[n][index[k]]
		}

		score, err := eval(ctx, point)
		best.Evaluations++
		if err != nil {
			return best, err
		}
		logger.Debug("evaluated point", "evaluation", i+1, "score", score, "params", point)

		if best.Parameters == nil || score > best.Score {
			best.Parameters = point
			best.Score = score
		}
		advance(index, names, space)
	}
	return best, nil
}

// advance increments index as a mixed-radix counter.
func advance(index []int, names []string, space Space) {
	for k := len(index) - 1; k >= 0; k-- {
		index[k]++
		if index[k] < len(space[names[k]]) {
			return
		}
		index[k] = 0
	}
}

// EmptySpaceError reports a parameter without candidate values.
type EmptySpaceError struct {
	Parameter string
}

func (e *EmptySpaceError) Error() string {
	return "parameter " + e.Parameter + " has no candidate values"
}

var _ Optimizer = (*Sweep)(nil)
