// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package optimizer defines the parameter search and scoring collaborators
// used by the pipeline, plus simple reference implementations.
//
// The pipeline owns the evaluation callback. An Optimizer only proposes
// points of a Space and keeps the best score it has seen; it never runs an
// assembler itself.
package optimizer

import (
	"context"
	"maps"
	"sort"
)

// Space maps each parameter name to the candidate values the search may
// assign it. A parameter with a single value is fixed.
type Space map[string][]any

// Names returns the parameter names in sorted order.
func (s Space) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Size returns the number of points in the full cartesian product.
// An empty space has exactly one point (no parameters).
func (s Space) Size() int {
	size := 1
	for _, values := range s {
		size *= len(values)
	}
	return size
}

// Pin returns a copy of s with name fixed to value.
func (s Space) Pin(name string, value any) Space {
	out := maps.Clone(s)
	if out == nil {
		out = Space{}
	}
	out[name] = []any{value}
	return out
}

// EvalFunc scores one parameter point. Higher is better.
type EvalFunc func(ctx context.Context, params map[string]any) (float64, error)

// Result is the best point found by a search.
type Result struct {
	// Parameters is the winning point.
	Parameters map[string]any `json:"parameters"`

	// Score is the value EvalFunc returned for Parameters. It is Worst when
	// no evaluated point produced usable output.
	Score float64 `json:"score"`

	// Evaluations counts EvalFunc calls made by the search.
	Evaluations int `json:"-"`
}

// Optimizer searches a Space for the highest scoring point.
//
// # Description
//
// Optimize calls eval for the points it chooses and returns the best one.
// An error from eval or from ctx aborts the search and is returned
// unchanged.
type Optimizer interface {
	Optimize(ctx context.Context, space Space, eval EvalFunc) (Result, error)
}
