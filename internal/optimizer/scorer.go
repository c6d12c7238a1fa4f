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
	"bytes"
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/AleutianAI/assemblotron/internal/fastq"
	"github.com/AleutianAI/assemblotron/internal/process"
	"github.com/AleutianAI/assemblotron/internal/util"
)

// Scorer rates one assembly. Higher is better.
//
// Score returns a finite number. ID fingerprints the scoring method so
// cached scores are only reused by the scorer that produced them.
type Scorer interface {
	Score(ctx context.Context, assembly string, reads fastq.ReadPair) (float64, error)
	ID() string
}

// Worst is the score of an attempt that produced no usable output. It loses
// to every finite score.
var Worst = math.Inf(-1)

// IsUsable reports whether score came from a real assembly.
func IsUsable(score float64) bool {
	return !math.IsInf(score, 0) && !math.IsNaN(score)
}

// NoScore rates every assembly 0, reducing a search to a smoke test of the
// backend.
type NoScore struct{}

// Score implements Scorer.
func (NoScore) Score(context.Context, string, fastq.ReadPair) (float64, error) { return 0, nil }

// ID implements Scorer.
func (NoScore) ID() string { return "none" }

// Placeholders substituted into CommandScorer arguments.
const (
	PlaceholderAssembly = "{assembly}"
	PlaceholderLeft     = "{left}"
	PlaceholderRight    = "{right}"
)

// CommandScorer delegates scoring to an external executable.
//
// # Description
//
// Argv is expanded by replacing {assembly}, {left} and {right} in each
// argument. When no argument mentions {assembly} the assembly path is
// appended. The command must exit zero and print the score as the last
// non-empty line of stdout.
//
// # Example
//
//	scorer := &optimizer.CommandScorer{
//	    Argv:   []string{"transrate-score", "--assembly", "{assembly}"},
//	    Runner: process.NewExecRunner(),
//	}
type CommandScorer struct {
	Argv   []string
	Runner process.Runner
}

// NewCommandScorer parses a whitespace separated command line.
func NewCommandScorer(command string, runner process.Runner) (*CommandScorer, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, util.New(util.KindConfig, "scorer.new", "scorer command is empty")
	}
	if runner == nil {
		runner = process.NewExecRunner()
	}
	return &CommandScorer{Argv: argv, Runner: runner}, nil
}

// Command returns the expanded argv for one assembly.
func (c *CommandScorer) Command(assembly string, reads fastq.ReadPair) []string {
	r := strings.NewReplacer(PlaceholderAssembly, assembly, PlaceholderLeft, reads.Left, PlaceholderRight, reads.Right)
	argv := make([]string, 0, len(c.Argv)+1)
	mentioned := false
	for _, a := range c.Argv {
		if strings.Contains(a, PlaceholderAssembly) {
			mentioned = true
		}
		argv = append(argv, r.Replace(a))
	}
	if !mentioned {
		argv = append(argv, assembly)
	}
	return argv
}

// Score implements Scorer.
func (c *CommandScorer) Score(ctx context.Context, assembly string, reads fastq.ReadPair) (float64, error) {
	const op = "scorer.command"
	argv := c.Command(assembly, reads)
	res, err := c.Runner.Execute(ctx, process.Command{Argv: argv})
	if err != nil {
		return 0, util.NewExecutionError(argv, -1, string(res.Stdout), string(res.Stderr), err)
	}
	if !res.Success() {
		return 0, util.NewExecutionError(argv, res.ExitCode, string(res.Stdout), string(res.Stderr), nil)
	}

	line := lastLine(res.Stdout)
	score, err := strconv.ParseFloat(line, 64)
	if err != nil || !IsUsable(score) {
		return 0, util.Errorf(util.KindExecution, op, "%s printed %q, want a finite number", argv[0], line)
	}
	return score, nil
}

// ID implements Scorer. It is the unexpanded command line.
func (c *CommandScorer) ID() string {
	return "command:" + strings.Join(c.Argv, " ")
}

func lastLine(out []byte) string {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	return strings.TrimSpace(string(lines[len(lines)-1]))
}

var (
	_ Scorer = NoScore{}
	_ Scorer = (*CommandScorer)(nil)
)
