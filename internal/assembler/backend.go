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
Package assembler wraps third-party sequence assemblers behind one interface.

A Backend is created from a Manifest by the Registry. It is configured for a
phase (search on the subsampled reads, or final on the full library), then
run any number of times with candidate parameters. Each run executes the
external tool in its own attempt directory and reports the artifact it
produced, or nil when the tool produced nothing usable.

# Phases

	ConfigureForSearch ──► Run(p1) ─► Run(p2) ─► ...
	ConfigureForFinal  ──► Run(best)

ConfigureForFinal does not depend on ConfigureForSearch having run.
*/
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/AleutianAI/assemblotron/internal/fastq"
	"github.com/AleutianAI/assemblotron/internal/process"
	"github.com/AleutianAI/assemblotron/internal/util"
)

// =============================================================================
// Types
// =============================================================================

// Params maps parameter names to values (string, int, float64 or bool).
type Params map[string]any

// Merge returns a new map holding base overlaid with each overlay in turn.
// Later maps win key by key.
func Merge(base Params, overlays ...Params) Params {
	out := make(Params, len(base))
	maps.Copy(out, base)
	for _, o := range overlays {
		maps.Copy(out, o)
	}
	return out
}

// Keys returns the keys of p in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GlobalOptions are the options shared by every backend in a run.
type GlobalOptions struct {
	// Threads is the thread count passed to the assembler.
	Threads int

	// Memory is the memory hint in GB. Zero omits it.
	Memory int

	// Reads is the library the phase assembles.
	Reads fastq.ReadPair

	// WorkDir receives phase config files and attempt directories.
	WorkDir string
}

// Artifact is the usable output of one backend run.
type Artifact struct {
	// Path is the absolute path of the assembly file.
	Path string `json:"path"`

	// Size is the file size in bytes (always > 0).
	Size int64 `json:"size"`

	// Attempt is the run number that produced it.
	Attempt int `json:"attempt"`

	// Reads is the library that was assembled.
	Reads fastq.ReadPair `json:"reads"`
}

// Backend is the capability set of an assembler.
//
// # Description
//
// ConfigureForSearch and ConfigureForFinal prepare phase artifacts in
// GlobalOptions.WorkDir and record their paths in local. BuildCommand is
// pure: it merges the backend defaults with params and renders argv.
// Run applies the phase options, builds the command and executes it.
//
// Run returns (nil, nil) when the tool exited zero but its expected output
// is absent or empty. Callers score that as the worst case.
//
// # Thread Safety
//
// A Backend instance serves one pipeline and is used sequentially.
type Backend interface {
	Manifest() Manifest
	ConfigureForSearch(ctx context.Context, g GlobalOptions, local Params) error
	ConfigureForFinal(ctx context.Context, g GlobalOptions, local Params) error
	BuildCommand(params Params) ([]string, error)
	Run(ctx context.Context, params Params) (*Artifact, error)
}

// Deps are the collaborators handed to a backend constructor.
type Deps struct {
	// Runner executes external commands.
	Runner process.Runner

	// Logger receives per-attempt messages.
	Logger *slog.Logger

	// Binaries maps required binary names to resolved paths.
	Binaries map[string]string
}

// Constructor builds a backend from its manifest.
type Constructor func(m Manifest, deps Deps) Backend

// constructors is the static table consulted by the manifest "constructor"
// field.
var constructors = map[string]Constructor{
	"soap_denovo_trans": func(m Manifest, d Deps) Backend { return NewSoapDenovoTrans(m, d) },
	"idba_tran":         func(m Manifest, d Deps) Backend { return NewIdbaTran(m, d) },
}

// Constructors returns the registered constructor names in sorted order.
func Constructors() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Shared Execution
// =============================================================================

// phase is what a Configure call leaves behind for Run.
type phase struct {
	name    string
	workDir string
	reads   fastq.ReadPair
	options Params
}

// toolBackend holds the state shared by every variant: the manifest, the
// attempt counter and the active phase.
type toolBackend struct {
	manifest Manifest
	deps     Deps
	logger   *slog.Logger

	mu    sync.Mutex
	runs  int
	phase *phase
}

func newToolBackend(m Manifest, deps Deps) toolBackend {
	if deps.Runner == nil {
		deps.Runner = process.NewExecRunner()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return toolBackend{
		manifest: m,
		deps:     deps,
		logger:   logger.With("assembler", m.Name),
	}
}

// Manifest returns the backend's manifest.
func (b *toolBackend) Manifest() Manifest { return b.manifest }

// binary returns the resolved path of a required binary, or its bare name.
func (b *toolBackend) binary(name string) string {
	if p, ok := b.deps.Binaries[name]; ok && p != "" {
		return p
	}
	return name
}

func (b *toolBackend) setPhase(name string, g GlobalOptions, options Params) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = &phase{name: name, workDir: g.WorkDir, reads: g.Reads, options: Merge(options)}
}

// prepareWorkDir validates g and creates its working directory.
func prepareWorkDir(op string, g GlobalOptions) (string, error) {
	if g.WorkDir == "" {
		return "", util.New(util.KindConfig, op, "work directory is required")
	}
	if !g.Reads.Valid() {
		return "", util.New(util.KindConfig, op, "left and right reads are required")
	}
	dir, err := filepath.Abs(g.WorkDir)
	if err != nil {
		return "", util.Wrap(util.KindIO, op, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", util.Wrap(util.KindIO, op, err)
	}
	return dir, nil
}

// attempt is one execution of the tool.
type attempt struct {
	number int
	dir    string
	log    string
	phase  phase
}

// nextAttempt allocates attempt-<n> and <n>.log in the phase directory.
// An attempt directory left by an earlier instance is emptied first so its
// files are never reported as this attempt's output.
func (b *toolBackend) nextAttempt(op string) (attempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == nil {
		return attempt{}, util.Errorf(util.KindConfig, op, "%s is not configured for a phase", b.manifest.Name)
	}
	b.runs++
	a := attempt{
		number: b.runs,
		dir:    filepath.Join(b.phase.workDir, "attempt-"+strconv.Itoa(b.runs)),
		log:    filepath.Join(b.phase.workDir, strconv.Itoa(b.runs)+".log"),
		phase:  *b.phase,
	}
	if err := os.RemoveAll(a.dir); err != nil {
		return attempt{}, util.Wrap(util.KindIO, op, err)
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return attempt{}, util.Wrap(util.KindIO, op, err)
	}
	return a, nil
}

// execute runs argv in the attempt directory, teeing output to its log.
func (b *toolBackend) execute(ctx context.Context, op string, a attempt, argv []string) error {
	logFile, err := os.Create(a.log)
	if err != nil {
		return util.Wrap(util.KindIO, op, err)
	}
	defer logFile.Close()

	b.logger.Debug("running attempt", "attempt", a.number, "phase", a.phase.name, "argv", argv)
	res, err := b.deps.Runner.Execute(ctx, process.Command{
		Argv:   argv,
		Dir:    a.dir,
		Stdout: logFile,
		Stderr: logFile,
	})
	if err != nil {
		return util.NewExecutionError(argv, -1, string(res.Stdout), string(res.Stderr), err)
	}
	if !res.Success() {
		return util.NewExecutionError(argv, res.ExitCode, string(res.Stdout), string(res.Stderr), nil)
	}
	return nil
}

// artifactAt returns an Artifact for path, or nil when it is absent or
// empty.
func artifactAt(path string, a attempt) (*Artifact, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, util.Wrap(util.KindIO, "assembler.artifact", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, nil
	}
	return &Artifact{Path: path, Size: info.Size(), Attempt: a.number, Reads: a.phase.reads}, nil
}

// formatValue renders a parameter value for argv.
func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// truthy interprets a flag-style parameter.
func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int:
		return x != 0
	case float64:
		return x != 0
	case string:
		b, err := strconv.ParseBool(x)
		return err == nil && b
	}
	return false
}

// appendExtras renders every merged parameter not consumed by the fixed
// flags as "<prefix><key> <value>", sorted by key. Parameters outside the
// schema are rendered too, so a caller can reach any tool flag.
func appendExtras(argv []string, merged Params, consumed map[string]bool, prefix string) []string {
	for _, key := range merged.Keys() {
		if consumed[key] {
			continue
		}
		v := merged[key]
		if b, ok := v.(bool); ok {
			if b {
				argv = append(argv, prefix+key)
			}
			continue
		}
		argv = append(argv, prefix+key, formatValue(v))
	}
	return argv
}
