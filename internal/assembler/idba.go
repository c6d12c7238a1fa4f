// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assembler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/assemblotron/internal/fastq"
	"github.com/AleutianAI/assemblotron/internal/process"
	"github.com/AleutianAI/assemblotron/internal/util"
)

// IdbaMergedReadsPrefix starts the name of the interleaved FASTA written by
// fq2fa.
const IdbaMergedReadsPrefix = "idba_merged_reads"

var idbaDefaults = Params{
	"out":          ".",
	"threads":      8,
	"mink":         21,
	"maxk":         77,
	"step":         4,
	"min_count":    1,
	"no_correct":   true,
	"max_isoforms": 6,
	"similar":      0.98,
}

var idbaFixed = map[string]bool{
	"path": true, "fq2fa": true, "reads": true, "out": true, "threads": true,
	"mink": true, "maxk": true, "step": true, "min_count": true,
	"no_correct": true, "max_isoforms": true, "similar": true,
}

// IdbaTran drives idba_tran on reads interleaved by fq2fa.
//
// ConfigureFor* runs `fq2fa --merge left right <merged>` and records the
// merged file as "reads". The merged name is derived from the read pair, so
// a file merged from other reads is never reused.
type IdbaTran struct {
	toolBackend
}

// NewIdbaTran creates the backend for m.
func NewIdbaTran(m Manifest, deps Deps) *IdbaTran {
	return &IdbaTran{toolBackend: newToolBackend(m, deps)}
}

// Defaults returns the hard-coded defaults overlaid with schema defaults.
func (b *IdbaTran) Defaults() Params {
	d := Merge(idbaDefaults, b.manifest.Defaults())
	d["path"] = b.binary("idba_tran")
	d["fq2fa"] = b.binary("fq2fa")
	return d
}

// ConfigureForSearch merges the subsampled reads.
func (b *IdbaTran) ConfigureForSearch(ctx context.Context, g GlobalOptions, local Params) error {
	return b.configure(ctx, "search", g, local)
}

// ConfigureForFinal merges the full reads.
func (b *IdbaTran) ConfigureForFinal(ctx context.Context, g GlobalOptions, local Params) error {
	return b.configure(ctx, "final", g, local)
}

func (b *IdbaTran) configure(ctx context.Context, name string, g GlobalOptions, local Params) error {
	const op = "idba.configure"
	dir, err := prepareWorkDir(op, g)
	if err != nil {
		return err
	}
	reads, err := g.Reads.Abs()
	if err != nil {
		return util.Wrap(util.KindIO, op, err)
	}

	merged, err := MergedReadsPath(dir, reads)
	if err != nil {
		return util.Wrap(util.KindIO, op, err)
	}
	if info, err := os.Stat(merged); err == nil && info.Size() > 0 {
		b.logger.Debug("reusing merged reads", "path", merged)
	} else if err := b.merge(ctx, op, dir, reads, merged); err != nil {
		return err
	}

	local["reads"] = merged
	if g.Threads > 0 {
		local["threads"] = g.Threads
	}
	g.WorkDir = dir
	g.Reads = reads
	b.setPhase(name, g, local)
	return nil
}

// merge runs fq2fa into a .partial file and renames it to merged once it
// exits zero.
func (b *IdbaTran) merge(ctx context.Context, op, dir string, reads fastq.ReadPair, merged string) error {
	partial := merged + ".partial"
	argv := []string{formatValue(b.Defaults()["fq2fa"]), "--merge", reads.Left, reads.Right, partial}
	res, err := b.deps.Runner.Execute(ctx, process.Command{Argv: argv, Dir: dir})
	if err != nil {
		err = util.NewExecutionError(argv, -1, string(res.Stdout), string(res.Stderr), err)
	} else if !res.Success() {
		err = util.NewExecutionError(argv, res.ExitCode, string(res.Stdout), string(res.Stderr), nil)
	}
	if err != nil {
		_ = os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, merged); err != nil {
		_ = os.Remove(partial)
		return util.Wrapf(util.KindIO, op, err, "fq2fa left no output")
	}
	return nil
}

// MergedReadsPath returns where the interleaved copy of reads lives in dir.
//
// # Description
//
// The name carries a short digest of both absolute mate paths with their
// sizes and modification times, so replacing either mate selects a new
// file.
//
// # Outputs
//
//   - string: <dir>/idba_merged_reads.<digest>.fa
//   - error: a mate cannot be stat'ed
func MergedReadsPath(dir string, reads fastq.ReadPair) (string, error) {
	h := sha256.New()
	for _, path := range []string{reads.Left, reads.Right} {
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%d\x00%d\x00", path, info.Size(), info.ModTime().UnixNano())
	}
	digest := hex.EncodeToString(h.Sum(nil))[:12]
	return filepath.Join(dir, IdbaMergedReadsPrefix+"."+digest+".fa"), nil
}

// BuildCommand renders argv for params merged over Defaults.
func (b *IdbaTran) BuildCommand(params Params) ([]string, error) {
	p := Merge(b.Defaults(), params)

	reads, ok := p["reads"]
	if !ok || formatValue(reads) == "" {
		return nil, util.New(util.KindConfig, "idba.build", `required parameter "reads" is missing`)
	}

	argv := []string{
		formatValue(p["path"]),
		"-o", formatValue(p["out"]),
		"-r", formatValue(reads),
		"--num_threads", formatValue(p["threads"]),
		"--mink", formatValue(p["mink"]),
		"--maxk", formatValue(p["maxk"]),
		"--step", formatValue(p["step"]),
		"--min_count", formatValue(p["min_count"]),
	}
	if truthy(p["no_correct"]) {
		argv = append(argv, "--no_correct")
	}
	argv = append(argv,
		"--max_isoforms", formatValue(p["max_isoforms"]),
		"--similar", formatValue(p["similar"]),
	)
	return appendExtras(argv, p, idbaFixed, "--"), nil
}

// Run executes one attempt and returns its contigs.
func (b *IdbaTran) Run(ctx context.Context, params Params) (*Artifact, error) {
	const op = "idba.run"
	a, err := b.nextAttempt(op)
	if err != nil {
		return nil, err
	}
	p := Merge(a.phase.options, params)
	argv, err := b.BuildCommand(p)
	if err != nil {
		return nil, err
	}
	if err := b.execute(ctx, op, a, argv); err != nil {
		return nil, err
	}

	out := formatValue(Merge(b.Defaults(), p)["out"])
	if !filepath.IsAbs(out) {
		out = filepath.Join(a.dir, out)
	}
	artifact, err := artifactAt(filepath.Join(out, "contig.fa"), a)
	if artifact == nil && err == nil {
		b.logger.Warn("attempt produced no contigs", "attempt", a.number, "log", a.log)
	}
	return artifact, err
}

var _ Backend = (*IdbaTran)(nil)
