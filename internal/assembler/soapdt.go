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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/assemblotron/internal/fastq"
	"github.com/AleutianAI/assemblotron/internal/util"
)

// SoapDenovoTransConfigName is the generated library config file.
const SoapDenovoTransConfigName = "soapdt.config"

// soapdtDefaults are the tool defaults applied under every run.
var soapdtDefaults = Params{
	"K":       23,
	"d":       0,
	"e":       2,
	"M":       1,
	"F":       true,
	"L":       100,
	"t":       5,
	"G":       50,
	"threads": 8,
	"out":     "soapdt",
}

// soapdtFixed are the keys rendered by the fixed part of the command line.
var soapdtFixed = map[string]bool{
	"path": true, "config": true, "memory": true, "out": true, "threads": true,
	"K": true, "d": true, "F": true, "M": true, "L": true, "e": true, "t": true, "G": true,
	"avg_ins": true, "max_rd_len": true,
}

// readLengthSample is how many records are inspected to size max_rd_len.
const readLengthSample = 10000

// SoapDenovoTrans drives SOAPdenovo-Trans in "all" mode.
//
// # Command Line
//
//	<path> all -s <config> [-a <memory>] -o <out> -p <threads>
//	    -K <K> -d <d> [-F] -M <M> -L <L> -e <e> -t <t> -G <G> [-<extra> <v> ...]
//
// Extra schema parameters follow in key order. The "config" key is
// required and is set by ConfigureForSearch or ConfigureForFinal.
type SoapDenovoTrans struct {
	toolBackend
}

// NewSoapDenovoTrans creates the backend for m.
func NewSoapDenovoTrans(m Manifest, deps Deps) *SoapDenovoTrans {
	return &SoapDenovoTrans{toolBackend: newToolBackend(m, deps)}
}

// Defaults returns the hard-coded defaults overlaid with schema defaults.
func (s *SoapDenovoTrans) Defaults() Params {
	d := Merge(soapdtDefaults, s.manifest.Defaults())
	if len(s.manifest.RequiredBinaries) > 0 {
		d["path"] = s.binary(s.manifest.RequiredBinaries[0])
	}
	return d
}

// ConfigureForSearch writes the phase config for the subsampled reads.
func (s *SoapDenovoTrans) ConfigureForSearch(ctx context.Context, g GlobalOptions, local Params) error {
	return s.configure(ctx, "search", g, local)
}

// ConfigureForFinal writes the phase config for the full reads.
func (s *SoapDenovoTrans) ConfigureForFinal(ctx context.Context, g GlobalOptions, local Params) error {
	return s.configure(ctx, "final", g, local)
}

func (s *SoapDenovoTrans) configure(ctx context.Context, name string, g GlobalOptions, local Params) error {
	const op = "soapdt.configure"
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := prepareWorkDir(op, g)
	if err != nil {
		return err
	}
	reads, err := g.Reads.Abs()
	if err != nil {
		return util.Wrap(util.KindIO, op, err)
	}

	maxLen, ok := local["max_rd_len"]
	if !ok {
		n, err := maxReadLength(reads, readLengthSample)
		if err != nil {
			return util.Wrapf(util.KindIO, op, err, "measure read length")
		}
		maxLen = n
	}
	insert, ok := local["avg_ins"]
	if !ok {
		insert = 200
	}

	var b strings.Builder
	fmt.Fprintf(&b, "max_rd_len=%s\n", formatValue(maxLen))
	b.WriteString("[LIB]\n")
	fmt.Fprintf(&b, "avg_ins=%s\n", formatValue(insert))
	b.WriteString("reverse_seq=0\n")
	b.WriteString("asm_flags=3\n")
	b.WriteString("rank=1\n")
	fmt.Fprintf(&b, "q1=%s\n", reads.Left)
	fmt.Fprintf(&b, "q2=%s\n", reads.Right)

	path := filepath.Join(dir, SoapDenovoTransConfigName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return util.Wrap(util.KindIO, op, err)
	}

	local["config"] = path
	if g.Threads > 0 {
		local["threads"] = g.Threads
	}
	if g.Memory > 0 {
		local["memory"] = g.Memory
	}
	g.WorkDir = dir
	g.Reads = reads
	s.setPhase(name, g, local)
	s.logger.Debug("configured phase", "phase", name, "config", path)
	return nil
}

// BuildCommand renders argv for params merged over Defaults.
func (s *SoapDenovoTrans) BuildCommand(params Params) ([]string, error) {
	p := Merge(s.Defaults(), params)

	config, ok := p["config"]
	if !ok || formatValue(config) == "" {
		return nil, util.New(util.KindConfig, "soapdt.build", `required parameter "config" is missing`)
	}

	argv := []string{formatValue(p["path"]), "all", "-s", formatValue(config)}
	if mem, ok := p["memory"]; ok && truthy(mem) {
		argv = append(argv, "-a", formatValue(mem))
	}
	argv = append(argv,
		"-o", formatValue(p["out"]),
		"-p", formatValue(p["threads"]),
		"-K", formatValue(p["K"]),
		"-d", formatValue(p["d"]),
	)
	if truthy(p["F"]) {
		argv = append(argv, "-F")
	}
	argv = append(argv,
		"-M", formatValue(p["M"]),
		"-L", formatValue(p["L"]),
		"-e", formatValue(p["e"]),
		"-t", formatValue(p["t"]),
		"-G", formatValue(p["G"]),
	)
	return appendExtras(argv, p, soapdtFixed, "-"), nil
}

// Run executes one attempt and returns its scaffolds.
func (s *SoapDenovoTrans) Run(ctx context.Context, params Params) (*Artifact, error) {
	const op = "soapdt.run"
	a, err := s.nextAttempt(op)
	if err != nil {
		return nil, err
	}
	argv, err := s.BuildCommand(Merge(a.phase.options, params))
	if err != nil {
		return nil, err
	}
	if err := s.execute(ctx, op, a, argv); err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(a.dir, "*.scafSeq"))
	if err != nil {
		return nil, util.Wrap(util.KindIO, op, err)
	}
	if len(matches) == 0 {
		s.logger.Warn("attempt produced no scaffolds", "attempt", a.number, "log", a.log)
		return nil, nil
	}
	sort.Strings(matches)
	return artifactAt(matches[0], a)
}

// maxReadLength returns the longest sequence among the first limit
// records of either mate file.
func maxReadLength(reads fastq.ReadPair, limit int) (int, error) {
	longest := 0
	for _, path := range []string{reads.Left, reads.Right} {
		rc, err := fastq.Open(path)
		if err != nil {
			return 0, err
		}
		r := fastq.NewReader(rc)
		for r.Count() < limit {
			rec, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				_ = rc.Close()
				return 0, err
			}
			longest = max(longest, len(rec.Sequence))
		}
		_ = rc.Close()
	}
	return longest, nil
}

var _ Backend = (*SoapDenovoTrans)(nil)
