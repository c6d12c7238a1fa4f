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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/assemblotron/internal/fastq"
	"github.com/AleutianAI/assemblotron/internal/process"
	"github.com/AleutianAI/assemblotron/internal/util"
)

func newTestIdba(t *testing.T, runner process.Runner) *IdbaTran {
	t.Helper()
	data, err := builtinDefinitions.ReadFile("definitions/idba_tran.yml")
	require.NoError(t, err)
	m, err := ParseManifest(data, "idba_tran.yml")
	require.NoError(t, err)
	return NewIdbaTran(m, Deps{
		Runner:   runner,
		Binaries: map[string]string{"idba_tran": "/opt/idba/idba_tran", "fq2fa": "/opt/idba/fq2fa"},
	})
}

// idbaRunner emulates fq2fa and idba_tran by writing their outputs.
func idbaRunner(contigs string) *process.MockRunner {
	return &process.MockRunner{
		ExecuteFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			switch filepath.Base(cmd.Argv[0]) {
			case "fq2fa":
				return process.Result{}, os.WriteFile(cmd.Argv[len(cmd.Argv)-1], []byte(">r/1\nACGT\n"), 0o644)
			case "idba_tran":
				if contigs == "" {
					return process.Result{}, nil
				}
				return process.Result{}, os.WriteFile(filepath.Join(cmd.Dir, "contig.fa"), []byte(contigs), 0o644)
			}
			return process.Result{ExitCode: 127}, nil
		},
	}
}

func TestIdbaBuildCommand(t *testing.T) {
	b := newTestIdba(t, nil)

	tests := []struct {
		name   string
		params Params
		want   string
	}{
		{
			name:   "defaults",
			params: Params{"reads": "/w/merged.fa"},
			want:   "/opt/idba/idba_tran -o . -r /w/merged.fa --num_threads 8 --mink 21 --maxk 77 --step 4 --min_count 1 --no_correct --max_isoforms 6 --similar 0.98",
		},
		{
			name:   "overrides",
			params: Params{"reads": "m.fa", "threads": 2, "mink": 25, "maxk": 61, "no_correct": false, "out": "asm"},
			want:   "/opt/idba/idba_tran -o asm -r m.fa --num_threads 2 --mink 25 --maxk 61 --step 4 --min_count 1 --max_isoforms 6 --similar 0.98",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv, err := b.BuildCommand(tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.Join(argv, " "))
		})
	}
}

func TestIdbaBuildCommand_RequiresReads(t *testing.T) {
	_, err := newTestIdba(t, nil).BuildCommand(Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.KindConfig))
	assert.Contains(t, err.Error(), `"reads"`)
}

func TestIdbaConfigure_MergesOnce(t *testing.T) {
	dir := t.TempDir()
	reads := writeReads(t, dir)
	runner := idbaRunner(">c1\nACGT\n")
	b := newTestIdba(t, runner)
	g := GlobalOptions{Threads: 3, Reads: reads, WorkDir: filepath.Join(dir, "search")}

	local := Params{}
	require.NoError(t, b.ConfigureForSearch(context.Background(), g, local))
	merged, err := MergedReadsPath(filepath.Join(dir, "search"), reads)
	require.NoError(t, err)
	assert.Equal(t, merged, local["reads"])
	assert.Equal(t, 3, local["threads"])
	assert.FileExists(t, merged)
	assert.NoFileExists(t, merged+".partial")

	require.NoError(t, b.ConfigureForSearch(context.Background(), g, Params{}))
	calls := runner.Calls()
	require.Len(t, calls, 1, "existing merged reads are reused")
	assert.Equal(t, []string{"/opt/idba/fq2fa", "--merge", reads.Left, reads.Right, merged + ".partial"}, calls[0].Argv)

	t.Run("changed reads are merged again", func(t *testing.T) {
		other := t.TempDir()
		changed := writeReads(t, other)
		g2 := GlobalOptions{Reads: changed, WorkDir: filepath.Join(dir, "search")}

		local := Params{}
		require.NoError(t, b.ConfigureForSearch(context.Background(), g2, local))
		require.Len(t, runner.Calls(), 2)
		assert.NotEqual(t, merged, local["reads"])
		assert.FileExists(t, local["reads"].(string))
	})
}

func TestIdbaConfigure_FailedMergeLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	reads := writeReads(t, dir)
	runner := &process.MockRunner{
		ExecuteFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			_ = os.WriteFile(cmd.Argv[len(cmd.Argv)-1], []byte(">r/1\nAC"), 0o644)
			return process.Result{ExitCode: 1, Stderr: []byte("killed")}, nil
		},
	}
	b := newTestIdba(t, runner)

	err := b.ConfigureForSearch(context.Background(), GlobalOptions{Reads: reads, WorkDir: dir}, Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.KindExecution))

	merged, err := MergedReadsPath(dir, reads)
	require.NoError(t, err)
	assert.NoFileExists(t, merged)
	assert.NoFileExists(t, merged+".partial")
}

func TestMergedReadsPath(t *testing.T) {
	dir := t.TempDir()
	reads := writeReads(t, dir)

	a, err := MergedReadsPath("/w", reads)
	require.NoError(t, err)
	again, err := MergedReadsPath("/w", reads)
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.True(t, strings.HasPrefix(filepath.Base(a), IdbaMergedReadsPrefix+"."))
	assert.Equal(t, ".fa", filepath.Ext(a))

	require.NoError(t, os.WriteFile(reads.Right, []byte("@a/2\nACGT\n+\nIIII\n"), 0o644))
	rewritten, err := MergedReadsPath("/w", reads)
	require.NoError(t, err)
	assert.NotEqual(t, a, rewritten)

	_, err = MergedReadsPath("/w", fastq.ReadPair{Left: "/missing/l.fq", Right: "/missing/r.fq"})
	assert.Error(t, err)
}

func TestIdbaRun_Artifact(t *testing.T) {
	dir := t.TempDir()
	b := newTestIdba(t, idbaRunner(">c1\nACGTACGT\n"))
	require.NoError(t, b.ConfigureForFinal(context.Background(), GlobalOptions{Reads: writeReads(t, dir), WorkDir: dir}, Params{}))

	art, err := b.Run(context.Background(), Params{"mink": 25})
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Equal(t, filepath.Join(dir, "attempt-1", "contig.fa"), art.Path)
	assert.Equal(t, int64(len(">c1\nACGTACGT\n")), art.Size)
}

func TestIdbaRun_NoContigs(t *testing.T) {
	dir := t.TempDir()
	b := newTestIdba(t, idbaRunner(""))
	require.NoError(t, b.ConfigureForSearch(context.Background(), GlobalOptions{Reads: writeReads(t, dir), WorkDir: dir}, Params{}))

	art, err := b.Run(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, art)
}

func TestIdbaConfigure_Fq2faFailure(t *testing.T) {
	dir := t.TempDir()
	runner := &process.MockRunner{
		ExecuteFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			return process.Result{ExitCode: 1, Stderr: []byte("bad input")}, nil
		},
	}
	b := newTestIdba(t, runner)

	err := b.ConfigureForSearch(context.Background(), GlobalOptions{Reads: writeReads(t, dir), WorkDir: dir}, Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.KindExecution))
	assert.Contains(t, err.Error(), "bad input")
}
