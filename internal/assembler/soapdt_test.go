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

func newTestSoap(t *testing.T, runner process.Runner) *SoapDenovoTrans {
	t.Helper()
	data, err := builtinDefinitions.ReadFile("definitions/soap_denovo_trans.yml")
	require.NoError(t, err)
	m, err := ParseManifest(data, "soap_denovo_trans.yml")
	require.NoError(t, err)
	return NewSoapDenovoTrans(m, Deps{
		Runner:   runner,
		Binaries: map[string]string{"SOAPdenovo-Trans-127mer": "/opt/bin/SOAPdenovo-Trans-127mer"},
	})
}

func writeReads(t *testing.T, dir string) fastq.ReadPair {
	t.Helper()
	pair := fastq.ReadPair{Left: filepath.Join(dir, "l.fq"), Right: filepath.Join(dir, "r.fq")}
	require.NoError(t, os.WriteFile(pair.Left, []byte("@a/1\nACGTACGT\n+\nIIIIIIII\n@b/1\nACG\n+\nIII\n"), 0o644))
	require.NoError(t, os.WriteFile(pair.Right, []byte("@a/2\nACGTACGTAC\n+\nIIIIIIIIII\n@b/2\nA\n+\nI\n"), 0o644))
	return pair
}

// writesFile returns a runner that creates name with content in the
// attempt directory.
func writesFile(name, content string) *process.MockRunner {
	return &process.MockRunner{
		ExecuteFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			if err := os.WriteFile(filepath.Join(cmd.Dir, name), []byte(content), 0o644); err != nil {
				return process.Result{}, err
			}
			return process.Result{Stdout: []byte("done\n")}, nil
		},
	}
}

// =============================================================================
// BuildCommand Tests
// =============================================================================

func TestSoapBuildCommand_ExplicitParams(t *testing.T) {
	s := newTestSoap(t, nil)

	argv, err := s.BuildCommand(Params{
		"path": "SOAPdenovo-Trans", "memory": 12, "threads": 8, "out": 1, "config": "soapdt.config",
		"K": 1, "d": 2, "M": 9, "F": true, "L": 200, "u": false, "e": 6, "t": 6,
		"readformat": "fastq",
	})
	require.NoError(t, err)

	want := "SOAPdenovo-Trans all -s soapdt.config -a 12 -o 1 -p 8 -K 1 -d 2 -F -M 9 -L 200 -e 6 -t 6 -G 50 -readformat fastq"
	assert.Equal(t, want, strings.Join(argv, " "))
}

func TestSoapBuildCommand_IncludesDefaults(t *testing.T) {
	s := newTestSoap(t, nil)

	argv, err := s.BuildCommand(Params{"memory": 12, "out": 1, "config": "soapdt.config"})
	require.NoError(t, err)

	want := "/opt/bin/SOAPdenovo-Trans-127mer all -s soapdt.config -a 12 -o 1 -p 8 -K 23 -d 0 -F -M 1 -L 100 -e 2 -t 5 -G 50"
	assert.Equal(t, want, strings.Join(argv, " "))
}

func TestSoapBuildCommand_RequiresConfig(t *testing.T) {
	s := newTestSoap(t, nil)

	_, err := s.BuildCommand(Params{"K": 31})
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.KindConfig))
	assert.Contains(t, err.Error(), "config")
}

func TestSoapBuildCommand_PureMerge(t *testing.T) {
	s := newTestSoap(t, nil)
	flags := map[string]string{"K": "-K", "d": "-d", "M": "-M", "L": "-L", "e": "-e", "t": "-t", "G": "-G", "threads": "-p", "out": "-o"}

	cases := []Params{
		{"config": "c"},
		{"config": "c", "K": 31, "G": 10},
		{"config": "c", "threads": 2, "e": 9, "t": 1, "out": "x"},
	}
	for _, p := range cases {
		before := Merge(p)
		argv, err := s.BuildCommand(p)
		require.NoError(t, err)
		assert.Equal(t, before, p, "BuildCommand must not mutate its input")

		again, err := s.BuildCommand(p)
		require.NoError(t, err)
		assert.Equal(t, argv, again)

		d := s.Defaults()
		for key, flag := range flags {
			want, ok := p[key]
			if !ok {
				want = d[key]
			}
			assert.Equal(t, formatValue(want), flagValue(argv, flag), "key %s", key)
		}
	}
}

func TestSoapBuildCommand_BoolAndExtras(t *testing.T) {
	s := newTestSoap(t, nil)
	s.manifest.ParameterSchema["R"] = ParamSpec{Type: "int", Default: 0}

	argv, err := s.BuildCommand(Params{"config": "c", "F": false, "R": 2})
	require.NoError(t, err)
	assert.NotContains(t, argv, "-F")
	assert.Equal(t, []string{"-R", "2"}, argv[len(argv)-2:])
	assert.NotContains(t, argv, "-a")
}

func TestSoapBuildCommand_RendersUndeclaredParams(t *testing.T) {
	s := newTestSoap(t, nil)
	_, declared := s.Manifest().ParameterSchema["Z"]
	require.False(t, declared)

	argv, err := s.BuildCommand(Params{"config": "c", "Z": 7, "S": true, "N": false})
	require.NoError(t, err)
	assert.Equal(t, []string{"-S", "-Z", "7"}, argv[len(argv)-3:])
	assert.NotContains(t, argv, "-N")
}

func flagValue(argv []string, flag string) string {
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] == flag {
			return argv[i+1]
		}
	}
	return ""
}

// =============================================================================
// Configure and Run Tests
// =============================================================================

func TestSoapConfigure_WritesConfigFile(t *testing.T) {
	dir := t.TempDir()
	reads := writeReads(t, dir)
	s := newTestSoap(t, nil)
	work := filepath.Join(dir, "search")

	local := Params{}
	err := s.ConfigureForSearch(context.Background(), GlobalOptions{Threads: 4, Memory: 16, Reads: reads, WorkDir: work}, local)
	require.NoError(t, err)

	path := filepath.Join(work, SoapDenovoTransConfigName)
	assert.Equal(t, path, local["config"])
	assert.Equal(t, 4, local["threads"])
	assert.Equal(t, 16, local["memory"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "max_rd_len=10\n")
	assert.Contains(t, content, "[LIB]\n")
	assert.Contains(t, content, "avg_ins=200\n")
	assert.Contains(t, content, "q1="+reads.Left+"\n")
	assert.Contains(t, content, "q2="+reads.Right+"\n")
}

func TestSoapConfigureForFinal_Standalone(t *testing.T) {
	dir := t.TempDir()
	reads := writeReads(t, dir)
	s := newTestSoap(t, writesFile("soapdt.scafSeq", ">s1\nACGT\n"))

	local := Params{"avg_ins": 350}
	require.NoError(t, s.ConfigureForFinal(context.Background(), GlobalOptions{Reads: reads, WorkDir: filepath.Join(dir, "final")}, local))
	data, err := os.ReadFile(local["config"].(string))
	require.NoError(t, err)
	assert.Contains(t, string(data), "avg_ins=350\n")

	art, err := s.Run(context.Background(), Params{"K": 25})
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Equal(t, reads, art.Reads)
}

func TestSoapConfigure_RequiresWorkDirAndReads(t *testing.T) {
	s := newTestSoap(t, nil)

	err := s.ConfigureForSearch(context.Background(), GlobalOptions{Reads: fastq.ReadPair{Left: "l", Right: "r"}}, Params{})
	assert.True(t, errors.Is(err, util.KindConfig))

	err = s.ConfigureForSearch(context.Background(), GlobalOptions{WorkDir: t.TempDir()}, Params{})
	assert.True(t, errors.Is(err, util.KindConfig))

	err = s.ConfigureForSearch(context.Background(), GlobalOptions{
		WorkDir: t.TempDir(),
		Reads:   fastq.ReadPair{Left: "/nonexistent/l.fq", Right: "/nonexistent/r.fq"},
	}, Params{})
	assert.True(t, errors.Is(err, util.KindIO))
}

func TestSoapRun_ArtifactAndAttemptLayout(t *testing.T) {
	dir := t.TempDir()
	reads := writeReads(t, dir)
	runner := writesFile("soapdt.scafSeq", ">scaffold1\nACGTACGT\n")
	s := newTestSoap(t, runner)
	work := filepath.Join(dir, "search")
	require.NoError(t, s.ConfigureForSearch(context.Background(), GlobalOptions{Threads: 2, Reads: reads, WorkDir: work}, Params{}))

	art, err := s.Run(context.Background(), Params{"K": 31})
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Equal(t, filepath.Join(work, "attempt-1", "soapdt.scafSeq"), art.Path)
	assert.Equal(t, 1, art.Attempt)
	assert.Positive(t, art.Size)

	log, err := os.ReadFile(filepath.Join(work, "1.log"))
	require.NoError(t, err)
	assert.Equal(t, "", string(log), "mock runner does not write to the tee")

	second, err := s.Run(context.Background(), Params{"K": 35})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Attempt)
	assert.DirExists(t, filepath.Join(work, "attempt-2"))

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, filepath.Join(work, "attempt-1"), calls[0].Dir)
	assert.Equal(t, "31", flagValue(calls[0].Argv, "-K"))
	assert.Equal(t, "2", flagValue(calls[0].Argv, "-p"))
	assert.Equal(t, filepath.Join(work, SoapDenovoTransConfigName), flagValue(calls[0].Argv, "-s"))
}

func TestSoapRun_EmptyOrMissingArtifactIsNil(t *testing.T) {
	tests := []struct {
		name   string
		runner *process.MockRunner
	}{
		{"missing", &process.MockRunner{}},
		{"empty", writesFile("soapdt.scafSeq", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			s := newTestSoap(t, tt.runner)
			require.NoError(t, s.ConfigureForSearch(context.Background(), GlobalOptions{Reads: writeReads(t, dir), WorkDir: dir}, Params{}))

			art, err := s.Run(context.Background(), nil)
			assert.NoError(t, err)
			assert.Nil(t, art)
		})
	}
}

func TestSoapRun_RerunIgnoresEarlierOutput(t *testing.T) {
	dir := t.TempDir()
	reads := writeReads(t, dir)
	work := filepath.Join(dir, "search")
	g := GlobalOptions{Reads: reads, WorkDir: work}

	first := newTestSoap(t, writesFile("soapdt.scafSeq", ">s1\nACGT\n"))
	require.NoError(t, first.ConfigureForSearch(context.Background(), g, Params{}))
	art, err := first.Run(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, art)

	second := newTestSoap(t, &process.MockRunner{})
	require.NoError(t, second.ConfigureForSearch(context.Background(), g, Params{}))
	art, err = second.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, art, "a scaffold left by an earlier instance is not this attempt's output")
	assert.NoFileExists(t, filepath.Join(work, "attempt-1", "soapdt.scafSeq"))
}

func TestSoapRun_NonZeroExit(t *testing.T) {
	dir := t.TempDir()
	runner := &process.MockRunner{
		ExecuteFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			return process.Result{ExitCode: 2, Stdout: []byte("partial"), Stderr: []byte("Segmentation fault")}, nil
		},
	}
	s := newTestSoap(t, runner)
	require.NoError(t, s.ConfigureForSearch(context.Background(), GlobalOptions{Reads: writeReads(t, dir), WorkDir: dir}, Params{}))

	_, err := s.Run(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.KindExecution))

	var execErr *util.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 2, execErr.ExitCode)
	assert.Equal(t, "partial", execErr.Stdout)
	assert.Equal(t, "Segmentation fault", execErr.Stderr)
}

func TestSoapRun_StartFailureIsExecutionFailed(t *testing.T) {
	dir := t.TempDir()
	runner := &process.MockRunner{
		ExecuteFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			return process.Result{ExitCode: -1}, context.DeadlineExceeded
		},
	}
	s := newTestSoap(t, runner)
	require.NoError(t, s.ConfigureForSearch(context.Background(), GlobalOptions{Reads: writeReads(t, dir), WorkDir: dir}, Params{}))

	_, err := s.Run(context.Background(), nil)
	assert.True(t, errors.Is(err, util.KindExecution))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSoapRun_RequiresPhase(t *testing.T) {
	s := newTestSoap(t, &process.MockRunner{})
	_, err := s.Run(context.Background(), nil)
	assert.True(t, errors.Is(err, util.KindConfig))
}
