// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/assemblotron/internal/fastq"
)

var testReads = fastq.ReadPair{Left: "/data/l.fq", Right: "/data/r.fq"}

func openTestCache(t *testing.T) *ScoreCache {
	t.Helper()
	c, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKey_Canonical(t *testing.T) {
	a, err := Key("SoapDenovoTrans", "none", testReads, map[string]any{"K": 23, "d": 0, "e": 2})
	require.NoError(t, err)
	b, err := Key("SoapDenovoTrans", "none", testReads, map[string]any{"e": 2, "K": 23, "d": 0})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	tests := []struct {
		name    string
		backend string
		scorer  string
		reads   fastq.ReadPair
		params  map[string]any
	}{
		{"other backend", "IdbaTran", "none", testReads, map[string]any{"K": 23, "d": 0, "e": 2}},
		{"other scorer", "SoapDenovoTrans", "command:transrate {assembly}", testReads, map[string]any{"K": 23, "d": 0, "e": 2}},
		{"other reads", "SoapDenovoTrans", "none", fastq.ReadPair{Left: "/x", Right: "/y"}, map[string]any{"K": 23, "d": 0, "e": 2}},
		{"other value", "SoapDenovoTrans", "none", testReads, map[string]any{"K": 25, "d": 0, "e": 2}},
		{"value type", "SoapDenovoTrans", "none", testReads, map[string]any{"K": "23", "d": 0, "e": 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := Key(tt.backend, tt.scorer, tt.reads, tt.params)
			require.NoError(t, err)
			assert.NotEqual(t, a, k)
		})
	}
}

func TestScoreCache_GetPut(t *testing.T) {
	c := openTestCache(t)
	params := map[string]any{"K": 31}

	_, ok, err := c.Get("sdt", "none", testReads, params)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put("sdt", "none", testReads, params, 0.42))
	score, ok, err := c.Get("sdt", "none", testReads, map[string]any{"K": 31})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.42, score)

	require.NoError(t, c.Put("sdt", "none", testReads, params, 0.5))
	score, _, err = c.Get("sdt", "none", testReads, params)
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
}

func TestScoreCache_ScorerSeparatesEntries(t *testing.T) {
	c := openTestCache(t)
	params := map[string]any{"K": 31}
	require.NoError(t, c.Put("sdt", "none", testReads, params, 0))

	_, ok, err := c.Get("sdt", "command:transrate", testReads, params)
	require.NoError(t, err)
	assert.False(t, ok, "a score recorded under one scorer is not reused by another")

	require.NoError(t, c.Put("sdt", "command:transrate", testReads, params, 0.9))
	score, ok, err := c.Get("sdt", "none", testReads, params)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, score)
}

func TestScoreCache_UnusableScore(t *testing.T) {
	c := openTestCache(t)
	params := map[string]any{"K": 31}
	require.NoError(t, c.Put("sdt", "none", testReads, params, math.Inf(-1)))

	score, ok, err := c.Get("sdt", "none", testReads, params)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, math.IsInf(score, -1))

	entries, err := c.Entries("sdt")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Score)

	assert.Error(t, c.Put("sdt", "none", testReads, params, math.NaN()))
	assert.Error(t, c.Put("sdt", "none", testReads, params, math.Inf(1)))
}

func TestScoreCache_Entries(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.Put("sdt", "none", testReads, map[string]any{"K": 21}, 1))
	require.NoError(t, c.Put("sdt", "none", testReads, map[string]any{"K": 25}, 2))
	require.NoError(t, c.Put("idba", "none", testReads, map[string]any{"mink": 21}, 3))

	entries, err := c.Entries("sdt")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "sdt", e.Backend)
		assert.Equal(t, testReads, e.Reads)
		assert.False(t, e.RecordedAt.IsZero())
	}
}

func TestScoreCache_ConcurrentWriters(t *testing.T) {
	c := openTestCache(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, c.Put("sdt", "none", testReads, map[string]any{"K": i}, float64(i)))
		}(i)
	}
	wg.Wait()

	entries, err := c.Entries("sdt")
	require.NoError(t, err)
	assert.Len(t, entries, 8)
}

func TestScoreCache_PersistsAcrossOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")

	c, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, c.Put("sdt", "none", testReads, map[string]any{"K": 23}, 7))
	require.NoError(t, c.Close())

	c, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer c.Close()
	score, ok, err := c.Get("sdt", "none", testReads, map[string]any{"K": 23})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7.0, score)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
