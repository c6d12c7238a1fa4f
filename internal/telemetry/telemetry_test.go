// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_Disabled(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, p.TracerProvider())
	assert.Nil(t, p.MeterProvider())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetup_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Setup(nil, Config{TraceFile: "x"})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestSetup_TraceFileAndPrometheusTextfile(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		ServiceName: "atron-test",
		TraceFile:   filepath.Join(dir, "trace", "spans.json"),
		MetricsFile: filepath.Join(dir, "metrics", "atron.prom"),
	}
	ctx := context.Background()

	p, err := Setup(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, p.TracerProvider())
	require.NotNil(t, p.MeterProvider())

	_, span := p.TracerProvider().Tracer("test").Start(ctx, "pipeline.Optimize")
	span.End()

	counter, err := p.MeterProvider().Meter("test").Int64Counter("atron_evaluations")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	require.NoError(t, p.Shutdown(ctx))

	spans, err := os.ReadFile(cfg.TraceFile)
	require.NoError(t, err)
	assert.Contains(t, string(spans), "pipeline.Optimize")

	metrics, err := os.ReadFile(cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "atron_evaluations")
	assert.Contains(t, string(metrics), " 3")
}

func TestSetup_JSONMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	ctx := context.Background()

	p, err := Setup(ctx, Config{MetricsFile: path})
	require.NoError(t, err)
	assert.Nil(t, p.TracerProvider())

	h, err := p.MeterProvider().Meter("test").Float64Histogram("atron_stage_duration_seconds")
	require.NoError(t, err)
	h.Record(ctx, 1.5)
	require.NoError(t, p.Shutdown(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "atron_stage_duration_seconds")
}

func TestIsJSONMetrics(t *testing.T) {
	assert.True(t, IsJSONMetrics("m.json"))
	assert.True(t, IsJSONMetrics("/x/M.JSON"))
	assert.False(t, IsJSONMetrics("m.prom"))
	assert.False(t, IsJSONMetrics("metrics"))
}
