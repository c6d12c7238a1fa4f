// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry sets up OpenTelemetry providers for one atron process.
//
// Spans go to a JSON file (--trace-file) and/or an OTLP collector. Metrics
// are collected in memory and written once at shutdown, either as a
// Prometheus textfile (for node_exporter's textfile collector) or as JSON
// when the file name ends in ".json".
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrNilContext is returned when Setup is called with a nil context.
var ErrNilContext = errors.New("telemetry: nil context")

// Config controls which exporters are installed. Empty fields disable the
// corresponding signal.
type Config struct {
	// ServiceName identifies this process in traces and metrics.
	ServiceName string

	// ServiceVersion is the version string reported with the resource.
	ServiceVersion string

	// TraceFile receives one JSON document per finished span.
	TraceFile string

	// OTLPEndpoint is a gRPC collector address (host:port) for spans.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for the collector connection.
	OTLPInsecure bool

	// MetricsFile is written at Shutdown. "*.json" selects the JSON
	// encoding, anything else the Prometheus text format.
	MetricsFile string
}

// Enabled reports whether any exporter is configured.
func (c Config) Enabled() bool {
	return c.TraceFile != "" || c.OTLPEndpoint != "" || c.MetricsFile != ""
}

// Providers owns the installed providers and their outputs.
type Providers struct {
	tracer   *sdktrace.TracerProvider
	meter    *sdkmetric.MeterProvider
	registry *prometheus.Registry
	metrics  string
	closers  []io.Closer
}

// Setup builds the providers described by cfg and installs them as the
// otel globals.
//
// # Description
//
// With an empty Config nothing is installed and the otel no-op providers
// stay in place. Shutdown must be called exactly once, after the last span
// has ended, to flush spans and write the metrics file.
//
// # Example
//
//	p, err := telemetry.Setup(ctx, telemetry.Config{ServiceName: "atron", TraceFile: "trace.json"})
//	if err != nil {
//	    return err
//	}
//	defer p.Shutdown(context.Background())
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	p := &Providers{metrics: cfg.MetricsFile}
	if !cfg.Enabled() {
		return p, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "atron"
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	if err := p.initTracer(ctx, cfg, res); err != nil {
		_ = p.closeFiles()
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	if err := p.initMeter(cfg, res); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("init meter: %w", err)
	}

	if p.tracer != nil {
		otel.SetTracerProvider(p.tracer)
	}
	if p.meter != nil {
		otel.SetMeterProvider(p.meter)
	}
	return p, nil
}

func (p *Providers) initTracer(ctx context.Context, cfg Config, res *resource.Resource) error {
	var opts []sdktrace.TracerProviderOption

	if cfg.TraceFile != "" {
		f, err := createFile(cfg.TraceFile)
		if err != nil {
			return err
		}
		p.closers = append(p.closers, f)
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			return fmt.Errorf("create file exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	if cfg.OTLPEndpoint != "" {
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return fmt.Errorf("create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	if len(opts) == 0 {
		return nil
	}
	opts = append(opts, sdktrace.WithResource(res), sdktrace.WithSampler(sdktrace.AlwaysSample()))
	p.tracer = sdktrace.NewTracerProvider(opts...)
	return nil
}

func (p *Providers) initMeter(cfg Config, res *resource.Resource) error {
	if cfg.MetricsFile == "" {
		return nil
	}

	if IsJSONMetrics(cfg.MetricsFile) {
		f, err := createFile(cfg.MetricsFile)
		if err != nil {
			return err
		}
		p.closers = append(p.closers, f)
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(f), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("create json metric exporter: %w", err)
		}
		// Exports once, at Shutdown.
		reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(24*time.Hour))
		p.meter = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		return nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}
	p.registry = registry
	p.meter = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
	return nil
}

// TracerProvider returns the installed provider, or nil when tracing is
// disabled.
func (p *Providers) TracerProvider() *sdktrace.TracerProvider { return p.tracer }

// MeterProvider returns the installed provider, or nil when metrics are
// disabled.
func (p *Providers) MeterProvider() *sdkmetric.MeterProvider { return p.meter }

// IsJSONMetrics reports whether path selects the JSON metrics encoding.
func IsJSONMetrics(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// Shutdown writes the metrics file, flushes spans and closes outputs.
// Every step runs even when an earlier one fails.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error

	if p.registry != nil {
		if err := os.MkdirAll(filepath.Dir(p.metrics), 0o755); err != nil {
			errs = append(errs, err)
		} else if err := prometheus.WriteToTextfile(p.metrics, p.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics textfile: %w", err))
		}
	}
	if p.meter != nil {
		if err := p.meter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter: %w", err))
		}
	}
	if p.tracer != nil {
		if err := p.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if err := p.closeFiles(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Providers) closeFiles() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, nil
}
