// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package publish copies result files to a shared location after a run.
//
// Destinations are URLs: gs://bucket/prefix publishes to Google Cloud
// Storage, file:///dir or a bare path copies into a local directory.
package publish

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Publisher uploads one local file under name.
type Publisher interface {
	// Publish copies localPath to the destination and returns its URL.
	Publish(ctx context.Context, localPath, name string) (string, error)
}

// Target is a parsed destination URL.
type Target struct {
	Scheme string
	Bucket string
	Prefix string
}

// String renders the target back to its URL form.
func (t Target) String() string {
	switch t.Scheme {
	case "gs":
		return "gs://" + path.Join(t.Bucket, t.Prefix)
	default:
		return t.Prefix
	}
}

// ParseTarget parses gs://bucket/prefix, file:///dir or a plain directory.
func ParseTarget(raw string) (Target, error) {
	if raw == "" {
		return Target{}, fmt.Errorf("publish target is empty")
	}
	if !strings.Contains(raw, "://") {
		return Target{Scheme: "file", Prefix: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse publish target %q: %w", raw, err)
	}
	switch u.Scheme {
	case "gs":
		if u.Host == "" {
			return Target{}, fmt.Errorf("publish target %q has no bucket", raw)
		}
		return Target{Scheme: "gs", Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
	case "file":
		if u.Path == "" {
			return Target{}, fmt.Errorf("publish target %q has no path", raw)
		}
		return Target{Scheme: "file", Prefix: u.Path}, nil
	default:
		return Target{}, fmt.Errorf("unsupported publish scheme %q", u.Scheme)
	}
}

// Options configures New.
type Options struct {
	// CredentialsFile is a service account key for gs:// targets. Empty
	// uses Application Default Credentials.
	CredentialsFile string
}

// New returns the Publisher for raw.
func New(ctx context.Context, raw string, opts Options) (Publisher, error) {
	t, err := ParseTarget(raw)
	if err != nil {
		return nil, err
	}
	if t.Scheme == "gs" {
		return NewGCS(ctx, t, opts.CredentialsFile)
	}
	return &DirPublisher{Dir: t.Prefix}, nil
}

// DirPublisher copies files into a local directory.
type DirPublisher struct {
	Dir string
}

// Publish implements Publisher.
func (d *DirPublisher) Publish(ctx context.Context, localPath, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create publish directory %s: %w", d.Dir, err)
	}
	dest := filepath.Join(d.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create publish directory %s: %w", filepath.Dir(dest), err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("copy %s to %s: %w", localPath, dest, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("rename %s: %w", tmp, err)
	}
	return dest, nil
}

var _ Publisher = (*DirPublisher)(nil)
