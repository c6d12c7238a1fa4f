// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ObjectWriterFunc opens a writer for one object in the target bucket.
type ObjectWriterFunc func(ctx context.Context, object string) io.WriteCloser

// GCSPublisher uploads files to a Cloud Storage bucket.
type GCSPublisher struct {
	target Target
	open   ObjectWriterFunc
	client *storage.Client
}

// NewGCS creates a publisher for a gs:// target.
//
// # Inputs
//
//   - ctx: used for client creation
//   - t: a target with Scheme "gs"
//   - credentialsFile: optional service account key path
//
// # Outputs
//
//   - *GCSPublisher: call Close when done
//   - error: missing key file or client creation failure
func NewGCS(ctx context.Context, t Target, credentialsFile string) (*GCSPublisher, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	bucket := client.Bucket(t.Bucket)
	p := NewGCSWithWriter(t, func(ctx context.Context, object string) io.WriteCloser {
		w := bucket.Object(object).NewWriter(ctx)
		w.ContentType = "application/json"
		w.CacheControl = "no-cache, no-store, must-revalidate"
		return w
	})
	p.client = client
	return p, nil
}

// NewGCSWithWriter creates a publisher over an arbitrary object writer.
func NewGCSWithWriter(t Target, open ObjectWriterFunc) *GCSPublisher {
	return &GCSPublisher{target: t, open: open}
}

// Object returns the object name used for name.
func (g *GCSPublisher) Object(name string) string {
	if g.target.Prefix == "" {
		return name
	}
	return path.Join(g.target.Prefix, name)
}

// Publish implements Publisher.
func (g *GCSPublisher) Publish(ctx context.Context, localPath, name string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	object := g.Object(name)
	w := g.open(ctx, object)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("copy %s to gs://%s/%s: %w", localPath, g.target.Bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close GCS writer for gs://%s/%s: %w", g.target.Bucket, object, err)
	}
	return "gs://" + g.target.Bucket + "/" + object, nil
}

// Close releases the storage client.
func (g *GCSPublisher) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

var _ Publisher = (*GCSPublisher)(nil)
