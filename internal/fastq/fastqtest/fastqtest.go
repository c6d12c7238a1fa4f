// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fastqtest generates synthetic paired FASTQ fixtures for tests.
package fastqtest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/assemblotron/internal/fastq"
)

// LeftHeader returns the header used for left record i (1-indexed).
func LeftHeader(i int) string { return fmt.Sprintf("@read%d/1", i) }

// RightHeader returns the header used for right record i (1-indexed).
func RightHeader(i int) string { return fmt.Sprintf("@read%d/2", i) }

// Ordinal parses the pair ordinal back out of a generated header.
func Ordinal(header string) int {
	var i, mate int
	if _, err := fmt.Sscanf(header, "@read%d/%d", &i, &mate); err != nil {
		return -1
	}
	return i
}

// Records renders m synthetic records for mate (1 or 2).
func Records(m, mate int) string {
	var b strings.Builder
	bases := "ACGT"
	for i := 1; i <= m; i++ {
		seq := make([]byte, 20)
		for j := range seq {
			seq[j] = bases[(i+j*mate)%4]
		}
		fmt.Fprintf(&b, "@read%d/%d\n%s\n+\n%s\n", i, mate, seq, strings.Repeat("I", len(seq)))
	}
	return b.String()
}

// WritePair writes an m-pair library into dir as left.fq and right.fq.
func WritePair(t testing.TB, dir string, m int) fastq.ReadPair {
	t.Helper()
	pair := fastq.ReadPair{
		Left:  filepath.Join(dir, "left.fq"),
		Right: filepath.Join(dir, "right.fq"),
	}
	if err := os.WriteFile(pair.Left, []byte(Records(m, 1)), 0o644); err != nil {
		t.Fatalf("write left: %v", err)
	}
	if err := os.WriteFile(pair.Right, []byte(Records(m, 2)), 0o644); err != nil {
		t.Fatalf("write right: %v", err)
	}
	return pair
}

// Headers reads every header line from a FASTQ file.
func Headers(t testing.TB, path string) []string {
	t.Helper()
	rc, err := fastq.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer rc.Close()

	var headers []string
	r := fastq.NewReader(rc)
	for {
		rec, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return headers
			}
			t.Fatalf("read %s: %v", path, err)
		}
		headers = append(headers, string(rec.Header))
	}
}
