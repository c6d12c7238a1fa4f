// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fastq reads and writes paired-end FASTQ files as 4-line records.
//
// Records are not interpreted beyond their framing: the header line must
// start with '@' and the third line with '+'. Sequence and quality lines
// are carried as opaque bytes so they can be written back verbatim.
package fastq

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

// ReadPair names the left and right mate files of a paired-end library.
// Record i of Left and record i of Right are mates.
type ReadPair struct {
	Left  string `json:"left" yaml:"left"`
	Right string `json:"right" yaml:"right"`
}

// Valid reports whether both paths are set.
func (p ReadPair) Valid() bool { return p.Left != "" && p.Right != "" }

// Abs returns the pair with both paths made absolute.
func (p ReadPair) Abs() (ReadPair, error) {
	left, err := filepath.Abs(p.Left)
	if err != nil {
		return p, err
	}
	right, err := filepath.Abs(p.Right)
	if err != nil {
		return p, err
	}
	return ReadPair{Left: left, Right: right}, nil
}

// Record is one FASTQ entry. Lines exclude their terminating newline.
type Record struct {
	Header   []byte
	Sequence []byte
	Plus     []byte
	Quality  []byte
}

// ErrTruncated is returned when a stream ends inside a record.
var ErrTruncated = errors.New("truncated fastq record")

// FormatError reports a malformed record.
type FormatError struct {
	Record int
	Line   int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("record %d line %d: %s", e.Record, e.Line, e.Reason)
}

// =============================================================================
// Reader
// =============================================================================

// Reader yields records from a FASTQ stream.
type Reader struct {
	sc    *bufio.Scanner
	count int
}

// NewReader wraps r. Lines longer than 16 MiB are rejected.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Reader{sc: sc}
}

// Read returns the next record, which owns its slices. io.EOF marks a
// clean end of stream; ErrTruncated or *FormatError mark malformed input.
func (r *Reader) Read() (Record, error) {
	var lines [4][]byte
	for i := 0; i < 4; i++ {
		if !r.sc.Scan() {
			if err := r.sc.Err(); err != nil {
				return Record{}, err
			}
			if i == 0 {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("record %d: %w", r.count+1, ErrTruncated)
		}
		// Scanner reuses its buffer between Scan calls.
		lines[i] = bytes.Clone(bytes.TrimSuffix(r.sc.Bytes(), []byte{'\r'}))
	}
	r.count++
	if len(lines[0]) == 0 || lines[0][0] != '@' {
		return Record{}, &FormatError{Record: r.count, Line: 1, Reason: "header does not start with '@'"}
	}
	if len(lines[2]) == 0 || lines[2][0] != '+' {
		return Record{}, &FormatError{Record: r.count, Line: 3, Reason: "separator does not start with '+'"}
	}
	return Record{Header: lines[0], Sequence: lines[1], Plus: lines[2], Quality: lines[3]}, nil
}

// Count returns the number of records read so far.
func (r *Reader) Count() int { return r.count }

// =============================================================================
// Writer
// =============================================================================

// WriteRecord writes rec as four newline-terminated lines.
func WriteRecord(w io.Writer, rec Record) error {
	for _, line := range [][]byte{rec.Header, rec.Sequence, rec.Plus, rec.Quality} {
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return nil
}
