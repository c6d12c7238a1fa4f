// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/assemblotron/internal/optimizer"
)

// Result is the persisted outcome of a search.
//
// Fields are declared in sorted key order. Score is null when no evaluated
// point produced usable output.
type Result struct {
	Assembler  string         `json:"assembler"`
	Parameters map[string]any `json:"parameters"`
	Score      *float64       `json:"score"`
}

// NewResult converts a search outcome into its persisted form.
func NewResult(assembler string, best optimizer.Result) Result {
	return Result{Assembler: assembler, Parameters: best.Parameters, Score: usableScore(best.Score)}
}

// usableScore returns nil for the worst-case score.
func usableScore(score float64) *float64 {
	if !optimizer.IsUsable(score) {
		return nil
	}
	return &score
}

// WriteJSON writes v as indented JSON, atomically.
//
// # Description
//
// Map keys are emitted in sorted order. The document is written to a
// temporary file in the destination directory and renamed over path, so a
// reader sees either the previous file or the complete new one.
//
// # Outputs
//
//   - error: encoding, write or rename failure; the temporary file is
//     removed on every error path
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// ReadResult loads a file written by WriteJSON.
func ReadResult(path string) (Result, error) {
	var r Result
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode %s: %w", path, err)
	}
	return r, nil
}
