// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process runs external assembler and scoring tools.

Every exec.Command call in atron goes through the Runner interface so that
backends can be exercised in unit tests with MockRunner instead of real
binaries.

Commands are always argument vectors. Nothing is passed through a shell,
so file names containing spaces or metacharacters reach the tool verbatim.
*/
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// =============================================================================
// Types
// =============================================================================

// Command describes one external invocation.
type Command struct {
	// Argv is the program followed by its arguments. Argv[0] is resolved
	// through PATH when it contains no separator.
	Argv []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is appended to the inherited environment ("KEY=value").
	Env []string

	// Stdout and Stderr, when set, receive a copy of the output as it is
	// produced. The full output is still captured in Result.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	// ExitCode is the process exit status.
	ExitCode int

	// Stdout is the full standard output.
	Stdout []byte

	// Stderr is the full standard error.
	Stderr []byte
}

// Success reports whether the process exited zero.
func (r Result) Success() bool { return r.ExitCode == 0 }

// =============================================================================
// Interface
// =============================================================================

// Runner abstracts synchronous process execution.
//
// # Description
//
// Execute blocks until the process exits and captures its output in full.
// A non-zero exit is not an error: it is reported through Result.ExitCode
// and interpreted by the caller. The error return is reserved for
// processes that could not be started and for context cancellation, in
// which case the process is killed.
//
// Runner applies no timeout and never retries. Callers layer timeouts
// through ctx.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Runner interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// ErrEmptyCommand is returned when Command.Argv is empty.
var ErrEmptyCommand = errors.New("empty command")

// =============================================================================
// Default Implementation
// =============================================================================

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner creates an ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Execute runs cmd and waits for it to exit.
//
// # Outputs
//
//   - Result: exit code and captured output (partial when ctx is cancelled)
//   - error: non-nil if the process failed to start or ctx ended first
func (r *ExecRunner) Execute(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Argv) == 0 {
		return Result{ExitCode: -1}, ErrEmptyCommand
	}

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = tee(&stdout, cmd.Stdout)
	c.Stderr = tee(&stderr, cmd.Stderr)

	err := c.Run()
	result := Result{ExitCode: 0, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if c.ProcessState != nil {
		result.ExitCode = c.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w", cmd.Argv[0], ctxErr)
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		result.ExitCode = -1
		return result, fmt.Errorf("start %s: %w", cmd.Argv[0], err)
	}
	return result, nil
}

func tee(buf *bytes.Buffer, extra io.Writer) io.Writer {
	if extra == nil {
		return buf
	}
	return io.MultiWriter(buf, extra)
}

var _ Runner = (*ExecRunner)(nil)
