// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util holds the error taxonomy shared by every atron component.
//
// Every failure produced by the pipeline is classified by a Kind. Kinds
// implement error themselves so callers can test classification with
// errors.Is:
//
//	if errors.Is(err, util.KindConfig) {
//	    // bad or missing parameter
//	}
package util

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Kinds
// =============================================================================

// Kind classifies an error for propagation and user-facing reporting.
type Kind string

const (
	// KindValidation marks a malformed manifest or config document.
	KindValidation Kind = "ValidationError"

	// KindNotFound marks an unknown backend identifier.
	KindNotFound Kind = "NotFoundError"

	// KindUnsupportedPlatform marks a backend that cannot run on this host.
	KindUnsupportedPlatform Kind = "UnsupportedPlatformError"

	// KindMissingBinary marks a backend whose executables are not on PATH.
	KindMissingBinary Kind = "MissingBinaryError"

	// KindConfig marks a bad or missing required parameter.
	KindConfig Kind = "ConfigError"

	// KindExecution marks an external process that exited non-zero.
	KindExecution Kind = "ExecutionFailed"

	// KindIO marks a file access failure.
	KindIO Kind = "IOError"

	// KindUnknown is reported by KindOf for errors outside the taxonomy.
	KindUnknown Kind = "Error"
)

// Error implements error so a Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// =============================================================================
// Classified Error
// =============================================================================

// Error is a classified failure.
//
// # Description
//
// Carries the Kind, the operation that failed, a human readable message
// and an optional wrapped cause. errors.Is(err, kind) matches on Kind,
// errors.Is(err, cause) walks through Err.
//
// # Example
//
//	err := util.Errorf(util.KindConfig, "soapdt.build", "required parameter %q missing", "config")
//	fmt.Println(err) // "soapdt.build: required parameter "config" missing"
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op names the operation, e.g. "sampler.subsample".
	Op string

	// Msg is the human readable message without the cause.
	Msg string

	// Err is the underlying cause (may be nil).
	Err error
}

// Error formats "op: msg: cause", dropping empty parts.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Msg != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return string(e.Kind)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Message returns the message and cause without the operation prefix.
func (e *Error) Message() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

var _ error = (*Error)(nil)

// =============================================================================
// Constructor Functions
// =============================================================================

// New creates a classified error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Errorf creates a classified error with a formatted message.
//
// Use Wrapf to attach a cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
//
// # Example
//
//	f, err := os.Open(path)
//	if err != nil {
//	    return util.Wrap(util.KindIO, "fastq.open", err)
//	}
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err with an additional message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the outermost classified error in the chain.
//
// # Description
//
// An ExecutionError anywhere in the chain classifies as KindExecution.
// Errors outside the taxonomy report KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return KindExecution
	}
	var kind Kind
	if errors.As(err, &kind) {
		return kind
	}
	return KindUnknown
}

// MessageOf returns err's message without the outermost operation prefix.
func MessageOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Message()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// =============================================================================
// Execution Error Type
// =============================================================================

// ExecutionError reports an external process that exited non-zero.
//
// # Description
//
// Holds the argv that ran, its exit code and the captured output so the
// CLI can show the tool's own diagnostics. It classifies as
// KindExecution.
//
// # Thread Safety
//
// ExecutionError is immutable after creation and safe for concurrent reads.
//
// # Example
//
//	err := NewExecutionError([]string{"SOAPdenovo-Trans-127mer", "all"}, 1, "", "bad config", nil)
//	fmt.Println(err) // "SOAPdenovo-Trans-127mer all (exit 1): bad config"
//
// # Limitations
//
//   - Output is held in memory in full
type ExecutionError struct {
	// Command is the argv that was executed.
	Command []string

	// ExitCode is the process exit code (-1 if unknown).
	ExitCode int

	// Stdout contains the standard output (trimmed).
	Stdout string

	// Stderr contains the standard error output (trimmed).
	Stderr string

	// Wrapped is the underlying error (may be nil).
	Wrapped error
}

// Error returns "argv (exit N): stderr", falling back to the wrapped error.
func (e *ExecutionError) Error() string {
	cmd := strings.Join(e.Command, " ")
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", cmd, e.ExitCode, lastLine(e.Stderr))
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", cmd, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", cmd, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error { return e.Wrapped }

// Is matches KindExecution.
func (e *ExecutionError) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == KindExecution
}

// HasOutput reports whether any output was captured.
func (e *ExecutionError) HasOutput() bool {
	return e.Stdout != "" || e.Stderr != ""
}

var _ error = (*ExecutionError)(nil)

// NewExecutionError creates an ExecutionError, trimming captured output.
func NewExecutionError(argv []string, exitCode int, stdout, stderr string, wrapped error) *ExecutionError {
	cmd := make([]string, len(argv))
	copy(cmd, argv)
	return &ExecutionError{
		Command:  cmd,
		ExitCode: exitCode,
		Stdout:   strings.TrimSpace(stdout),
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// lastLine returns the last non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
