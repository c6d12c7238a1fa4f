// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"sync"
)

// MockRunner is a test double for Runner.
//
// # Description
//
// Records every Command it receives. ExecuteFunc decides the outcome; when
// nil every command succeeds with empty output.
//
// # Example
//
//	mock := &process.MockRunner{
//	    ExecuteFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
//	        return process.Result{ExitCode: 1, Stderr: []byte("boom")}, nil
//	    },
//	}
//	backend := assembler.NewSoapDenovoTrans(manifest, assembler.Deps{Runner: mock})
type MockRunner struct {
	ExecuteFunc func(ctx context.Context, cmd Command) (Result, error)

	mu    sync.Mutex
	calls []Command
}

// Execute records cmd and delegates to ExecuteFunc.
func (m *MockRunner) Execute(ctx context.Context, cmd Command) (Result, error) {
	m.mu.Lock()
	argv := make([]string, len(cmd.Argv))
	copy(argv, cmd.Argv)
	recorded := cmd
	recorded.Argv = argv
	m.calls = append(m.calls, recorded)
	fn := m.ExecuteFunc
	m.mu.Unlock()

	if fn == nil {
		return Result{}, nil
	}
	return fn(ctx, cmd)
}

// Calls returns a copy of the recorded commands.
func (m *MockRunner) Calls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Command, len(m.calls))
	copy(result, m.calls)
	return result
}

// Reset clears recorded calls.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

var _ Runner = (*MockRunner)(nil)
