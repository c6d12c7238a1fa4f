// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package process

import "path/filepath"

// DirLock is a no-op on Windows.
type DirLock struct {
	lockPath string
	held     bool
}

// NewDirLock creates a lock named name inside dir.
func NewDirLock(dir, name string) *DirLock {
	if name == "" {
		name = "atron"
	}
	return &DirLock{lockPath: filepath.Join(dir, "."+name+".lock")}
}

// Acquire always succeeds.
func (l *DirLock) Acquire() error { l.held = true; return nil }

// Release always succeeds.
func (l *DirLock) Release() error { l.held = false; return nil }

// IsHeld reports whether Acquire was called without Release.
func (l *DirLock) IsHeld() bool { return l.held }

// HolderPID is always 0.
func (l *DirLock) HolderPID() int { return 0 }

// Path returns the lock file path.
func (l *DirLock) Path() string { return l.lockPath }
