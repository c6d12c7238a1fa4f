// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DirLock guards a working directory against a second atron instance.
//
// # Description
//
// Two pipelines writing attempt directories for the same backend would
// overwrite each other's artifacts. DirLock takes an exclusive flock(2) on
// {Dir}/.{Name}.lock and writes the holder PID next to it.
//
// # How It Works
//
//  1. Creates {Dir} and the lock file if needed
//  2. Attempts a non-blocking exclusive flock
//  3. Writes the PID to {Dir}/.{Name}.pid
//  4. Release removes the PID file and unlocks
//
// # Thread Safety
//
// DirLock is NOT safe for concurrent use. Each worker owns its own lock.
//
// # Limitations
//
//   - Advisory only
//   - NFS may not honor flock
type DirLock struct {
	lockPath string
	pidPath  string
	file     *os.File
}

// ErrLockHeld is returned when another process holds the lock.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

// Error implements the error interface.
func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("work directory locked by another atron instance (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("work directory locked by another atron instance (check: lsof %s)", e.LockPath)
}

// NewDirLock creates a lock named name inside dir. It is not acquired.
func NewDirLock(dir, name string) *DirLock {
	if name == "" {
		name = "atron"
	}
	return &DirLock{
		lockPath: filepath.Join(dir, "."+name+".lock"),
		pidPath:  filepath.Join(dir, "."+name+".pid"),
	}
}

// Acquire takes the lock without blocking.
//
// # Outputs
//
//   - error: *ErrLockHeld if another process holds it, or an I/O error
func (l *DirLock) Acquire() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ErrLockHeld{HolderPID: l.HolderPID(), LockPath: l.lockPath}
		}
		return fmt.Errorf("flock %s: %w", l.lockPath, err)
	}
	l.file = f

	if err := os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = l.Release()
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release unlocks. It is safe to call more than once.
func (l *DirLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = os.Remove(l.pidPath)
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.lockPath, err)
	}
	return closeErr
}

// IsHeld reports whether this DirLock currently holds the lock.
func (l *DirLock) IsHeld() bool { return l.file != nil }

// HolderPID reads the PID file. It returns 0 when unknown.
func (l *DirLock) HolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Path returns the lock file path.
func (l *DirLock) Path() string { return l.lockPath }
