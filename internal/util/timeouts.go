// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MinRunTimeout is the smallest positive per-backend timeout accepted.
	MinRunTimeout = 10 * time.Second
)

// =============================================================================
// Utility Functions
// =============================================================================

// EnforceMinTimeout raises a positive timeout to minimum.
//
// # Description
//
// Zero and negative values mean "no timeout" for pipeline runs and are
// returned unchanged. Positive values below minimum become minimum.
//
// # Example
//
//	timeout := util.EnforceMinTimeout(cfg.Timeout, util.MinRunTimeout)
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested <= 0 {
		return 0
	}
	if requested < minimum {
		return minimum
	}
	return requested
}

// WithOptionalTimeout derives a context bounded by d, or a plain
// cancellable context when d is not positive.
func WithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// IsTimeout reports whether err was caused by a context deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
