// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assembler

import (
	"fmt"
	"runtime"
	"strconv"
)

// Platform is a (wordsize, os) pair as written in manifests.
type Platform struct {
	Wordsize int    `yaml:"wordsize" validate:"oneof=32 64"`
	OS       string `yaml:"os" validate:"oneof=linux macosx windows unix"`
}

func (p Platform) String() string {
	return fmt.Sprintf("%s/%dbit", p.OS, p.Wordsize)
}

// HostPlatform returns the platform atron is running on.
func HostPlatform() Platform {
	return Platform{Wordsize: strconv.IntSize, OS: OSName(runtime.GOOS)}
}

// OSName maps a GOOS value to a manifest os name.
func OSName(goos string) string {
	switch goos {
	case "linux", "android":
		return "linux"
	case "darwin", "ios":
		return "macosx"
	case "windows":
		return "windows"
	default:
		return "unix"
	}
}

// supports reports whether host is listed in platforms.
func supports(platforms []Platform, host Platform) bool {
	for _, p := range platforms {
		if p == host {
			return true
		}
	}
	return false
}
