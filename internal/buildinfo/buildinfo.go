// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package buildinfo carries the build-time identity of the binary. The
// variables are injected with -ldflags at release time and keep their dev
// defaults otherwise.
package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Branch  = "main"

	// UserAgent identifies orbit to the release-listing API.
	UserAgent string
)

func init() {
	UserAgent = fmt.Sprintf("orbit/%s (%s %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String renders the build identity for CLI output.
func String() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuild date: %s\n", Version, Commit, Date)
}
