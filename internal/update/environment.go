// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"errors"
	"os"
	"runtime"
	"strings"
)

// ErrUnsupportedEnvironment is returned when the deployment forbids
// self-update. The condition is permanent for that environment.
var ErrUnsupportedEnvironment = errors.New("self-update is not supported in this environment")

// CanSelfUpdate checks whether the runtime permits in-place updates. The
// disabled flag comes from configuration; beyond that, container deployments
// are rejected because their filesystems are replaced on redeploy, and
// Windows is rejected because a running binary cannot replace itself there.
func CanSelfUpdate(disabled bool) error {
	if disabled {
		return ErrUnsupportedEnvironment
	}
	if runtime.GOOS == "windows" {
		return ErrUnsupportedEnvironment
	}
	if isRunningInContainer() {
		return ErrUnsupportedEnvironment
	}
	return nil
}

// isRunningInContainer checks common container markers: /.dockerenv,
// /run/.containerenv, and container keywords in the init cgroup. Unreadable
// markers count as "not in a container".
func isRunningInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/run/.containerenv"); err == nil {
		return true
	}

	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}

	content := string(data)
	for _, marker := range []string{"docker", "kubepods", "containerd", "libpod"} {
		if strings.Contains(content, marker) {
			return true
		}
	}

	return false
}
