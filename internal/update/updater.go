// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/creativeprojects/go-selfupdate"
)

// BinaryUpdaterConfig configures the CLI binary updater.
type BinaryUpdaterConfig struct {
	Repository string
	Version    string
}

// BinaryUpdater replaces the running executable with the latest released
// binary. It is the CLI fast path: unlike the Installer it touches only the
// binary itself, takes no backup, and writes no history.
type BinaryUpdater struct {
	config BinaryUpdaterConfig
}

func NewBinaryUpdater(config BinaryUpdaterConfig) *BinaryUpdater {
	return &BinaryUpdater{
		config: config,
	}
}

// Run downloads and installs an updated binary when a newer release is available.
// It returns true when an update was applied. The same environment rules as
// the full installer apply: containers and Windows are refused.
func (u *BinaryUpdater) Run(ctx context.Context) (bool, error) {
	if err := CanSelfUpdate(false); err != nil {
		return false, err
	}

	if _, err := semver.NewVersion(u.config.Version); err != nil {
		return false, fmt.Errorf("could not parse version: %w", err)
	}

	latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(u.config.Repository))
	if err != nil {
		return false, fmt.Errorf("error occurred while detecting version: %w", err)
	}
	if !found {
		return false, fmt.Errorf("latest version for %s/%s could not be found from github repository", u.config.Repository, u.config.Version)
	}

	if latest.LessOrEqual(u.config.Version) {
		fmt.Printf("Current binary is the latest version: %s\n", u.config.Version)
		return false, nil
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return false, fmt.Errorf("could not locate executable path: %w", err)
	}

	if err := selfupdate.UpdateTo(ctx, latest.AssetURL, latest.AssetName, exe); err != nil {
		return false, fmt.Errorf("error occurred while updating binary: %w", err)
	}

	fmt.Printf("Successfully updated to version: %s\n", latest.Version())
	return true, nil
}
