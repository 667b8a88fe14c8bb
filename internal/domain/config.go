// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"path/filepath"
	"strings"
)

// Config represents the application configuration.
type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`
	DatabasePath  string `toml:"databasePath" mapstructure:"databasePath"`

	// InstallDir is the live installation tree updates are applied to.
	// Defaults to the directory containing the running executable.
	InstallDir string `toml:"installDir" mapstructure:"installDir"`

	CheckForUpdates      bool   `toml:"checkForUpdates" mapstructure:"checkForUpdates"`
	UpdateIntervalHours  int    `toml:"updateIntervalHours" mapstructure:"updateIntervalHours"`
	UpdateRepository     string `toml:"updateRepository" mapstructure:"updateRepository"`
	UpdateGithubToken    string `toml:"updateGithubToken" mapstructure:"updateGithubToken"`
	SelfUpdateDisabled   bool   `toml:"selfUpdateDisabled" mapstructure:"selfUpdateDisabled"`
	RollbackOnApplyError bool   `toml:"rollbackOnApplyError" mapstructure:"rollbackOnApplyError"`
}

// ErrInvalidRepository is returned when updateRepository is not "owner/name".
var ErrInvalidRepository = errors.New("updateRepository must be in owner/name form")

// ValidateUpdateConfig checks the update-related settings.
func (c *Config) ValidateUpdateConfig() error {
	if !c.CheckForUpdates {
		return nil
	}
	parts := strings.Split(c.UpdateRepository, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return ErrInvalidRepository
	}
	if c.UpdateIntervalHours < 1 {
		return errors.New("updateIntervalHours must be at least 1")
	}
	return nil
}

// BackupDir is the backup root, owned by the update subsystem.
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// UpdateScratchDir is the transient extraction root for release payloads.
func (c *Config) UpdateScratchDir() string {
	return filepath.Join(c.DataDir, "updates")
}
