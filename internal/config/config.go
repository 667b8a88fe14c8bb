// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the TOML configuration file and applies
// ORBIT__-prefixed environment overrides through viper.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/orbit-app/orbit/internal/buildinfo"
	"github.com/orbit-app/orbit/internal/domain"
)

const envPrefix = "ORBIT__"

// AppConfig wraps the loaded configuration.
type AppConfig struct {
	Config *domain.Config
	m      sync.Mutex
	viper  *viper.Viper
}

// New loads configuration from configPath (a directory or a file). A missing
// file is not an error; defaults plus environment overrides apply.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper: viper.New(),
	}
	c.defaults()

	if err := c.load(configPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.Config.ValidateUpdateConfig(); err != nil {
		return nil, errors.Wrap(err, "invalid update configuration")
	}

	return c, nil
}

func (c *AppConfig) defaults() {
	c.Config = &domain.Config{
		Version:             buildinfo.Version,
		Host:                "localhost",
		Port:                7575,
		LogLevel:            "INFO",
		LogMaxSize:          50,
		LogMaxBackups:       3,
		CheckForUpdates:     true,
		UpdateIntervalHours: 12,
		UpdateRepository:    "orbit-app/orbit",
	}

	if exe, err := os.Executable(); err == nil {
		c.Config.InstallDir = filepath.Dir(exe)
	}
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	if configPath != "" {
		info, err := os.Stat(configPath)
		switch {
		case err != nil && os.IsNotExist(err):
			log.Debug().Str("path", configPath).Msg("config file not found, using defaults")
			c.applyDerivedDefaults(configPath)
			return nil
		case err != nil:
			return errors.Wrap(err, "could not stat config path")
		case info.IsDir():
			c.viper.SetConfigName("config")
			c.viper.AddConfigPath(configPath)
		default:
			c.viper.SetConfigFile(configPath)
		}
	} else {
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
	}

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			c.applyDerivedDefaults(configPath)
			return nil
		}
		return errors.Wrap(err, "config file could not be read")
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return errors.Wrap(err, "config file could not be parsed")
	}

	c.applyDerivedDefaults(c.viper.ConfigFileUsed())
	return nil
}

// applyDerivedDefaults fills paths that default relative to the config
// location: data dir next to the config, database inside the data dir.
func (c *AppConfig) applyDerivedDefaults(configPath string) {
	base := filepath.Dir(configPath)
	if configPath == "" {
		base = "."
	}

	if c.Config.DataDir == "" {
		c.Config.DataDir = filepath.Join(base, "data")
	}
	if c.Config.DatabasePath == "" {
		c.Config.DatabasePath = filepath.Join(c.Config.DataDir, "orbit.db")
	}
}

func (c *AppConfig) loadFromEnv() {
	c.m.Lock()
	defer c.m.Unlock()

	for _, setting := range []struct {
		key   string
		apply func(string)
	}{
		{"HOST", func(v string) { c.Config.Host = v }},
		{"LOG_LEVEL", func(v string) { c.Config.LogLevel = v }},
		{"LOG_PATH", func(v string) { c.Config.LogPath = v }},
		{"DATA_DIR", func(v string) { c.Config.DataDir = v }},
		{"DATABASE_PATH", func(v string) { c.Config.DatabasePath = v }},
		{"INSTALL_DIR", func(v string) { c.Config.InstallDir = v }},
		{"UPDATE_REPOSITORY", func(v string) { c.Config.UpdateRepository = v }},
		{"UPDATE_GITHUB_TOKEN", func(v string) { c.Config.UpdateGithubToken = v }},
	} {
		if v, ok := os.LookupEnv(envPrefix + setting.key); ok && v != "" {
			setting.apply(v)
		}
	}

	if v, ok := os.LookupEnv(envPrefix + "CHECK_FOR_UPDATES"); ok {
		c.Config.CheckForUpdates = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := os.LookupEnv(envPrefix + "SELFUPDATE_DISABLED"); ok {
		c.Config.SelfUpdateDisabled = strings.EqualFold(v, "true") || v == "1"
	}
}
