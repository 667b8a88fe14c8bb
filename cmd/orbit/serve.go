// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/orbit-app/orbit/internal/api"
	"github.com/orbit-app/orbit/internal/buildinfo"
	"github.com/orbit-app/orbit/internal/config"
	"github.com/orbit-app/orbit/internal/database"
	"github.com/orbit-app/orbit/internal/logger"
	"github.com/orbit-app/orbit/internal/models"
	"github.com/orbit-app/orbit/internal/update"
)

func RunServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orbit server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath)
			if err != nil {
				return err
			}

			logger.Setup(cfg.Config)
			log.Info().Str("version", buildinfo.Version).Msg("starting orbit")

			db, err := database.Open(cfg.Config.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			historyStore := models.NewUpdateHistoryStore(db.Conn())

			owner, repo := splitRepository(cfg.Config.UpdateRepository)
			source := update.NewGitHubReleaseSource(owner, repo, cfg.Config.UpdateGithubToken, buildinfo.UserAgent, log.Logger)
			versions := update.NewVersionResolver(cfg.Config.InstallDir, log.Logger)
			checker := update.NewChecker(source, versions, log.Logger)

			installer := update.NewInstaller(update.InstallerConfig{
				InstallDir:             cfg.Config.InstallDir,
				BackupDir:              cfg.Config.BackupDir(),
				ScratchDir:             cfg.Config.UpdateScratchDir(),
				RollbackOnApplyFailure: cfg.Config.RollbackOnApplyError,
				SelfUpdateDisabled:     cfg.Config.SelfUpdateDisabled,
			}, source, versions, historyStore, log.Logger)

			rollback := update.NewRollbackManager(cfg.Config.InstallDir, cfg.Config.BackupDir(), historyStore, versions, log.Logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Config.CheckForUpdates {
				if err := checker.StartPeriodic(ctx, cfg.Config.UpdateIntervalHours); err != nil {
					return err
				}
				defer checker.StopPeriodic()
			}

			srv := api.NewServer(cfg.Config, checker, installer, rollback, historyStore, source, versions)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")

	return cmd
}

// splitRepository breaks an owner/name slug into its parts. Validation
// happened at config load.
func splitRepository(slug string) (owner, repo string) {
	parts := strings.SplitN(slug, "/", 2)
	if len(parts) != 2 {
		return slug, ""
	}
	return parts[0], parts[1]
}
