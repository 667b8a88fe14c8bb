// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/orbit-app/orbit/internal/buildinfo"
	"github.com/orbit-app/orbit/internal/config"
	"github.com/orbit-app/orbit/internal/database"
	"github.com/orbit-app/orbit/internal/models"
	"github.com/orbit-app/orbit/internal/update"
)

// RunUpdateCommand replaces the running binary with the latest release.
func RunUpdateCommand() *cobra.Command {
	var repository string

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the orbit binary to the latest release",
		RunE: func(cmd *cobra.Command, _ []string) error {
			updater := update.NewBinaryUpdater(update.BinaryUpdaterConfig{
				Repository: repository,
				Version:    buildinfo.Version,
			})

			updated, err := updater.Run(cmd.Context())
			if err != nil {
				return err
			}
			if !updated {
				cmd.Println("Already up to date.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repository, "repository", "orbit-app/orbit", "GitHub repository to update from")

	return cmd
}

// RunCheckCommand performs a one-shot update check and prints the result.
func RunCheckCommand() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether a newer release is available",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath)
			if err != nil {
				return err
			}

			owner, repo := splitRepository(cfg.Config.UpdateRepository)
			source := update.NewGitHubReleaseSource(owner, repo, cfg.Config.UpdateGithubToken, buildinfo.UserAgent, log.Logger)
			versions := update.NewVersionResolver(cfg.Config.InstallDir, log.Logger)
			checker := update.NewChecker(source, versions, log.Logger)

			result := checker.CheckNow(cmd.Context(), force)
			if result.Error != "" {
				return errors.New(result.Error)
			}

			if result.UpdateAvailable {
				cmd.Printf("Update available: %s -> %s\n", result.CurrentVersion, result.LatestVersion)
				if result.Changelog != "" {
					cmd.Println()
					cmd.Println(result.Changelog)
				}
				return nil
			}

			cmd.Printf("Up to date: %s\n", result.CurrentVersion)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")
	cmd.Flags().BoolVar(&force, "force", false, "Bypass the release cache")

	return cmd
}

// RunRollbackCommand lists backups or restores the installation from one.
func RunRollbackCommand() *cobra.Command {
	var (
		configPath string
		backupPath string
		list       bool
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore a previous installation from a backup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !list && backupPath == "" {
				return errors.New("set --backup, or --list to see available backups")
			}

			cfg, err := config.New(configPath)
			if err != nil {
				return err
			}

			db, err := database.Open(cfg.Config.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			historyStore := models.NewUpdateHistoryStore(db.Conn())
			versions := update.NewVersionResolver(cfg.Config.InstallDir, log.Logger)
			manager := update.NewRollbackManager(cfg.Config.InstallDir, cfg.Config.BackupDir(), historyStore, versions, log.Logger)

			if list {
				backups, err := manager.ListBackups()
				if err != nil {
					return err
				}
				if len(backups) == 0 {
					cmd.Println("No backups found.")
					return nil
				}
				for _, b := range backups {
					cmd.Printf("%s  (version %s, created %s)\n", b.Path, b.Version, b.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			if err := manager.Rollback(cmd.Context(), backupPath); err != nil {
				return err
			}

			cmd.Println("Rollback complete. Restart the service to run the restored version.")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")
	cmd.Flags().StringVar(&backupPath, "backup", "", "Backup directory to restore from")
	cmd.Flags().BoolVar(&list, "list", false, "List available backups")

	return cmd
}
