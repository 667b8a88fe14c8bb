// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/orbit-app/orbit/internal/metrics"
	"github.com/orbit-app/orbit/internal/models"
	"github.com/orbit-app/orbit/pkg/fsutil"
)

// BackupInfo describes one restorable backup on disk.
type BackupInfo struct {
	Path      string    `json:"path"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

// RollbackManager restores a previous installation from a backup directory
// created by the installer. Rollbacks are deliberate recovery actions and
// never run automatically.
type RollbackManager struct {
	installDir string
	backupDir  string
	history    HistoryRecorder
	versions   *VersionResolver
	log        zerolog.Logger
	now        func() time.Time

	rolling atomic.Bool
}

func NewRollbackManager(installDir, backupDir string, history HistoryRecorder, versions *VersionResolver, log zerolog.Logger) *RollbackManager {
	return &RollbackManager{
		installDir: installDir,
		backupDir:  backupDir,
		history:    history,
		versions:   versions,
		log:        log.With().Str("component", "rollback-manager").Logger(),
		now:        time.Now,
	}
}

// IsRollbackInProgress reports whether a rollback is currently executing.
func (m *RollbackManager) IsRollbackInProgress() bool {
	return m.rolling.Load()
}

// VerifyBackup checks that backupPath holds a restorable backup: the
// directory exists, its manifest parses with a non-empty version, and every
// manifest target is present. Verification never returns an error; a bad
// backup yields false with the reason logged.
func (m *RollbackManager) VerifyBackup(backupPath string) bool {
	info, err := os.Stat(backupPath)
	if err != nil {
		m.log.Warn().Err(err).Str("path", backupPath).Msg("backup verification failed: directory not accessible")
		return false
	}
	if !info.IsDir() {
		m.log.Warn().Str("path", backupPath).Msg("backup verification failed: not a directory")
		return false
	}

	manifest, err := readBackupManifest(backupPath)
	if err != nil {
		m.log.Warn().Err(err).Str("path", backupPath).Msg("backup verification failed: bad manifest")
		return false
	}
	if manifest.Version == "" {
		m.log.Warn().Str("path", backupPath).Msg("backup verification failed: manifest has no version")
		return false
	}

	for _, target := range manifest.Targets {
		if _, err := os.Stat(filepath.Join(backupPath, target)); err != nil {
			m.log.Warn().Err(err).Str("path", backupPath).Str("target", target).Msg("backup verification failed: missing target")
			return false
		}
	}

	return true
}

// Rollback restores the installation from backupPath. Only one rollback may
// run at a time. The backup is verified first; an unrestorable backup fails
// before anything in the install dir is touched.
func (m *RollbackManager) Rollback(ctx context.Context, backupPath string) error {
	if !m.rolling.CompareAndSwap(false, true) {
		return ErrRollbackInProgress
	}
	defer m.rolling.Store(false)

	if !m.VerifyBackup(backupPath) {
		return errors.Wrapf(ErrInvalidBackup, "backup at %s", backupPath)
	}

	manifest, err := readBackupManifest(backupPath)
	if err != nil {
		return errors.Wrapf(ErrInvalidBackup, "backup at %s", backupPath)
	}

	// The directory name is the authoritative version; the manifest covers
	// renamed or hand-moved backups.
	targetVersion := versionFromBackupName(filepath.Base(backupPath))
	if targetVersion == "" {
		targetVersion = manifest.Version
	}

	current := m.versions.Current()
	m.log.Info().Str("from", current.Version).Str("to", targetVersion).Str("backup", backupPath).Msg("starting rollback")

	started := m.now().UTC()

	for _, target := range manifest.Targets {
		src := filepath.Join(backupPath, target)
		dst := filepath.Join(m.installDir, target)

		info, err := os.Stat(src)
		if err != nil {
			return errors.Wrapf(err, "could not restore %s", target)
		}

		if info.IsDir() {
			if err := fsutil.CopyDir(src, dst, nil); err != nil {
				return errors.Wrapf(err, "could not restore %s", target)
			}
			continue
		}
		if err := fsutil.CopyFile(src, dst); err != nil {
			return errors.Wrapf(err, "could not restore %s", target)
		}
	}

	duration := m.now().UTC().Sub(started).Milliseconds()
	entry := &models.UpdateHistoryEntry{
		Timestamp:   m.now().UTC(),
		FromVersion: current.Version,
		ToVersion:   targetVersion,
		Status:      models.UpdateStatusRolledBack,
		BackupPath:  &backupPath,
		DurationMS:  &duration,
	}
	if err := m.history.RecordUpdate(ctx, entry); err != nil {
		m.log.Error().Err(err).Msg("could not record rollback history entry")
	}

	metrics.RollbacksTotal.Inc()
	m.versions.ClearCache()

	m.log.Info().Str("version", targetVersion).Msg("rollback complete")
	return nil
}

// ListBackups returns the restorable backups under the backup dir, newest
// first. Directories that do not verify are skipped.
func (m *RollbackManager) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not read backup directory %s", m.backupDir)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		path := filepath.Join(m.backupDir, entry.Name())
		if !m.VerifyBackup(path) {
			continue
		}

		manifest, err := readBackupManifest(path)
		if err != nil {
			continue
		}

		version := versionFromBackupName(entry.Name())
		if version == "" {
			version = manifest.Version
		}

		backups = append(backups, BackupInfo{
			Path:      path,
			Version:   version,
			CreatedAt: manifest.CreatedAt,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}
