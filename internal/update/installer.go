// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/orbit-app/orbit/internal/metrics"
	"github.com/orbit-app/orbit/internal/models"
	"github.com/orbit-app/orbit/pkg/fsutil"
)

const (
	// DefaultMaxBackupBytes caps how large an installation may be before we
	// refuse to back it up rather than risk filling the disk.
	DefaultMaxBackupBytes = int64(500) << 20

	// DefaultRestartDelay is how long a successful install waits before
	// handing off to the restart hook, giving observers time to see the
	// terminal progress event.
	DefaultRestartDelay = 5 * time.Second

	historyRetention = 100
)

// protectedPaths are top-level names in the install dir that an update never
// overwrites, a backup never copies, and a restore never touches. They hold
// user state, not shipped code.
var protectedPaths = map[string]struct{}{
	"config.toml": {},
	".env":        {},
	"logs":        {},
	"data":        {},
	"reports":     {},
	"backups":     {},
	"updates":     {},
	"vendor":      {},
	".git":        {},
}

// HistoryRecorder is the slice of the history store the installer needs.
type HistoryRecorder interface {
	RecordUpdate(ctx context.Context, entry *models.UpdateHistoryEntry) error
	ClearOldRecords(ctx context.Context, keepCount int) error
}

// InstallerConfig carries the filesystem layout and policy knobs for the
// installer. Zero values for MaxBackupBytes and RestartDelay fall back to
// the defaults.
type InstallerConfig struct {
	InstallDir string
	BackupDir  string
	ScratchDir string

	MaxBackupBytes int64
	RestartDelay   time.Duration

	// RollbackOnApplyFailure restores the fresh backup when applying fails
	// partway. Off by default: a failed merge usually leaves the old files
	// in place, and an automatic restore on top of an unknown failure can
	// make things worse.
	RollbackOnApplyFailure bool

	// SelfUpdateDisabled comes from configuration and fails the environment
	// pre-flight when set.
	SelfUpdateDisabled bool
}

// Installer drives one update through download, verify, backup, and apply.
// Only a single attempt may run at a time; a second request is rejected, not
// queued.
type Installer struct {
	cfg      InstallerConfig
	source   ReleaseSource
	versions *VersionResolver
	history  HistoryRecorder
	log      zerolog.Logger
	now      func() time.Time

	// restartFn is invoked after RestartDelay on success. The default exits
	// the process and relies on the supervisor to bring it back up.
	restartFn func()

	// canSelfUpdate is the environment pre-flight, swappable in tests.
	canSelfUpdate func(disabled bool) error

	resolver PayloadResolver
	notifier *progressNotifier

	installing atomic.Bool
	cancel     atomic.Bool

	mu      sync.Mutex
	attempt *installationAttempt
}

type installationAttempt struct {
	release         *ReleaseDescriptor
	startedAt       time.Time
	bytesDownloaded int64
}

func NewInstaller(cfg InstallerConfig, source ReleaseSource, versions *VersionResolver, history HistoryRecorder, log zerolog.Logger) *Installer {
	if cfg.MaxBackupBytes <= 0 {
		cfg.MaxBackupBytes = DefaultMaxBackupBytes
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}

	componentLog := log.With().Str("component", "update-installer").Logger()

	return &Installer{
		cfg:      cfg,
		source:   source,
		versions: versions,
		history:  history,
		log:      componentLog,
		now:      time.Now,
		restartFn: func() {
			componentLog.Info().Msg("restarting to finish update")
			os.Exit(0)
		},
		canSelfUpdate: CanSelfUpdate,
		resolver:      UnwrapSingleDir,
		notifier:      newProgressNotifier(componentLog),
	}
}

// OnProgress registers a progress observer and returns its unsubscribe
// function.
func (i *Installer) OnProgress(fn func(Progress)) func() {
	return i.notifier.subscribe(fn)
}

// IsInstalling reports whether an attempt is currently in flight.
func (i *Installer) IsInstalling() bool {
	return i.installing.Load()
}

// CancelInstallation requests that the in-flight attempt stop at its next
// checkpoint. The request is advisory: a stage already running completes,
// and an apply that has begun is never interrupted. Returns false when
// nothing was in flight.
func (i *Installer) CancelInstallation() bool {
	if !i.installing.Load() {
		return false
	}
	i.cancel.Store(true)
	i.log.Info().Msg("installation cancel requested")
	return true
}

// InstallUpdate runs the full install sequence for release. On success the
// process restarts after the configured delay; the caller only sees an error
// return on failure.
func (i *Installer) InstallUpdate(ctx context.Context, release *ReleaseDescriptor) error {
	if release == nil {
		return errors.New("release cannot be nil")
	}

	if err := i.canSelfUpdate(i.cfg.SelfUpdateDisabled); err != nil {
		return err
	}

	if !i.installing.CompareAndSwap(false, true) {
		return ErrInstallInProgress
	}
	defer func() {
		i.setAttempt(nil)
		i.cancel.Store(false)
		i.installing.Store(false)
	}()

	attempt := &installationAttempt{
		release:   release,
		startedAt: i.now().UTC(),
	}
	i.setAttempt(attempt)

	current := i.versions.Current()
	i.log.Info().Str("from", current.Version).Str("to", release.Version).Msg("starting update installation")

	scratch := filepath.Join(i.cfg.ScratchDir, "install-"+release.Version)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return i.fail(ctx, attempt, current.Version, "", errors.Wrap(err, "could not create scratch directory"))
	}
	defer fsutil.RemoveDir(scratch)

	// Download.
	i.notifier.publish(Progress{Stage: StageDownloading, Percent: 0, Message: "downloading " + release.Version})

	data, err := i.source.Download(ctx, release.DownloadURL)
	if err != nil {
		return i.fail(ctx, attempt, current.Version, "", err)
	}
	attempt.bytesDownloaded = int64(len(data))
	metrics.DownloadBytes.Add(float64(len(data)))

	archivePath := filepath.Join(scratch, "payload"+archiveExt(release.DownloadURL))
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		return i.fail(ctx, attempt, current.Version, "", errors.Wrap(err, "could not write downloaded archive"))
	}

	if err := i.checkpoint(ctx, attempt, current.Version); err != nil {
		return err
	}

	// Verify.
	i.notifier.publish(Progress{Stage: StageVerifying, Percent: 25, Message: "verifying archive"})

	if !i.source.VerifyChecksum(data, release.Checksum, release.ChecksumAlgo) {
		return i.fail(ctx, attempt, current.Version, "", ErrChecksumMismatch)
	}
	checksumVerified := release.Checksum != ""

	extractDir := filepath.Join(scratch, "extracted")
	if err := extractArchive(ctx, archivePath, extractDir); err != nil {
		return i.fail(ctx, attempt, current.Version, "", errors.Wrap(err, "could not extract release archive"))
	}

	payloadDir, err := i.resolver(extractDir)
	if err != nil {
		return i.fail(ctx, attempt, current.Version, "", err)
	}

	if err := i.checkpoint(ctx, attempt, current.Version); err != nil {
		return err
	}

	// Back up.
	i.notifier.publish(Progress{Stage: StageBackingUp, Percent: 50, Message: "backing up current installation"})

	backupPath, err := i.createBackup(current.Version)
	if err != nil {
		return i.fail(ctx, attempt, current.Version, "", err)
	}

	// Apply. No cancellation past this point.
	i.notifier.publish(Progress{Stage: StageApplying, Percent: 75, Message: "applying " + release.Version})

	if err := fsutil.MergeDir(payloadDir, i.cfg.InstallDir, protectedPaths); err != nil {
		applyErr := errors.Wrap(err, "could not apply update")

		if i.cfg.RollbackOnApplyFailure {
			if restoreErr := i.restoreBackup(backupPath); restoreErr != nil {
				i.log.Error().Err(restoreErr).Str("backup", backupPath).Msg("automatic restore after failed apply also failed")
			} else {
				i.log.Warn().Str("backup", backupPath).Msg("apply failed, previous installation restored from backup")
			}
		}

		return i.fail(ctx, attempt, current.Version, backupPath, applyErr)
	}

	// Record the outcome before anything else can interrupt us.
	duration := i.now().UTC().Sub(attempt.startedAt).Milliseconds()
	entry := &models.UpdateHistoryEntry{
		Timestamp:        i.now().UTC(),
		FromVersion:      current.Version,
		ToVersion:        release.Version,
		Status:           models.UpdateStatusSuccess,
		BackupPath:       &backupPath,
		DurationMS:       &duration,
		DownloadBytes:    &attempt.bytesDownloaded,
		ChecksumVerified: &checksumVerified,
	}
	if err := i.history.RecordUpdate(ctx, entry); err != nil {
		i.log.Error().Err(err).Msg("could not record update history entry")
	}
	if err := i.history.ClearOldRecords(ctx, historyRetention); err != nil {
		i.log.Error().Err(err).Msg("could not trim update history")
	}

	metrics.InstallsTotal.WithLabelValues("success").Inc()
	i.versions.ClearCache()

	i.notifier.publish(Progress{Stage: StageComplete, Percent: 100, Message: "update to " + release.Version + " complete"})
	i.log.Info().Str("version", release.Version).Dur("took", time.Duration(duration)*time.Millisecond).Msg("update installed")

	time.AfterFunc(i.cfg.RestartDelay, i.restartFn)

	return nil
}

// checkpoint honors an advisory cancel between stages. A cancelled attempt
// is recorded as failed.
func (i *Installer) checkpoint(ctx context.Context, attempt *installationAttempt, fromVersion string) error {
	if err := ctx.Err(); err != nil {
		return i.fail(ctx, attempt, fromVersion, "", errors.Wrap(err, "installation aborted"))
	}
	if i.cancel.Load() {
		return i.fail(ctx, attempt, fromVersion, "", errors.New("installation cancelled"))
	}
	return nil
}

// createBackup copies the current installation into a fresh backup directory
// and writes its manifest. Nothing destructive has happened yet when this
// runs, so any error here leaves the installation untouched.
func (i *Installer) createBackup(version string) (string, error) {
	size, err := fsutil.DirSize(i.cfg.InstallDir, protectedPaths)
	if err != nil {
		return "", errors.Wrap(err, "could not measure installation size")
	}
	if size > i.cfg.MaxBackupBytes {
		return "", errors.Wrapf(ErrInsufficientBackupStorage, "installation is %d bytes, limit is %d", size, i.cfg.MaxBackupBytes)
	}

	backupPath := filepath.Join(i.cfg.BackupDir, backupName(version, i.now()))
	if err := fsutil.CopyDir(i.cfg.InstallDir, backupPath, protectedPaths); err != nil {
		return "", errors.Wrap(err, "could not create backup")
	}

	targets, err := backupTargets(backupPath)
	if err != nil {
		return "", err
	}

	manifest := BackupManifest{
		Version:   version,
		CreatedAt: i.now().UTC(),
		Targets:   targets,
	}
	if err := writeBackupManifest(backupPath, manifest); err != nil {
		return "", err
	}

	i.log.Info().Str("path", backupPath).Int64("bytes", size).Msg("backup created")
	return backupPath, nil
}

// restoreBackup puts every manifest target from the backup back into the
// install dir, replacing whatever the failed apply left behind.
func (i *Installer) restoreBackup(backupPath string) error {
	manifest, err := readBackupManifest(backupPath)
	if err != nil {
		return err
	}

	for _, target := range manifest.Targets {
		src := filepath.Join(backupPath, target)
		dst := filepath.Join(i.cfg.InstallDir, target)

		info, err := os.Stat(src)
		if err != nil {
			return errors.Wrapf(err, "backup target %s is missing", target)
		}

		if info.IsDir() {
			if err := fsutil.CopyDir(src, dst, nil); err != nil {
				return err
			}
			continue
		}
		if err := fsutil.CopyFile(src, dst); err != nil {
			return err
		}
	}

	return nil
}

// fail records a failed history entry, publishes the terminal progress
// event, and returns the wrapped error.
func (i *Installer) fail(ctx context.Context, attempt *installationAttempt, fromVersion, backupPath string, cause error) error {
	i.log.Error().Err(cause).Str("to", attempt.release.Version).Msg("update installation failed")

	msg := cause.Error()
	duration := i.now().UTC().Sub(attempt.startedAt).Milliseconds()
	entry := &models.UpdateHistoryEntry{
		Timestamp:     i.now().UTC(),
		FromVersion:   fromVersion,
		ToVersion:     attempt.release.Version,
		Status:        models.UpdateStatusFailed,
		ErrorMessage:  &msg,
		DurationMS:    &duration,
		DownloadBytes: &attempt.bytesDownloaded,
	}
	if backupPath != "" {
		entry.BackupPath = &backupPath
	}
	// The entry must land even when the attempt died to a cancelled context.
	if err := i.history.RecordUpdate(context.WithoutCancel(ctx), entry); err != nil {
		i.log.Error().Err(err).Msg("could not record failed update history entry")
	}

	metrics.InstallsTotal.WithLabelValues("failed").Inc()
	i.notifier.publish(Progress{Stage: StageFailed, Percent: 100, Message: msg})

	return errors.Wrapf(cause, "installing %s", attempt.release.Version)
}

func (i *Installer) setAttempt(attempt *installationAttempt) {
	i.mu.Lock()
	i.attempt = attempt
	i.mu.Unlock()
}

// archiveExt preserves the archive extension from the download URL so format
// identification has a filename to work with.
func archiveExt(url string) string {
	for _, ext := range []string{".tar.gz", ".tgz", ".tar.xz", ".tar.bz2", ".zip", ".tar"} {
		if len(url) >= len(ext) && url[len(url)-len(ext):] == ext {
			return ext
		}
	}
	return ".tar.gz"
}

// backupTargets lists the top-level entries of a freshly created backup,
// excluding the manifest itself.
func backupTargets(backupPath string) ([]string, error) {
	entries, err := os.ReadDir(backupPath)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read backup directory %s", backupPath)
	}

	targets := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Name() == backupManifestName {
			continue
		}
		targets = append(targets, entry.Name())
	}
	return targets, nil
}
