// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-app/orbit/internal/models"
)

type fakeHistory struct {
	mu      sync.Mutex
	entries []*models.UpdateHistoryEntry
	kept    []int
}

func (f *fakeHistory) RecordUpdate(ctx context.Context, entry *models.UpdateHistoryEntry) error {
	// Mirrors the sqlite store, which fails writes on a dead context.
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeHistory) ClearOldRecords(ctx context.Context, keepCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kept = append(f.kept, keepCount)
	return nil
}

func (f *fakeHistory) last(t *testing.T) *models.UpdateHistoryEntry {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.entries)
	return f.entries[len(f.entries)-1]
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// buildTarGz builds a gzipped tarball with the given path->content entries.
func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o755,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type installerFixture struct {
	installer  *Installer
	source     *fakeSource
	history    *fakeHistory
	installDir string
	backupDir  string
	restarted  chan struct{}
}

func newInstallerFixture(t *testing.T) *installerFixture {
	t.Helper()

	root := t.TempDir()
	installDir := filepath.Join(root, "install")
	require.NoError(t, os.MkdirAll(installDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(installDir, "orbit"), []byte("old-binary"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(installDir, "config.toml"), []byte("user config"), 0o644))

	source := &fakeSource{}
	history := &fakeHistory{}
	versions := NewVersionResolver(installDir, zerolog.Nop())

	fx := &installerFixture{
		source:     source,
		history:    history,
		installDir: installDir,
		backupDir:  filepath.Join(root, "backups"),
		restarted:  make(chan struct{}),
	}

	fx.installer = NewInstaller(InstallerConfig{
		InstallDir:   installDir,
		BackupDir:    fx.backupDir,
		ScratchDir:   filepath.Join(root, "scratch"),
		RestartDelay: 10 * time.Millisecond,
	}, source, versions, history, zerolog.Nop())

	// Tests run in CI containers, where the real pre-flight would refuse.
	fx.installer.canSelfUpdate = func(disabled bool) error {
		if disabled {
			return ErrUnsupportedEnvironment
		}
		return nil
	}
	restartOnce := sync.OnceFunc(func() { close(fx.restarted) })
	fx.installer.restartFn = restartOnce

	return fx
}

func (fx *installerFixture) snapshotInstallDir(t *testing.T) map[string]string {
	t.Helper()

	snapshot := map[string]string{}
	err := filepath.Walk(fx.installDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(fx.installDir, path)
		snapshot[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return snapshot
}

func TestInstallUpdate(t *testing.T) {
	t.Setenv("ORBIT_VERSION", "1.0.0")

	t.Run("successful install", func(t *testing.T) {
		fx := newInstallerFixture(t)

		archive := buildTarGz(t, map[string]string{
			"orbit-2.0.0/orbit":       "new-binary",
			"orbit-2.0.0/NEW.txt":     "added in 2.0.0",
			"orbit-2.0.0/config.toml": "shipped default",
		})
		fx.source.downloadData = archive

		var (
			mu     sync.Mutex
			stages []Stage
		)
		unsub := fx.installer.OnProgress(func(p Progress) {
			mu.Lock()
			stages = append(stages, p.Stage)
			mu.Unlock()
			assert.GreaterOrEqual(t, p.Percent, 0)
			assert.LessOrEqual(t, p.Percent, 100)
		})
		defer unsub()

		release := &ReleaseDescriptor{
			Version:      "2.0.0",
			DownloadURL:  "https://example.com/orbit_2.0.0_linux_amd64.tar.gz",
			Checksum:     sha256Hex(archive),
			ChecksumAlgo: "sha256",
		}
		require.NoError(t, fx.installer.InstallUpdate(t.Context(), release))

		// Payload applied, wrapper directory unwrapped, user config untouched.
		tree := fx.snapshotInstallDir(t)
		assert.Equal(t, "new-binary", tree["orbit"])
		assert.Equal(t, "added in 2.0.0", tree["NEW.txt"])
		assert.Equal(t, "user config", tree["config.toml"])

		// Backup of the previous installation exists with a manifest.
		backups, err := os.ReadDir(fx.backupDir)
		require.NoError(t, err)
		require.Len(t, backups, 1)
		assert.Contains(t, backups[0].Name(), "backup-1.0.0-")
		manifest, err := readBackupManifest(filepath.Join(fx.backupDir, backups[0].Name()))
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", manifest.Version)
		assert.Contains(t, manifest.Targets, "orbit")
		assert.NotContains(t, manifest.Targets, "config.toml")
		backedUp, err := os.ReadFile(filepath.Join(fx.backupDir, backups[0].Name(), "orbit"))
		require.NoError(t, err)
		assert.Equal(t, "old-binary", string(backedUp))

		// Terminal history entry.
		entry := fx.history.last(t)
		assert.Equal(t, models.UpdateStatusSuccess, entry.Status)
		assert.Equal(t, "1.0.0", entry.FromVersion)
		assert.Equal(t, "2.0.0", entry.ToVersion)
		require.NotNil(t, entry.ChecksumVerified)
		assert.True(t, *entry.ChecksumVerified)
		require.NotNil(t, entry.DownloadBytes)
		assert.Equal(t, int64(len(archive)), *entry.DownloadBytes)
		require.NotNil(t, entry.DurationMS)
		assert.GreaterOrEqual(t, *entry.DurationMS, int64(0))
		assert.Equal(t, []int{historyRetention}, fx.history.kept)

		mu.Lock()
		assert.Equal(t, []Stage{StageDownloading, StageVerifying, StageBackingUp, StageApplying, StageComplete}, stages)
		mu.Unlock()

		select {
		case <-fx.restarted:
		case <-time.After(2 * time.Second):
			t.Fatal("restart hook was not invoked")
		}

		assert.False(t, fx.installer.IsInstalling())
	})

	t.Run("checksum mismatch leaves installation untouched", func(t *testing.T) {
		fx := newInstallerFixture(t)
		before := fx.snapshotInstallDir(t)

		archive := buildTarGz(t, map[string]string{"orbit": "evil-binary"})
		fx.source.downloadData = archive

		var lastStage Stage
		unsub := fx.installer.OnProgress(func(p Progress) { lastStage = p.Stage })
		defer unsub()

		release := &ReleaseDescriptor{
			Version:      "2.0.0",
			DownloadURL:  "https://example.com/orbit.tar.gz",
			Checksum:     "deadbeef",
			ChecksumAlgo: "sha256",
		}
		err := fx.installer.InstallUpdate(t.Context(), release)
		require.ErrorIs(t, err, ErrChecksumMismatch)

		assert.Equal(t, before, fx.snapshotInstallDir(t))
		assert.NoDirExists(t, fx.backupDir)

		entry := fx.history.last(t)
		assert.Equal(t, models.UpdateStatusFailed, entry.Status)
		require.NotNil(t, entry.ErrorMessage)
		assert.Contains(t, *entry.ErrorMessage, "checksum")
		require.NotNil(t, entry.DurationMS)
		assert.GreaterOrEqual(t, *entry.DurationMS, int64(0))
		assert.Nil(t, entry.BackupPath)
		assert.Equal(t, StageFailed, lastStage)
	})

	t.Run("unverified install when release has no checksum", func(t *testing.T) {
		fx := newInstallerFixture(t)

		archive := buildTarGz(t, map[string]string{"orbit": "new-binary"})
		fx.source.downloadData = archive

		release := &ReleaseDescriptor{Version: "2.0.0", DownloadURL: "https://example.com/orbit.tar.gz"}
		require.NoError(t, fx.installer.InstallUpdate(t.Context(), release))

		entry := fx.history.last(t)
		require.NotNil(t, entry.ChecksumVerified)
		assert.False(t, *entry.ChecksumVerified)
	})

	t.Run("refused environment", func(t *testing.T) {
		fx := newInstallerFixture(t)
		fx.installer.cfg.SelfUpdateDisabled = true

		release := &ReleaseDescriptor{Version: "2.0.0", DownloadURL: "https://example.com/orbit.tar.gz"}
		err := fx.installer.InstallUpdate(t.Context(), release)
		require.ErrorIs(t, err, ErrUnsupportedEnvironment)

		// Refused before the attempt starts: nothing recorded.
		assert.Zero(t, fx.history.count())
	})

	t.Run("installation too large to back up", func(t *testing.T) {
		fx := newInstallerFixture(t)
		fx.installer.cfg.MaxBackupBytes = 1
		before := fx.snapshotInstallDir(t)

		archive := buildTarGz(t, map[string]string{"orbit": "new-binary"})
		fx.source.downloadData = archive

		release := &ReleaseDescriptor{Version: "2.0.0", DownloadURL: "https://example.com/orbit.tar.gz"}
		err := fx.installer.InstallUpdate(t.Context(), release)
		require.ErrorIs(t, err, ErrInsufficientBackupStorage)

		assert.Equal(t, before, fx.snapshotInstallDir(t))
		assert.Equal(t, models.UpdateStatusFailed, fx.history.last(t).Status)
	})

	t.Run("second install rejected while one is in flight", func(t *testing.T) {
		fx := newInstallerFixture(t)

		block := make(chan struct{})
		started := make(chan struct{})
		blocking := &blockingDownloadSource{fakeSource: fx.source, block: block, started: started}
		blocking.downloadData = buildTarGz(t, map[string]string{"orbit": "new-binary"})
		fx.installer.source = blocking

		release := &ReleaseDescriptor{Version: "2.0.0", DownloadURL: "https://example.com/orbit.tar.gz"}

		done := make(chan error, 1)
		go func() {
			done <- fx.installer.InstallUpdate(context.Background(), release)
		}()

		<-started
		err := fx.installer.InstallUpdate(t.Context(), release)
		require.ErrorIs(t, err, ErrInstallInProgress)

		close(block)
		require.NoError(t, <-done)
	})

	t.Run("cancel stops at the next checkpoint", func(t *testing.T) {
		fx := newInstallerFixture(t)
		before := fx.snapshotInstallDir(t)

		block := make(chan struct{})
		started := make(chan struct{})
		blocking := &blockingDownloadSource{fakeSource: fx.source, block: block, started: started}
		blocking.downloadData = buildTarGz(t, map[string]string{"orbit": "new-binary"})
		fx.installer.source = blocking

		release := &ReleaseDescriptor{Version: "2.0.0", DownloadURL: "https://example.com/orbit.tar.gz"}

		done := make(chan error, 1)
		go func() {
			done <- fx.installer.InstallUpdate(context.Background(), release)
		}()

		<-started
		require.True(t, fx.installer.CancelInstallation())
		close(block)

		err := <-done
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cancelled")

		assert.Equal(t, before, fx.snapshotInstallDir(t))
		assert.Equal(t, models.UpdateStatusFailed, fx.history.last(t).Status)
	})

	t.Run("cancelled context still records the failed attempt", func(t *testing.T) {
		fx := newInstallerFixture(t)

		block := make(chan struct{})
		started := make(chan struct{})
		blocking := &blockingDownloadSource{fakeSource: fx.source, block: block, started: started}
		blocking.downloadData = buildTarGz(t, map[string]string{"orbit": "new-binary"})
		fx.installer.source = blocking

		release := &ReleaseDescriptor{Version: "2.0.0", DownloadURL: "https://example.com/orbit.tar.gz"}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- fx.installer.InstallUpdate(ctx, release)
		}()

		<-started
		cancel()
		close(block)

		err := <-done
		require.Error(t, err)
		assert.Contains(t, err.Error(), "aborted")

		entry := fx.history.last(t)
		assert.Equal(t, models.UpdateStatusFailed, entry.Status)
		require.NotNil(t, entry.DurationMS)
	})

	t.Run("cancel with nothing in flight", func(t *testing.T) {
		fx := newInstallerFixture(t)
		assert.False(t, fx.installer.CancelInstallation())
	})

	t.Run("nil release", func(t *testing.T) {
		fx := newInstallerFixture(t)
		require.Error(t, fx.installer.InstallUpdate(t.Context(), nil))
	})
}

// blockingDownloadSource delays Download until released, so tests can observe
// the in-flight state.
type blockingDownloadSource struct {
	*fakeSource
	block   chan struct{}
	started chan struct{}
}

func (b *blockingDownloadSource) Download(ctx context.Context, url string) ([]byte, error) {
	close(b.started)
	<-b.block
	return b.fakeSource.Download(ctx, url)
}
