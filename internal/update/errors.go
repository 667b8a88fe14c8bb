// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import "errors"

var (
	// ErrDownloadFailed wraps transport failures while fetching a release
	// artifact. Retry is the caller's decision; nothing retries internally.
	ErrDownloadFailed = errors.New("download failed")

	// ErrChecksumMismatch means the downloaded artifact did not match the
	// release's published checksum and must not be trusted.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInsufficientBackupStorage is raised before any destructive write
	// when the installation is too large to back up.
	ErrInsufficientBackupStorage = errors.New("insufficient storage for backup")

	// ErrInvalidBackup means the backup directory failed structural
	// verification and cannot be used for a rollback.
	ErrInvalidBackup = errors.New("invalid backup")

	// ErrInstallInProgress rejects a second installUpdate while one attempt
	// is in flight.
	ErrInstallInProgress = errors.New("an installation is already in progress")

	// ErrRollbackInProgress rejects a second rollback while one is executing.
	ErrRollbackInProgress = errors.New("a rollback is already in progress")

	// ErrNoRelease is returned when the remote reports no published release.
	ErrNoRelease = errors.New("could not fetch latest release")
)
