// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const backupManifestName = "backup-manifest.json"

// backupDirPattern matches directories created by backupName and captures
// the version component.
var backupDirPattern = regexp.MustCompile(`^backup-(.+)-\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}`)

// BackupManifest records what a backup contains so a restore does not have
// to guess. It sits next to the copied files inside the backup directory.
type BackupManifest struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	Targets   []string  `json:"targets"`
}

// backupName builds the directory name for a backup of the given version.
// Colons and periods in the timestamp are replaced so the name stays legal
// on every filesystem we care about.
func backupName(version string, at time.Time) string {
	stamp := at.UTC().Format(time.RFC3339)
	stamp = strings.ReplaceAll(stamp, ":", "-")
	stamp = strings.ReplaceAll(stamp, ".", "-")
	return "backup-" + version + "-" + stamp
}

// versionFromBackupName extracts the version a backup directory was taken
// from, or "" when the name does not match the expected layout.
func versionFromBackupName(name string) string {
	m := backupDirPattern.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return m[1]
}

func writeBackupManifest(dir string, manifest BackupManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Wrap(err, "could not encode backup manifest")
	}

	path := filepath.Join(dir, backupManifestName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "could not write backup manifest to %s", path)
	}

	return nil
}

func readBackupManifest(dir string) (*BackupManifest, error) {
	path := filepath.Join(dir, backupManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read backup manifest from %s", path)
	}

	var manifest BackupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.Wrapf(err, "could not parse backup manifest at %s", path)
	}

	return &manifest, nil
}
