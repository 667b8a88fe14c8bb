// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
	"github.com/pkg/errors"
)

// extractArchive unpacks archivePath into destDir. The format is identified
// from the file name and stream, so tar.gz and zip releases both work.
// Entries that would escape destDir abort the extraction.
func extractArchive(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrapf(err, "could not open archive %s", archivePath)
	}
	defer f.Close()

	format, input, err := archives.Identify(ctx, filepath.Base(archivePath), f)
	if err != nil {
		return errors.Wrapf(err, "could not identify archive format of %s", archivePath)
	}

	extractor, ok := format.(archives.Extractor)
	if !ok {
		return errors.Errorf("unsupported archive format: %s", format.Extension())
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errors.Wrapf(err, "could not create extraction directory %s", destDir)
	}

	return extractor.Extract(ctx, input, func(ctx context.Context, fi archives.FileInfo) error {
		rel := filepath.Clean(filepath.FromSlash(fi.NameInArchive))
		if rel == "." || rel == "" {
			return nil
		}
		if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
			return errors.Errorf("archive entry escapes destination: %s", fi.NameInArchive)
		}

		target := filepath.Join(destDir, rel)

		switch {
		case fi.IsDir():
			return os.MkdirAll(target, 0o755)
		case fi.LinkTarget != "":
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return os.Symlink(fi.LinkTarget, target)
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}

			src, err := fi.Open()
			if err != nil {
				return errors.Wrapf(err, "could not open archive entry %s", fi.NameInArchive)
			}
			defer src.Close()

			mode := fi.Mode().Perm()
			if mode == 0 {
				mode = 0o644
			}

			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return errors.Wrapf(err, "could not create %s", target)
			}

			if _, err := io.Copy(out, src); err != nil {
				out.Close()
				return errors.Wrapf(err, "could not extract %s", fi.NameInArchive)
			}

			return out.Close()
		}
	})
}

// PayloadResolver picks the directory inside an extracted archive that holds
// the actual release payload. Swappable because archive layouts differ
// between release channels.
type PayloadResolver func(extractDir string) (string, error)

// UnwrapSingleDir is the default resolver. Release archives commonly wrap
// the payload in one top-level directory; when the extraction produced
// exactly one directory and nothing else, descend into it once. Any other
// shape is used as-is.
func UnwrapSingleDir(extractDir string) (string, error) {
	entries, err := os.ReadDir(extractDir)
	if err != nil {
		return "", errors.Wrapf(err, "could not read extraction directory %s", extractDir)
	}

	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(extractDir, entries[0].Name()), nil
	}

	return extractDir, nil
}
