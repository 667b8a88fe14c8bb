// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fsutil holds the recursive copy/remove primitives shared by the
// update installer and the rollback manager. Both sides need identical
// semantics: replace the destination if present, then copy the source tree,
// skipping any top-level names in the exclude set.
package fsutil

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// CopyFile copies src to dst, creating parent directories as needed and
// preserving the source file mode.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "stat %s", src)
	}
	if info.IsDir() {
		return errors.Errorf("%s is a directory, not a file", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "create parent of %s", dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s to %s", src, dst)
	}

	return out.Close()
}

// CopyDir recursively copies src into dst. Entries whose name, relative to
// src, appears in exclude are skipped (directories are skipped whole). The
// destination is replaced: an existing file or directory at dst is removed
// first, so the result mirrors the source rather than merging into leftovers.
func CopyDir(src, dst string, exclude map[string]struct{}) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "stat %s", src)
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", src)
	}

	if err := os.RemoveAll(dst); err != nil {
		return errors.Wrapf(err, "remove existing %s", dst)
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.Wrapf(err, "read %s", src)
	}

	for _, entry := range entries {
		if _, skip := exclude[entry.Name()]; skip {
			continue
		}

		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			// The exclude set only addresses top-level names; nested
			// directories inherit no exclusions.
			if err := CopyDir(srcPath, dstPath, nil); err != nil {
				return err
			}
			continue
		}

		if entry.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(srcPath)
			if err != nil {
				return errors.Wrapf(err, "readlink %s", srcPath)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return errors.Wrapf(err, "symlink %s", dstPath)
			}
			continue
		}

		if err := CopyFile(srcPath, dstPath); err != nil {
			return err
		}
	}

	return nil
}

// MergeDir overlays src onto dst without deleting anything from dst: every
// file present in src overwrites the same relative path in dst, files only
// present in dst are left alone. Top-level names in exclude are never
// touched. This is the installer's apply semantics.
func MergeDir(src, dst string, exclude map[string]struct{}) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.Wrapf(err, "read %s", src)
	}

	for _, entry := range entries {
		if _, skip := exclude[entry.Name()]; skip {
			continue
		}

		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			if err := os.MkdirAll(dstPath, 0o755); err != nil {
				return errors.Wrapf(err, "create %s", dstPath)
			}
			if err := MergeDir(srcPath, dstPath, nil); err != nil {
				return err
			}
			continue
		}

		if err := CopyFile(srcPath, dstPath); err != nil {
			return err
		}
	}

	return nil
}

// RemoveDir removes a directory tree, tolerating a missing path.
func RemoveDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}

// DirSize walks path and sums the size of every regular file. Entries whose
// top-level name appears in exclude are not counted.
func DirSize(path string, exclude map[string]struct{}) (int64, error) {
	var total int64

	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", path)
	}

	for _, entry := range entries {
		if _, skip := exclude[entry.Name()]; skip {
			continue
		}

		full := filepath.Join(path, entry.Name())
		if entry.IsDir() {
			sub, err := DirSize(full, nil)
			if err != nil {
				return 0, err
			}
			total += sub
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return 0, errors.Wrapf(err, "stat %s", full)
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
	}

	return total, nil
}
