// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractArchive(t *testing.T) {
	t.Parallel()

	t.Run("extracts tar.gz preserving layout", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		archivePath := filepath.Join(dir, "payload.tar.gz")
		data := buildTarGz(t, map[string]string{
			"orbit":          "binary",
			"assets/app.js":  "js",
			"assets/app.css": "css",
		})
		require.NoError(t, os.WriteFile(archivePath, data, 0o644))

		dest := filepath.Join(dir, "out")
		require.NoError(t, extractArchive(t.Context(), archivePath, dest))

		assert.FileExists(t, filepath.Join(dest, "orbit"))
		assert.FileExists(t, filepath.Join(dest, "assets", "app.js"))
		assert.FileExists(t, filepath.Join(dest, "assets", "app.css"))
	})

	t.Run("rejects path traversal entries", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		archivePath := filepath.Join(dir, "evil.tar.gz")
		data := buildTarGz(t, map[string]string{
			"../escape.txt": "outside",
		})
		require.NoError(t, os.WriteFile(archivePath, data, 0o644))

		dest := filepath.Join(dir, "out")
		err := extractArchive(t.Context(), archivePath, dest)
		require.Error(t, err)
		assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
	})

	t.Run("unidentifiable archive fails", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		archivePath := filepath.Join(dir, "garbage.tar.gz")
		require.NoError(t, os.WriteFile(archivePath, []byte("not an archive"), 0o644))

		err := extractArchive(t.Context(), archivePath, filepath.Join(dir, "out"))
		require.Error(t, err)
	})
}

func TestUnwrapSingleDir(t *testing.T) {
	t.Parallel()

	t.Run("descends into a lone wrapper directory", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		wrapper := filepath.Join(dir, "orbit-1.2.3")
		require.NoError(t, os.MkdirAll(wrapper, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(wrapper, "orbit"), []byte("binary"), 0o755))

		payload, err := UnwrapSingleDir(dir)
		require.NoError(t, err)
		assert.Equal(t, wrapper, payload)
	})

	t.Run("flat layout is used as-is", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "orbit"), []byte("binary"), 0o755))

		payload, err := UnwrapSingleDir(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, payload)
	})

	t.Run("directory plus file is not unwrapped", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "orbit"), []byte("binary"), 0o755))

		payload, err := UnwrapSingleDir(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, payload)
	})
}
