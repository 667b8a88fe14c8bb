// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanSelfUpdate(t *testing.T) {
	t.Parallel()

	t.Run("config flag refuses", func(t *testing.T) {
		t.Parallel()
		require.ErrorIs(t, CanSelfUpdate(true), ErrUnsupportedEnvironment)
	})

	t.Run("windows refuses", func(t *testing.T) {
		t.Parallel()

		if runtime.GOOS != "windows" {
			t.Skip("only meaningful on windows")
		}
		require.ErrorIs(t, CanSelfUpdate(false), ErrUnsupportedEnvironment)
	})

	t.Run("container detection is consistent", func(t *testing.T) {
		t.Parallel()

		// The answer depends on where the tests run; it must only be stable.
		assert.Equal(t, isRunningInContainer(), isRunningInContainer())
	})
}
