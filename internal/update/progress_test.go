// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestProgressNotifier(t *testing.T) {
	t.Parallel()

	t.Run("delivers to all subscribers", func(t *testing.T) {
		t.Parallel()

		n := newProgressNotifier(zerolog.Nop())

		var first, second []Progress
		n.subscribe(func(p Progress) { first = append(first, p) })
		n.subscribe(func(p Progress) { second = append(second, p) })

		n.publish(Progress{Stage: StageDownloading, Percent: 10})

		assert.Len(t, first, 1)
		assert.Len(t, second, 1)
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		t.Parallel()

		n := newProgressNotifier(zerolog.Nop())

		var got []Progress
		unsub := n.subscribe(func(p Progress) { got = append(got, p) })
		n.publish(Progress{Stage: StageDownloading})
		unsub()
		n.publish(Progress{Stage: StageComplete})

		assert.Len(t, got, 1)
	})

	t.Run("percent is clamped", func(t *testing.T) {
		t.Parallel()

		n := newProgressNotifier(zerolog.Nop())

		var got []Progress
		n.subscribe(func(p Progress) { got = append(got, p) })

		n.publish(Progress{Stage: StageDownloading, Percent: -5})
		n.publish(Progress{Stage: StageApplying, Percent: 150})

		assert.Equal(t, 0, got[0].Percent)
		assert.Equal(t, 100, got[1].Percent)
	})

	t.Run("panicking observer does not stop others", func(t *testing.T) {
		t.Parallel()

		n := newProgressNotifier(zerolog.Nop())

		n.subscribe(func(Progress) { panic("observer bug") })
		var got []Progress
		n.subscribe(func(p Progress) { got = append(got, p) })

		n.publish(Progress{Stage: StageComplete, Percent: 100})
		assert.Len(t, got, 1)
	})
}
