// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory ReleaseSource for checker and installer tests.
type fakeSource struct {
	mu      sync.Mutex
	release *ReleaseDescriptor
	err     error

	// blockFetch, when non-nil, makes FetchLatest wait until the channel is
	// closed. fetchStarted is closed once a blocked fetch has begun.
	blockFetch   chan struct{}
	fetchStarted chan struct{}

	downloadData []byte
	downloadErr  error
}

func (f *fakeSource) FetchLatest(ctx context.Context, forceRefresh bool) (*ReleaseDescriptor, error) {
	f.mu.Lock()
	block := f.blockFetch
	started := f.fetchStarted
	release := f.release
	err := f.err
	f.mu.Unlock()

	if block != nil {
		if started != nil {
			close(started)
		}
		<-block
	}
	return release, err
}

func (f *fakeSource) FetchByVersion(ctx context.Context, v string) (*ReleaseDescriptor, error) {
	return f.FetchLatest(ctx, false)
}

func (f *fakeSource) Download(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.downloadData, nil
}

func (f *fakeSource) VerifyChecksum(data []byte, expected, algo string) bool {
	if strings.TrimSpace(expected) == "" {
		return true
	}
	sum := sha256.Sum256(data)
	return strings.EqualFold(hex.EncodeToString(sum[:]), expected)
}

func (f *fakeSource) ParseChangelog(markdown string) string {
	return markdown
}

func newTestChecker(t *testing.T, source ReleaseSource) *Checker {
	t.Helper()

	versions := NewVersionResolver(t.TempDir(), zerolog.Nop())
	return NewChecker(source, versions, zerolog.Nop())
}

func collectEvents(c *Checker) (*[]Event, func()) {
	var (
		mu     sync.Mutex
		events []Event
	)
	unsub := c.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	return &events, unsub
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestCheckNow(t *testing.T) {
	t.Run("update available", func(t *testing.T) {
		t.Setenv("ORBIT_VERSION", "1.0.0")

		source := &fakeSource{release: &ReleaseDescriptor{Version: "2.0.0", Changelog: "notes"}}
		checker := newTestChecker(t, source)
		events, unsub := collectEvents(checker)
		defer unsub()

		result := checker.CheckNow(t.Context(), false)
		require.NotNil(t, result)
		assert.True(t, result.UpdateAvailable)
		assert.Equal(t, "1.0.0", result.CurrentVersion)
		assert.Equal(t, "2.0.0", result.LatestVersion)
		assert.Equal(t, "notes", result.Changelog)
		assert.Empty(t, result.Error)
		assert.False(t, result.CheckedAt.IsZero())

		assert.Equal(t, []EventType{EventCheckingStarted, EventUpdateAvailable, EventCheckComplete}, eventTypes(*events))
	})

	t.Run("up to date", func(t *testing.T) {
		t.Setenv("ORBIT_VERSION", "2.0.0")

		source := &fakeSource{release: &ReleaseDescriptor{Version: "2.0.0"}}
		checker := newTestChecker(t, source)
		events, unsub := collectEvents(checker)
		defer unsub()

		result := checker.CheckNow(t.Context(), false)
		assert.False(t, result.UpdateAvailable)
		assert.Equal(t, []EventType{EventCheckingStarted, EventUpToDate, EventCheckComplete}, eventTypes(*events))
	})

	t.Run("current newer than latest", func(t *testing.T) {
		t.Setenv("ORBIT_VERSION", "3.0.0")

		source := &fakeSource{release: &ReleaseDescriptor{Version: "2.0.0"}}
		checker := newTestChecker(t, source)

		result := checker.CheckNow(t.Context(), false)
		assert.False(t, result.UpdateAvailable)
		assert.Empty(t, result.Error)
	})

	t.Run("source failure", func(t *testing.T) {
		t.Setenv("ORBIT_VERSION", "1.0.0")

		source := &fakeSource{err: errors.New("github unreachable")}
		checker := newTestChecker(t, source)
		events, unsub := collectEvents(checker)
		defer unsub()

		result := checker.CheckNow(t.Context(), false)
		assert.False(t, result.UpdateAvailable)
		assert.Equal(t, "github unreachable", result.Error)
		assert.Equal(t, []EventType{EventCheckingStarted, EventCheckError, EventCheckComplete}, eventTypes(*events))
	})

	t.Run("no release published", func(t *testing.T) {
		t.Setenv("ORBIT_VERSION", "1.0.0")

		source := &fakeSource{}
		checker := newTestChecker(t, source)

		result := checker.CheckNow(t.Context(), false)
		assert.Equal(t, ErrNoRelease.Error(), result.Error)
	})

	t.Run("panicking subscriber does not abort the check", func(t *testing.T) {
		t.Setenv("ORBIT_VERSION", "1.0.0")

		source := &fakeSource{release: &ReleaseDescriptor{Version: "2.0.0"}}
		checker := newTestChecker(t, source)
		unsub := checker.Subscribe(func(Event) { panic("boom") })
		defer unsub()

		result := checker.CheckNow(t.Context(), false)
		require.NotNil(t, result)
		assert.True(t, result.UpdateAvailable)
	})

	t.Run("concurrent check returns last result unchanged", func(t *testing.T) {
		t.Setenv("ORBIT_VERSION", "1.0.0")

		source := &fakeSource{release: &ReleaseDescriptor{Version: "2.0.0"}}
		checker := newTestChecker(t, source)

		first := checker.CheckNow(t.Context(), false)
		require.NotNil(t, first)

		block := make(chan struct{})
		started := make(chan struct{})
		source.mu.Lock()
		source.blockFetch = block
		source.fetchStarted = started
		source.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			checker.CheckNow(context.Background(), false)
		}()

		<-started

		// The busy checker hands back the previous result without queueing.
		second := checker.CheckNow(t.Context(), false)
		require.NotNil(t, second)
		assert.Equal(t, first.CheckedAt, second.CheckedAt)

		close(block)
		<-done
	})
}

func TestStatus(t *testing.T) {
	t.Setenv("ORBIT_VERSION", "1.0.0")

	source := &fakeSource{release: &ReleaseDescriptor{Version: "2.0.0"}}
	checker := newTestChecker(t, source)

	assert.Nil(t, checker.Status())

	result := checker.CheckNow(t.Context(), false)
	status := checker.Status()
	require.NotNil(t, status)
	assert.Equal(t, result.CheckedAt, status.CheckedAt)

	// Status hands out a copy, not the internal pointer.
	status.LatestVersion = "tampered"
	assert.Equal(t, "2.0.0", checker.Status().LatestVersion)
}

func TestStartPeriodic(t *testing.T) {
	t.Setenv("ORBIT_VERSION", "1.0.0")

	source := &fakeSource{release: &ReleaseDescriptor{Version: "1.0.0"}}
	checker := newTestChecker(t, source)

	t.Run("rejects sub-hour interval", func(t *testing.T) {
		require.Error(t, checker.StartPeriodic(t.Context(), 0))
	})

	t.Run("runs immediate check and rejects double start", func(t *testing.T) {
		require.NoError(t, checker.StartPeriodic(t.Context(), 1))
		defer checker.StopPeriodic()

		require.Eventually(t, func() bool {
			return checker.Status() != nil
		}, 2*time.Second, 10*time.Millisecond)

		require.Error(t, checker.StartPeriodic(t.Context(), 1))
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		checker.StopPeriodic()
		checker.StopPeriodic()
	})
}

func TestTimeUntilNextCheck(t *testing.T) {
	t.Setenv("ORBIT_VERSION", "1.0.0")

	source := &fakeSource{release: &ReleaseDescriptor{Version: "1.0.0"}}
	checker := newTestChecker(t, source)

	_, known := checker.TimeUntilNextCheck(12)
	assert.False(t, known)

	checker.CheckNow(t.Context(), false)

	remaining, known := checker.TimeUntilNextCheck(12)
	require.True(t, known)
	assert.Greater(t, remaining, 11*time.Hour)
	assert.LessOrEqual(t, remaining, 12*time.Hour)
}
