// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/orbit-app/orbit/internal/metrics"
	"github.com/orbit-app/orbit/pkg/version"
)

// EventType names the checker lifecycle notifications.
type EventType string

const (
	EventCheckingStarted EventType = "checkingStarted"
	EventCheckComplete   EventType = "checkComplete"
	EventUpdateAvailable EventType = "updateAvailable"
	EventUpToDate        EventType = "upToDate"
	EventCheckError      EventType = "checkError"
)

// Event is delivered to checker subscribers.
type Event struct {
	Type   EventType    `json:"type"`
	Result *CheckResult `json:"result,omitempty"`
}

// CheckResult is the terminal state of one check cycle. It remains the
// current status until the next check supersedes it.
type CheckResult struct {
	UpdateAvailable bool      `json:"updateAvailable"`
	CurrentVersion  string    `json:"currentVersion"`
	LatestVersion   string    `json:"latestVersion,omitempty"`
	Changelog       string    `json:"changelog,omitempty"`
	CheckedAt       time.Time `json:"checkedAt"`
	Error           string    `json:"error,omitempty"`
}

// Checker polls the release source and compares against the running version.
// A check request arriving while one is already running returns the last
// known result unchanged; checks are never queued.
type Checker struct {
	source   ReleaseSource
	versions *VersionResolver
	log      zerolog.Logger
	now      func() time.Time

	checking atomic.Bool

	mu         sync.RWMutex
	lastResult *CheckResult
	lastCheck  time.Time
	subs       map[int]func(Event)
	nextSub    int

	periodicMu sync.Mutex
	stopCh     chan struct{}
}

func NewChecker(source ReleaseSource, versions *VersionResolver, log zerolog.Logger) *Checker {
	return &Checker{
		source:   source,
		versions: versions,
		log:      log.With().Str("component", "update-checker").Logger(),
		now:      time.Now,
		subs:     make(map[int]func(Event)),
	}
}

// Subscribe registers a notification callback and returns its unsubscribe
// function. A failing or panicking subscriber never aborts a check.
func (c *Checker) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Checker) emit(event Event) {
	c.mu.RLock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("check subscriber panicked")
				}
			}()
			fn(event)
		}()
	}
}

// CheckNow performs one update check. Every invocation that actually runs
// updates the last-check time and the cached status, whatever the outcome.
func (c *Checker) CheckNow(ctx context.Context, forceRefresh bool) *CheckResult {
	if !c.checking.CompareAndSwap(false, true) {
		c.log.Debug().Msg("check already running, returning last result")
		return c.Status()
	}
	defer c.checking.Store(false)

	c.emit(Event{Type: EventCheckingStarted})

	result := c.runCheck(ctx, forceRefresh)

	c.mu.Lock()
	c.lastResult = result
	c.lastCheck = result.CheckedAt
	c.mu.Unlock()

	switch {
	case result.Error != "":
		metrics.ChecksTotal.WithLabelValues("error").Inc()
		c.emit(Event{Type: EventCheckError, Result: result})
	case result.UpdateAvailable:
		metrics.ChecksTotal.WithLabelValues("available").Inc()
		c.emit(Event{Type: EventUpdateAvailable, Result: result})
	default:
		metrics.ChecksTotal.WithLabelValues("up_to_date").Inc()
		c.emit(Event{Type: EventUpToDate, Result: result})
	}
	c.emit(Event{Type: EventCheckComplete, Result: result})

	return result
}

func (c *Checker) runCheck(ctx context.Context, forceRefresh bool) *CheckResult {
	current := c.versions.Current()
	result := &CheckResult{
		CurrentVersion: current.Version,
		CheckedAt:      c.now().UTC(),
	}

	release, err := c.source.FetchLatest(ctx, forceRefresh)
	if err != nil {
		c.log.Error().Err(err).Msg("update check failed")
		result.Error = err.Error()
		return result
	}
	if release == nil {
		result.Error = ErrNoRelease.Error()
		return result
	}

	result.LatestVersion = release.Version
	result.Changelog = c.source.ParseChangelog(release.Changelog)

	newer, err := version.Newer(current.Version, release.Version)
	if err != nil {
		c.log.Error().Err(err).Str("current", current.Version).Str("latest", release.Version).Msg("version comparison failed")
		result.Error = err.Error()
		return result
	}

	result.UpdateAvailable = newer
	return result
}

// Status returns the result of the most recent completed check, or nil when
// no check has run yet.
func (c *Checker) Status() *CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lastResult == nil {
		return nil
	}
	copied := *c.lastResult
	return &copied
}

// StartPeriodic runs one immediate check and then re-checks every
// intervalHours. It fails if already started or the interval is below one
// hour.
func (c *Checker) StartPeriodic(ctx context.Context, intervalHours int) error {
	if intervalHours < 1 {
		return errors.Errorf("check interval must be at least 1 hour, got %d", intervalHours)
	}

	c.periodicMu.Lock()
	defer c.periodicMu.Unlock()

	if c.stopCh != nil {
		return errors.New("periodic checking already started")
	}

	stopCh := make(chan struct{})
	c.stopCh = stopCh

	go func() {
		c.CheckNow(ctx, false)

		ticker := time.NewTicker(time.Duration(intervalHours) * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				c.CheckNow(ctx, false)
			}
		}
	}()

	c.log.Info().Int("intervalHours", intervalHours).Msg("periodic update checks started")
	return nil
}

// StopPeriodic stops the periodic timer. Safe to call when not started.
func (c *Checker) StopPeriodic() {
	c.periodicMu.Lock()
	defer c.periodicMu.Unlock()

	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
		c.log.Info().Msg("periodic update checks stopped")
	}
}

// TimeUntilNextCheck returns the remaining time until the next scheduled
// check, floored at zero. The second return is false when no check has ever
// run.
func (c *Checker) TimeUntilNextCheck(intervalHours int) (time.Duration, bool) {
	c.mu.RLock()
	last := c.lastCheck
	c.mu.RUnlock()

	if last.IsZero() {
		return 0, false
	}

	remaining := time.Until(last.Add(time.Duration(intervalHours) * time.Hour))
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
