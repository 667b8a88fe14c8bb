// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"sync"

	"github.com/rs/zerolog"
)

// Stage names one step of the install state machine.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageVerifying   Stage = "verifying"
	StageBackingUp   Stage = "backing_up"
	StageApplying    Stage = "applying"
	StageComplete    Stage = "complete"
	StageFailed      Stage = "failed"
)

// Progress is delivered to registered observers at least once per install
// stage. Percent is always within 0-100.
type Progress struct {
	Stage   Stage  `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// progressNotifier fans Progress values out to registered callbacks. A
// panicking observer is logged and dropped for that event; it never aborts
// the install.
type progressNotifier struct {
	mu   sync.RWMutex
	subs map[int]func(Progress)
	next int
	log  zerolog.Logger
}

func newProgressNotifier(log zerolog.Logger) *progressNotifier {
	return &progressNotifier{
		subs: make(map[int]func(Progress)),
		log:  log,
	}
}

// subscribe registers fn and returns its unsubscribe function.
func (n *progressNotifier) subscribe(fn func(Progress)) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *progressNotifier) publish(p Progress) {
	if p.Percent < 0 {
		p.Percent = 0
	}
	if p.Percent > 100 {
		p.Percent = 100
	}

	n.mu.RLock()
	fns := make([]func(Progress), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		n.deliver(fn, p)
	}
}

func (n *progressNotifier) deliver(fn func(Progress), p Progress) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error().Interface("panic", r).Str("stage", string(p.Stage)).Msg("progress observer panicked")
		}
	}()
	fn(p)
}
