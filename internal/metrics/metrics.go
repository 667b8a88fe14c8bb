// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes Prometheus counters for the update pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orbit_update_checks_total",
		Help: "Update checks by outcome (available, up_to_date, error).",
	}, []string{"outcome"})

	InstallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orbit_update_installs_total",
		Help: "Install attempts by outcome (success, failed).",
	}, []string{"outcome"})

	RollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orbit_update_rollbacks_total",
		Help: "Completed rollbacks.",
	})

	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orbit_update_download_bytes_total",
		Help: "Total bytes downloaded for release artifacts.",
	})
)
