// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package distributed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// activeWorkers tracks workers currently running a search.
	//
	// Labels:
	//   - kind: "cpu" or "gpu"
	activeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "prover",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Workers currently searching a theorem",
		},
		[]string{"kind"},
	)

	// resultsTotal counts per-theorem results.
	//
	// Labels:
	//   - status: "PROVED", "FAILED", "ERROR" or "DISCARDED"
	resultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prover",
			Subsystem: "pool",
			Name:      "results_total",
			Help:      "Total theorem results by terminal status",
		},
		[]string{"status"},
	)

	// hardTimeoutsTotal counts attempts stopped by the hard cutoff.
	hardTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prover",
			Subsystem: "pool",
			Name:      "hard_timeouts_total",
			Help:      "Attempts that ignored cancellation and were cut off",
		},
	)

	// workerReplacementsTotal counts workers rebuilt after a stuck attempt.
	workerReplacementsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prover",
			Subsystem: "pool",
			Name:      "worker_replacements_total",
			Help:      "Workers replaced after a stuck attempt",
		},
	)

	// breakerRejectionsTotal counts generator calls rejected by a circuit breaker.
	//
	// Labels:
	//   - worker: worker id
	breakerRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prover",
			Subsystem: "pool",
			Name:      "breaker_rejections_total",
			Help:      "Generator calls rejected by an open circuit breaker",
		},
		[]string{"worker"},
	)
)

// BreakerRejectionHook returns a callback that counts breaker rejections for
// a worker. Pass it to expander.CircuitBreaker.OnReject.
func BreakerRejectionHook(workerID string) func() {
	c := breakerRejectionsTotal.WithLabelValues(workerID)
	return c.Inc
}
