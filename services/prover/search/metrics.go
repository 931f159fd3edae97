// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// Search Metrics
// -----------------------------------------------------------------------------

var (
	// theoremsTotal counts finished searches.
	//
	// Labels:
	//   - state: "proved", "exhausted", "timeout", "error" or "failed"
	theoremsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prover",
			Subsystem: "search",
			Name:      "theorems_total",
			Help:      "Total theorem searches by final scheduler state",
		},
		[]string{"state"},
	)

	// tacticOutcomesTotal counts tactic applications.
	//
	// Labels:
	//   - outcome: "success", "no_progress", "logical_failure" or "step_error"
	tacticOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prover",
			Subsystem: "search",
			Name:      "tactic_outcomes_total",
			Help:      "Total tactic applications by environment outcome",
		},
		[]string{"outcome"},
	)

	// expansionsTotal counts expanded nodes.
	expansionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prover",
			Subsystem: "search",
			Name:      "expansions_total",
			Help:      "Total search nodes expanded",
		},
	)

	// searchDuration tracks wall-clock time per theorem.
	//
	// Labels:
	//   - state: final scheduler state
	searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "prover",
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Theorem search duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"state"},
	)

	// expandDuration tracks model time per expansion.
	expandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "prover",
			Subsystem: "search",
			Name:      "expand_duration_seconds",
			Help:      "Tactic expansion (retrieval plus generation) duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

func recordSearch(state State, seconds float64) {
	theoremsTotal.WithLabelValues(state.metricLabel()).Inc()
	searchDuration.WithLabelValues(state.metricLabel()).Observe(seconds)
}
