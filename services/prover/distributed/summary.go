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
	"fmt"
	"math"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
)

// Summary aggregates a batch of results.
type Summary struct {
	Total     int `json:"total"`
	Proved    int `json:"proved"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
	Discarded int `json:"discarded"`
	Timeouts  int `json:"timeouts"`

	// CountErrorsAsFailures includes ERROR results in the pass@1
	// denominator.
	CountErrorsAsFailures bool `json:"count_errors_as_failures"`
}

// Summarize counts results by status.
func Summarize(results []datatypes.SearchResult, countErrorsAsFailures bool) Summary {
	s := Summary{Total: len(results), CountErrorsAsFailures: countErrorsAsFailures}
	for _, r := range results {
		switch r.Status {
		case datatypes.StatusProved:
			s.Proved++
		case datatypes.StatusFailed:
			s.Failed++
			if r.IsTimeout() {
				s.Timeouts++
			}
		case datatypes.StatusError:
			s.Errors++
		case datatypes.StatusDiscarded:
			s.Discarded++
		}
	}
	return s
}

// Unproved returns the number of attempted theorems that were not proved,
// following the error-counting policy.
func (s Summary) Unproved() int {
	if s.CountErrorsAsFailures {
		return s.Failed + s.Errors
	}
	return s.Failed
}

// PassRate returns proved / (proved + unproved). It is NaN when nothing
// was attempted.
func (s Summary) PassRate() float64 {
	denom := s.Proved + s.Unproved()
	if denom == 0 {
		return math.NaN()
	}
	return float64(s.Proved) / float64(denom)
}

// String renders the summary as the final evaluation line.
func (s Summary) String() string {
	return fmt.Sprintf("Evaluation done! %d theorems proved, %d theorems failed, %d non-theorems discarded",
		s.Proved, s.Unproved(), s.Discarded)
}

// PassRateString formats pass@1, printing NaN when undefined.
func (s Summary) PassRateString() string {
	rate := s.PassRate()
	if math.IsNaN(rate) {
		return "NaN"
	}
	return fmt.Sprintf("%.4f", rate)
}
