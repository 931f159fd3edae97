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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExpansionLimitExceeded is returned when the expansion count limit is hit.
	ErrExpansionLimitExceeded = errors.New("expansion limit exceeded")

	// ErrDepthLimitExceeded is returned when a node is too deep to expand.
	ErrDepthLimitExceeded = errors.New("depth limit exceeded")
)

// Budget tracks the safety valves of one search. Hitting a limit ends the
// search as exhausted.
//
// Thread Safety: Not safe for concurrent use.
type Budget struct {
	maxExpansions int
	maxDepth      int
	start         time.Time

	expansions  int
	exhaustedBy error
}

// NewBudget creates a budget. Zero limits are unlimited.
func NewBudget(maxExpansions, maxDepth int) *Budget {
	return &Budget{
		maxExpansions: maxExpansions,
		maxDepth:      maxDepth,
		start:         time.Now(),
	}
}

// CheckExpansion reports whether another expansion is allowed.
func (b *Budget) CheckExpansion() error {
	if b.maxExpansions > 0 && b.expansions >= b.maxExpansions {
		b.exhaustedBy = ErrExpansionLimitExceeded
		return ErrExpansionLimitExceeded
	}
	return nil
}

// RecordExpansion counts one expansion.
func (b *Budget) RecordExpansion() {
	b.expansions++
}

// CheckDepth reports whether a node at depth may be expanded.
func (b *Budget) CheckDepth(depth int) error {
	if b.maxDepth > 0 && depth >= b.maxDepth {
		return fmt.Errorf("%w: depth %d, max %d", ErrDepthLimitExceeded, depth, b.maxDepth)
	}
	return nil
}

// Expansions returns the number of recorded expansions.
func (b *Budget) Expansions() int { return b.expansions }

// Elapsed returns time since the budget was created.
func (b *Budget) Elapsed() time.Duration { return time.Since(b.start) }

// ExhaustedBy returns the limit that ended the search, if any.
func (b *Budget) ExhaustedBy() error { return b.exhaustedBy }

// String summarises usage.
func (b *Budget) String() string {
	limit := "unlimited"
	if b.maxExpansions > 0 {
		limit = fmt.Sprintf("%d", b.maxExpansions)
	}
	return fmt.Sprintf("expansions %d/%s, elapsed %s", b.expansions, limit, b.Elapsed().Round(time.Millisecond))
}
