// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package expander

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of trial calls through.
	BreakerHalfOpen
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the
	// breaker (default: 3).
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// SuccessThreshold is the number of trial successes that close it
	// again (default: 2).
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`

	// OpenDuration is the cool-down before probing (default: 30s).
	OpenDuration time.Duration `yaml:"open_duration" json:"open_duration"`

	// HalfOpenMax is the number of concurrent trial calls (default: 1).
	HalfOpenMax int `yaml:"half_open_max" json:"half_open_max"`
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerStats is a snapshot of breaker counters.
type BreakerStats struct {
	State           string    `json:"state"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreaker stops calling the generation service after repeated
// failures so a dead model server fails theorems fast instead of burning
// their whole time budget.
//
// Context cancellation is not counted as a failure.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	// onReject is called outside the lock for every rejected call.
	onReject func()

	mu              sync.Mutex
	state           BreakerState
	failures        int
	successes       int
	halfOpenActive  int
	lastStateChange time.Time

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a closed breaker. Zero fields in cfg take their
// defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	cb := &CircuitBreaker{cfg: cfg, now: time.Now}
	cb.lastStateChange = cb.now()
	return cb
}

// OnReject registers a hook called whenever a call is rejected.
func (cb *CircuitBreaker) OnReject(fn func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReject = fn
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allow() (bool, func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.totalCalls++

	if cb.state == BreakerOpen && cb.now().Sub(cb.lastStateChange) >= cb.cfg.OpenDuration {
		cb.setState(BreakerHalfOpen)
	}

	switch cb.state {
	case BreakerClosed:
		return true, nil
	case BreakerHalfOpen:
		if cb.halfOpenActive >= cb.cfg.HalfOpenMax {
			cb.totalRejections++
			return false, nil
		}
		cb.halfOpenActive++
		return true, func() {
			cb.mu.Lock()
			cb.halfOpenActive--
			cb.mu.Unlock()
		}
	default:
		cb.totalRejections++
		return false, nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state == BreakerHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.setState(BreakerClosed)
			}
		}
		return
	}

	cb.totalFailures++
	cb.failures++
	cb.successes = 0
	switch cb.state {
	case BreakerClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.setState(BreakerOpen)
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s BreakerState) {
	cb.state = s
	cb.lastStateChange = cb.now()
	cb.failures = 0
	cb.successes = 0
}

// Execute runs fn if the breaker allows it.
//
// Outputs:
//
//	error - ErrCircuitOpen if rejected, otherwise the error from fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	ok, release := cb.allow()
	if !ok {
		cb.mu.Lock()
		hook := cb.onReject
		cb.mu.Unlock()
		if hook != nil {
			hook()
		}
		return ErrCircuitOpen
	}
	if release != nil {
		defer release()
	}

	err := fn()
	if err != nil && ctx.Err() != nil {
		return err
	}
	cb.record(err)
	return err
}

// Stats returns a snapshot of the counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:           cb.state.String(),
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		LastStateChange: cb.lastStateChange,
	}
}
