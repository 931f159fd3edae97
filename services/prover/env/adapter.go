// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
)

// AdapterStats counts tactic applications by outcome.
type AdapterStats struct {
	Applied       int           `json:"applied"`
	Successes     int           `json:"successes"`
	NoProgress    int           `json:"no_progress"`
	Failures      int           `json:"failures"`
	StepErrors    int           `json:"step_errors"`
	StepTimeouts  int           `json:"step_timeouts"`
	TotalTime     time.Duration `json:"total_time"`
	LongestStep   time.Duration `json:"longest_step"`
	LongestTactic string        `json:"longest_tactic,omitempty"`
}

// Adapter applies tactics through one theorem's session.
//
// Description:
//
//	Each Apply runs the session call on its own goroutine under a step
//	deadline. A step that overruns the deadline becomes OutcomeStepError
//	while the theorem keeps going. Cancellation of the caller's context is
//	returned as an error so the scheduler can stop.
//
// Thread Safety: Apply is intended for a single scheduler goroutine. Close
// is safe to call concurrently and more than once.
type Adapter struct {
	session     Session
	stepTimeout time.Duration
	logger      *slog.Logger

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}

	stats AdapterStats
}

type runResult struct {
	outcome Outcome
	err     error
}

// NewAdapter wraps a session.
//
// Inputs:
//
//	session - The open session. Must not be nil.
//	stepTimeout - Deadline for one tactic. Zero disables the step deadline.
//	logger - Logger for step diagnostics. Nil uses slog.Default().
func NewAdapter(session Session, stepTimeout time.Duration, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		session:     session,
		stepTimeout: stepTimeout,
		logger:      logger,
		closed:      make(chan struct{}),
	}
}

// InitialState returns the session's initial proof state.
func (a *Adapter) InitialState() datatypes.ProofState {
	return a.session.InitialState()
}

// Apply runs one tactic against a state.
//
// Outputs:
//
//	Outcome - Success, NoProgress, LogicalFailure or StepError.
//	error - Non-nil only when the attempt cannot continue: the caller's
//	  context ended, the session is closed, or the session was lost.
func (a *Adapter) Apply(ctx context.Context, state datatypes.ProofState, tactic string) (Outcome, error) {
	select {
	case <-a.closed:
		return Outcome{}, ErrSessionClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if a.stepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, a.stepTimeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan runResult, 1)
	go func() {
		out, err := a.session.Run(stepCtx, state, tactic)
		done <- runResult{outcome: out, err: err}
	}()

	var res runResult
	select {
	case res = <-done:
	case <-stepCtx.Done():
		if err := ctx.Err(); err != nil {
			a.record(tactic, time.Since(start))
			return Outcome{}, err
		}
		res = runResult{outcome: StepError(fmt.Sprintf("step timed out after %s", a.stepTimeout))}
		a.stats.StepTimeouts++
	case <-a.closed:
		return Outcome{}, ErrSessionClosed
	}
	a.record(tactic, time.Since(start))

	if res.err != nil {
		switch {
		case errors.Is(res.err, ErrSessionLost), errors.Is(res.err, ErrSessionClosed):
			return Outcome{}, res.err
		case ctx.Err() != nil:
			return Outcome{}, ctx.Err()
		case errors.Is(res.err, context.DeadlineExceeded):
			a.stats.StepTimeouts++
			res = runResult{outcome: StepError(fmt.Sprintf("step timed out after %s", a.stepTimeout))}
		default:
			res = runResult{outcome: StepError(res.err.Error())}
		}
	}

	out := a.normalize(state, res.outcome)
	switch out.Kind {
	case OutcomeSuccess:
		a.stats.Successes++
	case OutcomeNoProgress:
		a.stats.NoProgress++
	case OutcomeLogicalFailure:
		a.stats.Failures++
	default:
		a.stats.StepErrors++
		a.logger.Debug("tactic step error",
			slog.String("tactic", tactic),
			slog.String("reason", out.Reason))
	}
	return out, nil
}

func (a *Adapter) normalize(state datatypes.ProofState, out Outcome) Outcome {
	switch out.Kind {
	case OutcomeSuccess:
		// A child with no goals is already solved.
		remaining := make([]datatypes.ProofState, 0, len(out.Children))
		for _, c := range out.Children {
			if !c.IsClosed() {
				remaining = append(remaining, c)
			}
		}
		out.Children = remaining
		if len(out.Children) == 1 && out.Children[0].Equal(state) {
			return Outcome{Kind: OutcomeNoProgress, Reason: "tactic did not change the goals"}
		}
		return out
	case OutcomeNoProgress, OutcomeLogicalFailure, OutcomeStepError:
		return out
	default:
		return StepError(fmt.Sprintf("unknown outcome kind %q", out.Kind))
	}
}

func (a *Adapter) record(tactic string, d time.Duration) {
	a.stats.Applied++
	a.stats.TotalTime += d
	if d > a.stats.LongestStep {
		a.stats.LongestStep = d
		a.stats.LongestTactic = tactic
	}
}

// Stats returns a copy of the step counters.
func (a *Adapter) Stats() AdapterStats {
	return a.stats
}

// Close closes the underlying session once. Later calls return the first
// result.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.closeErr = a.session.Close()
		if a.closeErr != nil {
			a.logger.Warn("closing environment session", slog.String("error", a.closeErr.Error()))
		}
	})
	return a.closeErr
}
