// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package env connects the prover to a proof-checking environment.
//
// An Environment opens one Session per theorem. The Adapter wraps a Session
// with a per-step timeout, no-progress detection, and close-once semantics,
// and is the only type the search scheduler talks to.
package env

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
)

var (
	// ErrSessionLost indicates the backing proof checker died or the
	// connection dropped. It is fatal for the theorem being searched.
	ErrSessionLost = errors.New("environment session lost")

	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("environment session closed")

	// ErrTheoremNotFound indicates the environment could not locate the
	// theorem. Callers report the theorem as DISCARDED.
	ErrTheoremNotFound = errors.New("theorem not found")

	// ErrUnknownBackend is returned for an unrecognised backend name.
	ErrUnknownBackend = errors.New("unknown environment backend")
)

// OutcomeKind classifies the result of one tactic application.
type OutcomeKind string

const (
	// OutcomeSuccess means the tactic was accepted. Children holds the
	// resulting subgoal states; an empty list closes the goal.
	OutcomeSuccess OutcomeKind = "success"

	// OutcomeNoProgress means the tactic was accepted but left the state
	// unchanged.
	OutcomeNoProgress OutcomeKind = "no_progress"

	// OutcomeLogicalFailure means the checker rejected the tactic.
	OutcomeLogicalFailure OutcomeKind = "logical_failure"

	// OutcomeStepError means the step could not be evaluated, for example
	// because of a step timeout or a checker fault.
	OutcomeStepError OutcomeKind = "step_error"
)

// String returns the string representation of the kind.
func (k OutcomeKind) String() string {
	return string(k)
}

// Outcome is the result of applying one tactic to one state.
type Outcome struct {
	Kind     OutcomeKind            `json:"kind"`
	Children []datatypes.ProofState `json:"children,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
}

// Success builds a successful outcome.
func Success(children ...datatypes.ProofState) Outcome {
	return Outcome{Kind: OutcomeSuccess, Children: children}
}

// Failure builds a logical failure with a checker message.
func Failure(reason string) Outcome {
	return Outcome{Kind: OutcomeLogicalFailure, Reason: reason}
}

// StepError builds a step-level error.
func StepError(reason string) Outcome {
	return Outcome{Kind: OutcomeStepError, Reason: reason}
}

// Session is one theorem's interactive proof-checking session.
//
// Thread Safety: Implementations must tolerate Close being called from a
// different goroutine than Run, since a hard timeout closes sessions that
// are still in use.
type Session interface {
	// InitialState returns the theorem's proof state when the session opened.
	InitialState() datatypes.ProofState

	// Run applies a tactic to a state. Step-level faults should be returned
	// as an OutcomeStepError; a returned error wrapping ErrSessionLost ends
	// the attempt.
	Run(ctx context.Context, state datatypes.ProofState, tactic string) (Outcome, error)

	// Close releases the session. It must be safe to call more than once.
	Close() error
}

// Environment opens sessions.
type Environment interface {
	// Open starts a session for the theorem. It returns an error wrapping
	// ErrTheoremNotFound when the theorem cannot be located.
	Open(ctx context.Context, thm datatypes.Theorem) (Session, error)
}

// Checker is implemented by environments that can verify a theorem exists
// without opening a full session.
type Checker interface {
	Check(ctx context.Context, thm datatypes.Theorem) error
}

// Precheck runs the environment's Checker if it has one.
func Precheck(ctx context.Context, environment Environment, thm datatypes.Theorem) error {
	c, ok := environment.(Checker)
	if !ok {
		return nil
	}
	if err := c.Check(ctx, thm); err != nil {
		return fmt.Errorf("precheck %s: %w", thm.ID(), err)
	}
	return nil
}
