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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
)

// Script describes the behaviour of one theorem in a ScriptedEnvironment.
type Script struct {
	// Initial is the state reported when the session opens.
	Initial datatypes.ProofState

	// Steps maps (state, tactic) to an outcome.
	Steps map[StepKey]Outcome

	// Default is returned for unscripted steps. Nil means a logical failure.
	Default *Outcome

	// Delay is slept before every step, honouring the step context.
	Delay time.Duration

	// Hang makes every step block, ignoring its context, until the session
	// is closed.
	Hang bool

	// OpenErr is returned from Open.
	OpenErr error
}

// StepKey identifies a scripted step.
type StepKey struct {
	State  string
	Tactic string
}

// NewScript creates a script with the given initial goals.
func NewScript(goals ...string) *Script {
	return &Script{
		Initial: datatypes.NewProofState(goals...),
		Steps:   make(map[StepKey]Outcome),
	}
}

// On scripts the outcome of a tactic applied to a state and returns the
// script for chaining.
func (s *Script) On(state datatypes.ProofState, tactic string, out Outcome) *Script {
	s.Steps[StepKey{State: state.Key(), Tactic: tactic}] = out
	return s
}

// ScriptedEnvironment is an in-memory Environment driven by Scripts keyed
// by theorem full name.
//
// Thread Safety: Safe for concurrent use once the scripts are registered.
type ScriptedEnvironment struct {
	mu      sync.RWMutex
	scripts map[string]*Script

	opened atomic.Int64
	closed atomic.Int64
}

// NewScriptedEnvironment creates an empty scripted environment.
func NewScriptedEnvironment() *ScriptedEnvironment {
	return &ScriptedEnvironment{scripts: make(map[string]*Script)}
}

// Add registers a script for a theorem full name.
func (e *ScriptedEnvironment) Add(fullName string, s *Script) *ScriptedEnvironment {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[fullName] = s
	return e
}

func (e *ScriptedEnvironment) script(thm datatypes.Theorem) (*Script, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.scripts[thm.FullName]
	return s, ok
}

// Check implements Checker.
func (e *ScriptedEnvironment) Check(_ context.Context, thm datatypes.Theorem) error {
	if _, ok := e.script(thm); !ok {
		return fmt.Errorf("%w: %s", ErrTheoremNotFound, thm.FullName)
	}
	return nil
}

// Open implements Environment.
func (e *ScriptedEnvironment) Open(ctx context.Context, thm datatypes.Theorem) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, ok := e.script(thm)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTheoremNotFound, thm.FullName)
	}
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	e.opened.Add(1)
	return &scriptedSession{env: e, script: s, done: make(chan struct{})}, nil
}

// Opened returns the number of sessions opened.
func (e *ScriptedEnvironment) Opened() int64 { return e.opened.Load() }

// Closed returns the number of sessions closed.
func (e *ScriptedEnvironment) Closed() int64 { return e.closed.Load() }

type scriptedSession struct {
	env    *ScriptedEnvironment
	script *Script

	once sync.Once
	done chan struct{}
}

func (s *scriptedSession) InitialState() datatypes.ProofState {
	return s.script.Initial
}

func (s *scriptedSession) Run(ctx context.Context, state datatypes.ProofState, tactic string) (Outcome, error) {
	if s.script.Hang {
		<-s.done
		return Outcome{}, ErrSessionClosed
	}
	if s.script.Delay > 0 {
		select {
		case <-time.After(s.script.Delay):
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-s.done:
			return Outcome{}, ErrSessionClosed
		}
	}
	select {
	case <-s.done:
		return Outcome{}, ErrSessionClosed
	default:
	}

	if out, ok := s.script.Steps[StepKey{State: state.Key(), Tactic: tactic}]; ok {
		return out, nil
	}
	if s.script.Default != nil {
		return *s.script.Default, nil
	}
	return Failure(fmt.Sprintf("unknown tactic %q", tactic)), nil
}

func (s *scriptedSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.env.closed.Add(1)
	})
	return nil
}
