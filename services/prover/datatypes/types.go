// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model of the prover service:
// theorems, proof states, and per-theorem search results.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidTheorem is returned when a theorem fails its precondition check.
var ErrInvalidTheorem = errors.New("invalid theorem")

// Repo identifies the source repository a theorem belongs to.
type Repo struct {
	URL    string `json:"url" validate:"required"`
	Commit string `json:"commit" validate:"required"`
}

// String returns "url@commit".
func (r Repo) String() string {
	return r.URL + "@" + r.Commit
}

// Pos is a 1-based line/column source position.
type Pos struct {
	Line   int `json:"line" validate:"gte=0"`
	Column int `json:"column" validate:"gte=0"`
}

// Theorem is one proof target. It is immutable once a search starts.
type Theorem struct {
	Repo     Repo   `json:"repo" validate:"required"`
	FilePath string `json:"file_path" validate:"required"`
	FullName string `json:"full_name" validate:"required"`
	Start    Pos    `json:"start"`
	End      Pos    `json:"end"`

	// Statement is the theorem signature, used by backends that open a
	// session from source text.
	Statement string `json:"statement,omitempty"`

	// InitialState is set when the benchmark already knows the goals.
	// Otherwise the environment reports it when the session opens.
	InitialState *ProofState `json:"initial_state,omitempty"`
}

// ID returns the identifier "file_path:full_name".
func (t Theorem) ID() string {
	return t.FilePath + ":" + t.FullName
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func theoremValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateTheorem checks the structural preconditions of a theorem.
//
// Outputs:
//
//	error - Wraps ErrInvalidTheorem with the failing fields, nil if valid.
func ValidateTheorem(t Theorem) error {
	if err := theoremValidator().Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+"("+fe.Tag()+")")
			}
			return fmt.Errorf("%w: %s", ErrInvalidTheorem, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidTheorem, err)
	}
	if t.End.Line > 0 && t.End.Line < t.Start.Line {
		return fmt.Errorf("%w: end line %d before start line %d", ErrInvalidTheorem, t.End.Line, t.Start.Line)
	}
	return nil
}

// ProofState is a snapshot of the open goals of a partial proof.
//
// Two states are structurally equal when their goal lists match. Handle is an
// opaque backend reference (for example a REPL proof-state number) and does
// not participate in equality.
type ProofState struct {
	Goals  []string `json:"goals"`
	Handle string   `json:"handle,omitempty"`
}

// NewProofState builds a state from goal strings.
func NewProofState(goals ...string) ProofState {
	g := make([]string, len(goals))
	copy(g, goals)
	return ProofState{Goals: g}
}

// Key returns a content hash of the goal list. Structurally equal states
// share a key.
func (s ProofState) Key() string {
	h := sha256.New()
	for _, g := range s.Goals {
		h.Write([]byte(g))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports structural equality.
func (s ProofState) Equal(o ProofState) bool {
	if len(s.Goals) != len(o.Goals) {
		return false
	}
	for i := range s.Goals {
		if s.Goals[i] != o.Goals[i] {
			return false
		}
	}
	return true
}

// IsClosed reports whether no goals remain.
func (s ProofState) IsClosed() bool {
	return len(s.Goals) == 0
}

// String renders the goals separated by blank lines, the way a proof
// assistant prints them.
func (s ProofState) String() string {
	if s.IsClosed() {
		return "no goals"
	}
	return strings.Join(s.Goals, "\n\n")
}

// ResultStatus is the terminal status of one theorem.
type ResultStatus string

const (
	StatusProved    ResultStatus = "PROVED"
	StatusFailed    ResultStatus = "FAILED"
	StatusError     ResultStatus = "ERROR"
	StatusDiscarded ResultStatus = "DISCARDED"
)

// FailureReason refines FAILED, ERROR and DISCARDED results.
type FailureReason string

const (
	ReasonNone        FailureReason = ""
	ReasonExhausted   FailureReason = "exhausted"
	ReasonUnprovable  FailureReason = "unprovable"
	ReasonTimeout     FailureReason = "timeout"
	ReasonBudget      FailureReason = "budget"
	ReasonModel       FailureReason = "model_error"
	ReasonEnvironment FailureReason = "environment_error"
	ReasonCrash       FailureReason = "crash"
	ReasonCancelled   FailureReason = "cancelled"
	ReasonInvalid     FailureReason = "invalid_theorem"
	ReasonNotFound    FailureReason = "theorem_not_found"
	ReasonDuplicate   FailureReason = "duplicate"
)

// SearchResult is the outcome of one theorem's attempt.
type SearchResult struct {
	Theorem Theorem       `json:"theorem"`
	Status  ResultStatus  `json:"status"`
	Reason  FailureReason `json:"reason,omitempty"`
	Proof   []string      `json:"proof,omitempty"`
	Error   string        `json:"error,omitempty"`

	TotalTime time.Duration `json:"total_time"`
	ModelTime time.Duration `json:"model_time"`
	EnvTime   time.Duration `json:"env_time"`

	NumTotalNodes    int `json:"num_total_nodes"`
	NumExpandedNodes int `json:"num_expanded_nodes"`
	NumEdges         int `json:"num_edges"`
	NumStepErrors    int `json:"num_step_errors"`

	// Worker is the worker that ran the attempt, empty when discarded.
	Worker string `json:"worker,omitempty"`
}

// IsTimeout reports whether the attempt ran out of wall-clock time.
func (r SearchResult) IsTimeout() bool {
	return r.Status == StatusFailed && r.Reason == ReasonTimeout
}

// Attempted reports whether a worker actually searched the theorem.
func (r SearchResult) Attempted() bool {
	return r.Status != StatusDiscarded
}
