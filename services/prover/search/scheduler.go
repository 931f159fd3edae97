// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search drives best-first proof search for one theorem.
//
// The Scheduler pops the highest-priority open node, expands it with the
// tactic expander, validates every candidate through the environment
// adapter, and records the results in the AND-OR search tree until the root
// is proved, the queue empties, a limit is hit, or time runs out.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
	"github.com/AleutianAI/AleutianProver/services/prover/env"
	"github.com/AleutianAI/AleutianProver/services/prover/expander"
	"github.com/AleutianAI/AleutianProver/services/prover/searchtree"
)

// State is the scheduler state of one theorem attempt.
type State string

const (
	StateRunning   State = "RUNNING"
	StateProved    State = "PROVED"
	StateExhausted State = "EXHAUSTED"
	StateTimeout   State = "TIMEOUT"
	StateError     State = "ERROR"

	// StateFailed means the root itself became FAILED before the queue
	// emptied.
	StateFailed State = "FAILED"

	// StateDiscarded means the environment could not locate the theorem.
	StateDiscarded State = "DISCARDED"
)

func (s State) metricLabel() string {
	switch s {
	case StateProved:
		return "proved"
	case StateExhausted:
		return "exhausted"
	case StateTimeout:
		return "timeout"
	case StateFailed:
		return "failed"
	case StateDiscarded:
		return "discarded"
	default:
		return "error"
	}
}

// Expander produces ranked tactic candidates.
type Expander interface {
	Expand(ctx context.Context, state datatypes.ProofState, k int) ([]expander.Candidate, expander.ExpansionStats, error)
}

// Config configures a Scheduler.
type Config struct {
	// Timeout is the wall-clock budget of one theorem.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// NumSampledTactics is the number of candidates requested per expansion.
	NumSampledTactics int `yaml:"num_sampled_tactics" json:"num_sampled_tactics"`

	// MaxExpansions caps expanded nodes. Zero is unlimited.
	MaxExpansions int `yaml:"max_expansions" json:"max_expansions"`

	// MaxDepth caps the number of tactics on a path. Zero is unlimited.
	MaxDepth int `yaml:"max_depth" json:"max_depth"`

	// TieBreak orders equal-priority nodes.
	TieBreak TieBreak `yaml:"tie_break" json:"tie_break"`

	// StepTimeout bounds one environment call.
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout"`

	// TracingEnabled turns on OpenTelemetry spans.
	TracingEnabled bool `yaml:"tracing_enabled" json:"tracing_enabled"`
}

// DefaultConfig returns a 10 minute budget with 64 candidates per node.
func DefaultConfig() Config {
	return Config{
		Timeout:           600 * time.Second,
		NumSampledTactics: 64,
		MaxExpansions:     0,
		MaxDepth:          64,
		TieBreak:          TieBreakFIFO,
		StepTimeout:       time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.NumSampledTactics < 1 {
		return fmt.Errorf("num_sampled_tactics must be >= 1, got %d", c.NumSampledTactics)
	}
	if c.MaxExpansions < 0 || c.MaxDepth < 0 {
		return errors.New("max_expansions and max_depth must be >= 0")
	}
	if c.StepTimeout < 0 {
		return fmt.Errorf("step_timeout must be >= 0, got %s", c.StepTimeout)
	}
	if _, err := ParseTieBreak(string(c.TieBreak)); err != nil {
		return err
	}
	return nil
}

// Attempt is the outcome of one theorem search.
type Attempt struct {
	State  State
	Result datatypes.SearchResult

	// Tree is the explored tree, partial unless the root was proved. It is
	// nil when the session could not be opened.
	Tree *searchtree.SearchTree

	// Proof holds the reconstructed proof steps when State is PROVED.
	Proof []searchtree.ProofStep

	// Err is the fatal error behind an ERROR state.
	Err error

	// EnvStats are the adapter counters.
	EnvStats env.AdapterStats
}

// Scheduler runs best-first search. One scheduler serves one worker and
// searches one theorem at a time.
//
// Thread Safety: Search may be called concurrently only if the Expander is
// safe for concurrent use. Each call owns its own tree, queue and session.
type Scheduler struct {
	exp    Expander
	cfg    Config
	logger *slog.Logger
	tracer *Tracer
	now    func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(exp Expander, cfg Config) *Scheduler {
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakFIFO
	}
	return &Scheduler{
		exp:    exp,
		cfg:    cfg,
		logger: slog.Default(),
		tracer: NewTracer(cfg.TracingEnabled),
		now:    time.Now,
	}
}

// WithLogger sets the logger and returns the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// run holds the mutable state of one Search call.
type run struct {
	s        *Scheduler
	thm      datatypes.Theorem
	ctx      context.Context
	parent   context.Context
	tree     *searchtree.SearchTree
	queue    *NodeQueue
	budget   *Budget
	adapter  *env.Adapter
	logger   *slog.Logger
	start    time.Time
	modelDur time.Duration
	envDur   time.Duration
}

// Search runs best-first search for one theorem.
//
// Description:
//
//	Opens a session, seeds the queue with the root, and expands nodes in
//	priority order. The session is closed on every exit path. The search
//	stops at the first of: root PROVED, root FAILED, queue empty, a budget
//	limit, the timeout, or a fatal model or session error.
//
// Inputs:
//
//	ctx - Parent context. Its cancellation ends the search.
//	thm - The theorem.
//	environment - Opens the theorem's proof-checking session.
//
// Outputs:
//
//	*Attempt - Never nil. Status is PROVED, FAILED, ERROR or DISCARDED.
func (s *Scheduler) Search(ctx context.Context, thm datatypes.Theorem, environment env.Environment) *Attempt {
	start := s.now()
	searchCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	searchCtx, span := s.tracer.StartSearch(searchCtx, thm, s.cfg)
	r := &run{
		s:      s,
		thm:    thm,
		ctx:    searchCtx,
		parent: ctx,
		budget: NewBudget(s.cfg.MaxExpansions, s.cfg.MaxDepth),
		logger: s.logger.With(slog.String("theorem", thm.ID())),
		start:  start,
	}

	a := r.execute(environment)
	a.Result.Theorem = thm
	a.Result.TotalTime = s.now().Sub(start)
	a.Result.ModelTime = r.modelDur
	a.Result.EnvTime = r.envDur
	if a.Tree != nil {
		st := a.Tree.Stats()
		a.Result.NumTotalNodes = st.NumNodes
		a.Result.NumExpandedNodes = st.NumExpanded
		a.Result.NumEdges = st.NumEdges
		a.Result.NumStepErrors = st.NumStepErrors
	}

	s.tracer.EndSearch(span, a)
	recordSearch(a.State, a.Result.TotalTime.Seconds())
	logAttempt(r.logger, a)
	return a
}

func (r *run) execute(environment env.Environment) *Attempt {
	sess, err := environment.Open(r.ctx, r.thm)
	if err != nil {
		if errors.Is(err, env.ErrTheoremNotFound) {
			return &Attempt{
				State:  StateDiscarded,
				Result: datatypes.SearchResult{Status: datatypes.StatusDiscarded, Reason: datatypes.ReasonNotFound, Error: err.Error()},
			}
		}
		if a := r.interrupted(); a != nil {
			return a
		}
		return r.fail(datatypes.ReasonEnvironment, fmt.Errorf("opening session: %w", err))
	}

	r.adapter = env.NewAdapter(sess, r.s.cfg.StepTimeout, r.logger)
	defer func() {
		_ = r.adapter.Close()
	}()

	initial := r.adapter.InitialState()
	if r.thm.InitialState != nil {
		initial = *r.thm.InitialState
		if initial.Handle == "" {
			initial.Handle = r.adapter.InitialState().Handle
		}
	}
	r.tree = searchtree.New(r.thm.ID(), initial)
	r.queue = NewNodeQueue(r.s.cfg.TieBreak)
	r.queue.Push(r.tree.Root(), r.tree.Root().Priority())

	a := r.loop()
	a.Tree = r.tree
	a.EnvStats = r.adapter.Stats()
	return a
}

func (r *run) loop() *Attempt {
	for r.tree.Status() == searchtree.StatusOpen {
		if a := r.interrupted(); a != nil {
			return a
		}

		node, ok := r.queue.Pop()
		if !ok {
			return r.finish(StateExhausted, datatypes.ReasonExhausted)
		}
		if node.Status() != searchtree.StatusOpen || node.IsExpanded() {
			continue
		}
		if err := r.budget.CheckDepth(node.Depth()); err != nil {
			r.tree.MarkUnprovable(node, err.Error())
			continue
		}
		if err := r.budget.CheckExpansion(); err != nil {
			return r.finish(StateExhausted, datatypes.ReasonBudget)
		}

		if a := r.expand(node); a != nil {
			return a
		}
	}

	if r.tree.Status() == searchtree.StatusProved {
		steps, _ := r.tree.Proof()
		return &Attempt{
			State: StateProved,
			Proof: steps,
			Result: datatypes.SearchResult{
				Status: datatypes.StatusProved,
				Proof:  searchtree.ProofTactics(steps),
			},
		}
	}
	return r.finish(StateFailed, datatypes.ReasonUnprovable)
}

// expand tries every candidate tactic at node. It returns a non-nil
// Attempt when the search must stop.
func (r *run) expand(node *searchtree.InternalNode) *Attempt {
	ctx, span := r.s.tracer.StartExpand(r.ctx, node.ID(), node.Depth())

	modelStart := r.s.now()
	candidates, _, err := r.s.exp.Expand(ctx, node.State(), r.s.cfg.NumSampledTactics)
	modelTime := r.s.now().Sub(modelStart)
	r.modelDur += modelTime
	expandDuration.Observe(modelTime.Seconds())
	if err != nil {
		EndExpand(span, 0, 0, err)
		if a := r.interrupted(); a != nil {
			return a
		}
		return r.fail(datatypes.ReasonModel, fmt.Errorf("expanding node %d: %w", node.ID(), err))
	}

	edges := 0
	for _, c := range candidates {
		if node.Status() != searchtree.StatusOpen {
			break
		}
		envStart := r.s.now()
		out, err := r.adapter.Apply(ctx, node.State(), c.Tactic)
		r.envDur += r.s.now().Sub(envStart)
		if err != nil {
			EndExpand(span, len(candidates), edges, err)
			if a := r.interrupted(); a != nil {
				return a
			}
			return r.fail(datatypes.ReasonEnvironment, fmt.Errorf("applying %q: %w", c.Tactic, err))
		}
		tacticOutcomesTotal.WithLabelValues(string(out.Kind)).Inc()
		edges++

		switch out.Kind {
		case env.OutcomeSuccess:
			_, created := r.tree.AddEdge(node, c.Tactic, c.Score, out.Children)
			for _, child := range created {
				r.queue.Push(child, child.Priority())
			}
		case env.OutcomeStepError:
			r.tree.AddFailedEdge(node, c.Tactic, c.Score, out.Reason, true)
		default:
			r.tree.AddFailedEdge(node, c.Tactic, c.Score, out.Reason, false)
		}
	}

	r.tree.MarkExpanded(node)
	r.budget.RecordExpansion()
	expansionsTotal.Inc()
	EndExpand(span, len(candidates), edges, nil)

	r.logger.Debug("expanded node",
		slog.Int("node", node.ID()),
		slog.Int("depth", node.Depth()),
		slog.Int("candidates", len(candidates)),
		slog.String("node_status", string(node.Status())),
		slog.Int("queue", r.queue.Len()))
	return nil
}

// interrupted maps an ended context to TIMEOUT or ERROR. It returns nil
// while the context is live.
func (r *run) interrupted() *Attempt {
	if r.ctx.Err() == nil {
		return nil
	}
	if err := r.parent.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return r.fail(datatypes.ReasonCancelled, err)
	}
	return r.finish(StateTimeout, datatypes.ReasonTimeout)
}

func (r *run) finish(state State, reason datatypes.FailureReason) *Attempt {
	if state == StateExhausted && reason == datatypes.ReasonBudget {
		r.logger.Info("search budget exhausted", slog.String("budget", r.budget.String()))
	}
	return &Attempt{
		State: state,
		Result: datatypes.SearchResult{
			Status: datatypes.StatusFailed,
			Reason: reason,
		},
	}
}

func (r *run) fail(reason datatypes.FailureReason, err error) *Attempt {
	r.logger.Warn("search failed with error", slog.String("error", err.Error()))
	return &Attempt{
		State: StateError,
		Err:   err,
		Result: datatypes.SearchResult{
			Status: datatypes.StatusError,
			Reason: reason,
			Error:  err.Error(),
		},
	}
}
