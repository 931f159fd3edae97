// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package distributed fans a batch of theorems out over a pool of workers,
// each running one best-first search at a time, and collects the results.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
	"github.com/AleutianAI/AleutianProver/services/prover/env"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
	"github.com/AleutianAI/AleutianProver/services/prover/searchtree"
)

// ErrNoWorkers is returned when the pool would be empty.
var ErrNoWorkers = errors.New("num_workers must be >= 1")

// Config configures a Prover.
type Config struct {
	// NumWorkers bounds the number of concurrent searches.
	NumWorkers int `yaml:"num_workers" json:"num_workers"`

	// WithGPUs makes up to NumGPUs of the workers GPU-backed.
	WithGPUs bool `yaml:"with_gpus" json:"with_gpus"`
	NumGPUs  int  `yaml:"num_gpus" json:"num_gpus"`

	// HardTimeoutGrace is added to the scheduler timeout to get the hard
	// cutoff at which a stuck attempt is abandoned.
	HardTimeoutGrace time.Duration `yaml:"hard_timeout_grace" json:"hard_timeout_grace"`

	// KeepTrees retains the search tree of every attempted theorem.
	KeepTrees bool `yaml:"keep_trees" json:"keep_trees"`

	// Precheck asks the environment whether each theorem exists before
	// spending a worker on it.
	Precheck bool `yaml:"precheck" json:"precheck"`

	// CountErrorsAsFailures feeds the summary's pass@1 policy.
	CountErrorsAsFailures bool `yaml:"count_errors_as_failures" json:"count_errors_as_failures"`
}

// DefaultConfig returns one CPU worker with prechecks on.
func DefaultConfig() Config {
	return Config{
		NumWorkers:            1,
		HardTimeoutGrace:      30 * time.Second,
		Precheck:              true,
		CountErrorsAsFailures: true,
	}
}

// Batch is the outcome of SearchAll.
type Batch struct {
	// Results holds one result per input theorem.
	Results []datatypes.SearchResult

	// Trees maps theorem id (file:full_name) to search tree for attempted
	// theorems when KeepTrees is set.
	Trees map[string]*searchtree.SearchTree

	Summary Summary
}

type slot struct {
	spec   WorkerSpec
	worker *Worker
	env    *trackedEnvironment
}

// Prover runs many theorem searches on a fixed pool of workers.
//
// Thread Safety: SearchAll must not be called concurrently with itself or
// with Close.
type Prover struct {
	factory WorkerFactory
	cfg     Config
	logger  *slog.Logger

	mu    sync.Mutex
	slots []*slot
	idle  chan *slot
}

// NewProver builds the worker pool.
//
// Inputs:
//
//	factory - Builds one worker per slot. Each worker owns its clients.
//	cfg - Pool settings. NumWorkers must be >= 1.
//
// Outputs:
//
//	*Prover - Ready pool.
//	error - Non-nil if the config is invalid or any worker fails to start.
func NewProver(factory WorkerFactory, cfg Config) (*Prover, error) {
	return NewProverWithLogger(factory, cfg, nil)
}

// NewProverWithLogger is NewProver with an explicit logger.
func NewProverWithLogger(factory WorkerFactory, cfg Config, logger *slog.Logger) (*Prover, error) {
	if cfg.NumWorkers < 1 {
		return nil, ErrNoWorkers
	}
	if cfg.WithGPUs && cfg.NumGPUs < 1 {
		return nil, errors.New("with_gpus requires num_gpus >= 1")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Prover{
		factory: factory,
		cfg:     cfg,
		logger:  logger,
	}
	specs := workerSpecs(cfg.NumWorkers, cfg.WithGPUs, cfg.NumGPUs)
	p.idle = make(chan *slot, len(specs))
	for _, spec := range specs {
		s, err := p.startSlot(context.Background(), spec)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("starting worker %s: %w", spec.ID, err)
		}
		p.slots = append(p.slots, s)
		p.idle <- s
	}

	p.logger.Info("Prover pool started",
		slog.Int("workers", len(specs)),
		slog.Int("gpu_workers", countKind(specs, WorkerGPU)))
	return p, nil
}

func countKind(specs []WorkerSpec, kind WorkerKind) int {
	n := 0
	for _, s := range specs {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func (p *Prover) startSlot(ctx context.Context, spec WorkerSpec) (*slot, error) {
	w, err := p.factory.NewWorker(ctx, spec)
	if err != nil {
		return nil, err
	}
	if w == nil || w.Scheduler == nil || w.Environment == nil {
		return nil, errors.New("factory returned an incomplete worker")
	}
	return &slot{spec: spec, worker: w, env: newTrackedEnvironment(w.Environment)}, nil
}

// SearchAll searches every theorem and returns one result per theorem.
//
// Description:
//
//	Duplicate and invalid theorems, and theorems the environment cannot
//	locate, are DISCARDED without taking a worker. The rest run on the pool.
//	A panic or fatal error in one attempt yields ERROR for that theorem
//	only. Cancelling ctx stops the batch; theorems that never started are
//	reported as ERROR.
//
// Outputs:
//
//	*Batch - Results in input order plus the summary.
//	error - Only ctx's error when the batch was cancelled. The batch is
//	  still populated.
func (p *Prover) SearchAll(ctx context.Context, theorems []datatypes.Theorem) (*Batch, error) {
	results := make([]datatypes.SearchResult, len(theorems))
	var (
		treesMu sync.Mutex
		trees   = make(map[string]*searchtree.SearchTree)
	)

	var g errgroup.Group
	g.SetLimit(p.cfg.NumWorkers)

	seen := make(map[string]bool, len(theorems))
	for i, thm := range theorems {
		if reason, err := p.precondition(ctx, thm, seen); err != nil {
			results[i] = discarded(thm, reason, err)
			resultsTotal.WithLabelValues(string(datatypes.StatusDiscarded)).Inc()
			p.logger.Info("Discarding theorem",
				slog.String("theorem", thm.ID()),
				slog.String("reason", string(reason)),
				slog.String("error", err.Error()))
			continue
		}

		g.Go(func() error {
			var s *slot
			select {
			case s = <-p.idle:
			case <-ctx.Done():
				results[i] = cancelled(thm, ctx.Err())
				return nil
			}

			attempt, healthy := p.runOne(ctx, s, thm)
			if healthy {
				p.idle <- s
			} else {
				p.replace(s)
			}

			results[i] = attempt.Result
			resultsTotal.WithLabelValues(string(attempt.Result.Status)).Inc()
			if p.cfg.KeepTrees && attempt.Tree != nil {
				treesMu.Lock()
				trees[thm.ID()] = attempt.Tree
				treesMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	batch := &Batch{
		Results: results,
		Summary: Summarize(results, p.cfg.CountErrorsAsFailures),
	}
	if p.cfg.KeepTrees {
		batch.Trees = trees
	}
	p.logger.Info(batch.Summary.String())
	p.logger.Info("Pass@1", slog.String("pass_rate", batch.Summary.PassRateString()))
	return batch, ctx.Err()
}

func (p *Prover) precondition(ctx context.Context, thm datatypes.Theorem, seen map[string]bool) (datatypes.FailureReason, error) {
	if err := datatypes.ValidateTheorem(thm); err != nil {
		return datatypes.ReasonInvalid, err
	}
	if seen[thm.ID()] {
		return datatypes.ReasonDuplicate, fmt.Errorf("duplicate theorem %s", thm.ID())
	}
	seen[thm.ID()] = true

	if !p.cfg.Precheck {
		return datatypes.ReasonNone, nil
	}
	p.mu.Lock()
	checker := p.slots[0].worker.Environment
	p.mu.Unlock()
	err := env.Precheck(ctx, checker, thm)
	switch {
	case err == nil:
		return datatypes.ReasonNone, nil
	case errors.Is(err, env.ErrTheoremNotFound):
		return datatypes.ReasonNotFound, err
	case errors.Is(err, datatypes.ErrInvalidTheorem):
		return datatypes.ReasonInvalid, err
	default:
		p.logger.Warn("Precheck failed, searching anyway",
			slog.String("theorem", thm.ID()),
			slog.String("error", err.Error()))
		return datatypes.ReasonNone, nil
	}
}

// runOne runs one attempt on a worker under the hard cutoff. healthy is
// false when the attempt had to be abandoned and the worker must not be
// reused.
func (p *Prover) runOne(ctx context.Context, s *slot, thm datatypes.Theorem) (*search.Attempt, bool) {
	kind := string(s.spec.Kind)
	activeWorkers.WithLabelValues(kind).Inc()
	defer activeWorkers.WithLabelValues(kind).Dec()

	done := make(chan *search.Attempt, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				p.logger.Error("Search panicked",
					slog.String("theorem", thm.ID()),
					slog.String("worker", s.spec.ID),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())))
				s.env.closeAll()
				done <- crashed(thm, rec)
			}
		}()
		done <- s.worker.Scheduler.Search(ctx, thm, s.env)
	}()

	cutoff := s.worker.Scheduler.Config().Timeout + p.cfg.HardTimeoutGrace
	timer := time.NewTimer(cutoff)
	defer timer.Stop()

	var a *search.Attempt
	select {
	case a = <-done:
		a.Result.Worker = s.spec.ID
		return a, true
	case <-timer.C:
	}

	// The attempt ignored its deadline. Closing the sessions unblocks
	// environment calls; a stuck model call keeps the goroutine alive and
	// the worker is replaced.
	hardTimeoutsTotal.Inc()
	closed := s.env.closeAll()
	p.logger.Warn("Hard timeout, abandoning attempt",
		slog.String("theorem", thm.ID()),
		slog.String("worker", s.spec.ID),
		slog.Duration("cutoff", cutoff),
		slog.Int("sessions_closed", closed))

	select {
	case a = <-done:
		// The attempt unwound within the grace period. Keep its partial
		// tree and counters but report the cutoff.
		a.Result.Worker = s.spec.ID
		if a.State == search.StateError {
			return a, true
		}
		a.State = search.StateTimeout
		a.Result.Status = datatypes.StatusFailed
		a.Result.Reason = datatypes.ReasonTimeout
		a.Result.Error = fmt.Sprintf("hard timeout after %s", cutoff)
		a.Result.Proof = nil
		a.Proof = nil
		return a, true
	case <-time.After(p.cfg.HardTimeoutGrace):
	}
	return &search.Attempt{
		State: search.StateTimeout,
		Result: datatypes.SearchResult{
			Theorem:   thm,
			Status:    datatypes.StatusFailed,
			Reason:    datatypes.ReasonTimeout,
			Error:     fmt.Sprintf("hard timeout after %s", cutoff),
			TotalTime: cutoff,
			Worker:    s.spec.ID,
		},
	}, false
}

// replace swaps a stuck worker for a fresh one built from the same spec.
// If the factory fails, the old worker goes back into the pool.
func (p *Prover) replace(old *slot) {
	fresh, err := p.startSlot(context.Background(), old.spec)
	if err != nil {
		p.logger.Error("Replacing worker failed, reusing it",
			slog.String("worker", old.spec.ID),
			slog.String("error", err.Error()))
		p.idle <- old
		return
	}
	workerReplacementsTotal.Inc()
	go func() {
		if old.worker.Close != nil {
			_ = old.worker.Close()
		}
	}()

	p.mu.Lock()
	for i, s := range p.slots {
		if s == old {
			p.slots[i] = fresh
		}
	}
	p.mu.Unlock()
	p.idle <- fresh
}

// Close releases every worker.
func (p *Prover) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, s := range p.slots {
		s.env.closeAll()
		if s.worker.Close != nil {
			if err := s.worker.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing worker %s: %w", s.spec.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func discarded(thm datatypes.Theorem, reason datatypes.FailureReason, err error) datatypes.SearchResult {
	return datatypes.SearchResult{
		Theorem: thm,
		Status:  datatypes.StatusDiscarded,
		Reason:  reason,
		Error:   err.Error(),
	}
}

func cancelled(thm datatypes.Theorem, err error) datatypes.SearchResult {
	return datatypes.SearchResult{
		Theorem: thm,
		Status:  datatypes.StatusError,
		Reason:  datatypes.ReasonCancelled,
		Error:   err.Error(),
	}
}

func crashed(thm datatypes.Theorem, rec any) *search.Attempt {
	return &search.Attempt{
		State: search.StateError,
		Err:   fmt.Errorf("panic: %v", rec),
		Result: datatypes.SearchResult{
			Theorem: thm,
			Status:  datatypes.StatusError,
			Reason:  datatypes.ReasonCrash,
			Error:   fmt.Sprintf("panic: %v", rec),
		},
	}
}
