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
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
	"github.com/AleutianAI/AleutianProver/services/prover/env"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
)

// WorkerKind says which device a worker's model client runs on.
type WorkerKind string

const (
	WorkerCPU WorkerKind = "cpu"
	WorkerGPU WorkerKind = "gpu"
)

// WorkerSpec identifies a worker slot.
type WorkerSpec struct {
	ID     string
	Kind   WorkerKind
	Device int
}

// Worker is the per-worker state: its own scheduler (and through it its
// own model clients) and its own environment handle.
type Worker struct {
	Scheduler   *search.Scheduler
	Environment env.Environment

	// Close releases the worker's clients. May be nil.
	Close func() error
}

// WorkerFactory builds workers at pool startup and when a stuck worker has
// to be replaced.
type WorkerFactory interface {
	NewWorker(ctx context.Context, spec WorkerSpec) (*Worker, error)
}

// WorkerFactoryFunc adapts a function to WorkerFactory.
type WorkerFactoryFunc func(ctx context.Context, spec WorkerSpec) (*Worker, error)

// NewWorker implements WorkerFactory.
func (f WorkerFactoryFunc) NewWorker(ctx context.Context, spec WorkerSpec) (*Worker, error) {
	return f(ctx, spec)
}

// workerSpecs splits numWorkers between GPU and CPU workers. GPU workers
// get one device each, so at most numGPUs are created.
func workerSpecs(numWorkers int, withGPUs bool, numGPUs int) []WorkerSpec {
	gpus := 0
	if withGPUs {
		gpus = min(numGPUs, numWorkers)
	}
	specs := make([]WorkerSpec, 0, numWorkers)
	for i := 0; i < gpus; i++ {
		specs = append(specs, WorkerSpec{ID: fmt.Sprintf("gpu-%d", i), Kind: WorkerGPU, Device: i})
	}
	for i := 0; i < numWorkers-gpus; i++ {
		specs = append(specs, WorkerSpec{ID: fmt.Sprintf("cpu-%d", i), Kind: WorkerCPU, Device: -1})
	}
	return specs
}

// trackedEnvironment remembers the sessions opened through it so a hard
// timeout can close them from outside the scheduler goroutine.
type trackedEnvironment struct {
	inner env.Environment

	mu       sync.Mutex
	sessions map[env.Session]struct{}
}

func newTrackedEnvironment(inner env.Environment) *trackedEnvironment {
	return &trackedEnvironment{inner: inner, sessions: make(map[env.Session]struct{})}
}

func (t *trackedEnvironment) Open(ctx context.Context, thm datatypes.Theorem) (env.Session, error) {
	sess, err := t.inner.Open(ctx, thm)
	if err != nil {
		return nil, err
	}
	ts := &trackedSession{Session: sess, owner: t}
	t.mu.Lock()
	t.sessions[ts] = struct{}{}
	t.mu.Unlock()
	return ts, nil
}

// closeAll closes every session still open and returns how many there were.
func (t *trackedEnvironment) closeAll() int {
	t.mu.Lock()
	open := make([]env.Session, 0, len(t.sessions))
	for s := range t.sessions {
		open = append(open, s)
	}
	t.mu.Unlock()
	for _, s := range open {
		_ = s.Close()
	}
	return len(open)
}

type trackedSession struct {
	env.Session
	owner *trackedEnvironment
	once  sync.Once
	err   error
}

func (s *trackedSession) Close() error {
	s.once.Do(func() {
		s.err = s.Session.Close()
		s.owner.mu.Lock()
		delete(s.owner.sessions, s)
		s.owner.mu.Unlock()
	})
	return s.err
}

func (t *trackedEnvironment) Check(ctx context.Context, thm datatypes.Theorem) error {
	return env.Precheck(ctx, t.inner, thm)
}
