// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianProver/services/prover/config"
	"github.com/AleutianAI/AleutianProver/services/prover/distributed"
	"github.com/AleutianAI/AleutianProver/services/prover/env"
	"github.com/AleutianAI/AleutianProver/services/prover/expander"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
)

// workerFactory gives every worker its own generator client, circuit
// breaker and environment. The premise retriever is shared because its
// index is loaded once per process.
type workerFactory struct {
	cfg       config.ProverConfig
	retriever expander.Retriever
	logger    *slog.Logger
}

func (f *workerFactory) NewWorker(_ context.Context, spec distributed.WorkerSpec) (*distributed.Worker, error) {
	logger := f.logger.With(slog.String("worker", spec.ID))

	gen, err := f.generator(spec, logger)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	breaker := expander.NewCircuitBreaker(f.cfg.CircuitBreaker)
	breaker.OnReject(distributed.BreakerRejectionHook(spec.ID))
	exp := expander.NewTacticExpander(gen, f.retriever, f.cfg.Expander,
		expander.WithCircuitBreaker(breaker),
		expander.WithLogger(logger))

	environment, err := env.New(f.cfg.Environment, logger)
	if err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	scfg := f.cfg.Search
	if f.cfg.Environment.StepTimeout > 0 {
		scfg.StepTimeout = f.cfg.Environment.StepTimeout
	}

	logger.Debug("Worker ready",
		slog.String("kind", string(spec.Kind)),
		slog.Int("device", spec.Device),
		slog.String("generator", f.cfg.Generator.Kind),
		slog.String("backend", f.cfg.Environment.Backend))

	return &distributed.Worker{
		Scheduler:   search.NewScheduler(exp, scfg).WithLogger(logger),
		Environment: environment,
	}, nil
}

func openAIConfigFor(cfg expander.OpenAIConfig, spec distributed.WorkerSpec) expander.OpenAIConfig {
	if spec.Kind != distributed.WorkerGPU {
		return cfg
	}
	return cfg.ForDevice(spec.Device)
}

// generator builds the worker's own model client. GPU workers talk to the
// server of their device.
func (f *workerFactory) generator(spec distributed.WorkerSpec, logger *slog.Logger) (expander.Generator, error) {
	switch f.cfg.Generator.Kind {
	case config.GeneratorFixed:
		return expander.NewFixedGenerator(f.cfg.Generator.Tactics...), nil
	case config.GeneratorOpenAI:
		return expander.NewOpenAIGenerator(openAIConfigFor(f.cfg.Generator.OpenAI, spec), logger)
	default:
		return nil, fmt.Errorf("unknown generator kind %q", f.cfg.Generator.Kind)
	}
}
