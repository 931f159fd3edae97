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
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
)

const tracerName = "aleutian.prover.search"

// Tracer creates spans for searches and expansions.
//
// Thread Safety: Safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	enabled bool
}

// NewTracer creates a tracer. A disabled tracer returns noop spans.
func NewTracer(enabled bool) *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName), enabled: enabled}
}

// StartSearch starts the span of one theorem attempt.
func (t *Tracer) StartSearch(ctx context.Context, thm datatypes.Theorem, cfg Config) (context.Context, trace.Span) {
	if t == nil || !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "prover.search",
		trace.WithAttributes(
			attribute.String("prover.theorem.id", thm.ID()),
			attribute.String("prover.theorem.repo", thm.Repo.String()),
			attribute.String("prover.search.timeout", cfg.Timeout.String()),
			attribute.Int("prover.search.num_sampled_tactics", cfg.NumSampledTactics),
			attribute.Int("prover.search.max_expansions", cfg.MaxExpansions),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSearch records the attempt's outcome and ends the span.
func (t *Tracer) EndSearch(span trace.Span, a *Attempt) {
	if span == nil {
		return
	}
	r := a.Result
	span.SetAttributes(
		attribute.String("prover.result.state", string(a.State)),
		attribute.String("prover.result.status", string(r.Status)),
		attribute.Int("prover.result.nodes", r.NumTotalNodes),
		attribute.Int("prover.result.expanded", r.NumExpandedNodes),
		attribute.Int("prover.result.step_errors", r.NumStepErrors),
		attribute.Int("prover.result.proof_length", len(r.Proof)),
	)
	if a.Err != nil {
		span.RecordError(a.Err)
		span.SetStatus(codes.Error, a.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// StartExpand starts the span of one node expansion.
func (t *Tracer) StartExpand(ctx context.Context, nodeID, depth int) (context.Context, trace.Span) {
	if t == nil || !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "prover.expand",
		trace.WithAttributes(
			attribute.Int("prover.node.id", nodeID),
			attribute.Int("prover.node.depth", depth),
		),
	)
}

// EndExpand ends an expansion span.
func EndExpand(span trace.Span, candidates, edges int, err error) {
	span.SetAttributes(
		attribute.Int("prover.expand.candidates", candidates),
		attribute.Int("prover.expand.edges", edges),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func logAttempt(logger *slog.Logger, a *Attempt) {
	r := a.Result
	logger.Info("Theorem search finished",
		slog.String("state", string(a.State)),
		slog.String("status", string(r.Status)),
		slog.Duration("total_time", r.TotalTime),
		slog.Duration("model_time", r.ModelTime),
		slog.Duration("env_time", r.EnvTime),
		slog.Int("nodes", r.NumTotalNodes),
		slog.Int("expanded", r.NumExpandedNodes),
	)
}
