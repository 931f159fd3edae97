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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
	"github.com/AleutianAI/AleutianProver/services/prover/env"
	"github.com/AleutianAI/AleutianProver/services/prover/expander"
	"github.com/AleutianAI/AleutianProver/services/prover/searchtree"
)

func ps(goals ...string) datatypes.ProofState {
	return datatypes.NewProofState(goals...)
}

func theorem(name string) datatypes.Theorem {
	return datatypes.Theorem{
		Repo:     datatypes.Repo{URL: "https://github.com/example/lib", Commit: "abc"},
		FilePath: "Lib/Basic.lean",
		FullName: name,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.StepTimeout = time.Second
	cfg.NumSampledTactics = 8
	return cfg
}

func cand(tactic string, score float64) expander.Candidate {
	return expander.Candidate{Tactic: tactic, Score: score}
}

// andSplit is the A ∧ B example: split, then trivial on both halves.
func andSplit() (*env.ScriptedEnvironment, *expander.StaticGenerator) {
	root, a, b := ps("A ∧ B"), ps("A"), ps("B")
	script := env.NewScript("A ∧ B").
		On(root, "split", env.Success(a, b)).
		On(a, "trivial", env.Success()).
		On(b, "trivial", env.Success())
	environment := env.NewScriptedEnvironment().Add("and_split", script)

	gen := expander.NewStaticGenerator().
		On(root.String(), cand("split", -0.1), cand("intro", -0.5)).
		On(a.String(), cand("trivial", -0.2)).
		On(b.String(), cand("trivial", -0.3))
	return environment, gen
}

func newScheduler(gen expander.Generator, cfg Config) *Scheduler {
	exp := expander.NewTacticExpander(gen, nil, expander.DefaultConfig())
	return NewScheduler(exp, cfg)
}

func TestSearch_WorkedExample(t *testing.T) {
	environment, gen := andSplit()
	a := newScheduler(gen, testConfig()).Search(context.Background(), theorem("and_split"), environment)

	require.Equal(t, StateProved, a.State, "err: %v", a.Err)
	assert.Equal(t, datatypes.StatusProved, a.Result.Status)
	assert.Equal(t, []string{"split", "trivial", "trivial"}, a.Result.Proof)
	assert.Equal(t, 3, a.Result.NumTotalNodes)
	assert.Equal(t, searchtree.StatusProved, a.Tree.Status())
	assert.Equal(t, "Lib/Basic.lean:and_split", a.Result.Theorem.ID())
	assert.Equal(t, int64(1), environment.Closed())
}

func TestSearch_ProofReplays(t *testing.T) {
	environment, gen := andSplit()
	a := newScheduler(gen, testConfig()).Search(context.Background(), theorem("and_split"), environment)
	require.Equal(t, StateProved, a.State)
	require.NotEmpty(t, a.Proof)

	sess, err := environment.Open(context.Background(), theorem("and_split"))
	require.NoError(t, err)
	adapter := env.NewAdapter(sess, time.Second, nil)
	defer adapter.Close()

	for _, step := range a.Proof {
		out, err := adapter.Apply(context.Background(), step.State, step.Tactic)
		require.NoError(t, err)
		require.Equal(t, env.OutcomeSuccess, out.Kind, "tactic %q", step.Tactic)
		require.Len(t, out.Children, len(step.Children))
		for i := range out.Children {
			assert.True(t, out.Children[i].Equal(step.Children[i]))
		}
	}
}

func TestSearch_StopsTryingTacticsOnceProved(t *testing.T) {
	root := ps("⊢ True")
	script := env.NewScript("⊢ True").On(root, "trivial", env.Success())
	environment := env.NewScriptedEnvironment().Add("t", script)
	gen := expander.NewStaticGenerator().On(root.String(),
		cand("trivial", -0.1), cand("simp", -0.2), cand("decide", -0.3))

	a := newScheduler(gen, testConfig()).Search(context.Background(), theorem("t"), environment)
	require.Equal(t, StateProved, a.State)
	assert.Equal(t, 1, a.EnvStats.Applied)
	assert.Equal(t, 1, a.Result.NumEdges)
}

func TestSearch_TimeoutReleasesSession(t *testing.T) {
	script := env.NewScript("⊢ P")
	script.Hang = true
	environment := env.NewScriptedEnvironment().Add("hang", script)
	gen := expander.NewFixedGenerator("simp")

	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond
	cfg.StepTimeout = 0

	start := time.Now()
	a := newScheduler(gen, cfg).Search(context.Background(), theorem("hang"), environment)
	elapsed := time.Since(start)

	assert.Equal(t, StateTimeout, a.State)
	assert.Equal(t, datatypes.StatusFailed, a.Result.Status)
	assert.Equal(t, datatypes.ReasonTimeout, a.Result.Reason)
	assert.True(t, a.Result.IsTimeout())
	assert.Less(t, elapsed, cfg.Timeout+time.Second)
	assert.NotNil(t, a.Tree, "partial tree is retained")
	assert.Equal(t, int64(1), environment.Opened())
	assert.Equal(t, int64(1), environment.Closed())
}

func TestSearch_BlockedModelTimesOut(t *testing.T) {
	environment := env.NewScriptedEnvironment().Add("t", env.NewScript("⊢ P"))
	gen := expander.NewStaticGenerator()
	gen.Block = true

	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	a := newScheduler(gen, cfg).Search(context.Background(), theorem("t"), environment)

	assert.Equal(t, StateTimeout, a.State)
	assert.Equal(t, int64(1), environment.Closed())
}

func TestSearch_NoGoalsChildProves(t *testing.T) {
	root := ps("P")
	script := env.NewScript("P").On(root, "done", env.Success(ps()))
	environment := env.NewScriptedEnvironment().Add("p", script)
	gen := expander.NewStaticGenerator().On(root.String(), cand("done", -0.1))

	a := newScheduler(gen, testConfig()).Search(context.Background(), theorem("p"), environment)
	require.Equal(t, StateProved, a.State)
	assert.Equal(t, []string{"done"}, a.Result.Proof)
	assert.Equal(t, 1, a.Result.NumTotalNodes)
}

func TestSearch_FinishLogHasOneTheoremField(t *testing.T) {
	root := ps("P")
	script := env.NewScript("P").On(root, "done", env.Success(ps()))
	environment := env.NewScriptedEnvironment().Add("p", script)
	gen := expander.NewStaticGenerator().On(root.String(), cand("done", -0.1))

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	newScheduler(gen, testConfig()).WithLogger(logger).Search(context.Background(), theorem("p"), environment)

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "Theorem search finished") {
			line = l
		}
	}
	require.NotEmpty(t, line)
	assert.Equal(t, 1, strings.Count(line, `"theorem":`), line)
}

func TestSearch_RootFailed(t *testing.T) {
	root := ps("⊢ False")
	script := env.NewScript("⊢ False").
		On(root, "simp", env.Failure("simp made no progress")).
		On(root, "bad [", env.StepError("parse error"))
	environment := env.NewScriptedEnvironment().Add("f", script)
	gen := expander.NewStaticGenerator().On(root.String(), cand("simp", -1), cand("bad [", -2))

	a := newScheduler(gen, testConfig()).Search(context.Background(), theorem("f"), environment)
	assert.Equal(t, StateFailed, a.State)
	assert.Equal(t, datatypes.StatusFailed, a.Result.Status)
	assert.Equal(t, datatypes.ReasonUnprovable, a.Result.Reason)
	assert.Equal(t, 1, a.Result.NumStepErrors)
	assert.Equal(t, 2, a.Result.NumEdges)
}

func TestSearch_ExhaustedOnCycle(t *testing.T) {
	root, x := ps("P"), ps("X")
	script := env.NewScript("P").
		On(root, "intro", env.Success(x)).
		On(x, "revert", env.Success(root))
	environment := env.NewScriptedEnvironment().Add("cycle", script)
	gen := expander.NewStaticGenerator().
		On(root.String(), cand("intro", -1)).
		On(x.String(), cand("revert", -1))

	a := newScheduler(gen, testConfig()).Search(context.Background(), theorem("cycle"), environment)
	assert.Equal(t, StateExhausted, a.State)
	assert.Equal(t, datatypes.ReasonExhausted, a.Result.Reason)
	assert.Equal(t, searchtree.StatusOpen, a.Tree.Status())
	assert.Equal(t, 2, a.Result.NumExpandedNodes)
}

func TestSearch_ExpansionLimit(t *testing.T) {
	environment, gen := andSplit()
	cfg := testConfig()
	cfg.MaxExpansions = 1

	a := newScheduler(gen, cfg).Search(context.Background(), theorem("and_split"), environment)
	assert.Equal(t, StateExhausted, a.State)
	assert.Equal(t, datatypes.ReasonBudget, a.Result.Reason)
	assert.Equal(t, 1, a.Result.NumExpandedNodes)
}

func TestSearch_DepthLimit(t *testing.T) {
	environment, gen := andSplit()
	cfg := testConfig()
	cfg.MaxDepth = 1

	a := newScheduler(gen, cfg).Search(context.Background(), theorem("and_split"), environment)
	assert.Equal(t, StateFailed, a.State)
	a1, _ := a.Tree.Lookup(ps("A"))
	require.NotNil(t, a1)
	assert.Equal(t, searchtree.StatusFailed, a1.Status())
	assert.Contains(t, a1.UnprovableReason(), "depth limit")
}

func TestSearch_ModelErrorIsFatal(t *testing.T) {
	environment := env.NewScriptedEnvironment().Add("t", env.NewScript("⊢ P"))
	gen := expander.NewStaticGenerator()
	gen.Err = errors.New("connection refused")

	a := newScheduler(gen, testConfig()).Search(context.Background(), theorem("t"), environment)
	assert.Equal(t, StateError, a.State)
	assert.Equal(t, datatypes.StatusError, a.Result.Status)
	assert.Equal(t, datatypes.ReasonModel, a.Result.Reason)
	assert.ErrorIs(t, a.Err, expander.ErrGeneration)
	assert.NotNil(t, a.Tree)
	assert.Equal(t, int64(1), environment.Closed())
}

func TestSearch_UnknownTheoremDiscarded(t *testing.T) {
	environment := env.NewScriptedEnvironment()
	a := newScheduler(expander.NewFixedGenerator("rfl"), testConfig()).Search(context.Background(), theorem("missing"), environment)

	assert.Equal(t, StateDiscarded, a.State)
	assert.Equal(t, datatypes.StatusDiscarded, a.Result.Status)
	assert.Nil(t, a.Tree)
}

func TestSearch_CancelledParent(t *testing.T) {
	script := env.NewScript("⊢ P")
	script.Hang = true
	environment := env.NewScriptedEnvironment().Add("t", script)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	a := newScheduler(expander.NewFixedGenerator("simp"), testConfig()).Search(ctx, theorem("t"), environment)

	assert.Equal(t, StateError, a.State)
	assert.Equal(t, datatypes.ReasonCancelled, a.Result.Reason)
	assert.Equal(t, int64(1), environment.Closed())
}

func TestSearch_PriorityOrder(t *testing.T) {
	// Two ways forward: the higher-scored branch is expanded first and
	// proves the theorem, so the low branch is never expanded.
	root, hi, lo := ps("P"), ps("Hi"), ps("Lo")
	script := env.NewScript("P").
		On(root, "left", env.Success(lo)).
		On(root, "right", env.Success(hi)).
		On(hi, "done", env.Success())
	environment := env.NewScriptedEnvironment().Add("p", script)
	gen := expander.NewStaticGenerator().
		On(root.String(), cand("left", -3), cand("right", -1)).
		On(hi.String(), cand("done", 0)).
		On(lo.String(), cand("done", 0))

	a := newScheduler(gen, testConfig()).Search(context.Background(), theorem("p"), environment)
	require.Equal(t, StateProved, a.State)
	assert.Equal(t, []string{"right", "done"}, a.Result.Proof)
	loNode, ok := a.Tree.Lookup(lo)
	require.True(t, ok)
	assert.False(t, loNode.IsExpanded())
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Timeout = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.TieBreak = "random"
	assert.Error(t, cfg.Validate())
}
