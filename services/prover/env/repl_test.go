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
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
)

const helperReplEnv = "PROVER_WANT_HELPER_REPL"

// TestHelperRepl is not a real test. It is re-executed as a child process
// that speaks the REPL protocol.
func TestHelperRepl(t *testing.T) {
	if os.Getenv(helperReplEnv) != "1" {
		return
	}
	runFakeRepl(os.Stdin, os.Stdout)
	os.Exit(0)
}

func runFakeRepl(in io.Reader, out io.Writer) {
	dec := json.NewDecoder(bufio.NewReader(in))
	enc := json.NewEncoder(out)
	intPtr := func(i int) *int { return &i }
	for {
		var cmd replCommand
		if err := dec.Decode(&cmd); err != nil {
			return
		}
		var resp replResponse
		switch {
		case cmd.Cmd == "import Lib":
			resp.Env = intPtr(0)
		case cmd.Cmd == "theorem and_swap (p q : Prop) (h : p ∧ q) : q ∧ p := by sorry":
			resp.Env = intPtr(1)
			resp.Sorries = []replSorry{{ProofState: 0, Goal: "p q : Prop\nh : p ∧ q\n⊢ q ∧ p"}}
		case cmd.Cmd != "":
			resp.Messages = []replMessage{{Severity: "error", Data: "unknown identifier"}}
		case cmd.Tactic == "constructor" && *cmd.ProofState == 0:
			resp.ProofState = intPtr(1)
			resp.Goals = []string{"case left\n⊢ q", "case right\n⊢ p"}
		case cmd.Tactic == "exact ⟨h.2, h.1⟩" && *cmd.ProofState == 0:
			resp.ProofState = intPtr(2)
		case cmd.Tactic == "sleep":
			time.Sleep(300 * time.Millisecond)
			resp.ProofState = intPtr(3)
			resp.Goals = []string{"slow"}
		default:
			resp.Message = "Lean error:\nunknown tactic"
		}
		_ = enc.Encode(resp)
		_, _ = out.Write([]byte("\n"))
	}
}

func helperRepl(t *testing.T) *ReplEnvironment {
	t.Helper()
	environment, err := NewReplEnvironment(ReplConfig{
		Command:      []string{os.Args[0], "-test.run=^TestHelperRepl$"},
		Header:       "import Lib",
		Env:          []string{helperReplEnv + "=1"},
		StartTimeout: 10 * time.Second,
	}, nil)
	require.NoError(t, err)
	return environment
}

func replTheorem() datatypes.Theorem {
	thm := andSwapTheorem()
	thm.Statement = "theorem and_swap (p q : Prop) (h : p ∧ q) : q ∧ p"
	return thm
}

func TestReplEnvironment_Session(t *testing.T) {
	environment := helperRepl(t)
	sess, err := environment.Open(context.Background(), replTheorem())
	require.NoError(t, err)

	adapter := NewAdapter(sess, 5*time.Second, nil)
	defer adapter.Close()

	initial := adapter.InitialState()
	assert.Equal(t, []string{"p q : Prop\nh : p ∧ q\n⊢ q ∧ p"}, initial.Goals)
	assert.Equal(t, "0", initial.Handle)

	ctx := context.Background()
	out, err := adapter.Apply(ctx, initial, "constructor")
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, out.Kind)
	require.Len(t, out.Children, 1)
	assert.Len(t, out.Children[0].Goals, 2)
	assert.Equal(t, "1", out.Children[0].Handle)

	out, err = adapter.Apply(ctx, initial, "exact ⟨h.2, h.1⟩")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Empty(t, out.Children)

	out, err = adapter.Apply(ctx, initial, "nlinarith")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLogicalFailure, out.Kind)
	assert.Contains(t, out.Reason, "unknown tactic")
}

func TestReplEnvironment_AbandonedResponseIsDrained(t *testing.T) {
	environment := helperRepl(t)
	sess, err := environment.Open(context.Background(), replTheorem())
	require.NoError(t, err)

	adapter := NewAdapter(sess, 50*time.Millisecond, nil)
	defer adapter.Close()
	initial := adapter.InitialState()

	out, err := adapter.Apply(context.Background(), initial, "sleep")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStepError, out.Kind)

	// The late reply to "sleep" must not be taken as the reply to this one.
	longer := NewAdapter(sess, 5*time.Second, nil)
	out, err = longer.Apply(context.Background(), initial, "exact ⟨h.2, h.1⟩")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Empty(t, out.Children)
}

func TestReplEnvironment_UnknownTheorem(t *testing.T) {
	environment := helperRepl(t)
	thm := replTheorem()
	thm.Statement = "theorem missing : False"

	_, err := environment.Open(context.Background(), thm)
	assert.ErrorIs(t, err, ErrTheoremNotFound)
}

func TestReplEnvironment_Check(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Lib", "Basic.lean"), []byte("import Lib\n"), 0o644))

	environment, err := NewReplEnvironment(ReplConfig{Command: []string{"lake", "exe", "repl"}, Dir: dir}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, Precheck(ctx, environment, replTheorem()))

	noStatement := replTheorem()
	noStatement.Statement = ""
	assert.ErrorIs(t, Precheck(ctx, environment, noStatement), ErrTheoremNotFound)

	_, err = environment.Open(ctx, noStatement)
	assert.ErrorIs(t, err, ErrTheoremNotFound, "open rejects it before starting a process")

	missingFile := replTheorem()
	missingFile.FilePath = "Lib/Missing.lean"
	assert.ErrorIs(t, Precheck(ctx, environment, missingFile), ErrTheoremNotFound)
}

func TestNewReplEnvironment_RequiresCommand(t *testing.T) {
	_, err := NewReplEnvironment(ReplConfig{}, nil)
	assert.Error(t, err)
}
