// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTheorem() Theorem {
	return Theorem{
		Repo:     Repo{URL: "https://github.com/example/lib", Commit: "abc123"},
		FilePath: "Lib/Basic.lean",
		FullName: "Lib.and_swap",
		Start:    Pos{Line: 10, Column: 1},
		End:      Pos{Line: 12, Column: 20},
	}
}

func TestTheorem_ID(t *testing.T) {
	assert.Equal(t, "Lib/Basic.lean:Lib.and_swap", validTheorem().ID())
}

func TestValidateTheorem(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Theorem)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Theorem) {}},
		{name: "missing full name", mutate: func(th *Theorem) { th.FullName = "" }, wantErr: true},
		{name: "missing file path", mutate: func(th *Theorem) { th.FilePath = "" }, wantErr: true},
		{name: "missing commit", mutate: func(th *Theorem) { th.Repo.Commit = "" }, wantErr: true},
		{name: "negative column", mutate: func(th *Theorem) { th.Start.Column = -1 }, wantErr: true},
		{name: "end before start", mutate: func(th *Theorem) { th.End.Line = 3 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := validTheorem()
			tt.mutate(&th)
			err := ValidateTheorem(th)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTheorem)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestProofState_KeyIgnoresHandle(t *testing.T) {
	a := NewProofState("A", "B")
	b := NewProofState("A", "B")
	b.Handle = "17"

	assert.Equal(t, a.Key(), b.Key())
	assert.True(t, a.Equal(b))
}

func TestProofState_KeyDistinguishesGoalBoundaries(t *testing.T) {
	a := NewProofState("AB")
	b := NewProofState("A", "B")

	assert.NotEqual(t, a.Key(), b.Key())
	assert.False(t, a.Equal(b))
}

func TestProofState_Closed(t *testing.T) {
	s := NewProofState()
	assert.True(t, s.IsClosed())
	assert.Equal(t, "no goals", s.String())
	assert.Equal(t, "A\n\nB", NewProofState("A", "B").String())
}

func TestSearchResult_Flags(t *testing.T) {
	r := SearchResult{Status: StatusFailed, Reason: ReasonTimeout}
	assert.True(t, r.IsTimeout())
	assert.True(t, r.Attempted())

	d := SearchResult{Status: StatusDiscarded, Reason: ReasonInvalid}
	assert.False(t, d.IsTimeout())
	assert.False(t, d.Attempted())
}
