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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
	"github.com/AleutianAI/AleutianProver/services/prover/searchtree"
)

func queueNodes(n int) []*searchtree.InternalNode {
	tree := searchtree.New("q", datatypes.NewProofState("root"))
	out := make([]*searchtree.InternalNode, n)
	for i := range out {
		out[i], _ = tree.GetOrCreateNode(datatypes.NewProofState(fmt.Sprintf("g%d", i)))
	}
	return out
}

func popAll(q *NodeQueue) []int {
	var ids []int
	for {
		n, ok := q.Pop()
		if !ok {
			return ids
		}
		ids = append(ids, n.ID())
	}
}

func TestNodeQueue_PriorityThenTieBreak(t *testing.T) {
	tests := []struct {
		name string
		tb   TieBreak
		want []int
	}{
		{name: "fifo", tb: TieBreakFIFO, want: []int{3, 1, 2, 4, 5}},
		{name: "lifo", tb: TieBreakLIFO, want: []int{3, 4, 2, 1, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes := queueNodes(5)
			q := NewNodeQueue(tt.tb)
			q.Push(nodes[0], -1)
			q.Push(nodes[1], -1)
			q.Push(nodes[2], 0)
			q.Push(nodes[3], -1)
			q.Push(nodes[4], -7)
			assert.Equal(t, 5, q.Len())
			assert.Equal(t, tt.want, popAll(q))
		})
	}
}

func TestParseTieBreak(t *testing.T) {
	tb, err := ParseTieBreak("")
	require.NoError(t, err)
	assert.Equal(t, TieBreakFIFO, tb)

	tb, err = ParseTieBreak("lifo")
	require.NoError(t, err)
	assert.Equal(t, TieBreakLIFO, tb)

	_, err = ParseTieBreak("random")
	assert.Error(t, err)
}

func TestBudget(t *testing.T) {
	b := NewBudget(2, 3)

	require.NoError(t, b.CheckExpansion())
	b.RecordExpansion()
	require.NoError(t, b.CheckExpansion())
	b.RecordExpansion()
	assert.ErrorIs(t, b.CheckExpansion(), ErrExpansionLimitExceeded)
	assert.True(t, errors.Is(b.ExhaustedBy(), ErrExpansionLimitExceeded))
	assert.Equal(t, 2, b.Expansions())

	assert.NoError(t, b.CheckDepth(2))
	assert.ErrorIs(t, b.CheckDepth(3), ErrDepthLimitExceeded)
	assert.Contains(t, b.String(), "expansions 2/2")

	unlimited := NewBudget(0, 0)
	for i := 0; i < 100; i++ {
		unlimited.RecordExpansion()
	}
	assert.NoError(t, unlimited.CheckExpansion())
	assert.NoError(t, unlimited.CheckDepth(1000))
	assert.Contains(t, unlimited.String(), "unlimited")
}
