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
	"container/heap"
	"fmt"

	"github.com/AleutianAI/AleutianProver/services/prover/searchtree"
)

// TieBreak orders queue entries of equal priority.
type TieBreak string

const (
	// TieBreakFIFO pops the earliest inserted entry first.
	TieBreakFIFO TieBreak = "fifo"
	// TieBreakLIFO pops the latest inserted entry first.
	TieBreakLIFO TieBreak = "lifo"
)

// ParseTieBreak validates a tie-break name. Empty means FIFO.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "", TieBreakFIFO:
		return TieBreakFIFO, nil
	case TieBreakLIFO:
		return TieBreakLIFO, nil
	default:
		return "", fmt.Errorf("unknown tie_break %q (want fifo or lifo)", s)
	}
}

type queueEntry struct {
	node     *searchtree.InternalNode
	priority float64
	seq      uint64
}

type entryHeap struct {
	entries []queueEntry
	lifo    bool
}

func (h *entryHeap) Len() int { return len(h.entries) }

func (h *entryHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if h.lifo {
		return a.seq > b.seq
	}
	return a.seq < b.seq
}

func (h *entryHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }

func (h *entryHeap) Push(x any) { h.entries = append(h.entries, x.(queueEntry)) }

func (h *entryHeap) Pop() any {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries = h.entries[:n-1]
	return e
}

// NodeQueue is a max-priority queue of search nodes.
//
// Thread Safety: Not safe for concurrent use.
type NodeQueue struct {
	h   entryHeap
	seq uint64
}

// NewNodeQueue creates an empty queue.
func NewNodeQueue(tb TieBreak) *NodeQueue {
	return &NodeQueue{h: entryHeap{lifo: tb == TieBreakLIFO}}
}

// Push adds a node with its priority.
func (q *NodeQueue) Push(node *searchtree.InternalNode, priority float64) {
	q.seq++
	heap.Push(&q.h, queueEntry{node: node, priority: priority, seq: q.seq})
}

// Pop removes the highest-priority node. It returns false when empty.
func (q *NodeQueue) Pop() (*searchtree.InternalNode, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(&q.h).(queueEntry)
	return e.node, true
}

// Len returns the number of queued entries.
func (q *NodeQueue) Len() int { return q.h.Len() }
