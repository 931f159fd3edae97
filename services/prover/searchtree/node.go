// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package searchtree implements the AND-OR proof search graph for one
// theorem attempt.
//
// Internal nodes are OR nodes: a node is proved when any outgoing edge is
// proved. Edges are AND nodes: an edge is proved when every child node is
// proved. Structurally equal proof states share one node, so the graph is a
// DAG that may contain cycles through reused states.
package searchtree

import (
	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
)

// Status is the proof status of a node or an edge.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusProved Status = "PROVED"
	StatusFailed Status = "FAILED"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true for PROVED and FAILED. Terminal statuses never
// change again.
func (s Status) IsTerminal() bool {
	return s == StatusProved || s == StatusFailed
}

// InternalNode is an OR node holding one proof state.
//
// Thread Safety: Not safe for concurrent use. A node is owned by its
// SearchTree, which is driven by a single scheduler goroutine.
type InternalNode struct {
	id    int
	state datatypes.ProofState

	status     Status
	edges      []*Edge
	parents    []*Edge
	priority   float64
	depth      int
	expanded   bool
	unprovable string
}

// ID returns the node's index in creation order. The root is 0.
func (n *InternalNode) ID() int { return n.id }

// State returns the proof state held by the node.
func (n *InternalNode) State() datatypes.ProofState { return n.state }

// Status returns the current status.
func (n *InternalNode) Status() Status { return n.status }

// Edges returns the outgoing edges in the order they were tried.
func (n *InternalNode) Edges() []*Edge { return n.edges }

// Parents returns the edges that reference this node as a child.
func (n *InternalNode) Parents() []*Edge { return n.parents }

// Priority returns the cumulative path score assigned when the node was
// first reached.
func (n *InternalNode) Priority() float64 { return n.priority }

// Depth returns the number of tactic applications on the first path that
// reached the node.
func (n *InternalNode) Depth() int { return n.depth }

// IsExpanded reports whether tactics have been generated for the node.
func (n *InternalNode) IsExpanded() bool { return n.expanded }

// UnprovableReason returns why the node was marked unprovable, or "".
func (n *InternalNode) UnprovableReason() string { return n.unprovable }

// evaluate derives the node status from its edges.
func (n *InternalNode) evaluate() Status {
	if n.status.IsTerminal() {
		return n.status
	}
	allFailed := true
	for _, e := range n.edges {
		switch e.status {
		case StatusProved:
			return StatusProved
		case StatusOpen:
			allFailed = false
		}
	}
	if n.unprovable != "" {
		return StatusFailed
	}
	if n.expanded && allFailed {
		return StatusFailed
	}
	return StatusOpen
}

// Edge is an AND node: one tactic applied at a parent node.
type Edge struct {
	id       int
	tactic   string
	score    float64
	parent   *InternalNode
	children []*InternalNode

	status    Status
	dead      bool
	stepError bool
	reason    string
}

// ID returns the edge's index in creation order.
func (e *Edge) ID() int { return e.id }

// Tactic returns the tactic text.
func (e *Edge) Tactic() string { return e.tactic }

// Score returns the generator score of the tactic.
func (e *Edge) Score() float64 { return e.score }

// Parent returns the node the tactic was applied at.
func (e *Edge) Parent() *InternalNode { return e.parent }

// Children returns the subgoal nodes in the order the environment reported.
func (e *Edge) Children() []*InternalNode { return e.children }

// Status returns the current status.
func (e *Edge) Status() Status { return e.status }

// IsStepError reports whether the edge failed because of a step-level fault
// rather than a logical failure.
func (e *Edge) IsStepError() bool { return e.stepError }

// Reason returns the failure message recorded for a failed tactic.
func (e *Edge) Reason() string { return e.reason }

// evaluate derives the edge status from its children.
func (e *Edge) evaluate() Status {
	if e.dead {
		return StatusFailed
	}
	allProved := true
	for _, c := range e.children {
		switch c.status {
		case StatusFailed:
			return StatusFailed
		case StatusOpen:
			allProved = false
		}
	}
	if allProved {
		return StatusProved
	}
	return StatusOpen
}
