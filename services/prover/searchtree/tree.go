// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package searchtree

import (
	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
)

// SearchTree owns every node and edge created for one theorem attempt.
//
// Thread Safety: Not safe for concurrent use.
type SearchTree struct {
	theoremID string
	root      *InternalNode
	index     map[string]*InternalNode
	nodes     []*InternalNode
	edges     []*Edge
}

// New builds a one-node tree whose root holds the initial state.
//
// Inputs:
//
//	theoremID - Identifier recorded in dumps.
//	initial - The theorem's initial proof state.
//
// Outputs:
//
//	*SearchTree - Tree with an OPEN root at priority 0 and depth 0.
func New(theoremID string, initial datatypes.ProofState) *SearchTree {
	t := &SearchTree{
		theoremID: theoremID,
		index:     make(map[string]*InternalNode),
	}
	t.root, _ = t.GetOrCreateNode(initial)
	return t
}

// TheoremID returns the identifier the tree was created for.
func (t *SearchTree) TheoremID() string { return t.theoremID }

// Root returns the root node.
func (t *SearchTree) Root() *InternalNode { return t.root }

// Status returns the root status.
func (t *SearchTree) Status() Status { return t.root.status }

// Nodes returns all nodes in creation order.
func (t *SearchTree) Nodes() []*InternalNode { return t.nodes }

// Edges returns all edges in creation order.
func (t *SearchTree) Edges() []*Edge { return t.edges }

// Lookup returns the node for a structurally equal state, if any.
func (t *SearchTree) Lookup(state datatypes.ProofState) (*InternalNode, bool) {
	n, ok := t.index[state.Key()]
	return n, ok
}

// GetOrCreateNode returns the node for a structurally equal state, creating
// a fresh OPEN node when none exists.
//
// Outputs:
//
//	*InternalNode - The shared node.
//	bool - True if the node was created by this call.
func (t *SearchTree) GetOrCreateNode(state datatypes.ProofState) (*InternalNode, bool) {
	key := state.Key()
	if n, ok := t.index[key]; ok {
		return n, false
	}
	n := &InternalNode{
		id:     len(t.nodes),
		state:  state,
		status: StatusOpen,
	}
	t.index[key] = n
	t.nodes = append(t.nodes, n)
	return n, true
}

// AddEdge records a successful tactic application at parent and propagates
// the resulting status change.
//
// A tactic that closed the goal has no child states and yields an edge that
// is PROVED immediately. Newly created children inherit priority
// parent.Priority()+score and depth parent.Depth()+1.
//
// Outputs:
//
//	*Edge - The new edge.
//	[]*InternalNode - Children created by this call, in child order. Reused
//	  nodes are not included.
func (t *SearchTree) AddEdge(parent *InternalNode, tactic string, score float64, childStates []datatypes.ProofState) (*Edge, []*InternalNode) {
	e := t.newEdge(parent, tactic, score)

	var created []*InternalNode
	e.children = make([]*InternalNode, 0, len(childStates))
	for _, cs := range childStates {
		child, isNew := t.GetOrCreateNode(cs)
		if isNew {
			child.priority = parent.priority + score
			child.depth = parent.depth + 1
			created = append(created, child)
		}
		e.children = append(e.children, child)
		child.parents = append(child.parents, e)
	}

	e.status = e.evaluate()
	t.PropagateStatus(parent)
	return e, created
}

// AddFailedEdge records a tactic that failed at parent. The edge is FAILED
// and has no children. stepError distinguishes step-level faults from
// logical failures and does not change the status algebra.
func (t *SearchTree) AddFailedEdge(parent *InternalNode, tactic string, score float64, reason string, stepError bool) *Edge {
	e := t.newEdge(parent, tactic, score)
	e.dead = true
	e.stepError = stepError
	e.reason = reason
	e.status = StatusFailed
	t.PropagateStatus(parent)
	return e
}

func (t *SearchTree) newEdge(parent *InternalNode, tactic string, score float64) *Edge {
	e := &Edge{
		id:     len(t.edges),
		tactic: tactic,
		score:  score,
		parent: parent,
		status: StatusOpen,
	}
	t.edges = append(t.edges, e)
	parent.edges = append(parent.edges, e)
	return e
}

// MarkExpanded records that every candidate tactic for node has been tried
// and propagates. An expanded node with no open edges becomes FAILED.
func (t *SearchTree) MarkExpanded(node *InternalNode) {
	node.expanded = true
	t.PropagateStatus(node)
}

// MarkUnprovable fails an OPEN node for a resource reason such as the depth
// limit and propagates. Terminal nodes are left unchanged.
func (t *SearchTree) MarkUnprovable(node *InternalNode, reason string) {
	if node.status.IsTerminal() {
		return
	}
	if reason == "" {
		reason = "unprovable"
	}
	node.unprovable = reason
	t.PropagateStatus(node)
}

// PropagateStatus re-evaluates the given nodes and pushes any change up to
// their ancestors until a fixed point is reached.
//
// A node is queued again only when one of its outgoing edges changes
// status. Nodes and edges change status at most once, so propagation
// terminates on cyclic graphs.
//
// Outputs:
//
//	int - Number of node evaluations performed.
func (t *SearchTree) PropagateStatus(nodes ...*InternalNode) int {
	queue := make([]*InternalNode, 0, len(nodes))
	queued := make(map[*InternalNode]bool, len(nodes))
	for _, n := range nodes {
		if n != nil && !queued[n] {
			queued[n] = true
			queue = append(queue, n)
		}
	}

	evaluations := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		queued[n] = false

		if n.status.IsTerminal() {
			continue
		}
		evaluations++
		next := n.evaluate()
		if next == n.status {
			continue
		}
		n.status = next

		for _, pe := range n.parents {
			if pe.status.IsTerminal() {
				continue
			}
			if s := pe.evaluate(); s != pe.status {
				pe.status = s
				if p := pe.parent; !p.status.IsTerminal() && !queued[p] {
					queued[p] = true
					queue = append(queue, p)
				}
			}
		}
	}
	return evaluations
}

// Stats summarises the size of the tree.
type Stats struct {
	NumNodes      int `json:"num_nodes"`
	NumExpanded   int `json:"num_expanded"`
	NumEdges      int `json:"num_edges"`
	NumStepErrors int `json:"num_step_errors"`
	MaxDepth      int `json:"max_depth"`
}

// Stats counts nodes, expanded nodes, edges and step errors.
func (t *SearchTree) Stats() Stats {
	s := Stats{NumNodes: len(t.nodes), NumEdges: len(t.edges)}
	for _, n := range t.nodes {
		if n.expanded {
			s.NumExpanded++
		}
		if n.depth > s.MaxDepth {
			s.MaxDepth = n.depth
		}
	}
	for _, e := range t.edges {
		if e.stepError {
			s.NumStepErrors++
		}
	}
	return s
}
