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

// ProofStep is one tactic application of a reconstructed proof.
type ProofStep struct {
	Tactic   string                 `json:"tactic"`
	State    datatypes.ProofState   `json:"state"`
	Children []datatypes.ProofState `json:"children"`
}

type proofCost struct {
	steps int
	score float64
	edge  *Edge
}

func (c proofCost) better(o proofCost) bool {
	if c.steps != o.steps {
		return c.steps < o.steps
	}
	return c.score > o.score
}

// Proof reconstructs the shortest proof of the root.
//
// The cost of a proved node is the minimum over its proved edges of one plus
// the sum of the children's costs. Ties are broken by the higher cumulative
// tactic score. Steps are returned in depth-first preorder: a tactic is
// followed by the proofs of its subgoals in child order.
//
// Outputs:
//
//	[]ProofStep - The proof, nil if the root is not PROVED.
//	bool - True if a proof was found.
func (t *SearchTree) Proof() ([]ProofStep, bool) {
	if t.root.status != StatusProved {
		return nil, false
	}

	best := make(map[*InternalNode]proofCost)
	// Costs only decrease, so the relaxation settles within len(nodes)+1
	// rounds even when proved nodes are shared.
	for round := 0; round <= len(t.nodes); round++ {
		changed := false
		for _, n := range t.nodes {
			if n.status != StatusProved {
				continue
			}
			for _, e := range n.edges {
				if e.status != StatusProved {
					continue
				}
				c, ok := edgeCost(e, best)
				if !ok {
					continue
				}
				if cur, seen := best[n]; !seen || c.better(cur) {
					best[n] = c
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}

	if _, ok := best[t.root]; !ok {
		return nil, false
	}
	var steps []ProofStep
	t.appendProof(t.root, best, &steps, 0)
	return steps, true
}

func edgeCost(e *Edge, best map[*InternalNode]proofCost) (proofCost, bool) {
	c := proofCost{steps: 1, score: e.score, edge: e}
	for _, child := range e.children {
		cc, ok := best[child]
		if !ok {
			return proofCost{}, false
		}
		c.steps += cc.steps
		c.score += cc.score
	}
	return c, true
}

func (t *SearchTree) appendProof(n *InternalNode, best map[*InternalNode]proofCost, steps *[]ProofStep, depth int) {
	if depth > len(t.nodes) {
		return
	}
	c := best[n]
	e := c.edge
	children := make([]datatypes.ProofState, len(e.children))
	for i, child := range e.children {
		children[i] = child.state
	}
	*steps = append(*steps, ProofStep{Tactic: e.tactic, State: n.state, Children: children})
	for _, child := range e.children {
		t.appendProof(child, best, steps, depth+1)
	}
}

// ProofTactics returns only the tactic texts of a proof.
func ProofTactics(steps []ProofStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Tactic
	}
	return out
}
