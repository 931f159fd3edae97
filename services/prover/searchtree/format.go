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
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Dump is the serialized form of a SearchTree. Nodes and edges are listed
// flat and reference each other by id so shared nodes appear once.
type Dump struct {
	TheoremID string     `json:"theorem_id"`
	Status    Status     `json:"status"`
	Root      int        `json:"root"`
	Nodes     []NodeDump `json:"nodes"`
	Edges     []EdgeDump `json:"edges"`
	Proof     []string   `json:"proof,omitempty"`
}

// NodeDump is the serialized form of an InternalNode.
type NodeDump struct {
	ID         int      `json:"id"`
	Goals      []string `json:"goals"`
	Status     Status   `json:"status"`
	Priority   float64  `json:"priority"`
	Depth      int      `json:"depth"`
	Expanded   bool     `json:"expanded"`
	Unprovable string   `json:"unprovable,omitempty"`
	Edges      []int    `json:"edges"`
}

// EdgeDump is the serialized form of an Edge.
type EdgeDump struct {
	ID        int     `json:"id"`
	Parent    int     `json:"parent"`
	Tactic    string  `json:"tactic"`
	Score     float64 `json:"score"`
	Children  []int   `json:"children"`
	Status    Status  `json:"status"`
	StepError bool    `json:"step_error,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Dump builds the serializable snapshot of the tree.
func (t *SearchTree) Dump() Dump {
	d := Dump{
		TheoremID: t.theoremID,
		Status:    t.root.status,
		Root:      t.root.id,
		Nodes:     make([]NodeDump, 0, len(t.nodes)),
		Edges:     make([]EdgeDump, 0, len(t.edges)),
	}
	for _, n := range t.nodes {
		goals := n.state.Goals
		if goals == nil {
			goals = []string{}
		}
		nd := NodeDump{
			ID:         n.id,
			Goals:      goals,
			Status:     n.status,
			Priority:   finite(n.priority),
			Depth:      n.depth,
			Expanded:   n.expanded,
			Unprovable: n.unprovable,
			Edges:      make([]int, len(n.edges)),
		}
		for i, e := range n.edges {
			nd.Edges[i] = e.id
		}
		d.Nodes = append(d.Nodes, nd)
	}
	for _, e := range t.edges {
		ed := EdgeDump{
			ID:        e.id,
			Parent:    e.parent.id,
			Tactic:    e.tactic,
			Score:     finite(e.score),
			Children:  make([]int, len(e.children)),
			Status:    e.status,
			StepError: e.stepError,
			Reason:    e.reason,
		}
		for i, c := range e.children {
			ed.Children[i] = c.id
		}
		d.Edges = append(d.Edges, ed)
	}
	if steps, ok := t.Proof(); ok {
		d.Proof = ProofTactics(steps)
	}
	return d
}

// finite maps values JSON cannot carry onto the nearest representable
// value. NaN becomes zero.
func finite(f float64) float64 {
	switch {
	case math.IsNaN(f):
		return 0
	case math.IsInf(f, 1):
		return math.MaxFloat64
	case math.IsInf(f, -1):
		return -math.MaxFloat64
	}
	return f
}

// MarshalJSON serializes the tree as a Dump.
func (t *SearchTree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Dump())
}

// Format renders the tree as indented text. A node reached through more
// than one edge is expanded once and referenced by id afterwards.
func (t *SearchTree) Format() string {
	var sb strings.Builder
	st := t.Stats()
	sb.WriteString(fmt.Sprintf("Theorem: %s\n", t.theoremID))
	sb.WriteString(fmt.Sprintf("Status: %s, Nodes: %d, Expanded: %d, Edges: %d, Max Depth: %d\n",
		t.root.status, st.NumNodes, st.NumExpanded, st.NumEdges, st.MaxDepth))
	sb.WriteString("\n")

	seen := make(map[*InternalNode]bool)
	t.formatNode(&sb, t.root, "", "", seen)
	return sb.String()
}

func statusIcon(s Status) string {
	switch s {
	case StatusProved:
		return "✓"
	case StatusFailed:
		return "✗"
	default:
		return " "
	}
}

func (t *SearchTree) formatNode(sb *strings.Builder, n *InternalNode, prefix, branch string, seen map[*InternalNode]bool) {
	if seen[n] {
		sb.WriteString(fmt.Sprintf("%s%s(see #%d)\n", prefix, branch, n.id))
		return
	}
	seen[n] = true
	sb.WriteString(fmt.Sprintf("%s%s#%d %s %s (priority: %.2f)\n",
		prefix, branch, n.id, statusIcon(n.status), truncate(oneLine(n.state.String()), 60), n.priority))

	childPrefix := prefix
	switch branch {
	case "├── ":
		childPrefix += "│   "
	case "└── ":
		childPrefix += "    "
	}

	for i, e := range n.edges {
		last := i == len(n.edges)-1
		eb, ep := "├── ", childPrefix+"│   "
		if last {
			eb, ep = "└── ", childPrefix+"    "
		}
		line := fmt.Sprintf("%s%s%s [%s] %s (score: %.2f)", childPrefix, eb, statusIcon(e.status), e.status, truncate(e.tactic, 40), e.score)
		if e.stepError {
			line += " !error"
		}
		sb.WriteString(line + "\n")
		for j, c := range e.children {
			cb := "├── "
			if j == len(e.children)-1 {
				cb = "└── "
			}
			t.formatNode(sb, c, ep, cb, seen)
		}
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
