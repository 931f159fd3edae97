// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists search results and trees: JSON artifact files,
// an optional BadgerDB mirror and optional upload to Cloud Storage.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
	"github.com/AleutianAI/AleutianProver/services/prover/searchtree"
)

// ResultsFileName returns the results artifact name for an experiment.
func ResultsFileName(expID string) string {
	return expID + "_results.json"
}

// WriteResults writes results as a JSON list to <dir>/<expID>_results.json
// and returns the path written.
func WriteResults(dir, expID string, results []datatypes.SearchResult) (string, error) {
	if expID == "" {
		return "", fmt.Errorf("exp_id must not be empty")
	}
	if results == nil {
		results = []datatypes.SearchResult{}
	}
	path := filepath.Join(dir, ResultsFileName(expID))
	if err := writeJSON(path, results); err != nil {
		return "", fmt.Errorf("writing results: %w", err)
	}
	return path, nil
}

// WriteTrees writes a JSON object mapping theorem id (file:full_name) to
// tree dump. Trees of
// theorems that were not attempted are skipped.
func WriteTrees(path string, results []datatypes.SearchResult, trees map[string]*searchtree.SearchTree) error {
	out := make(map[string]searchtree.Dump, len(trees))
	for _, r := range results {
		if !r.Attempted() {
			continue
		}
		if tree, ok := trees[r.Theorem.ID()]; ok && tree != nil {
			out[r.Theorem.ID()] = tree.Dump()
		}
	}
	if err := writeJSON(path, out); err != nil {
		return fmt.Errorf("writing trees: %w", err)
	}
	return nil
}

// ReadResults reads a results file written by WriteResults.
func ReadResults(path string) ([]datatypes.SearchResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading results %s: %w", path, err)
	}
	var results []datatypes.SearchResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("decoding results %s: %w", path, err)
	}
	return results, nil
}

// ReadTrees reads a tree file written by WriteTrees.
func ReadTrees(path string) (map[string]searchtree.Dump, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trees %s: %w", path, err)
	}
	var trees map[string]searchtree.Dump
	if err := json.Unmarshal(data, &trees); err != nil {
		return nil, fmt.Errorf("decoding trees %s: %w", path, err)
	}
	return trees, nil
}

// writeJSON writes through a temp file and renames so a crash never leaves
// a truncated artifact.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
