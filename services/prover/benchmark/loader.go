// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package benchmark loads theorem benchmarks in the LeanDojo JSON layout
// and selects the subset a run should search.
package benchmark

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
)

var (
	// ErrUnknownSplit is returned for a split other than train, val or test.
	ErrUnknownSplit = errors.New("unknown split")

	// ErrMixedRepos is returned when the selection spans several
	// repositories.
	ErrMixedRepos = errors.New("theorems must come from a single repository")

	// ErrEmptySelection is returned when the filters select nothing.
	ErrEmptySelection = errors.New("no theorems selected")
)

// Splits lists the accepted split names.
var Splits = []string{"train", "val", "test"}

// Record is one theorem as stored in a split file.
type Record struct {
	URL       string `json:"url"`
	Commit    string `json:"commit"`
	FilePath  string `json:"file_path"`
	FullName  string `json:"full_name"`
	Start     [2]int `json:"start"`
	End       [2]int `json:"end"`
	Statement string `json:"statement,omitempty"`
}

// Theorem converts the record.
func (r Record) Theorem() datatypes.Theorem {
	return datatypes.Theorem{
		Repo:      datatypes.Repo{URL: r.URL, Commit: r.Commit},
		FilePath:  r.FilePath,
		FullName:  r.FullName,
		Start:     datatypes.Pos{Line: r.Start[0], Column: r.Start[1]},
		End:       datatypes.Pos{Line: r.End[0], Column: r.End[1]},
		Statement: r.Statement,
	}
}

// Options selects theorems from a benchmark.
type Options struct {
	// DataPath is the directory holding <split>.json.
	DataPath string

	// Split is train, val or test.
	Split string

	// FilePath keeps theorems in this file only.
	FilePath string

	// FullName keeps the theorem with this name only.
	FullName string

	// NameFilter keeps theorems whose hex MD5 of the full name starts
	// with this prefix.
	NameFilter string

	// NumTheorems keeps the first N after the other filters. Zero keeps all.
	NumTheorems int
}

// Selection is the loaded subset.
type Selection struct {
	Repo     datatypes.Repo
	Theorems []datatypes.Theorem
}

// Load reads <DataPath>/<Split>.json and applies the filters in order:
// file path, full name, name filter, count.
//
// Outputs:
//
//	*Selection - Theorems in file order, all from one repository.
//	error - ErrUnknownSplit, ErrEmptySelection, ErrMixedRepos, or a read or
//	  decode failure.
func Load(opts Options) (*Selection, error) {
	if !validSplit(opts.Split) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSplit, opts.Split)
	}
	if opts.NumTheorems < 0 {
		return nil, fmt.Errorf("num_theorems must be >= 0, got %d", opts.NumTheorems)
	}

	path := filepath.Join(opts.DataPath, opts.Split+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading benchmark %s: %w", path, err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding benchmark %s: %w", path, err)
	}

	records = Filter(records, opts)
	if len(records) == 0 {
		return nil, ErrEmptySelection
	}

	sel := &Selection{Theorems: make([]datatypes.Theorem, 0, len(records))}
	for i, r := range records {
		thm := r.Theorem()
		if i == 0 {
			sel.Repo = thm.Repo
		} else if thm.Repo != sel.Repo {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedRepos, sel.Repo, thm.Repo)
		}
		sel.Theorems = append(sel.Theorems, thm)
	}
	return sel, nil
}

// Filter applies the selection filters to records without touching disk.
func Filter(records []Record, opts Options) []Record {
	out := records
	if opts.FilePath != "" {
		out = keep(out, func(r Record) bool { return r.FilePath == opts.FilePath })
	}
	if opts.FullName != "" {
		out = keep(out, func(r Record) bool { return r.FullName == opts.FullName })
	}
	if opts.NameFilter != "" {
		prefix := strings.ToLower(opts.NameFilter)
		out = keep(out, func(r Record) bool { return strings.HasPrefix(NameHash(r.FullName), prefix) })
	}
	if opts.NumTheorems > 0 && len(out) > opts.NumTheorems {
		out = out[:opts.NumTheorems]
	}
	return out
}

// NameHash returns the hex MD5 digest of a full name.
func NameHash(fullName string) string {
	sum := md5.Sum([]byte(fullName))
	return hex.EncodeToString(sum[:])
}

func keep(records []Record, pred func(Record) bool) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

func validSplit(split string) bool {
	for _, s := range Splits {
		if s == split {
			return true
		}
	}
	return false
}
