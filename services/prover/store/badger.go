// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
	"github.com/AleutianAI/AleutianProver/services/prover/searchtree"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("not found")

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `yaml:"path" json:"path"`

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

// BadgerStore mirrors results and trees in an embedded BadgerDB, keyed by
// experiment so several runs can share one database.
//
// Keys:
//
//	result/<exp_id>/<theorem id>
//	tree/<exp_id>/<theorem id>
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerStore opens the database.
//
// Inputs:
//
//	cfg - Path is required unless InMemory is set.
//
// Outputs:
//
//	*BadgerStore - Call Close when done.
//	error - Non-nil if the path is missing or the database cannot be opened.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func resultKey(expID, theoremID string) []byte {
	return []byte("result/" + expID + "/" + theoremID)
}

func treeKey(expID, theoremID string) []byte {
	return []byte("tree/" + expID + "/" + theoremID)
}

// SaveBatch stores every result and, for attempted theorems, its tree in
// one transaction batch.
func (s *BadgerStore) SaveBatch(expID string, results []datatypes.SearchResult, trees map[string]*searchtree.SearchTree) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding result %s: %w", r.Theorem.ID(), err)
		}
		if err := wb.Set(resultKey(expID, r.Theorem.ID()), data); err != nil {
			return fmt.Errorf("storing result %s: %w", r.Theorem.ID(), err)
		}

		tree, ok := trees[r.Theorem.ID()]
		if !ok || tree == nil || !r.Attempted() {
			continue
		}
		data, err = json.Marshal(tree.Dump())
		if err != nil {
			return fmt.Errorf("encoding tree %s: %w", r.Theorem.ID(), err)
		}
		if err := wb.Set(treeKey(expID, r.Theorem.ID()), data); err != nil {
			return fmt.Errorf("storing tree %s: %w", r.Theorem.ID(), err)
		}
	}
	return wb.Flush()
}

// Result loads one result.
func (s *BadgerStore) Result(expID, theoremID string) (datatypes.SearchResult, error) {
	var r datatypes.SearchResult
	err := s.get(resultKey(expID, theoremID), &r)
	return r, err
}

// Tree loads one tree dump.
func (s *BadgerStore) Tree(expID, theoremID string) (searchtree.Dump, error) {
	var d searchtree.Dump
	err := s.get(treeKey(expID, theoremID), &d)
	return d, err
}

func (s *BadgerStore) get(key []byte, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// Results lists every result of an experiment in key order.
func (s *BadgerStore) Results(expID string) ([]datatypes.SearchResult, error) {
	prefix := []byte("result/" + expID + "/")
	var out []datatypes.SearchResult
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r datatypes.SearchResult
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Experiments lists the experiment ids that have results.
func (s *BadgerStore) Experiments() ([]string, error) {
	prefix := []byte("result/")
	seen := make(map[string]bool)
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), "result/")
			exp, _, _ := strings.Cut(rest, "/")
			if !seen[exp] {
				seen[exp] = true
				out = append(out, exp)
			}
		}
		return nil
	})
	return out, err
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
