// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/config"
	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
	"github.com/AleutianAI/AleutianProver/services/prover/distributed"
	"github.com/AleutianAI/AleutianProver/services/prover/expander"
	"github.com/AleutianAI/AleutianProver/services/prover/store"
)

func TestSearchFlags_ApplyOnlyChanged(t *testing.T) {
	var f searchFlags
	cmd := &cobra.Command{Use: "search"}
	f.register(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{
		"--num-workers", "8",
		"--timeout", "2m",
		"--tactic", "simp,omega",
		"--ret-url", "weaviate:8080",
		"--verbose",
		"--gen-gpu-urls", "http://gpu0/v1,http://gpu1/v1",
	}))

	cfg := config.DefaultProverConfig()
	cfg.Search.NumSampledTactics = 12
	f.apply(cmd, &cfg)

	assert.Equal(t, 8, cfg.Pool.NumWorkers)
	assert.Equal(t, 2*time.Minute, cfg.Search.Timeout)
	assert.Equal(t, config.GeneratorFixed, cfg.Generator.Kind)
	assert.Equal(t, []string{"simp", "omega"}, cfg.Generator.Tactics)
	assert.True(t, cfg.Retriever.Enabled)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.Equal(t, []string{"http://gpu0/v1", "http://gpu1/v1"}, cfg.Generator.OpenAI.GPUBaseURLs)
	assert.Equal(t, 12, cfg.Search.NumSampledTactics, "unset flags keep config values")
	require.NoError(t, cfg.Validate())
}

func TestWorkerFactory_FixedGenerator(t *testing.T) {
	cfg := config.DefaultProverConfig()
	cfg.Generator.Kind = config.GeneratorFixed
	cfg.Generator.Tactics = []string{"rfl"}
	cfg.Environment.StepTimeout = 5 * time.Second

	f := &workerFactory{cfg: cfg, logger: slog.Default()}
	w, err := f.NewWorker(context.Background(), distributed.WorkerSpec{ID: "cpu-0", Kind: distributed.WorkerCPU, Device: -1})
	require.NoError(t, err)
	require.NotNil(t, w.Scheduler)
	require.NotNil(t, w.Environment)
	assert.Equal(t, 5*time.Second, w.Scheduler.Config().StepTimeout)
}

func TestWorkerFactory_BadBackend(t *testing.T) {
	cfg := config.DefaultProverConfig()
	cfg.Generator.Kind = config.GeneratorFixed
	cfg.Generator.Tactics = []string{"rfl"}
	cfg.Environment.Backend = "docker"

	f := &workerFactory{cfg: cfg, logger: slog.Default()}
	_, err := f.NewWorker(context.Background(), distributed.WorkerSpec{ID: "cpu-0"})
	assert.Error(t, err)
}

func TestSummarizeFiles(t *testing.T) {
	dir := t.TempDir()
	thm := datatypes.Theorem{FilePath: "A.lean", FullName: "a"}
	_, err := store.WriteResults(dir, "one", []datatypes.SearchResult{
		{Theorem: thm, Status: datatypes.StatusProved},
		{Theorem: thm, Status: datatypes.StatusFailed, Reason: datatypes.ReasonTimeout},
	})
	require.NoError(t, err)
	_, err = store.WriteResults(dir, "two", []datatypes.SearchResult{
		{Theorem: thm, Status: datatypes.StatusError},
		{Theorem: thm, Status: datatypes.StatusDiscarded},
	})
	require.NoError(t, err)

	paths := []string{filepath.Join(dir, "one_results.json"), filepath.Join(dir, "two_results.json")}
	s, err := summarizeFiles(paths, true)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Timeouts)
	assert.InDelta(t, 1.0/3.0, s.PassRate(), 1e-9)

	s, err = summarizeFiles(paths, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s.PassRate(), 1e-9)

	_, err = summarizeFiles([]string{filepath.Join(dir, "missing.json")}, true)
	assert.Error(t, err)
}

func completionServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "text_completion",
			"created": 1700000000,
			"model": "tactic-model",
			"choices": [{"text": "rfl", "index": 0, "finish_reason": "stop",
				"logprobs": {"tokens": ["rfl"], "token_logprobs": [-0.1]}}]
		}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestWorkerFactory_GPUWorkersUseDeviceEndpoint(t *testing.T) {
	var shared, gpu0, gpu1 atomic.Int32
	sharedSrv := completionServer(t, &shared)
	gpu0Srv := completionServer(t, &gpu0)
	gpu1Srv := completionServer(t, &gpu1)

	cfg := config.DefaultProverConfig()
	cfg.Generator.Kind = config.GeneratorOpenAI
	cfg.Generator.OpenAI = expander.OpenAIConfig{
		BaseURL:     sharedSrv.URL + "/v1",
		GPUBaseURLs: []string{gpu0Srv.URL + "/v1", gpu1Srv.URL + "/v1"},
		Model:       "tactic-model",
		APIKey:      "k",
	}
	f := &workerFactory{cfg: cfg, logger: slog.Default()}

	specs := []distributed.WorkerSpec{
		{ID: "gpu-1", Kind: distributed.WorkerGPU, Device: 1},
		{ID: "gpu-2", Kind: distributed.WorkerGPU, Device: 2},
		{ID: "cpu-0", Kind: distributed.WorkerCPU, Device: -1},
	}
	for _, spec := range specs {
		gen, err := f.generator(spec, slog.Default())
		require.NoError(t, err)
		cands, err := gen.Generate(context.Background(), "⊢ p", 1, 0)
		require.NoError(t, err, spec.ID)
		require.Len(t, cands, 1)
	}

	assert.EqualValues(t, 1, gpu1.Load(), "device 1 uses its own server")
	assert.EqualValues(t, 1, gpu0.Load(), "device 2 wraps around to the first server")
	assert.EqualValues(t, 1, shared.Load(), "cpu workers use the shared server")
}

func TestOpenAIConfigFor_NoGPUEndpoints(t *testing.T) {
	cfg := expander.OpenAIConfig{BaseURL: "http://shared/v1", Model: "m"}
	got := openAIConfigFor(cfg, distributed.WorkerSpec{ID: "gpu-0", Kind: distributed.WorkerGPU, Device: 0})
	assert.Equal(t, "http://shared/v1", got.BaseURL)
}

func TestPersist_ContinuesPastFailedArtifact(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	thm := datatypes.Theorem{FilePath: "A.lean", FullName: "a"}
	batch := &distributed.Batch{Results: []datatypes.SearchResult{
		{Theorem: thm, Status: datatypes.StatusProved, Proof: []string{"rfl"}},
	}}
	cfg := config.StoreConfig{
		OutputDir:  dir,
		TreeFile:   filepath.Join(blocker, "trees.json"),
		BadgerPath: filepath.Join(dir, "badger"),
	}

	err := persist(context.Background(), cfg, "exp", batch, slog.Default())
	require.Error(t, err, "tree file under a regular file cannot be written")

	_, statErr := os.Stat(filepath.Join(dir, "exp_results.json"))
	assert.NoError(t, statErr, "results file still written")

	db, err := store.OpenBadgerStore(store.BadgerConfig{Path: cfg.BadgerPath})
	require.NoError(t, err)
	defer db.Close()
	mirrored, err := db.Results("exp")
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	assert.Equal(t, datatypes.StatusProved, mirrored[0].Status)
}
