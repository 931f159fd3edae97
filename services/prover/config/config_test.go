// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/env"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultProverConfig_Valid(t *testing.T) {
	cfg := DefaultProverConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 600*time.Second, cfg.Search.Timeout)
	assert.Equal(t, 64, cfg.Search.NumSampledTactics)
	assert.Equal(t, search.TieBreakFIFO, cfg.Search.TieBreak)
	assert.Equal(t, 1, cfg.Pool.NumWorkers)
	assert.True(t, cfg.Stats.CountErrorsAsFailures)
}

func TestLoadProverConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadProverConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultProverConfig().Search, cfg.Search)
}

func TestLoadProverConfig_YAML(t *testing.T) {
	path := writeFile(t, "prover.yaml", `
search:
  timeout: 10m
  num_sampled_tactics: 32
  tie_break: lifo
pool:
  num_workers: 4
  with_gpus: true
  num_gpus: 2
environment:
  backend: websocket
  websocket:
    url: ws://checker:8080/ws
generator:
  kind: fixed
  tactics: [simp, omega]
stats:
  count_errors_as_failures: false
`)
	cfg, err := LoadProverConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Search.Timeout)
	assert.Equal(t, 32, cfg.Search.NumSampledTactics)
	assert.Equal(t, search.TieBreakLIFO, cfg.Search.TieBreak)
	assert.Equal(t, 4, cfg.Pool.NumWorkers)
	assert.Equal(t, 2, cfg.Pool.NumGPUs)
	assert.Equal(t, env.BackendWebSocket, cfg.Environment.Backend)
	assert.Equal(t, "ws://checker:8080/ws", cfg.Environment.WebSocket.URL)
	assert.Equal(t, []string{"simp", "omega"}, cfg.Generator.Tactics)
	assert.False(t, cfg.Stats.CountErrorsAsFailures)
	assert.Equal(t, 1.0, cfg.Observability.Telemetry.SampleRate, "untouched sections keep defaults")
}

func TestLoadProverConfig_JSONFallback(t *testing.T) {
	path := writeFile(t, "prover.json", `{"pool": {"num_workers": 3}, "expander": {"num_sampled_tactics": 8, "temperature": 0.5}}`)
	cfg, err := LoadProverConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pool.NumWorkers)
	assert.Equal(t, 0.5, cfg.Expander.Temperature)
}

func TestLoadProverConfig_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "prover.yaml", "pool:\n  num_workers: 4\n")
	t.Setenv("PROVER_NUM_WORKERS", "7")
	t.Setenv("PROVER_TIMEOUT", "90s")
	t.Setenv("PROVER_NUM_SAMPLED_TACTICS", "16")
	t.Setenv("PROVER_COUNT_ERRORS_AS_FAILURES", "false")
	t.Setenv("PROVER_RETRIEVER_URL", "localhost:8080")
	t.Setenv("PROVER_MAX_DEPTH", "not-a-number")

	cfg, err := LoadProverConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pool.NumWorkers)
	assert.Equal(t, 90*time.Second, cfg.Search.Timeout)
	assert.Equal(t, 16, cfg.Search.NumSampledTactics)
	assert.Equal(t, 16, cfg.Expander.NumSampledTactics)
	assert.False(t, cfg.Stats.CountErrorsAsFailures)
	assert.True(t, cfg.Retriever.Enabled)
	assert.Equal(t, 64, cfg.Search.MaxDepth, "unparseable values are ignored")
}

func TestLoadProverConfig_Invalid(t *testing.T) {
	path := writeFile(t, "bad.yaml", "search: [unclosed")
	_, err := LoadProverConfig(path)
	assert.ErrorContains(t, err, "tried YAML and JSON")

	path = writeFile(t, "zero.yaml", "pool:\n  num_workers: 0\n")
	_, err = LoadProverConfig(path)
	assert.ErrorContains(t, err, "num_workers")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ProverConfig)
		want   string
	}{
		{"timeout", func(c *ProverConfig) { c.Search.Timeout = 0 }, "timeout"},
		{"sampled tactics", func(c *ProverConfig) { c.Search.NumSampledTactics = 0 }, "num_sampled_tactics"},
		{"tie break", func(c *ProverConfig) { c.Search.TieBreak = "random" }, "tie"},
		{"temperature", func(c *ProverConfig) { c.Expander.Temperature = -1 }, "temperature"},
		{"gpus", func(c *ProverConfig) { c.Pool.WithGPUs = true; c.Pool.NumGPUs = 0 }, "num_gpus"},
		{"backend", func(c *ProverConfig) { c.Environment.Backend = "docker" }, "backend"},
		{"fixed without tactics", func(c *ProverConfig) { c.Generator.Kind = GeneratorFixed }, "tactic"},
		{"generator kind", func(c *ProverConfig) { c.Generator.Kind = "hf" }, "unknown kind"},
		{"retriever url", func(c *ProverConfig) { c.Retriever.Enabled = true; c.Retriever.Weaviate.URL = "" }, "weaviate"},
		{"log level", func(c *ProverConfig) { c.Observability.LogLevel = "trace" }, "log level"},
		{"trace exporter", func(c *ProverConfig) { c.Observability.Telemetry.TraceExporter = "zipkin" }, "exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultProverConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
