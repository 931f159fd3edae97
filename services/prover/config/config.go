// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config assembles the prover's configuration from defaults, a
// YAML or JSON file, and PROVER_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianProver/services/prover/distributed"
	"github.com/AleutianAI/AleutianProver/services/prover/env"
	"github.com/AleutianAI/AleutianProver/services/prover/expander"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
	"github.com/AleutianAI/AleutianProver/services/prover/store"
	"github.com/AleutianAI/AleutianProver/services/prover/telemetry"
)

// Generator kinds.
const (
	GeneratorOpenAI = "openai"
	GeneratorFixed  = "fixed"
)

// ProverConfig is the top-level configuration of a batch run.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type ProverConfig struct {
	Search         search.Config          `json:"search" yaml:"search"`
	Expander       expander.Config        `json:"expander" yaml:"expander"`
	Generator      GeneratorConfig        `json:"generator" yaml:"generator"`
	Retriever      RetrieverConfig        `json:"retriever" yaml:"retriever"`
	Environment    env.Config             `json:"environment" yaml:"environment"`
	Pool           distributed.Config     `json:"pool" yaml:"pool"`
	CircuitBreaker expander.BreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Store          StoreConfig            `json:"store" yaml:"store"`
	Observability  ObservabilityConfig    `json:"observability" yaml:"observability"`
	Stats          StatsConfig            `json:"stats" yaml:"stats"`
}

// GeneratorConfig selects the tactic generator.
type GeneratorConfig struct {
	// Kind is "openai" or "fixed".
	Kind string `json:"kind" yaml:"kind"`

	// Tactics are proposed verbatim by the fixed generator.
	Tactics []string `json:"tactics" yaml:"tactics"`

	// Module is recorded with fixed-tactic runs.
	Module string `json:"module" yaml:"module"`

	OpenAI expander.OpenAIConfig `json:"openai" yaml:"openai"`
}

// RetrieverConfig configures premise retrieval.
type RetrieverConfig struct {
	Enabled  bool                    `json:"enabled" yaml:"enabled"`
	Weaviate expander.WeaviateConfig `json:"weaviate" yaml:"weaviate"`
}

// StoreConfig configures persisted artifacts.
type StoreConfig struct {
	// OutputDir receives <exp_id>_results.json.
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// TreeFile, when set, receives the search trees.
	TreeFile string `json:"tree_file" yaml:"tree_file"`

	// BadgerPath, when set, mirrors results into BadgerDB.
	BadgerPath string `json:"badger_path" yaml:"badger_path"`

	// GCS uploads the artifacts when a bucket is set.
	GCS store.GCSConfig `json:"gcs" yaml:"gcs"`
}

// ObservabilityConfig contains logging, tracing and metrics settings.
type ObservabilityConfig struct {
	LogLevel string `json:"log_level" yaml:"log_level"`
	LogDir   string `json:"log_dir" yaml:"log_dir"`

	// MetricsAddr serves /metrics and /healthz when set.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
}

// StatsConfig controls the summary.
type StatsConfig struct {
	// CountErrorsAsFailures includes ERROR results in the pass@1
	// denominator.
	CountErrorsAsFailures bool `json:"count_errors_as_failures" yaml:"count_errors_as_failures"`
}

// DefaultProverConfig returns the default configuration.
func DefaultProverConfig() ProverConfig {
	return ProverConfig{
		Search:      search.DefaultConfig(),
		Expander:    expander.DefaultConfig(),
		Environment: env.DefaultConfig(),
		Pool:        distributed.DefaultConfig(),
		Generator: GeneratorConfig{
			Kind:   GeneratorOpenAI,
			OpenAI: expander.DefaultOpenAIConfig(),
		},
		Retriever: RetrieverConfig{
			Weaviate: expander.DefaultWeaviateConfig(),
		},
		CircuitBreaker: expander.DefaultBreakerConfig(),
		Store:          StoreConfig{OutputDir: "."},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			Telemetry: telemetry.DefaultConfig(),
		},
		Stats: StatsConfig{CountErrorsAsFailures: true},
	}
}

// LoadProverConfig loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - configPath: Path to YAML/JSON config file (optional, can be empty).
//
// Outputs:
//   - ProverConfig: Merged configuration.
//   - error: Non-nil if the file exists but is invalid, or validation fails.
func LoadProverConfig(configPath string) (ProverConfig, error) {
	config := DefaultProverConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}

	loadConfigFromEnv(&config)

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func loadConfigFile(path string, config *ProverConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadConfigFromEnv(config *ProverConfig) {
	// Search
	if d, ok := envDuration("PROVER_TIMEOUT"); ok {
		config.Search.Timeout = d
	}
	if i, ok := envInt("PROVER_NUM_SAMPLED_TACTICS"); ok {
		config.Search.NumSampledTactics = i
		config.Expander.NumSampledTactics = i
	}
	if i, ok := envInt("PROVER_MAX_EXPANSIONS"); ok {
		config.Search.MaxExpansions = i
	}
	if i, ok := envInt("PROVER_MAX_DEPTH"); ok {
		config.Search.MaxDepth = i
	}
	if v := os.Getenv("PROVER_TIE_BREAK"); v != "" {
		config.Search.TieBreak = search.TieBreak(v)
	}

	// Expander
	if f, ok := envFloat("PROVER_TEMPERATURE"); ok {
		config.Expander.Temperature = f
	}
	if i, ok := envInt("PROVER_NUM_PREMISES"); ok {
		config.Expander.NumPremises = i
	}
	if f, ok := envFloat("PROVER_REQUESTS_PER_SECOND"); ok {
		config.Expander.RequestsPerSecond = f
	}

	// Generator and retriever
	if v := os.Getenv("PROVER_GENERATOR_URL"); v != "" {
		config.Generator.OpenAI.BaseURL = v
	}
	if v := os.Getenv("PROVER_GENERATOR_GPU_URLS"); v != "" {
		config.Generator.OpenAI.GPUBaseURLs = strings.Split(v, ",")
	}
	if v := os.Getenv("PROVER_GENERATOR_MODEL"); v != "" {
		config.Generator.OpenAI.Model = v
	}
	if v := os.Getenv("PROVER_RETRIEVER_URL"); v != "" {
		config.Retriever.Enabled = true
		config.Retriever.Weaviate.URL = v
	}

	// Environment
	if v := os.Getenv("PROVER_ENV_BACKEND"); v != "" {
		config.Environment.Backend = v
	}
	if v := os.Getenv("PROVER_ENV_URL"); v != "" {
		config.Environment.WebSocket.URL = v
	}
	if d, ok := envDuration("PROVER_STEP_TIMEOUT"); ok {
		config.Environment.StepTimeout = d
		config.Search.StepTimeout = d
	}

	// Pool
	if i, ok := envInt("PROVER_NUM_WORKERS"); ok {
		config.Pool.NumWorkers = i
	}
	if b, ok := envBool("PROVER_WITH_GPUS"); ok {
		config.Pool.WithGPUs = b
	}
	if i, ok := envInt("PROVER_NUM_GPUS"); ok {
		config.Pool.NumGPUs = i
	}

	// Store
	if v := os.Getenv("PROVER_OUTPUT_DIR"); v != "" {
		config.Store.OutputDir = v
	}
	if v := os.Getenv("PROVER_STORE_PATH"); v != "" {
		config.Store.BadgerPath = v
	}
	if v := os.Getenv("PROVER_UPLOAD_BUCKET"); v != "" {
		config.Store.GCS.Bucket = v
	}

	// Observability
	if v := os.Getenv("PROVER_LOG_LEVEL"); v != "" {
		config.Observability.LogLevel = v
	}
	if v := os.Getenv("PROVER_METRICS_ADDR"); v != "" {
		config.Observability.MetricsAddr = v
	}
	if v := os.Getenv("PROVER_TRACE_EXPORTER"); v != "" {
		config.Observability.Telemetry.TraceExporter = v
	}

	// Stats
	if b, ok := envBool("PROVER_COUNT_ERRORS_AS_FAILURES"); ok {
		config.Stats.CountErrorsAsFailures = b
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	return i, err == nil
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	return d, err == nil
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	return v == "true" || v == "1", true
}

// Validate checks that the configuration is valid.
//
// Outputs:
//   - error: Non-nil if configuration is invalid.
func (c ProverConfig) Validate() error {
	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if err := c.Expander.Validate(); err != nil {
		return fmt.Errorf("expander: %w", err)
	}
	if c.Pool.NumWorkers < 1 {
		return fmt.Errorf("pool: num_workers must be >= 1")
	}
	if c.Pool.WithGPUs && c.Pool.NumGPUs < 1 {
		return fmt.Errorf("pool: with_gpus requires num_gpus >= 1")
	}
	switch c.Environment.Backend {
	case env.BackendRepl, env.BackendWebSocket:
	default:
		return fmt.Errorf("environment: %w: %q", env.ErrUnknownBackend, c.Environment.Backend)
	}
	switch c.Generator.Kind {
	case GeneratorOpenAI:
	case GeneratorFixed:
		if len(c.Generator.Tactics) == 0 {
			return fmt.Errorf("generator: fixed generator needs at least one tactic")
		}
	default:
		return fmt.Errorf("generator: unknown kind %q", c.Generator.Kind)
	}
	if c.Retriever.Enabled && c.Retriever.Weaviate.URL == "" {
		return fmt.Errorf("retriever: weaviate url must be set")
	}
	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("observability: unknown log level %q", c.Observability.LogLevel)
	}
	if err := c.Observability.Telemetry.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}
