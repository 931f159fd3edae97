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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProver/services/prover/benchmark"
	"github.com/AleutianAI/AleutianProver/services/prover/config"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
)

// searchFlags holds the search command line. Flags override the config
// file and PROVER_* variables only when set explicitly.
type searchFlags struct {
	configPath string

	dataPath    string
	split       string
	filePath    string
	fullName    string
	nameFilter  string
	numTheorems int

	expID          string
	outputDir      string
	outputTreeFile string
	storePath      string
	uploadBucket   string

	numWorkers        int
	withGPUs          bool
	numGPUs           int
	timeout           time.Duration
	numSampledTactics int
	tieBreak          string

	tactics    []string
	module     string
	genURL     string
	genGPUURLs []string
	genModel   string
	retURL     string
	envBackend string
	envURL     string
	replDir    string

	metricsAddr string
	logDir      string
	verbose     bool
}

func (f *searchFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "YAML or JSON config file")

	fs.StringVar(&f.dataPath, "data-path", "", "Directory holding the benchmark split files")
	fs.StringVar(&f.split, "split", "val", "Benchmark split: train, val or test")
	fs.StringVar(&f.filePath, "file-path", "", "Only theorems in this file")
	fs.StringVar(&f.fullName, "full-name", "", "Only the theorem with this full name")
	fs.StringVar(&f.nameFilter, "name-filter", "", "Only theorems whose MD5 name hash starts with this prefix")
	fs.IntVar(&f.numTheorems, "num-theorems", 0, "Keep the first N selected theorems (0 keeps all)")

	fs.StringVar(&f.expID, "exp-id", "", "Experiment id used in artifact names (default: random UUID)")
	fs.StringVar(&f.outputDir, "output-dir", "", "Directory for <exp_id>_results.json")
	fs.StringVar(&f.outputTreeFile, "output-tree-file", "", "Write search trees of attempted theorems to this file")
	fs.StringVar(&f.storePath, "store-path", "", "Mirror results into a BadgerDB at this path")
	fs.StringVar(&f.uploadBucket, "upload-bucket", "", "Upload artifacts to this GCS bucket")

	fs.IntVar(&f.numWorkers, "num-workers", 1, "Number of concurrent searches")
	fs.BoolVar(&f.withGPUs, "with-gpus", false, "Back some workers with GPUs")
	fs.IntVar(&f.numGPUs, "num-gpus", 0, "Number of GPU workers when --with-gpus is set")
	fs.DurationVar(&f.timeout, "timeout", 600*time.Second, "Per-theorem search timeout")
	fs.IntVar(&f.numSampledTactics, "num-sampled-tactics", 64, "Tactic candidates per expansion")
	fs.StringVar(&f.tieBreak, "tie-break", "fifo", "Order of equal-priority nodes: fifo or lifo")

	fs.StringSliceVar(&f.tactics, "tactic", nil, "Propose these tactics instead of sampling a model")
	fs.StringVar(&f.module, "module", "", "Module the fixed tactics come from (recorded only)")
	fs.StringVar(&f.genURL, "gen-url", "", "OpenAI-compatible generation server URL")
	fs.StringSliceVar(&f.genGPUURLs, "gen-gpu-urls", nil, "Generation server per GPU device, used by GPU workers")
	fs.StringVar(&f.genModel, "gen-model", "", "Served generation model name")
	fs.StringVar(&f.retURL, "ret-url", "", "Weaviate URL of the premise index (enables retrieval)")
	fs.StringVar(&f.envBackend, "env-backend", "", "Proof environment backend: repl or websocket")
	fs.StringVar(&f.envURL, "env-url", "", "WebSocket URL of the remote proof checker")
	fs.StringVar(&f.replDir, "repl-dir", "", "Working directory of the REPL, usually the checked-out repository")

	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")
	fs.StringVar(&f.logDir, "log-dir", "", "Also write JSON logs to this directory")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Debug logging")
}

// apply overlays explicitly set flags onto cfg.
func (f *searchFlags) apply(cmd *cobra.Command, cfg *config.ProverConfig) {
	changed := cmd.Flags().Changed

	if changed("output-dir") {
		cfg.Store.OutputDir = f.outputDir
	}
	if changed("output-tree-file") {
		cfg.Store.TreeFile = f.outputTreeFile
	}
	if changed("store-path") {
		cfg.Store.BadgerPath = f.storePath
	}
	if changed("upload-bucket") {
		cfg.Store.GCS.Bucket = f.uploadBucket
	}

	if changed("num-workers") {
		cfg.Pool.NumWorkers = f.numWorkers
	}
	if changed("with-gpus") {
		cfg.Pool.WithGPUs = f.withGPUs
	}
	if changed("num-gpus") {
		cfg.Pool.NumGPUs = f.numGPUs
	}
	if changed("timeout") {
		cfg.Search.Timeout = f.timeout
	}
	if changed("num-sampled-tactics") {
		cfg.Search.NumSampledTactics = f.numSampledTactics
		cfg.Expander.NumSampledTactics = f.numSampledTactics
	}
	if changed("tie-break") {
		cfg.Search.TieBreak = search.TieBreak(f.tieBreak)
	}

	if changed("tactic") {
		cfg.Generator.Kind = config.GeneratorFixed
		cfg.Generator.Tactics = f.tactics
	}
	if changed("module") {
		cfg.Generator.Module = f.module
	}
	if changed("gen-url") {
		cfg.Generator.OpenAI.BaseURL = f.genURL
	}
	if changed("gen-gpu-urls") {
		cfg.Generator.OpenAI.GPUBaseURLs = f.genGPUURLs
	}
	if changed("gen-model") {
		cfg.Generator.OpenAI.Model = f.genModel
	}
	if changed("ret-url") {
		cfg.Retriever.Enabled = true
		cfg.Retriever.Weaviate.URL = f.retURL
	}
	if changed("env-backend") {
		cfg.Environment.Backend = f.envBackend
	}
	if changed("env-url") {
		cfg.Environment.WebSocket.URL = f.envURL
	}
	if changed("repl-dir") {
		cfg.Environment.Repl.Dir = f.replDir
	}

	if changed("metrics-addr") {
		cfg.Observability.MetricsAddr = f.metricsAddr
	}
	if changed("log-dir") {
		cfg.Observability.LogDir = f.logDir
	}
	if f.verbose {
		cfg.Observability.LogLevel = "debug"
	}
}

func (f *searchFlags) selection() benchmark.Options {
	return benchmark.Options{
		DataPath:    f.dataPath,
		Split:       f.split,
		FilePath:    f.filePath,
		FullName:    f.fullName,
		NameFilter:  f.nameFilter,
		NumTheorems: f.numTheorems,
	}
}
