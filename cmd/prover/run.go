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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProver/pkg/logging"
	"github.com/AleutianAI/AleutianProver/services/prover/benchmark"
	"github.com/AleutianAI/AleutianProver/services/prover/config"
	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
	"github.com/AleutianAI/AleutianProver/services/prover/distributed"
	"github.com/AleutianAI/AleutianProver/services/prover/expander"
	"github.com/AleutianAI/AleutianProver/services/prover/store"
	"github.com/AleutianAI/AleutianProver/services/prover/telemetry"
)

func runSearchCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadProverConfig(flags.configPath)
	if err != nil {
		return err
	}
	flags.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Observability.LogLevel)
	if err != nil {
		return err
	}
	logs, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Observability.LogDir,
		Service: "prover",
		Stderr:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.Slog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := cfg.Observability.Telemetry
	tcfg.ServiceVersion = version
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()
	cfg.Search.TracingEnabled = tcfg.TracingEnabled()

	var server *telemetry.Server
	if cfg.Observability.MetricsAddr != "" {
		server = telemetry.NewServer(cfg.Observability.MetricsAddr, tcfg.ServiceName, logger)
		server.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(sctx)
		}()
	}

	sel, err := benchmark.Load(flags.selection())
	if err != nil {
		return fmt.Errorf("loading theorems: %w", err)
	}
	expID := flags.expID
	if expID == "" {
		expID = uuid.New().String()
	}
	logger.Info("Starting batch",
		slog.String("exp_id", expID),
		slog.String("repo", sel.Repo.String()),
		slog.Int("theorems", len(sel.Theorems)),
		slog.Int("workers", cfg.Pool.NumWorkers),
		slog.String("generator", cfg.Generator.Kind),
		slog.String("module", cfg.Generator.Module))

	var retriever expander.Retriever
	if cfg.Retriever.Enabled {
		r, err := expander.NewWeaviateRetriever(ctx, cfg.Retriever.Weaviate, logger)
		if err != nil {
			return fmt.Errorf("retriever: %w", err)
		}
		retriever = r
	}

	poolCfg := cfg.Pool
	poolCfg.CountErrorsAsFailures = cfg.Stats.CountErrorsAsFailures
	poolCfg.KeepTrees = cfg.Store.TreeFile != "" || cfg.Store.BadgerPath != ""

	factory := &workerFactory{cfg: cfg, retriever: retriever, logger: logger}
	prover, err := distributed.NewProverWithLogger(factory, poolCfg, logger)
	if err != nil {
		return err
	}
	defer prover.Close()
	if server != nil {
		server.SetReady(true)
	}

	batch, searchErr := prover.SearchAll(ctx, sel.Theorems)
	if err := persist(ctx, cfg.Store, expID, batch, logger); err != nil {
		return errors.Join(searchErr, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, batch.Summary.String())
	fmt.Fprintf(out, "Pass@1: %s\n", batch.Summary.PassRateString())
	return searchErr
}

// persist writes the results file, the optional tree file, the optional
// BadgerDB mirror, and uploads the written files when a bucket is
// configured. A failing step does not stop the others; their errors are
// joined.
func persist(ctx context.Context, cfg config.StoreConfig, expID string, batch *distributed.Batch, logger *slog.Logger) error {
	var errs []error
	var files []string

	resultsPath, err := store.WriteResults(cfg.OutputDir, expID, batch.Results)
	if err != nil {
		errs = append(errs, err)
	} else {
		logger.Info("Wrote results", slog.String("path", resultsPath))
		files = append(files, resultsPath)
	}

	if cfg.TreeFile != "" {
		if err := store.WriteTrees(cfg.TreeFile, batch.Results, batch.Trees); err != nil {
			errs = append(errs, err)
		} else {
			logger.Info("Wrote search trees", slog.String("path", cfg.TreeFile))
			files = append(files, cfg.TreeFile)
		}
	}

	if cfg.BadgerPath != "" {
		if err := mirror(cfg.BadgerPath, expID, batch, logger); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.GCS.Bucket != "" && len(files) > 0 {
		if err := upload(ctx, cfg.GCS, expID, files, logger); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func mirror(path, expID string, batch *distributed.Batch, logger *slog.Logger) error {
	db, err := store.OpenBadgerStore(store.BadgerConfig{Path: path, SyncWrites: true, Logger: logger})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.SaveBatch(expID, batch.Results, batch.Trees); err != nil {
		return fmt.Errorf("mirroring results: %w", err)
	}
	return nil
}

func upload(ctx context.Context, cfg store.GCSConfig, expID string, files []string, logger *slog.Logger) error {
	if cfg.Prefix == "" {
		cfg.Prefix = expID
	}
	uploader, err := store.NewGCSUploader(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer uploader.Close()
	// The batch context may already be cancelled; uploads still run.
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()
	_, err = uploader.Upload(uctx, files...)
	return err
}

func runSummarizeCommand(cmd *cobra.Command, args []string) error {
	summary, err := summarizeFiles(args, countErrors)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, summary.String())
	fmt.Fprintf(out, "Timeouts: %d, errors: %d\n", summary.Timeouts, summary.Errors)
	fmt.Fprintf(out, "Pass@1: %s\n", summary.PassRateString())
	return nil
}

func summarizeFiles(paths []string, countErrorsAsFailures bool) (distributed.Summary, error) {
	var all []datatypes.SearchResult
	for _, p := range paths {
		results, err := store.ReadResults(p)
		if err != nil {
			return distributed.Summary{}, err
		}
		all = append(all, results...)
	}
	return distributed.Summarize(all, countErrorsAsFailures), nil
}
