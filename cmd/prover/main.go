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
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:   "prover",
		Short: "Best-first proof search over a theorem benchmark",
		Long: `prover runs best-first proof search on a batch of theorems, sampling
tactics from a language model and checking them in a proof environment.`,
		SilenceUsage: true,
	}
	searchCmd = &cobra.Command{
		Use:   "search",
		Short: "Search proofs for theorems selected from a benchmark split",
		Args:  cobra.NoArgs,
		RunE:  runSearchCommand,
	}
	summarizeCmd = &cobra.Command{
		Use:   "summarize [results.json ...]",
		Short: "Aggregate one or more results files into pass@1",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSummarizeCommand,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the prover version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("prover " + version)
		},
	}

	flags searchFlags

	countErrors bool
)

func init() {
	rootCmd.AddCommand(searchCmd, summarizeCmd, versionCmd)
	flags.register(searchCmd)
	summarizeCmd.Flags().BoolVar(&countErrors, "count-errors-as-failures", true,
		"Include ERROR results in the pass@1 denominator")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
