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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/counterfact/cmd/counterfact/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	cfg        config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "counterfact",
	Short: "Counterfactual explanations for frozen graph classifiers",
	Long: `counterfact finds minimal structural perturbations (edge additions
and deletions) of an input graph that flip a frozen classifier's
prediction.

The classifier is never trained; a differentiable perturbation of the
adjacency matrix is optimized per instance under a composite loss of
prediction flip, graph edit distance, and optional diversity.

Examples:
  counterfact explain --bundle syn1.json --checkpoint gcn.json
  counterfact explain --bundle syn4.json --delta --edge-del --edge-add
  counterfact explain --bundle mutag.json --cem PN --epochs 300
  counterfact version`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the counterfact version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("counterfact", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a counterfact.yaml (defaults apply when omitted)")
	rootCmd.PersistentFlags().IntVarP(&flagVerbosity, "verbosity", "v", 1,
		"log verbosity: 0 warnings, 1 progress, 2 per-epoch detail")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(explainCmd)
}
