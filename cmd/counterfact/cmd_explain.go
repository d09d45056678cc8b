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
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/counterfact/cmd/counterfact/config"
	"github.com/AleutianAI/counterfact/pkg/logging"
	"github.com/AleutianAI/counterfact/services/explain/dataset"
	"github.com/AleutianAI/counterfact/services/explain/model"
	"github.com/AleutianAI/counterfact/services/explain/optim"
	"github.com/AleutianAI/counterfact/services/explain/perturb"
	"github.com/AleutianAI/counterfact/services/explain/runner"
	"github.com/AleutianAI/counterfact/services/explain/search"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	flagVerbosity int

	flagBundle     string
	flagCheckpoint string

	flagEpochs    int
	flagOptimizer string
	flagLR        float64
	flagMomentum  float64

	flagAlpha float64
	flagBeta  float64
	flagGamma float64

	flagEdgeDel   bool
	flagEdgeAdd   bool
	flagDelta     bool
	flagBernoulli bool
	flagCEM       string

	flagRandInit float64
	flagSeed     int64
	flagNHid     int

	flagHistory   bool
	flagHistCap   int
	flagDivWindow int
	flagDebug     bool

	flagWorkers int
	flagOut     string
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Search counterfactual explanations over a dataset",
	Long: `Run the counterfactual search over the explanation split of a
graph bundle.

The frozen classifier comes from --checkpoint; without one, a seeded
random classifier is used (useful for mechanics experiments only).

Perturbation variants:
  default          original sigmoid formulation
  --delta          delta formulation (zero parameter = no change)
  --bernoulli      maximum-likelihood Bernoulli sampling
  --cem PN|PP      contrastive pertinent-negative / pertinent-positive

Examples:
  counterfact explain --bundle syn1.json --checkpoint gcn.json
  counterfact explain --bundle syn1.json --edge-del --edge-add --gamma 0.3
  counterfact explain --bundle mutag.json --delta --optimizer Adadelta
  counterfact explain --bundle syn4.json --cem PP --out results/`,
	RunE: runExplain,
}

func init() {
	f := explainCmd.Flags()

	f.StringVar(&flagBundle, "bundle", "", "dataset bundle JSON (required)")
	f.StringVar(&flagCheckpoint, "checkpoint", "", "frozen classifier weights JSON")

	f.IntVar(&flagEpochs, "epochs", 0, "search epochs per instance")
	f.StringVar(&flagOptimizer, "optimizer", "", "SGD or Adadelta")
	f.Float64Var(&flagLR, "lr", 0, "learning rate")
	f.Float64Var(&flagMomentum, "momentum", 0, "Nesterov momentum (SGD)")

	f.Float64Var(&flagAlpha, "alpha", 0, "prediction-flip loss weight")
	f.Float64Var(&flagBeta, "beta", 0, "graph-distance loss weight")
	f.Float64Var(&flagGamma, "gamma", 0, "diversity loss weight")

	f.BoolVar(&flagEdgeDel, "edge-del", false, "allow edge deletions")
	f.BoolVar(&flagEdgeAdd, "edge-add", false, "allow edge additions")
	f.BoolVar(&flagDelta, "delta", false, "use the delta formulation")
	f.BoolVar(&flagBernoulli, "bernoulli", false, "Bernoulli straight-through sampling")
	f.StringVar(&flagCEM, "cem", "", "contrastive mode: PN or PP")

	f.Float64Var(&flagRandInit, "rand-init", 0, "uniform init spread (0 = neutral init)")
	f.Int64Var(&flagSeed, "seed", 0, "run seed")
	f.IntVar(&flagNHid, "hidden", 0, "hidden width of the seeded random classifier")

	f.BoolVar(&flagHistory, "history", false, "retain per-epoch history")
	f.IntVar(&flagHistCap, "hist-cap", 0, "downsample history to this many entries")
	f.IntVar(&flagDivWindow, "div-window", 0, "diversity/dedup window size")
	f.BoolVar(&flagDebug, "debug", false, "fatal per-epoch invariant checks")

	f.IntVar(&flagWorkers, "workers", 0, "worker pool size")
	f.StringVar(&flagOut, "out", "", "result directory (msgpack)")

	_ = explainCmd.MarkFlagRequired("bundle")
}

// applyOverrides copies explicitly set flags over the file/default
// configuration. Unset flags leave the configuration untouched.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Root().PersistentFlags().Changed("verbosity") {
		cfg.Logging.Verbosity = flagVerbosity
	}

	set := map[string]func(){
		"bundle":     func() { cfg.Explain.Bundle = flagBundle },
		"checkpoint": func() { cfg.Explain.Checkpoint = flagCheckpoint },
		"epochs":     func() { cfg.Explain.Epochs = flagEpochs },
		"optimizer":  func() { cfg.Explain.Optimizer = flagOptimizer },
		"lr":         func() { cfg.Explain.LR = flagLR },
		"momentum":   func() { cfg.Explain.Momentum = flagMomentum },
		"alpha":      func() { cfg.Explain.Alpha = flagAlpha },
		"beta":       func() { cfg.Explain.Beta = flagBeta },
		"gamma":      func() { cfg.Explain.Gamma = flagGamma },
		"edge-del":   func() { cfg.Explain.EdgeDel = flagEdgeDel },
		"edge-add":   func() { cfg.Explain.EdgeAdd = flagEdgeAdd },
		"delta":      func() { cfg.Explain.Delta = flagDelta },
		"bernoulli":  func() { cfg.Explain.Bernoulli = flagBernoulli },
		"cem":        func() { cfg.Explain.CEM = flagCEM },
		"rand-init":  func() { cfg.Explain.RandInit = flagRandInit },
		"seed":       func() { cfg.Explain.Seed = flagSeed },
		"hidden":     func() { cfg.Explain.NHid = flagNHid },
		"history":    func() { cfg.Explain.History = flagHistory },
		"hist-cap":   func() { cfg.Explain.HistCap = flagHistCap },
		"div-window": func() { cfg.Explain.DivWindow = flagDivWindow },
		"debug":      func() { cfg.Explain.Debug = flagDebug },
		"workers":    func() { cfg.Explain.Workers = flagWorkers },
		"out":        func() { cfg.Explain.OutDir = flagOut },
	}
	for name, apply := range set {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}

	// CEM modes own their edit flags; drop the defaults so the
	// perturbation constructor sees a clean configuration.
	if cfg.Explain.CEM != "" {
		cfg.Explain.EdgeDel = false
		cfg.Explain.EdgeAdd = false
	}
}

func runExplain(cmd *cobra.Command, args []string) error {
	applyOverrides(cmd, &cfg)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:   logging.FromVerbosity(cfg.Logging.Verbosity),
		LogDir:  cfg.Logging.Dir,
		Service: "counterfact",
	})
	defer log.Close()

	data, err := dataset.Load(cfg.Explain.Bundle)
	if err != nil {
		return err
	}

	scorer, err := loadScorer(data, cfg.Explain)
	if err != nil {
		return err
	}

	runCfg := runner.RunConfig{
		Dataset: bundleName(cfg.Explain.Bundle),
		Perturb: perturb.Config{
			EdgeDel:        cfg.Explain.EdgeDel,
			EdgeAdd:        cfg.Explain.EdgeAdd,
			Delta:          cfg.Explain.Delta,
			Bernoulli:      cfg.Explain.Bernoulli,
			CEM:            perturb.CEMMode(cfg.Explain.CEM),
			Alpha:          cfg.Explain.Alpha,
			Beta:           cfg.Explain.Beta,
			Gamma:          cfg.Explain.Gamma,
			RandInitSpread: cfg.Explain.RandInit,
		},
		Search: search.Config{
			Epochs:          cfg.Explain.Epochs,
			Optimizer:       optim.Kind(cfg.Explain.Optimizer),
			LR:              cfg.Explain.LR,
			Momentum:        cfg.Explain.Momentum,
			History:         cfg.Explain.History,
			HistCap:         cfg.Explain.HistCap,
			DiversityWindow: cfg.Explain.DivWindow,
			Debug:           cfg.Explain.Debug,
		},
		Workers: cfg.Explain.Workers,
		OutDir:  cfg.Explain.OutDir,
		Seed:    cfg.Explain.Seed,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := runner.New(scorer, data, runCfg, log, nil).Run(ctx)
	if err != nil {
		return err
	}

	found := 0
	for _, res := range results {
		if res.Explanation.Found {
			found++
		}
	}
	fmt.Printf("explained %d/%d instances, counterfactual found for %d\n",
		len(results), len(data.TestIndices()), found)
	return nil
}

// loadScorer returns the checkpointed classifier, or a seeded random
// one when no checkpoint is configured.
func loadScorer(data dataset.Dataset, ec config.ExplainConfig) (model.Scorer, error) {
	if ec.Checkpoint != "" {
		return model.LoadCheckpoint(ec.Checkpoint)
	}
	return model.RandomScorer(string(data.Task()), data.NumFeatures(), ec.NHid,
		data.NumClasses(), ec.Seed)
}

// bundleName derives the dataset label used in result paths.
func bundleName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
