// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config defines the YAML configuration of the counterfact CLI
// and its validation rules. CLI flags override file values; the file
// overrides defaults.
package config

type Config struct {
	// Logging controls verbosity and the optional file sink.
	Logging LoggingConfig `yaml:"logging"`

	// Explain holds every hyperparameter of an explanation run.
	Explain ExplainConfig `yaml:"explain"`
}

type LoggingConfig struct {
	// Verbosity: 0 warnings only, 1 progress, 2 per-epoch detail.
	Verbosity int `yaml:"verbosity" validate:"gte=0,lte=2"`

	// Dir receives dated JSON log files; empty logs to stderr only.
	Dir string `yaml:"dir"`
}

type ExplainConfig struct {
	// Bundle is the dataset bundle path; Checkpoint the frozen
	// classifier weights (empty seeds random weights for experiments).
	Bundle     string `yaml:"bundle"`
	Checkpoint string `yaml:"checkpoint"`

	// Epochs, Optimizer, LR and Momentum drive the search loop.
	Epochs    int     `yaml:"epochs" validate:"gt=0"`
	Optimizer string  `yaml:"optimizer" validate:"oneof=SGD Adadelta"`
	LR        float64 `yaml:"lr" validate:"gt=0"`
	Momentum  float64 `yaml:"momentum" validate:"gte=0,lt=1"`

	// Alpha, Beta and Gamma weight the loss terms.
	Alpha float64 `yaml:"alpha" validate:"gte=0"`
	Beta  float64 `yaml:"beta" validate:"gte=0"`
	Gamma float64 `yaml:"gamma" validate:"gte=0"`

	// EdgeDel/EdgeAdd/Delta/Bernoulli/CEM select the perturbation
	// formulation; cross-field rules are enforced at construction, not
	// here, so the CLI reports them uniformly.
	EdgeDel   bool   `yaml:"edge_del"`
	EdgeAdd   bool   `yaml:"edge_add"`
	Delta     bool   `yaml:"delta"`
	Bernoulli bool   `yaml:"bernoulli"`
	CEM       string `yaml:"cem" validate:"omitempty,oneof=PN PP"`

	// RandInit, when positive, draws the initial perturbation uniformly
	// within ±RandInit; zero starts from the neutral parameter.
	RandInit float64 `yaml:"rand_init" validate:"gte=0"`

	// Seed makes runs reproducible; instance seeds derive from it.
	Seed int64 `yaml:"seed"`

	// NHid sizes the randomly seeded classifier when no checkpoint is
	// given.
	NHid int `yaml:"n_hid" validate:"gt=0"`

	// History/HistCap/DivWindow control candidate retention.
	History   bool `yaml:"history"`
	HistCap   int  `yaml:"hist_cap" validate:"gte=0"`
	DivWindow int  `yaml:"div_window" validate:"gte=0"`

	// Debug enables fatal per-epoch invariant checks.
	Debug bool `yaml:"debug"`

	// Workers bounds pool concurrency.
	Workers int `yaml:"workers" validate:"gte=1"`

	// OutDir receives msgpack results; empty disables persistence.
	OutDir string `yaml:"out_dir"`
}

// Default returns the configuration used when no file or flags are
// given; hyperparameters mirror the reference values, except that
// random initialization defaults off so unseeded runs stay
// reproducible.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Verbosity: 1},
		Explain: ExplainConfig{
			Epochs:    500,
			Optimizer: "SGD",
			LR:        0.005,
			Alpha:     1,
			Beta:      0.5,
			EdgeDel:   true,
			NHid:      20,
			History:   true,
			HistCap:   10,
			DivWindow: 5,
			Workers:   4,
		},
	}
}
