// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package perturb implements the differentiable perturbation models at
// the core of the counterfactual explainer.
//
// A perturbation model wraps a frozen classifier and owns a single
// trainable parameter: a real-valued matrix whose strict lower triangle
// encodes candidate edge edits. Each forward pass derives two perturbed
// adjacencies from it — a differentiable one for gradient flow and a
// hard-thresholded one (via a straight-through estimator) for the
// "actual" discrete prediction — and runs both through the same frozen
// weights.
//
// Two formulations are provided behind the Strategy interface:
//
//   - Orig: the perturbation read is sigmoid(P), so the zero-initialized
//     parameter starts at 0.5 and thresholds to "keep everything".
//   - Delta: the perturbation read is clamp01(P) applied as an explicit
//     delta against the input adjacency, so the zero parameter means
//     "no change" exactly and addition/deletion compose freely.
//
// Both support Bernoulli maximum-likelihood sampling (hard threshold
// with pass-through gradient on the differentiable path as well) and
// the contrastive CEM modes: pertinent-negative (forces addition,
// searches structure that changes the prediction) and pertinent-positive
// (forces deletion, searches minimal structure that preserves it).
//
// The variant is selected exactly once, at construction; the search
// loop never branches on mode again.
package perturb

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/counterfact/services/explain/autodiff"
	"github.com/AleutianAI/counterfact/services/explain/model"
	"github.com/AleutianAI/counterfact/services/explain/tensor"
)

// Sentinel errors for construction. All of these are caller bugs and
// abort the run rather than a single instance.
var (
	// ErrSelfLoop is returned when the input adjacency carries a
	// nonzero diagonal entry.
	ErrSelfLoop = errors.New("self-connections on graphs are not allowed")

	// ErrNoEditOperation is returned when neither edge deletion nor
	// edge addition is enabled and no CEM mode is set.
	ErrNoEditOperation = errors.New("need to specify an allowed add/del operation")

	// ErrCEMWithEditFlags is returned when a CEM mode is combined with
	// explicit edge-operation flags; CEM modes imply their own.
	ErrCEMWithEditFlags = errors.New("CEM modes do not support edge_del or edge_add flags")

	// ErrInvalidCEMMode is returned for a CEM mode other than PN or PP.
	ErrInvalidCEMMode = errors.New("invalid CEM mode")
)

// CEMMode selects a contrastive-explanation formulation.
type CEMMode string

const (
	// CEMNone disables contrastive mode (plain counterfactual search).
	CEMNone CEMMode = ""

	// CEMPertNegative searches minimal added structure that changes the
	// prediction. Implies addition-only edits.
	CEMPertNegative CEMMode = "PN"

	// CEMPertPositive searches minimal retained structure that keeps
	// the prediction. Implies deletion-only edits.
	CEMPertPositive CEMMode = "PP"
)

// Config selects the perturbation formulation and its loss coefficients.
type Config struct {
	// EdgeDel enables edge deletions; EdgeAdd enables edge additions.
	// At least one must be set unless a CEM mode is chosen, which sets
	// the matching flag itself.
	EdgeDel bool
	EdgeAdd bool

	// Delta selects the delta formulation instead of the original one.
	Delta bool

	// Bernoulli turns on maximum-likelihood Bernoulli sampling: the
	// differentiable path also sees the hard threshold, with gradients
	// passed straight through.
	Bernoulli bool

	// CEM selects a contrastive mode; empty means plain counterfactual.
	CEM CEMMode

	// Alpha, Beta and Gamma weight the prediction-flip, graph-distance
	// and diversity terms of the composite loss. All must be >= 0.
	Alpha float64
	Beta  float64
	Gamma float64

	// RandInitSpread, when positive, initializes the perturbation
	// parameter uniformly in [-spread, +spread] instead of zero.
	RandInitSpread float64

	// Seed drives the random initialization; every instance derives its
	// own stream so runs are reproducible end to end.
	Seed int64
}

// validate applies the construction-time compatibility rules and
// resolves the implied edit flags for CEM modes.
func (c *Config) validate() error {
	switch c.CEM {
	case CEMNone:
		if !c.EdgeDel && !c.EdgeAdd {
			return ErrNoEditOperation
		}
	case CEMPertNegative, CEMPertPositive:
		if c.EdgeDel || c.EdgeAdd {
			return fmt.Errorf("%w: mode %q", ErrCEMWithEditFlags, c.CEM)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCEMMode, c.CEM)
	}

	// Contrastive modes fix their edit operation.
	switch c.CEM {
	case CEMPertNegative:
		c.EdgeAdd = true
	case CEMPertPositive:
		c.EdgeDel = true
	}
	return nil
}

// Forwarded carries the outputs of one perturbation forward pass.
type Forwarded struct {
	// LogitsDiff are log-probabilities from the differentiable
	// perturbed adjacency; LogitsActual from the hard-thresholded one.
	LogitsDiff   *autodiff.Tensor
	LogitsActual *autodiff.Tensor

	// CFAdjDiff and CFAdjActual are the perturbed adjacencies behind
	// the two logit sets, still attached to the graph.
	CFAdjDiff   *autodiff.Tensor
	CFAdjActual *autodiff.Tensor
}

// Strategy is the common interface of the perturbation formulations.
//
// A Strategy is stateful per instance: Forward rebuilds the computation
// graph over the owned parameter each epoch, and Loss must be called
// with the Forwarded value of the same epoch.
type Strategy interface {
	// Forward runs the frozen classifier over both perturbation reads.
	Forward(features *autodiff.Tensor) *Forwarded

	// Loss assembles the composite objective for the epoch. outRow is
	// the differentiable logit row of the explained entity (node row or
	// the single graph row); prevAdjs is the diversity window, may be nil.
	Loss(outRow *autodiff.Tensor, f *Forwarded, origPred, newPredActual int, prevAdjs []*mat.Dense) *LossResult

	// Parameters returns the trainable tensors (the perturbation matrix).
	Parameters() []*autodiff.Tensor
}

// New constructs the strategy selected by cfg for one instance.
//
// Description:
//
//	Validates the configuration, checks the input adjacency for
//	self-loops, initializes the trainable perturbation matrix (zero or
//	seeded-uniform), and dispatches to the Orig or Delta formulation.
//	This is the single variant-dispatch point of the system.
//
// Inputs:
//   - scorer: frozen classifier; its weights are constants.
//   - subAdj: instance adjacency, symmetric with zero diagonal.
//   - numNodes: perturbable node count; must not exceed the adjacency
//     side. The parameter matrix is numNodes x numNodes and is
//     zero-padded up to the adjacency size during symmetrization.
//   - cfg: formulation and coefficients.
//
// Outputs:
//   - Strategy ready for the search loop.
//   - error: ErrSelfLoop, ErrNoEditOperation, ErrCEMWithEditFlags or
//     ErrInvalidCEMMode.
func New(scorer model.Scorer, subAdj *mat.Dense, numNodes int, cfg Config) (Strategy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if tensor.HasSelfLoop(subAdj) {
		return nil, ErrSelfLoop
	}

	n, _ := subAdj.Dims()
	if numNodes <= 0 || numNodes > n {
		numNodes = n
	}

	praw := mat.NewDense(numNodes, numNodes, nil)
	if cfg.RandInitSpread > 0 {
		rng := rand.New(rand.NewSource(cfg.Seed))
		for i := 1; i < numNodes; i++ {
			for j := 0; j < i; j++ {
				praw.Set(i, j, (rng.Float64()*2-1)*cfg.RandInitSpread)
			}
		}
	}

	hollow := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				hollow.Set(i, j, 1)
			}
		}
	}

	base := base{
		scorer:  scorer,
		adj:     autodiff.Constant(mat.DenseCopyOf(subAdj)),
		adjVal:  mat.DenseCopyOf(subAdj),
		n:       n,
		praw:    autodiff.Param(praw),
		offDiag: autodiff.Constant(hollow),
		cfg:     cfg,
	}

	if cfg.Delta {
		return &deltaStrategy{base: base}, nil
	}
	return &origStrategy{base: base}, nil
}

// base carries the state shared by both formulations.
type base struct {
	scorer model.Scorer
	adj    *autodiff.Tensor // constant input adjacency
	adjVal *mat.Dense       // detached copy for loss accounting
	n      int
	praw   *autodiff.Tensor

	// offDiag is the ones-minus-identity mask. The symmetrized parameter
	// has a zero diagonal, but sigmoid(0) is 0.5, which the threshold
	// would read as a self-loop in the addition paths.
	offDiag *autodiff.Tensor

	cfg Config
}

// Parameters returns the single trainable tensor.
func (b *base) Parameters() []*autodiff.Tensor {
	return []*autodiff.Tensor{b.praw}
}

// score runs the frozen classifier over a perturbed adjacency,
// renormalizing first.
func (b *base) score(features, cfAdj *autodiff.Tensor) *autodiff.Tensor {
	return b.scorer.Forward(features, autodiff.NormalizeAdj(cfAdj))
}
