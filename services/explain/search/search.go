// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search runs the per-instance counterfactual optimization: a
// fixed-epoch gradient descent over one perturbation strategy, with
// candidate acceptance, history retention and diversity bookkeeping.
//
// One Explainer serves one instance. The runner constructs them in
// parallel across a worker pool; nothing here is shared between
// instances, so the package needs no locking.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/counterfact/pkg/logging"
	"github.com/AleutianAI/counterfact/services/explain/autodiff"
	"github.com/AleutianAI/counterfact/services/explain/model"
	"github.com/AleutianAI/counterfact/services/explain/optim"
	"github.com/AleutianAI/counterfact/services/explain/perturb"
	"github.com/AleutianAI/counterfact/services/explain/tensor"
)

// gradClipNorm caps the global gradient norm before every optimizer step.
const gradClipNorm = 2.0

// Sentinel errors for explainer construction and invariant checks.
var (
	// ErrBadEpochs is returned for a non-positive epoch budget.
	ErrBadEpochs = errors.New("epoch budget must be positive")

	// ErrDiversityNeedsHistory is returned when the diversity term is
	// enabled without history retention; the diversity window is drawn
	// from retained candidates.
	ErrDiversityNeedsHistory = errors.New("diversity loss requires history retention")

	// ErrInvariantViolated is returned in debug mode when a hard
	// counterfactual stops being a simple undirected graph. It always
	// indicates a perturbation bug, never bad input.
	ErrInvariantViolated = errors.New("counterfactual invariant violated")
)

// Config controls one search run.
type Config struct {
	// Epochs is the gradient-descent budget per instance.
	Epochs int

	// Optimizer, LR and Momentum are passed to optim.New.
	Optimizer optim.Kind
	LR        float64
	Momentum  float64

	// History retains every accepted candidate plus a per-epoch record
	// of the run; when off, only the most recent accepted candidate is
	// kept. HistCap, when positive, downsamples both retained lists to
	// that many entries (endpoints always kept).
	History bool
	HistCap int

	// DiversityWindow bounds how many recent accepted candidates feed
	// the diversity loss and its bit-identical dedup. Both apply only
	// while the diversity term is enabled (perturb.Config.Gamma > 0).
	DiversityWindow int

	// Debug enables per-epoch invariant checks on the hard
	// counterfactual; a violation aborts the instance.
	Debug bool
}

// Candidate is one accepted counterfactual.
type Candidate struct {
	// Epoch the candidate was produced in.
	Epoch int

	// NewPred is the frozen model's class on the counterfactual.
	NewPred int

	// GraphDist counts edited undirected edges against the input.
	GraphDist float64

	// Total is the composite loss value at acceptance.
	Total float64

	// CFAdj is the hard counterfactual adjacency.
	CFAdj *mat.Dense
}

// EpochRecord is one history entry.
type EpochRecord struct {
	Epoch     int
	Total     float64
	Pred      float64
	Dist      float64
	Div       float64
	GraphDist float64
	NewPred   int
	Valid     bool
}

// Explanation is the outcome of one instance's search.
type Explanation struct {
	// NodeIdx is the explained node row, or -1 for graph classification.
	NodeIdx int

	// OrigPred is the frozen model's class on the unperturbed input.
	OrigPred int

	// Found reports whether any valid candidate was accepted.
	Found bool

	// Best is the lowest-distance accepted candidate (last accepted on
	// ties); nil when Found is false.
	Best *Candidate

	// Accepted lists the retained accepted candidates in acceptance
	// order. In pertinent-positive mode every valid candidate is kept,
	// not only improvements; without history retention only the most
	// recent one survives, and HistCap downsamples the list post-loop.
	Accepted []*Candidate

	// History holds the (possibly downsampled) per-epoch records; nil
	// unless history retention was enabled.
	History []EpochRecord

	// Epochs is the budget that was actually run.
	Epochs int
}

// Explainer drives the search for a single instance.
type Explainer struct {
	log      *logging.Logger
	strategy perturb.Strategy
	opt      optim.Optimizer
	cfg      Config
	pcfg     perturb.Config

	features *autodiff.Tensor
	adj      *mat.Dense
	nodeIdx  int
	origPred int
	pp       bool

	// divPrev holds the differentiable counterfactuals of recently
	// accepted candidates; it feeds the diversity loss, which needs the
	// soft read, not the thresholded one.
	divPrev []*mat.Dense
}

// New builds an Explainer for one instance.
//
// Description:
//
//	Validates the search configuration against the perturbation one,
//	computes the original prediction on the unperturbed input, builds
//	the perturbation strategy and the optimizer. The frozen scorer is
//	only consulted through the strategy afterwards.
//
// Inputs:
//   - scorer: frozen classifier.
//   - features: node feature matrix (N x F).
//   - adj: input adjacency (N x N), symmetric, zero diagonal.
//   - nodeIdx: explained node row, or -1 for graph classification.
//   - pcfg: perturbation formulation and loss coefficients.
//   - cfg: search budget and bookkeeping.
//   - log: structured logger; nil falls back to the default.
//
// Outputs:
//   - *Explainer ready to Run.
//   - error: ErrBadEpochs, ErrDiversityNeedsHistory, perturbation
//     construction errors, or optimizer construction errors.
func New(scorer model.Scorer, features, adj *mat.Dense, nodeIdx int, pcfg perturb.Config, cfg Config, log *logging.Logger) (*Explainer, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrBadEpochs, cfg.Epochs)
	}
	if pcfg.Gamma > 0 && !cfg.History {
		return nil, ErrDiversityNeedsHistory
	}
	if log == nil {
		log = logging.Default()
	}

	n, _ := adj.Dims()
	strategy, err := perturb.New(scorer, adj, n, pcfg)
	if err != nil {
		return nil, err
	}

	opt, err := optim.New(cfg.Optimizer, cfg.LR, cfg.Momentum)
	if err != nil {
		return nil, err
	}

	origOut := model.Predict(scorer, features, adj)
	row := nodeIdx
	if row < 0 {
		row = 0
	}

	return &Explainer{
		log:      log,
		strategy: strategy,
		opt:      opt,
		cfg:      cfg,
		pcfg:     pcfg,
		features: autodiff.Constant(mat.DenseCopyOf(features)),
		adj:      mat.DenseCopyOf(adj),
		nodeIdx:  nodeIdx,
		origPred: model.ArgmaxRow(origOut, row),
		pp:       pcfg.CEM == perturb.CEMPertPositive,
	}, nil
}

// OrigPred returns the frozen model's class on the unperturbed input.
func (e *Explainer) OrigPred() int { return e.origPred }

// Run executes the epoch loop.
//
// Description:
//
//	Each epoch: zero gradients, forward both perturbation reads, build
//	the composite loss, backpropagate, clip the global gradient norm
//	and step the optimizer. A candidate is accepted when the hard
//	counterfactual is valid for the mode and does not regress the best
//	distance; pertinent-positive mode keeps every valid candidate.
//	While the diversity term is active, candidates bit-identical to a
//	recent retained one are skipped.
//
// Inputs:
//   - ctx: checked between epochs; cancellation aborts the instance.
//
// Outputs:
//   - *Explanation, never nil on success.
//   - error: ctx.Err() on cancellation, or ErrInvariantViolated in
//     debug mode.
func (e *Explainer) Run(ctx context.Context) (*Explanation, error) {
	exp := &Explanation{
		NodeIdx:  e.nodeIdx,
		OrigPred: e.origPred,
		Epochs:   e.cfg.Epochs,
	}
	if e.cfg.History {
		exp.History = make([]EpochRecord, 0, e.cfg.Epochs)
	}

	for epoch := 0; epoch < e.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		params := e.strategy.Parameters()
		e.opt.ZeroGrad(params)
		f := e.strategy.Forward(e.features)

		outRow := f.LogitsDiff
		actualRow := 0
		if e.nodeIdx >= 0 {
			outRow = autodiff.Row(f.LogitsDiff, e.nodeIdx)
			actualRow = e.nodeIdx
		}
		newPred := model.ArgmaxRow(f.LogitsActual.Detach(), actualRow)

		res := e.strategy.Loss(outRow, f, e.origPred, newPred, e.window())
		if err := autodiff.Backward(res.Total); err != nil {
			return nil, fmt.Errorf("epoch %d backward: %w", epoch, err)
		}
		autodiff.ClipGradNorm(params, gradClipNorm)
		e.opt.Step(params)

		if e.cfg.Debug {
			if err := checkCandidate(res.CFAdjActual); err != nil {
				return nil, fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}

		valid := newPred != e.origPred
		if e.pp {
			valid = newPred == e.origPred
		}

		if valid {
			// A flipped prediction with zero edits means the two forward
			// paths disagree about the same graph.
			if e.cfg.Debug && !e.pp && res.GraphDist < 1 {
				return nil, fmt.Errorf("epoch %d: %w: valid candidate with zero edits",
					epoch, ErrInvariantViolated)
			}
			e.accept(exp, &Candidate{
				Epoch:     epoch,
				NewPred:   newPred,
				GraphDist: res.GraphDist,
				Total:     res.Total.Value().At(0, 0),
				CFAdj:     res.CFAdjActual,
			}, res.CFAdjDiff)
		}

		if e.cfg.History {
			exp.History = append(exp.History, EpochRecord{
				Epoch:     epoch,
				Total:     res.Total.Value().At(0, 0),
				Pred:      res.Pred,
				Dist:      res.Dist,
				Div:       res.Div,
				GraphDist: res.GraphDist,
				NewPred:   newPred,
				Valid:     valid,
			})
		}

		e.log.Debug("search epoch",
			"epoch", epoch,
			"loss", res.Total.Value().At(0, 0),
			"graph_dist", res.GraphDist,
			"new_pred", newPred,
			"valid", valid,
		)
	}

	exp.Found = len(exp.Accepted) > 0
	if e.cfg.History && e.cfg.HistCap > 0 {
		exp.Accepted = downsample(exp.Accepted, e.cfg.HistCap)
		exp.History = downsample(exp.History, e.cfg.HistCap)
	}
	return exp, nil
}

// accept records a valid candidate, applying the acceptance policy, the
// retention policy and the bit-identical dedup over the diversity window.
func (e *Explainer) accept(exp *Explanation, cand *Candidate, cfDiff *mat.Dense) {
	if e.duplicate(exp, cand.CFAdj) {
		return
	}

	if e.pp {
		// Pertinent-positive keeps every distinct valid candidate; Best
		// still tracks the lowest distance.
		if exp.Best == nil || cand.GraphDist <= exp.Best.GraphDist {
			exp.Best = cand
		}
	} else {
		if exp.Best != nil && cand.GraphDist > exp.Best.GraphDist {
			return
		}
		exp.Best = cand
	}

	if !e.cfg.History {
		// Without history retention only the latest accepted candidate
		// survives.
		exp.Accepted = exp.Accepted[:0]
	}
	exp.Accepted = append(exp.Accepted, cand)

	if e.pcfg.Gamma > 0 {
		e.divPrev = append(e.divPrev, cfDiff)
		if n := e.cfg.DiversityWindow; n > 0 && len(e.divPrev) > n {
			e.divPrev = e.divPrev[len(e.divPrev)-n:]
		}
	}
}

// duplicate reports whether cf is bit-identical to a candidate in the
// diversity window. With the diversity term off every accepted
// candidate is retained, duplicates included.
func (e *Explainer) duplicate(exp *Explanation, cf *mat.Dense) bool {
	if e.pcfg.Gamma <= 0 {
		return false
	}
	for _, prev := range lastN(exp.Accepted, e.cfg.DiversityWindow) {
		if mat.Equal(prev.CFAdj, cf) {
			return true
		}
	}
	return false
}

// window returns the soft counterfactuals feeding the diversity loss,
// or nil when the term is off.
func (e *Explainer) window() []*mat.Dense {
	if e.pcfg.Gamma <= 0 || len(e.divPrev) == 0 {
		return nil
	}
	return e.divPrev
}

func lastN(cands []*Candidate, n int) []*Candidate {
	if n <= 0 || len(cands) == 0 {
		return nil
	}
	if len(cands) > n {
		return cands[len(cands)-n:]
	}
	return cands
}

// checkCandidate verifies the hard counterfactual is a simple
// undirected graph: symmetric, zero diagonal, binary entries.
func checkCandidate(cf *mat.Dense) error {
	if !tensor.IsSymmetric(cf, 0) {
		return fmt.Errorf("%w: not symmetric", ErrInvariantViolated)
	}
	if tensor.HasSelfLoop(cf) {
		return fmt.Errorf("%w: nonzero diagonal", ErrInvariantViolated)
	}
	r, c := cf.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := cf.At(i, j); v != 0 && v != 1 {
				return fmt.Errorf("%w: non-binary entry %v at (%d,%d)",
					ErrInvariantViolated, v, i, j)
			}
		}
	}
	return nil
}

// downsample thins records to at most limit entries, evenly spaced with
// both endpoints retained.
func downsample[T any](records []T, limit int) []T {
	if len(records) <= limit {
		return records
	}
	if limit == 1 {
		return records[:1]
	}

	out := make([]T, 0, limit)
	step := float64(len(records)-1) / float64(limit-1)
	last := -1
	for i := 0; i < limit; i++ {
		idx := int(math.Round(float64(i) * step))
		if idx == last {
			continue
		}
		out = append(out, records[idx])
		last = idx
	}
	return out
}
