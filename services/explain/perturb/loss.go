// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package perturb

import (
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/counterfact/services/explain/autodiff"
	"github.com/AleutianAI/counterfact/services/explain/tensor"
)

// LossResult carries the composite objective of one epoch plus the
// detached bookkeeping values the search loop records.
type LossResult struct {
	// Total is the scalar to backpropagate.
	Total *autodiff.Tensor

	// Pred, Dist and Div are the evaluated component values, already
	// scaled by their coefficients. Logged at debug verbosity.
	Pred float64
	Dist float64
	Div  float64

	// GraphDist counts edited edges between the hard counterfactual
	// and the input adjacency (each undirected edge counted once).
	GraphDist float64

	// CFAdjDiff and CFAdjActual are detached copies of the epoch's
	// perturbed adjacencies.
	CFAdjDiff   *mat.Dense
	CFAdjActual *mat.Dense
}

// composite assembles the three-term objective shared by both
// formulations:
//
//	L = alpha * gate * L_pred + beta * L_dist + gamma * L_div
//
// L_pred is the log-probability of the original class, gated on the
// hard prediction: in counterfactual and PN modes the term is live
// while the prediction still matches the original (we are pushing it
// away); in PP mode it is live while the prediction differs (we are
// pulling it back), with the sign inverted so minimizing the total
// maximizes the original class.
//
// L_dist is half the elementwise L1 distance between the differentiable
// counterfactual and the input adjacency, i.e. the (soft) number of
// edited undirected edges. PP mode measures retained structure instead:
// half the mass of the counterfactual itself, since there the sparse
// answer is the graph that was kept, not the edit.
//
// L_div penalizes overlap with the recent history window so consecutive
// accepted candidates differ; it is active only when gamma is positive
// and the caller supplies previous adjacencies.
func (b *base) composite(outRow *autodiff.Tensor, f *Forwarded, origPred, newPredActual int, prevAdjs []*mat.Dense) *LossResult {
	res := &LossResult{
		CFAdjDiff:   f.CFAdjDiff.Detach(),
		CFAdjActual: f.CFAdjActual.Detach(),
	}
	res.GraphDist = tensor.EditDistance(res.CFAdjActual, b.adjVal)

	logpOrig := autodiff.Pick(outRow, 0, origPred)

	var predTerm *autodiff.Tensor
	if b.cfg.CEM == CEMPertPositive {
		gate := 0.0
		if newPredActual != origPred {
			gate = 1.0
		}
		predTerm = autodiff.Scale(-b.cfg.Alpha*gate, logpOrig)
	} else {
		gate := 0.0
		if newPredActual == origPred {
			gate = 1.0
		}
		predTerm = autodiff.Scale(b.cfg.Alpha*gate, logpOrig)
	}

	var distTerm *autodiff.Tensor
	if b.cfg.CEM == CEMPertPositive {
		distTerm = autodiff.Scale(0.5*b.cfg.Beta, autodiff.Sum(f.CFAdjDiff))
	} else {
		distTerm = autodiff.Scale(0.5*b.cfg.Beta,
			autodiff.Sum(autodiff.Abs(autodiff.Sub(f.CFAdjDiff, b.adj))))
	}

	total := autodiff.Add(predTerm, distTerm)

	if b.cfg.Gamma > 0 && len(prevAdjs) > 0 {
		divTerm := b.diversity(f.CFAdjDiff, prevAdjs)
		total = autodiff.Add(total, divTerm)
		res.Div = divTerm.Value().At(0, 0)
	}

	res.Pred = predTerm.Value().At(0, 0)
	res.Dist = distTerm.Value().At(0, 0)
	res.Total = total
	return res
}

// diversity returns gamma times the mean normalized overlap between the
// differentiable counterfactual and each adjacency in the window.
func (b *base) diversity(cfDiff *autodiff.Tensor, prevAdjs []*mat.Dense) *autodiff.Tensor {
	var acc *autodiff.Tensor
	for _, prev := range prevAdjs {
		overlap := autodiff.Sum(autodiff.MulElem(cfDiff, autodiff.Constant(prev)))
		if acc == nil {
			acc = overlap
		} else {
			acc = autodiff.Add(acc, overlap)
		}
	}

	scale := b.cfg.Gamma / (float64(len(prevAdjs)) * float64(b.n) * float64(b.n))
	return autodiff.Scale(scale, acc)
}
