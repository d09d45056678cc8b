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
)

// origStrategy is the original sigmoid formulation: the perturbation
// read is P_hat = sigmoid(symmetrize(P_raw)), so the zero-initialized
// parameter reads as 0.5 everywhere and thresholds to "act on every
// entry" before the distance term pulls it back.
//
// Edit-flag combinations interpret P_hat differently:
//
//   - deletion only:  cf = adj ⊙ P_hat        (P_hat keeps edges)
//   - addition only:  cf = adj + (1−adj) ⊙ P_hat
//   - both:           cf = adj ⊙ (1−P_hat) + (1−adj) ⊙ P_hat
//     (P_hat flips entries)
//
// Each combination maps a binary P_hat and binary adj to a binary
// counterfactual, so the thresholded path always yields a valid graph.
type origStrategy struct {
	base
}

// Forward derives the soft and hard perturbation reads and scores both.
func (s *origStrategy) Forward(features *autodiff.Tensor) *Forwarded {
	// The diagonal mask keeps sigmoid(0)=0.5 from thresholding into
	// self-loops wherever additions are allowed.
	pHat := autodiff.MulElem(
		autodiff.Sigmoid(autodiff.SymmetrizeTril(s.praw, s.n)),
		s.offDiag,
	)

	pDiff := pHat
	if s.cfg.Bernoulli {
		// ML Bernoulli sampling: the trainable path sees the hard cut
		// too, with gradients passed straight through.
		pDiff = autodiff.Threshold(pHat, 0.5)
	}
	pBin := autodiff.Threshold(pHat, 0.5)

	cfDiff := s.combine(pDiff)
	cfActual := s.combine(pBin)

	return &Forwarded{
		LogitsDiff:   s.score(features, cfDiff),
		LogitsActual: s.score(features, cfActual),
		CFAdjDiff:    cfDiff,
		CFAdjActual:  cfActual,
	}
}

// combine applies the edit-flag interpretation of P to the adjacency.
func (s *origStrategy) combine(p *autodiff.Tensor) *autodiff.Tensor {
	switch {
	case s.cfg.EdgeDel && s.cfg.EdgeAdd:
		return autodiff.Add(
			autodiff.MulElem(s.adj, autodiff.OneMinus(p)),
			autodiff.MulElem(autodiff.OneMinus(s.adj), p),
		)
	case s.cfg.EdgeAdd:
		return autodiff.Add(s.adj,
			autodiff.MulElem(autodiff.OneMinus(s.adj), p))
	default:
		return autodiff.MulElem(s.adj, p)
	}
}

// Loss delegates to the shared composite objective.
func (s *origStrategy) Loss(outRow *autodiff.Tensor, f *Forwarded, origPred, newPredActual int, prevAdjs []*mat.Dense) *LossResult {
	return s.composite(outRow, f, origPred, newPredActual, prevAdjs)
}
