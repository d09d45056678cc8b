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

// deltaStrategy reads the parameter as an explicit edit mask rather
// than a keep/flip probability: P_hat = clamp01(symmetrize(P_raw)),
// and
//
//	cf = adj − [edge_del] P_hat ⊙ adj + [edge_add] P_hat ⊙ (1−adj)
//
// The zero-initialized parameter therefore means "no change" exactly,
// the search starts from the input graph in every mode, and the two
// edit flags compose instead of selecting separate formulas.
type deltaStrategy struct {
	base
}

// Forward derives the soft and hard edit masks and scores both.
func (s *deltaStrategy) Forward(features *autodiff.Tensor) *Forwarded {
	pHat := autodiff.Clamp01(autodiff.SymmetrizeTril(s.praw, s.n))

	pDiff := pHat
	if s.cfg.Bernoulli {
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

// combine applies the composable delta edits to the adjacency.
func (s *deltaStrategy) combine(p *autodiff.Tensor) *autodiff.Tensor {
	cf := s.adj
	if s.cfg.EdgeDel {
		cf = autodiff.Sub(cf, autodiff.MulElem(p, s.adj))
	}
	if s.cfg.EdgeAdd {
		cf = autodiff.Add(cf, autodiff.MulElem(p, autodiff.OneMinus(s.adj)))
	}
	return cf
}

// Loss delegates to the shared composite objective.
func (s *deltaStrategy) Loss(outRow *autodiff.Tensor, f *Forwarded, origPred, newPredActual int, prevAdjs []*mat.Dense) *LossResult {
	return s.composite(outRow, f, origPred, newPredActual, prevAdjs)
}
