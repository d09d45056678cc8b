// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package autodiff

import (
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/counterfact/services/explain/tensor"
)

// Threshold binarizes a at the given cutoff with a straight-through
// gradient estimator.
//
// Description:
//
//	Forward: entries >= tau become 1, the rest 0. Backward: the upstream
//	gradient is copied through unchanged, as if the op were the identity.
//	This is the standard trick for relaxing a discrete decision into a
//	trainable signal: optimization sees a smooth path while evaluation
//	sees the hard decision.
//
// Inputs:
//   - a: tensor to binarize.
//   - tau: cutoff, typically 0.5.
//
// Outputs:
//   - tensor of the same shape with entries in {0, 1}.
func Threshold(a *Tensor, tau float64) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 {
		if v >= tau {
			return 1
		}
		return 0
	}, a.value)

	return newNode(out, func(g *mat.Dense) {
		// Straight-through: pass the gradient as-is.
		a.accumGrad(g)
	}, a)
}

// SymmetrizeTril builds a symmetric zero-diagonal matrix from the strict
// lower triangle of a, optionally zero-padding to finalN.
//
// Description:
//
//	Forward matches tensor.SymmetrizeTril: out = tril(a,-1) + tril(a,-1)^T.
//	Backward folds the gradient of both mirrored entries back onto the
//	single lower-triangular source entry: da[i,j] = g[i,j] + g[j,i] for
//	i > j. Diagonal and upper-triangle entries of a receive no gradient,
//	so they stay at their initialization forever.
//
// Inputs:
//   - a: square tensor; only the strict lower triangle is read.
//   - finalN: output side length, >= the side of a.
//
// Outputs:
//   - finalN x finalN symmetric tensor with zero diagonal.
func SymmetrizeTril(a *Tensor, finalN int) *Tensor {
	n, _ := a.value.Dims()
	out := tensor.SymmetrizeTril(a.value, finalN)

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(n, n, nil)
		for i := 1; i < n; i++ {
			for j := 0; j < i; j++ {
				ga.Set(i, j, g.At(i, j)+g.At(j, i))
			}
		}
		a.accumGrad(ga)
	}, a)
}

// NormalizeAdj applies the GCN renormalization trick with the degree
// factors detached from the gradient.
//
// Description:
//
//	Forward: (D+I)^{-1/2} (A+I) (D+I)^{-1/2} with Inf from zero-degree
//	nodes clamped to 0 (tensor.NormalizeAdj). Backward treats the degree
//	scaling as a constant, so da[i,j] = dinv[i]*dinv[j]*g[i,j]; gradients
//	do not flow through the degree computation. This matches detaching
//	the degree matrix in the reference formulation and keeps the
//	backward pass linear.
//
// Inputs:
//   - a: square adjacency tensor with entries in [0,1].
//
// Outputs:
//   - normalized tensor of the same shape.
func NormalizeAdj(a *Tensor) *Tensor {
	n, _ := a.value.Dims()
	dinv := tensor.DegreeInvSqrt(a.value)
	out := tensor.NormalizeAdj(a.value)

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				ga.Set(i, j, dinv[i]*g.At(i, j)*dinv[j])
			}
		}
		a.accumGrad(ga)
	}, a)
}
