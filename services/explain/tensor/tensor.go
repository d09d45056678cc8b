// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tensor provides dense adjacency-matrix helpers shared by the
// counterfactual explainer: lower-triangular symmetrization, the GCN
// renormalization trick, edit-distance accounting, and a sparse (COO)
// encoding used when persisting results.
//
// All routines operate on gonum mat.Dense values and are pure functions:
// they never mutate their inputs and are safe for concurrent use.
package tensor

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SymmetrizeTril builds a symmetric matrix from the strict lower triangle
// of m, ignoring the diagonal and upper triangle entirely.
//
// Description:
//
//	Computes tril(m, -1) + tril(m, -1)^T. When finalN exceeds the input
//	side length the result is zero-padded on the bottom and right, which
//	is how a perturbation matrix trained on a subgraph is lifted into a
//	larger adjacency.
//
// Inputs:
//   - m: square matrix. Only entries below the diagonal are read.
//   - finalN: side length of the output. Must be >= the side of m.
//
// Outputs:
//   - finalN x finalN symmetric matrix with zero diagonal.
//
// The output is always symmetric with a zero diagonal regardless of the
// contents of m; callers rely on this invariant.
func SymmetrizeTril(m *mat.Dense, finalN int) *mat.Dense {
	n, _ := m.Dims()
	if finalN < n {
		finalN = n
	}

	out := mat.NewDense(finalN, finalN, nil)
	for i := 1; i < n; i++ {
		for j := 0; j < i; j++ {
			v := m.At(i, j)
			out.Set(i, j, v)
			out.Set(j, i, v)
		}
	}
	return out
}

// Eye returns the n x n identity matrix as a Dense.
func Eye(n int) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		out.Set(i, i, 1)
	}
	return out
}

// DegreeInvSqrt returns the diagonal entries of (D+I)^{-1/2} for the given
// adjacency, where D is the degree matrix of adj+I (row sums).
//
// Zero-degree rows would produce +Inf under the inverse square root; those
// entries are clamped to 0, matching the renormalization-trick convention
// for isolated nodes.
func DegreeInvSqrt(adj *mat.Dense) []float64 {
	n, _ := adj.Dims()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 1.0 // the +I self-loop
		for j := 0; j < n; j++ {
			sum += adj.At(i, j)
		}
		v := 1.0 / math.Sqrt(sum)
		if math.IsInf(v, 0) || math.IsNaN(v) {
			v = 0
		}
		out[i] = v
	}
	return out
}

// NormalizeAdj applies the GCN renormalization trick to an adjacency matrix.
//
// Description:
//
//	Computes (D+I)^{-1/2} (A+I) (D+I)^{-1/2} where D is the degree matrix
//	of A+I. Infinities arising from zero-degree nodes are clamped to 0.
//	A pure function of its input: calling it twice with the same matrix
//	yields identical results.
//
// Inputs:
//   - adj: square adjacency matrix. Not mutated.
//
// Outputs:
//   - normalized square matrix of the same dimensions.
func NormalizeAdj(adj *mat.Dense) *mat.Dense {
	n, _ := adj.Dims()
	dinv := DegreeInvSqrt(adj)

	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a := adj.At(i, j)
			if i == j {
				a += 1
			}
			out.Set(i, j, dinv[i]*a*dinv[j])
		}
	}
	return out
}

// HasSelfLoop reports whether any diagonal entry of adj is nonzero.
func HasSelfLoop(adj *mat.Dense) bool {
	n, _ := adj.Dims()
	for i := 0; i < n; i++ {
		if adj.At(i, i) != 0 {
			return true
		}
	}
	return false
}

// IsSymmetric reports whether m equals its transpose within tol.
func IsSymmetric(m *mat.Dense, tol float64) bool {
	n, c := m.Dims()
	if n != c {
		return false
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if math.Abs(m.At(i, j)-m.At(j, i)) > tol {
				return false
			}
		}
	}
	return true
}

// AbsDiffSum returns the sum of elementwise absolute differences |a - b|
// over the full matrix. Under a correctly-symmetric perturbation this is
// an even number: each flipped edge contributes at both (i,j) and (j,i).
func AbsDiffSum(a, b *mat.Dense) float64 {
	n, c := a.Dims()
	var sum float64
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			sum += math.Abs(a.At(i, j) - b.At(i, j))
		}
	}
	return sum
}

// EditDistance returns the number of undirected edges that differ between
// two adjacency matrices: AbsDiffSum halved, so each edge counts once.
func EditDistance(a, b *mat.Dense) float64 {
	return AbsDiffSum(a, b) / 2
}

// EqualApprox reports whether a and b have identical dimensions and all
// entries within tol of each other.
func EqualApprox(a, b *mat.Dense, tol float64) bool {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return false
	}
	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			if math.Abs(a.At(i, j)-b.At(i, j)) > tol {
				return false
			}
		}
	}
	return true
}
