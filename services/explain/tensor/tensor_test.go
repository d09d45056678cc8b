// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSymmetrizeTril(t *testing.T) {
	m := mat.NewDense(3, 3, []float64{
		9, 7, 7, // diagonal and upper triangle must be ignored
		2, 9, 7,
		3, 4, 9,
	})

	got := SymmetrizeTril(m, 3)

	want := mat.NewDense(3, 3, []float64{
		0, 2, 3,
		2, 0, 4,
		3, 4, 0,
	})
	assert.True(t, mat.EqualApprox(got, want, 1e-12))
	assert.True(t, IsSymmetric(got, 0))
}

func TestSymmetrizeTrilPadded(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{
		0, 0,
		5, 0,
	})

	got := SymmetrizeTril(m, 4)

	r, c := got.Dims()
	require.Equal(t, 4, r)
	require.Equal(t, 4, c)
	assert.Equal(t, 5.0, got.At(0, 1))
	assert.Equal(t, 5.0, got.At(1, 0))

	// Padded region and diagonal stay zero.
	for i := 0; i < 4; i++ {
		assert.Zero(t, got.At(i, i))
		for j := 2; j < 4; j++ {
			assert.Zero(t, got.At(i, j))
			assert.Zero(t, got.At(j, i))
		}
	}
	assert.True(t, IsSymmetric(got, 0))
}

func TestNormalizeAdjTriangle(t *testing.T) {
	// Triangle graph: every node has degree 2, so D+I has 3 on the
	// diagonal and every entry of the normalized matrix is 1/3.
	adj := mat.NewDense(3, 3, []float64{
		0, 1, 1,
		1, 0, 1,
		1, 1, 0,
	})

	got := NormalizeAdj(adj)

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, 1.0/3.0, got.At(i, j), 1e-12)
		}
	}
}

func TestNormalizeAdjIsolatedNode(t *testing.T) {
	// Isolated node: degree 0, D+I entry 1, no Inf in output.
	adj := mat.NewDense(1, 1, nil)

	got := NormalizeAdj(adj)

	assert.InDelta(t, 1.0, got.At(0, 0), 1e-12)
}

func TestNormalizeAdjPure(t *testing.T) {
	adj := mat.NewDense(2, 2, []float64{
		0, 1,
		1, 0,
	})

	first := NormalizeAdj(adj)
	second := NormalizeAdj(adj)

	// Pure function of the input: identical across calls, input untouched.
	assert.True(t, mat.EqualApprox(first, second, 0))
	assert.Equal(t, 0.0, adj.At(0, 0))
	assert.Equal(t, 1.0, adj.At(0, 1))
}

func TestHasSelfLoop(t *testing.T) {
	clean := mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	dirty := mat.NewDense(2, 2, []float64{0, 1, 1, 1})

	assert.False(t, HasSelfLoop(clean))
	assert.True(t, HasSelfLoop(dirty))
}

func TestEditDistance(t *testing.T) {
	a := mat.NewDense(3, 3, []float64{
		0, 1, 1,
		1, 0, 0,
		1, 0, 0,
	})
	b := mat.NewDense(3, 3, []float64{
		0, 1, 0,
		1, 0, 0,
		0, 0, 0,
	})

	// One undirected edge removed: full abs-diff sum is 2 (even),
	// per-edge distance is 1.
	assert.Equal(t, 2.0, AbsDiffSum(a, b))
	assert.Equal(t, 1.0, EditDistance(a, b))
	assert.Zero(t, EditDistance(a, a))
}

func TestSparseRoundTrip(t *testing.T) {
	m := mat.NewDense(3, 4, []float64{
		0, 1, 0, 0,
		0, 0, 0, 2.5,
		-3, 0, 0, 0,
	})

	s := ToSparse(m)
	assert.Equal(t, 3, s.NNZ())

	back := s.ToDense()
	assert.True(t, mat.EqualApprox(m, back, 0))
}

func TestSparseEmpty(t *testing.T) {
	m := mat.NewDense(2, 2, nil)

	s := ToSparse(m)
	assert.Zero(t, s.NNZ())

	back := s.ToDense()
	r, c := back.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
}
