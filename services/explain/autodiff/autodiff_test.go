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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// checkGrad compares the tape gradient of a scalar-valued construction
// against central finite differences over every entry of x.
func checkGrad(t *testing.T, build func(p *Tensor) *Tensor, x *mat.Dense, tol float64) {
	t.Helper()

	p := Param(mat.DenseCopyOf(x))
	loss := build(p)
	require.NoError(t, Backward(loss))
	grad := p.Grad()
	require.NotNil(t, grad)

	const eps = 1e-5
	r, c := x.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			plus := mat.DenseCopyOf(x)
			plus.Set(i, j, x.At(i, j)+eps)
			minus := mat.DenseCopyOf(x)
			minus.Set(i, j, x.At(i, j)-eps)

			fPlus := build(Param(plus)).Value().At(0, 0)
			fMinus := build(Param(minus)).Value().At(0, 0)
			want := (fPlus - fMinus) / (2 * eps)

			assert.InDelta(t, want, grad.At(i, j), tol,
				"gradient mismatch at (%d,%d)", i, j)
		}
	}
}

func TestBackwardRequiresScalar(t *testing.T) {
	p := Param(mat.NewDense(2, 2, []float64{1, 2, 3, 4}))
	err := Backward(Sigmoid(p))
	require.ErrorIs(t, err, ErrNotScalar)
}

func TestSigmoidSumGradient(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{0.3, -1.2, 2.0, 0.0})
	checkGrad(t, func(p *Tensor) *Tensor {
		return Sum(Sigmoid(p))
	}, x, 1e-6)
}

func TestMatMulGradient(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{0.5, -0.25, 1, 2, 0.1, -1})
	w := mat.NewDense(3, 2, []float64{1, 2, -0.5, 0.25, 0.75, -1})

	checkGrad(t, func(p *Tensor) *Tensor {
		return Sum(MatMul(p, Constant(w)))
	}, x, 1e-6)
}

func TestMulElemAndOneMinusGradient(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{0.2, 0.8, -0.4, 1.5})
	other := mat.NewDense(2, 2, []float64{1, 0, 1, 1})

	checkGrad(t, func(p *Tensor) *Tensor {
		return Sum(MulElem(OneMinus(p), Constant(other)))
	}, x, 1e-6)
}

func TestAbsSubGradient(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{0.9, 0.1, 0.4, 0.7})
	ref := mat.NewDense(2, 2, []float64{1, 0, 1, 0})

	checkGrad(t, func(p *Tensor) *Tensor {
		return Sum(Abs(Sub(p, Constant(ref))))
	}, x, 1e-6)
}

func TestLogSoftmaxGradient(t *testing.T) {
	x := mat.NewDense(1, 4, []float64{1.0, -0.5, 0.25, 2.0})
	checkGrad(t, func(p *Tensor) *Tensor {
		return Pick(LogSoftmax(p), 0, 2)
	}, x, 1e-6)
}

func TestLogSoftmaxRowsSumToOne(t *testing.T) {
	x := Constant(mat.NewDense(2, 3, []float64{1, 2, 3, -1, 0, 1}))
	out := LogSoftmax(x)

	for i := 0; i < 2; i++ {
		var sum float64
		for j := 0; j < 3; j++ {
			sum += math.Exp(out.Value().At(i, j))
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
}

func TestReLUGradientMasks(t *testing.T) {
	p := Param(mat.NewDense(1, 3, []float64{-1, 0, 2}))
	require.NoError(t, Backward(Sum(ReLU(p))))

	g := p.Grad()
	assert.Equal(t, 0.0, g.At(0, 0))
	assert.Equal(t, 0.0, g.At(0, 1)) // subgradient at 0 chosen as 0
	assert.Equal(t, 1.0, g.At(0, 2))
}

func TestThresholdStraightThrough(t *testing.T) {
	p := Param(mat.NewDense(1, 4, []float64{0.1, 0.5, 0.49, 0.9}))
	out := Threshold(p, 0.5)

	// Forward: hard binarization.
	assert.Equal(t, 0.0, out.Value().At(0, 0))
	assert.Equal(t, 1.0, out.Value().At(0, 1))
	assert.Equal(t, 0.0, out.Value().At(0, 2))
	assert.Equal(t, 1.0, out.Value().At(0, 3))

	// Backward: identity pass-through regardless of the cut.
	require.NoError(t, Backward(Sum(Scale(3, out))))
	g := p.Grad()
	for j := 0; j < 4; j++ {
		assert.Equal(t, 3.0, g.At(0, j))
	}
}

func TestSymmetrizeTrilGradientFolds(t *testing.T) {
	p := Param(mat.NewDense(3, 3, nil))
	out := SymmetrizeTril(p, 3)
	require.NoError(t, Backward(Sum(out)))

	g := p.Grad()
	// Each lower-triangle entry appears twice in the output.
	assert.Equal(t, 2.0, g.At(1, 0))
	assert.Equal(t, 2.0, g.At(2, 0))
	assert.Equal(t, 2.0, g.At(2, 1))
	// Diagonal and upper triangle receive nothing.
	assert.Equal(t, 0.0, g.At(0, 0))
	assert.Equal(t, 0.0, g.At(0, 1))
	assert.Equal(t, 0.0, g.At(1, 2))
}

func TestSymmetrizeTrilPadding(t *testing.T) {
	p := Param(mat.NewDense(2, 2, []float64{0, 0, 1.5, 0}))
	out := SymmetrizeTril(p, 4)

	r, c := out.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 4, c)
	assert.Equal(t, 1.5, out.Value().At(0, 1))

	require.NoError(t, Backward(Sum(out)))
	assert.Equal(t, 2.0, p.Grad().At(1, 0))
}

func TestNormalizeAdjDetachedDegree(t *testing.T) {
	// Path graph 0-1: degrees are 1, D+I diag is (2,2),
	// normalized off-diagonal is 1/2.
	adj := mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	p := Param(adj)
	out := NormalizeAdj(p)

	assert.InDelta(t, 0.5, out.Value().At(0, 1), 1e-12)
	assert.InDelta(t, 0.5, out.Value().At(0, 0), 1e-12)

	require.NoError(t, Backward(Sum(out)))
	// With the degree detached the op is linear: grad = dinv_i*dinv_j.
	assert.InDelta(t, 0.5, p.Grad().At(0, 1), 1e-12)
}

func TestGradientAccumulatesAcrossUses(t *testing.T) {
	p := Param(mat.NewDense(1, 1, []float64{2}))
	// loss = p + p => dloss/dp = 2
	require.NoError(t, Backward(Add(p, p)))
	assert.Equal(t, 2.0, p.Grad().At(0, 0))
}

func TestZeroGradClears(t *testing.T) {
	p := Param(mat.NewDense(1, 1, []float64{1}))
	require.NoError(t, Backward(Scale(5, p)))
	assert.Equal(t, 5.0, p.Grad().At(0, 0))

	p.ZeroGrad()
	assert.Equal(t, 0.0, p.Grad().At(0, 0))

	require.NoError(t, Backward(Scale(5, p)))
	assert.Equal(t, 5.0, p.Grad().At(0, 0))
}

func TestConstantReceivesNoGradient(t *testing.T) {
	c := Constant(mat.NewDense(1, 1, []float64{3}))
	p := Param(mat.NewDense(1, 1, []float64{4}))
	require.NoError(t, Backward(MulElem(c, p)))

	assert.Nil(t, c.Grad())
	assert.Equal(t, 3.0, p.Grad().At(0, 0))
}

func TestClipGradNorm(t *testing.T) {
	p := Param(mat.NewDense(1, 2, []float64{1, 1}))
	// loss = 3*(p0+p1) => grad = (3,3), norm = sqrt(18) ≈ 4.243
	require.NoError(t, Backward(Sum(Scale(3, p))))

	norm := ClipGradNorm([]*Tensor{p}, 2.0)
	assert.InDelta(t, 4.2426, norm, 1e-3)

	var clipped float64
	g := p.Grad()
	for j := 0; j < 2; j++ {
		clipped += g.At(0, j) * g.At(0, j)
	}
	assert.InDelta(t, 2.0, math.Sqrt(clipped), 1e-9)
}

func TestClipGradNormBelowCapUntouched(t *testing.T) {
	p := Param(mat.NewDense(1, 1, []float64{1}))
	require.NoError(t, Backward(Scale(0.5, p)))

	norm := ClipGradNorm([]*Tensor{p}, 2.0)
	assert.InDelta(t, 0.5, norm, 1e-12)
	assert.InDelta(t, 0.5, p.Grad().At(0, 0), 1e-12)
}

func TestConcatColsGradientSplits(t *testing.T) {
	a := Param(mat.NewDense(2, 1, []float64{1, 2}))
	b := Param(mat.NewDense(2, 2, []float64{3, 4, 5, 6}))

	out := ConcatCols(a, b)
	_, c := out.Dims()
	require.Equal(t, 3, c)

	require.NoError(t, Backward(Sum(Scale(2, out))))
	assert.Equal(t, 2.0, a.Grad().At(1, 0))
	assert.Equal(t, 2.0, b.Grad().At(0, 1))
}

func TestRowAndPick(t *testing.T) {
	p := Param(mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}))

	row := Row(p, 1)
	assert.Equal(t, 5.0, row.Value().At(0, 1))

	require.NoError(t, Backward(Pick(p, 0, 2)))
	assert.Equal(t, 1.0, p.Grad().At(0, 2))
	assert.Equal(t, 0.0, p.Grad().At(1, 2))
}

func TestAddRowGradient(t *testing.T) {
	a := Param(mat.NewDense(2, 2, []float64{1, 2, 3, 4}))
	b := Param(mat.NewDense(1, 2, []float64{10, 20}))

	out := AddRow(a, b)
	assert.Equal(t, 11.0, out.Value().At(0, 0))
	assert.Equal(t, 24.0, out.Value().At(1, 1))

	require.NoError(t, Backward(Sum(out)))
	// The bias collects the gradient of every row it was broadcast to.
	assert.Equal(t, 2.0, b.Grad().At(0, 0))
	assert.Equal(t, 1.0, a.Grad().At(1, 1))
}

func TestRowMeanGradient(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	checkGrad(t, func(p *Tensor) *Tensor {
		return Pick(RowMean(p), 0, 1)
	}, x, 1e-6)
}
