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

	"gonum.org/v1/gonum/mat"
)

// Dimension mismatches panic, via gonum: the ops are hot-path plumbing
// and a mismatch is a programming error, not a runtime condition.

// MatMul returns the matrix product a*b.
func MatMul(a, b *Tensor) *Tensor {
	ar, ac := a.value.Dims()
	_, bc := b.value.Dims()
	out := mat.NewDense(ar, bc, nil)
	out.Mul(a.value, b.value)

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(ar, ac, nil)
		ga.Mul(g, b.value.T())
		a.accumGrad(ga)

		gb := mat.NewDense(ac, bc, nil)
		gb.Mul(a.value.T(), g)
		b.accumGrad(gb)
	}, a, b)
}

// Add returns the elementwise sum a+b.
func Add(a, b *Tensor) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(r, c, nil)
	out.Add(a.value, b.value)

	return newNode(out, func(g *mat.Dense) {
		a.accumGrad(g)
		b.accumGrad(g)
	}, a, b)
}

// Sub returns the elementwise difference a-b.
func Sub(a, b *Tensor) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(r, c, nil)
	out.Sub(a.value, b.value)

	return newNode(out, func(g *mat.Dense) {
		a.accumGrad(g)

		neg := mat.NewDense(r, c, nil)
		neg.Scale(-1, g)
		b.accumGrad(neg)
	}, a, b)
}

// MulElem returns the Hadamard (elementwise) product a⊙b.
func MulElem(a, b *Tensor) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(r, c, nil)
	out.MulElem(a.value, b.value)

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(r, c, nil)
		ga.MulElem(g, b.value)
		a.accumGrad(ga)

		gb := mat.NewDense(r, c, nil)
		gb.MulElem(g, a.value)
		b.accumGrad(gb)
	}, a, b)
}

// Scale returns s*a for a scalar coefficient s.
func Scale(s float64, a *Tensor) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(r, c, nil)
	out.Scale(s, a.value)

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(r, c, nil)
		ga.Scale(s, g)
		a.accumGrad(ga)
	}, a)
}

// OneMinus returns 1-a elementwise.
func OneMinus(a *Tensor) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 { return 1 - v }, a.value)

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(r, c, nil)
		ga.Scale(-1, g)
		a.accumGrad(ga)
	}, a)
}

// Sigmoid returns the elementwise logistic function of a.
func Sigmoid(a *Tensor) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 {
		return 1 / (1 + math.Exp(-v))
	}, a.value)

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				y := out.At(i, j)
				ga.Set(i, j, g.At(i, j)*y*(1-y))
			}
		}
		a.accumGrad(ga)
	}, a)
}

// ReLU returns max(0, a) elementwise.
func ReLU(a *Tensor) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	}, a.value)

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if a.value.At(i, j) > 0 {
					ga.Set(i, j, g.At(i, j))
				}
			}
		}
		a.accumGrad(ga)
	}, a)
}

// Clamp01 clamps a to [0,1] elementwise. The gradient passes through
// entries strictly inside the interval and is blocked where the clamp
// is active, matching the usual subgradient.
func Clamp01(a *Tensor) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 {
		return math.Min(1, math.Max(0, v))
	}, a.value)

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := a.value.At(i, j)
				if v >= 0 && v <= 1 {
					ga.Set(i, j, g.At(i, j))
				}
			}
		}
		a.accumGrad(ga)
	}, a)
}

// Abs returns |a| elementwise; the gradient is sign(a) (zero at zero).
func Abs(a *Tensor) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 { return math.Abs(v) }, a.value)

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				switch v := a.value.At(i, j); {
				case v > 0:
					ga.Set(i, j, g.At(i, j))
				case v < 0:
					ga.Set(i, j, -g.At(i, j))
				}
			}
		}
		a.accumGrad(ga)
	}, a)
}

// Sum reduces a to a 1x1 tensor holding the sum of all entries.
func Sum(a *Tensor) *Tensor {
	r, c := a.value.Dims()
	var total float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			total += a.value.At(i, j)
		}
	}
	out := mat.NewDense(1, 1, []float64{total})

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(r, c, nil)
		gv := g.At(0, 0)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				ga.Set(i, j, gv)
			}
		}
		a.accumGrad(ga)
	}, a)
}

// Row extracts row i of a as a 1xC tensor.
func Row(a *Tensor, i int) *Tensor {
	_, c := a.value.Dims()
	out := mat.NewDense(1, c, nil)
	for j := 0; j < c; j++ {
		out.Set(0, j, a.value.At(i, j))
	}

	return newNode(out, func(g *mat.Dense) {
		r, _ := a.value.Dims()
		ga := mat.NewDense(r, c, nil)
		for j := 0; j < c; j++ {
			ga.Set(i, j, g.At(0, j))
		}
		a.accumGrad(ga)
	}, a)
}

// Pick extracts entry (i,j) of a as a 1x1 tensor.
func Pick(a *Tensor, i, j int) *Tensor {
	out := mat.NewDense(1, 1, []float64{a.value.At(i, j)})

	return newNode(out, func(g *mat.Dense) {
		r, c := a.value.Dims()
		ga := mat.NewDense(r, c, nil)
		ga.Set(i, j, g.At(0, 0))
		a.accumGrad(ga)
	}, a)
}

// AddRow adds a 1xC row vector b to every row of a (bias broadcast).
func AddRow(a, b *Tensor) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, a.value.At(i, j)+b.value.At(0, j))
		}
	}

	return newNode(out, func(g *mat.Dense) {
		a.accumGrad(g)

		gb := mat.NewDense(1, c, nil)
		for j := 0; j < c; j++ {
			var sum float64
			for i := 0; i < r; i++ {
				sum += g.At(i, j)
			}
			gb.Set(0, j, sum)
		}
		b.accumGrad(gb)
	}, a, b)
}

// RowMean reduces a to a 1xC tensor of per-column means, the mean-pool
// readout used for graph-level classification.
func RowMean(a *Tensor) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(1, c, nil)
	for j := 0; j < c; j++ {
		var sum float64
		for i := 0; i < r; i++ {
			sum += a.value.At(i, j)
		}
		out.Set(0, j, sum/float64(r))
	}

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(r, c, nil)
		inv := 1 / float64(r)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				ga.Set(i, j, g.At(0, j)*inv)
			}
		}
		a.accumGrad(ga)
	}, a)
}

// ConcatCols concatenates tensors with equal row counts side by side.
func ConcatCols(ts ...*Tensor) *Tensor {
	r, _ := ts[0].value.Dims()
	total := 0
	for _, t := range ts {
		_, c := t.value.Dims()
		total += c
	}

	out := mat.NewDense(r, total, nil)
	off := 0
	for _, t := range ts {
		_, c := t.value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				out.Set(i, off+j, t.value.At(i, j))
			}
		}
		off += c
	}

	return newNode(out, func(g *mat.Dense) {
		off := 0
		for _, t := range ts {
			_, c := t.value.Dims()
			gt := mat.NewDense(r, c, nil)
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					gt.Set(i, j, g.At(i, off+j))
				}
			}
			t.accumGrad(gt)
			off += c
		}
	}, ts...)
}

// LogSoftmax applies a numerically-stable log-softmax along each row.
func LogSoftmax(a *Tensor) *Tensor {
	r, c := a.value.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		maxV := math.Inf(-1)
		for j := 0; j < c; j++ {
			maxV = math.Max(maxV, a.value.At(i, j))
		}
		var sum float64
		for j := 0; j < c; j++ {
			sum += math.Exp(a.value.At(i, j) - maxV)
		}
		lse := maxV + math.Log(sum)
		for j := 0; j < c; j++ {
			out.Set(i, j, a.value.At(i, j)-lse)
		}
	}

	return newNode(out, func(g *mat.Dense) {
		ga := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			var rowSum float64
			for j := 0; j < c; j++ {
				rowSum += g.At(i, j)
			}
			for j := 0; j < c; j++ {
				softmax := math.Exp(out.At(i, j))
				ga.Set(i, j, g.At(i, j)-softmax*rowSum)
			}
		}
		a.accumGrad(ga)
	}, a)
}
