// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package autodiff implements a small reverse-mode automatic
// differentiation tape over gonum dense matrices.
//
// The package exists to support gradient descent over a perturbation
// parameter matrix: the forward pass composes matrix operations into a
// computation graph, Backward walks the graph in reverse topological
// order and accumulates gradients into every parameter tensor.
//
// It deliberately covers only the operations the counterfactual
// explainer needs (graph convolutions, sigmoid/threshold perturbation
// reads, log-softmax scoring, absolute-difference penalties). It is not
// a general tensor library.
//
// # Usage
//
//	p := autodiff.Param(mat.NewDense(n, n, nil))
//	adj := autodiff.Constant(subAdj)
//	cf := autodiff.MulElem(adj, autodiff.Sigmoid(autodiff.SymmetrizeTril(p, n)))
//	loss := autodiff.Sum(autodiff.Abs(autodiff.Sub(cf, adj)))
//	autodiff.Backward(loss)
//	// p.Grad() now holds dloss/dp
//
// # Ownership and Thread Safety
//
// Tensors reference (do not copy) the matrices they are built from;
// callers must not mutate a matrix after wrapping it. A computation
// graph belongs to a single goroutine: build, run Backward, then discard.
// Distinct graphs over distinct tensors may run concurrently.
package autodiff

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Sentinel errors for tape operations.
var (
	// ErrNotScalar is returned by Backward when the root tensor is not 1x1.
	ErrNotScalar = errors.New("backward root must be a scalar (1x1) tensor")
)

// Tensor is a node in the computation graph: a dense value plus an
// optional gradient and the backward closure that produced it.
type Tensor struct {
	value *mat.Dense
	grad  *mat.Dense

	requiresGrad bool
	parents      []*Tensor
	backFn       func(grad *mat.Dense)
}

// Constant wraps a matrix as a non-trainable graph leaf.
//
// Gradients never flow into a constant. The matrix is referenced, not
// copied; it must not be mutated afterwards.
func Constant(v *mat.Dense) *Tensor {
	return &Tensor{value: v}
}

// Param wraps a matrix as a trainable graph leaf.
//
// After Backward, Grad holds the accumulated gradient. The matrix is
// referenced, not copied.
func Param(v *mat.Dense) *Tensor {
	return &Tensor{value: v, requiresGrad: true}
}

// Value returns the underlying dense matrix. Callers must treat it as
// read-only while the tensor participates in a live graph.
func (t *Tensor) Value() *mat.Dense {
	return t.value
}

// Grad returns the accumulated gradient, or nil if Backward has not
// reached this tensor (or it does not require gradients).
func (t *Tensor) Grad() *mat.Dense {
	return t.grad
}

// Dims returns the row and column counts of the tensor's value.
func (t *Tensor) Dims() (r, c int) {
	return t.value.Dims()
}

// Detach returns a copy of the tensor's value with no graph attached.
func (t *Tensor) Detach() *mat.Dense {
	return mat.DenseCopyOf(t.value)
}

// ZeroGrad clears the accumulated gradient in place.
func (t *Tensor) ZeroGrad() {
	if t.grad != nil {
		t.grad.Zero()
	}
}

// accumGrad adds g into the tensor's gradient, allocating on first use.
func (t *Tensor) accumGrad(g *mat.Dense) {
	if !t.requiresGrad && t.backFn == nil {
		return
	}
	if t.grad == nil {
		r, c := t.value.Dims()
		t.grad = mat.NewDense(r, c, nil)
	}
	t.grad.Add(t.grad, g)
}

// newNode builds an op output. The node carries gradients only when at
// least one parent does; otherwise the backward closure is dropped and
// the subgraph is treated as constant.
func newNode(value *mat.Dense, backFn func(grad *mat.Dense), parents ...*Tensor) *Tensor {
	needs := false
	for _, p := range parents {
		if p.requiresGrad || p.backFn != nil {
			needs = true
			break
		}
	}
	if !needs {
		return &Tensor{value: value}
	}
	return &Tensor{
		value:        value,
		requiresGrad: true,
		parents:      parents,
		backFn:       backFn,
	}
}

// Backward runs reverse-mode differentiation from a scalar root.
//
// Description:
//
//	Seeds the root gradient with 1, topologically sorts the graph
//	reachable through parent links, and invokes each node's backward
//	closure in reverse order. Gradients accumulate (sum) into every
//	tensor that requires them, so parameters reused in several places
//	receive the total derivative.
//
// Inputs:
//   - root: the loss tensor. Must be 1x1.
//
// Outputs:
//   - error: ErrNotScalar if root is not 1x1.
//
// Calling Backward twice on the same graph without ZeroGrad in between
// doubles the gradients; the search loop zeroes parameter gradients at
// the top of every epoch.
func Backward(root *Tensor) error {
	r, c := root.value.Dims()
	if r != 1 || c != 1 {
		return fmt.Errorf("%w: got %dx%d", ErrNotScalar, r, c)
	}

	order := topoSort(root)

	root.accumGrad(mat.NewDense(1, 1, []float64{1}))

	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n.backFn != nil && n.grad != nil {
			n.backFn(n.grad)
		}
	}
	return nil
}

// topoSort returns the graph nodes in topological order (leaves first).
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		for _, p := range t.parents {
			visit(p)
		}
		order = append(order, t)
	}
	visit(root)
	return order
}

// ClipGradNorm rescales the gradients of params in place so that their
// combined L2 norm does not exceed maxNorm, returning the pre-clip norm.
//
// Mirrors the usual clip-by-global-norm rule: when the total norm is
// above the cap every gradient is scaled by maxNorm/total.
func ClipGradNorm(params []*Tensor, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		if p.grad == nil {
			continue
		}
		r, c := p.grad.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := p.grad.At(i, j)
				sq += v * v
			}
		}
	}
	total := math.Sqrt(sq)
	if total <= maxNorm || total == 0 {
		return total
	}

	scale := maxNorm / total
	for _, p := range params {
		if p.grad != nil {
			p.grad.Scale(scale, p.grad)
		}
	}
	return total
}
