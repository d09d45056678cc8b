// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model holds the frozen graph classifiers the explainer
// interrogates. The explainer never trains these networks; their weights
// are loaded from a checkpoint (or seeded randomly for experiments) and
// wrapped as non-trainable constants, so perturbation training cannot
// touch them and they are excluded from any optimizer parameter set.
//
// Two architectures are provided, matching the two supported tasks:
//
//   - GCNSynthetic: 3-layer graph convolutional network for node
//     classification. Layer outputs are concatenated before the final
//     linear head, and scores are log-softmax per node (N x C).
//   - GraphPoolNet: the same convolution stack with a mean-pool readout
//     for graph classification, producing one log-softmax row (1 x C).
//
// Both accept a pre-normalized adjacency (renormalization trick); the
// caller decides whether that adjacency is the clean input or a
// perturbed one.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/counterfact/services/explain/autodiff"
	"github.com/AleutianAI/counterfact/services/explain/tensor"
)

// Sentinel errors for model construction and checkpoint handling.
var (
	// ErrBadDims is returned when a layer dimension is not positive.
	ErrBadDims = errors.New("model dimensions must be positive")

	// ErrBadCheckpoint is returned when a checkpoint file is missing
	// weights or carries shapes that do not match the declared sizes.
	ErrBadCheckpoint = errors.New("invalid checkpoint")
)

// Scorer is the frozen classifier contract consumed by the explainer.
//
// Forward runs features and a normalized adjacency through the network
// inside an autodiff graph, so gradients can flow through the adjacency
// argument (but never into the weights, which are constants).
//
// Node classifiers return N x C log-probabilities; graph classifiers
// return a single 1 x C row.
type Scorer interface {
	Forward(x, normAdj *autodiff.Tensor) *autodiff.Tensor

	// NumClasses returns the width of the output rows.
	NumClasses() int
}

// linear is one dense layer with frozen weight and bias constants.
type linear struct {
	w *autodiff.Tensor // in x out
	b *autodiff.Tensor // 1 x out
}

func newLinear(in, out int, rng *rand.Rand) linear {
	// Glorot-style uniform init, same fan-in scaling the reference
	// models were trained with.
	bound := math.Sqrt(6.0 / float64(in+out))
	w := mat.NewDense(in, out, nil)
	for i := 0; i < in; i++ {
		for j := 0; j < out; j++ {
			w.Set(i, j, (rng.Float64()*2-1)*bound)
		}
	}
	return linear{
		w: autodiff.Constant(w),
		b: autodiff.Constant(mat.NewDense(1, out, nil)),
	}
}

func (l linear) apply(x *autodiff.Tensor) *autodiff.Tensor {
	return autodiff.AddRow(autodiff.MatMul(x, l.w), l.b)
}

// graphConv applies one graph convolution: normAdj * x * W + b.
func (l linear) conv(normAdj, x *autodiff.Tensor) *autodiff.Tensor {
	return l.apply(autodiff.MatMul(normAdj, x))
}

// GCNSynthetic is the 3-layer node-classification GCN.
type GCNSynthetic struct {
	gc1, gc2, gc3 linear
	out           linear

	nFeat, nHid, nOut, nClass int
}

// NewGCNSynthetic builds a GCNSynthetic with randomly initialized frozen
// weights. Real runs load a trained checkpoint instead; random weights
// exist for experiments and tests where only the mechanics matter.
//
// Inputs:
//   - nFeat: input feature width.
//   - nHid: hidden width of the first two convolutions.
//   - nOut: width of the third convolution.
//   - nClass: number of classes.
//   - rng: seeded source for deterministic initialization.
//
// Outputs:
//   - *GCNSynthetic, or ErrBadDims for non-positive sizes.
func NewGCNSynthetic(nFeat, nHid, nOut, nClass int, rng *rand.Rand) (*GCNSynthetic, error) {
	if nFeat <= 0 || nHid <= 0 || nOut <= 0 || nClass <= 0 {
		return nil, fmt.Errorf("%w: feat=%d hid=%d out=%d class=%d",
			ErrBadDims, nFeat, nHid, nOut, nClass)
	}
	return &GCNSynthetic{
		gc1:    newLinear(nFeat, nHid, rng),
		gc2:    newLinear(nHid, nHid, rng),
		gc3:    newLinear(nHid, nOut, rng),
		out:    newLinear(nHid+nHid+nOut, nClass, rng),
		nFeat:  nFeat,
		nHid:   nHid,
		nOut:   nOut,
		nClass: nClass,
	}, nil
}

// Forward computes per-node log-probabilities (N x C).
//
// The three convolution outputs are concatenated before the linear head,
// so shallow and deep structure both reach the classifier.
func (m *GCNSynthetic) Forward(x, normAdj *autodiff.Tensor) *autodiff.Tensor {
	h1 := autodiff.ReLU(m.gc1.conv(normAdj, x))
	h2 := autodiff.ReLU(m.gc2.conv(normAdj, h1))
	h3 := m.gc3.conv(normAdj, h2)

	logits := m.out.apply(autodiff.ConcatCols(h1, h2, h3))
	return autodiff.LogSoftmax(logits)
}

// NumClasses returns the classifier's output width.
func (m *GCNSynthetic) NumClasses() int { return m.nClass }

// GraphPoolNet is the graph-classification scorer: the GCNSynthetic
// convolution stack followed by a mean-pool readout over nodes.
type GraphPoolNet struct {
	gc1, gc2, gc3 linear
	out           linear

	nFeat, nHid, nOut, nClass int
}

// NewGraphPoolNet builds a GraphPoolNet with randomly initialized frozen
// weights; see NewGCNSynthetic for the argument contract.
func NewGraphPoolNet(nFeat, nHid, nOut, nClass int, rng *rand.Rand) (*GraphPoolNet, error) {
	if nFeat <= 0 || nHid <= 0 || nOut <= 0 || nClass <= 0 {
		return nil, fmt.Errorf("%w: feat=%d hid=%d out=%d class=%d",
			ErrBadDims, nFeat, nHid, nOut, nClass)
	}
	return &GraphPoolNet{
		gc1:    newLinear(nFeat, nHid, rng),
		gc2:    newLinear(nHid, nHid, rng),
		gc3:    newLinear(nHid, nOut, rng),
		out:    newLinear(nHid+nHid+nOut, nClass, rng),
		nFeat:  nFeat,
		nHid:   nHid,
		nOut:   nOut,
		nClass: nClass,
	}, nil
}

// Forward computes graph-level log-probabilities (1 x C).
func (m *GraphPoolNet) Forward(x, normAdj *autodiff.Tensor) *autodiff.Tensor {
	h1 := autodiff.ReLU(m.gc1.conv(normAdj, x))
	h2 := autodiff.ReLU(m.gc2.conv(normAdj, h1))
	h3 := m.gc3.conv(normAdj, h2)

	pooled := autodiff.RowMean(autodiff.ConcatCols(h1, h2, h3))
	return autodiff.LogSoftmax(m.out.apply(pooled))
}

// NumClasses returns the classifier's output width.
func (m *GraphPoolNet) NumClasses() int { return m.nClass }

// Predict runs a scorer outside any training loop: the raw adjacency is
// renormalized, both inputs are wrapped as constants, and the detached
// log-probability matrix is returned.
func Predict(s Scorer, features, adj *mat.Dense) *mat.Dense {
	normAdj := tensor.NormalizeAdj(adj)
	out := s.Forward(autodiff.Constant(features), autodiff.Constant(normAdj))
	return out.Detach()
}

// ArgmaxRow returns the index of the largest entry in row i of m.
func ArgmaxRow(m *mat.Dense, i int) int {
	_, c := m.Dims()
	best, bestV := 0, math.Inf(-1)
	for j := 0; j < c; j++ {
		if v := m.At(i, j); v > bestV {
			best, bestV = j, v
		}
	}
	return best
}
