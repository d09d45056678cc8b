// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package optim provides the gradient-descent optimizers used by the
// counterfactual search loop: plain SGD, Nesterov-momentum SGD, and
// Adadelta (an adaptive-learning-rate method).
//
// Optimizers mutate parameter values in place from the gradients
// accumulated by autodiff.Backward. Each optimizer owns per-parameter
// state (momentum buffers, squared-gradient averages) keyed by position
// in the parameter slice, so the same slice must be passed to every
// Step call.
package optim

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/counterfact/services/explain/autodiff"
)

// Sentinel errors for optimizer construction.
var (
	// ErrUnknownKind is returned for an unrecognized optimizer name.
	ErrUnknownKind = errors.New("unknown optimizer kind")

	// ErrBadLearningRate is returned when the learning rate is not positive.
	ErrBadLearningRate = errors.New("learning rate must be > 0")
)

// Kind names an optimizer algorithm.
type Kind string

const (
	// KindSGD is stochastic gradient descent. With a nonzero momentum
	// coefficient it becomes Nesterov-accelerated SGD.
	KindSGD Kind = "SGD"

	// KindAdadelta is the Adadelta adaptive-learning-rate method.
	KindAdadelta Kind = "Adadelta"
)

// Optimizer updates parameters in place from their accumulated gradients.
type Optimizer interface {
	// Step applies one update. Parameters with nil gradients are skipped.
	Step(params []*autodiff.Tensor)

	// ZeroGrad clears the gradients of all parameters.
	ZeroGrad(params []*autodiff.Tensor)
}

// New constructs an optimizer by kind.
//
// Inputs:
//   - kind: KindSGD or KindAdadelta.
//   - lr: learning rate, must be > 0.
//   - momentum: Nesterov momentum coefficient for SGD; 0 disables
//     momentum. Ignored by Adadelta.
//
// Outputs:
//   - Optimizer ready for Step calls.
//   - error: ErrUnknownKind or ErrBadLearningRate.
func New(kind Kind, lr, momentum float64) (Optimizer, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrBadLearningRate, lr)
	}
	switch kind {
	case KindSGD:
		return &sgd{lr: lr, momentum: momentum}, nil
	case KindAdadelta:
		return &adadelta{lr: lr, rho: 0.9, eps: 1e-6}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// sgd implements plain and Nesterov-momentum stochastic gradient descent.
type sgd struct {
	lr       float64
	momentum float64
	bufs     map[int]*mat.Dense
}

func (o *sgd) Step(params []*autodiff.Tensor) {
	for idx, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}

		update := g
		if o.momentum != 0 {
			if o.bufs == nil {
				o.bufs = make(map[int]*mat.Dense)
			}
			buf, ok := o.bufs[idx]
			if !ok {
				buf = mat.DenseCopyOf(g)
				o.bufs[idx] = buf
			} else {
				// buf = momentum*buf + grad
				buf.Scale(o.momentum, buf)
				buf.Add(buf, g)
			}
			// Nesterov lookahead: d = grad + momentum*buf
			r, c := g.Dims()
			d := mat.NewDense(r, c, nil)
			d.Scale(o.momentum, buf)
			d.Add(d, g)
			update = d
		}

		r, c := update.Dims()
		step := mat.NewDense(r, c, nil)
		step.Scale(-o.lr, update)
		p.Value().Add(p.Value(), step)
	}
}

func (o *sgd) ZeroGrad(params []*autodiff.Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// adadelta implements the Adadelta update rule with running averages of
// squared gradients and squared updates.
type adadelta struct {
	lr  float64
	rho float64
	eps float64

	avgSqGrad map[int]*mat.Dense
	avgSqUpd  map[int]*mat.Dense
}

func (o *adadelta) Step(params []*autodiff.Tensor) {
	if o.avgSqGrad == nil {
		o.avgSqGrad = make(map[int]*mat.Dense)
		o.avgSqUpd = make(map[int]*mat.Dense)
	}

	for idx, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		r, c := g.Dims()

		eg, ok := o.avgSqGrad[idx]
		if !ok {
			eg = mat.NewDense(r, c, nil)
			o.avgSqGrad[idx] = eg
		}
		eu, ok := o.avgSqUpd[idx]
		if !ok {
			eu = mat.NewDense(r, c, nil)
			o.avgSqUpd[idx] = eu
		}

		val := p.Value()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				gv := g.At(i, j)

				egv := o.rho*eg.At(i, j) + (1-o.rho)*gv*gv
				eg.Set(i, j, egv)

				delta := math.Sqrt(eu.At(i, j)+o.eps) / math.Sqrt(egv+o.eps) * gv
				eu.Set(i, j, o.rho*eu.At(i, j)+(1-o.rho)*delta*delta)

				val.Set(i, j, val.At(i, j)-o.lr*delta)
			}
		}
	}
}

func (o *adadelta) ZeroGrad(params []*autodiff.Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
