// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/counterfact/services/explain/autodiff"
)

// Architecture names recognized in checkpoints.
const (
	ArchGCNSynthetic = "gcn_synthetic"
	ArchGraphPool    = "graph_pool"
)

// Checkpoint is the on-disk JSON weight bundle for a trained classifier.
//
// Weight keys follow "{layer}.{w|b}" with layers gc1, gc2, gc3 and out.
// Matrices are row-major nested slices; biases are a single row.
type Checkpoint struct {
	Arch   string `json:"arch"`
	NFeat  int    `json:"n_feat"`
	NHid   int    `json:"n_hid"`
	NOut   int    `json:"n_out"`
	NClass int    `json:"n_class"`

	Weights map[string][][]float64 `json:"weights"`
}

// LoadCheckpoint reads a checkpoint file and instantiates the frozen
// scorer it describes.
//
// Inputs:
//   - path: JSON checkpoint file.
//
// Outputs:
//   - Scorer with constant (non-trainable) weights.
//   - error: read/parse failures, or ErrBadCheckpoint on missing keys,
//     unknown architecture, or shape mismatches.
func LoadCheckpoint(path string) (Scorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return ckpt.Instantiate()
}

// Instantiate builds the scorer described by the checkpoint.
func (c *Checkpoint) Instantiate() (Scorer, error) {
	layers, err := c.layers()
	if err != nil {
		return nil, err
	}

	switch c.Arch {
	case ArchGCNSynthetic:
		return &GCNSynthetic{
			gc1: layers[0], gc2: layers[1], gc3: layers[2], out: layers[3],
			nFeat: c.NFeat, nHid: c.NHid, nOut: c.NOut, nClass: c.NClass,
		}, nil
	case ArchGraphPool:
		return &GraphPoolNet{
			gc1: layers[0], gc2: layers[1], gc3: layers[2], out: layers[3],
			nFeat: c.NFeat, nHid: c.NHid, nOut: c.NOut, nClass: c.NClass,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown arch %q", ErrBadCheckpoint, c.Arch)
	}
}

// layers decodes and shape-checks the four layers in declaration order.
func (c *Checkpoint) layers() ([]linear, error) {
	if c.NFeat <= 0 || c.NHid <= 0 || c.NOut <= 0 || c.NClass <= 0 {
		return nil, fmt.Errorf("%w: non-positive dimensions", ErrBadCheckpoint)
	}

	specs := []struct {
		name    string
		in, out int
	}{
		{"gc1", c.NFeat, c.NHid},
		{"gc2", c.NHid, c.NHid},
		{"gc3", c.NHid, c.NOut},
		{"out", c.NHid + c.NHid + c.NOut, c.NClass},
	}

	layers := make([]linear, 0, len(specs))
	for _, spec := range specs {
		w, err := c.weight(spec.name+".w", spec.in, spec.out)
		if err != nil {
			return nil, err
		}
		b, err := c.weight(spec.name+".b", 1, spec.out)
		if err != nil {
			return nil, err
		}
		layers = append(layers, linear{
			w: autodiff.Constant(w),
			b: autodiff.Constant(b),
		})
	}
	return layers, nil
}

// weight decodes one named matrix and validates its shape.
func (c *Checkpoint) weight(key string, rows, cols int) (*mat.Dense, error) {
	raw, ok := c.Weights[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing weight %q", ErrBadCheckpoint, key)
	}
	if len(raw) != rows {
		return nil, fmt.Errorf("%w: %q has %d rows, want %d",
			ErrBadCheckpoint, key, len(raw), rows)
	}

	out := mat.NewDense(rows, cols, nil)
	for i, row := range raw {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: %q row %d has %d cols, want %d",
				ErrBadCheckpoint, key, i, len(row), cols)
		}
		for j, v := range row {
			out.Set(i, j, v)
		}
	}
	return out, nil
}

// SaveCheckpoint serializes a randomly initialized or trained scorer's
// weights. Only the two known architectures are supported.
func SaveCheckpoint(path string, s Scorer) error {
	ckpt, err := Export(s)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Export captures a scorer's weights into a Checkpoint value.
func Export(s Scorer) (*Checkpoint, error) {
	switch m := s.(type) {
	case *GCNSynthetic:
		return exportLayers(ArchGCNSynthetic, m.nFeat, m.nHid, m.nOut, m.nClass,
			m.gc1, m.gc2, m.gc3, m.out), nil
	case *GraphPoolNet:
		return exportLayers(ArchGraphPool, m.nFeat, m.nHid, m.nOut, m.nClass,
			m.gc1, m.gc2, m.gc3, m.out), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scorer %T", ErrBadCheckpoint, s)
	}
}

func exportLayers(arch string, nFeat, nHid, nOut, nClass int, gc1, gc2, gc3, out linear) *Checkpoint {
	ckpt := &Checkpoint{
		Arch:    arch,
		NFeat:   nFeat,
		NHid:    nHid,
		NOut:    nOut,
		NClass:  nClass,
		Weights: make(map[string][][]float64),
	}
	for name, l := range map[string]linear{"gc1": gc1, "gc2": gc2, "gc3": gc3, "out": out} {
		ckpt.Weights[name+".w"] = toNested(l.w.Value())
		ckpt.Weights[name+".b"] = toNested(l.b.Value())
	}
	return ckpt
}

func toNested(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := 0; i < r; i++ {
		out[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}

// RandomScorer builds a deterministic randomly-weighted scorer for the
// given task, used when no checkpoint is supplied.
func RandomScorer(task string, nFeat, nHid, nClass int, seed int64) (Scorer, error) {
	rng := rand.New(rand.NewSource(seed))
	if task == "graph-class" {
		return NewGraphPoolNet(nFeat, nHid, nHid, nClass, rng)
	}
	return NewGCNSynthetic(nFeat, nHid, nHid, nClass, rng)
}
