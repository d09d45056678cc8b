// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/counterfact/services/explain/autodiff"
	"github.com/AleutianAI/counterfact/services/explain/dataset"
	"github.com/AleutianAI/counterfact/services/explain/optim"
	"github.com/AleutianAI/counterfact/services/explain/perturb"
	"github.com/AleutianAI/counterfact/services/explain/search"
)

// connectivityScorer classifies a node by the off-diagonal sum of its
// normalized adjacency row, so deleting incident edges reliably flips
// it. See the search package tests for the rationale.
type connectivityScorer struct{}

func (connectivityScorer) NumClasses() int { return 2 }

func (connectivityScorer) Forward(x, normAdj *autodiff.Tensor) *autodiff.Tensor {
	rows, _ := x.Dims()

	hollow := mat.NewDense(rows, rows, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < rows; j++ {
			if i != j {
				hollow.Set(i, j, 1)
			}
		}
	}
	ones := mat.NewDense(rows, 1, nil)
	bias := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		ones.Set(i, 0, 1)
		bias.Set(i, 0, 0.5)
	}

	offDiag := autodiff.MulElem(normAdj, autodiff.Constant(hollow))
	rowSums := autodiff.MatMul(offDiag, autodiff.Constant(ones))
	logit0 := autodiff.Scale(40, autodiff.Sub(rowSums, autodiff.Constant(bias)))
	logit1 := autodiff.Constant(mat.NewDense(rows, 1, nil))
	return autodiff.LogSoftmax(autodiff.ConcatCols(logit0, logit1))
}

// ringDataset serves identical 4-rings as independent node instances.
// failAt, when non-negative, makes that instance unavailable.
type ringDataset struct {
	count  int
	failAt int
}

func (d *ringDataset) Task() dataset.Task { return dataset.TaskNodeClass }
func (d *ringDataset) NumFeatures() int   { return 1 }
func (d *ringDataset) NumClasses() int    { return 2 }
func (d *ringDataset) NumInstances() int  { return d.count }

func (d *ringDataset) TestIndices() []int {
	idx := make([]int, d.count)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func (d *ringDataset) Instance(idx int) (*dataset.Instance, error) {
	if idx == d.failAt {
		return nil, fmt.Errorf("instance %d unavailable", idx)
	}

	n := 4
	adj := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		adj.Set(i, j, 1)
		adj.Set(j, i, 1)
	}
	feat := mat.NewDense(n, 1, nil)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		feat.Set(i, 0, 1)
	}

	return &dataset.Instance{
		Idx:       idx,
		NodeIdx:   idx,
		NewIdx:    0,
		SubAdj:    adj,
		SubFeat:   feat,
		SubLabels: labels,
		NumNodes:  n,
	}, nil
}

func runCfg() RunConfig {
	return RunConfig{
		Dataset: "ring4",
		Perturb: perturb.Config{EdgeDel: true, Alpha: 1, Beta: 0.5},
		Search: search.Config{
			Epochs:    40,
			Optimizer: optim.KindSGD,
			LR:        0.5,
		},
		Workers: 3,
		Seed:    7,
	}
}

func TestRunExplainsEveryInstanceSorted(t *testing.T) {
	r := New(connectivityScorer{}, &ringDataset{count: 6, failAt: -1}, runCfg(), nil, nil)

	results, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 6)

	for i, res := range results {
		assert.Equal(t, i, res.InstanceIdx) // sorted despite pool scheduling
		assert.Equal(t, 0, res.OrigPred)
		assert.True(t, res.Explanation.Found)
	}
}

func TestRunInvokesErrorCallbackAndContinues(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []int
	)
	onError := func(idx int, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, idx)
	}

	r := New(connectivityScorer{}, &ringDataset{count: 5, failAt: 2}, runCfg(), nil, onError)

	results, err := r.Run(context.Background())
	require.NoError(t, err)

	// Siblings survive; instance 2 is simply absent.
	require.Len(t, results, 4)
	for _, res := range results {
		assert.NotEqual(t, 2, res.InstanceIdx)
	}
	assert.Equal(t, []int{2}, failed)
}

func TestRunAbortsOnConfigError(t *testing.T) {
	cfg := runCfg()
	cfg.Perturb = perturb.Config{} // no edit operation

	r := New(connectivityScorer{}, &ringDataset{count: 3, failAt: -1}, cfg, nil, nil)

	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, perturb.ErrNoEditOperation)
}

func TestRunRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(connectivityScorer{}, &ringDataset{count: 3, failAt: -1}, runCfg(), nil, nil)

	_, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunIsDeterministicForSeed(t *testing.T) {
	cfg := runCfg()
	cfg.Perturb.RandInitSpread = 0.5

	run := func() []*Result {
		r := New(connectivityScorer{}, &ringDataset{count: 4, failAt: -1}, cfg, nil, nil)
		results, err := r.Run(context.Background())
		require.NoError(t, err)
		return results
	}

	a, b := run(), run()
	require.Len(t, b, len(a))
	for i := range a {
		require.Equal(t, a[i].Explanation.Found, b[i].Explanation.Found)
		if a[i].Explanation.Found {
			assert.True(t, mat.Equal(
				a[i].Explanation.Best.CFAdj,
				b[i].Explanation.Best.CFAdj,
			))
		}
	}
}

func TestRunPersistsResults(t *testing.T) {
	cfg := runCfg()
	cfg.OutDir = t.TempDir()

	r := New(connectivityScorer{}, &ringDataset{count: 3, failAt: -1}, cfg, nil, nil)
	results, err := r.Run(context.Background())
	require.NoError(t, err)

	path, err := ResultPath(cfg.OutDir, cfg)
	require.NoError(t, err)

	file, err := LoadResults(path)
	require.NoError(t, err)
	assert.Equal(t, "ring4", file.Dataset)
	require.Len(t, file.Records, len(results))

	rec := file.Records[0]
	assert.Equal(t, 0, rec.InstanceIdx)
	assert.True(t, rec.Found)
	assert.Equal(t, len(results[0].Explanation.Accepted), rec.Count)
	require.NotNil(t, rec.Best)

	// Sparse round trips reproduce the dense matrices.
	assert.True(t, mat.Equal(
		results[0].Explanation.Best.CFAdj,
		rec.Best.CFAdj.ToDense(),
	))
	assert.True(t, mat.Equal(results[0].SubAdj, rec.SubAdj.ToDense()))
	assert.Equal(t, 4, rec.NumNodes)
}
