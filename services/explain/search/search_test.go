// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/counterfact/services/explain/autodiff"
	"github.com/AleutianAI/counterfact/services/explain/optim"
	"github.com/AleutianAI/counterfact/services/explain/perturb"
	"github.com/AleutianAI/counterfact/services/explain/tensor"
)

func ringAdj(n int) *mat.Dense {
	adj := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		adj.Set(i, j, 1)
		adj.Set(j, i, 1)
	}
	return adj
}

func onesFeatures(n int) *mat.Dense {
	feat := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		feat.Set(i, 0, 1)
	}
	return feat
}

// connectivityScorer classifies a node by the off-diagonal sum of its
// normalized adjacency row: well-connected rows score class 0, depleted
// rows class 1. The diagonal is excluded because renormalization gives
// every node a self-term that grows as neighbors are removed, which
// would cancel the depletion signal. On a 4-ring the off-diagonal sum
// is 2/3 per node and drops below the 0.5 cut once an incident edge is
// deleted, so deletions flip the node predictably.
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

func defaultSearchCfg() Config {
	return Config{
		Epochs:    60,
		Optimizer: optim.KindSGD,
		LR:        0.5,
		History:   true,
		Debug:     true,
	}
}

func TestNewValidation(t *testing.T) {
	adj := ringAdj(4)
	feat := onesFeatures(4)
	pcfg := perturb.Config{EdgeDel: true, Alpha: 1, Beta: 0.5}

	t.Run("zero epochs", func(t *testing.T) {
		cfg := defaultSearchCfg()
		cfg.Epochs = 0
		_, err := New(connectivityScorer{}, feat, adj, 0, pcfg, cfg, nil)
		require.ErrorIs(t, err, ErrBadEpochs)
	})

	t.Run("diversity without history", func(t *testing.T) {
		cfg := defaultSearchCfg()
		cfg.History = false
		p := pcfg
		p.Gamma = 0.5
		_, err := New(connectivityScorer{}, feat, adj, 0, p, cfg, nil)
		require.ErrorIs(t, err, ErrDiversityNeedsHistory)
	})

	t.Run("perturb errors surface", func(t *testing.T) {
		_, err := New(connectivityScorer{}, feat, adj, 0, perturb.Config{}, defaultSearchCfg(), nil)
		require.ErrorIs(t, err, perturb.ErrNoEditOperation)
	})

	t.Run("optimizer errors surface", func(t *testing.T) {
		cfg := defaultSearchCfg()
		cfg.Optimizer = "Adam"
		_, err := New(connectivityScorer{}, feat, adj, 0, pcfg, cfg, nil)
		require.ErrorIs(t, err, optim.ErrUnknownKind)
	})
}

func TestFindsDeletionCounterfactualOnRing(t *testing.T) {
	// Every ring node starts as class 0; deleting incident edges drops
	// its off-diagonal connectivity below the cut and flips it to 1.
	adj := ringAdj(4)
	e, err := New(connectivityScorer{}, onesFeatures(4), adj, 0,
		perturb.Config{EdgeDel: true, Alpha: 1, Beta: 0.5},
		defaultSearchCfg(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, e.OrigPred())

	exp, err := e.Run(context.Background())
	require.NoError(t, err)

	require.True(t, exp.Found)
	require.NotNil(t, exp.Best)
	assert.NotEqual(t, exp.OrigPred, exp.Best.NewPred)
	assert.GreaterOrEqual(t, exp.Best.GraphDist, 1.0)

	// Deletion-only search must not have added anything.
	cf := exp.Best.CFAdj
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.LessOrEqual(t, cf.At(i, j), adj.At(i, j))
		}
	}
	assert.True(t, tensor.IsSymmetric(cf, 0))

	// The edit touches node 0's own edges.
	assert.InDelta(t, exp.Best.GraphDist,
		tensor.EditDistance(cf, adj), 1e-12)
	assert.True(t, cf.At(0, 1) == 0 || cf.At(0, 3) == 0)
}

func TestAcceptanceNeverRegressesDistance(t *testing.T) {
	adj := ringAdj(4)
	e, err := New(connectivityScorer{}, onesFeatures(4), adj, 0,
		perturb.Config{EdgeDel: true, Alpha: 1, Beta: 0.5},
		defaultSearchCfg(), nil)
	require.NoError(t, err)

	exp, err := e.Run(context.Background())
	require.NoError(t, err)
	require.True(t, exp.Found)

	best := exp.Accepted[0].GraphDist
	for _, cand := range exp.Accepted[1:] {
		assert.LessOrEqual(t, cand.GraphDist, best)
		best = cand.GraphDist
	}
	assert.Equal(t, exp.Accepted[len(exp.Accepted)-1], exp.Best)
}

func TestHistoryRetentionAndDownsampling(t *testing.T) {
	adj := ringAdj(4)

	cfg := defaultSearchCfg()
	cfg.Epochs = 10
	cfg.HistCap = 3
	e, err := New(connectivityScorer{}, onesFeatures(4), adj, 0,
		perturb.Config{EdgeDel: true, Alpha: 1, Beta: 0.5}, cfg, nil)
	require.NoError(t, err)

	exp, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, exp.History, 3)
	assert.Equal(t, 0, exp.History[0].Epoch)
	assert.Equal(t, 5, exp.History[1].Epoch)
	assert.Equal(t, 9, exp.History[2].Epoch)
}

func TestHistoryDisabled(t *testing.T) {
	cfg := defaultSearchCfg()
	cfg.History = false
	e, err := New(connectivityScorer{}, onesFeatures(4), ringAdj(4), 0,
		perturb.Config{EdgeDel: true, Alpha: 1, Beta: 0.5}, cfg, nil)
	require.NoError(t, err)

	exp, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, exp.History)

	// Only the latest accepted candidate is retained without history.
	require.True(t, exp.Found)
	require.Len(t, exp.Accepted, 1)
	assert.Equal(t, exp.Best, exp.Accepted[0])
}

func TestAcceptedListRespectsHistoryCap(t *testing.T) {
	// The cap bounds the persisted explanation records, not just the
	// per-epoch log: the ring search accepts the same counterfactual
	// repeatedly across 60 epochs, yet at most HistCap records survive.
	cfg := defaultSearchCfg()
	cfg.HistCap = 3
	e, err := New(connectivityScorer{}, onesFeatures(4), ringAdj(4), 0,
		perturb.Config{EdgeDel: true, Alpha: 1, Beta: 0.5}, cfg, nil)
	require.NoError(t, err)

	exp, err := e.Run(context.Background())
	require.NoError(t, err)
	require.True(t, exp.Found)
	assert.LessOrEqual(t, len(exp.Accepted), 3)
	assert.LessOrEqual(t, len(exp.History), 3)
}

func TestDedupOnlyWithDiversityTerm(t *testing.T) {
	// Without the diversity term every accepted candidate is retained,
	// bit-identical repeats included; the dedup window belongs to the
	// diversity bookkeeping, not the acceptance policy.
	cfg := defaultSearchCfg()
	cfg.DiversityWindow = 5
	e, err := New(connectivityScorer{}, onesFeatures(4), ringAdj(4), 0,
		perturb.Config{EdgeDel: true, Alpha: 1, Beta: 0.5}, cfg, nil)
	require.NoError(t, err)

	exp, err := e.Run(context.Background())
	require.NoError(t, err)
	require.True(t, exp.Found)
	require.Greater(t, len(exp.Accepted), 1)

	var repeat bool
	for i := 1; i < len(exp.Accepted); i++ {
		if mat.Equal(exp.Accepted[i-1].CFAdj, exp.Accepted[i].CFAdj) {
			repeat = true
		}
	}
	assert.True(t, repeat)
}

func TestSingleNodeGraphRunsCleanly(t *testing.T) {
	// One node, no edges: nothing can be edited, so the search runs its
	// budget and finds nothing, without errors.
	adj := mat.NewDense(1, 1, nil)
	e, err := New(connectivityScorer{}, onesFeatures(1), adj, 0,
		perturb.Config{EdgeDel: true, Alpha: 1, Beta: 0.5},
		defaultSearchCfg(), nil)
	require.NoError(t, err)

	exp, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, exp.Found)
	assert.Nil(t, exp.Best)
}

func TestContextCancellationAborts(t *testing.T) {
	e, err := New(connectivityScorer{}, onesFeatures(4), ringAdj(4), 0,
		perturb.Config{EdgeDel: true, Alpha: 1, Beta: 0.5},
		defaultSearchCfg(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPertPositiveKeepsAllValidCandidates(t *testing.T) {
	// PP mode: valid means the prediction is preserved; every distinct
	// valid candidate is retained, not only improvements.
	adj := ringAdj(4)

	cfg := defaultSearchCfg()
	cfg.Epochs = 20
	cfg.DiversityWindow = 5
	e, err := New(connectivityScorer{}, onesFeatures(4), adj, 0,
		perturb.Config{CEM: perturb.CEMPertPositive, Alpha: 1, Beta: 0.5, Gamma: 0.5}, cfg, nil)
	require.NoError(t, err)

	exp, err := e.Run(context.Background())
	require.NoError(t, err)

	// The zero-initialized deletion mask keeps the full ring, which
	// preserves the prediction from epoch 0.
	require.True(t, exp.Found)
	for _, cand := range exp.Accepted {
		assert.Equal(t, exp.OrigPred, cand.NewPred)
	}

	// Dedup collapses bit-identical consecutive candidates.
	for i := 1; i < len(exp.Accepted); i++ {
		prev := exp.Accepted[i-1].CFAdj
		assert.False(t, mat.Equal(prev, exp.Accepted[i].CFAdj))
	}
}

func TestGraphTaskUsesPooledRow(t *testing.T) {
	// nodeIdx -1 selects graph classification: the scorer output is a
	// single row, and the loop must read row 0 of the actual logits.
	adj := ringAdj(4)
	e, err := New(poolScorer{}, onesFeatures(4), adj, -1,
		perturb.Config{EdgeDel: true, Alpha: 1, Beta: 0.5},
		defaultSearchCfg(), nil)
	require.NoError(t, err)

	exp, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1, exp.NodeIdx)
	assert.Equal(t, 0, exp.OrigPred)
}

// poolScorer is a graph-level analogue of connectivityScorer: the mean
// off-diagonal row sum decides the class of the whole graph.
type poolScorer struct{}

func (poolScorer) NumClasses() int { return 2 }

func (poolScorer) Forward(x, normAdj *autodiff.Tensor) *autodiff.Tensor {
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
	for i := 0; i < rows; i++ {
		ones.Set(i, 0, 1)
	}

	offDiag := autodiff.MulElem(normAdj, autodiff.Constant(hollow))
	rowSums := autodiff.MatMul(offDiag, autodiff.Constant(ones))
	pooled := autodiff.RowMean(rowSums)
	logit0 := autodiff.Scale(40,
		autodiff.Sub(pooled, autodiff.Constant(mat.NewDense(1, 1, []float64{0.5}))))
	logit1 := autodiff.Constant(mat.NewDense(1, 1, nil))
	return autodiff.LogSoftmax(autodiff.ConcatCols(logit0, logit1))
}

func TestDebugModeChecksInvariants(t *testing.T) {
	err := checkCandidate(mat.NewDense(2, 2, []float64{0, 1, 0, 0}))
	require.ErrorIs(t, err, ErrInvariantViolated)

	err = checkCandidate(mat.NewDense(2, 2, []float64{1, 0, 0, 0}))
	require.ErrorIs(t, err, ErrInvariantViolated)

	err = checkCandidate(mat.NewDense(2, 2, []float64{0, 0.5, 0.5, 0}))
	require.ErrorIs(t, err, ErrInvariantViolated)

	require.NoError(t, checkCandidate(mat.NewDense(2, 2, []float64{0, 1, 1, 0})))
}

func TestDownsampleBounds(t *testing.T) {
	records := make([]EpochRecord, 5)
	for i := range records {
		records[i].Epoch = i
	}

	assert.Len(t, downsample(records, 10), 5) // under the cap, untouched
	assert.Len(t, downsample(records, 1), 1)

	two := downsample(records, 2)
	require.Len(t, two, 2)
	assert.Equal(t, 0, two[0].Epoch)
	assert.Equal(t, 4, two[1].Epoch)
}
