// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner orchestrates counterfactual searches over a dataset's
// explanation split: a worker pool builds one fresh explainer per
// instance, failures invoke an error callback without stopping
// siblings, and the surviving results are persisted as a sparse
// msgpack collection.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/counterfact/pkg/logging"
	"github.com/AleutianAI/counterfact/services/explain/dataset"
	"github.com/AleutianAI/counterfact/services/explain/model"
	"github.com/AleutianAI/counterfact/services/explain/optim"
	"github.com/AleutianAI/counterfact/services/explain/perturb"
	"github.com/AleutianAI/counterfact/services/explain/search"
)

// RunConfig is the full hyperparameter set of one explanation run. It
// also derives the persistence path, so every field that changes the
// outcome is part of it.
type RunConfig struct {
	// Dataset names the bundle, for logs and the result path.
	Dataset string

	// Perturb and Search configure every per-instance explainer; the
	// perturbation seed is re-derived per instance from Seed.
	Perturb perturb.Config
	Search  search.Config

	// Workers bounds pool concurrency; values below 1 mean 1.
	Workers int

	// OutDir receives the result file; empty disables persistence.
	OutDir string

	// Seed is the run-level seed. Instance i perturbs with Seed+i so
	// runs are reproducible regardless of worker scheduling.
	Seed int64
}

// Result pairs one instance with its explanation and the instance
// envelope needed to interpret it offline.
type Result struct {
	InstanceIdx int
	NodeIdx     int
	NewIdx      int
	Label       int
	NumNodes    int
	OrigPred    int

	// SubAdj is the unperturbed instance adjacency.
	SubAdj *mat.Dense

	Explanation *search.Explanation
}

// ErrorCallback is invoked for instances that fail without aborting the
// run; siblings continue.
type ErrorCallback func(instanceIdx int, err error)

// Runner executes one explanation run.
type Runner struct {
	log     *logging.Logger
	scorer  model.Scorer
	data    dataset.Dataset
	cfg     RunConfig
	onError ErrorCallback
}

// New builds a Runner. A nil logger falls back to the default; a nil
// callback logs failed instances at warn level.
func New(scorer model.Scorer, data dataset.Dataset, cfg RunConfig, log *logging.Logger, onError ErrorCallback) *Runner {
	if log == nil {
		log = logging.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	r := &Runner{log: log, scorer: scorer, data: data, cfg: cfg}
	if onError == nil {
		onError = func(idx int, err error) {
			r.log.Warn("instance failed", "instance", idx, "error", err)
		}
	}
	r.onError = onError
	return r
}

// Run explains every instance of the dataset's test split.
//
// Description:
//
//	Feeds the split through a bounded worker pool. Each worker extracts
//	its instance, builds a fresh strategy and explainer sized to the
//	subgraph, and runs the search. Per-instance failures go to the
//	error callback; configuration and invariant errors are fatal and
//	cancel the pool. Results come back sorted by instance index and,
//	when an output directory is configured, are persisted before
//	returning.
//
// Inputs:
//   - ctx: cancels the whole run.
//
// Outputs:
//   - results sorted by instance index; failed instances are absent.
//   - error: fatal configuration/invariant errors, context
//     cancellation, or persistence failures.
func (r *Runner) Run(ctx context.Context) ([]*Result, error) {
	runID := uuid.NewString()
	split := r.data.TestIndices()
	start := time.Now()

	ctx, span := startRunSpan(ctx, runID, len(split))
	defer span.End()

	r.log.Info("explanation run starting",
		"run_id", runID,
		"dataset", r.cfg.Dataset,
		"instances", len(split),
		"workers", r.cfg.Workers,
	)

	tasks := make(chan int)
	results := make(chan *Result, len(split))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(tasks)
		for _, idx := range split {
			select {
			case tasks <- idx:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < r.cfg.Workers; w++ {
		g.Go(func() error {
			for idx := range tasks {
				res, err := r.explain(ctx, idx)
				if err != nil {
					if fatal(err) {
						return fmt.Errorf("instance %d: %w", idx, err)
					}
					r.onError(idx, err)
					continue
				}
				results <- res
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	out := make([]*Result, 0, len(split))
	for res := range results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InstanceIdx < out[j].InstanceIdx
	})

	found := 0
	for _, res := range out {
		if res.Explanation.Found {
			found++
		}
	}
	elapsed := time.Since(start)
	setRunSpanResult(span, found, len(out))

	r.log.Info("explanation run finished",
		"run_id", runID,
		"found", found,
		"explained", len(out),
		"instances", len(split),
		"elapsed", elapsed.String(),
	)

	if r.cfg.OutDir != "" {
		path, err := ResultPath(r.cfg.OutDir, r.cfg)
		if err != nil {
			return out, err
		}
		if err := SaveResults(path, runID, r.cfg, out); err != nil {
			return out, err
		}
		r.log.Info("results persisted", "run_id", runID, "path", path)
	}
	return out, nil
}

// explain runs one instance end to end.
func (r *Runner) explain(ctx context.Context, idx int) (*Result, error) {
	instStart := time.Now()

	inst, err := r.data.Instance(idx)
	if err != nil {
		return nil, err
	}

	pcfg := r.cfg.Perturb
	pcfg.Seed = r.cfg.Seed + int64(idx)

	nodeIdx := -1
	if r.data.Task() == dataset.TaskNodeClass {
		nodeIdx = inst.NewIdx
	}

	e, err := search.New(r.scorer, inst.SubFeat, inst.SubAdj, nodeIdx, pcfg, r.cfg.Search, r.log)
	if err != nil {
		return nil, err
	}

	exp, err := e.Run(ctx)
	if err != nil {
		return nil, err
	}

	recordInstanceMetrics(ctx, time.Since(instStart), exp)
	r.log.Debug("instance explained",
		"instance", idx,
		"num_nodes", inst.NumNodes,
		"found", exp.Found,
		"accepted", len(exp.Accepted),
	)

	return &Result{
		InstanceIdx: idx,
		NodeIdx:     inst.NodeIdx,
		NewIdx:      inst.NewIdx,
		Label:       inst.Label,
		NumNodes:    inst.NumNodes,
		OrigPred:    exp.OrigPred,
		SubAdj:      inst.SubAdj,
		Explanation: exp,
	}, nil
}

// fatal reports whether an instance error must abort the whole run:
// misconfiguration would fail every sibling identically, and invariant
// violations indicate a perturbation bug.
func fatal(err error) bool {
	return errors.Is(err, perturb.ErrNoEditOperation) ||
		errors.Is(err, perturb.ErrCEMWithEditFlags) ||
		errors.Is(err, perturb.ErrInvalidCEMMode) ||
		errors.Is(err, search.ErrBadEpochs) ||
		errors.Is(err, search.ErrDiversityNeedsHistory) ||
		errors.Is(err, search.ErrInvariantViolated) ||
		errors.Is(err, optim.ErrUnknownKind) ||
		errors.Is(err, optim.ErrBadLearningRate) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
