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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/AleutianAI/counterfact/services/explain/perturb"
	"github.com/AleutianAI/counterfact/services/explain/search"
	"github.com/AleutianAI/counterfact/services/explain/tensor"
)

// CandidateRecord is one persisted counterfactual; the adjacency is
// stored sparse since accepted counterfactuals stay close to the input
// graph.
type CandidateRecord struct {
	Epoch     int            `msgpack:"epoch"`
	NewPred   int            `msgpack:"new_pred"`
	GraphDist float64        `msgpack:"graph_dist"`
	CFAdj     *tensor.Sparse `msgpack:"cf_adj"`
}

// InstanceRecord is the persisted outcome of one instance, including
// the envelope needed to interpret counterfactuals offline.
type InstanceRecord struct {
	InstanceIdx int  `msgpack:"instance_idx"`
	NodeIdx     int  `msgpack:"node_idx"`
	NewIdx      int  `msgpack:"new_idx"`
	Label       int  `msgpack:"label"`
	NumNodes    int  `msgpack:"num_nodes"`
	OrigPred    int  `msgpack:"orig_pred"`
	Found       bool `msgpack:"found"`

	// SubAdj is the unperturbed instance adjacency, sparse.
	SubAdj *tensor.Sparse `msgpack:"sub_adj"`

	// Count is the number of accepted candidates; zero with Found
	// false is a normal outcome, not an error.
	Count int `msgpack:"count"`

	Best     *CandidateRecord  `msgpack:"best,omitempty"`
	Accepted []CandidateRecord `msgpack:"accepted"`
}

// ResultFile is the top-level msgpack document.
type ResultFile struct {
	RunID     string           `msgpack:"run_id"`
	Dataset   string           `msgpack:"dataset"`
	CreatedAt time.Time        `msgpack:"created_at"`
	Records   []InstanceRecord `msgpack:"records"`
}

// ResultPath derives the output file name from every hyperparameter of
// the run, so distinct configurations never collide. When random
// initialization is active, repeated runs of the same configuration
// produce different results; an incrementing numeric suffix keeps each.
func ResultPath(dir string, cfg RunConfig) (string, error) {
	name := fmt.Sprintf("cf_%s_%s_%s_%s_lr%g_al%g_be%g_ga%g_mo%g_ep%d_%s",
		cfg.Dataset,
		variantName(cfg.Perturb),
		modeName(cfg.Perturb),
		strings.ToLower(string(cfg.Search.Optimizer)),
		cfg.Search.LR,
		cfg.Perturb.Alpha,
		cfg.Perturb.Beta,
		cfg.Perturb.Gamma,
		cfg.Search.Momentum,
		cfg.Search.Epochs,
		initName(cfg.Perturb),
	)

	path := filepath.Join(dir, name+".msgpack")
	if cfg.Perturb.RandInitSpread <= 0 {
		return path, nil
	}

	for counter := 0; ; counter++ {
		candidate := path
		if counter > 0 {
			candidate = filepath.Join(dir, fmt.Sprintf("%s_%d.msgpack", name, counter))
		}
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil && !os.IsExist(err) {
			return "", fmt.Errorf("probe result path: %w", err)
		}
	}
}

func variantName(p perturb.Config) string {
	name := "orig"
	if p.Delta {
		name = "delta"
	}
	if p.Bernoulli {
		name += "-bern"
	}
	return name
}

func modeName(p perturb.Config) string {
	switch p.CEM {
	case perturb.CEMPertNegative:
		return "pn"
	case perturb.CEMPertPositive:
		return "pp"
	}
	switch {
	case p.EdgeDel && p.EdgeAdd:
		return "both"
	case p.EdgeAdd:
		return "add"
	default:
		return "del"
	}
}

func initName(p perturb.Config) string {
	if p.RandInitSpread > 0 {
		return fmt.Sprintf("rand%g", p.RandInitSpread)
	}
	return "zero"
}

// SaveResults writes the run outcome as msgpack with sparse adjacency
// encoding.
func SaveResults(path, runID string, cfg RunConfig, results []*Result) error {
	file := &ResultFile{
		RunID:     runID,
		Dataset:   cfg.Dataset,
		CreatedAt: time.Now().UTC(),
		Records:   make([]InstanceRecord, 0, len(results)),
	}

	for _, res := range results {
		rec := InstanceRecord{
			InstanceIdx: res.InstanceIdx,
			NodeIdx:     res.NodeIdx,
			NewIdx:      res.NewIdx,
			Label:       res.Label,
			NumNodes:    res.NumNodes,
			OrigPred:    res.OrigPred,
			Found:       res.Explanation.Found,
			Count:       len(res.Explanation.Accepted),
			SubAdj:      tensor.ToSparse(res.SubAdj),
		}
		for _, cand := range res.Explanation.Accepted {
			rec.Accepted = append(rec.Accepted, candidateRecord(cand))
		}
		if res.Explanation.Best != nil {
			best := candidateRecord(res.Explanation.Best)
			rec.Best = &best
		}
		file.Records = append(file.Records, rec)
	}

	data, err := msgpack.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

// LoadResults reads a persisted run back.
func LoadResults(path string) (*ResultFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}

	var file ResultFile
	if err := msgpack.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return &file, nil
}

func candidateRecord(c *search.Candidate) CandidateRecord {
	return CandidateRecord{
		Epoch:     c.Epoch,
		NewPred:   c.NewPred,
		GraphDist: c.GraphDist,
		CFAdj:     tensor.ToSparse(c.CFAdj),
	}
}
