// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset loads graph bundles and serves per-instance views to
// the explainer.
//
// For node classification an instance is the k-hop neighborhood of one
// node, extracted as a relabeled dense subgraph; the classifier only
// ever sees messages from at most k hops away, so explaining the
// subgraph is exact, not an approximation. For graph classification an
// instance is simply one graph of the collection.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Sentinel errors for bundle loading and instance access.
var (
	// ErrBadBundle is returned when a bundle file is structurally
	// invalid: missing sections, out-of-range edges, ragged features.
	ErrBadBundle = errors.New("invalid graph bundle")

	// ErrOutOfRange is returned for an instance index outside the dataset.
	ErrOutOfRange = errors.New("instance index out of range")
)

// Task names the classification granularity of a dataset.
type Task string

const (
	// TaskNodeClass explains per-node predictions over one large graph.
	TaskNodeClass Task = "node-class"

	// TaskGraphClass explains whole-graph predictions over a collection.
	TaskGraphClass Task = "graph-class"
)

// Instance is one unit of explanation work. Immutable after extraction.
type Instance struct {
	// Idx is the dataset-level index (node index or graph index).
	Idx int

	// NodeIdx is the explained node in original numbering; -1 for
	// graph classification.
	NodeIdx int

	// NewIdx is the explained node's row in the extracted subgraph; -1
	// for graph classification.
	NewIdx int

	// SubAdj and SubFeat are the instance adjacency and features.
	SubAdj  *mat.Dense
	SubFeat *mat.Dense

	// SubLabels holds per-node labels in subgraph order (node task).
	SubLabels []int

	// Label is the graph-level label (graph task).
	Label int

	// NumNodes is the subgraph size.
	NumNodes int

	// NodeMap maps original node ids to subgraph rows (node task).
	NodeMap map[int]int
}

// Dataset is the contract the runner iterates over.
type Dataset interface {
	// Task reports the classification granularity.
	Task() Task

	// NumFeatures and NumClasses describe the classifier interface.
	NumFeatures() int
	NumClasses() int

	// NumInstances is the total instance count (nodes or graphs).
	NumInstances() int

	// Instance extracts the idx-th instance.
	Instance(idx int) (*Instance, error)

	// TestIndices returns the explanation split in ascending order.
	TestIndices() []int
}

// graphRecord is one graph of a graph-classification bundle.
type graphRecord struct {
	Edges    [][2]int    `json:"edges"`
	Features [][]float64 `json:"features"`
	Label    int         `json:"label"`
}

// bundle is the on-disk JSON layout shared by both tasks.
type bundle struct {
	Task     string      `json:"task"`
	Name     string      `json:"name"`
	NumNodes int         `json:"num_nodes"`
	Edges    [][2]int    `json:"edges"`
	Features [][]float64 `json:"features"`
	Labels   []int       `json:"labels"`
	TestIdx  []int       `json:"test_idx"`
	KHop     int         `json:"k_hop"`

	Graphs []graphRecord `json:"graphs"`
}

// Load reads a JSON graph bundle and returns the matching Dataset.
//
// Description:
//
//	Parses the bundle, validates shapes and edge ranges, and builds
//	either a node-classification dataset (one large graph plus a k-hop
//	radius) or a graph-classification dataset (a graph collection).
//	Edges are undirected: each pair is written symmetrically and
//	self-loops are rejected later, at perturbation construction.
//
// Inputs:
//   - path: bundle file.
//
// Outputs:
//   - Dataset.
//   - error: read/parse failures or ErrBadBundle.
func Load(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}

	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}

	switch Task(b.Task) {
	case TaskNodeClass:
		return newNodeDataset(&b)
	case TaskGraphClass:
		return newGraphDataset(&b)
	default:
		return nil, fmt.Errorf("%w: unknown task %q", ErrBadBundle, b.Task)
	}
}

// nodeDataset serves k-hop neighborhoods of one large graph.
type nodeDataset struct {
	name    string
	adj     *mat.Dense
	feat    *mat.Dense
	labels  []int
	testIdx []int
	khop    int
	nFeat   int
	nClass  int
}

func newNodeDataset(b *bundle) (*nodeDataset, error) {
	if b.NumNodes <= 0 {
		return nil, fmt.Errorf("%w: num_nodes must be positive", ErrBadBundle)
	}
	if len(b.Features) != b.NumNodes || len(b.Labels) != b.NumNodes {
		return nil, fmt.Errorf("%w: %d nodes but %d feature rows, %d labels",
			ErrBadBundle, b.NumNodes, len(b.Features), len(b.Labels))
	}
	if b.KHop <= 0 {
		return nil, fmt.Errorf("%w: k_hop must be positive", ErrBadBundle)
	}

	adj, err := denseAdj(b.Edges, b.NumNodes)
	if err != nil {
		return nil, err
	}
	feat, nFeat, err := denseFeatures(b.Features)
	if err != nil {
		return nil, err
	}

	testIdx, err := checkIndices(b.TestIdx, b.NumNodes)
	if err != nil {
		return nil, err
	}

	return &nodeDataset{
		name:    b.Name,
		adj:     adj,
		feat:    feat,
		labels:  b.Labels,
		testIdx: testIdx,
		khop:    b.KHop,
		nFeat:   nFeat,
		nClass:  numClasses(b.Labels),
	}, nil
}

func (d *nodeDataset) Task() Task         { return TaskNodeClass }
func (d *nodeDataset) NumFeatures() int   { return d.nFeat }
func (d *nodeDataset) NumClasses() int    { return d.nClass }
func (d *nodeDataset) NumInstances() int  { return len(d.labels) }
func (d *nodeDataset) TestIndices() []int { return d.testIdx }

// Instance extracts the k-hop neighborhood of node idx.
//
// Nodes are collected breadth-first up to the configured radius,
// relabeled in ascending original order, and the subgraph adjacency,
// features and labels are copied out. NewIdx locates the explained
// node inside the relabeled subgraph.
func (d *nodeDataset) Instance(idx int) (*Instance, error) {
	if idx < 0 || idx >= len(d.labels) {
		return nil, fmt.Errorf("%w: node %d of %d", ErrOutOfRange, idx, len(d.labels))
	}

	nodes := d.khopNodes(idx)
	nodeMap := make(map[int]int, len(nodes))
	for newID, origID := range nodes {
		nodeMap[origID] = newID
	}

	n := len(nodes)
	subAdj := mat.NewDense(n, n, nil)
	subFeat := mat.NewDense(n, d.nFeat, nil)
	subLabels := make([]int, n)
	for newID, origID := range nodes {
		subLabels[newID] = d.labels[origID]
		for f := 0; f < d.nFeat; f++ {
			subFeat.Set(newID, f, d.feat.At(origID, f))
		}
		for otherNew, otherOrig := range nodes {
			subAdj.Set(newID, otherNew, d.adj.At(origID, otherOrig))
		}
	}

	return &Instance{
		Idx:       idx,
		NodeIdx:   idx,
		NewIdx:    nodeMap[idx],
		SubAdj:    subAdj,
		SubFeat:   subFeat,
		SubLabels: subLabels,
		Label:     d.labels[idx],
		NumNodes:  n,
		NodeMap:   nodeMap,
	}, nil
}

// khopNodes returns the ids reachable from start within the radius,
// ascending.
func (d *nodeDataset) khopNodes(start int) []int {
	total := len(d.labels)
	visited := map[int]bool{start: true}
	frontier := []int{start}

	for hop := 0; hop < d.khop && len(frontier) > 0; hop++ {
		var next []int
		for _, u := range frontier {
			for v := 0; v < total; v++ {
				if !visited[v] && d.adj.At(u, v) != 0 {
					visited[v] = true
					next = append(next, v)
				}
			}
		}
		frontier = next
	}

	nodes := make([]int, 0, len(visited))
	for v := range visited {
		nodes = append(nodes, v)
	}
	sort.Ints(nodes)
	return nodes
}

// graphDataset serves whole graphs from a collection.
type graphDataset struct {
	name    string
	graphs  []graphRecord
	testIdx []int
	nFeat   int
	nClass  int
}

func newGraphDataset(b *bundle) (*graphDataset, error) {
	if len(b.Graphs) == 0 {
		return nil, fmt.Errorf("%w: empty graph collection", ErrBadBundle)
	}

	nFeat := 0
	labels := make([]int, len(b.Graphs))
	for i, g := range b.Graphs {
		if len(g.Features) == 0 || len(g.Features[0]) == 0 {
			return nil, fmt.Errorf("%w: graph %d has no nodes", ErrBadBundle, i)
		}
		if i == 0 {
			nFeat = len(g.Features[0])
		}
		for _, row := range g.Features {
			if len(row) != nFeat {
				return nil, fmt.Errorf("%w: graph %d has ragged features", ErrBadBundle, i)
			}
		}
		if _, err := denseAdj(g.Edges, len(g.Features)); err != nil {
			return nil, fmt.Errorf("graph %d: %w", i, err)
		}
		labels[i] = g.Label
	}

	testIdx, err := checkIndices(b.TestIdx, len(b.Graphs))
	if err != nil {
		return nil, err
	}

	return &graphDataset{
		name:    b.Name,
		graphs:  b.Graphs,
		testIdx: testIdx,
		nFeat:   nFeat,
		nClass:  numClasses(labels),
	}, nil
}

func (d *graphDataset) Task() Task         { return TaskGraphClass }
func (d *graphDataset) NumFeatures() int   { return d.nFeat }
func (d *graphDataset) NumClasses() int    { return d.nClass }
func (d *graphDataset) NumInstances() int  { return len(d.graphs) }
func (d *graphDataset) TestIndices() []int { return d.testIdx }

// Instance materializes graph idx as dense matrices.
func (d *graphDataset) Instance(idx int) (*Instance, error) {
	if idx < 0 || idx >= len(d.graphs) {
		return nil, fmt.Errorf("%w: graph %d of %d", ErrOutOfRange, idx, len(d.graphs))
	}

	g := d.graphs[idx]
	n := len(g.Features)
	adj, err := denseAdj(g.Edges, n)
	if err != nil {
		return nil, err
	}
	feat, _, err := denseFeatures(g.Features)
	if err != nil {
		return nil, err
	}

	return &Instance{
		Idx:      idx,
		NodeIdx:  -1,
		NewIdx:   -1,
		SubAdj:   adj,
		SubFeat:  feat,
		Label:    g.Label,
		NumNodes: n,
	}, nil
}

// denseAdj expands an undirected edge list into a symmetric dense
// adjacency, checking ranges.
func denseAdj(edges [][2]int, n int) (*mat.Dense, error) {
	adj := mat.NewDense(n, n, nil)
	for _, e := range edges {
		i, j := e[0], e[1]
		if i < 0 || i >= n || j < 0 || j >= n {
			return nil, fmt.Errorf("%w: edge (%d,%d) outside %d nodes",
				ErrBadBundle, i, j, n)
		}
		adj.Set(i, j, 1)
		adj.Set(j, i, 1)
	}
	return adj, nil
}

// denseFeatures copies a nested feature table into a dense matrix.
func denseFeatures(rows [][]float64) (*mat.Dense, int, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, 0, fmt.Errorf("%w: empty feature table", ErrBadBundle)
	}
	nFeat := len(rows[0])

	feat := mat.NewDense(len(rows), nFeat, nil)
	for i, row := range rows {
		if len(row) != nFeat {
			return nil, 0, fmt.Errorf("%w: feature row %d has %d cols, want %d",
				ErrBadBundle, i, len(row), nFeat)
		}
		for j, v := range row {
			feat.Set(i, j, v)
		}
	}
	return feat, nFeat, nil
}

// checkIndices validates the explanation split; an empty split means
// every instance.
func checkIndices(idx []int, n int) ([]int, error) {
	if len(idx) == 0 {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}

	out := append([]int(nil), idx...)
	sort.Ints(out)
	for _, i := range out {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("%w: test index %d outside %d instances",
				ErrBadBundle, i, n)
		}
	}
	return out, nil
}

// numClasses returns max(label)+1 so class ids can be sparse-but-dense
// from zero.
func numClasses(labels []int) int {
	max := 0
	for _, l := range labels {
		if l > max {
			max = l
		}
	}
	return max + 1
}
