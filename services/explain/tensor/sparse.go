// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tensor

import "gonum.org/v1/gonum/mat"

// Sparse is a coordinate-format (COO) encoding of a dense matrix,
// used to shrink adjacency and feature tensors in persisted results.
//
// Only nonzero entries are stored. The encoding round-trips exactly
// through ToDense for matrices whose entries are finite.
type Sparse struct {
	// Rows holds the row index of each stored entry.
	Rows []int32 `msgpack:"rows"`

	// Cols holds the column index of each stored entry.
	Cols []int32 `msgpack:"cols"`

	// Vals holds the value of each stored entry.
	Vals []float64 `msgpack:"vals"`

	// NumRows and NumCols record the dense dimensions.
	NumRows int `msgpack:"num_rows"`
	NumCols int `msgpack:"num_cols"`
}

// ToSparse encodes a dense matrix in coordinate format, dropping zeros.
func ToSparse(m *mat.Dense) *Sparse {
	r, c := m.Dims()
	s := &Sparse{NumRows: r, NumCols: c}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); v != 0 {
				s.Rows = append(s.Rows, int32(i))
				s.Cols = append(s.Cols, int32(j))
				s.Vals = append(s.Vals, v)
			}
		}
	}
	return s
}

// ToDense materializes the sparse encoding back into a dense matrix.
func (s *Sparse) ToDense() *mat.Dense {
	out := mat.NewDense(s.NumRows, s.NumCols, nil)
	for k := range s.Vals {
		out.Set(int(s.Rows[k]), int(s.Cols[k]), s.Vals[k])
	}
	return out
}

// NNZ returns the number of stored (nonzero) entries.
func (s *Sparse) NNZ() int {
	return len(s.Vals)
}
