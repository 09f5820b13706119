// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorize

import "math"

// CosineScores computes the cosine similarity of query against every row
// of matrix.
//
// # Description
//
// s_i = q·M_i / (‖q‖·‖M_i‖). A zero-norm query or row yields score 0,
// never NaN. Rows shorter than the query only contribute their shared
// prefix; the engine guarantees equal dimensions, so the guard exists
// only to keep a corrupt row from panicking.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func CosineScores(query []float32, matrix [][]float32) []float64 {
	scores := make([]float64, len(matrix))

	qNorm := l2Norm(query)
	if qNorm == 0 {
		return scores
	}

	for i, row := range matrix {
		rNorm := l2Norm(row)
		if rNorm == 0 {
			continue
		}
		scores[i] = dot(query, row) / (qNorm * rNorm)
	}
	return scores
}

// ArgMax returns the index of the largest score. Exactly equal scores
// resolve to the lower index, so ranking is deterministic. Returns -1
// for an empty slice.
func ArgMax(scores []float64) int {
	best := -1
	bestScore := math.Inf(-1)
	for i, s := range scores {
		if s > bestScore {
			bestScore = s
			best = i
		}
	}
	return best
}

// TopIndices returns the indices of the n largest scores in descending
// score order; equal scores keep ascending index order.
func TopIndices(scores []float64, n int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	// Stable insertion sort over all indices; simple, and adequate for
	// the small corpora the top-N endpoint ranks.
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0; j-- {
			a, b := idx[j-1], idx[j]
			if scores[b] > scores[a] || (scores[b] == scores[a] && b < a) {
				idx[j-1], idx[j] = b, a
			} else {
				break
			}
		}
	}
	if n < len(idx) {
		idx = idx[:n]
	}
	return idx
}

func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
