// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

// minMaxSpanEpsilon is the span below which a score vector is considered
// constant and normalised to all-ones instead of dividing by ~0.
const minMaxSpanEpsilon = 1e-10

// Default fusion weights. BM25 gets the larger share: exact term
// matching dominates for short error-message queries.
const (
	DefaultTFIDFWeight = 0.4
	DefaultBM25Weight  = 0.6
)

// Fuser combines TF-IDF cosine scores and BM25 scores into a single
// fused score vector.
//
// # Description
//
// Each input vector is min–max normalised independently, then combined
// as w_tfidf·n_tfidf + w_bm25·n_bm25. Weights are renormalised to sum
// to 1 at construction, so callers may pass unnormalised values. Fused
// scores always lie in [0, 1].
//
// # Thread Safety
//
// Immutable after construction. Safe for concurrent use.
type Fuser struct {
	tfidfWeight float64
	bm25Weight  float64
}

// NewFuser creates a fuser with the given weights. Non-positive totals
// fall back to the defaults.
func NewFuser(tfidfWeight, bm25Weight float64) *Fuser {
	total := tfidfWeight + bm25Weight
	if total <= 0 {
		tfidfWeight, bm25Weight = DefaultTFIDFWeight, DefaultBM25Weight
		total = tfidfWeight + bm25Weight
	}
	return &Fuser{
		tfidfWeight: tfidfWeight / total,
		bm25Weight:  bm25Weight / total,
	}
}

// Weights returns the normalised (tfidf, bm25) weights.
func (f *Fuser) Weights() (float64, float64) {
	return f.tfidfWeight, f.bm25Weight
}

// Fuse combines the two score vectors. Both must have equal length; the
// engine guarantees this because each covers the whole corpus.
func (f *Fuser) Fuse(tfidfScores, bm25Scores []float64) []float64 {
	n1 := minMaxNormalize(tfidfScores)
	n2 := minMaxNormalize(bm25Scores)

	fused := make([]float64, len(n1))
	for i := range fused {
		fused[i] = f.tfidfWeight*n1[i] + f.bm25Weight*n2[i]
	}
	return fused
}

// minMaxNormalize maps scores to [0, 1]. A near-constant vector
// (max−min < 1e-10) normalises to all-ones so a uniformly-scored corpus
// does not collapse to zero confidence.
func minMaxNormalize(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}

	minV, maxV := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < minV {
			minV = s
		}
		if s > maxV {
			maxV = s
		}
	}

	span := maxV - minV
	if span < minMaxSpanEpsilon {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}

	for i, s := range scores {
		out[i] = (s - minV) / span
	}
	return out
}
