// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rank implements Okapi BM25 ranking over the documentation
// corpus.
package rank

import (
	"math"
)

// BM25 tuning constants. Standard values recommended by Robertson et al.
const (
	// DefaultK1 controls term frequency saturation. Higher = slower
	// saturation. Range [1.2, 2.0] is typical; 1.5 is a robust middle
	// ground.
	DefaultK1 = 1.5

	// DefaultB controls document length normalization.
	// 0 = no normalization, 1 = full normalization. 0.75 is the
	// standard default.
	DefaultB = 0.75

	// DefaultEpsilon floors the smoothed IDF so very common terms never
	// contribute a negative score.
	DefaultEpsilon = 0.25

	// DefaultDelta is the per-term additive bonus used by the BM25+
	// variant.
	DefaultDelta = 1.0
)

// bm25Doc holds the BM25 representation of a single corpus document.
type bm25Doc struct {
	// tf maps each term to its frequency within the document.
	tf map[string]int

	// len is the total number of tokens in the document.
	len int
}

// BM25 is an Okapi BM25 ranker over a fitted corpus.
//
// # Description
//
// Fit computes corpus size, average document length, per-document term
// frequencies and lengths, and the smoothed per-term IDF
//
//	idf(q) = max(ε, ln((N − n(q) + 0.5)/(n(q) + 0.5) + 1))
//
// Scores sums, over query terms present in the corpus vocabulary,
//
//	idf(q) × f(q,D)·(k1+1) / (f(q,D) + k1·(1 − b + b·|D|/avgdl))
//
// BM25 state is cheap to rebuild from the documents, so it is never
// persisted; the engine refits it on every index load.
//
// # Thread Safety
//
// Immutable after Fit. Safe for concurrent use without additional
// synchronization.
type BM25 struct {
	k1      float64
	b       float64
	epsilon float64

	corpusSize int
	avgdl      float64
	docs       []bm25Doc
	idf        map[string]float64
}

// NewBM25 creates an unfitted ranker. Non-positive parameters fall back
// to the package defaults.
func NewBM25(k1, b float64) *BM25 {
	if k1 <= 0 {
		k1 = DefaultK1
	}
	if b <= 0 {
		b = DefaultB
	}
	return &BM25{k1: k1, b: b, epsilon: DefaultEpsilon}
}

// Fit builds the BM25 state from a tokenised corpus. An empty corpus
// produces a valid ranker that scores every query as empty.
func (r *BM25) Fit(tokenizedCorpus [][]string) {
	r.corpusSize = len(tokenizedCorpus)
	r.docs = make([]bm25Doc, 0, r.corpusSize)
	r.idf = make(map[string]float64)

	if r.corpusSize == 0 {
		r.avgdl = 0
		return
	}

	df := make(map[string]int)
	totalLen := 0
	for _, tokens := range tokenizedCorpus {
		tf := make(map[string]int, len(tokens))
		for _, term := range tokens {
			tf[term]++
		}
		r.docs = append(r.docs, bm25Doc{tf: tf, len: len(tokens)})
		totalLen += len(tokens)

		for term := range tf {
			df[term]++
		}
	}
	r.avgdl = float64(totalLen) / float64(r.corpusSize)

	n := float64(r.corpusSize)
	for term, docFreq := range df {
		idf := math.Log((n-float64(docFreq)+0.5)/(float64(docFreq)+0.5) + 1.0)
		if idf < r.epsilon {
			idf = r.epsilon
		}
		r.idf[term] = idf
	}
}

// CorpusSize reports the number of fitted documents.
func (r *BM25) CorpusSize() int {
	return r.corpusSize
}

// AvgDocLen reports the average fitted document length in tokens.
func (r *BM25) AvgDocLen() float64 {
	return r.avgdl
}

// Scores computes the BM25 score of the query against every corpus
// document. Terms absent from the corpus vocabulary contribute nothing;
// a query sharing no terms with the corpus yields an all-zero vector.
func (r *BM25) Scores(queryTokens []string) []float64 {
	scores := make([]float64, r.corpusSize)
	if len(queryTokens) == 0 || r.corpusSize == 0 {
		return scores
	}

	for i := range r.docs {
		scores[i] = r.scoreDoc(queryTokens, i)
	}
	return scores
}

// scoreDoc computes the raw BM25 score for a single (query, doc) pair.
func (r *BM25) scoreDoc(queryTokens []string, docIdx int) float64 {
	doc := r.docs[docIdx]
	dl := float64(doc.len)
	lengthNorm := r.k1 * (1.0 - r.b + r.b*dl/r.avgdl)

	var score float64
	for _, term := range queryTokens {
		tf, inDoc := doc.tf[term]
		if !inDoc {
			continue
		}
		termIDF, known := r.idf[term]
		if !known {
			continue
		}

		tfFloat := float64(tf)
		score += termIDF * (tfFloat * (r.k1 + 1)) / (tfFloat + lengthNorm)
	}
	return score
}

// BM25Plus is the BM25+ variant: a constant δ is added to each matching
// term's saturated tf part inside the IDF product, so each matching term
// gains idf(q)·δ. This keeps long documents from receiving near-zero
// credit for terms they do contain.
type BM25Plus struct {
	BM25
	delta float64
}

// NewBM25Plus creates an unfitted BM25+ ranker. A non-positive delta
// falls back to DefaultDelta.
func NewBM25Plus(k1, b, delta float64) *BM25Plus {
	if delta <= 0 {
		delta = DefaultDelta
	}
	base := NewBM25(k1, b)
	return &BM25Plus{BM25: *base, delta: delta}
}

// Scores computes BM25+ scores against every corpus document.
func (r *BM25Plus) Scores(queryTokens []string) []float64 {
	scores := make([]float64, r.corpusSize)
	if len(queryTokens) == 0 || r.corpusSize == 0 {
		return scores
	}

	for i := range r.docs {
		doc := r.docs[i]
		dl := float64(doc.len)
		lengthNorm := r.k1 * (1.0 - r.b + r.b*dl/r.avgdl)

		var score float64
		for _, term := range queryTokens {
			tf, inDoc := doc.tf[term]
			if !inDoc {
				continue
			}
			termIDF, known := r.idf[term]
			if !known {
				continue
			}
			tfFloat := float64(tf)
			score += termIDF * ((tfFloat*(r.k1+1))/(tfFloat+lengthNorm) + r.delta)
		}
		scores[i] = score
	}
	return scores
}
