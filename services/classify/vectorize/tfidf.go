// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vectorize implements the TF-IDF vectoriser and the cosine
// similarity search over its output matrix.
package vectorize

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/erratalab/classifier/services/classify/textproc"
)

// ErrNotFitted is returned by Transform before Fit has been called.
var ErrNotFitted = errors.New("vectorizer not fitted")

// TFIDFConfig holds the vocabulary-building knobs.
type TFIDFConfig struct {
	// MaxFeatures caps the vocabulary size. Zero means unlimited.
	// When the cap binds, features are kept by document frequency
	// descending with lexicographic tie-break for determinism.
	MaxFeatures int

	// MinDF drops terms whose document frequency is below this bound.
	// Values >= 1 are absolute counts; values in (0, 1) are ratios of
	// the corpus size.
	MinDF float64

	// MaxDF drops terms whose document frequency is above this bound.
	// Values <= 1 are ratios of the corpus size; values > 1 are
	// absolute counts.
	MaxDF float64

	// NGramMin and NGramMax set the tokenizer's n-gram range.
	NGramMin int
	NGramMax int
}

// DefaultTFIDFConfig mirrors the indexer's production settings: unigrams
// plus bigrams, no frequency pruning, vocabulary capped at 5000.
func DefaultTFIDFConfig() TFIDFConfig {
	return TFIDFConfig{
		MaxFeatures: 5000,
		MinDF:       1,
		MaxDF:       1.0,
		NGramMin:    1,
		NGramMax:    2,
	}
}

// TFIDF is a term-frequency / inverse-document-frequency vectoriser.
//
// # Description
//
// Fit builds a vocabulary from the tokenised corpus with document-
// frequency pruning and an optional feature cap, and computes
// idf = ln(N/df) + 1 per kept feature. Transform produces L2-normalised
// rows where row[j] = count(term_j, doc)/|tokens(doc)| * idf[j].
// Feature indices are assigned in sorted feature order, so the column
// layout is a deterministic function of the corpus.
//
// # Thread Safety
//
// Immutable after Fit. Fit itself must not be called concurrently with
// Transform; the engine guarantees this by building new state off to
// the side and swapping it in atomically.
type TFIDF struct {
	cfg    TFIDFConfig
	tok    *textproc.Tokenizer
	fitted bool

	vocab    map[string]int // feature name → column index
	features []string       // column index → feature name
	idf      []float64      // column index → idf value
	nDocs    int
}

// NewTFIDF creates an unfitted vectoriser.
func NewTFIDF(cfg TFIDFConfig) *TFIDF {
	return &TFIDF{
		cfg: cfg,
		tok: textproc.NewTokenizer(cfg.NGramMin, cfg.NGramMax),
	}
}

// Fit learns the vocabulary and IDF values from the corpus.
//
// # Inputs
//
//   - corpus: Document texts. An empty corpus produces an empty (but
//     fitted) vocabulary; the engine treats that as ErrEmptyVocabulary
//     at classify time.
func (v *TFIDF) Fit(corpus []string) {
	df := make(map[string]int)
	for _, doc := range corpus {
		seen := make(map[string]struct{})
		for _, term := range v.tok.Tokenize(doc) {
			seen[term] = struct{}{}
		}
		for term := range seen {
			df[term]++
		}
	}

	n := len(corpus)
	minCount, maxCount := v.dfBounds(n)

	kept := make([]string, 0, len(df))
	for term, freq := range df {
		if freq >= minCount && freq <= maxCount {
			kept = append(kept, term)
		}
	}

	if v.cfg.MaxFeatures > 0 && len(kept) > v.cfg.MaxFeatures {
		// Keep the most frequent features; ties break lexicographically
		// so repeated fits over the same corpus agree.
		sort.Slice(kept, func(i, j int) bool {
			if df[kept[i]] != df[kept[j]] {
				return df[kept[i]] > df[kept[j]]
			}
			return kept[i] < kept[j]
		})
		kept = kept[:v.cfg.MaxFeatures]
	}
	sort.Strings(kept)

	v.vocab = make(map[string]int, len(kept))
	v.idf = make([]float64, len(kept))
	for i, term := range kept {
		v.vocab[term] = i
		v.idf[i] = math.Log(float64(n)/float64(df[term])) + 1.0
	}
	v.features = kept
	v.nDocs = n
	v.fitted = true
}

// dfBounds resolves the MinDF/MaxDF configuration against corpus size n.
func (v *TFIDF) dfBounds(n int) (minCount, maxCount int) {
	minCount = 1
	if v.cfg.MinDF >= 1 {
		minCount = int(v.cfg.MinDF)
	} else if v.cfg.MinDF > 0 {
		minCount = int(v.cfg.MinDF * float64(n))
		if minCount < 1 {
			minCount = 1
		}
	}

	maxCount = n
	if v.cfg.MaxDF > 1 {
		maxCount = int(v.cfg.MaxDF)
	} else if v.cfg.MaxDF > 0 {
		maxCount = int(v.cfg.MaxDF * float64(n))
	}
	return minCount, maxCount
}

// Transform converts documents into L2-normalised TF-IDF rows.
//
// Out-of-vocabulary tokens are silently ignored. A document whose token
// sequence is empty, or that shares no terms with the vocabulary,
// produces a zero row.
func (v *TFIDF) Transform(docs []string) ([][]float32, error) {
	if !v.fitted {
		return nil, ErrNotFitted
	}

	matrix := make([][]float32, len(docs))
	for i, doc := range docs {
		matrix[i] = v.transformOne(doc)
	}
	return matrix, nil
}

// TransformQuery vectorises a single query string.
func (v *TFIDF) TransformQuery(query string) ([]float32, error) {
	if !v.fitted {
		return nil, ErrNotFitted
	}
	return v.transformOne(query), nil
}

func (v *TFIDF) transformOne(text string) []float32 {
	row := make([]float32, len(v.features))
	tokens := v.tok.Tokenize(text)
	if len(tokens) == 0 {
		return row
	}

	counts := make(map[int]int)
	for _, term := range tokens {
		if idx, ok := v.vocab[term]; ok {
			counts[idx]++
		}
	}

	total := float64(len(tokens))
	var sumSq float64
	for idx, count := range counts {
		val := float64(count) / total * v.idf[idx]
		row[idx] = float32(val)
		sumSq += val * val
	}

	if sumSq > 0 {
		norm := float32(math.Sqrt(sumSq))
		for idx := range counts {
			row[idx] /= norm
		}
	}
	return row
}

// FeatureNames returns the vocabulary in column order.
func (v *TFIDF) FeatureNames() []string {
	return v.features
}

// IDFValues returns per-column IDF values, aligned with FeatureNames.
func (v *TFIDF) IDFValues() []float64 {
	return v.idf
}

// VocabSize reports the number of features.
func (v *TFIDF) VocabSize() int {
	return len(v.features)
}

// Restore rebuilds a fitted vectoriser from a persisted vocabulary and
// IDF values, as loaded from the vector store. Feature order must match
// the column order of the persisted vectors.
func (v *TFIDF) Restore(features []string, idf []float64, nDocs int) error {
	if len(features) != len(idf) {
		return fmt.Errorf("restore tfidf: %d features but %d idf values", len(features), len(idf))
	}
	v.vocab = make(map[string]int, len(features))
	for i, f := range features {
		v.vocab[f] = i
	}
	v.features = features
	v.idf = idf
	v.nDocs = nDocs
	v.fitted = true
	return nil
}
