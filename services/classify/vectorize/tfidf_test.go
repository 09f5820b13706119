// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorize

import (
	"errors"
	"math"
	"testing"
)

func unigramConfig() TFIDFConfig {
	return TFIDFConfig{MinDF: 1, MaxDF: 1.0, NGramMin: 1, NGramMax: 1}
}

func rowNorm(row []float32) float64 {
	var sum float64
	for _, x := range row {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// =============================================================================
// Fit / Transform Tests
// =============================================================================

func TestTFIDF_TransformBeforeFit(t *testing.T) {
	v := NewTFIDF(DefaultTFIDFConfig())
	if _, err := v.Transform([]string{"x"}); !errors.Is(err, ErrNotFitted) {
		t.Errorf("expected ErrNotFitted, got %v", err)
	}
	if _, err := v.TransformQuery("x"); !errors.Is(err, ErrNotFitted) {
		t.Errorf("expected ErrNotFitted from TransformQuery, got %v", err)
	}
}

func TestTFIDF_UnitNorm(t *testing.T) {
	corpus := []string{
		"quantity cannot be negative positive values only",
		"schema validation failed for payload",
		"connection timeout while reaching upstream",
	}
	v := NewTFIDF(DefaultTFIDFConfig())
	v.Fit(corpus)

	matrix, err := v.Transform(corpus)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	for i, row := range matrix {
		norm := rowNorm(row)
		if math.Abs(norm-1.0) > 1e-6 {
			t.Errorf("doc %d: expected unit norm, got %v", i, norm)
		}
	}
}

func TestTFIDF_ZeroDocumentZeroVector(t *testing.T) {
	v := NewTFIDF(DefaultTFIDFConfig())
	v.Fit([]string{"negative quantity", "schema validation"})

	matrix, err := v.Transform([]string{"the and of"})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if norm := rowNorm(matrix[0]); norm != 0 {
		t.Errorf("stop-word-only doc must vectorise to zero, got norm %v", norm)
	}
}

func TestTFIDF_OOVIgnored(t *testing.T) {
	v := NewTFIDF(unigramConfig())
	v.Fit([]string{"negative quantity"})

	row, err := v.TransformQuery("negative zebra")
	if err != nil {
		t.Fatalf("TransformQuery: %v", err)
	}
	// "zebra" is out of vocabulary; only "negative" contributes, and the
	// row is then normalised to a unit vector.
	if math.Abs(rowNorm(row)-1.0) > 1e-6 {
		t.Errorf("expected unit norm from the in-vocabulary term, got %v", rowNorm(row))
	}
}

func TestTFIDF_IDFMonotonicity(t *testing.T) {
	// "shared" appears in all three docs, "rare" in exactly one.
	corpus := []string{
		"shared rare",
		"shared middle",
		"shared middle",
	}
	v := NewTFIDF(unigramConfig())
	v.Fit(corpus)

	idx := make(map[string]int)
	for i, f := range v.FeatureNames() {
		idx[f] = i
	}
	idf := v.IDFValues()

	if idf[idx["shared"]] > idf[idx["middle"]] {
		t.Errorf("df=3 term has higher IDF than df=2 term: %v > %v",
			idf[idx["shared"]], idf[idx["middle"]])
	}
	if idf[idx["middle"]] > idf[idx["rare"]] {
		t.Errorf("df=2 term has higher IDF than df=1 term: %v > %v",
			idf[idx["middle"]], idf[idx["rare"]])
	}
}

func TestTFIDF_VocabularySortedAndContiguous(t *testing.T) {
	v := NewTFIDF(unigramConfig())
	v.Fit([]string{"zulu alpha mike", "alpha kilo"})

	features := v.FeatureNames()
	for i := 1; i < len(features); i++ {
		if features[i-1] >= features[i] {
			t.Fatalf("features not strictly sorted: %q >= %q", features[i-1], features[i])
		}
	}
	if len(v.IDFValues()) != len(features) {
		t.Errorf("idf length %d != feature count %d", len(v.IDFValues()), len(features))
	}
}

func TestTFIDF_MaxFeaturesCapDeterministic(t *testing.T) {
	cfg := unigramConfig()
	cfg.MaxFeatures = 2
	corpus := []string{
		"alpha beta gamma",
		"alpha beta",
		"alpha",
	}
	// df: alpha=3, beta=2, gamma=1 → cap keeps {alpha, beta}.
	v := NewTFIDF(cfg)
	v.Fit(corpus)

	features := v.FeatureNames()
	if len(features) != 2 || features[0] != "alpha" || features[1] != "beta" {
		t.Errorf("expected [alpha beta], got %v", features)
	}
}

func TestTFIDF_MaxFeaturesTieBreaksLexicographic(t *testing.T) {
	cfg := unigramConfig()
	cfg.MaxFeatures = 1
	// Both terms have df=1; the lexicographically smaller must win.
	v := NewTFIDF(cfg)
	v.Fit([]string{"zulu apple"})

	features := v.FeatureNames()
	if len(features) != 1 || features[0] != "apple" {
		t.Errorf("expected tie-break to keep [apple], got %v", features)
	}
}

func TestTFIDF_MinDFPrunes(t *testing.T) {
	cfg := unigramConfig()
	cfg.MinDF = 2
	v := NewTFIDF(cfg)
	v.Fit([]string{"common unique1", "common unique2"})

	features := v.FeatureNames()
	if len(features) != 1 || features[0] != "common" {
		t.Errorf("expected only df>=2 terms, got %v", features)
	}
}

func TestTFIDF_Restore(t *testing.T) {
	v := NewTFIDF(DefaultTFIDFConfig())
	v.Fit([]string{"negative quantity", "schema validation"})

	restored := NewTFIDF(DefaultTFIDFConfig())
	if err := restored.Restore(v.FeatureNames(), v.IDFValues(), 2); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	q := "negative quantity"
	a, err := v.TransformQuery(q)
	if err != nil {
		t.Fatalf("TransformQuery original: %v", err)
	}
	b, err := restored.TransformQuery(q)
	if err != nil {
		t.Fatalf("TransformQuery restored: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("restored vectoriser disagrees at dim %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestTFIDF_RestoreLengthMismatch(t *testing.T) {
	v := NewTFIDF(DefaultTFIDFConfig())
	if err := v.Restore([]string{"a", "b"}, []float64{1.0}, 2); err == nil {
		t.Error("expected error for mismatched feature/idf lengths")
	}
}

// =============================================================================
// Cosine Tests
// =============================================================================

func TestCosineScores_ZeroNormNoNaN(t *testing.T) {
	matrix := [][]float32{
		{0, 0, 0},
		{1, 0, 0},
	}
	scores := CosineScores([]float32{1, 0, 0}, matrix)
	if scores[0] != 0 {
		t.Errorf("zero row must score 0, got %v", scores[0])
	}
	if math.IsNaN(scores[0]) || math.IsNaN(scores[1]) {
		t.Error("cosine produced NaN")
	}

	zeroQuery := CosineScores([]float32{0, 0, 0}, matrix)
	for i, s := range zeroQuery {
		if s != 0 {
			t.Errorf("zero query must score 0 everywhere, got %v at %d", s, i)
		}
	}
}

func TestCosineScores_IdenticalVectors(t *testing.T) {
	q := []float32{0.6, 0.8}
	scores := CosineScores(q, [][]float32{{0.6, 0.8}})
	if math.Abs(scores[0]-1.0) > 1e-6 {
		t.Errorf("identical vectors must score ~1, got %v", scores[0])
	}
}

func TestArgMax_TiesPreferLowerIndex(t *testing.T) {
	if got := ArgMax([]float64{0.5, 0.5, 0.3}); got != 0 {
		t.Errorf("tie must resolve to lower index, got %d", got)
	}
}

func TestArgMax_Empty(t *testing.T) {
	if got := ArgMax(nil); got != -1 {
		t.Errorf("empty scores must yield -1, got %d", got)
	}
}

func TestTopIndices_OrderAndTies(t *testing.T) {
	scores := []float64{0.2, 0.9, 0.9, 0.1}
	got := TopIndices(scores, 3)
	want := []int{1, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}
