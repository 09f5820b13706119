// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package textproc holds the pure text-processing primitives shared by
// the vectoriser, the BM25 ranker, and the cache/feedback key paths.
package textproc

import (
	"strings"
)

// Tokenizer splits text into lowercase word and n-gram tokens with stop
// words removed.
//
// # Description
//
// Tokenisation is: lowercase, split on runs of non-[A-Za-z0-9], drop
// stop words, then emit n-grams for every length in [MinN, MaxN] as
// space-joined strings. The default (1, 2) emits unigrams and bigrams,
// which is what the TF-IDF vocabulary is built from; BM25 uses a
// unigram-only tokenizer so document lengths stay meaningful.
//
// # Thread Safety
//
// Tokenizer is immutable after construction. Safe for concurrent use.
type Tokenizer struct {
	minN int
	maxN int
}

// NewTokenizer creates a tokenizer emitting n-grams of lengths
// [minN, maxN]. Values are clamped to at least 1; maxN below minN is
// raised to minN.
func NewTokenizer(minN, maxN int) *Tokenizer {
	if minN < 1 {
		minN = 1
	}
	if maxN < minN {
		maxN = minN
	}
	return &Tokenizer{minN: minN, maxN: maxN}
}

// NewUnigramTokenizer creates a words-only tokenizer (n-gram range {1}).
func NewUnigramTokenizer() *Tokenizer {
	return NewTokenizer(1, 1)
}

// Tokenize converts text to its token sequence. Deterministic and pure;
// empty input yields nil.
func (t *Tokenizer) Tokenize(text string) []string {
	words := splitWords(text)
	if len(words) == 0 {
		return nil
	}
	if t.minN == 1 && t.maxN == 1 {
		return words
	}

	grams := make([]string, 0, len(words)*(t.maxN-t.minN+1))
	for n := t.minN; n <= t.maxN; n++ {
		for i := 0; i+n <= len(words); i++ {
			grams = append(grams, strings.Join(words[i:i+n], " "))
		}
	}
	return grams
}

// splitWords lowercases text, splits on non-alphanumeric runs, and
// removes stop words.
func splitWords(text string) []string {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !isAlnum(r)
	})

	words := fields[:0]
	for _, w := range fields {
		if !IsStopWord(w) {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return nil
	}
	return words
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// NormalizeQuery produces the canonical query form used for cache keys,
// feedback aggregation, and pattern matching: lowercase with runs of
// whitespace collapsed to single spaces. This intentionally keeps
// punctuation — it is a key form, not a token form.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// QueryWordSet returns the set of whitespace-separated words of the
// normalised query. Used for Jaccard similarity between queries.
func QueryWordSet(query string) map[string]struct{} {
	words := strings.Fields(NormalizeQuery(query))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// JaccardSimilarity computes |A∩B| / |A∪B| over two word sets.
// Either set being empty yields 0.
func JaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
