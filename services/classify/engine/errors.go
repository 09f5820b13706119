// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import "errors"

// Classification failure kinds. The HTTP layer maps ErrEmptyCorpus and
// ErrEmptyVocabulary to NOT_READY and ErrBadQuery to BAD_QUERY; anything
// else is an internal error.
var (
	// ErrEmptyCorpus means no documents have been indexed.
	ErrEmptyCorpus = errors.New("corpus is empty")

	// ErrEmptyVocabulary means indexing produced a zero-size vocabulary,
	// so no query can be scored.
	ErrEmptyVocabulary = errors.New("vocabulary is empty")

	// ErrBadQuery means the query tokenised to nothing. Classify returns
	// it only when no prior document exists to fall back on; TopN and
	// ExplainRanking return it for any such query.
	ErrBadQuery = errors.New("query is empty after tokenization")
)

// IsNotReady reports whether err is an index-state failure (NOT_READY).
func IsNotReady(err error) bool {
	return errors.Is(err, ErrEmptyCorpus) || errors.Is(err, ErrEmptyVocabulary)
}
