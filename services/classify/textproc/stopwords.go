// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package textproc

// englishStopWords is the fixed English stop-word set dropped during
// tokenisation. The set is deliberately small: error messages are dense
// and an aggressive list would delete signal ("not", "no" stay in).
var englishStopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "he": true, "in": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "that": true, "the": true,
	"to": true, "was": true, "will": true, "with": true, "this": true,
	"but": true, "they": true, "have": true, "had": true, "what": true,
	"when": true, "where": true, "who": true, "which": true, "why": true,
	"how": true,
}

// IsStopWord reports whether w is in the fixed stop-word set.
// The caller is expected to pass an already-lowercased word.
func IsStopWord(w string) bool {
	return englishStopWords[w]
}
