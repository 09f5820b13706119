// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"testing"
	"time"

	badgerstore "github.com/erratalab/classifier/services/classify/storage/badger"
)

// =============================================================================
// Helpers
// =============================================================================

func openTestCache(t *testing.T) *QueryCache {
	t.Helper()
	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	if err != nil {
		t.Fatalf("openTestCache: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewQueryCache(db, time.Hour, nil)
}

// =============================================================================
// Get / Set Tests
// =============================================================================

func TestQueryCache_MissThenHit(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if got := c.Get(ctx, SearchPrefix, "schema validation failed", "hybrid", nil); got != nil {
		t.Fatalf("expected miss on empty cache, got %v", got)
	}

	want := Entry{DocPath: "services/skyguard/SCHEMA_VALIDATION.md", Confidence: 91.5}
	c.Set(ctx, SearchPrefix, "schema validation failed", "hybrid", nil, want)

	got := c.Get(ctx, SearchPrefix, "schema validation failed", "hybrid", nil)
	if got == nil {
		t.Fatal("expected hit after set")
	}
	if got.DocPath != want.DocPath || got.Confidence != want.Confidence {
		t.Errorf("want %+v, got %+v", want, *got)
	}
}

func TestQueryCache_KeyNormalizesWhitespaceAndCase(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	c.Set(ctx, SearchPrefix, "Schema   Validation FAILED", "hybrid", nil, Entry{DocPath: "x.md", Confidence: 80})

	if got := c.Get(ctx, SearchPrefix, "schema validation failed", "hybrid", nil); got == nil {
		t.Error("differently-spaced/cased query must hit the same key")
	}
}

func TestQueryCache_EngineIDPartitionsKeys(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	c.Set(ctx, SearchPrefix, "q", "hybrid", nil, Entry{DocPath: "a.md", Confidence: 50})

	if got := c.Get(ctx, SearchPrefix, "q", "tfidf", nil); got != nil {
		t.Error("different engine id must not share cache entries")
	}
}

func TestQueryCache_ParamsPartitionKeys(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	c.Set(ctx, SearchPrefix, "q", "hybrid", map[string]string{"n": "5"}, Entry{DocPath: "a.md"})

	if got := c.Get(ctx, SearchPrefix, "q", "hybrid", map[string]string{"n": "3"}); got != nil {
		t.Error("different params must not share cache entries")
	}
	if got := c.Get(ctx, SearchPrefix, "q", "hybrid", map[string]string{"n": "5"}); got == nil {
		t.Error("same params must hit")
	}
}

// =============================================================================
// Disabled / Degraded Tests
// =============================================================================

func TestQueryCache_NilDBIsNoOp(t *testing.T) {
	c := NewQueryCache(nil, 0, nil)
	ctx := context.Background()

	c.Set(ctx, SearchPrefix, "q", "hybrid", nil, Entry{DocPath: "a.md"})
	if got := c.Get(ctx, SearchPrefix, "q", "hybrid", nil); got != nil {
		t.Error("disabled cache must always miss")
	}
	c.Delete(ctx, SearchPrefix, "q", "hybrid", nil)
	c.InvalidateOnDocChange(ctx, SearchPrefix)

	stats := c.GetStats()
	if stats.Enabled {
		t.Error("nil-backed cache must report disabled")
	}
}

// =============================================================================
// Invalidation Tests
// =============================================================================

func TestQueryCache_Delete(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	c.Set(ctx, SearchPrefix, "q", "hybrid", nil, Entry{DocPath: "a.md"})
	c.Delete(ctx, SearchPrefix, "q", "hybrid", nil)

	if got := c.Get(ctx, SearchPrefix, "q", "hybrid", nil); got != nil {
		t.Error("deleted entry must miss")
	}
}

func TestQueryCache_InvalidateOnDocChange(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	c.Set(ctx, SearchPrefix, "q1", "hybrid", nil, Entry{DocPath: "a.md"})
	c.Set(ctx, SearchPrefix, "q2", "hybrid", nil, Entry{DocPath: "b.md"})
	c.Set(ctx, "explain", "q1", "hybrid", nil, Entry{DocPath: "a.md"})

	c.InvalidateOnDocChange(ctx, SearchPrefix, "explain")

	if c.Get(ctx, SearchPrefix, "q1", "hybrid", nil) != nil ||
		c.Get(ctx, SearchPrefix, "q2", "hybrid", nil) != nil ||
		c.Get(ctx, "explain", "q1", "hybrid", nil) != nil {
		t.Error("invalidation must drop all entries under the given prefixes")
	}
}

// =============================================================================
// Stats Tests
// =============================================================================

func TestQueryCache_StatsCountHitsAndMisses(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	c.Get(ctx, SearchPrefix, "q", "hybrid", nil) // miss
	c.Set(ctx, SearchPrefix, "q", "hybrid", nil, Entry{DocPath: "a.md"})
	c.Get(ctx, SearchPrefix, "q", "hybrid", nil) // hit

	stats := c.GetStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %v", stats.HitRate)
	}
	if !stats.Enabled {
		t.Error("backed cache must report enabled")
	}
}
