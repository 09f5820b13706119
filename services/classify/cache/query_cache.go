// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the hot-query cache over BadgerDB TTL
// entries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/erratalab/classifier/services/classify/storage/badger"
	"github.com/erratalab/classifier/services/classify/textproc"
)

// DefaultTTL is the default lifetime of a cached query result. An hour
// keeps hot error-message queries fast without letting corrections go
// stale for long.
const DefaultTTL = time.Hour

// SearchPrefix is the key prefix for classify results. InvalidateOnDocChange
// drops exactly the prefixes its caller passes; the engine passes this one.
const SearchPrefix = "search"

// cacheKeyPrefix namespaces cache entries inside the shared BadgerDB
// key space. Versioned to allow future format changes without collision.
const cacheKeyPrefix = "qcache/v1/"

// Entry is the JSON value cached per query.
type Entry struct {
	DocPath    string  `json:"doc_path"`
	Confidence float64 `json:"confidence"`
}

// Stats is a point-in-time snapshot of cache effectiveness counters.
type Stats struct {
	Enabled bool    `json:"enabled"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// QueryCache caches classify results keyed by a hash of the normalised
// query, the engine identifier, and any extra parameters.
//
// # Description
//
// Keys are "<prefix>:<16-hex>", where the hex is the first 16 characters
// of SHA-256 over the canonical JSON of the key components. Values are
// JSON Entry records with a BadgerDB-native TTL. A nil backing DB turns
// every operation into a no-op, and storage errors are absorbed as
// misses: the cache must never fail a classify.
//
// # Thread Safety
//
// Safe for concurrent use. Counters are atomics; BadgerDB provides its
// own transactional isolation.
type QueryCache struct {
	db     *badgerstore.DB // nil = disabled
	ttl    time.Duration
	logger *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewQueryCache creates a cache backed by db. Pass a nil db to disable
// caching entirely (every Get is a miss, every Set a no-op). A
// non-positive ttl uses DefaultTTL.
func NewQueryCache(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *QueryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryCache{db: db, ttl: ttl, logger: logger}
}

// Enabled reports whether a backing store is configured.
func (c *QueryCache) Enabled() bool {
	return c.db != nil
}

// Get returns the cached entry for (prefix, query, engine, params), or
// nil on a miss. Storage failures are logged and treated as misses.
func (c *QueryCache) Get(ctx context.Context, prefix, query, engineID string, params map[string]string) *Entry {
	if c.db == nil {
		return nil
	}

	key := c.key(prefix, query, engineID, params)
	var raw []byte
	err := c.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, getErr := txn.Get(key)
		if getErr != nil {
			return getErr
		}
		var copyErr error
		raw, copyErr = item.ValueCopy(nil)
		return copyErr
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		c.misses.Add(1)
		return nil
	}
	if err != nil {
		c.logger.Warn("query cache: get failed, treating as miss",
			slog.String("error", err.Error()),
		)
		c.misses.Add(1)
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("query cache: corrupt entry, treating as miss",
			slog.String("error", err.Error()),
		)
		c.misses.Add(1)
		return nil
	}

	c.hits.Add(1)
	c.logger.Debug("query cache: hit", slog.String("key", string(key)))
	return &entry
}

// Set stores an entry with the configured TTL. Failures are logged and
// absorbed; the computed result is already in the caller's hands.
func (c *QueryCache) Set(ctx context.Context, prefix, query, engineID string, params map[string]string, entry Entry) {
	if c.db == nil {
		return
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("query cache: marshal failed", slog.String("error", err.Error()))
		return
	}

	key := c.key(prefix, query, engineID, params)
	err = c.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.SetEntry(dgbadger.NewEntry(key, raw).WithTTL(c.ttl))
	})
	if err != nil {
		c.logger.Warn("query cache: set failed", slog.String("error", err.Error()))
	}
}

// Delete removes the entry for a single (prefix, query, engine, params)
// tuple. Used by teach to evict the now-corrected answer.
func (c *QueryCache) Delete(ctx context.Context, prefix, query, engineID string, params map[string]string) {
	if c.db == nil {
		return
	}
	key := c.key(prefix, query, engineID, params)
	err := c.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		delErr := txn.Delete(key)
		if errors.Is(delErr, dgbadger.ErrKeyNotFound) {
			return nil
		}
		return delErr
	})
	if err != nil {
		c.logger.Warn("query cache: delete failed", slog.String("error", err.Error()))
	}
}

// InvalidateOnDocChange removes every entry under the given prefixes.
// Called whenever indexing produces fresh vectors: any cached answer may
// now point at a changed corpus.
func (c *QueryCache) InvalidateOnDocChange(ctx context.Context, prefixes ...string) {
	if c.db == nil {
		return
	}
	drop := make([][]byte, len(prefixes))
	for i, p := range prefixes {
		drop[i] = []byte(cacheKeyPrefix + p + ":")
	}
	if err := c.db.DropPrefix(ctx, drop...); err != nil {
		c.logger.Warn("query cache: invalidation failed", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("query cache: invalidated on document change",
		slog.Int("prefix_count", len(prefixes)),
	)
}

// GetStats returns the hit/miss counters.
func (c *QueryCache) GetStats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	s := Stats{Enabled: c.db != nil, Hits: hits, Misses: misses}
	if total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// key builds the cache key for a query.
//
// The hash input is the canonical JSON of the normalised query, the
// engine id, and the sorted extra params, so the key is stable across
// map iteration order and insignificant whitespace in the raw query.
func (c *QueryCache) key(prefix, query, engineID string, params map[string]string) []byte {
	payload := struct {
		Query  string            `json:"query"`
		Engine string            `json:"engine"`
		Params map[string]string `json:"params,omitempty"`
	}{
		Query:  textproc.NormalizeQuery(query),
		Engine: engineID,
		Params: params,
	}

	// encoding/json marshals map keys in sorted order, which makes the
	// digest deterministic.
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(payload.Query + "|" + payload.Engine)
	}

	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])[:16]
	return []byte(fmt.Sprintf("%s%s:%s", cacheKeyPrefix, prefix, digest))
}
