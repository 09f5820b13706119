// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badger wraps a BadgerDB instance behind a small transactional
// API shared by the vector store, the feedback store, and the hot-query
// cache. One DB serves all three: they partition the key space with
// versioned prefixes, so a single Open at startup is enough.
package badger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Config holds the options needed to open a DB.
type Config struct {
	// Path is the on-disk directory for the database. Ignored when
	// InMemory is true.
	Path string

	// InMemory opens a purely in-memory database. Used by tests and by
	// deployments that explicitly opt out of persistence.
	InMemory bool

	// GCInterval is how often the value-log garbage collector runs.
	// Zero disables background GC (correct for in-memory databases).
	GCInterval time.Duration
}

// DefaultConfig returns a Config suitable for an on-disk service database.
func DefaultConfig() Config {
	return Config{
		GCInterval: 10 * time.Minute,
	}
}

// InMemoryConfig returns a Config for an ephemeral in-memory database.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB is an opened BadgerDB instance plus the background GC goroutine's
// shutdown channel.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type DB struct {
	db     *dgbadger.DB
	stopGC chan struct{}
}

// OpenDB opens (or creates) a BadgerDB at cfg.Path.
//
// # Description
//
// Badger's own logger is routed to slog at debug level so store
// internals do not drown service logs. When GCInterval is non-zero a
// background goroutine runs value-log GC until Close is called.
//
// # Inputs
//
//   - cfg: Open options. An empty Path with InMemory=false is an error.
//
// # Outputs
//
//   - *DB: The opened database. Never nil on success.
//   - error: Non-nil when the directory cannot be created or opened.
func OpenDB(cfg Config) (*DB, error) {
	var opts dgbadger.Options
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("open badger: path must not be empty")
		}
		opts = dgbadger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(slogAdapter{})

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}

	d := &DB{db: db, stopGC: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go d.runGC(cfg.GCInterval)
	}
	return d, nil
}

// WithTxn runs fn inside a read-write transaction.
//
// The context is checked before the transaction starts; Badger itself
// does not observe ctx mid-transaction, so fn should be short.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// DropPrefix deletes every key beginning with any of the given prefixes.
func (d *DB) DropPrefix(ctx context.Context, prefixes ...[]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.DropPrefix(prefixes...)
}

// Close stops background GC and closes the underlying database.
func (d *DB) Close() error {
	close(d.stopGC)
	return d.db.Close()
}

// runGC periodically reclaims value-log space. A single rewrite per tick
// is enough for this workload; ErrNoRewrite is the normal idle result.
func (d *DB) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			if err := d.db.RunValueLogGC(0.5); err != nil && err != dgbadger.ErrNoRewrite {
				slog.Debug("badger value-log GC", slog.String("error", err.Error()))
			}
		}
	}
}

// slogAdapter routes badger's internal logging to slog at debug level.
type slogAdapter struct{}

func (slogAdapter) Errorf(format string, args ...interface{}) {
	slog.Debug("badger: " + fmt.Sprintf(format, args...))
}
func (slogAdapter) Warningf(format string, args ...interface{}) {
	slog.Debug("badger: " + fmt.Sprintf(format, args...))
}
func (slogAdapter) Infof(format string, args ...interface{}) {
	slog.Debug("badger: " + fmt.Sprintf(format, args...))
}
func (slogAdapter) Debugf(format string, args ...interface{}) {
	slog.Debug("badger: " + fmt.Sprintf(format, args...))
}
