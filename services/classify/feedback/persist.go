// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package feedback

// =============================================================================
// Feedback Persistence
// =============================================================================
//
// Storage layout (versioned prefixes inside the shared BadgerDB):
//
//	fb/pred/v1/{utc-nanos}-{uuid}     → JSON PredictionRecord (append-only)
//	fb/corr/v1/{utc-nanos}-{uuid}     → JSON CorrectionRecord (append-only)
//	fb/qd/v1/{query}\x00{doc}         → JSON QueryDocStats
//	fb/doc/v1/{docPath}               → JSON DocumentStats
//	fb/eng/v1/{engine}                → JSON EngineStats
//	fb/pat/v1/{query}                 → JSON QueryPattern
//
// Record keys lead with the timestamp so iteration order is append
// order. A correction and the four aggregates it touches are written in
// one transaction, so the store never holds a correction without its
// aggregate effects.

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/erratalab/classifier/services/classify/storage/badger"
)

const (
	predKeyPrefix    = "fb/pred/v1/"
	corrKeyPrefix    = "fb/corr/v1/"
	qdKeyPrefix      = "fb/qd/v1/"
	docKeyPrefix     = "fb/doc/v1/"
	engineKeyPrefix  = "fb/eng/v1/"
	patternKeyPrefix = "fb/pat/v1/"
)

// AggregateSnapshot is the full persisted aggregate state.
type AggregateSnapshot struct {
	QueryDoc         map[string]*QueryDocStats
	Docs             map[string]*DocumentStats
	Engines          map[string]*EngineStats
	Patterns         map[string]*QueryPattern
	CorrectionsTotal int
	CorrectTotal     int
}

// Store persists feedback records and aggregates in BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db     *badgerstore.DB
	logger *slog.Logger
}

// NewStore creates a feedback store backed by db. The caller owns the
// DB lifecycle.
func NewStore(db *badgerstore.DB, logger *slog.Logger) *Store {
	if db == nil {
		panic("feedback.NewStore: db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// AppendPrediction writes one prediction record.
func (s *Store) AppendPrediction(ctx context.Context, rec PredictionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal prediction: %w", err)
	}
	key := recordKey(predKeyPrefix, rec.Timestamp, rec.ID)
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(key, raw)
	})
	if err != nil {
		return fmt.Errorf("append prediction: %w", err)
	}
	return nil
}

// ApplyCorrection writes the correction record and its four aggregate
// updates in a single transaction.
func (s *Store) ApplyCorrection(
	ctx context.Context,
	rec CorrectionRecord,
	qdKey string, qd QueryDocStats,
	docPath string, ds DocumentStats,
	engine string, es EngineStats,
	query string, qp QueryPattern,
) error {
	recRaw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal correction: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Set(recordKey(corrKeyPrefix, rec.Timestamp, rec.ID), recRaw); err != nil {
			return fmt.Errorf("set correction record: %w", err)
		}
		if err := setJSON(txn, qdKeyPrefix+qdKey, qd); err != nil {
			return err
		}
		if err := setJSON(txn, docKeyPrefix+docPath, ds); err != nil {
			return err
		}
		if err := setJSON(txn, engineKeyPrefix+engine, es); err != nil {
			return err
		}
		return setJSON(txn, patternKeyPrefix+query, qp)
	})
	if err != nil {
		return fmt.Errorf("apply correction: %w", err)
	}
	return nil
}

// SaveAggregates re-persists the full aggregate state. Used by the
// loop's dirty-state retry after a failed incremental write.
func (s *Store) SaveAggregates(ctx context.Context, snap AggregateSnapshot) error {
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		for key, qd := range snap.QueryDoc {
			if err := setJSON(txn, qdKeyPrefix+key, qd); err != nil {
				return err
			}
		}
		for doc, ds := range snap.Docs {
			if err := setJSON(txn, docKeyPrefix+doc, ds); err != nil {
				return err
			}
		}
		for engine, es := range snap.Engines {
			if err := setJSON(txn, engineKeyPrefix+engine, es); err != nil {
				return err
			}
		}
		for query, qp := range snap.Patterns {
			if err := setJSON(txn, patternKeyPrefix+query, qp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save aggregates: %w", err)
	}
	return nil
}

// LoadAggregates reads the persisted aggregate state. Correction totals
// are recounted from the correction log rather than stored separately,
// so the counts can never drift from the stream.
func (s *Store) LoadAggregates(ctx context.Context) (AggregateSnapshot, error) {
	snap := AggregateSnapshot{
		QueryDoc: make(map[string]*QueryDocStats),
		Docs:     make(map[string]*DocumentStats),
		Engines:  make(map[string]*EngineStats),
		Patterns: make(map[string]*QueryPattern),
	}

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := loadPrefix(txn, qdKeyPrefix, func(key string, raw []byte) error {
			var qd QueryDocStats
			if err := json.Unmarshal(raw, &qd); err != nil {
				return err
			}
			snap.QueryDoc[key] = &qd
			return nil
		}); err != nil {
			return err
		}
		if err := loadPrefix(txn, docKeyPrefix, func(key string, raw []byte) error {
			var ds DocumentStats
			if err := json.Unmarshal(raw, &ds); err != nil {
				return err
			}
			snap.Docs[key] = &ds
			return nil
		}); err != nil {
			return err
		}
		if err := loadPrefix(txn, engineKeyPrefix, func(key string, raw []byte) error {
			var es EngineStats
			if err := json.Unmarshal(raw, &es); err != nil {
				return err
			}
			snap.Engines[key] = &es
			return nil
		}); err != nil {
			return err
		}
		if err := loadPrefix(txn, patternKeyPrefix, func(key string, raw []byte) error {
			var qp QueryPattern
			if err := json.Unmarshal(raw, &qp); err != nil {
				return err
			}
			snap.Patterns[key] = &qp
			return nil
		}); err != nil {
			return err
		}

		return loadPrefix(txn, corrKeyPrefix, func(_ string, raw []byte) error {
			var rec CorrectionRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			snap.CorrectionsTotal++
			if rec.IsCorrect {
				snap.CorrectTotal++
			}
			return nil
		})
	})
	if err != nil {
		return AggregateSnapshot{}, fmt.Errorf("load aggregates: %w", err)
	}
	return snap, nil
}

// Corrections returns the correction stream in append order. limit <= 0
// returns everything.
func (s *Store) Corrections(ctx context.Context, limit int) ([]CorrectionRecord, error) {
	var out []CorrectionRecord
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		return loadPrefix(txn, corrKeyPrefix, func(_ string, raw []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var rec CorrectionRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode correction: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load corrections: %w", err)
	}
	return out, nil
}

// recordKeyTimeLayout is fixed-width so lexicographic key order equals
// chronological order. RFC3339Nano would trim trailing zeros and break
// that equivalence.
const recordKeyTimeLayout = "2006-01-02T15:04:05.000000000Z"

// recordKey builds an append-log key that sorts in time order.
func recordKey(prefix string, ts time.Time, id string) []byte {
	return []byte(prefix + ts.UTC().Format(recordKeyTimeLayout) + "-" + id)
}

func setJSON(txn *dgbadger.Txn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	if err := txn.Set([]byte(key), raw); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func loadPrefix(txn *dgbadger.Txn, prefix string, fn func(key string, raw []byte) error) error {
	opts := dgbadger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy %q: %w", item.Key(), err)
		}
		key := strings.TrimPrefix(string(item.Key()), prefix)
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	return nil
}
