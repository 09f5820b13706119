// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists documents, vectors, vocabularies, and
// vectoriser metadata in BadgerDB.
//
// Storage layout (versioned prefixes, one BadgerDB key space):
//
//	doc/v1/{docPath}           → JSON document record (hash, service, category, content)
//	vec/v1/{type}/{docPath}    → u32 LE dimension + f32 LE values
//	vocab/v1/{type}            → JSON {features, idf}
//	vecmeta/v1/{type}          → JSON settings map
//
// Vector types have no slash in their names, so the {type}/{docPath}
// split is unambiguous even though document paths contain slashes.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/erratalab/classifier/services/classify/storage/badger"
)

const (
	docKeyPrefix   = "doc/v1/"
	vecKeyPrefix   = "vec/v1/"
	vocabKeyPrefix = "vocab/v1/"
	metaKeyPrefix  = "vecmeta/v1/"
)

// ErrDimensionMismatch is returned when a stored vector's dimension
// disagrees with the dimension the caller expects (the current
// vocabulary size). Surfacing this instead of returning the vector
// prevents a silently wrong similarity computation.
var ErrDimensionMismatch = errors.New("stored vector dimension mismatch")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// DocumentRecord is the persisted form of a corpus document.
type DocumentRecord struct {
	DocPath     string `json:"doc_path"`
	ContentHash string `json:"content_hash"`
	Service     string `json:"service"`
	Category    string `json:"category"`
	Content     string `json:"content"`
}

// vocabularyRecord is the persisted form of a vector type's vocabulary.
type vocabularyRecord struct {
	Features []string  `json:"features"`
	IDF      []float64 `json:"idf,omitempty"`
}

// VectorStore is the persistence adapter for documents and vectors.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type VectorStore struct {
	db     *badgerstore.DB
	logger *slog.Logger
}

// NewVectorStore creates a store backed by the given DB. The caller
// owns the DB lifecycle; the store never closes it.
func NewVectorStore(db *badgerstore.DB, logger *slog.Logger) *VectorStore {
	if db == nil {
		panic("NewVectorStore: db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorStore{db: db, logger: logger}
}

// ContentHash computes the hex SHA-256 digest of document content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// SaveDocument persists a document record.
//
// # Description
//
// Idempotent on unchanged content: when the stored content hash matches,
// nothing is written. When the content changed, the record is replaced
// and every vector for that document (all vector types) is deleted so
// the stale vectors cannot be served against the new content.
//
// # Outputs
//
//   - changed: True when the document was new or its content changed.
//   - error: Non-nil on storage failure.
func (s *VectorStore) SaveDocument(ctx context.Context, docPath, content, service, category string) (changed bool, err error) {
	newHash := ContentHash(content)
	key := []byte(docKeyPrefix + docPath)

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		item, getErr := txn.Get(key)
		if getErr == nil {
			var existing DocumentRecord
			raw, copyErr := item.ValueCopy(nil)
			if copyErr != nil {
				return fmt.Errorf("copy document record: %w", copyErr)
			}
			if jsonErr := json.Unmarshal(raw, &existing); jsonErr == nil && existing.ContentHash == newHash {
				return nil // unchanged
			}
		} else if !errors.Is(getErr, dgbadger.ErrKeyNotFound) {
			return fmt.Errorf("get document record: %w", getErr)
		}

		changed = true
		rec := DocumentRecord{
			DocPath:     docPath,
			ContentHash: newHash,
			Service:     service,
			Category:    category,
			Content:     content,
		}
		raw, jsonErr := json.Marshal(rec)
		if jsonErr != nil {
			return fmt.Errorf("marshal document record: %w", jsonErr)
		}
		if setErr := txn.Set(key, raw); setErr != nil {
			return fmt.Errorf("set document record: %w", setErr)
		}

		// Content changed: drop all vectors for this document.
		return deleteVectorsForDoc(txn, docPath)
	})
	if err != nil {
		return false, fmt.Errorf("save document %q: %w", docPath, err)
	}
	return changed, nil
}

// deleteVectorsForDoc removes vec/v1/{type}/{docPath} for every type.
// Vector type names contain no slash, so the path part of a key starts
// after the first slash beyond the prefix.
func deleteVectorsForDoc(txn *dgbadger.Txn, docPath string) error {
	opts := dgbadger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(vecKeyPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var toDelete [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		rest := strings.TrimPrefix(string(key), vecKeyPrefix)
		if _, path, ok := strings.Cut(rest, "/"); ok && path == docPath {
			toDelete = append(toDelete, key)
		}
	}
	for _, key := range toDelete {
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("delete vector %q: %w", key, err)
		}
	}
	return nil
}

// GetDocument loads a document record. Returns ErrNotFound when absent.
func (s *VectorStore) GetDocument(ctx context.Context, docPath string) (*DocumentRecord, error) {
	var rec DocumentRecord
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, getErr := txn.Get([]byte(docKeyPrefix + docPath))
		if errors.Is(getErr, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if getErr != nil {
			return getErr
		}
		raw, copyErr := item.ValueCopy(nil)
		if copyErr != nil {
			return copyErr
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document %q: %w", docPath, err)
	}
	return &rec, nil
}

// SaveVector persists one vector for (docPath, vectorType).
func (s *VectorStore) SaveVector(ctx context.Context, docPath string, vec []float32, vectorType string) error {
	key := vecKey(vectorType, docPath)
	raw := EncodeVector(vec)
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(key, raw)
	})
	if err != nil {
		return fmt.Errorf("save vector %s/%s: %w", vectorType, docPath, err)
	}
	return nil
}

// SaveVectorsBatch persists matrix rows aligned with docPaths in a
// single transaction per badger batch limit. Row i belongs to
// docPaths[i].
func (s *VectorStore) SaveVectorsBatch(ctx context.Context, docPaths []string, matrix [][]float32, vectorType string) error {
	if len(docPaths) != len(matrix) {
		return fmt.Errorf("save vectors batch: %d paths but %d rows", len(docPaths), len(matrix))
	}

	// A fresh index over a large corpus can exceed a single badger
	// transaction's size limit, so write in chunks.
	const chunk = 256
	for start := 0; start < len(docPaths); start += chunk {
		end := start + chunk
		if end > len(docPaths) {
			end = len(docPaths)
		}
		err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			for i := start; i < end; i++ {
				if setErr := txn.Set(vecKey(vectorType, docPaths[i]), EncodeVector(matrix[i])); setErr != nil {
					return fmt.Errorf("set vector %q: %w", docPaths[i], setErr)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("save vectors batch (%s): %w", vectorType, err)
		}
	}
	return nil
}

// GetVector loads one vector. When wantDim > 0 the stored dimension must
// match or ErrDimensionMismatch is returned.
func (s *VectorStore) GetVector(ctx context.Context, docPath, vectorType string, wantDim int) ([]float32, error) {
	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, getErr := txn.Get(vecKey(vectorType, docPath))
		if errors.Is(getErr, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if getErr != nil {
			return getErr
		}
		var copyErr error
		raw, copyErr = item.ValueCopy(nil)
		return copyErr
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get vector %s/%s: %w", vectorType, docPath, err)
	}

	vec, err := DecodeVector(raw)
	if err != nil {
		return nil, fmt.Errorf("get vector %s/%s: %w", vectorType, docPath, err)
	}
	if wantDim > 0 && len(vec) != wantDim {
		return nil, fmt.Errorf("%w: %s/%s has %d, want %d", ErrDimensionMismatch, vectorType, docPath, len(vec), wantDim)
	}
	return vec, nil
}

// GetAllVectors loads every vector of a type, sorted by document path
// (badger iterates in key order). When wantDim > 0 every row must match
// or ErrDimensionMismatch is returned.
func (s *VectorStore) GetAllVectors(ctx context.Context, vectorType string, wantDim int) (paths []string, matrix [][]float32, err error) {
	prefix := []byte(vecKeyPrefix + vectorType + "/")
	err = s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			docPath := strings.TrimPrefix(string(item.Key()), string(prefix))
			raw, copyErr := item.ValueCopy(nil)
			if copyErr != nil {
				return fmt.Errorf("copy vector %q: %w", docPath, copyErr)
			}
			vec, decErr := DecodeVector(raw)
			if decErr != nil {
				return fmt.Errorf("vector %q: %w", docPath, decErr)
			}
			if wantDim > 0 && len(vec) != wantDim {
				return fmt.Errorf("%w: %q has %d, want %d", ErrDimensionMismatch, docPath, len(vec), wantDim)
			}
			paths = append(paths, docPath)
			matrix = append(matrix, vec)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("get all vectors (%s): %w", vectorType, err)
	}
	return paths, matrix, nil
}

// SaveVocabulary persists the ordered feature names and optional IDF
// values for a vector type.
func (s *VectorStore) SaveVocabulary(ctx context.Context, vectorType string, features []string, idf []float64) error {
	if idf != nil && len(idf) != len(features) {
		return fmt.Errorf("save vocabulary (%s): %d features but %d idf values", vectorType, len(features), len(idf))
	}
	raw, err := json.Marshal(vocabularyRecord{Features: features, IDF: idf})
	if err != nil {
		return fmt.Errorf("marshal vocabulary (%s): %w", vectorType, err)
	}
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte(vocabKeyPrefix+vectorType), raw)
	})
	if err != nil {
		return fmt.Errorf("save vocabulary (%s): %w", vectorType, err)
	}
	return nil
}

// GetVocabulary loads the persisted vocabulary for a vector type.
// Returns ErrNotFound when no vocabulary was ever saved.
func (s *VectorStore) GetVocabulary(ctx context.Context, vectorType string) (features []string, idf []float64, err error) {
	var rec vocabularyRecord
	err = s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, getErr := txn.Get([]byte(vocabKeyPrefix + vectorType))
		if errors.Is(getErr, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if getErr != nil {
			return getErr
		}
		raw, copyErr := item.ValueCopy(nil)
		if copyErr != nil {
			return copyErr
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get vocabulary (%s): %w", vectorType, err)
	}
	return rec.Features, rec.IDF, nil
}

// SaveMetadata persists vectoriser settings for a vector type.
func (s *VectorStore) SaveMetadata(ctx context.Context, vectorType string, settings map[string]any) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal metadata (%s): %w", vectorType, err)
	}
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte(metaKeyPrefix+vectorType), raw)
	})
	if err != nil {
		return fmt.Errorf("save metadata (%s): %w", vectorType, err)
	}
	return nil
}

// GetMetadata loads persisted vectoriser settings. Returns ErrNotFound
// when absent.
func (s *VectorStore) GetMetadata(ctx context.Context, vectorType string) (map[string]any, error) {
	var settings map[string]any
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, getErr := txn.Get([]byte(metaKeyPrefix + vectorType))
		if errors.Is(getErr, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if getErr != nil {
			return getErr
		}
		raw, copyErr := item.ValueCopy(nil)
		if copyErr != nil {
			return copyErr
		}
		return json.Unmarshal(raw, &settings)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get metadata (%s): %w", vectorType, err)
	}
	return settings, nil
}

// NeedsReindex reports whether the persisted vector set for vectorType
// differs from the current document path set. Any difference — missing
// vectors, extra vectors, or a changed corpus — triggers a reindex.
func (s *VectorStore) NeedsReindex(ctx context.Context, currentPaths []string, vectorType string) (bool, error) {
	stored := make(map[string]struct{})
	prefix := []byte(vecKeyPrefix + vectorType + "/")
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			stored[strings.TrimPrefix(string(it.Item().Key()), string(prefix))] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("needs reindex (%s): %w", vectorType, err)
	}

	if len(stored) != len(currentPaths) {
		return true, nil
	}
	for _, p := range currentPaths {
		if _, ok := stored[p]; !ok {
			return true, nil
		}
	}
	return false, nil
}

// DeleteDocument removes a document record and all its vectors.
func (s *VectorStore) DeleteDocument(ctx context.Context, docPath string) error {
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if delErr := txn.Delete([]byte(docKeyPrefix + docPath)); delErr != nil && !errors.Is(delErr, dgbadger.ErrKeyNotFound) {
			return delErr
		}
		return deleteVectorsForDoc(txn, docPath)
	})
	if err != nil {
		return fmt.Errorf("delete document %q: %w", docPath, err)
	}
	return nil
}

// ClearVectorType removes all vectors, the vocabulary, and the metadata
// for a vector type.
func (s *VectorStore) ClearVectorType(ctx context.Context, vectorType string) error {
	err := s.db.DropPrefix(ctx,
		[]byte(vecKeyPrefix+vectorType+"/"),
		[]byte(vocabKeyPrefix+vectorType),
		[]byte(metaKeyPrefix+vectorType),
	)
	if err != nil {
		return fmt.Errorf("clear vector type %q: %w", vectorType, err)
	}
	return nil
}

func vecKey(vectorType, docPath string) []byte {
	return []byte(vecKeyPrefix + vectorType + "/" + docPath)
}
