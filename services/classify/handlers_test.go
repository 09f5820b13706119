// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/erratalab/classifier/services/classify/cache"
	"github.com/erratalab/classifier/services/classify/corpus"
	"github.com/erratalab/classifier/services/classify/engine"
	"github.com/erratalab/classifier/services/classify/feedback"
	badgerstore "github.com/erratalab/classifier/services/classify/storage/badger"
	"github.com/erratalab/classifier/services/classify/store"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestRouter(t *testing.T, files map[string]string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	e := engine.New(
		engine.DefaultEngineConfig(),
		corpus.NewScanner(root),
		store.NewVectorStore(db, nil),
		cache.NewQueryCache(db, 0, nil),
		feedback.NewLoop(ctx, feedback.DefaultConfig(), feedback.NewStore(db, nil), nil),
		nil,
	)
	if len(files) > 0 {
		if err := e.Index(ctx); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}

	router := gin.New()
	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(e, nil))
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

var testCorpus = map[string]string{
	"services/logitrack/NEGATIVE_VALUE.md":   "quantity cannot be negative; positive values only",
	"services/skyguard/SCHEMA_VALIDATION.md": "schema validation failed for payload",
}

// =============================================================================
// Classify Endpoint Tests
// =============================================================================

func TestHandleClassify_OK(t *testing.T) {
	router := newTestRouter(t, testCorpus)

	rec := doJSON(t, router, http.MethodPost, "/v1/classify", gin.H{
		"error_message": "schema validation failed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var res engine.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.DocPath != "services/skyguard/SCHEMA_VALIDATION.md" {
		t.Errorf("unexpected doc %q", res.DocPath)
	}
	if res.Confidence < 0 || res.Confidence > 100 {
		t.Errorf("confidence out of range: %v", res.Confidence)
	}
	if res.Source == "" {
		t.Error("source tag missing")
	}
}

func TestHandleClassify_UnknownMethodWarns(t *testing.T) {
	router := newTestRouter(t, testCorpus)

	rec := doJSON(t, router, http.MethodPost, "/v1/classify", gin.H{
		"error_message": "schema validation failed",
		"method":        "neural",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res engine.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Warning == "" {
		t.Error("unimplemented method must produce a warning")
	}
}

func TestHandleClassify_EmptyQueryIsBadQuery(t *testing.T) {
	router := newTestRouter(t, testCorpus)

	rec := doJSON(t, router, http.MethodPost, "/v1/classify", gin.H{
		"error_message": "the of and",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != CodeBadQuery {
		t.Errorf("expected code %s, got %v", CodeBadQuery, body["code"])
	}
}

func TestHandleClassify_MissingBodyField(t *testing.T) {
	router := newTestRouter(t, testCorpus)
	rec := doJSON(t, router, http.MethodPost, "/v1/classify", gin.H{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing error_message, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != CodeBadQuery {
		t.Errorf("missing message must surface as %s, got %v", CodeBadQuery, body["code"])
	}
}

func TestHandleClassify_NotReadyOnEmptyCorpus(t *testing.T) {
	router := newTestRouter(t, map[string]string{})

	rec := doJSON(t, router, http.MethodPost, "/v1/classify", gin.H{
		"error_message": "anything at all",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != CodeNotReady {
		t.Errorf("expected code %s, got %v", CodeNotReady, body["code"])
	}
}

// =============================================================================
// TopN / Explain Endpoint Tests
// =============================================================================

func TestHandleTopN(t *testing.T) {
	router := newTestRouter(t, testCorpus)

	rec := doJSON(t, router, http.MethodPost, "/v1/classify/topn", gin.H{
		"error_message": "schema validation failed",
		"n":             2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Candidates []engine.Candidate `json:"candidates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(body.Candidates))
	}
	if body.Candidates[0].Service != "skyguard" || body.Candidates[0].Category != "SCHEMA_VALIDATION" {
		t.Errorf("unexpected top candidate: %+v", body.Candidates[0])
	}
}

func TestHandleExplain(t *testing.T) {
	router := newTestRouter(t, testCorpus)

	rec := doJSON(t, router, http.MethodGet, "/v1/classify/explain?q=schema+validation+failed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var exp engine.Explanation
	if err := json.Unmarshal(rec.Body.Bytes(), &exp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if exp.DocPath == "" || exp.CombinedScore < 0 || exp.CombinedScore > 1 {
		t.Errorf("unexpected explanation: %+v", exp)
	}
}

func TestHandleExplain_MissingQuery(t *testing.T) {
	router := newTestRouter(t, testCorpus)
	rec := doJSON(t, router, http.MethodGet, "/v1/classify/explain", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

// =============================================================================
// Teach / Status Endpoint Tests
// =============================================================================

func TestHandleTeach_ThenLearnedClassify(t *testing.T) {
	router := newTestRouter(t, testCorpus)

	body := gin.H{
		"error_message":    "schema validation failed",
		"correct_doc_path": "services/skyguard/SCHEMA_VALIDATION.md",
	}
	for i := 0; i < 2; i++ {
		rec := doJSON(t, router, http.MethodPost, "/v1/teach", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("teach %d: expected 200, got %d: %s", i, rec.Code, rec.Body)
		}
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/classify", gin.H{
		"error_message": "schema validation failed",
	})
	var res engine.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Source != engine.SourceLearned && res.Source != engine.SourceCache {
		t.Errorf("expected learned/cache source after two teaches, got %q", res.Source)
	}
	if res.Confidence < 97 {
		t.Errorf("expected confidence >= 97, got %v", res.Confidence)
	}
}

func TestHandleStatus(t *testing.T) {
	router := newTestRouter(t, testCorpus)

	rec := doJSON(t, router, http.MethodGet, "/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status engine.StatusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Healthy || status.IndexedDocuments != 2 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestHandleReindexAndHealth(t *testing.T) {
	router := newTestRouter(t, testCorpus)

	rec := doJSON(t, router, http.MethodPost, "/v1/reindex", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reindex: expected 200, got %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
}
