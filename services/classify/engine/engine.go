// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine composes the tokeniser, TF-IDF vectoriser, BM25
// ranker, score fuser, hot-query cache, vector store, and feedback loop
// into the hybrid classification engine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/erratalab/classifier/services/classify/cache"
	"github.com/erratalab/classifier/services/classify/corpus"
	"github.com/erratalab/classifier/services/classify/feedback"
	"github.com/erratalab/classifier/services/classify/rank"
	"github.com/erratalab/classifier/services/classify/store"
	"github.com/erratalab/classifier/services/classify/textproc"
	"github.com/erratalab/classifier/services/classify/vectorize"
)

// EngineID identifies the hybrid engine in cache keys, feedback records,
// and API responses. The feedback schema supports multiple engines; the
// hybrid is the only one this service runs.
const EngineID = "hybrid"

// VectorTypeTFIDF is the persisted vector type for TF-IDF rows.
const VectorTypeTFIDF = "tfidf"

// Answer sources reported to callers.
const (
	SourceCache   = "cache"
	SourceLearned = "learned"
	SourceHybrid  = "hybrid"
	SourcePrior   = "prior"
)

var engineTracer = otel.Tracer("classifier.engine")

// Config holds the engine tuning knobs.
type Config struct {
	TFIDF       vectorize.TFIDFConfig
	TFIDFWeight float64
	BM25Weight  float64
	BM25K1      float64
	BM25B       float64
}

// DefaultEngineConfig returns the production tuning.
func DefaultEngineConfig() Config {
	return Config{
		TFIDF:       vectorize.DefaultTFIDFConfig(),
		TFIDFWeight: DefaultTFIDFWeight,
		BM25Weight:  DefaultBM25Weight,
		BM25K1:      rank.DefaultK1,
		BM25B:       rank.DefaultB,
	}
}

// Result is one classification answer.
type Result struct {
	DocPath    string  `json:"doc_path"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Warning    string  `json:"warning,omitempty"`
}

// Candidate is one ranked answer from TopN.
type Candidate struct {
	DocPath    string  `json:"doc_path"`
	Confidence float64 `json:"confidence"`
	Service    string  `json:"service"`
	Category   string  `json:"category"`
}

// Explanation breaks one ranking decision into its signals.
type Explanation struct {
	DocPath         string  `json:"doc_path"`
	TFIDFScore      float64 `json:"tfidf_score"`
	BM25Score       float64 `json:"bm25_score"`
	TFIDFRaw        float64 `json:"tfidf_raw"`
	BM25Raw         float64 `json:"bm25_raw"`
	CombinedScore   float64 `json:"combined_score"`
	FinalConfidence float64 `json:"final_confidence"`
	TFIDFWeight     float64 `json:"tfidf_weight"`
	BM25Weight      float64 `json:"bm25_weight"`
	Service         string  `json:"service"`
	Category        string  `json:"category"`
}

// TeachResult reports the outcome of one teach call.
type TeachResult struct {
	Ok        bool   `json:"ok"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// StatusReport is the engine's health and accounting snapshot.
type StatusReport struct {
	Healthy             bool           `json:"healthy"`
	IndexedDocuments    int            `json:"indexed_documents"`
	VocabularySize      int            `json:"vocabulary_size"`
	CorrectionsTotal    int            `json:"corrections_total"`
	Feedback            feedback.Stats `json:"feedback_stats"`
	Cache               cache.Stats    `json:"cache_stats"`
	DegradedPersistence bool           `json:"degraded_persistence,omitempty"`
}

// indexState is one immutable index snapshot. Classify reads whichever
// snapshot the atomic pointer holds; Index builds a new one off to the
// side and swaps it in whole, so readers never observe a half-built
// index.
type indexState struct {
	docs       []corpus.Document
	paths      []string
	matrix     [][]float32
	vectorizer *vectorize.TFIDF
	bm25       *rank.BM25
}

// Engine is the hybrid classification engine.
//
// # Thread Safety
//
// Safe for concurrent use. Classify and Teach may run in parallel;
// Index is exclusive with other Index calls and swaps state atomically
// under concurrent Classify traffic.
type Engine struct {
	cfg      Config
	scanner  *corpus.Scanner
	store    *store.VectorStore // nil = persistence disabled
	cache    *cache.QueryCache
	loop     *feedback.Loop
	fuser    *Fuser
	queryTok *textproc.Tokenizer // unigram tokenizer for BM25 and emptiness checks
	logger   *slog.Logger

	state   atomic.Pointer[indexState]
	indexMu sync.Mutex

	storeDegraded    atomic.Bool
	degradedReported atomic.Bool
}

// New creates an engine. store may be nil to disable vector
// persistence; qcache and loop must not be nil (use a nil-backed cache
// and a memory-only loop instead).
func New(cfg Config, scanner *corpus.Scanner, vstore *store.VectorStore, qcache *cache.QueryCache, loop *feedback.Loop, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		scanner:  scanner,
		store:    vstore,
		cache:    qcache,
		loop:     loop,
		fuser:    NewFuser(cfg.TFIDFWeight, cfg.BM25Weight),
		queryTok: textproc.NewUnigramTokenizer(),
		logger:   logger,
	}
}

// Index scans the corpus and installs a fresh index snapshot.
//
// # Description
//
// When the vector store reports that the persisted TF-IDF vectors cover
// exactly the current document set, vectors and vocabulary are loaded
// instead of refitted; BM25 is always rebuilt from the documents (it is
// lightweight and never persisted). Otherwise TF-IDF is fitted from
// scratch, persisted best-effort, and the hot-query cache is
// invalidated: any cached answer may point at a changed corpus.
//
// Store failures never fail indexing — the engine degrades to
// in-memory persistence-free operation and flags the session as
// degraded for status reporting.
func (e *Engine) Index(ctx context.Context) error {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()

	start := time.Now()
	ctx, span := engineTracer.Start(ctx, "engine.Index")
	defer span.End()

	docs, err := e.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if len(docs) == 0 {
		return ErrEmptyCorpus
	}

	paths := make([]string, len(docs))
	texts := make([]string, len(docs))
	for i, d := range docs {
		paths[i] = d.Path
		texts[i] = d.IndexText
	}

	st, loaded := e.tryLoadState(ctx, docs, paths)
	if st == nil {
		st, err = e.buildState(ctx, docs, paths, texts)
		if err != nil {
			return fmt.Errorf("index: %w", err)
		}
	}

	// BM25 state is cheap; always rebuilt from the scanned documents.
	tokenized := make([][]string, len(docs))
	for i, d := range docs {
		tokenized[i] = e.queryTok.Tokenize(d.IndexText)
	}
	st.bm25 = rank.NewBM25(e.cfg.BM25K1, e.cfg.BM25B)
	st.bm25.Fit(tokenized)

	e.state.Store(st)
	indexedDocuments.Set(float64(len(docs)))
	indexDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("documents", len(docs)),
		attribute.Int("vocabulary", st.vectorizer.VocabSize()),
		attribute.Bool("loaded_from_store", loaded),
	)
	e.logger.Info("index ready",
		slog.Int("documents", len(docs)),
		slog.Int("vocabulary", st.vectorizer.VocabSize()),
		slog.Bool("loaded_from_store", loaded),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// tryLoadState loads persisted vectors when the store covers the current
// corpus exactly. Returns (nil, false) when a fresh fit is needed.
func (e *Engine) tryLoadState(ctx context.Context, docs []corpus.Document, paths []string) (*indexState, bool) {
	if e.store == nil {
		return nil, false
	}

	needs, err := e.store.NeedsReindex(ctx, paths, VectorTypeTFIDF)
	if err != nil {
		e.markStoreDegraded("needs-reindex check failed", err)
		return nil, false
	}
	if needs {
		return nil, false
	}

	features, idf, err := e.store.GetVocabulary(ctx, VectorTypeTFIDF)
	if err != nil {
		e.logger.Warn("persisted vocabulary unreadable, refitting",
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	storedPaths, matrix, err := e.store.GetAllVectors(ctx, VectorTypeTFIDF, len(features))
	if err != nil {
		// Includes dimension mismatches: serving them would produce a
		// plausible but wrong answer, so refit instead.
		e.logger.Warn("persisted vectors unusable, refitting",
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	// Both storedPaths and docs are sorted by path and NeedsReindex
	// confirmed set equality, so rows align with docs by index.
	if len(storedPaths) != len(docs) {
		return nil, false
	}

	vec := vectorize.NewTFIDF(e.cfg.TFIDF)
	if err := vec.Restore(features, idf, len(docs)); err != nil {
		e.logger.Warn("persisted vocabulary corrupt, refitting",
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	return &indexState{docs: docs, paths: paths, matrix: matrix, vectorizer: vec}, true
}

// buildState fits TF-IDF from scratch and persists the result.
func (e *Engine) buildState(ctx context.Context, docs []corpus.Document, paths []string, texts []string) (*indexState, error) {
	vec := vectorize.NewTFIDF(e.cfg.TFIDF)
	vec.Fit(texts)
	matrix, err := vec.Transform(texts)
	if err != nil {
		return nil, err
	}

	if e.store != nil {
		e.persistIndex(ctx, docs, paths, matrix, vec)
	}

	// Fresh vectors invalidate every cached answer.
	e.cache.InvalidateOnDocChange(ctx, cache.SearchPrefix)

	return &indexState{docs: docs, paths: paths, matrix: matrix, vectorizer: vec}, nil
}

// persistIndex writes documents, vectors, vocabulary, and metadata.
// Best-effort: any failure degrades the session instead of failing the
// index.
func (e *Engine) persistIndex(ctx context.Context, docs []corpus.Document, paths []string, matrix [][]float32, vec *vectorize.TFIDF) {
	for _, d := range docs {
		if _, err := e.store.SaveDocument(ctx, d.Path, d.Content, d.Service, d.Category); err != nil {
			e.markStoreDegraded("document persist failed", err)
			return
		}
	}
	if err := e.store.SaveVectorsBatch(ctx, paths, matrix, VectorTypeTFIDF); err != nil {
		e.markStoreDegraded("vector persist failed", err)
		return
	}
	if err := e.store.SaveVocabulary(ctx, VectorTypeTFIDF, vec.FeatureNames(), vec.IDFValues()); err != nil {
		e.markStoreDegraded("vocabulary persist failed", err)
		return
	}
	meta := map[string]any{
		"max_features": e.cfg.TFIDF.MaxFeatures,
		"min_df":       e.cfg.TFIDF.MinDF,
		"max_df":       e.cfg.TFIDF.MaxDF,
		"ngram_min":    e.cfg.TFIDF.NGramMin,
		"ngram_max":    e.cfg.TFIDF.NGramMax,
	}
	if err := e.store.SaveMetadata(ctx, VectorTypeTFIDF, meta); err != nil {
		e.markStoreDegraded("metadata persist failed", err)
	}
}

// Classify returns the best matching document for a query.
//
// # Description
//
// Resolution order: hot-query cache, learned exact-pattern shortcut,
// hybrid TF-IDF + BM25 scoring. Every returned prediction — whatever
// its source — is recorded through the feedback loop so long-run
// accuracy accounting stays complete.
func (e *Engine) Classify(ctx context.Context, query string) (Result, error) {
	start := time.Now()
	ctx, span := engineTracer.Start(ctx, "engine.Classify")
	defer span.End()
	defer func() { classifyLatency.Observe(time.Since(start).Seconds()) }()

	st := e.state.Load()
	if st == nil || len(st.docs) == 0 {
		classifyErrorsTotal.WithLabelValues("empty_corpus").Inc()
		return Result{}, ErrEmptyCorpus
	}

	// Fast path for exact prior answers.
	if hit := e.cache.Get(ctx, cache.SearchPrefix, query, EngineID, nil); hit != nil {
		e.loop.RecordPrediction(ctx, query, hit.DocPath, hit.Confidence, hit.Confidence, EngineID)
		classifySourceTotal.WithLabelValues(SourceCache).Inc()
		span.SetAttributes(attribute.String("source", SourceCache))
		return Result{DocPath: hit.DocPath, Confidence: hit.Confidence, Source: SourceCache}, nil
	}

	// Learned shortcut: the user already told us the answer twice.
	if doc, conf, ok := e.loop.BestDocumentFor(query); ok {
		e.cache.Set(ctx, cache.SearchPrefix, query, EngineID, nil, cache.Entry{DocPath: doc, Confidence: conf})
		e.loop.RecordPrediction(ctx, query, doc, conf, conf, EngineID)
		classifySourceTotal.WithLabelValues(SourceLearned).Inc()
		span.SetAttributes(attribute.String("source", SourceLearned))
		return Result{DocPath: doc, Confidence: conf, Source: SourceLearned}, nil
	}

	if st.vectorizer.VocabSize() == 0 {
		classifyErrorsTotal.WithLabelValues("empty_vocabulary").Inc()
		return Result{}, ErrEmptyVocabulary
	}

	queryTokens := e.queryTok.Tokenize(query)
	if len(queryTokens) == 0 {
		return e.classifyEmptyQuery(ctx, query)
	}

	fused, err := e.fusedScores(st, query, queryTokens)
	if err != nil {
		classifyErrorsTotal.WithLabelValues("scoring").Inc()
		return Result{}, fmt.Errorf("classify: %w", err)
	}

	best := vectorize.ArgMax(fused)
	doc := st.paths[best]
	rawConf := fused[best] * 100
	adjusted := e.loop.AdjustConfidence(query, doc, rawConf, EngineID)

	e.cache.Set(ctx, cache.SearchPrefix, query, EngineID, nil, cache.Entry{DocPath: doc, Confidence: adjusted})
	e.loop.RecordPrediction(ctx, query, doc, rawConf, adjusted, EngineID)

	classifySourceTotal.WithLabelValues(SourceHybrid).Inc()
	span.SetAttributes(
		attribute.String("source", SourceHybrid),
		attribute.String("doc", doc),
		attribute.Float64("confidence", adjusted),
	)
	return Result{DocPath: doc, Confidence: adjusted, Source: SourceHybrid}, nil
}

// classifyEmptyQuery handles queries that tokenise to nothing: fall back
// to the document with the best accuracy prior, else reject.
func (e *Engine) classifyEmptyQuery(ctx context.Context, query string) (Result, error) {
	doc, accuracy, ok := e.loop.HighestPriorDocument()
	if !ok {
		classifyErrorsTotal.WithLabelValues("bad_query").Inc()
		return Result{}, ErrBadQuery
	}

	// A prior-only answer carries no lexical evidence; confidence is the
	// document's historical accuracy.
	conf := math.Max(1, math.Min(100, accuracy*100))
	e.loop.RecordPrediction(ctx, query, doc, conf, conf, EngineID)
	classifySourceTotal.WithLabelValues(SourcePrior).Inc()
	return Result{
		DocPath:    doc,
		Confidence: conf,
		Source:     SourcePrior,
		Warning:    "query produced no tokens; returned highest-prior document",
	}, nil
}

// fusedScores computes the combined TF-IDF + BM25 score vector.
func (e *Engine) fusedScores(st *indexState, query string, queryTokens []string) ([]float64, error) {
	qvec, err := st.vectorizer.TransformQuery(query)
	if err != nil {
		return nil, err
	}
	tfidfScores := vectorize.CosineScores(qvec, st.matrix)
	bm25Scores := st.bm25.Scores(queryTokens)
	return e.fuser.Fuse(tfidfScores, bm25Scores), nil
}

// TopN returns the n best candidates by fused score.
func (e *Engine) TopN(ctx context.Context, query string, n int) ([]Candidate, error) {
	_, span := engineTracer.Start(ctx, "engine.TopN")
	defer span.End()

	st := e.state.Load()
	if st == nil || len(st.docs) == 0 {
		return nil, ErrEmptyCorpus
	}
	if st.vectorizer.VocabSize() == 0 {
		return nil, ErrEmptyVocabulary
	}
	queryTokens := e.queryTok.Tokenize(query)
	if len(queryTokens) == 0 {
		return nil, ErrBadQuery
	}
	if n <= 0 {
		n = 5
	}

	fused, err := e.fusedScores(st, query, queryTokens)
	if err != nil {
		return nil, fmt.Errorf("top-n: %w", err)
	}

	out := make([]Candidate, 0, n)
	for _, idx := range vectorize.TopIndices(fused, n) {
		d := st.docs[idx]
		out = append(out, Candidate{
			DocPath:    d.Path,
			Confidence: fused[idx] * 100,
			Service:    d.Service,
			Category:   d.Category,
		})
	}
	return out, nil
}

// ExplainRanking breaks the top answer for a query into its signals.
func (e *Engine) ExplainRanking(ctx context.Context, query string) (Explanation, error) {
	_, span := engineTracer.Start(ctx, "engine.ExplainRanking")
	defer span.End()

	st := e.state.Load()
	if st == nil || len(st.docs) == 0 {
		return Explanation{}, ErrEmptyCorpus
	}
	if st.vectorizer.VocabSize() == 0 {
		return Explanation{}, ErrEmptyVocabulary
	}
	queryTokens := e.queryTok.Tokenize(query)
	if len(queryTokens) == 0 {
		return Explanation{}, ErrBadQuery
	}

	qvec, err := st.vectorizer.TransformQuery(query)
	if err != nil {
		return Explanation{}, fmt.Errorf("explain: %w", err)
	}
	tfidfRaw := vectorize.CosineScores(qvec, st.matrix)
	bm25Raw := st.bm25.Scores(queryTokens)
	tfidfNorm := minMaxNormalize(tfidfRaw)
	bm25Norm := minMaxNormalize(bm25Raw)

	fused := e.fuser.Fuse(tfidfRaw, bm25Raw)
	best := vectorize.ArgMax(fused)

	w1, w2 := e.fuser.Weights()
	d := st.docs[best]
	return Explanation{
		DocPath:         d.Path,
		TFIDFScore:      tfidfNorm[best],
		BM25Score:       bm25Norm[best],
		TFIDFRaw:        tfidfRaw[best],
		BM25Raw:         bm25Raw[best],
		CombinedScore:   fused[best],
		FinalConfidence: fused[best] * 100,
		TFIDFWeight:     w1,
		BM25Weight:      w2,
		Service:         d.Service,
		Category:        d.Category,
	}, nil
}

// Teach records a user correction for a query.
//
// # Description
//
// First classifies the query to learn what the engine predicts right
// now (normal side effects: the prediction is recorded), then applies
// the correction and evicts the query's cache entry. A persistence
// failure keeps the in-memory learning and reports a retryable partial
// success instead of an error.
func (e *Engine) Teach(ctx context.Context, query, correctDoc string) (TeachResult, error) {
	ctx, span := engineTracer.Start(ctx, "engine.Teach")
	defer span.End()

	predicted, err := e.Classify(ctx, query)
	if err != nil {
		return TeachResult{}, fmt.Errorf("teach: %w", err)
	}

	res := e.loop.RecordCorrection(ctx, query, predicted.DocPath, correctDoc, predicted.Confidence, EngineID)

	// The cached answer for this query may now be wrong.
	e.cache.Delete(ctx, cache.SearchPrefix, query, EngineID, nil)

	outcome := "corrected"
	if res.IsCorrect {
		outcome = "correct"
	}
	if !res.Persisted {
		teachTotal.WithLabelValues("partial").Inc()
		return TeachResult{
			Ok:        true,
			Message:   "correction learned in memory; persistence pending retry",
			Retryable: true,
		}, nil
	}
	teachTotal.WithLabelValues(outcome).Inc()

	span.SetAttributes(
		attribute.Bool("was_correct", res.IsCorrect),
		attribute.String("predicted", predicted.DocPath),
	)
	return TeachResult{
		Ok:      true,
		Message: fmt.Sprintf("correction recorded (prediction was %s)", outcome),
	}, nil
}

// Status reports engine health and accounting.
//
// The degraded-persistence condition is surfaced exactly once per
// session; later status calls report healthy accounting without the
// flag so monitoring alerts fire once.
func (e *Engine) Status() StatusReport {
	st := e.state.Load()

	report := StatusReport{
		Healthy:          st != nil && len(st.docs) > 0 && st.vectorizer.VocabSize() > 0,
		CorrectionsTotal: e.loop.CorrectionsTotal(),
		Feedback:         e.loop.GetStats(),
		Cache:            e.cache.GetStats(),
	}
	if st != nil {
		report.IndexedDocuments = len(st.docs)
		report.VocabularySize = st.vectorizer.VocabSize()
	}

	if (e.storeDegraded.Load() || e.loop.Degraded()) && !e.degradedReported.Swap(true) {
		report.DegradedPersistence = true
	}
	return report
}

// Flush retries pending feedback persistence. Call on shutdown.
func (e *Engine) Flush(ctx context.Context) {
	e.loop.Flush(ctx)
}

// DocumentCount reports the active index's corpus size.
func (e *Engine) DocumentCount() int {
	if st := e.state.Load(); st != nil {
		return len(st.docs)
	}
	return 0
}

func (e *Engine) markStoreDegraded(what string, err error) {
	e.storeDegraded.Store(true)
	e.logger.Warn("vector store degraded: "+what,
		slog.String("error", err.Error()),
	)
}
