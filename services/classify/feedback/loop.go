// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package feedback implements the adaptive learning loop: it records
// predictions and user corrections, maintains per-query, per-document,
// and per-engine accuracy aggregates, and adjusts classifier confidence
// from those signals.
package feedback

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erratalab/classifier/services/classify/textproc"
)

// Tuning defaults. Boost is deliberately smaller than penalty: a wrong
// answer should cost more confidence than a right answer earns.
const (
	DefaultLearningRate      = 0.1
	DefaultConfidenceBoost   = 5.0
	DefaultConfidencePenalty = 10.0

	// successRateSeed is the neutral prior for a never-evaluated
	// (query, doc) pair.
	successRateSeed = 0.5

	// shortcutMinCount is how many corrections must agree before the
	// exact-pattern shortcut bypasses scoring.
	shortcutMinCount = 2
)

// Config holds the feedback loop tuning knobs.
type Config struct {
	LearningRate      float64
	ConfidenceBoost   float64
	ConfidencePenalty float64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		LearningRate:      DefaultLearningRate,
		ConfidenceBoost:   DefaultConfidenceBoost,
		ConfidencePenalty: DefaultConfidencePenalty,
	}
}

// QueryDocStats tracks accuracy for one (normalised query, doc) pair.
type QueryDocStats struct {
	Correct     int     `json:"correct_count"`
	Incorrect   int     `json:"incorrect_count"`
	Total       int     `json:"total_count"`
	SuccessRate float64 `json:"success_rate"`
}

// DocumentStats tracks how often a document was the corrected answer
// and how often that was right.
type DocumentStats struct {
	TimesShown   int     `json:"times_shown"`
	TimesCorrect int     `json:"times_correct"`
	Accuracy     float64 `json:"accuracy"`
}

// EngineStats tracks per-engine accuracy and its UCB1-style ensemble
// weight.
type EngineStats struct {
	TotalPredictions int     `json:"total_predictions"`
	Correct          int     `json:"correct_predictions"`
	Incorrect        int     `json:"incorrect_predictions"`
	Accuracy         float64 `json:"accuracy"`
	Weight           float64 `json:"weight"`
}

// QueryPattern tracks the best known answer for a normalised query.
type QueryPattern struct {
	BestDoc       string  `json:"best_doc"`
	BestDocCount  int     `json:"best_doc_count"`
	TotalCount    int     `json:"total_count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// PredictionRecord is the append-only log entry for one prediction.
type PredictionRecord struct {
	ID                 string    `json:"id"`
	QueryRaw           string    `json:"query_raw"`
	QueryNormalized    string    `json:"query_normalized"`
	PredictedDoc       string    `json:"predicted_doc"`
	Engine             string    `json:"engine"`
	RawConfidence      float64   `json:"raw_confidence"`
	AdjustedConfidence float64   `json:"adjusted_confidence"`
	Timestamp          time.Time `json:"timestamp"`
}

// CorrectionRecord is the append-only log entry for one user correction.
type CorrectionRecord struct {
	ID                 string    `json:"id"`
	QueryNormalized    string    `json:"query_normalized"`
	PredictedDoc       string    `json:"predicted_doc"`
	ActualDoc          string    `json:"actual_doc"`
	IsCorrect          bool      `json:"is_correct"`
	OriginalConfidence float64   `json:"original_confidence"`
	Engine             string    `json:"engine"`
	Timestamp          time.Time `json:"timestamp"`
}

// CorrectionResult summarises the aggregate state right after a
// correction was applied.
type CorrectionResult struct {
	IsCorrect      bool    `json:"is_correct"`
	SuccessRate    float64 `json:"success_rate"`
	DocAccuracy    float64 `json:"doc_accuracy"`
	EngineAccuracy float64 `json:"engine_accuracy"`
	EngineWeight   float64 `json:"engine_weight"`

	// Persisted is false when the write to the backing store failed;
	// the in-memory update still applied and will be retried.
	Persisted bool `json:"persisted"`
}

// Stats is a snapshot of the loop's aggregate state for status
// reporting.
type Stats struct {
	CorrectionsTotal   int                    `json:"corrections_total"`
	CorrectTotal       int                    `json:"correct_total"`
	OverallAccuracy    float64                `json:"overall_accuracy"`
	UniqueQueries      int                    `json:"unique_queries"`
	UniqueDocuments    int                    `json:"unique_documents"`
	EngineStats        map[string]EngineStats `json:"engine_stats"`
	EngineWeights      map[string]float64     `json:"engine_weights"`
	MemoryOnly         bool                   `json:"memory_only"`
	PendingPersistence bool                   `json:"pending_persistence"`
}

// Loop is the feedback learning loop.
//
// # Description
//
// Aggregates live in memory behind a reader/writer mutex: classify
// takes the read side (AdjustConfidence, BestDocumentFor), teach takes
// the write side (RecordCorrection). Writers hold the lock only for the
// bounded hash-map mutations, never across storage I/O.
//
// Persistence is best-effort. A failed write marks the loop dirty; the
// full aggregate state is re-persisted on the next successful mutation
// or on Flush. With no store at all the loop runs memory-only and the
// in-memory state is ground truth.
//
// # Thread Safety
//
// Safe for concurrent use.
type Loop struct {
	cfg    Config
	logger *slog.Logger
	store  *Store // nil = memory-only

	mu       sync.RWMutex
	queryDoc map[string]*QueryDocStats // key: query + "\x00" + doc
	docs     map[string]*DocumentStats
	engines  map[string]*EngineStats
	patterns map[string]*QueryPattern

	correctionsTotal int
	correctTotal     int

	dirty    bool // an aggregate write failed and needs retry
	degraded bool // the store failed at least once this session
}

// NewLoop creates a feedback loop.
//
// # Description
//
// With a non-nil store, previously persisted aggregates are loaded at
// construction. A load failure downgrades the loop to memory-only mode
// with a warning rather than failing startup: classification works
// without history, it just starts cold.
func NewLoop(ctx context.Context, cfg Config, store *Store, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate >= 1 {
		cfg.LearningRate = DefaultLearningRate
	}
	if cfg.ConfidenceBoost <= 0 {
		cfg.ConfidenceBoost = DefaultConfidenceBoost
	}
	if cfg.ConfidencePenalty <= 0 {
		cfg.ConfidencePenalty = DefaultConfidencePenalty
	}

	l := &Loop{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		queryDoc: make(map[string]*QueryDocStats),
		docs:     make(map[string]*DocumentStats),
		engines:  make(map[string]*EngineStats),
		patterns: make(map[string]*QueryPattern),
	}

	if store == nil {
		logger.Warn("feedback loop: no backing store configured, running memory-only")
		return l
	}

	snap, err := store.LoadAggregates(ctx)
	if err != nil {
		logger.Warn("feedback loop: aggregate load failed, running memory-only",
			slog.String("error", err.Error()),
		)
		l.store = nil
		l.degraded = true
		return l
	}

	l.queryDoc = snap.QueryDoc
	l.docs = snap.Docs
	l.engines = snap.Engines
	l.patterns = snap.Patterns
	l.correctionsTotal = snap.CorrectionsTotal
	l.correctTotal = snap.CorrectTotal
	if snap.CorrectionsTotal > 0 {
		logger.Info("feedback loop: loaded persisted state",
			slog.Int("corrections", snap.CorrectionsTotal),
			slog.Int("patterns", len(snap.Patterns)),
		)
	}
	return l
}

// RecordPrediction appends one prediction to the log. Append-only: no
// aggregate is updated here, so the long-run accuracy accounting comes
// entirely from corrections.
func (l *Loop) RecordPrediction(ctx context.Context, queryRaw, predictedDoc string, rawConf, adjustedConf float64, engine string) {
	rec := PredictionRecord{
		ID:                 uuid.NewString(),
		QueryRaw:           queryRaw,
		QueryNormalized:    textproc.NormalizeQuery(queryRaw),
		PredictedDoc:       predictedDoc,
		Engine:             engine,
		RawConfidence:      rawConf,
		AdjustedConfidence: adjustedConf,
		Timestamp:          time.Now().UTC(),
	}

	if l.store == nil {
		return
	}
	if err := l.store.AppendPrediction(ctx, rec); err != nil {
		l.markDegraded("prediction append failed", err)
	}
}

// RecordCorrection applies a user correction.
//
// # Description
//
// Computes is_correct = (predicted == actual), appends a
// CorrectionRecord, and atomically updates QueryDocStats(query, actual),
// DocumentStats(actual), EngineStats(engine), and QueryPattern(query).
// The in-memory update and the returned snapshot always succeed;
// Persisted reports whether the store write also landed.
func (l *Loop) RecordCorrection(ctx context.Context, queryRaw, predictedDoc, actualDoc string, originalConf float64, engine string) CorrectionResult {
	normalized := textproc.NormalizeQuery(queryRaw)
	isCorrect := predictedDoc == actualDoc

	rec := CorrectionRecord{
		ID:                 uuid.NewString(),
		QueryNormalized:    normalized,
		PredictedDoc:       predictedDoc,
		ActualDoc:          actualDoc,
		IsCorrect:          isCorrect,
		OriginalConfidence: originalConf,
		Engine:             engine,
		Timestamp:          time.Now().UTC(),
	}

	l.mu.Lock()
	l.applyCorrectionLocked(rec)
	qd := *l.queryDoc[pairKey(normalized, actualDoc)]
	ds := *l.docs[actualDoc]
	es := *l.engines[engine]
	qp := *l.patterns[normalized]
	wasDirty := l.dirty
	l.mu.Unlock()

	result := CorrectionResult{
		IsCorrect:      isCorrect,
		SuccessRate:    qd.SuccessRate,
		DocAccuracy:    ds.Accuracy,
		EngineAccuracy: es.Accuracy,
		EngineWeight:   es.Weight,
		Persisted:      true,
	}

	if l.store == nil {
		// Memory-only mode: the in-memory state is ground truth, so the
		// correction counts as fully applied.
		return result
	}

	// Persist outside the lock: the write is best-effort and must not
	// stall concurrent classifies.
	err := l.store.ApplyCorrection(ctx, rec, pairKey(normalized, actualDoc), qd, actualDoc, ds, engine, es, normalized, qp)
	if err != nil {
		l.markDegraded("correction persist failed", err)
		result.Persisted = false
		return result
	}

	if wasDirty {
		// A previous write failed; re-sync the whole aggregate state now
		// that the store is reachable again.
		l.retryDirty(ctx)
	}
	return result
}

// applyCorrectionLocked mutates the aggregates. Caller holds l.mu.
func (l *Loop) applyCorrectionLocked(rec CorrectionRecord) {
	l.correctionsTotal++
	if rec.IsCorrect {
		l.correctTotal++
	}

	hit := 0.0
	if rec.IsCorrect {
		hit = 1.0
	}

	// QueryDocStats for (query, actual): counts plus the exponential
	// moving average success rate.
	qd := l.queryDoc[pairKey(rec.QueryNormalized, rec.ActualDoc)]
	if qd == nil {
		qd = &QueryDocStats{SuccessRate: successRateSeed}
		l.queryDoc[pairKey(rec.QueryNormalized, rec.ActualDoc)] = qd
	}
	qd.Total++
	if rec.IsCorrect {
		qd.Correct++
	} else {
		qd.Incorrect++
	}
	alpha := l.cfg.LearningRate
	qd.SuccessRate = alpha*hit + (1-alpha)*qd.SuccessRate

	// DocumentStats for the actual document.
	ds := l.docs[rec.ActualDoc]
	if ds == nil {
		ds = &DocumentStats{Accuracy: successRateSeed}
		l.docs[rec.ActualDoc] = ds
	}
	ds.TimesShown++
	if rec.IsCorrect {
		ds.TimesCorrect++
	}
	ds.Accuracy = float64(ds.TimesCorrect) / float64(ds.TimesShown)

	// EngineStats with the UCB1-style exploration weight.
	es := l.engines[rec.Engine]
	if es == nil {
		es = &EngineStats{Accuracy: successRateSeed, Weight: 1.0}
		l.engines[rec.Engine] = es
	}
	if rec.IsCorrect {
		es.Correct++
	} else {
		es.Incorrect++
	}
	es.TotalPredictions = es.Correct + es.Incorrect
	es.Accuracy = float64(es.Correct) / float64(es.TotalPredictions)
	total := float64(es.TotalPredictions)
	es.Weight = es.Accuracy + math.Sqrt(2*math.Log(total+1)/(total+1))

	// QueryPattern: the best known answer for this query.
	qp := l.patterns[rec.QueryNormalized]
	if qp == nil {
		qp = &QueryPattern{}
		l.patterns[rec.QueryNormalized] = qp
	}
	qp.TotalCount++
	qp.AvgConfidence += (rec.OriginalConfidence - qp.AvgConfidence) / float64(qp.TotalCount)
	if rec.IsCorrect {
		if qp.BestDoc == rec.ActualDoc {
			qp.BestDocCount++
		} else if qp.BestDocCount == 0 {
			qp.BestDoc = rec.ActualDoc
			qp.BestDocCount = 1
		}
	}
}

// BestDocumentFor returns the learned shortcut answer for a query, if
// the same correction has been observed at least twice.
//
// Confidence is 95 + min(5, best_doc_count), capped at 100 — a learned
// answer is near-certain but the cap keeps it an honest percentage.
func (l *Loop) BestDocumentFor(query string) (doc string, confidence float64, ok bool) {
	normalized := textproc.NormalizeQuery(query)

	l.mu.RLock()
	defer l.mu.RUnlock()

	qp := l.patterns[normalized]
	if qp == nil || qp.BestDoc == "" || qp.BestDocCount < shortcutMinCount {
		return "", 0, false
	}

	confidence = 95.0 + math.Min(5.0, float64(qp.BestDocCount))
	if confidence > 100 {
		confidence = 100
	}
	return qp.BestDoc, confidence, true
}

// AdjustConfidence post-processes a raw confidence using historical
// accuracy signals. The result is clamped to [0, 100].
func (l *Loop) AdjustConfidence(query, doc string, rawConf float64, engine string) float64 {
	normalized := textproc.NormalizeQuery(query)
	adjusted := rawConf

	l.mu.RLock()
	defer l.mu.RUnlock()

	// Per (query, doc) success rate with dead zone: only strong signal
	// (outside [0.3, 0.7]) moves the needle.
	if qd := l.queryDoc[pairKey(normalized, doc)]; qd != nil && qd.Total > 0 {
		sr := qd.SuccessRate
		if sr > 0.7 {
			adjusted += l.cfg.ConfidenceBoost * (sr - 0.5)
		} else if sr < 0.3 {
			adjusted -= l.cfg.ConfidencePenalty * (0.5 - sr)
		}
	}

	// Per-document accuracy once it has enough evidence.
	if ds := l.docs[doc]; ds != nil && ds.TimesShown >= 3 {
		adjusted += 5.0 * (ds.Accuracy - 0.5)
	}

	// Per-engine multiplier: an engine at 50% accuracy keeps the score
	// (0.8 + 0.4*0.5 = 1.0); a perfect engine scales by 1.2.
	if es := l.engines[engine]; es != nil && es.TotalPredictions >= 5 {
		adjusted *= 0.8 + 0.4*es.Accuracy
	}

	// Fuzzy-similar fallback: borrow confidence from similar queries
	// whose learned best answer is this document.
	adjusted += l.similarQueryBoostLocked(normalized, doc)

	return math.Max(0, math.Min(100, adjusted))
}

// similarQueryBoostLocked returns up to +5 based on the maximum Jaccard
// word-set similarity against any learned pattern whose best answer is
// doc. Caller holds at least the read lock.
func (l *Loop) similarQueryBoostLocked(normalizedQuery, doc string) float64 {
	querySet := textproc.QueryWordSet(normalizedQuery)

	var maxSim float64
	for patternQuery, qp := range l.patterns {
		if qp.BestDoc != doc || qp.BestDocCount < shortcutMinCount {
			continue
		}
		sim := textproc.JaccardSimilarity(querySet, textproc.QueryWordSet(patternQuery))
		if sim > maxSim {
			maxSim = sim
		}
	}

	if maxSim > 0.5 {
		return 5.0 * (maxSim - 0.5) * 2
	}
	return 0
}

// EngineWeights returns per-engine ensemble weights normalised to sum
// to 1. Engines with no evaluated predictions are omitted.
func (l *Loop) EngineWeights() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	weights := make(map[string]float64, len(l.engines))
	var total float64
	for name, es := range l.engines {
		if es.TotalPredictions > 0 {
			weights[name] = es.Weight
			total += es.Weight
		}
	}
	if total > 0 {
		for name := range weights {
			weights[name] /= total
		}
	}
	return weights
}

// QueryDocStatsFor returns a copy of the stats for one (query, doc)
// pair, if present.
func (l *Loop) QueryDocStatsFor(query, doc string) (QueryDocStats, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	qd := l.queryDoc[pairKey(textproc.NormalizeQuery(query), doc)]
	if qd == nil {
		return QueryDocStats{}, false
	}
	return *qd, true
}

// HighestPriorDocument returns the document with the best accuracy
// prior among documents that have been shown at least once. Used by the
// engine's empty-query fallback. Ties break on higher times_shown, then
// lexicographically smaller path for determinism.
func (l *Loop) HighestPriorDocument() (doc string, accuracy float64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var best string
	var bestStats DocumentStats
	for d, ds := range l.docs {
		if ds.TimesShown == 0 {
			continue
		}
		better := ds.Accuracy > bestStats.Accuracy ||
			(ds.Accuracy == bestStats.Accuracy && ds.TimesShown > bestStats.TimesShown) ||
			(ds.Accuracy == bestStats.Accuracy && ds.TimesShown == bestStats.TimesShown && d < best)
		if best == "" || better {
			best = d
			bestStats = *ds
		}
	}
	return best, bestStats.Accuracy, best != ""
}

// CorrectionsTotal reports how many corrections have been recorded.
func (l *Loop) CorrectionsTotal() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.correctionsTotal
}

// Degraded reports whether any persistence operation failed this
// session.
func (l *Loop) Degraded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.degraded
}

// GetStats returns a snapshot of the aggregate state.
func (l *Loop) GetStats() Stats {
	l.mu.RLock()
	engines := make(map[string]EngineStats, len(l.engines))
	for name, es := range l.engines {
		engines[name] = *es
	}
	s := Stats{
		CorrectionsTotal: l.correctionsTotal,
		CorrectTotal:     l.correctTotal,
		UniqueQueries:    len(l.patterns),
		UniqueDocuments:  len(l.docs),
		EngineStats:      engines,
		MemoryOnly:       l.store == nil,
		PendingPersistence: l.dirty,
	}
	l.mu.RUnlock()

	if s.CorrectionsTotal > 0 {
		s.OverallAccuracy = float64(s.CorrectTotal) / float64(s.CorrectionsTotal)
	}
	s.EngineWeights = l.EngineWeights()
	return s
}

// Flush retries any pending persistence. Call on shutdown.
func (l *Loop) Flush(ctx context.Context) {
	l.mu.RLock()
	dirty := l.dirty
	l.mu.RUnlock()
	if dirty {
		l.retryDirty(ctx)
	}
}

// Rebuild discards the in-memory aggregates and replays the persisted
// correction stream from scratch. The aggregates are fully derived from
// corrections, so this recovers from any aggregate corruption.
func (l *Loop) Rebuild(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	corrections, err := l.store.Corrections(ctx, 0)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.queryDoc = make(map[string]*QueryDocStats)
	l.docs = make(map[string]*DocumentStats)
	l.engines = make(map[string]*EngineStats)
	l.patterns = make(map[string]*QueryPattern)
	l.correctionsTotal = 0
	l.correctTotal = 0
	for _, rec := range corrections {
		l.applyCorrectionLocked(rec)
	}

	l.logger.Info("feedback loop: rebuilt aggregates from correction stream",
		slog.Int("corrections", len(corrections)),
	)
	return nil
}

// retryDirty re-persists the full aggregate state after a failed write.
func (l *Loop) retryDirty(ctx context.Context) {
	if l.store == nil {
		return
	}

	l.mu.RLock()
	snap := AggregateSnapshot{
		QueryDoc:         copyQueryDoc(l.queryDoc),
		Docs:             copyDocs(l.docs),
		Engines:          copyEngines(l.engines),
		Patterns:         copyPatterns(l.patterns),
		CorrectionsTotal: l.correctionsTotal,
		CorrectTotal:     l.correctTotal,
	}
	l.mu.RUnlock()

	if err := l.store.SaveAggregates(ctx, snap); err != nil {
		l.logger.Warn("feedback loop: dirty-state retry failed",
			slog.String("error", err.Error()),
		)
		return
	}

	l.mu.Lock()
	l.dirty = false
	l.mu.Unlock()
	l.logger.Info("feedback loop: pending aggregates persisted")
}

// markDegraded flags the session as degraded and the aggregates as
// needing a re-persist.
func (l *Loop) markDegraded(what string, err error) {
	l.mu.Lock()
	l.dirty = true
	l.degraded = true
	l.mu.Unlock()
	l.logger.Warn("feedback loop: "+what+", in-memory state retained",
		slog.String("error", err.Error()),
	)
}

// pairKey builds the map key for a (query, doc) pair. NUL is safe: it
// can appear in neither a normalised query nor a document path.
func pairKey(normalizedQuery, doc string) string {
	return normalizedQuery + "\x00" + doc
}

func copyQueryDoc(in map[string]*QueryDocStats) map[string]*QueryDocStats {
	out := make(map[string]*QueryDocStats, len(in))
	for k, v := range in {
		c := *v
		out[k] = &c
	}
	return out
}

func copyDocs(in map[string]*DocumentStats) map[string]*DocumentStats {
	out := make(map[string]*DocumentStats, len(in))
	for k, v := range in {
		c := *v
		out[k] = &c
	}
	return out
}

func copyEngines(in map[string]*EngineStats) map[string]*EngineStats {
	out := make(map[string]*EngineStats, len(in))
	for k, v := range in {
		c := *v
		out[k] = &c
	}
	return out
}

func copyPatterns(in map[string]*QueryPattern) map[string]*QueryPattern {
	out := make(map[string]*QueryPattern, len(in))
	for k, v := range in {
		c := *v
		out[k] = &c
	}
	return out
}
