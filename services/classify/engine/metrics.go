// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	classifyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "classifier",
		Subsystem: "engine",
		Name:      "classify_latency_seconds",
		Help:      "Classify end-to-end latency",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	classifySourceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classifier",
		Subsystem: "engine",
		Name:      "classify_source_total",
		Help:      "Answer source: cache, learned, hybrid, or prior",
	}, []string{"source"})

	classifyErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classifier",
		Subsystem: "engine",
		Name:      "classify_errors_total",
		Help:      "Classification failures by kind",
	}, []string{"kind"})

	teachTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classifier",
		Subsystem: "engine",
		Name:      "teach_total",
		Help:      "Teach operations by outcome: correct, corrected, or partial (persistence pending)",
	}, []string{"outcome"})

	indexDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "classifier",
		Subsystem: "engine",
		Name:      "index_duration_seconds",
		Help:      "Full index build or load duration",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	indexedDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "classifier",
		Subsystem: "engine",
		Name:      "indexed_documents",
		Help:      "Number of documents in the active index",
	})
)
