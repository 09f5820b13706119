// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command classifier starts the error-classification API server.
//
// The server indexes a markdown documentation corpus and classifies
// free-text error messages against it with hybrid TF-IDF + BM25
// retrieval, adapting its confidence from user corrections over time.
//
// Usage:
//
//	go run ./cmd/classifier -corpus ./docs
//	go run ./cmd/classifier -corpus ./docs -port 9090 -data ~/.classifier/data
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/health
//
//	# Classify an error message
//	curl -X POST http://localhost:8080/v1/classify \
//	  -H "Content-Type: application/json" \
//	  -d '{"error_message": "quantity: -5 validation failed"}'
//
//	# Teach a correction
//	curl -X POST http://localhost:8080/v1/teach \
//	  -H "Content-Type: application/json" \
//	  -d '{"error_message": "schema validation failed", "correct_doc_path": "services/skyguard/SCHEMA_VALIDATION.md"}'
//
//	# Engine status and feedback statistics
//	curl http://localhost:8080/v1/status | jq
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/erratalab/classifier/services/classify"
	"github.com/erratalab/classifier/services/classify/cache"
	classifyconfig "github.com/erratalab/classifier/services/classify/config"
	"github.com/erratalab/classifier/services/classify/corpus"
	"github.com/erratalab/classifier/services/classify/engine"
	"github.com/erratalab/classifier/services/classify/feedback"
	badgerstore "github.com/erratalab/classifier/services/classify/storage/badger"
	"github.com/erratalab/classifier/services/classify/store"
	"github.com/erratalab/classifier/services/classify/vectorize"
)

func main() {
	configPath := flag.String("config", "classifier.yaml", "Path to the YAML config file")
	corpusDir := flag.String("corpus", "", "Corpus root directory (overrides config)")
	dataDir := flag.String("data", "", "BadgerDB data directory (overrides config when set)")
	port := flag.Int("port", 0, "Port to listen on (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := classifyconfig.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *corpusDir != "" {
		cfg.CorpusDir = *corpusDir
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *port != 0 {
		cfg.Port = *port
	}

	if _, err := os.Stat(cfg.CorpusDir); err != nil {
		slog.Error("Corpus directory unreadable", slog.String("path", cfg.CorpusDir), slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext propagation so trace context flows from incoming
	// headers through all handlers.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Open the service BadgerDB. Graceful degradation: if unavailable,
	// the engine runs with an in-memory feedback loop and no vector
	// persistence.
	var db *badgerstore.DB
	if cfg.DataDir != "" {
		bcfg := badgerstore.DefaultConfig()
		bcfg.Path = cfg.DataDir
		db, err = badgerstore.OpenDB(bcfg)
		if err != nil {
			slog.Warn("BadgerDB unavailable, running without persistence",
				slog.String("path", cfg.DataDir),
				slog.String("error", err.Error()),
			)
			db = nil
		} else {
			slog.Info("BadgerDB opened", slog.String("path", cfg.DataDir))
		}
	} else {
		slog.Warn("No data directory configured, running without persistence")
	}

	e := buildEngine(cfg, db)

	indexCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := e.Index(indexCtx); err != nil {
		// An empty corpus is survivable: classify returns NOT_READY
		// until documents appear and /v1/reindex is called.
		slog.Warn("Initial indexing failed", slog.String("error", err.Error()))
	}
	cancel()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("classifier"))
	if *debug {
		router.Use(gin.Logger())
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	classify.RegisterRoutes(v1, classify.NewHandlers(e, slog.Default()))

	printBanner(cfg.Port, e.DocumentCount())

	// Graceful shutdown: flush pending feedback persistence, close the DB.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		slog.Info("Shutting down classifier server")
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		e.Flush(flushCtx)
		flushCancel()
		if db != nil {
			if err := db.Close(); err != nil {
				slog.Warn("Failed to close BadgerDB", slog.String("error", err.Error()))
			}
		}
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("Starting classifier server", slog.String("address", addr))
	if err := router.Run(addr); err != nil {
		slog.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildEngine wires the engine from configuration and an optional DB.
func buildEngine(cfg classifyconfig.Config, db *badgerstore.DB) *engine.Engine {
	var (
		vstore *store.VectorStore
		fstore *feedback.Store
	)
	if db != nil {
		vstore = store.NewVectorStore(db, slog.Default())
		fstore = feedback.NewStore(db, slog.Default())
	}

	var cacheDB *badgerstore.DB
	if !cfg.Cache.Disabled {
		cacheDB = db
	}
	qcache := cache.NewQueryCache(cacheDB, cfg.CacheTTL(), slog.Default())

	loopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	loop := feedback.NewLoop(loopCtx, feedback.Config{
		LearningRate:      cfg.Feedback.LearningRate,
		ConfidenceBoost:   cfg.Feedback.ConfidenceBoost,
		ConfidencePenalty: cfg.Feedback.ConfidencePenalty,
	}, fstore, slog.Default())

	ecfg := engine.DefaultEngineConfig()
	ecfg.TFIDF = vectorize.TFIDFConfig{
		MaxFeatures: cfg.Search.MaxFeatures,
		MinDF:       1,
		MaxDF:       1.0,
		NGramMin:    1,
		NGramMax:    2,
	}
	ecfg.TFIDFWeight = cfg.Search.TFIDFWeight
	ecfg.BM25Weight = cfg.Search.BM25Weight
	ecfg.BM25K1 = cfg.Search.BM25K1
	ecfg.BM25B = cfg.Search.BM25B

	return engine.New(ecfg, corpus.NewScanner(cfg.CorpusDir), vstore, qcache, loop, slog.Default())
}

func printBanner(port, docCount int) {
	banner := `
╔═══════════════════════════════════════════════════════════════╗
║                   ERROR CLASSIFIER SERVER                     ║
╠═══════════════════════════════════════════════════════════════╣
║  Hybrid TF-IDF + BM25 retrieval with adaptive feedback.       ║
║                                                               ║
║  Indexed documents: %-6d                                    ║
║                                                               ║
║  Endpoints:                                                   ║
║  ├── POST /v1/classify          classify an error message     ║
║  ├── POST /v1/classify/topn     ranked candidates             ║
║  ├── GET  /v1/classify/explain  score breakdown               ║
║  ├── POST /v1/teach             record a correction           ║
║  ├── GET  /v1/status            health and statistics         ║
║  ├── POST /v1/reindex           rebuild the index             ║
║  └── GET  /metrics              Prometheus metrics            ║
║                                                               ║
║  Listening on :%-5d   Press Ctrl+C to stop                   ║
╚═══════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, docCount, port)
}
