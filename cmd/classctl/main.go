// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command classctl drives the classification engine from the command
// line, against the same corpus and data directory the server uses.
// Useful for batch indexing, smoke-testing a corpus, and seeding
// corrections without a running server.
//
// Usage:
//
//	classctl index    --corpus ./docs --data ./data
//	classctl classify --corpus ./docs --data ./data "quantity: -5 validation failed"
//	classctl teach    --corpus ./docs --data ./data "schema validation failed" services/skyguard/SCHEMA_VALIDATION.md
//	classctl status   --corpus ./docs --data ./data
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/erratalab/classifier/services/classify/cache"
	"github.com/erratalab/classifier/services/classify/corpus"
	"github.com/erratalab/classifier/services/classify/engine"
	"github.com/erratalab/classifier/services/classify/feedback"
	badgerstore "github.com/erratalab/classifier/services/classify/storage/badger"
	"github.com/erratalab/classifier/services/classify/store"
)

var (
	flagCorpus string
	flagData   string
	flagTopN   int
)

func main() {
	root := &cobra.Command{
		Use:           "classctl",
		Short:         "Drive the error-classification engine offline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagCorpus, "corpus", "docs", "corpus root directory")
	root.PersistentFlags().StringVar(&flagData, "data", "", "BadgerDB data directory (empty = no persistence)")

	classifyCmd := &cobra.Command{
		Use:   "classify <error message>",
		Short: "Classify an error message against the corpus",
		Args:  cobra.ExactArgs(1),
		RunE:  runClassify,
	}
	classifyCmd.Flags().IntVar(&flagTopN, "top", 0, "also print the top N candidates")

	root.AddCommand(
		&cobra.Command{
			Use:   "index",
			Short: "Build (or refresh) the index and persist vectors",
			Args:  cobra.NoArgs,
			RunE:  runIndex,
		},
		classifyCmd,
		&cobra.Command{
			Use:   "teach <error message> <correct doc path>",
			Short: "Record a correction for an error message",
			Args:  cobra.ExactArgs(2),
			RunE:  runTeach,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print engine status and feedback statistics",
			Args:  cobra.NoArgs,
			RunE:  runStatus,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// session wires an engine for one CLI invocation.
type session struct {
	engine *engine.Engine
	db     *badgerstore.DB
}

func openSession(ctx context.Context) (*session, error) {
	var (
		db     *badgerstore.DB
		vstore *store.VectorStore
		fstore *feedback.Store
		err    error
	)
	if flagData != "" {
		cfg := badgerstore.DefaultConfig()
		cfg.Path = flagData
		db, err = badgerstore.OpenDB(cfg)
		if err != nil {
			return nil, fmt.Errorf("open data directory: %w", err)
		}
		vstore = store.NewVectorStore(db, nil)
		fstore = feedback.NewStore(db, nil)
	}

	loop := feedback.NewLoop(ctx, feedback.DefaultConfig(), fstore, nil)
	qcache := cache.NewQueryCache(db, 0, nil)
	e := engine.New(engine.DefaultEngineConfig(), corpus.NewScanner(flagCorpus), vstore, qcache, loop, nil)

	if err := e.Index(ctx); err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, fmt.Errorf("index: %w", err)
	}
	return &session{engine: e, db: db}, nil
}

func (s *session) close(ctx context.Context) {
	s.engine.Flush(ctx)
	if s.db != nil {
		_ = s.db.Close()
	}
}

func runIndex(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	fmt.Printf("Indexed %d documents from %s\n", s.engine.DocumentCount(), flagCorpus)
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	res, err := s.engine.Classify(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s  (%.2f%%, %s)\n", res.DocPath, res.Confidence, res.Source)
	if res.Warning != "" {
		fmt.Println("warning:", res.Warning)
	}

	if flagTopN > 0 {
		candidates, err := s.engine.TopN(ctx, args[0], flagTopN)
		if err != nil {
			return err
		}
		for i, c := range candidates {
			fmt.Printf("  %d. %s/%s  %.2f%%\n", i+1, c.Service, c.Category, c.Confidence)
		}
	}
	return nil
}

func runTeach(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	res, err := s.engine.Teach(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Println(res.Message)
	if res.Retryable {
		slog.Warn("correction not yet persisted; the aggregates are written again on exit")
	}
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	raw, err := json.MarshalIndent(s.engine.Status(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
