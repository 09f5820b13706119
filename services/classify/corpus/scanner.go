// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package corpus scans the on-disk documentation tree and produces the
// document set the engine indexes.
//
// The layout contract: each leaf is a UTF-8 markdown file, the
// penultimate path component names the service, the file stem names the
// error category. Example:
//
//	services/logitrack/NEGATIVE_VALUE.md → service "logitrack",
//	category "NEGATIVE_VALUE".
package corpus

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmparser "github.com/yuin/goldmark/parser"
	gmtext "github.com/yuin/goldmark/text"
	"golang.org/x/sync/errgroup"
)

// loadConcurrency bounds parallel document reads during a scan.
const loadConcurrency = 8

// Document is one scanned corpus document.
type Document struct {
	// Path is the document's path relative to the corpus root, always
	// with forward slashes. This is the doc_path key used everywhere:
	// store, cache, feedback, and API responses.
	Path string

	// Content is the raw markdown file content.
	Content string

	// IndexText is the plain text extracted from the markdown AST —
	// what the vectoriser and ranker actually see. Formatting
	// punctuation mostly disappears in tokenisation anyway, but AST
	// extraction also drops link targets and HTML noise.
	IndexText string

	Service  string
	Category string
}

// Scanner walks a corpus root directory for markdown documents.
//
// # Thread Safety
//
// Safe for concurrent use; each Scan call is independent.
type Scanner struct {
	root   string
	parser gmparser.Parser
}

// NewScanner creates a scanner over the given root directory.
func NewScanner(root string) *Scanner {
	return &Scanner{
		root:   root,
		parser: goldmark.DefaultParser(),
	}
}

// Scan walks the tree, reads every .md leaf, and returns documents
// sorted by path for deterministic downstream indexing.
//
// # Outputs
//
//   - []Document: Sorted scan result. Empty (not nil error) for a root
//     that exists but contains no markdown.
//   - error: Non-nil when the root is missing/unreadable or any file
//     read fails — a partially read corpus must not be indexed.
func (s *Scanner) Scan(ctx context.Context) ([]Document, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".md") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan corpus %q: %w", s.root, err)
	}
	sort.Strings(paths)

	docs := make([]Document, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, loadConcurrency)

	for i, path := range paths {
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := gctx.Err(); err != nil {
				return err
			}

			raw, readErr := os.ReadFile(path)
			if readErr != nil {
				return fmt.Errorf("read %q: %w", path, readErr)
			}

			rel, relErr := filepath.Rel(s.root, path)
			if relErr != nil {
				return fmt.Errorf("relativize %q: %w", path, relErr)
			}
			relSlash := filepath.ToSlash(rel)

			service, category := splitServiceCategory(relSlash)
			docs[i] = Document{
				Path:      relSlash,
				Content:   string(raw),
				IndexText: s.extractText(raw),
				Service:   service,
				Category:  category,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan corpus %q: %w", s.root, err)
	}
	return docs, nil
}

// splitServiceCategory derives (service, category) from a slash path.
// The penultimate component is the service; the file stem is the
// category. A file directly under the root has an empty service.
func splitServiceCategory(relSlash string) (service, category string) {
	dir, file := "", relSlash
	if idx := strings.LastIndex(relSlash, "/"); idx >= 0 {
		dir, file = relSlash[:idx], relSlash[idx+1:]
	}
	if idx := strings.LastIndex(dir, "/"); idx >= 0 {
		dir = dir[idx+1:]
	}
	category = strings.TrimSuffix(file, filepath.Ext(file))
	return dir, category
}

// extractText walks the markdown AST and collects the plain text of
// headings, paragraphs, list items, and code blocks.
func (s *Scanner) extractText(source []byte) string {
	doc := s.parser.Parse(gmtext.NewReader(source))

	var sb strings.Builder
	_ = ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := node.(type) {
		case *ast.Text:
			sb.Write(n.Segment.Value(source))
			sb.WriteByte(' ')
		case *ast.FencedCodeBlock:
			writeLines(&sb, n, source)
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			writeLines(&sb, n, source)
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

func writeLines(sb *strings.Builder, node ast.Node, source []byte) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
		sb.WriteByte(' ')
	}
}
