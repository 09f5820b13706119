// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classify exposes the hybrid classification engine over HTTP.
package classify

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/erratalab/classifier/services/classify/engine"
)

// Error codes returned to API clients.
const (
	CodeNotReady       = "NOT_READY"
	CodeBadQuery       = "BAD_QUERY"
	CodeBadRequest     = "BAD_REQUEST"
	CodeInternal       = "INTERNAL"
	CodePartialSuccess = "PARTIAL_SUCCESS"
)

// Handlers holds the HTTP handlers around one engine instance. The
// engine is passed in explicitly — there is no package-level singleton.
type Handlers struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewHandlers creates the handler set for an engine.
func NewHandlers(e *engine.Engine, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: e, logger: logger}
}

// classifyRequest is the POST /v1/classify body. ErrorMessage is not
// bind-required: an empty query must reach the engine and come back as
// BAD_QUERY, not as a generic binding failure.
type classifyRequest struct {
	ErrorMessage string `json:"error_message"`
	// Method is accepted for forward compatibility; only the hybrid
	// method is implemented.
	Method string `json:"method"`
}

// topNRequest is the POST /v1/classify/topn body.
type topNRequest struct {
	ErrorMessage string `json:"error_message" binding:"required"`
	N            int    `json:"n"`
}

// teachRequest is the POST /v1/teach body.
type teachRequest struct {
	ErrorMessage   string `json:"error_message" binding:"required"`
	CorrectDocPath string `json:"correct_doc_path" binding:"required"`
}

// HandleClassify classifies a free-text error message.
//
// POST /v1/classify
func (h *Handlers) HandleClassify(c *gin.Context) {
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": CodeBadRequest})
		return
	}

	res, err := h.engine.Classify(c.Request.Context(), req.ErrorMessage)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}

	if req.Method != "" && req.Method != engine.EngineID {
		if res.Warning != "" {
			res.Warning += "; "
		}
		res.Warning += "method " + req.Method + " is not implemented; hybrid was used"
	}
	res.DocPath = filepath.ToSlash(res.DocPath)
	c.JSON(http.StatusOK, res)
}

// HandleTopN returns the n best candidates for a query.
//
// POST /v1/classify/topn
func (h *Handlers) HandleTopN(c *gin.Context) {
	var req topNRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": CodeBadRequest})
		return
	}

	candidates, err := h.engine.TopN(c.Request.Context(), req.ErrorMessage, req.N)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}

// HandleExplain breaks the top answer for a query into its signals.
//
// GET /v1/classify/explain?q=...
func (h *Handlers) HandleExplain(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing q parameter", "code": CodeBadRequest})
		return
	}

	exp, err := h.engine.ExplainRanking(c.Request.Context(), query)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, exp)
}

// HandleTeach records a user correction.
//
// POST /v1/teach
func (h *Handlers) HandleTeach(c *gin.Context) {
	var req teachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": CodeBadRequest})
		return
	}

	res, err := h.engine.Teach(c.Request.Context(), req.ErrorMessage, req.CorrectDocPath)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}

	if res.Retryable {
		c.JSON(http.StatusOK, gin.H{
			"ok":        true,
			"message":   res.Message,
			"code":      CodePartialSuccess,
			"retryable": true,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": res.Ok, "message": res.Message})
}

// HandleStatus reports engine health and accounting.
//
// GET /v1/status
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

// HandleReindex rebuilds the index from the corpus directory.
//
// POST /v1/reindex
func (h *Handlers) HandleReindex(c *gin.Context) {
	if err := h.engine.Index(c.Request.Context()); err != nil {
		if engine.IsNotReady(err) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": CodeNotReady})
			return
		}
		h.logger.Error("reindex failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": CodeInternal})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "documents": h.engine.DocumentCount()})
}

// HandleHealth is the liveness probe.
//
// GET /v1/health
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeEngineError maps engine error kinds to HTTP responses.
func (h *Handlers) writeEngineError(c *gin.Context, err error) {
	switch {
	case engine.IsNotReady(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "code": CodeNotReady})
	case errors.Is(err, engine.ErrBadQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": CodeBadQuery})
	default:
		h.logger.Error("classification failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": CodeInternal})
	}
}
