// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all classifier routes with the router.
//
// Description:
//
//	Registers the classify/teach/status endpoints with the given Gin
//	router group. The router group should already have any required
//	middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/classify         - Classify an error message
//	POST /v1/classify/topn    - Top-N candidates for an error message
//	GET  /v1/classify/explain - Per-signal score breakdown
//	POST /v1/teach            - Record a user correction
//	GET  /v1/status           - Engine health and accounting
//	POST /v1/reindex          - Rebuild the index from the corpus
//	GET  /v1/health           - Liveness probe
//
// Example:
//
//	e := engine.New(...)
//	handlers := classify.NewHandlers(e, slog.Default())
//
//	v1 := router.Group("/v1")
//	classify.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	classify := rg.Group("/classify")
	{
		classify.POST("", handlers.HandleClassify)
		classify.POST("/topn", handlers.HandleTopN)
		classify.GET("/explain", handlers.HandleExplain)
	}

	rg.POST("/teach", handlers.HandleTeach)
	rg.GET("/status", handlers.HandleStatus)
	rg.POST("/reindex", handlers.HandleReindex)
	rg.GET("/health", handlers.HandleHealth)
}
