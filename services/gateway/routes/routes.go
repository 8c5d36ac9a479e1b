// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianRelay/services/gateway/cache"
	"github.com/AleutianAI/AleutianRelay/services/gateway/handlers"
	"github.com/AleutianAI/AleutianRelay/services/gateway/middleware"
)

// SetupRoutes registers all gateway routes on the router.
//
// /health and /metrics are unauthenticated; everything under /v1
// requires a resolved user.
func SetupRoutes(
	router *gin.Engine,
	chatHandler handlers.StreamingChatHandler,
	responseCache *cache.ResponseCache,
	resolver middleware.UserResolver,
) {
	router.GET("/health", handlers.HealthCheck(responseCache))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(resolver))
	{
		v1.POST("/chat/stream", chatHandler.HandleChatStream)
		v1.DELETE("/cache/invalidate", chatHandler.HandleCacheInvalidate)
	}
}
