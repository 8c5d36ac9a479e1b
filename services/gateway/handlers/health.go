// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/gateway/cache"
)

// HealthCheck reports service liveness and cache counters.
//
// Returns 200 with a small JSON body. The cache stats are informational;
// the endpoint never fails while the process is up.
func HealthCheck(responseCache *cache.ResponseCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if responseCache != nil {
			s := responseCache.Stats()
			body["cache"] = gin.H{
				"hits":          s.Hits,
				"misses":        s.Misses,
				"computes":      s.Computes,
				"attaches":      s.Attaches,
				"corruptions":   s.Corruptions,
				"invalidations": s.Invalidations,
			}
		}
		c.JSON(http.StatusOK, body)
	}
}
