// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the gateway service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header, resolves it to a user ID via the configured UserResolver, and
// stores the ID in the Gin context for downstream handlers. Resolution
// happens before any limiter is consulted, since both limiters key on
// the resolved user.
//
// # Open Source Behavior
//
// With NopResolver (the default), all requests resolve to "local-user".
// This keeps a local single-user deployment working without any identity
// infrastructure. Real deployments plug in a resolver backed by their
// identity provider; token issuance itself happens outside this service.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// userIDKey is the gin context key for the resolved user ID.
// Using a service-prefixed key prevents collisions with other middleware.
const userIDKey = "relay_user_id"

// ErrUnauthenticated is returned by resolvers when a token is missing,
// malformed, or unknown.
var ErrUnauthenticated = errors.New("middleware: unauthenticated")

// UserResolver resolves a bearer token to a stable user identity.
type UserResolver interface {
	// Resolve returns the user ID for a token, or ErrUnauthenticated.
	Resolve(ctx context.Context, token string) (string, error)
}

// NopResolver authenticates every request as "local-user".
type NopResolver struct{}

// Resolve implements UserResolver.
func (NopResolver) Resolve(ctx context.Context, token string) (string, error) {
	return "local-user", nil
}

// AuthMiddleware resolves the requesting user and aborts unauthenticated
// requests with 401.
func AuthMiddleware(resolver UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.GetHeader("Authorization"))

		userID, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"kind":  "unauthenticated",
				"error": "authentication required",
			})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// GetUserID returns the resolved user ID stored by AuthMiddleware.
func GetUserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// extractBearerToken pulls the token out of an Authorization header.
// Returns "" when the header is absent or not a bearer scheme.
func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
