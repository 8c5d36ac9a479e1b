// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// tokenMapResolver resolves only the tokens it knows.
type tokenMapResolver struct {
	users map[string]string
}

func (r tokenMapResolver) Resolve(ctx context.Context, token string) (string, error) {
	if id, ok := r.users[token]; ok {
		return id, nil
	}
	return "", ErrUnauthenticated
}

func authedRouter(resolver UserResolver) *gin.Engine {
	router := gin.New()
	router.GET("/whoami", AuthMiddleware(resolver), func(c *gin.Context) {
		userID, ok := GetUserID(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no user in context"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": userID})
	})
	return router
}

func TestAuthMiddleware_NopResolverAdmitsEveryone(t *testing.T) {
	router := authedRouter(NopResolver{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "local-user", resp["user"])
}

func TestAuthMiddleware_ResolvesBearerToken(t *testing.T) {
	router := authedRouter(tokenMapResolver{users: map[string]string{"tok-1": "alice"}})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp["user"])
}

func TestAuthMiddleware_RejectsUnknownToken(t *testing.T) {
	router := authedRouter(tokenMapResolver{users: map[string]string{}})

	tests := []struct {
		name   string
		header string
	}{
		{name: "no header", header: ""},
		{name: "unknown token", header: "Bearer nope"},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "unauthenticated", resp["kind"])
		})
	}
}

func TestGetUserID_AbsentWithoutMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	_, ok := GetUserID(c)
	assert.False(t, ok)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{header: "Bearer abc123", want: "abc123"},
		{header: "Bearer  padded ", want: "padded"},
		{header: "bearer abc123", want: ""},
		{header: "Basic abc123", want: ""},
		{header: "", want: ""},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, extractBearerToken(tc.header), "header %q", tc.header)
	}
}
