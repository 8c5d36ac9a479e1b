// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists finalized conversation turns.
//
// The gateway core only ever hands this package fully sanitized,
// finalized content; raw generator output and unredacted rationale never
// reach it.
package store

import (
	"context"
	"time"
)

// Role identifies the author of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted conversation turn.
type Message struct {
	ID                string
	ConversationScope string
	Seq               int
	Role              Role
	Content           string
	TokensUsed        int
	CreatedAt         time.Time
}

// MessageStore is the persistence collaborator for finalized turns.
//
// # Description
//
// Implementations append messages under a conversation scope with a
// monotonically increasing sequence. Persist is called only with
// sanitized, finalized content, after the stream has completed
// successfully.
type MessageStore interface {
	// Persist appends one finalized message to the conversation scope.
	Persist(ctx context.Context, scope string, role Role, content string, tokensUsed int) (*Message, error)

	// List returns all messages for a scope ordered by sequence.
	List(ctx context.Context, scope string) ([]Message, error)
}
