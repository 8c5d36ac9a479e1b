// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed MessageStore.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore connects a pool to the given DSN.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &PGStore{db: pool}, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.db.Close()
}

// CreateSchema creates the messages table if it does not exist.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS relay_messages (
			id          UUID PRIMARY KEY,
			scope       TEXT NOT NULL,
			seq         INT NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL,
			tokens_used INT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (scope, seq)
		);
		CREATE INDEX IF NOT EXISTS relay_messages_scope_idx ON relay_messages (scope);
	`)
	if err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// Persist appends a message to a scope with auto-incremented seq.
func (s *PGStore) Persist(ctx context.Context, scope string, role Role, content string, tokensUsed int) (*Message, error) {
	msg := &Message{
		ID:                uuid.New().String(),
		ConversationScope: scope,
		Role:              role,
		Content:           content,
		TokensUsed:        tokensUsed,
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO relay_messages (id, scope, seq, role, content, tokens_used)
		 VALUES ($1, $2, COALESCE((SELECT MAX(seq) FROM relay_messages WHERE scope = $2), 0) + 1, $3, $4, $5)
		 RETURNING seq, created_at`,
		msg.ID, scope, string(role), content, tokensUsed,
	).Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: persist message: %w", err)
	}

	return msg, nil
}

// List returns all messages for a scope ordered by seq.
func (s *PGStore) List(ctx context.Context, scope string) ([]Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, scope, seq, role, content, tokens_used, created_at
		 FROM relay_messages WHERE scope = $1 ORDER BY seq ASC`,
		scope,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.ConversationScope, &msg.Seq, &role,
			&msg.Content, &msg.TokensUsed, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msg.Role = Role(role)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}

	return messages, nil
}

// Ensure PGStore implements MessageStore at compile time.
var _ MessageStore = (*PGStore)(nil)
