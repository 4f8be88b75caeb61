package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/stage"
)

// GetConversation loads the record for senderID.
func (s *Store) GetConversation(ctx context.Context, senderID string) (*stage.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sender_id, display_name, conversation_title, source_app, stage,
		       interaction_count, last_replied_at, created_at
		FROM conversations WHERE sender_id = ?`, senderID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// UpsertConversation writes c, replacing any existing record.
func (s *Store) UpsertConversation(ctx context.Context, c *stage.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (sender_id, display_name, conversation_title, source_app,
		                           stage, interaction_count, last_replied_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sender_id) DO UPDATE SET
			display_name = excluded.display_name,
			conversation_title = excluded.conversation_title,
			source_app = excluded.source_app,
			stage = excluded.stage,
			interaction_count = excluded.interaction_count,
			last_replied_at = excluded.last_replied_at`,
		c.SenderID, c.DisplayName, c.ConversationTitle, c.SourceApp,
		int(c.Stage), c.InteractionCount, toMillis(c.LastRepliedAt), toMillis(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// ListConversations returns every conversation, most recently replied first.
func (s *Store) ListConversations(ctx context.Context) ([]stage.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id, display_name, conversation_title, source_app, stage,
		       interaction_count, last_replied_at, created_at
		FROM conversations ORDER BY last_replied_at DESC, sender_id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []stage.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(sc scanner) (*stage.Conversation, error) {
	var (
		c                  stage.Conversation
		st                 int
		lastReplied, since int64
	)
	if err := sc.Scan(&c.SenderID, &c.DisplayName, &c.ConversationTitle, &c.SourceApp,
		&st, &c.InteractionCount, &lastReplied, &since); err != nil {
		return nil, err
	}
	c.Stage = stage.Stage(st)
	c.LastRepliedAt = fromMillis(lastReplied)
	c.CreatedAt = fromMillis(since)
	return &c, nil
}
