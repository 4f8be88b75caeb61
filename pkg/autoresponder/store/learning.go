package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/learning"
)

// AppendTurn stores one transcript turn.
func (s *Store) AppendTurn(ctx context.Context, t learning.Turn) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (sender_id, role, content, product_context, at)
		VALUES (?, ?, ?, ?, ?)`,
		t.SenderID, string(t.Role), t.Content, t.ProductContext, toMillis(t.At))
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// RecentTurns returns at most limit turns for senderID, most recent first.
// Turns are ordered by insertion, which is transcript order.
func (s *Store) RecentTurns(ctx context.Context, senderID string, limit int) ([]learning.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id, role, content, product_context, at
		FROM conversation_turns
		WHERE sender_id = ?
		ORDER BY id DESC
		LIMIT ?`, senderID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var out []learning.Turn
	for rows.Next() {
		var (
			t    learning.Turn
			role string
			at   int64
		)
		if err := rows.Scan(&t.SenderID, &role, &t.Content, &t.ProductContext, &at); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = learning.Role(role)
		t.At = fromMillis(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// TrimTurns keeps only the keep most recent turns of senderID.
func (s *Store) TrimTurns(ctx context.Context, senderID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_turns
		WHERE sender_id = ? AND id NOT IN (
			SELECT id FROM conversation_turns
			WHERE sender_id = ?
			ORDER BY id DESC
			LIMIT ?
		)`, senderID, senderID, keep)
	if err != nil {
		return fmt.Errorf("trim turns: %w", err)
	}
	return nil
}

// UpsertExample inserts e or increments the success count of the existing
// (counterpart message, reply) pair.
func (s *Store) UpsertExample(ctx context.Context, e learning.Example) error {
	count := e.SuccessCount
	if count < 1 {
		count = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO success_examples (counterpart_message, reply, kind, product_context, success_count, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(counterpart_message, reply) DO UPDATE SET
			success_count = success_count + 1,
			kind = excluded.kind,
			last_seen_at = excluded.last_seen_at`,
		e.CounterpartMessage, e.Reply, e.Kind, e.ProductContext, count, toMillis(e.LastSeenAt))
	if err != nil {
		return fmt.Errorf("upsert example: %w", err)
	}
	return nil
}

// TopExamples returns the highest-success examples. When productContext
// is set, examples recorded for that product rank first.
func (s *Store) TopExamples(ctx context.Context, productContext string, limit int) ([]learning.Example, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT counterpart_message, reply, kind, product_context, success_count, last_seen_at
		FROM success_examples
		ORDER BY (? != '' AND product_context = ?) DESC, success_count DESC, last_seen_at DESC, id
		LIMIT ?`, productContext, productContext, limit)
	if err != nil {
		return nil, fmt.Errorf("top examples: %w", err)
	}
	defer rows.Close()

	var out []learning.Example
	for rows.Next() {
		var (
			e    learning.Example
			seen int64
		)
		if err := rows.Scan(&e.CounterpartMessage, &e.Reply, &e.Kind, &e.ProductContext, &e.SuccessCount, &seen); err != nil {
			return nil, fmt.Errorf("scan example: %w", err)
		}
		e.LastSeenAt = fromMillis(seen)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddMark records a sent reply fingerprint.
func (s *Store) AddMark(ctx context.Context, m learning.Mark) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recent_replies (sender_id, fingerprint, text, sent_at)
		VALUES (?, ?, ?, ?)`,
		m.SenderID, m.Fingerprint, m.Text, toMillis(m.SentAt))
	if err != nil {
		return fmt.Errorf("add mark: %w", err)
	}
	return nil
}

// HasMark reports whether senderID has a mark with fingerprint.
func (s *Store) HasMark(ctx context.Context, senderID, fingerprint string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recent_replies WHERE sender_id = ? AND fingerprint = ?`,
		senderID, fingerprint).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has mark: %w", err)
	}
	return n > 0, nil
}

// RecentMarks returns at most limit marks for senderID, most recent first.
func (s *Store) RecentMarks(ctx context.Context, senderID string, limit int) ([]learning.Mark, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, text, sender_id, sent_at
		FROM recent_replies
		WHERE sender_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`, senderID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent marks: %w", err)
	}
	defer rows.Close()

	var out []learning.Mark
	for rows.Next() {
		var (
			m    learning.Mark
			sent int64
		)
		if err := rows.Scan(&m.Fingerprint, &m.Text, &m.SenderID, &sent); err != nil {
			return nil, fmt.Errorf("scan mark: %w", err)
		}
		m.SentAt = fromMillis(sent)
		out = append(out, m)
	}
	return out, rows.Err()
}

// PurgeMarks deletes marks sent before the cutoff.
func (s *Store) PurgeMarks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recent_replies WHERE sent_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("purge marks: %w", err)
	}
	return res.RowsAffected()
}
