package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/activity"
)

// InsertActivity stores a pending record.
func (s *Store) InsertActivity(ctx context.Context, r *activity.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, sender_id, display_name, source_app, message, stage,
		                          status, reason, reply, provenance, tokens, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SenderID, r.DisplayName, r.SourceApp, r.Message, r.Stage,
		string(r.Status), r.Reason, r.Reply, r.Provenance, r.Tokens, r.Error, toMillis(r.StartedAt))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// FinishActivity fills the terminal fields of a pending record. A record
// that is missing or already final yields ErrNotFound.
func (s *Store) FinishActivity(ctx context.Context, id string, o activity.Outcome, finishedAt time.Time) error {
	fin := toMillis(finishedAt)
	res, err := s.db.ExecContext(ctx, `
		UPDATE activity_log SET
			status = ?, stage = ?, reason = ?, reply = ?, provenance = ?, tokens = ?, error = ?,
			finished_at = ?, duration_ms = MAX(? - started_at, 0)
		WHERE id = ? AND status = ?`,
		string(o.Status), o.Stage, o.Reason, o.Reply, o.Provenance, o.Tokens, o.Error,
		fin, fin, id, string(activity.StatusPending))
	if err != nil {
		return fmt.Errorf("finish activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish activity: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish activity %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetActivity loads a single record.
func (s *Store) GetActivity(ctx context.Context, id string) (*activity.Record, error) {
	rows, err := s.db.QueryContext(ctx, activitySelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get activity: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get activity: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanActivity(rows)
}

// ListActivity returns at most limit records, most recent first.
func (s *Store) ListActivity(ctx context.Context, limit int) ([]activity.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, activitySelect+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []activity.Record
	for rows.Next() {
		r, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// PruneActivity deletes records started before the cutoff.
func (s *Store) PruneActivity(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity_log WHERE started_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	return res.RowsAffected()
}

const activitySelect = `
	SELECT id, sender_id, display_name, source_app, message, stage, status, reason,
	       reply, provenance, tokens, error, started_at, finished_at, duration_ms
	FROM activity_log`

func scanActivity(sc scanner) (*activity.Record, error) {
	var (
		r             activity.Record
		status        string
		started, fins int64
	)
	if err := sc.Scan(&r.ID, &r.SenderID, &r.DisplayName, &r.SourceApp, &r.Message, &r.Stage,
		&status, &r.Reason, &r.Reply, &r.Provenance, &r.Tokens, &r.Error,
		&started, &fins, &r.DurationMs); err != nil {
		return nil, fmt.Errorf("scan activity: %w", err)
	}
	r.Status = activity.Status(status)
	r.StartedAt = fromMillis(started)
	r.FinishedAt = fromMillis(fins)
	return &r, nil
}
