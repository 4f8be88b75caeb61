package store

import (
	"context"
	"fmt"
)

// Stats summarises the stored state.
type Stats struct {
	Conversations int            `json:"conversations"`
	ByStage       map[int]int    `json:"by_stage"`
	ByStatus      map[string]int `json:"by_status"`
	Activities    int            `json:"activities"`
	TokensSpent   int64          `json:"tokens_spent"`
	Examples      int            `json:"examples"`
	Marks         int            `json:"marks"`
}

// Stats computes counts per stage and per activity status, plus totals.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		ByStage:  make(map[int]int),
		ByStatus: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM conversations GROUP BY stage`)
	if err != nil {
		return st, fmt.Errorf("stats by stage: %w", err)
	}
	for rows.Next() {
		var stg, n int
		if err := rows.Scan(&stg, &n); err != nil {
			rows.Close()
			return st, fmt.Errorf("scan stage count: %w", err)
		}
		st.ByStage[stg] = n
		st.Conversations += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(tokens), 0) FROM activity_log GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("stats by status: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
			tokens int64
		)
		if err := rows.Scan(&status, &n, &tokens); err != nil {
			rows.Close()
			return st, fmt.Errorf("scan status count: %w", err)
		}
		st.ByStatus[status] = n
		st.Activities += n
		st.TokensSpent += tokens
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM success_examples`).Scan(&st.Examples); err != nil {
		return st, fmt.Errorf("count examples: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recent_replies`).Scan(&st.Marks); err != nil {
		return st, fmt.Errorf("count marks: %w", err)
	}
	return st, nil
}

// ResetResult reports how many rows a Reset removed per table.
type ResetResult struct {
	Conversations int64 `json:"conversations"`
	Turns         int64 `json:"turns"`
	Examples      int64 `json:"examples"`
	Marks         int64 `json:"marks"`
}

// Reset clears conversation state in one transaction: stages, transcripts,
// success examples and reply marks. The activity log is kept.
func (s *Store) Reset(ctx context.Context) (ResetResult, error) {
	var out ResetResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	steps := []struct {
		table string
		dst   *int64
	}{
		{"conversations", &out.Conversations},
		{"conversation_turns", &out.Turns},
		{"success_examples", &out.Examples},
		{"recent_replies", &out.Marks},
	}
	for _, step := range steps {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+step.table)
		if err != nil {
			return ResetResult{}, fmt.Errorf("reset %s: %w", step.table, err)
		}
		*step.dst, _ = res.RowsAffected()
	}
	if err := tx.Commit(); err != nil {
		return ResetResult{}, fmt.Errorf("commit reset: %w", err)
	}
	s.logger.Info("store: conversation state reset",
		"conversations", out.Conversations, "turns", out.Turns,
		"examples", out.Examples, "marks", out.Marks)
	return out, nil
}
