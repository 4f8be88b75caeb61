// Package activity keeps the audit trail of processed notifications. A
// record is inserted as pending when a cycle starts and receives exactly
// one terminal status when it ends.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a processing cycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReplied  Status = "replied"
	StatusAIFailed Status = "ai_failed"
	StatusIgnored  Status = "ignored"
	StatusSpam     Status = "spam"
	StatusError    Status = "error"
)

// Statuses lists every status, pending first.
var Statuses = []Status{StatusPending, StatusReplied, StatusAIFailed, StatusIgnored, StatusSpam, StatusError}

// Terminal reports whether s ends a record.
func (s Status) Terminal() bool { return s != StatusPending && s != "" }

// Record is one entry of the audit trail.
type Record struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	DisplayName string    `json:"display_name"`
	SourceApp   string    `json:"source_app"`
	Message     string    `json:"message"`
	Stage       int       `json:"stage"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Reply       string    `json:"reply,omitempty"`
	Provenance  string    `json:"provenance,omitempty"`
	Tokens      int       `json:"tokens"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
}

// Outcome is the terminal part of a record.
type Outcome struct {
	Status     Status
	Stage      int
	Reason     string
	Reply      string
	Provenance string
	Tokens     int
	Error      string
}

// Store persists records.
type Store interface {
	InsertActivity(ctx context.Context, r *Record) error
	// FinishActivity fills the terminal fields of a pending record.
	FinishActivity(ctx context.Context, id string, o Outcome, finishedAt time.Time) error
}

// Journal opens and finalizes records.
type Journal struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewJournal creates a journal.
func NewJournal(store Store, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{store: store, logger: logger.With("component", "activity"), now: time.Now}
}

// Open inserts a pending record built from r. The returned entry is always
// usable; an insert failure is returned alongside it so the cycle can go on.
func (j *Journal) Open(ctx context.Context, r Record) (*Entry, error) {
	r.ID = uuid.NewString()
	r.Status = StatusPending
	r.StartedAt = j.now()

	e := &Entry{journal: j, id: r.ID, startedAt: r.StartedAt, sender: r.SenderID}
	if err := j.store.InsertActivity(ctx, &r); err != nil {
		e.orphan = true
		return e, fmt.Errorf("inserting activity: %w", err)
	}
	return e, nil
}

// Entry is an open record.
type Entry struct {
	journal   *Journal
	id        string
	sender    string
	startedAt time.Time
	orphan    bool

	once sync.Once
	mu   sync.Mutex
	done *Outcome
}

// ID returns the record id.
func (e *Entry) ID() string { return e.id }

// Finish records o. Only the first call has an effect; it reports whether
// this call was the one applied.
func (e *Entry) Finish(ctx context.Context, o Outcome) bool {
	applied := false
	e.once.Do(func() {
		applied = true
		if !o.Status.Terminal() {
			o.Status = StatusError
			if o.Error == "" {
				o.Error = "finished without terminal status"
			}
		}
		e.mu.Lock()
		e.done = &o
		e.mu.Unlock()

		finished := e.journal.now()
		logger := e.journal.logger.With(
			"id", e.id, "sender", e.sender, "status", string(o.Status),
			"duration_ms", finished.Sub(e.startedAt).Milliseconds())
		if o.Reason != "" {
			logger = logger.With("reason", o.Reason)
		}
		if o.Error != "" {
			logger = logger.With("error", o.Error)
		}
		if o.Status == StatusError || o.Status == StatusAIFailed {
			logger.Warn("activity: finished")
		} else {
			logger.Info("activity: finished")
		}

		if e.orphan {
			return
		}
		// The cycle context may already be cancelled; the audit trail
		// must still be written.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.journal.store.FinishActivity(wctx, e.id, o, finished); err != nil {
			e.journal.logger.Error("activity: finalizing record failed", "id", e.id, "error", err)
		}
	})
	return applied
}

// Outcome returns the applied outcome, nil while the entry is open.
func (e *Entry) Outcome() *Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}
