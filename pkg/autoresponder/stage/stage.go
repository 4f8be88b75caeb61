// Package stage tracks where each sender is in the scripted conversation:
// new, welcomed, followed-up and contact-shared. Transitions are decided by
// Next and persisted only after a reply was actually delivered.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Stage is a position in the scripted conversation.
type Stage int

const (
	New           Stage = 0
	Welcomed      Stage = 1
	FollowedUp    Stage = 2
	ContactShared Stage = 3
)

// Skip reasons reported by Next.
const (
	ReasonCompleted = "All stages completed"
	ReasonInvalid   = "Invalid stage"
)

// String returns a short name for logs.
func (s Stage) String() string {
	switch s {
	case New:
		return "new"
	case Welcomed:
		return "welcomed"
	case FollowedUp:
		return "followed_up"
	case ContactShared:
		return "contact_shared"
	default:
		return fmt.Sprintf("invalid(%d)", int(s))
	}
}

// Valid reports whether s is one of the four known stages.
func (s Stage) Valid() bool { return s >= New && s <= ContactShared }

// Decision is the outcome of a transition lookup.
type Decision struct {
	Next   Stage
	Skip   bool
	Reason string
}

// Next returns the stage the next reply targets. With AI mode on, the last
// stage is a fixed point and a corrupt stored value restarts the script.
func Next(current Stage, ai bool) Decision {
	switch current {
	case New, Welcomed, FollowedUp:
		return Decision{Next: current + 1}
	case ContactShared:
		if ai {
			return Decision{Next: ContactShared}
		}
		return Decision{Next: current, Skip: true, Reason: ReasonCompleted}
	default:
		if ai {
			return Decision{Next: Welcomed, Reason: "reset from " + current.String()}
		}
		return Decision{Next: current, Skip: true, Reason: ReasonInvalid}
	}
}

// ErrNotFound is returned by a Store when no conversation exists.
var ErrNotFound = errors.New("conversation not found")

// Conversation is the per-sender record.
type Conversation struct {
	SenderID          string    `json:"sender_id"`
	DisplayName       string    `json:"display_name"`
	ConversationTitle string    `json:"conversation_title,omitempty"`
	SourceApp         string    `json:"source_app"`
	Stage             Stage     `json:"stage"`
	InteractionCount  int       `json:"interaction_count"`
	LastRepliedAt     time.Time `json:"last_replied_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// Store persists conversation records.
type Store interface {
	GetConversation(ctx context.Context, senderID string) (*Conversation, error)
	UpsertConversation(ctx context.Context, c *Conversation) error
}

// Tracker reads and advances stages over a Store.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  store,
		logger: logger.With("component", "stage"),
		now:    time.Now,
	}
}

// Current returns the stored stage for senderID, New when none exists.
func (t *Tracker) Current(ctx context.Context, senderID string) (Stage, error) {
	c, err := t.store.GetConversation(ctx, senderID)
	if errors.Is(err, ErrNotFound) {
		return New, nil
	}
	if err != nil {
		return New, fmt.Errorf("loading conversation: %w", err)
	}
	return c.Stage, nil
}

// Subject carries the descriptive fields written with a stage change.
type Subject struct {
	SenderID          string
	DisplayName       string
	ConversationTitle string
	SourceApp         string
}

// Advance persists to as the new stage after a delivered reply. The first
// reply creates the record.
func (t *Tracker) Advance(ctx context.Context, s Subject, to Stage) error {
	now := t.now()
	c, err := t.store.GetConversation(ctx, s.SenderID)
	switch {
	case errors.Is(err, ErrNotFound):
		c = &Conversation{SenderID: s.SenderID, CreatedAt: now}
	case err != nil:
		return fmt.Errorf("loading conversation: %w", err)
	}

	from := c.Stage
	c.DisplayName = s.DisplayName
	if s.ConversationTitle != "" {
		c.ConversationTitle = s.ConversationTitle
	}
	c.SourceApp = s.SourceApp
	c.Stage = to
	c.InteractionCount++
	c.LastRepliedAt = now

	if err := t.store.UpsertConversation(ctx, c); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	t.logger.Debug("stage: advanced",
		"sender", s.SenderID, "from", from.String(), "to", to.String(),
		"interactions", c.InteractionCount)
	return nil
}
