// Package notify defines the notification capability consumed by the
// engine: raw posted notifications with their optional reply and open
// affordances, the sources that produce them, and the intake filter that
// turns a posted notification into an Event.
package notify

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNoReplyAffordance  = errors.New("notification has no inline reply")
	ErrSourceDisconnected = errors.New("notification source is disconnected")
)

// Replier is an inline reply affordance: it submits text as a reply to the
// notification's conversation.
type Replier interface {
	Reply(ctx context.Context, text string) error
}

// Opener is a notification's primary action: it brings the conversation to
// the foreground.
type Opener interface {
	Open(ctx context.Context) error
}

// ReplyFunc adapts a function to Replier.
type ReplyFunc func(ctx context.Context, text string) error

// Reply calls f.
func (f ReplyFunc) Reply(ctx context.Context, text string) error { return f(ctx, text) }

// OpenFunc adapts a function to Opener.
type OpenFunc func(ctx context.Context) error

// Open calls f.
func (f OpenFunc) Open(ctx context.Context) error { return f(ctx) }

// Posted is a raw notification as observed on the host.
type Posted struct {
	ID                string    `json:"id"`
	SourceApp         string    `json:"source_app"`
	Title             string    `json:"title"`
	Text              string    `json:"text"`
	BigText           string    `json:"big_text,omitempty"`
	ConversationTitle string    `json:"conversation_title,omitempty"`
	PostedAt          time.Time `json:"posted_at"`

	// Replier and Opener are nil when the notification lacks them.
	Replier Replier `json:"-"`
	Opener  Opener  `json:"-"`
}

// Event is an accepted notification with its extracted fields.
type Event struct {
	SenderID          string
	SenderName        string
	Message           string
	ConversationTitle string
	RawText           string
	ProductContext    string
	SourceApp         string
	ReceivedAt        time.Time
	Posted            *Posted
}

// HealthStatus describes a source's connection state.
type HealthStatus struct {
	Connected   bool           `json:"connected"`
	LastEventAt time.Time      `json:"last_event_at,omitempty"`
	ErrorCount  int            `json:"error_count"`
	Details     map[string]any `json:"details,omitempty"`
}

// Source produces posted notifications.
type Source interface {
	// Name returns the source identifier (e.g. "whatsapp", "bridge").
	Name() string

	// Connect starts producing notifications.
	Connect(ctx context.Context) error

	// Disconnect stops the source.
	Disconnect() error

	// Receive returns the stream of posted notifications.
	Receive() <-chan *Posted

	// IsConnected reports whether the source is live.
	IsConnected() bool

	// Health returns the source's health.
	Health() HealthStatus
}
