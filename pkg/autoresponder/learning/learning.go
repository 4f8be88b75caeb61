// Package learning supplies conversational memory to the reply generator:
// a bounded per-sender transcript, few-shot examples of replies that led to a
// favorable answer, and short-lived marks of recently sent replies used to
// avoid repeating them.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Role tags a transcript turn.
type Role string

const (
	RoleCounterpart Role = "counterpart"
	RoleSelf        Role = "self"
)

// Turn is one message of a per-sender transcript.
type Turn struct {
	SenderID       string    `json:"sender_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	ProductContext string    `json:"product_context,omitempty"`
	At             time.Time `json:"at"`
}

// Example is a stored exchange that earned a favorable answer.
type Example struct {
	CounterpartMessage string    `json:"counterpart_message"`
	Reply              string    `json:"reply"`
	Kind               string    `json:"kind"`
	ProductContext     string    `json:"product_context,omitempty"`
	SuccessCount       int       `json:"success_count"`
	LastSeenAt         time.Time `json:"last_seen_at"`
}

// Mark records a reply recently sent to a sender.
type Mark struct {
	Fingerprint string    `json:"fingerprint"`
	Text        string    `json:"text"`
	SenderID    string    `json:"sender_id"`
	SentAt      time.Time `json:"sent_at"`
}

// Store is the persistence surface the adapter needs.
type Store interface {
	AppendTurn(ctx context.Context, t Turn) error
	// RecentTurns returns at most limit turns, most recent first.
	RecentTurns(ctx context.Context, senderID string, limit int) ([]Turn, error)
	// TrimTurns keeps only the keep most recent turns of senderID.
	TrimTurns(ctx context.Context, senderID string, keep int) error

	// UpsertExample inserts e or increments the success count of the
	// existing (counterpart message, reply) pair.
	UpsertExample(ctx context.Context, e Example) error
	// TopExamples returns the highest-success examples, preferring the
	// given product context when non-empty.
	TopExamples(ctx context.Context, productContext string, limit int) ([]Example, error)

	AddMark(ctx context.Context, m Mark) error
	HasMark(ctx context.Context, senderID, fingerprint string) (bool, error)
	// RecentMarks returns at most limit marks, most recent first.
	RecentMarks(ctx context.Context, senderID string, limit int) ([]Mark, error)
	PurgeMarks(ctx context.Context, before time.Time) (int64, error)
}

// Config controls the memory windows.
type Config struct {
	// HistoryWindow is how many turns are handed to the generator.
	HistoryWindow int `yaml:"history_window"`

	// KeepTurns is how many turns survive a trim.
	KeepTurns int `yaml:"keep_turns"`

	// Examples and AvoidReplies bound the few-shot and avoid lists.
	Examples     int `yaml:"examples"`
	AvoidReplies int `yaml:"avoid_replies"`

	// MarkTTL is how long a reply mark is kept.
	MarkTTL time.Duration `yaml:"mark_ttl"`

	// Intents are the affirmative phrase tables per kind and locale.
	Intents []IntentTable `yaml:"intents"`
}

// DefaultConfig returns the default windows and phrase tables.
func DefaultConfig() Config {
	return Config{
		HistoryWindow: 10,
		KeepTurns:     20,
		Examples:      3,
		AvoidReplies:  3,
		MarkTTL:       24 * time.Hour,
		Intents:       DefaultIntents(),
	}
}

// Context is what the generator gets for one sender.
type Context struct {
	// History is oldest-first.
	History  []Turn
	Examples []Example
	Avoid    []string
}

// Adapter binds the store to the generator.
type Adapter struct {
	store    Store
	cfg      Config
	detector *IntentDetector
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdapter creates an adapter. Zero windows in cfg use the defaults.
func NewAdapter(store Store, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.KeepTurns <= 0 {
		cfg.KeepTurns = def.KeepTurns
	}
	if cfg.Examples <= 0 {
		cfg.Examples = def.Examples
	}
	if cfg.AvoidReplies <= 0 {
		cfg.AvoidReplies = def.AvoidReplies
	}
	if cfg.MarkTTL <= 0 {
		cfg.MarkTTL = def.MarkTTL
	}
	if cfg.Intents == nil {
		cfg.Intents = def.Intents
	}
	return &Adapter{
		store:    store,
		cfg:      cfg,
		detector: NewIntentDetector(cfg.Intents),
		logger:   logger.With("component", "learning"),
		now:      time.Now,
	}
}

// Context assembles the memory for a generation call.
func (a *Adapter) Context(ctx context.Context, senderID, productContext string) (Context, error) {
	var out Context

	turns, err := a.store.RecentTurns(ctx, senderID, a.cfg.HistoryWindow)
	if err != nil {
		return out, fmt.Errorf("loading transcript: %w", err)
	}
	out.History = make([]Turn, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		out.History = append(out.History, turns[i])
	}

	out.Examples, err = a.store.TopExamples(ctx, productContext, a.cfg.Examples)
	if err != nil {
		return out, fmt.Errorf("loading examples: %w", err)
	}

	marks, err := a.store.RecentMarks(ctx, senderID, a.cfg.AvoidReplies)
	if err != nil {
		return out, fmt.Errorf("loading reply marks: %w", err)
	}
	for _, m := range marks {
		out.Avoid = append(out.Avoid, m.Text)
	}
	return out, nil
}

// Exchange is one counterpart message and the reply generated for it.
type Exchange struct {
	SenderID       string
	Counterpart    string
	Reply          string
	ProductContext string
}

// RecordExchange stores a generated exchange. If the counterpart message
// reads as a favorable answer, the immediately preceding self turn is
// promoted to an example, paired with the counterpart turn before it.
func (a *Adapter) RecordExchange(ctx context.Context, ex Exchange) error {
	now := a.now()

	if kind, ok := a.detector.Detect(ex.Counterpart); ok {
		if err := a.creditPrevious(ctx, ex, kind, now); err != nil {
			a.logger.Warn("learning: crediting previous reply failed",
				"sender", ex.SenderID, "error", err)
		}
	}

	turns := []Turn{
		{SenderID: ex.SenderID, Role: RoleCounterpart, Content: ex.Counterpart, ProductContext: ex.ProductContext, At: now},
		{SenderID: ex.SenderID, Role: RoleSelf, Content: ex.Reply, ProductContext: ex.ProductContext, At: now.Add(time.Millisecond)},
	}
	for _, t := range turns {
		if err := a.store.AppendTurn(ctx, t); err != nil {
			return fmt.Errorf("appending turn: %w", err)
		}
	}
	if err := a.store.TrimTurns(ctx, ex.SenderID, a.cfg.KeepTurns); err != nil {
		return fmt.Errorf("trimming transcript: %w", err)
	}

	return a.mark(ctx, ex.SenderID, ex.Reply, now)
}

// MarkSent records reply as recently sent to senderID without touching the
// transcript.
func (a *Adapter) MarkSent(ctx context.Context, senderID, reply string) error {
	return a.mark(ctx, senderID, reply, a.now())
}

func (a *Adapter) mark(ctx context.Context, senderID, reply string, at time.Time) error {
	m := Mark{
		Fingerprint: Fingerprint(reply),
		Text:        reply,
		SenderID:    senderID,
		SentAt:      at,
	}
	if err := a.store.AddMark(ctx, m); err != nil {
		return fmt.Errorf("recording reply mark: %w", err)
	}
	return nil
}

func (a *Adapter) creditPrevious(ctx context.Context, ex Exchange, kind string, now time.Time) error {
	prev, err := a.store.RecentTurns(ctx, ex.SenderID, 2)
	if err != nil {
		return err
	}
	if len(prev) == 0 || prev[0].Role != RoleSelf {
		return nil
	}
	e := Example{
		Reply:          prev[0].Content,
		Kind:           kind,
		ProductContext: prev[0].ProductContext,
		SuccessCount:   1,
		LastSeenAt:     now,
	}
	if len(prev) > 1 && prev[1].Role == RoleCounterpart {
		e.CounterpartMessage = prev[1].Content
	}
	if err := a.store.UpsertExample(ctx, e); err != nil {
		return err
	}
	a.logger.Info("learning: promoted reply to example",
		"sender", ex.SenderID, "kind", kind)
	return nil
}

// WasSentRecently reports whether reply matches a live mark for senderID.
func (a *Adapter) WasSentRecently(ctx context.Context, senderID, reply string) (bool, error) {
	return a.store.HasMark(ctx, senderID, Fingerprint(reply))
}

// PurgeExpired drops marks older than the configured TTL.
func (a *Adapter) PurgeExpired(ctx context.Context) (int64, error) {
	return a.store.PurgeMarks(ctx, a.now().Add(-a.cfg.MarkTTL))
}

// Fingerprint hashes the normalized text of a reply so that case,
// punctuation and spacing differences map to the same mark.
func Fingerprint(text string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}
