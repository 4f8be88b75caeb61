// Package discord implements a notification source backed by discordgo.
// Direct messages to the bot become posted notifications whose reply
// affordance answers in the same channel, referencing the original message.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify"
)

// SourceApp is the host application identifier stamped on every posted
// notification produced by this source.
const SourceApp = "com.discord"

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Config holds Discord source configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the bot token. Usually supplied through ${DISCORD_TOKEN}.
	Token string `yaml:"token"`

	// RespondInGuilds forwards guild channel messages too. They carry a
	// conversation title and are normally rejected by the filter.
	RespondInGuilds bool `yaml:"respond_in_guilds"`

	// AllowedGuilds restricts guild messages to these IDs. Empty allows all.
	AllowedGuilds []string `yaml:"allowed_guilds"`
}

// sender is the subset of *discordgo.Session used for replies.
type sender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Source implements notify.Source over a Discord bot session.
type Source struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session
	send    sender
	selfID  string

	posted     chan *notify.Posted
	closed     atomic.Bool
	connected  atomic.Bool
	lastEvent  atomic.Value // time.Time
	errorCount atomic.Int64
	closeOnce  sync.Once
}

// New creates a Discord source.
func New(cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		cfg:    cfg,
		logger: logger.With("component", "discord"),
		posted: make(chan *notify.Posted, 256),
	}
}

// Name returns "discord".
func (s *Source) Name() string { return "discord" }

// Connect opens the gateway connection.
func (s *Source) Connect(ctx context.Context) error {
	if s.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + s.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(s.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	s.session = session
	s.send = session
	if session.State != nil && session.State.User != nil {
		s.selfID = session.State.User.ID
		s.logger.Info("discord: connected", "bot", session.State.User.Username, "id", s.selfID)
	}
	s.connected.Store(true)
	return nil
}

// Disconnect closes the gateway connection and the posted stream.
func (s *Source) Disconnect() error {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		if s.session != nil {
			if err := s.session.Close(); err != nil {
				s.logger.Warn("discord: closing session", "error", err)
			}
		}
		if s.closed.CompareAndSwap(false, true) {
			close(s.posted)
		}
		s.logger.Info("discord: disconnected")
	})
	return nil
}

// Receive returns the posted notification stream.
func (s *Source) Receive() <-chan *notify.Posted { return s.posted }

// IsConnected reports whether the gateway is open.
func (s *Source) IsConnected() bool { return s.connected.Load() }

// Health returns the source health.
func (s *Source) Health() notify.HealthStatus {
	h := notify.HealthStatus{
		Connected:  s.connected.Load(),
		ErrorCount: int(s.errorCount.Load()),
	}
	if t, ok := s.lastEvent.Load().(time.Time); ok {
		h.LastEventAt = t
	}
	return h
}

func (s *Source) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if p := s.toPosted(m); p != nil {
		s.emit(p)
	}
}

// toPosted converts a gateway message, returning nil for messages that
// are not forwarded.
func (s *Source) toPosted(m *discordgo.MessageCreate) *notify.Posted {
	if m == nil || m.Message == nil || m.Author == nil {
		return nil
	}
	if m.Author.ID == s.selfID || m.Author.Bot {
		return nil
	}
	guild := m.GuildID != ""
	if guild {
		if !s.cfg.RespondInGuilds {
			return nil
		}
		if len(s.cfg.AllowedGuilds) > 0 && !slices.Contains(s.cfg.AllowedGuilds, m.GuildID) {
			return nil
		}
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return nil
	}

	s.lastEvent.Store(time.Now())
	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	p := &notify.Posted{
		ID:        m.ID,
		SourceApp: SourceApp,
		Title:     name,
		Text:      text,
		PostedAt:  m.Timestamp,
		Replier:   s.replierFor(m.ChannelID, m.ID),
	}
	if guild {
		p.ConversationTitle = "#" + m.ChannelID
	}
	return p
}

func (s *Source) replierFor(channelID, messageID string) notify.Replier {
	return notify.ReplyFunc(func(_ context.Context, text string) error {
		if !s.connected.Load() || s.send == nil {
			return notify.ErrSourceDisconnected
		}
		for i, chunk := range splitMessage(text, maxMessageLen) {
			msg := &discordgo.MessageSend{Content: chunk}
			if i == 0 {
				msg.Reference = &discordgo.MessageReference{MessageID: messageID, ChannelID: channelID}
			}
			if _, err := s.send.ChannelMessageSendComplex(channelID, msg); err != nil {
				s.errorCount.Add(1)
				return fmt.Errorf("discord: sending reply: %w", err)
			}
		}
		return nil
	})
}

func (s *Source) emit(p *notify.Posted) {
	if s.closed.Load() {
		return
	}
	select {
	case s.posted <- p:
	default:
		s.logger.Warn("discord: posted stream full, dropping notification", "msg_id", p.ID)
	}
}

// splitMessage splits text into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

var _ notify.Source = (*Source)(nil)
