package discord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify"
)

type fakeSender struct {
	channel string
	sent    []*discordgo.MessageSend
	err     error
}

func (f *fakeSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channel = channelID
	f.sent = append(f.sent, data)
	return &discordgo.Message{}, f.err
}

func message(guild, author string, bot bool, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   guild,
		Content:   content,
		Timestamp: time.Unix(1700000000, 0),
		Author:    &discordgo.User{ID: author, Username: "ana", Bot: bot},
	}}
}

func TestToPosted(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		msg    *discordgo.MessageCreate
		wantOK bool
	}{
		{"direct message", Config{}, message("", "u1", false, "hello"), true},
		{"own message", Config{}, message("", "self", false, "hello"), false},
		{"bot author", Config{}, message("", "u1", true, "hello"), false},
		{"guild disabled", Config{}, message("g1", "u1", false, "hello"), false},
		{"guild enabled", Config{RespondInGuilds: true}, message("g1", "u1", false, "hello"), true},
		{"guild not allowed", Config{RespondInGuilds: true, AllowedGuilds: []string{"g2"}}, message("g1", "u1", false, "hello"), false},
		{"blank content", Config{}, message("", "u1", false, "  "), false},
		{"nil author", Config{}, &discordgo.MessageCreate{Message: &discordgo.Message{Content: "x"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.cfg, nil)
			s.selfID = "self"
			p := s.toPosted(tt.msg)
			if (p != nil) != tt.wantOK {
				t.Fatalf("toPosted() = %+v, wantOK %v", p, tt.wantOK)
			}
			if p == nil {
				return
			}
			if p.SourceApp != SourceApp || p.Title != "ana" || p.Text != "hello" {
				t.Errorf("unexpected posted: %+v", p)
			}
			if (tt.msg.GuildID != "") != (p.ConversationTitle != "") {
				t.Errorf("ConversationTitle = %q for guild %q", p.ConversationTitle, tt.msg.GuildID)
			}
		})
	}
}

func TestReplier(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		s := New(Config{}, nil)
		err := s.replierFor("c1", "m1").Reply(context.Background(), "hi")
		if !errors.Is(err, notify.ErrSourceDisconnected) {
			t.Errorf("Reply() = %v, want ErrSourceDisconnected", err)
		}
	})

	t.Run("references original message", func(t *testing.T) {
		f := &fakeSender{}
		s := New(Config{}, nil)
		s.send = f
		s.connected.Store(true)
		if err := s.replierFor("c1", "m1").Reply(context.Background(), "hi"); err != nil {
			t.Fatal(err)
		}
		if f.channel != "c1" || len(f.sent) != 1 {
			t.Fatalf("sent %d messages to %q", len(f.sent), f.channel)
		}
		if ref := f.sent[0].Reference; ref == nil || ref.MessageID != "m1" {
			t.Errorf("Reference = %+v", ref)
		}
	})

	t.Run("long replies are chunked", func(t *testing.T) {
		f := &fakeSender{}
		s := New(Config{}, nil)
		s.send = f
		s.connected.Store(true)
		if err := s.replierFor("c1", "m1").Reply(context.Background(), strings.Repeat("a", 4500)); err != nil {
			t.Fatal(err)
		}
		if len(f.sent) != 3 {
			t.Fatalf("sent %d chunks, want 3", len(f.sent))
		}
		if f.sent[1].Reference != nil {
			t.Error("only the first chunk references the original")
		}
	})

	t.Run("send error counted", func(t *testing.T) {
		f := &fakeSender{err: errors.New("boom")}
		s := New(Config{}, nil)
		s.send = f
		s.connected.Store(true)
		if err := s.replierFor("c1", "m1").Reply(context.Background(), "hi"); err == nil {
			t.Fatal("expected error")
		}
		if s.Health().ErrorCount != 1 {
			t.Errorf("ErrorCount = %d", s.Health().ErrorCount)
		}
	})
}

func TestSplitMessage(t *testing.T) {
	text := strings.Repeat("x", 1500) + "\n" + strings.Repeat("y", 1000)
	chunks := splitMessage(text, 2000)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Error("expected split at newline")
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks must reassemble to the original")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	s := New(Config{}, nil)
	_ = s.Disconnect()
	_ = s.Disconnect()
	if _, ok := <-s.Receive(); ok {
		t.Error("stream should be closed")
	}
	s.emit(&notify.Posted{ID: "late"})
}
