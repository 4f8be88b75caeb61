package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/config"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/reply"
)

func TestApplyAnswers(t *testing.T) {
	cfg := config.DefaultConfig()
	err := applyAnswers(cfg, setupAnswers{
		aiEnabled: true,
		model:     " gpt-4o-mini ",
		tone:      string(reply.ToneCasual),
		delayMin:  "2",
		delayMax:  " 6",
		sources:   []string{"bridge", "discord"},
		gateway:   "",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.AutoReply.AIEnabled || cfg.AutoReply.Tone != reply.ToneCasual || cfg.API.Model != "gpt-4o-mini" {
		t.Errorf("auto reply = %+v, model %q", cfg.AutoReply, cfg.API.Model)
	}
	if cfg.AutoReply.DelayMinSeconds != 2 || cfg.AutoReply.DelayMaxSeconds != 6 {
		t.Errorf("delay = %d..%d", cfg.AutoReply.DelayMinSeconds, cfg.AutoReply.DelayMaxSeconds)
	}
	if !cfg.Channels.Bridge.Enabled || cfg.Channels.WhatsApp.Enabled || !cfg.Channels.Discord.Enabled {
		t.Errorf("channels = %+v", cfg.Channels)
	}
	if len(cfg.Channels.Bridge.Token) != 48 {
		t.Errorf("bridge token %q not generated", cfg.Channels.Bridge.Token)
	}
	if cfg.Gateway.Enabled {
		t.Error("empty address must disable the gateway")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("wizard produced an invalid config: %v", err)
	}

	if err := applyAnswers(config.DefaultConfig(), setupAnswers{delayMin: "x", delayMax: "1"}); err == nil {
		t.Error("non-numeric delay must fail")
	}
}

func TestShouldEnable(t *testing.T) {
	tests := []struct {
		name   string
		filter []string
		def    bool
		want   bool
	}{
		{"bridge", nil, true, true},
		{"bridge", nil, false, false},
		{"bridge", []string{"bridge"}, false, true},
		{"discord", []string{"bridge"}, true, false},
	}
	for _, tt := range tests {
		if got := shouldEnable(tt.name, tt.filter, tt.def); got != tt.want {
			t.Errorf("shouldEnable(%q, %v, %t) = %t", tt.name, tt.filter, tt.def, got)
		}
	}
}

type ctxKey struct{}

func TestDetachedOutlivesSignal(t *testing.T) {
	signalCtx, stop := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "v"))
	engineCtx, cancel := detached(signalCtx)
	defer cancel()

	stop()
	select {
	case <-engineCtx.Done():
		t.Fatal("detached context cancelled with its parent")
	default:
	}
	if engineCtx.Value(ctxKey{}) != "v" {
		t.Error("detached context lost parent values")
	}

	cancel()
	if engineCtx.Err() != context.Canceled {
		t.Errorf("Err() = %v, want Canceled", engineCtx.Err())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short\nreply", 60); got != "short reply" {
		t.Errorf("got %q", got)
	}
	if got := truncate(strings.Repeat("á", 70), 10); got != strings.Repeat("á", 7)+"..." {
		t.Errorf("got %q", got)
	}
}

func TestSpamCheckCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := config.Save(config.DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	root := NewRootCmd("test")
	root.SetArgs([]string{"--config", path, "spam", "check", "!!!!!!!!!!!!!!!!!!!!"})
	out := captureStdout(t, func() {
		if err := root.Execute(); err != nil {
			t.Fatal(err)
		}
	})
	if !strings.HasPrefix(out, "SPAM") {
		t.Errorf("output = %q", out)
	}
}

func TestResetRequiresConfirmation(t *testing.T) {
	root := NewRootCmd("test")
	root.SetArgs([]string{"reset"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("err = %v", err)
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()
	w.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	return buf.String()
}
