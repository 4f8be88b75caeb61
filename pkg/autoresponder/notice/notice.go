// Package notice delivers transient, user-facing notices such as
// "Replied to Maria" or "AI failed: invalid API key". Delivery is best
// effort: notices pass through a bounded buffer and are dropped when it is
// full, so a slow sink never stalls a processing cycle.
package notice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level classifies a notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is one transient message.
type Notice struct {
	Level    Level     `json:"level"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	SenderID string    `json:"sender_id,omitempty"`
	At       time.Time `json:"at"`
}

// Sink receives notices.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notice) error
}

// Config holds notice settings.
type Config struct {
	// Buffer is the capacity of the pending queue (default 64).
	Buffer int `yaml:"buffer"`

	// Log writes notices to the process log.
	Log bool `yaml:"log"`

	// Webhooks receive every notice as a JSON POST.
	Webhooks []string `yaml:"webhooks"`

	// AllowPrivateWebhooks permits loopback and private-network targets.
	AllowPrivateWebhooks bool `yaml:"allow_private_webhooks"`

	// Timeout bounds each sink delivery (default 5s).
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default notice settings.
func DefaultConfig() Config {
	return Config{Buffer: 64, Log: true, Timeout: 5 * time.Second}
}

// Dispatcher fans notices out to its sinks from a single goroutine.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Notice
	timeout time.Duration
	logger  *slog.Logger
	dropped atomic.Int64
	now     func() time.Time

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	started atomic.Bool
}

// New builds a dispatcher with the sinks described by cfg plus extra.
func New(cfg Config, logger *slog.Logger, extra ...Sink) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logger = logger.With("component", "notice")

	var sinks []Sink
	if cfg.Log {
		sinks = append(sinks, NewLogSink(logger))
	}
	for _, u := range cfg.Webhooks {
		wh, err := NewWebhookSink(u, cfg.AllowPrivateWebhooks, nil)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, wh)
	}
	sinks = append(sinks, extra...)

	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Notice, cfg.Buffer),
		timeout: cfg.Timeout,
		logger:  logger,
		now:     time.Now,
		done:    make(chan struct{}),
	}, nil
}

// Notify enqueues n without blocking. It reports false when the notice was
// dropped because the buffer is full or the dispatcher is closed.
func (d *Dispatcher) Notify(n Notice) bool {
	if n.At.IsZero() {
		n.At = d.now()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Debug("notice: buffer full, dropping", "title", n.Title)
		return false
	}
}

// Infof is shorthand for an info notice.
func (d *Dispatcher) Infof(title, format string, args ...any) bool {
	return d.Notify(Notice{Level: LevelInfo, Title: title, Message: fmt.Sprintf(format, args...)})
}

// Warnf is shorthand for a warning notice.
func (d *Dispatcher) Warnf(title, format string, args ...any) bool {
	return d.Notify(Notice{Level: LevelWarn, Title: title, Message: fmt.Sprintf(format, args...)})
}

// Dropped returns how many notices were discarded.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Start runs the delivery loop until Close.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(d.done)
		for n := range d.queue {
			d.deliver(ctx, n)
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, n Notice) {
	for _, s := range d.sinks {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		if err := s.Deliver(dctx, n); err != nil {
			d.logger.Debug("notice: sink failed", "sink", s.Name(), "error", err)
		}
		cancel()
	}
}

// Close stops accepting notices, drains the queue and waits for the loop.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	if d.started.Load() {
		<-d.done
	}
}

// LogSink writes notices to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name returns "log".
func (s *LogSink) Name() string { return "log" }

// Deliver logs n at its level.
func (s *LogSink) Deliver(ctx context.Context, n Notice) error {
	lvl := slog.LevelInfo
	switch n.Level {
	case LevelWarn:
		lvl = slog.LevelWarn
	case LevelError:
		lvl = slog.LevelError
	}
	s.logger.Log(ctx, lvl, "notice: "+n.Title, "message", n.Message, "sender", n.SenderID)
	return nil
}

// WebhookSink posts notices as JSON.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink validates rawURL and creates a sink. Private and loopback
// targets are refused unless allowPrivate is set.
func NewWebhookSink(rawURL string, allowPrivate bool, client *http.Client) (*WebhookSink, error) {
	if err := ValidateWebhookURL(rawURL, allowPrivate); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: rawURL, client: client}, nil
}

// Name returns "webhook".
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver POSTs n.
func (s *WebhookSink) Deliver(ctx context.Context, n Notice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notice: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// ValidateWebhookURL rejects non-HTTP schemes and, unless allowPrivate is
// set, URLs that target private or loopback addresses.
func ValidateWebhookURL(rawURL string, allowPrivate bool) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("webhook URL must use http or https scheme")
	}
	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return fmt.Errorf("webhook URL has no host")
	}
	if allowPrivate {
		return nil
	}
	if ip := net.ParseIP(hostname); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("webhook URL targets a private or loopback address: %s", hostname)
		}
		return nil
	}
	for _, blocked := range []string{"localhost", "localhost.localdomain", "metadata.google.internal"} {
		if hostname == blocked {
			return fmt.Errorf("webhook URL targets a reserved hostname: %s", hostname)
		}
	}
	return nil
}
