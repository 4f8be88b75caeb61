// Package textgen calls an OpenAI-compatible chat completion endpoint and
// classifies its failures so callers can degrade gracefully.
package textgen

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Message roles.
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// ErrNoCredential is returned when Complete is called without an API key.
var ErrNoCredential = errors.New("API key not configured")

// Config configures the endpoint.
type Config struct {
	// BaseURL is the API root (default https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier sent with each request.
	Model string `yaml:"model"`

	// MaxTokens caps the generated output.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature is the sampling temperature.
	Temperature float32 `yaml:"temperature"`

	// Timeout bounds one request, including reading the body.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns defaults suitable for short chat replies.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		MaxTokens:   150,
		Temperature: 0.8,
		Timeout:     30 * time.Second,
	}
}

// Message is one role-tagged chat message.
type Message struct {
	Role    string
	Content string
}

// Request is a single completion request. Zero fields use the client
// config.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Response is a successful completion.
type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client issues completion calls.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "textgen"),
	}
}

// Complete sends req using apiKey. Every failure is returned as *Error.
func (c *Client) Complete(ctx context.Context, apiKey string, req Request) (*Response, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, &Error{Kind: KindAuth, Message: ErrNoCredential.Error(), Err: ErrNoCredential}
	}

	oc := openai.DefaultConfig(apiKey)
	oc.BaseURL = strings.TrimRight(c.cfg.BaseURL, "/")
	oc.HTTPClient = c.http
	client := openai.NewClientWithConfig(oc)

	creq := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	if req.Model != "" {
		creq.Model = req.Model
	}
	if req.MaxTokens > 0 {
		creq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		creq.Temperature = req.Temperature
	}
	for _, m := range req.Messages {
		creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, creq)
	if err != nil {
		te := classify(err)
		c.logger.Warn("textgen: completion failed",
			"model", creq.Model,
			"kind", te.Kind.String(),
			"status", te.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", te.Message)
		return nil, te
	}

	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindMalformed, Message: "response has no choices"}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, &Error{Kind: KindMalformed, Message: "response content is empty"}
	}

	c.logger.Debug("textgen: completion ok",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration_ms", time.Since(start).Milliseconds())

	return &Response{
		Text:             text,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}
