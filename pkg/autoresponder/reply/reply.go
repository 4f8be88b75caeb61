// Package reply produces the outgoing message for a stage, either from a
// templated pool or from a text-generation call enriched with the sender's
// conversational memory. It always returns a non-empty reply: generation
// failures fall back to the template for the same stage.
package reply

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/learning"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/stage"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/textgen"
)

// Provenance tells where a reply came from.
type Provenance string

const (
	FromTemplate Provenance = "template"
	FromAI       Provenance = "ai"
)

// Settings is the per-cycle snapshot of reply options.
type Settings struct {
	AIEnabled       bool
	APIKey          string
	Model           string
	Tone            Tone
	BuyerProfile    string
	ProductCategory string
	Pools           Pools
}

// Request describes the reply to produce.
type Request struct {
	SenderID       string
	DisplayName    string
	ProductContext string
	Message        string
	RawText        string
	Stage          stage.Stage
	Settings       Settings
}

func (r Request) userText() string {
	if strings.TrimSpace(r.Message) != "" {
		return r.Message
	}
	return r.RawText
}

// Result is the produced reply.
type Result struct {
	Text       string
	Provenance Provenance
	// Error describes why the AI path was abandoned, empty on success or
	// when the AI path was not attempted.
	Error  string
	Tokens int
}

// AIFailed reports whether the AI path was attempted and failed.
func (r Result) AIFailed() bool { return r.Error != "" }

// Completer is the text-generation call.
type Completer interface {
	Complete(ctx context.Context, apiKey string, req textgen.Request) (*textgen.Response, error)
}

// Memory supplies and records conversational memory.
type Memory interface {
	Context(ctx context.Context, senderID, productContext string) (learning.Context, error)
	RecordExchange(ctx context.Context, ex learning.Exchange) error
	MarkSent(ctx context.Context, senderID, reply string) error
	WasSentRecently(ctx context.Context, senderID, reply string) (bool, error)
}

// Generator produces replies. It is safe for concurrent use.
type Generator struct {
	completer Completer
	memory    Memory
	logger    *slog.Logger
	pick      func(n int) int
}

// NewGenerator creates a generator. completer and memory may be nil, in
// which case only templates are produced.
func NewGenerator(completer Completer, memory Memory, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		completer: completer,
		memory:    memory,
		logger:    logger.With("component", "reply"),
		pick:      rand.IntN,
	}
}

// Generate returns the reply for req. Nothing is recorded until the reply
// is delivered, see Record.
func (g *Generator) Generate(ctx context.Context, req Request) Result {
	if !req.Settings.AIEnabled || g.completer == nil {
		return Result{Text: g.template(ctx, req), Provenance: FromTemplate}
	}

	if strings.TrimSpace(req.Settings.APIKey) == "" {
		g.logger.Warn("reply: AI mode enabled without API key, using template",
			"sender", req.SenderID)
		return Result{
			Text:       g.template(ctx, req),
			Provenance: FromTemplate,
			Error:      textgen.ErrNoCredential.Error(),
		}
	}

	text, tokens, err := g.generateAI(ctx, req)
	if err == nil && g.sentRecently(ctx, req.SenderID, text) {
		g.logger.Info("reply: generated reply repeats a recent one, regenerating",
			"sender", req.SenderID)
		var more int
		text, more, err = g.generateAI(ctx, req)
		tokens += more
		if err == nil && g.sentRecently(ctx, req.SenderID, text) {
			g.logger.Info("reply: regenerated reply still repeats, using template",
				"sender", req.SenderID)
			return Result{Text: g.template(ctx, req), Provenance: FromTemplate, Tokens: tokens}
		}
	}
	if err != nil {
		desc := textgen.Describe(err)
		g.logger.Warn("reply: AI generation failed, falling back to template",
			"sender", req.SenderID,
			"stage", int(req.Stage),
			"kind", textgen.KindOf(err).String(),
			"error", desc)
		return Result{
			Text:       g.template(ctx, req),
			Provenance: FromTemplate,
			Error:      desc,
			Tokens:     tokens,
		}
	}
	return Result{Text: text, Provenance: FromAI, Tokens: tokens}
}

// Record stores a delivered reply. AI replies go into the transcript
// together with the counterpart message; every reply is marked so that it
// is not repeated to the same sender soon after.
func (g *Generator) Record(ctx context.Context, req Request, res Result) {
	if g.memory == nil || res.Text == "" {
		return
	}
	if res.Provenance != FromAI {
		if err := g.memory.MarkSent(ctx, req.SenderID, res.Text); err != nil {
			g.logger.Warn("reply: marking reply failed", "sender", req.SenderID, "error", err)
		}
		return
	}
	ex := learning.Exchange{
		SenderID:       req.SenderID,
		Counterpart:    req.userText(),
		Reply:          res.Text,
		ProductContext: req.ProductContext,
	}
	if err := g.memory.RecordExchange(ctx, ex); err != nil {
		g.logger.Warn("reply: recording exchange failed", "sender", req.SenderID, "error", err)
	}
}

// sentRecently treats a failed lookup as not sent.
func (g *Generator) sentRecently(ctx context.Context, senderID, text string) bool {
	if g.memory == nil {
		return false
	}
	seen, err := g.memory.WasSentRecently(ctx, senderID, text)
	if err != nil {
		g.logger.Warn("reply: checking reply marks failed", "sender", senderID, "error", err)
		return false
	}
	return seen
}

func (g *Generator) generateAI(ctx context.Context, req Request) (string, int, error) {
	var mem learning.Context
	if g.memory != nil {
		var err error
		mem, err = g.memory.Context(ctx, req.SenderID, req.ProductContext)
		if err != nil {
			g.logger.Warn("reply: loading memory failed, continuing without it",
				"sender", req.SenderID, "error", err)
			mem = learning.Context{}
		}
	}

	resp, err := g.completer.Complete(ctx, req.Settings.APIKey, textgen.Request{
		Model:    req.Settings.Model,
		Messages: buildMessages(req, mem),
	})
	if err != nil {
		return "", 0, err
	}
	text := cleanReply(resp.Text)
	if text == "" {
		return "", resp.TotalTokens, &textgen.Error{Kind: textgen.KindMalformed, Message: "empty reply after cleanup"}
	}

	g.logger.Debug("reply: generated",
		"sender", req.SenderID, "stage", int(req.Stage), "tokens", resp.TotalTokens)
	return text, resp.TotalTokens, nil
}

// cleanReply strips wrapping quotes and speaker labels models sometimes add.
func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"You:", "Buyer:", "Me:"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
		}
	}
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"') {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
