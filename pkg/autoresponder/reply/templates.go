package reply

import (
	"context"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/stage"
)

// MaxPoolSize is the most entries a configured pool may hold.
const MaxPoolSize = 10

// FallbackSentence is sent when the target stage has no pool at all.
const FallbackSentence = "Hi! Thanks for your message, is this still available?"

// defaultPools are used when the configured pool for a stage is empty.
var defaultPools = map[stage.Stage][]string{
	stage.Welcomed: {
		"Hi! Is this still available?",
		"Hello, I'm interested. Is it still for sale?",
		"Hi there! Is this item still available?",
		"Hey, is this still up for grabs?",
	},
	stage.FollowedUp: {
		"Great! What condition is it in?",
		"Nice, could you tell me a bit more about it?",
		"Thanks! Is the price negotiable?",
		"Awesome. Any scratches or defects I should know about?",
	},
	stage.ContactShared: {
		"Perfect. It's easier for me to chat on WhatsApp, can I send you my number?",
		"Could we continue by phone? I can share my contact.",
		"Sounds good. Can we move this to WhatsApp so I can send you my details?",
	},
}

// DefaultPool returns a copy of the built-in pool for s.
func DefaultPool(s stage.Stage) []string {
	return append([]string(nil), defaultPools[s]...)
}

// Pools holds the configured message pools for stages 1 to 3.
type Pools struct {
	Welcome  []string `yaml:"welcome"`
	FollowUp []string `yaml:"follow_up"`
	Contact  []string `yaml:"contact"`
}

// For returns the configured pool for s, nil for other stages.
func (p Pools) For(s stage.Stage) []string {
	switch s {
	case stage.Welcomed:
		return p.Welcome
	case stage.FollowedUp:
		return p.FollowUp
	case stage.ContactShared:
		return p.Contact
	default:
		return nil
	}
}

// template picks a message for the request stage from the configured
// pool, the built-in pool, or the fixed sentence, in that order. Entries
// recently sent to the sender are skipped while the pool has others.
func (g *Generator) template(ctx context.Context, req Request) string {
	pool := nonEmpty(req.Settings.Pools.For(req.Stage))
	if len(pool) == 0 {
		pool = defaultPools[req.Stage]
	}
	if len(pool) == 0 {
		return FallbackSentence
	}
	start := g.pick(len(pool))
	if len(pool) == 1 {
		return pool[start]
	}
	for i := range pool {
		cand := pool[(start+i)%len(pool)]
		if !g.sentRecently(ctx, req.SenderID, cand) {
			return cand
		}
	}
	return pool[start]
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
