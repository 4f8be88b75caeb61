package reply

import (
	"fmt"
	"strings"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/learning"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/stage"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/textgen"
)

// Tone is the voice used by generated replies.
type Tone string

const (
	ToneFriendly     Tone = "friendly"
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
	ToneEnthusiastic Tone = "enthusiastic"
)

// Tones lists the accepted tones.
var Tones = []Tone{ToneFriendly, ToneProfessional, ToneCasual, ToneEnthusiastic}

// Valid reports whether t is a known tone.
func (t Tone) Valid() bool {
	for _, k := range Tones {
		if t == k {
			return true
		}
	}
	return false
}

func (t Tone) instruction() string {
	switch t {
	case ToneProfessional:
		return "Write politely and precisely, without slang or emoji."
	case ToneCasual:
		return "Write casually, like texting a stranger on a marketplace. Short and relaxed."
	case ToneEnthusiastic:
		return "Sound genuinely excited about the item, with at most one emoji."
	default:
		return "Be warm and friendly, natural and human."
	}
}

func stageGoal(s stage.Stage) string {
	switch s {
	case stage.Welcomed:
		return "Open the conversation and confirm the item is still available."
	case stage.FollowedUp:
		return "Ask one follow-up question that moves toward a deal (condition, price, pickup)."
	case stage.ContactShared:
		return "Suggest continuing on a direct contact such as WhatsApp or phone, and keep the conversation going."
	default:
		return "Keep the conversation going naturally."
	}
}

// buildMessages assembles the chat messages for one generation call.
func buildMessages(req Request, mem learning.Context) []textgen.Message {
	var sb strings.Builder
	sb.WriteString("You are a buyer chatting with a seller on a marketplace messenger.\n")
	sb.WriteString(req.Settings.Tone.instruction())
	sb.WriteString("\n")
	if p := strings.TrimSpace(req.Settings.BuyerProfile); p != "" {
		fmt.Fprintf(&sb, "About you: %s\n", p)
	}
	if c := strings.TrimSpace(req.Settings.ProductCategory); c != "" {
		fmt.Fprintf(&sb, "You are looking for: %s\n", c)
	}
	if req.ProductContext != "" {
		fmt.Fprintf(&sb, "The listing: %s\n", req.ProductContext)
	}
	if req.DisplayName != "" {
		fmt.Fprintf(&sb, "The seller's name: %s\n", req.DisplayName)
	}
	fmt.Fprintf(&sb, "Goal of this reply: %s\n", stageGoal(req.Stage))
	sb.WriteString("Reply in one or two short sentences, in the same language the seller uses. Never say you are an assistant or a bot.\n")

	if len(mem.Examples) > 0 {
		sb.WriteString("\nReplies that worked well before:\n")
		for _, e := range mem.Examples {
			if e.CounterpartMessage != "" {
				fmt.Fprintf(&sb, "- Seller: %s\n  You: %s\n", e.CounterpartMessage, e.Reply)
			} else {
				fmt.Fprintf(&sb, "- You: %s\n", e.Reply)
			}
		}
	}
	if len(mem.Avoid) > 0 {
		sb.WriteString("\nDo not repeat or closely paraphrase these recent replies:\n")
		for _, a := range mem.Avoid {
			fmt.Fprintf(&sb, "- %s\n", a)
		}
	}

	msgs := make([]textgen.Message, 0, len(mem.History)+2)
	msgs = append(msgs, textgen.Message{Role: textgen.RoleSystem, Content: strings.TrimSpace(sb.String())})
	for _, t := range mem.History {
		role := textgen.RoleUser
		if t.Role == learning.RoleSelf {
			role = textgen.RoleAssistant
		}
		msgs = append(msgs, textgen.Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, textgen.Message{Role: textgen.RoleUser, Content: req.userText()})
	return msgs
}
