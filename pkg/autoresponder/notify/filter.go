package notify

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/dlclark/regexp2"
)

// FilterConfig holds the intake pattern tables. Matching is
// case-insensitive.
type FilterConfig struct {
	// AppNames are exact source app identities.
	AppNames []string `yaml:"app_names"`
	// AppFragments match anywhere in the app identity.
	AppFragments []string `yaml:"app_fragments"`
	// AppPrefixes catch unlisted clones of known apps.
	AppPrefixes []string `yaml:"app_prefixes"`

	// GenericTitles are app names used as notification titles.
	GenericTitles []string `yaml:"generic_titles"`
	// GroupMarkers in a title denote grouped or summary notifications.
	GroupMarkers []string `yaml:"group_markers"`
	// ChatHeadPhrases in title or body denote chat-head/bubble notices.
	ChatHeadPhrases []string `yaml:"chat_head_phrases"`

	// ProductBoilerplate tokens are stripped from conversation titles.
	ProductBoilerplate []string `yaml:"product_boilerplate"`
	// ProductPatterns are tried in order on the combined text; group 1 is
	// the product.
	ProductPatterns []string `yaml:"product_patterns"`
}

// DefaultFilterConfig returns the built-in tables.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		AppNames: []string{
			"com.facebook.orca", "com.facebook.mlite",
			"com.whatsapp", "com.whatsapp.w4b", "com.discord",
		},
		AppFragments: []string{"orca", "mlite", "messenger", "fbmsg"},
		AppPrefixes:  []string{"com.facebook.orca", "com.facebook.mlite", "com.facebook.messenger"},
		GenericTitles: []string{
			"Messenger", "Messenger Lite", "Facebook", "Chats", "WhatsApp", "Discord", "Marketplace",
		},
		GroupMarkers: []string{
			"conversation", "conversations", "new messages", "messages from",
			"conversas", "novas mensagens", "conversaciones", "mensajes nuevos",
		},
		ChatHeadPhrases: []string{
			"chat head", "chat heads", "bubble", "tap to open", "is active now",
			"balão", "toque para abrir", "burbuja",
		},
		ProductBoilerplate: []string{
			"marketplace", "replied to your message", "reply", "re:", "responder", "respondeu", "·",
		},
		ProductPatterns: []string{
			`(?i)(?:interested in|asking about|about your|interesse em|sobre (?:o|a|seu|sua)|interesado en)\s*[:\-]?\s*["“']?([^"”'\n.!?]{3,60})`,
			`(?i)marketplace\s*[·:\-|]\s*([^\n·|]{3,60})`,
		},
	}
}

// Filter decides whether a posted notification is a chat message worth
// answering and extracts its fields.
type Filter struct {
	cfg      FilterConfig
	apps     map[string]struct{}
	generic  map[string]struct{}
	patterns []*regexp2.Regexp
	boiler   *regexp2.Regexp
	now      func() time.Time
}

// NewFilter compiles cfg.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	f := &Filter{
		cfg:     cfg,
		apps:    make(map[string]struct{}),
		generic: make(map[string]struct{}),
		now:     time.Now,
	}
	for _, a := range cfg.AppNames {
		f.apps[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	for _, g := range cfg.GenericTitles {
		f.generic[strings.ToLower(strings.TrimSpace(g))] = struct{}{}
	}
	for _, p := range cfg.ProductPatterns {
		re, err := regexp2.Compile(p, regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("compiling product pattern %q: %w", p, err)
		}
		re.MatchTimeout = 50 * time.Millisecond
		f.patterns = append(f.patterns, re)
	}
	var tokens []string
	for _, b := range cfg.ProductBoilerplate {
		if b = strings.TrimSpace(b); b != "" {
			tokens = append(tokens, boundedToken(b))
		}
	}
	if len(tokens) > 0 {
		re, err := regexp2.Compile(`(?i)`+strings.Join(tokens, "|"), regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("compiling boilerplate tokens: %w", err)
		}
		f.boiler = re
	}
	return f, nil
}

// Reject reasons returned by Check.
const (
	RejectApp      = "app not a messaging client"
	RejectTitle    = "empty or generic title"
	RejectGrouped  = "grouped notification"
	RejectChatHead = "chat head notice"
	RejectEmpty    = "empty message"
)

// Accept returns the event for p, or false when p must be ignored.
func (f *Filter) Accept(p *Posted) (Event, bool) {
	ev, reason := f.Check(p)
	return ev, reason == ""
}

// Check is Accept with the rejection reason.
func (f *Filter) Check(p *Posted) (Event, string) {
	if p == nil || !f.MatchApp(p.SourceApp) {
		return Event{}, RejectApp
	}

	title := strings.TrimSpace(p.Title)
	if title == "" || f.isGeneric(title) {
		return Event{}, RejectTitle
	}
	if containsFold(title, f.cfg.GroupMarkers) {
		return Event{}, RejectGrouped
	}
	if containsFold(title, f.cfg.ChatHeadPhrases) ||
		containsFold(p.Text, f.cfg.ChatHeadPhrases) ||
		containsFold(p.BigText, f.cfg.ChatHeadPhrases) {
		return Event{}, RejectChatHead
	}

	msg := strings.TrimSpace(p.Text)
	if msg == "" {
		msg = strings.TrimSpace(p.BigText)
	}
	if msg == "" {
		return Event{}, RejectEmpty
	}

	ev := Event{
		SenderID:          Identity(title, p.SourceApp),
		SenderName:        title,
		Message:           msg,
		ConversationTitle: strings.TrimSpace(p.ConversationTitle),
		RawText:           joinNonEmpty(p.Title, p.Text, p.BigText, p.ConversationTitle),
		SourceApp:         p.SourceApp,
		ReceivedAt:        p.PostedAt,
		Posted:            p,
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = f.now()
	}
	ev.ProductContext = f.ProductContext(ev)
	return ev, ""
}

// MatchApp reports whether app is a configured messaging client.
func (f *Filter) MatchApp(app string) bool {
	a := strings.ToLower(strings.TrimSpace(app))
	if a == "" {
		return false
	}
	if _, ok := f.apps[a]; ok {
		return true
	}
	for _, p := range f.cfg.AppPrefixes {
		if p != "" && strings.HasPrefix(a, strings.ToLower(p)) {
			return true
		}
	}
	return containsFold(a, f.cfg.AppFragments)
}

// ProductContext extracts a best-effort product name for ev. It prefers a
// non-generic conversation title and falls back to the product patterns.
func (f *Filter) ProductContext(ev Event) string {
	if t := ev.ConversationTitle; t != "" && !f.isGeneric(t) && !strings.EqualFold(t, ev.SenderName) {
		if cleaned := f.stripBoilerplate(t); cleaned != "" && !strings.EqualFold(cleaned, ev.SenderName) {
			return cleaned
		}
	}
	for _, re := range f.patterns {
		m, err := re.FindStringMatch(ev.RawText)
		if err != nil || m == nil {
			continue
		}
		if g := m.GroupByNumber(1); g != nil {
			if s := strings.TrimSpace(g.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func (f *Filter) stripBoilerplate(s string) string {
	if f.boiler != nil {
		if out, err := f.boiler.Replace(s, " ", -1, -1); err == nil {
			s = out
		}
	}
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " -:|·,")
}

func (f *Filter) isGeneric(title string) bool {
	_, ok := f.generic[strings.ToLower(strings.TrimSpace(title))]
	return ok
}

func containsFold(s string, subs []string) bool {
	if s == "" {
		return false
	}
	s = strings.ToLower(s)
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

func joinNonEmpty(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}

// boundedToken escapes tok and anchors it on word boundaries at the ends
// that are letters, so "re:" does not match inside "store:".
func boundedToken(tok string) string {
	out := regexp2.Escape(tok)
	r := []rune(tok)
	if unicode.IsLetter(r[0]) {
		out = `\b` + out
	}
	if unicode.IsLetter(r[len(r)-1]) {
		out += `\b`
	}
	return out
}
