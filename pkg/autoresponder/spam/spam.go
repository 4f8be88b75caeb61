// Package spam scores incoming message text for low-value or automation
// hostile content. Scoring is a pure function of the text: every signal is
// evaluated independently and contributes a fixed weight, so the reason list
// is always exhaustive.
package spam

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/dlclark/regexp2"
	"github.com/rivo/uniseg"
)

// Signal weights.
const (
	WeightTooShort      = 30
	WeightEmojiHigh     = 40
	WeightEmojiModerate = 15
	WeightEmojiOnly     = 30
	WeightPattern       = 25
	WeightRepeatedRun   = 20
	WeightKeyword       = 35
	WeightShouting      = 15
	WeightNoVowels      = 25
)

// Config holds the tunable tables of the classifier.
type Config struct {
	// Threshold is the score at or above which a message is spam.
	Threshold int `yaml:"threshold"`

	// MinLength is the minimum visible length (in graphemes).
	MinLength int `yaml:"min_length"`

	// HighEmojiRatio and ModerateEmojiRatio are emoji/grapheme ratios.
	HighEmojiRatio     float64 `yaml:"high_emoji_ratio"`
	ModerateEmojiRatio float64 `yaml:"moderate_emoji_ratio"`

	// MaxEmojiResidue is how many non-emoji graphemes an emoji-dominant
	// message may carry before it stops counting as emoji-only.
	MaxEmojiResidue int `yaml:"max_emoji_residue"`

	// RunLength is the shortest run of identical characters that counts.
	RunLength int `yaml:"run_length"`

	// Patterns are .NET-style regular expressions (backreferences allowed).
	Patterns []string `yaml:"patterns"`

	// Keywords are lowercase spam phrases matched as substrings.
	Keywords []string `yaml:"keywords"`

	// Vowels is the multi-language vowel set used by the no-vowel check.
	Vowels string `yaml:"vowels"`
}

// DefaultConfig returns the built-in tables.
func DefaultConfig() Config {
	return Config{
		Threshold:          50,
		MinLength:          3,
		HighEmojiRatio:     0.6,
		ModerateEmojiRatio: 0.3,
		MaxEmojiResidue:    2,
		RunLength:          5,
		Patterns: []string{
			`^(.)\1{3,}$`,
			`^(.{2,6})\1{2,}$`,
			`^(\w+)(\s+\1){2,}$`,
			`^[\p{P}\p{S}\s]+$`,
			`^[\d\s]+$`,
		},
		Keywords: []string{
			"click here", "free money", "you have won", "you won", "claim your prize",
			"bit.ly/", "crypto giveaway", "earn money fast", "work from home",
			"100% free", "promo code", "limited offer",
			"clique aqui", "ganhe dinheiro", "você ganhou", "voce ganhou", "renda extra",
			"haz clic aquí", "has ganado", "dinero gratis",
		},
		Vowels: "aeiouyáàâãäåéèêëíìîïóòôõöúùûüýÿæøœаеёиоуыэюяαεηιουωіїє",
	}
}

// Result is the outcome of one classification.
type Result struct {
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
	IsSpam  bool     `json:"is_spam"`
}

// Classifier evaluates text against compiled tables. It is safe for
// concurrent use.
type Classifier struct {
	cfg      Config
	patterns []*regexp2.Regexp
	keywords []string
	vowels   map[rune]struct{}
}

// New compiles cfg. Zero values in cfg fall back to DefaultConfig.
func New(cfg Config) (*Classifier, error) {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.HighEmojiRatio <= 0 {
		cfg.HighEmojiRatio = def.HighEmojiRatio
	}
	if cfg.ModerateEmojiRatio <= 0 {
		cfg.ModerateEmojiRatio = def.ModerateEmojiRatio
	}
	if cfg.MaxEmojiResidue <= 0 {
		cfg.MaxEmojiResidue = def.MaxEmojiResidue
	}
	if cfg.RunLength <= 1 {
		cfg.RunLength = def.RunLength
	}
	if cfg.Patterns == nil {
		cfg.Patterns = def.Patterns
	}
	if cfg.Keywords == nil {
		cfg.Keywords = def.Keywords
	}
	if cfg.Vowels == "" {
		cfg.Vowels = def.Vowels
	}

	c := &Classifier{cfg: cfg, vowels: make(map[rune]struct{})}
	for _, p := range cfg.Patterns {
		re, err := regexp2.Compile(p, regexp2.Singleline)
		if err != nil {
			return nil, fmt.Errorf("compiling spam pattern %q: %w", p, err)
		}
		re.MatchTimeout = 50 * time.Millisecond
		c.patterns = append(c.patterns, re)
	}
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			c.keywords = append(c.keywords, k)
		}
	}
	for _, r := range strings.ToLower(cfg.Vowels) {
		c.vowels[r] = struct{}{}
	}
	return c, nil
}

// Threshold returns the effective spam threshold.
func (c *Classifier) Threshold() int { return c.cfg.Threshold }

// Check scores text.
func (c *Classifier) Check(text string) Result {
	text = strings.TrimSpace(text)
	var r Result
	add := func(weight int, reason string) {
		r.Score += weight
		r.Reasons = append(r.Reasons, reason)
	}

	st := measure(text)

	if st.graphemes < c.cfg.MinLength {
		add(WeightTooShort, fmt.Sprintf("too short (%d < %d)", st.graphemes, c.cfg.MinLength))
	}

	if st.graphemes > 0 && st.emoji > 0 {
		ratio := float64(st.emoji) / float64(st.graphemes)
		switch {
		case ratio > c.cfg.HighEmojiRatio:
			add(WeightEmojiHigh, fmt.Sprintf("emoji density %.0f%%", ratio*100))
		case ratio > c.cfg.ModerateEmojiRatio:
			add(WeightEmojiModerate, fmt.Sprintf("moderate emoji density %.0f%%", ratio*100))
		}
		if st.emoji >= st.residue && st.residue <= c.cfg.MaxEmojiResidue {
			add(WeightEmojiOnly, "emoji-only message")
		}
	}

	for i, re := range c.patterns {
		if ok, err := re.MatchString(text); err == nil && ok {
			add(WeightPattern, fmt.Sprintf("matches pattern #%d", i+1))
			break
		}
	}

	if run, ch := longestRun(text); run >= c.cfg.RunLength {
		add(WeightRepeatedRun, fmt.Sprintf("%d repeated %q", run, ch))
	}

	lower := strings.ToLower(text)
	for _, k := range c.keywords {
		if strings.Contains(lower, k) {
			add(WeightKeyword, fmt.Sprintf("spam keyword %q", k))
			break
		}
	}

	if st.runes > 10 && st.letters > 0 && float64(st.upper)/float64(st.letters) > 0.8 {
		add(WeightShouting, "mostly uppercase")
	}

	if st.runes > 15 && !c.hasVowel(lower) {
		add(WeightNoVowels, "no vowels")
	}

	r.IsSpam = r.Score >= c.cfg.Threshold
	return r
}

func (c *Classifier) hasVowel(lower string) bool {
	for _, r := range lower {
		if _, ok := c.vowels[r]; ok {
			return true
		}
	}
	return false
}

type stats struct {
	runes     int
	graphemes int
	emoji     int
	residue   int // non-emoji, non-space graphemes
	letters   int
	upper     int
}

func measure(text string) stats {
	var st stats
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		runes := gr.Runes()
		st.graphemes++
		switch {
		case isEmojiCluster(runes):
			st.emoji++
		case len(runes) == 1 && unicode.IsSpace(runes[0]):
		default:
			st.residue++
		}
	}
	for _, r := range text {
		st.runes++
		if unicode.IsLetter(r) {
			st.letters++
			if unicode.IsUpper(r) {
				st.upper++
			}
		}
	}
	return st
}

// longestRun returns the longest run of one repeated rune, ignoring spaces.
func longestRun(text string) (int, rune) {
	best, cur := 0, 0
	var bestCh, prev rune
	for i, r := range text {
		if i > 0 && r == prev && !unicode.IsSpace(r) {
			cur++
		} else {
			cur = 1
		}
		if cur > best {
			best, bestCh = cur, r
		}
		prev = r
	}
	return best, bestCh
}

func isEmojiCluster(runes []rune) bool {
	for _, r := range runes {
		if isEmojiRune(r) {
			return true
		}
	}
	return false
}

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, emoticons, transport, supplemental
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	case r >= 0x2B00 && r <= 0x2BFF, r == 0x2764, r == 0x203C, r == 0x2049:
		return true
	}
	return false
}
