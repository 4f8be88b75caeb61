package learning

import (
	"strings"
	"unicode"
)

// Intent kinds.
const (
	KindPurchase     = "purchase_intent"
	KindConfirmation = "confirmation"
)

// IntentTable is one list of phrases for a kind and locale.
type IntentTable struct {
	Kind    string   `yaml:"kind"`
	Locale  string   `yaml:"locale"`
	Phrases []string `yaml:"phrases"`
}

// DefaultIntents returns the built-in affirmative phrases.
func DefaultIntents() []IntentTable {
	return []IntentTable{
		{Kind: KindPurchase, Locale: "en", Phrases: []string{
			"i'll take it", "i will take it", "i want it", "i'll buy it", "i want to buy",
			"send me the address", "where can we meet", "when can i pick it up",
		}},
		{Kind: KindPurchase, Locale: "pt", Phrases: []string{
			"eu quero", "vou levar", "quero comprar", "pode reservar", "fechado então",
			"qual o endereço", "onde posso buscar", "aceita pix",
		}},
		{Kind: KindPurchase, Locale: "es", Phrases: []string{
			"lo quiero", "me lo llevo", "quiero comprarlo", "dónde nos vemos",
		}},
		{Kind: KindConfirmation, Locale: "en", Phrases: []string{
			"yes", "yeah", "ok", "okay", "sure", "deal", "sounds good", "perfect", "great",
		}},
		{Kind: KindConfirmation, Locale: "pt", Phrases: []string{
			"sim", "beleza", "fechado", "combinado", "perfeito", "pode ser", "claro", "show",
		}},
		{Kind: KindConfirmation, Locale: "es", Phrases: []string{
			"sí", "si", "vale", "de acuerdo", "perfecto", "claro que sí",
		}},
	}
}

// IntentDetector matches phrases on token boundaries. Tables are checked
// in order, so stronger kinds should come first.
type IntentDetector struct {
	tables []compiledTable
}

type compiledTable struct {
	kind    string
	phrases []string
}

// NewIntentDetector normalizes the phrase tables.
func NewIntentDetector(tables []IntentTable) *IntentDetector {
	d := &IntentDetector{}
	for _, t := range tables {
		ct := compiledTable{kind: t.Kind}
		for _, p := range t.Phrases {
			if n := tokenize(p); n != "" {
				ct.phrases = append(ct.phrases, " "+n+" ")
			}
		}
		d.tables = append(d.tables, ct)
	}
	return d
}

// Detect returns the kind of the first table with a phrase in text.
func (d *IntentDetector) Detect(text string) (string, bool) {
	padded := " " + tokenize(text) + " "
	if padded == "  " {
		return "", false
	}
	for _, t := range d.tables {
		for _, p := range t.phrases {
			if strings.Contains(padded, p) {
				return t.kind, true
			}
		}
	}
	return "", false
}

// tokenize lowercases s and joins its letter/digit runs with single spaces.
func tokenize(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}
