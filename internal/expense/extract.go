package expense

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

var (
	numberPattern = regexp.MustCompile(`\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?`)
	tokenPattern  = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’-][\p{L}\p{N}]+)*`)
)

type currencyMarker struct {
	text     string
	currency string
}

// prefixMarkers are checked longest first so "US$" wins over "$"
var prefixMarkers = []currencyMarker{
	{"AUS$", "AUD"},
	{"US$", "USD"},
	{"AU$", "AUD"},
	{"HK$", "HKD"},
	{"NZ$", "NZD"},
	{"S$", "SGD"},
	{"A$", "AUD"},
	{"USD", "USD"},
	{"SGD", "SGD"},
	{"EUR", "EUR"},
	{"GBP", "GBP"},
	{"AUD", "AUD"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
}

// suffixMarkers follow the number. Units name no currency, so the base currency applies.
var suffixMarkers = []currencyMarker{
	{"dollars", ""},
	{"dollar", ""},
	{"bucks", ""},
	{"buck", ""},
	{"usd", "USD"},
	{"sgd", "SGD"},
	{"eur", "EUR"},
	{"gbp", "GBP"},
	{"aud", "AUD"},
	{"S$", "SGD"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
}

// stopwords never become keywords
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "of": {}, "to": {}, "in": {},
	"on": {}, "at": {}, "for": {}, "from": {}, "with": {}, "by": {}, "via": {}, "is": {}, "was": {},
	"were": {}, "be": {}, "been": {}, "it": {}, "its": {}, "this": {}, "that": {}, "these": {},
	"those": {}, "my": {}, "me": {}, "we": {}, "our": {}, "you": {}, "your": {}, "some": {},
	"just": {}, "today": {}, "yesterday": {}, "paid": {}, "pay": {}, "spent": {}, "spend": {},
	"bought": {}, "buy": {}, "got": {}, "cost": {}, "costs": {}, "about": {}, "around": {},
	"total": {}, "amount": {}, "here": {}, "there": {}, "no": {}, "not": {}, "so": {},
	"usd": {}, "sgd": {}, "eur": {}, "gbp": {}, "aud": {}, "us": {}, "aus": {}, "au": {},
	"hk": {}, "nz": {}, "dollar": {}, "dollars": {},
	"buck": {}, "bucks": {},
}

// amountCandidate is one number found in the text
type amountCandidate struct {
	start, end int
	amount     decimal.Decimal
	currency   string
	marked     bool
}

func (c amountCandidate) length() int {
	return c.end - c.start
}

// better reports whether c outranks other. Equal candidates keep reading order.
func (c amountCandidate) better(other amountCandidate) bool {
	if c.marked != other.marked {
		return c.marked
	}
	return c.length() > other.length()
}

// Extract finds the amount, currency and keywords in a message.
// It fails with ErrNoAmountFound when the text holds no number at all.
func Extract(text NormalizedText) (ExtractedFacts, error) {
	facts := ExtractedFacts{
		RawText:  text.Raw,
		Keywords: extractKeywords(text.Text),
	}
	if facts.RawText == "" {
		facts.RawText = text.Text
	}

	candidates := findAmounts(text.Text)
	if len(candidates) == 0 {
		return facts, fmt.Errorf("extracting from %d chars: %w", len(text.Text), ErrNoAmountFound)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.better(best) {
			best = c
		}
	}

	amount := best.amount
	facts.Amount = &amount
	facts.Currency = best.currency
	return facts, nil
}

// findAmounts returns every amount candidate in reading order
func findAmounts(text string) []amountCandidate {
	var candidates []amountCandidate
	for _, loc := range numberPattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]

		// Part of a longer number, such as "1234.567"
		if end < len(text) && isDigitAt(text, end) {
			continue
		}
		if end+1 < len(text) && text[end] == '.' && isDigitAt(text, end+1) {
			continue
		}

		digits := strings.ReplaceAll(text[start:end], ",", "")
		amount, err := decimal.NewFromString(digits)
		if err != nil {
			continue
		}

		c := amountCandidate{start: start, end: end, amount: amount}

		if markStart, currency, ok := prefixMarker(text[:start]); ok {
			c.start = markStart
			c.currency = currency
			c.marked = true
		} else if r, _ := utf8.DecodeLastRuneInString(text[:start]); start > 0 && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.') {
			// Glued to a word, such as "A4" or "v2"
			continue
		}

		if markEnd, currency, ok := suffixMarker(text, end); ok {
			c.end = markEnd
			if !c.marked {
				c.currency = currency
			}
			c.marked = true
		}

		if c.start > 0 && text[c.start-1] == '-' && (c.start == 1 || text[c.start-2] == ' ') {
			c.start--
			c.amount = c.amount.Neg()
		}

		candidates = append(candidates, c)
	}
	return candidates
}

// prefixMarker looks for a currency marker at the end of before, allowing one run of spaces
func prefixMarker(before string) (int, string, bool) {
	trimmed := strings.TrimRight(before, " \t")
	for _, m := range prefixMarkers {
		markStart := len(trimmed) - len(m.text)
		if markStart < 0 || !strings.EqualFold(trimmed[markStart:], m.text) {
			continue
		}
		// Markers must not end a word, "BUSD" and "AUS$" hold no "USD" or "US$"
		if markStart > 0 {
			if r, _ := utf8.DecodeLastRuneInString(trimmed[:markStart]); unicode.IsLetter(r) {
				continue
			}
		}
		return markStart, m.currency, true
	}
	return 0, "", false
}

// suffixMarker looks for a currency code or unit right after the number at end
func suffixMarker(text string, end int) (int, string, bool) {
	rest := text[end:]
	trimmed := strings.TrimLeft(rest, " \t")
	offset := end + len(rest) - len(trimmed)
	for _, m := range suffixMarkers {
		if len(trimmed) < len(m.text) || !strings.EqualFold(trimmed[:len(m.text)], m.text) {
			continue
		}
		// "5 $10" is two amounts, the "$" belongs to the second
		after := trimmed[len(m.text):]
		if r, _ := utf8.DecodeRuneInString(after); after != "" && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		return offset + len(m.text), m.currency, true
	}
	return 0, "", false
}

// extractKeywords tokenizes text into lowercase keywords, dropping numbers and stopwords.
// Order of first appearance is kept.
func extractKeywords(text string) []string {
	keywords := make([]string, 0)
	seen := make(map[string]struct{})
	for _, token := range tokenPattern.FindAllString(text, -1) {
		token = strings.ToLower(token)
		if utf8.RuneCountInString(token) < 2 || !hasLetter(token) {
			continue
		}
		if _, ok := stopwords[token]; ok {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		keywords = append(keywords, token)
	}
	return keywords
}

func isDigitAt(s string, i int) bool {
	return s[i] >= '0' && s[i] <= '9'
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
