package expense

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category is the label a transaction is filed under
type Category string

const (
	CategoryFood          Category = "Food"
	CategoryTransport     Category = "Transport"
	CategoryBills         Category = "Bills"
	CategoryShopping      Category = "Shopping"
	CategoryEntertainment Category = "Entertainment"
	CategoryHealth        Category = "Health"
	CategoryServices      Category = "Services"
	CategoryOther         Category = "Other"
)

// Categories lists every category in display order
var Categories = []Category{
	CategoryFood,
	CategoryTransport,
	CategoryBills,
	CategoryShopping,
	CategoryEntertainment,
	CategoryHealth,
	CategoryServices,
	CategoryOther,
}

// categoryAliases maps lowercase labels used by people and models onto the closed set
var categoryAliases = map[string]Category{
	"food & drinks":       CategoryFood,
	"food and drinks":     CategoryFood,
	"food & drink":        CategoryFood,
	"groceries":           CategoryFood,
	"grocery":             CategoryFood,
	"dining":              CategoryFood,
	"transportation":      CategoryTransport,
	"travel":              CategoryTransport,
	"bills & utilities":   CategoryBills,
	"bills and utilities": CategoryBills,
	"utilities":           CategoryBills,
	"shop":                CategoryShopping,
	"medical":             CategoryHealth,
	"healthcare":          CategoryHealth,
	"service":             CategoryServices,
	"uncategorized":       CategoryOther,
}

// Valid reports whether c is a member of the closed category set
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory maps a free-form label to a category.
// The boolean is false when the label is unknown, in which case CategoryOther is returned.
func ParseCategory(label string) (Category, bool) {
	normalized := strings.ToLower(strings.TrimSpace(label))
	for _, c := range Categories {
		if strings.ToLower(string(c)) == normalized {
			return c, true
		}
	}
	if c, ok := categoryAliases[normalized]; ok {
		return c, true
	}
	return CategoryOther, false
}

func categoryLabels() []string {
	labels := make([]string, len(Categories))
	for i, c := range Categories {
		labels[i] = string(c)
	}
	return labels
}

// Source records what kind of message a transaction came from
type Source string

const (
	SourceText  Source = "text"
	SourceImage Source = "image"
)

// Transaction is a persisted expense
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Category    Category        `json:"category"`
	Keywords    []string        `json:"keywords"`
	RawText     string          `json:"raw_text"`
	Source      Source          `json:"source"`
	ImagePath   string          `json:"image_path,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	Confidence  float64         `json:"confidence"`
	CreatedAt   time.Time       `json:"created_at"`
}

// clone returns a copy that shares no slices with t
func (t Transaction) clone() Transaction {
	if t.Keywords != nil {
		t.Keywords = append([]string(nil), t.Keywords...)
	}
	return t
}

// RawInput is one incoming message, either text or an image
type RawInput struct {
	Source      Source
	Text        string
	Image       []byte
	ContentType string
	Filename    string
}

// TextInput wraps a text message
func TextInput(text string) RawInput {
	return RawInput{Source: SourceText, Text: text}
}

// ImageInput wraps an uploaded photo or PDF
func ImageInput(data []byte, contentType, filename string) RawInput {
	return RawInput{Source: SourceImage, Image: data, ContentType: contentType, Filename: filename}
}

// NormalizedText is the plain text a message reduces to
type NormalizedText struct {
	// Text is trimmed with whitespace runs collapsed
	Text string
	// Raw is the message text as received, or the OCR output for images
	Raw    string
	Source Source
}

// ExtractedFacts is what the extractor finds in a message
type ExtractedFacts struct {
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Currency string           `json:"currency,omitempty"`
	RawText  string           `json:"raw_text"`
	Keywords []string         `json:"keywords"`
}

// Filter narrows a transaction listing. Zero fields match everything.
type Filter struct {
	Category Category
	Keyword  string
	From     time.Time
	To       time.Time
}

// Matches reports whether t passes the filter
func (f Filter) Matches(t *Transaction) bool {
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if !(DateRange{From: f.From, To: f.To}).Contains(t.CreatedAt) {
		return false
	}
	if f.Keyword != "" {
		want := strings.ToLower(strings.TrimSpace(f.Keyword))
		for _, k := range t.Keywords {
			if strings.ToLower(k) == want {
				return true
			}
		}
		return false
	}
	return true
}

// Page selects a window of a listing. A zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
}

// DateRange is a half-open interval [From, To). Zero bounds are open.
type DateRange struct {
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

// Contains reports whether ts falls inside the range
func (r DateRange) Contains(ts time.Time) bool {
	if !r.From.IsZero() && ts.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !ts.Before(r.To) {
		return false
	}
	return true
}
