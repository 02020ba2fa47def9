package expense

import (
	"fmt"
	"strings"
)

// Builder turns extracted facts into an unsaved transaction
type Builder struct {
	baseCurrency string
}

// NewBuilder creates a Builder that falls back to baseCurrency
func NewBuilder(baseCurrency string) *Builder {
	return &Builder{baseCurrency: strings.ToUpper(strings.TrimSpace(baseCurrency))}
}

// Build validates facts and assembles a candidate transaction with no ID or CreatedAt
func (b *Builder) Build(facts ExtractedFacts, classification Classification, userID string) (Transaction, error) {
	if facts.Amount == nil {
		return Transaction{}, fmt.Errorf("building transaction: amount missing: %w", ErrInvalidAmount)
	}
	if !facts.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("building transaction: amount %s: %w", facts.Amount.String(), ErrInvalidAmount)
	}
	// Stores keep cents, a finer amount would be rounded on write
	if !facts.Amount.Equal(facts.Amount.Round(2)) {
		return Transaction{}, fmt.Errorf("building transaction: amount %s has more than 2 decimal places: %w", facts.Amount.String(), ErrInvalidAmount)
	}

	currency := strings.ToUpper(strings.TrimSpace(facts.Currency))
	if currency == "" {
		currency = b.baseCurrency
	}
	if currency == "" {
		return Transaction{}, fmt.Errorf("building transaction: %w", ErrMissingCurrency)
	}

	category := classification.Category
	if !category.Valid() {
		category = CategoryOther
	}

	keywords := make([]string, len(facts.Keywords))
	copy(keywords, facts.Keywords)

	return Transaction{
		UserID:     userID,
		Amount:     *facts.Amount,
		Currency:   currency,
		Category:   category,
		Keywords:   keywords,
		RawText:    facts.RawText,
		Confidence: classification.Confidence,
	}, nil
}
