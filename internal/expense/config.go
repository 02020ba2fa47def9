package expense

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the knobs the pipeline reads. It is passed in at construction and never mutated.
type Config struct {
	// BaseCurrency applies when a message names no currency
	BaseCurrency string
	// ConfidenceThreshold is the lowest AI confidence accepted before falling back to Other
	ConfidenceThreshold float64
	// MaxAttempts is the total number of tries for a transient failure
	MaxAttempts int
	// Backoff is the first delay between tries. It doubles after each try.
	Backoff time.Duration

	OCRTimeout time.Duration
	AITimeout  time.Duration
	DBTimeout  time.Duration

	// SessionTTL is how long a paused run waits for the user
	SessionTTL time.Duration

	// Rules are checked in order before the AI labeler. Nil means DefaultRules.
	Rules []Rule
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		BaseCurrency:        "SGD",
		ConfidenceThreshold: 0.5,
		MaxAttempts:         3,
		Backoff:             200 * time.Millisecond,
		OCRTimeout:          30 * time.Second,
		AITimeout:           10 * time.Second,
		DBTimeout:           5 * time.Second,
		SessionTTL:          24 * time.Hour,
	}
}

// Validate checks that the configuration is usable
func (c Config) Validate() error {
	if c.BaseCurrency != "" && strings.TrimSpace(c.BaseCurrency) != c.BaseCurrency {
		return fmt.Errorf("base currency %q has surrounding whitespace", c.BaseCurrency)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be between 0 and 1, got %v", c.ConfidenceThreshold)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Backoff < 0 {
		return fmt.Errorf("backoff must not be negative, got %s", c.Backoff)
	}
	if c.OCRTimeout <= 0 || c.AITimeout <= 0 || c.DBTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL)
	}
	for i, r := range c.Rules {
		if !r.Category.Valid() {
			return fmt.Errorf("rule %d: unknown category %q", i, r.Category)
		}
		if len(r.Keywords) == 0 {
			return fmt.Errorf("rule %d: no keywords", i)
		}
	}
	return nil
}

func (c Config) rules() []Rule {
	if c.Rules == nil {
		return DefaultRules()
	}
	return c.Rules
}

func (c Config) retryPolicy() retryPolicy {
	return retryPolicy{attempts: c.MaxAttempts, backoff: c.Backoff}
}
