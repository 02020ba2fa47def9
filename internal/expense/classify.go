package expense

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/zombor/spend-tracker/internal/scanning"
)

// ClassificationSource says which path produced a category
type ClassificationSource string

const (
	ClassifiedByRule     ClassificationSource = "rule"
	ClassifiedByAI       ClassificationSource = "ai"
	ClassifiedByFallback ClassificationSource = "fallback"
)

// Classification is the category picked for a transaction
type Classification struct {
	Category   Category             `json:"category"`
	Confidence float64              `json:"confidence"`
	Source     ClassificationSource `json:"source"`
	// Degraded is set when the AI path was needed but could not answer
	Degraded bool `json:"degraded"`
}

// Classifier picks a category with the rule table first and the AI labeler second
type Classifier struct {
	rules     []Rule
	labeler   scanning.Labeler
	threshold float64
	timeout   time.Duration
	logger    *slog.Logger
}

// NewClassifier creates a Classifier. labeler may be nil, in which case unmatched
// keywords always fall back to Other.
func NewClassifier(cfg Config, labeler scanning.Labeler, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		rules:     cfg.rules(),
		labeler:   labeler,
		threshold: cfg.ConfidenceThreshold,
		timeout:   cfg.AITimeout,
		logger:    logger,
	}
}

// Classify always returns a category. It never fails.
func (c *Classifier) Classify(ctx context.Context, keywords []string, rawText string) Classification {
	if category, ok := matchRules(c.rules, keywords); ok {
		return Classification{Category: category, Confidence: 1.0, Source: ClassifiedByRule}
	}
	return c.classifyWithAI(ctx, rawText)
}

func (c *Classifier) classifyWithAI(ctx context.Context, rawText string) Classification {
	if c.labeler == nil {
		return c.fallback("no labeler configured")
	}

	aiCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		aiCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	label, err := c.labeler.Label(aiCtx, rawText, categoryLabels())
	if err != nil {
		return c.fallback("labeler failed", "error", err)
	}
	if label == nil {
		return c.fallback("labeler returned nothing")
	}

	category, ok := ParseCategory(label.Category)
	if !ok {
		return c.fallback("label not in category set", "label", label.Category)
	}

	confidence := clampConfidence(label.Confidence)
	if confidence < c.threshold {
		return c.fallback("label below confidence threshold",
			"label", label.Category,
			"confidence", confidence,
			"threshold", c.threshold,
		)
	}

	return Classification{Category: category, Confidence: confidence, Source: ClassifiedByAI}
}

func (c *Classifier) fallback(reason string, attrs ...any) Classification {
	c.logger.Warn("Classification degraded to "+string(CategoryOther), append([]any{"reason", reason}, attrs...)...)
	return Classification{Category: CategoryOther, Confidence: 0, Source: ClassifiedByFallback, Degraded: true}
}

func clampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
