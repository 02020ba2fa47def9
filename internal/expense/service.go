package expense

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// Service is the entry point for callers: it submits messages and answers queries
type Service struct {
	pipeline   *Pipeline
	db         DB
	storage    Storage
	timeSource TimeSource
	recapper   *Recapper
	logger     *slog.Logger
}

// NewService creates a new Service with the default time source and logger
func NewService(pipeline *Pipeline, db DB, storage Storage) *Service {
	return NewServiceWithDeps(pipeline, db, storage, &utcTimeSource{}, slog.Default())
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(pipeline *Pipeline, db DB, storage Storage, timeSrc TimeSource, logger *slog.Logger) *Service {
	cfg := DefaultConfig()
	if pipeline != nil {
		cfg = pipeline.cfg
	}
	return &Service{
		pipeline:   pipeline,
		db:         db,
		storage:    storage,
		timeSource: timeSrc,
		recapper:   NewRecapper(cfg, db, nil, nil, timeSrc, logger),
		logger:     logger,
	}
}

// WithRecapper replaces the word-matching recapper, typically with one backed by a model
func (s *Service) WithRecapper(r *Recapper) *Service {
	s.recapper = r
	return s
}

// Recap answers a free-text question about the user's spending
func (s *Service) Recap(ctx context.Context, userID, query string) (*Recap, error) {
	return s.recapper.Recap(ctx, userID, query)
}

// SubmitEntry records an expense from a text or image message
func (s *Service) SubmitEntry(ctx context.Context, userID string, in RawInput) Outcome {
	return s.pipeline.Submit(ctx, userID, in)
}

// ProvideAmount answers the prompt of a paused entry
func (s *Service) ProvideAmount(ctx context.Context, userID, sessionID string, reply AmountReply) Outcome {
	return s.pipeline.ProvideAmount(ctx, userID, sessionID, reply)
}

// ListTransactions returns the user's transactions, newest first
func (s *Service) ListTransactions(ctx context.Context, userID string, filter Filter, page Page) ([]*Transaction, error) {
	if page.Limit < 0 || page.Offset < 0 {
		return nil, fmt.Errorf("negative page bounds: %w", ErrMalformedInput)
	}
	transactions, err := s.db.ListTransactions(ctx, userID, filter, page)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return transactions, nil
}

// GetCategorySummary totals the user's spending per category within r
func (s *Service) GetCategorySummary(ctx context.Context, userID string, r DateRange) (map[Category]decimal.Decimal, error) {
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return nil, fmt.Errorf("range start %s is not before end %s: %w", r.From, r.To, ErrMalformedInput)
	}
	totals, err := s.db.AggregateByCategory(ctx, userID, r)
	if err != nil {
		return nil, fmt.Errorf("aggregating transactions: %w", err)
	}
	return totals, nil
}

// TimeframeRange resolves a named timeframe against the current time
func (s *Service) TimeframeRange(tf Timeframe) DateRange {
	return tf.Range(s.timeSource.Now())
}

// GetTransaction retrieves one of the user's transactions
func (s *Service) GetTransaction(ctx context.Context, userID, id string) (*Transaction, error) {
	t, err := s.db.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting transaction: %w", err)
	}
	// Other users' records look missing
	if t.UserID != userID {
		return nil, fmt.Errorf("getting transaction %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// DeleteTransaction removes a transaction and its image
func (s *Service) DeleteTransaction(ctx context.Context, userID, id string) error {
	t, err := s.GetTransaction(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("getting transaction for deletion: %w", err)
	}

	if err := s.db.DeleteTransaction(ctx, userID, id); err != nil {
		return fmt.Errorf("deleting transaction from database: %w", err)
	}

	if t.ImagePath != "" && s.storage != nil {
		if err := s.storage.Delete(ctx, t.ImagePath); err != nil {
			// The record is gone, so a stray file is only logged
			s.logger.Warn("Failed to delete image", "path", t.ImagePath, "error", err)
		}
	}
	return nil
}

// AddKeywords tags a transaction with more keywords
func (s *Service) AddKeywords(ctx context.Context, userID, id string, keywords []string) (*Transaction, error) {
	cleaned := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("no keywords given: %w", ErrMalformedInput)
	}

	t, err := s.db.AddKeywords(ctx, userID, id, cleaned)
	if err != nil {
		return nil, fmt.Errorf("adding keywords: %w", err)
	}
	return t, nil
}

// GetTransactionImage returns the receipt image behind a transaction
func (s *Service) GetTransactionImage(ctx context.Context, userID, id string) ([]byte, string, error) {
	t, err := s.GetTransaction(ctx, userID, id)
	if err != nil {
		return nil, "", err
	}
	if t.ImagePath == "" || s.storage == nil {
		return nil, "", fmt.Errorf("transaction %s has no image: %w", id, ErrNotFound)
	}

	data, err := s.storage.Get(ctx, t.ImagePath)
	if err != nil {
		return nil, "", fmt.Errorf("getting transaction image: %w", err)
	}

	contentType := t.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}
