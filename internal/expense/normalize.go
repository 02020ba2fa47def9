package expense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/spend-tracker/internal/scanning"
)

// Normalizer reduces a message to plain text, running OCR on images
type Normalizer struct {
	scanner scanning.Scanner
	timeout time.Duration
	retry   retryPolicy
	logger  *slog.Logger
}

// NewNormalizer creates a Normalizer. scanner may be nil when image input is not supported.
func NewNormalizer(cfg Config, scanner scanning.Scanner, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		scanner: scanner,
		timeout: cfg.OCRTimeout,
		retry:   cfg.retryPolicy(),
		logger:  logger,
	}
}

// Normalize returns the text of in. Text is trimmed with whitespace collapsed.
func (n *Normalizer) Normalize(ctx context.Context, in RawInput) (NormalizedText, error) {
	switch in.Source {
	case SourceText:
		text := collapseWhitespace(in.Text)
		if text == "" {
			return NormalizedText{}, fmt.Errorf("normalizing text: empty message: %w", ErrMalformedInput)
		}
		return NormalizedText{Text: text, Raw: in.Text, Source: SourceText}, nil
	case SourceImage:
		return n.normalizeImage(ctx, in)
	default:
		return NormalizedText{}, fmt.Errorf("normalizing: unknown source %q: %w", in.Source, ErrMalformedInput)
	}
}

func (n *Normalizer) normalizeImage(ctx context.Context, in RawInput) (NormalizedText, error) {
	if len(in.Image) == 0 {
		return NormalizedText{}, fmt.Errorf("normalizing image: empty upload: %w", ErrMalformedInput)
	}
	if n.scanner == nil {
		return NormalizedText{}, fmt.Errorf("normalizing image: no scanner configured: %w", ErrMalformedInput)
	}

	var text string
	err := n.retry.do(ctx, isScannerTransient, func(ctx context.Context) error {
		ocrCtx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()

		var err error
		text, err = n.scanner.ReadText(ocrCtx, in.Image, in.ContentType)
		return err
	})
	if err != nil {
		if errors.Is(err, scanning.ErrUnsupportedFormat) {
			return NormalizedText{}, fmt.Errorf("reading image: %w: %w", ErrMalformedInput, err)
		}
		if ctx.Err() != nil {
			return NormalizedText{}, fmt.Errorf("reading image: %w", ctx.Err())
		}
		return NormalizedText{}, fmt.Errorf("reading image: %w", err)
	}

	n.logger.Debug("OCR finished",
		"filename", in.Filename,
		"content_type", in.ContentType,
		"file_size", len(in.Image),
		"text_length", len(text),
	)

	collapsed := collapseWhitespace(text)
	if collapsed == "" {
		return NormalizedText{}, fmt.Errorf("reading image: %w", ErrNoTextFound)
	}
	return NormalizedText{Text: collapsed, Raw: text, Source: SourceImage}, nil
}

func isScannerTransient(err error) bool {
	return errors.Is(err, scanning.ErrUnavailable)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
