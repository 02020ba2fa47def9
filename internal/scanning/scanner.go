package scanning

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable marks a failure talking to the backing model that may succeed on retry
	ErrUnavailable = errors.New("scanner unavailable")

	// ErrUnsupportedFormat is returned when an upload cannot be decoded as an image or PDF
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// Suggestion is a category proposed by a model
type Suggestion struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Scanner reads the text printed on a receipt photo or PDF
type Scanner interface {
	// ReadText returns the text found in the image, or "" when nothing is legible
	ReadText(ctx context.Context, imageData []byte, contentType string) (string, error)
	// Close closes the scanner and releases resources
	Close() error
}

// Labeler picks one of the given categories for a free-form expense description
type Labeler interface {
	Label(ctx context.Context, text string, categories []string) (*Suggestion, error)
}
