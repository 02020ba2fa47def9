package expense

import (
	"context"
	"errors"
	"fmt"

	"github.com/zombor/spend-tracker/internal/scanning"
)

var (
	// ErrNoTextFound means OCR found nothing legible in an image
	ErrNoTextFound = errors.New("no text found")
	// ErrNoAmountFound means the message has no number that could be an amount
	ErrNoAmountFound = errors.New("no amount found")
	// ErrInvalidAmount means the amount is missing, zero or negative
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrMissingCurrency means neither the message nor the config names a currency
	ErrMissingCurrency = errors.New("missing currency")
	// ErrMalformedInput means the message can never be processed as sent
	ErrMalformedInput = errors.New("malformed input")

	// ErrUnavailable means the store could not be reached. Callers may retry.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConstraintViolation means the store rejected a write as inconsistent
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrNotFound means the record does not exist for this user
	ErrNotFound = errors.New("not found")
	// ErrSessionNotFound means a paused run is unknown or has expired
	ErrSessionNotFound = errors.New("session not found")
)

// ErrorCode identifies a failure to callers without exposing internals
type ErrorCode string

const (
	CodeNoTextFound         ErrorCode = "NO_TEXT_FOUND"
	CodeNoAmountFound       ErrorCode = "NO_AMOUNT_FOUND"
	CodeInvalidAmount       ErrorCode = "INVALID_AMOUNT"
	CodeMissingCurrency     ErrorCode = "MISSING_CURRENCY"
	CodeMalformedInput      ErrorCode = "MALFORMED_INPUT"
	CodeStoreUnavailable    ErrorCode = "STORE_UNAVAILABLE"
	CodeConstraintViolation ErrorCode = "CONSTRAINT_VIOLATION"
	CodeScannerUnavailable  ErrorCode = "SCANNER_UNAVAILABLE"
	CodeCancelled           ErrorCode = "CANCELLED"
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInternal            ErrorCode = "INTERNAL"
)

// Failure is the only error shape that leaves the pipeline
type Failure struct {
	Stage   Stage     `json:"stage"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s failed (%s): %s", f.Stage, f.Code, f.Message)
}

// isRecoverable reports whether err can be fixed by asking the user for more input
func isRecoverable(err error) bool {
	return errors.Is(err, ErrNoTextFound) ||
		errors.Is(err, ErrNoAmountFound) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrMissingCurrency)
}

// codeFor maps an internal error onto its public code
func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrNoTextFound):
		return CodeNoTextFound
	case errors.Is(err, ErrNoAmountFound):
		return CodeNoAmountFound
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrMissingCurrency):
		return CodeMissingCurrency
	case errors.Is(err, ErrMalformedInput):
		return CodeMalformedInput
	case errors.Is(err, ErrUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrConstraintViolation):
		return CodeConstraintViolation
	case errors.Is(err, scanning.ErrUnavailable):
		return CodeScannerUnavailable
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodeInternal
	}
}

// userMessages are safe to show to the person who sent the message
var userMessages = map[ErrorCode]string{
	CodeNoTextFound:         "I couldn't read any text in that image. How much did you spend?",
	CodeNoAmountFound:       "I couldn't find an amount in that message. How much did you spend?",
	CodeInvalidAmount:       "The amount must be greater than zero. How much did you spend?",
	CodeMissingCurrency:     "Which currency was that in? Please send the amount with a currency.",
	CodeMalformedInput:      "That message can't be recorded as an expense.",
	CodeStoreUnavailable:    "Saving is unavailable right now. Please try again later.",
	CodeConstraintViolation: "That expense couldn't be saved.",
	CodeScannerUnavailable:  "Reading receipts is unavailable right now. Please try again later.",
	CodeCancelled:           "The request was cancelled before anything was saved.",
	CodeSessionNotFound:     "That request has expired. Please send the expense again.",
	CodeNotFound:            "Not found.",
	CodeInternal:            "Something went wrong.",
}

func messageFor(code ErrorCode) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return userMessages[CodeInternal]
}

func newFailure(stage Stage, err error) *Failure {
	code := codeFor(err)
	return &Failure{Stage: stage, Code: code, Message: messageFor(code)}
}
