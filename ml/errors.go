package ml

import (
	"errors"
	"fmt"
)

var (
	// ErrModelUnavailable is returned by every call into a feature whose artifact
	// failed to load at startup.
	ErrModelUnavailable = errors.New("model not loaded")

	// ErrUnknownUser marks a cold-start lookup. It is an expected outcome, not a failure.
	ErrUnknownUser = errors.New("user unknown (cold start)")

	// ErrPrediction wraps failures raised by a model while scoring well-formed input.
	ErrPrediction = errors.New("prediction failed")

	// ErrInsufficientNeighbors means the neighbor model cannot produce a user other
	// than the query itself.
	ErrInsufficientNeighbors = errors.New("neighbor model has fewer than 2 rows")
)

// ValidationError is an input problem detected before any model is touched.
// Its message is safe to return to clients.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

func predictionError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPrediction, fmt.Sprintf(format, args...))
}
