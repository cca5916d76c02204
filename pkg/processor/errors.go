package processor

import (
	"errors"
	"fmt"
)

// ErrSignatureInvalid indicates a webhook delivery failed signature
// verification. The HTTP boundary must reject with 400 without processing.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// ProcessorUnavailableError indicates a transient failure talking to the
// processor after bounded retries exhausted.
type ProcessorUnavailableError struct {
	Operation string
	Err       error
}

func (e *ProcessorUnavailableError) Error() string {
	return fmt.Sprintf("processor unavailable during %s: %v", e.Operation, e.Err)
}

func (e *ProcessorUnavailableError) Unwrap() error {
	return e.Err
}

// APIError is a non-retryable rejection from the processor API
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("processor API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsUnavailable reports whether err is a transient processor failure
func IsUnavailable(err error) bool {
	var unavailable *ProcessorUnavailableError
	return errors.As(err, &unavailable)
}
