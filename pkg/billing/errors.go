package billing

import (
	"errors"
	"fmt"
)

// ValidationError indicates bad input from the caller. Never retried.
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

// ConflictError indicates the requested mutation conflicts with current
// state, e.g. a second billable subscription for the same tenant.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

var (
	// ErrSubscriptionNotFound indicates no subscription exists for the lookup
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrInvoiceNotFound indicates no invoice exists for the lookup
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrPaymentMethodNotFound indicates no payment method exists for the lookup
	ErrPaymentMethodNotFound = errors.New("payment method not found")
	// ErrAttemptNotFound indicates no dunning attempt exists for the lookup
	ErrAttemptNotFound = errors.New("dunning attempt not found")
	// ErrCustomerNotFound indicates no tenant is mapped to a processor customer
	ErrCustomerNotFound = errors.New("no tenant mapped to processor customer")
)

// IsNotFound reports whether err is any of the ledger not-found errors
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrPaymentMethodNotFound) ||
		errors.Is(err, ErrAttemptNotFound) ||
		errors.Is(err, ErrCustomerNotFound)
}
