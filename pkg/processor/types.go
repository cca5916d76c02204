package processor

import (
	"context"
	"encoding/json"
)

// Customer is the processor-side customer record
type Customer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email,omitempty"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Subscription is the processor-side subscription record
type Subscription struct {
	ID                 string `json:"id"`
	CustomerID         string `json:"customer"`
	Status             string `json:"status"`
	PlanID             string `json:"plan"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CanceledAt         int64  `json:"canceled_at,omitempty"`
	TrialStart         int64  `json:"trial_start,omitempty"`
	TrialEnd           int64  `json:"trial_end,omitempty"`
}

// Invoice is the processor-side invoice record
type Invoice struct {
	ID                 string `json:"id"`
	CustomerID         string `json:"customer"`
	SubscriptionID     string `json:"subscription,omitempty"`
	Status             string `json:"status"`
	AmountDue          int64  `json:"amount_due"`
	AmountPaid         int64  `json:"amount_paid"`
	AmountRemaining    int64  `json:"amount_remaining"`
	Currency           string `json:"currency"`
	DueDate            int64  `json:"due_date,omitempty"`
	PaidAt             int64  `json:"paid_at,omitempty"`
	AttemptCount       int    `json:"attempt_count"`
	LastPaymentError   string `json:"last_payment_error,omitempty"`
	NextPaymentAttempt int64  `json:"next_payment_attempt,omitempty"`
}

// Card holds display-only card details; raw card data never leaves the processor
type Card struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

// PaymentMethod is the processor-side tokenized payment method
type PaymentMethod struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer,omitempty"`
	Type       string `json:"type"`
	Card       *Card  `json:"card,omitempty"`
}

// SetupIntent represents a pending payment method collection flow
type SetupIntent struct {
	ID           string `json:"id"`
	CustomerID   string `json:"customer"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// Event is a webhook notification from the processor. Data.Object holds
// the affected resource and is decoded per event type by the dispatcher.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`
}

// EventData wraps the raw resource payload of an event
type EventData struct {
	Object json.RawMessage `json:"object"`
}

// CreateSubscriptionParams are the inputs to open a processor subscription
type CreateSubscriptionParams struct {
	CustomerID      string `json:"customer"`
	PlanID          string `json:"plan"`
	PaymentMethodID string `json:"payment_method,omitempty"`
	TrialDays       int    `json:"trial_days,omitempty"`
}

// Gateway is the outbound surface of the payment processor
type Gateway interface {
	CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (*Customer, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)

	CreateSubscription(ctx context.Context, params *CreateSubscriptionParams) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*Subscription, error)
	ResumeSubscription(ctx context.Context, id string) (*Subscription, error)

	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	UpcomingInvoice(ctx context.Context, customerID string) (*Invoice, error)
	PayInvoice(ctx context.Context, id string) (*Invoice, error)

	CreateSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error)
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*PaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error
	ListPaymentMethods(ctx context.Context, customerID string) ([]*PaymentMethod, error)
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	VerifySignature(payload []byte, signatureHeader string) error
}
