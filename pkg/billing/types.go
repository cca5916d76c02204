package billing

import (
	"time"

	"github.com/platinummonkey/recurring/pkg/entitlements"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// subscriptionStatusOrder is the fixed total order used to reject
// out-of-order webhook transitions. Canceled is terminal.
var subscriptionStatusOrder = map[SubscriptionStatus]int{
	SubscriptionStatusTrialing: 1,
	SubscriptionStatusActive:   2,
	SubscriptionStatusPastDue:  3,
	SubscriptionStatusCanceled: 4,
}

// Billable reports whether a subscription in this status holds the
// tenant's single billable slot.
func (s SubscriptionStatus) Billable() bool {
	switch s {
	case SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusPastDue:
		return true
	}
	return false
}

// subscriptionTransitionAllowed implements the subscription state machine.
// Equal statuses are allowed so renewal events can refresh period bounds.
// past_due -> active is the dunning recovery edge; nothing leaves canceled.
func subscriptionTransitionAllowed(from, to SubscriptionStatus) bool {
	if from == SubscriptionStatusCanceled {
		return false
	}
	if from == to {
		return true
	}
	if from == SubscriptionStatusPastDue && to == SubscriptionStatusActive {
		return true
	}
	return subscriptionStatusOrder[to] > subscriptionStatusOrder[from]
}

// Subscription represents a tenant's subscription record
type Subscription struct {
	ID                      int64                 `json:"id"`
	TenantID                int64                 `json:"tenant_id"`
	Plan                    entitlements.PlanTier `json:"plan"`
	Status                  SubscriptionStatus    `json:"status"`
	ProcessorCustomerID     string                `json:"processor_customer_id,omitempty"`
	ProcessorSubscriptionID string                `json:"processor_subscription_id,omitempty"`
	CurrentPeriodStart      *time.Time            `json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time            `json:"current_period_end,omitempty"`
	TrialStart              *time.Time            `json:"trial_start,omitempty"`
	TrialEnd                *time.Time            `json:"trial_end,omitempty"`
	CancelAtPeriodEnd       bool                  `json:"cancel_at_period_end"`
	CanceledAt              *time.Time            `json:"canceled_at,omitempty"`
	CreatedAt               time.Time             `json:"created_at"`
	UpdatedAt               time.Time             `json:"updated_at"`
}

// InvoiceStatus represents the status of an invoice
type InvoiceStatus string

const (
	InvoiceStatusCreated       InvoiceStatus = "created"
	InvoiceStatusFinalized     InvoiceStatus = "finalized"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusPaymentFailed InvoiceStatus = "payment_failed"
	InvoiceStatusVoided        InvoiceStatus = "voided"
)

// invoiceStatusRank orders the main lifecycle chain created < finalized < paid.
// payment_failed and voided sit outside the chain and are handled explicitly.
var invoiceStatusRank = map[InvoiceStatus]int{
	InvoiceStatusCreated:   1,
	InvoiceStatusFinalized: 2,
	InvoiceStatusPaid:      3,
}

// acceptInvoiceTransition reports whether the ledger accepts moving an
// invoice from cur to next. Only forward transitions are accepted, so a
// late-arriving earlier event never regresses status. paid and voided are
// immutable; payment_failed absorbs everything except a later paid (a
// processor-recorded successful retry) or a void.
func acceptInvoiceTransition(cur, next InvoiceStatus) bool {
	if cur == next {
		return true
	}
	switch cur {
	case InvoiceStatusPaid, InvoiceStatusVoided:
		return false
	case InvoiceStatusPaymentFailed:
		return next == InvoiceStatusPaid || next == InvoiceStatusVoided
	default:
		if next == InvoiceStatusPaymentFailed || next == InvoiceStatusVoided {
			return true
		}
		return invoiceStatusRank[next] > invoiceStatusRank[cur]
	}
}

// Invoice represents one billing-period charge attempt
type Invoice struct {
	ID                   int64         `json:"id"`
	TenantID             int64         `json:"tenant_id"`
	SubscriptionID       int64         `json:"subscription_id,omitempty"`
	ProcessorInvoiceID   string        `json:"processor_invoice_id"`
	Status               InvoiceStatus `json:"status"`
	AmountDueCents       int64         `json:"amount_due_cents"`
	AmountPaidCents      int64         `json:"amount_paid_cents"`
	AmountRemainingCents int64         `json:"amount_remaining_cents"`
	Currency             string        `json:"currency"`
	DueDate              *time.Time    `json:"due_date,omitempty"`
	PaidAt               *time.Time    `json:"paid_at,omitempty"`
	AttemptCount         int           `json:"attempt_count"`
	LastFailureReason    string        `json:"last_failure_reason,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// ProjectedInvoice is a forward-looking estimate from the processor.
// Never persisted locally.
type ProjectedInvoice struct {
	TenantID       int64      `json:"tenant_id"`
	AmountDueCents int64      `json:"amount_due_cents"`
	Currency       string     `json:"currency"`
	DueDate        *time.Time `json:"due_date,omitempty"`
}

// PaymentMethodType represents the type of payment method
type PaymentMethodType string

const (
	PaymentMethodTypeCard        PaymentMethodType = "card"
	PaymentMethodTypeBankAccount PaymentMethodType = "bank_account"
)

// PaymentMethod is a tokenized reference to a charge instrument.
// Raw card data never reaches this system.
type PaymentMethod struct {
	ID                       int64             `json:"id"`
	TenantID                 int64             `json:"tenant_id"`
	ProcessorPaymentMethodID string            `json:"processor_payment_method_id"`
	Type                     PaymentMethodType `json:"type"`
	IsDefault                bool              `json:"is_default"`
	CardBrand                string            `json:"card_brand,omitempty"`
	CardLast4                string            `json:"card_last4,omitempty"`
	CardExpMonth             int               `json:"card_exp_month,omitempty"`
	CardExpYear              int               `json:"card_exp_year,omitempty"`
	CreatedAt                time.Time         `json:"created_at"`
	UpdatedAt                time.Time         `json:"updated_at"`
}

// DunningOutcome represents the outcome of a dunning attempt
type DunningOutcome string

const (
	DunningOutcomePending   DunningOutcome = "pending"
	DunningOutcomeSucceeded DunningOutcome = "succeeded"
	DunningOutcomeFailed    DunningOutcome = "failed"
	DunningOutcomeAbandoned DunningOutcome = "abandoned"
)

// DunningAttempt is one record per retry cycle on a failed invoice
type DunningAttempt struct {
	ID            int64          `json:"id"`
	TenantID      int64          `json:"tenant_id"`
	InvoiceID     int64          `json:"invoice_id"`
	AttemptNumber int            `json:"attempt_number"`
	ScheduledAt   time.Time      `json:"scheduled_at"`
	ExecutedAt    *time.Time     `json:"executed_at,omitempty"`
	Outcome       DunningOutcome `json:"outcome"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CreateSubscriptionRequest represents a request to create a subscription
type CreateSubscriptionRequest struct {
	Plan            entitlements.PlanTier `json:"plan"`
	PaymentMethodID string                `json:"payment_method_id,omitempty"`
	TrialDays       int                   `json:"trial_days,omitempty"`
}

// AddPaymentMethodRequest represents a request to attach a payment method
type AddPaymentMethodRequest struct {
	ProcessorPaymentMethodID string `json:"processor_payment_method_id"`
	SetAsDefault             bool   `json:"set_as_default"`
}

// mapProcessorSubscriptionStatus translates processor wire statuses into
// local statuses. Unknown statuses map to "" and are ignored by callers.
func mapProcessorSubscriptionStatus(s string) SubscriptionStatus {
	switch s {
	case "trialing":
		return SubscriptionStatusTrialing
	case "active":
		return SubscriptionStatusActive
	case "past_due", "unpaid":
		return SubscriptionStatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return SubscriptionStatusCanceled
	}
	return ""
}

// mapProcessorInvoiceStatus translates processor wire statuses into local
// statuses. Unknown statuses map to "" and are ignored by callers.
func mapProcessorInvoiceStatus(s string) InvoiceStatus {
	switch s {
	case "draft", "created":
		return InvoiceStatusCreated
	case "open", "finalized":
		return InvoiceStatusFinalized
	case "paid":
		return InvoiceStatusPaid
	case "payment_failed", "uncollectible":
		return InvoiceStatusPaymentFailed
	case "void", "voided":
		return InvoiceStatusVoided
	}
	return ""
}

// unixTime converts a unix seconds value to *time.Time, nil when zero
func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// ListInvoicesOptions filters and paginates invoice listings
type ListInvoicesOptions struct {
	Status InvoiceStatus `json:"status,omitempty"`
	Limit  int           `json:"limit,omitempty"`
	Offset int           `json:"offset,omitempty"`
}
