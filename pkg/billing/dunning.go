package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/recurring/pkg/observability"
	"github.com/platinummonkey/recurring/pkg/processor"
)

// DunningPolicy controls how many payment retries are scheduled and how far
// apart they land. RetryOffsets[n-1] is the delay for attempt n, measured
// from the failure that triggered it.
type DunningPolicy struct {
	MaxAttempts  int
	RetryOffsets []time.Duration
}

// DefaultPolicy retries three times at one, three and seven days out
func DefaultPolicy() DunningPolicy {
	return DunningPolicy{
		MaxAttempts: 3,
		RetryOffsets: []time.Duration{
			24 * time.Hour,
			72 * time.Hour,
			168 * time.Hour,
		},
	}
}

// DunningEngine schedules and executes payment retries for failed invoices.
// It never writes subscription status directly; suspension goes through the
// ledger's SuspendForDunning.
type DunningEngine struct {
	db      *sql.DB
	gateway processor.Gateway
	svc     Service
	policy  DunningPolicy
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewDunningEngine creates a dunning engine with the given retry policy
func NewDunningEngine(db *sql.DB, gateway processor.Gateway, svc Service, policy DunningPolicy, logger *observability.Logger, metrics *observability.Metrics) *DunningEngine {
	return &DunningEngine{
		db:      db,
		gateway: gateway,
		svc:     svc,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

const dunningColumns = `id, tenant_id, invoice_id, attempt_number, scheduled_at, executed_at,
	outcome, failure_reason, created_at`

func scanDunningAttempt(row rowScanner) (*DunningAttempt, error) {
	var attempt DunningAttempt
	var executedAt sql.NullTime
	err := row.Scan(
		&attempt.ID, &attempt.TenantID, &attempt.InvoiceID, &attempt.AttemptNumber,
		&attempt.ScheduledAt, &executedAt, &attempt.Outcome, &attempt.FailureReason,
		&attempt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if executedAt.Valid {
		attempt.ExecutedAt = &executedAt.Time
	}
	return &attempt, nil
}

// HandleFailedPayment reacts to a payment failure on an invoice. Each
// failure schedules the next retry from the policy; the unique constraint
// on (tenant, invoice, attempt number) makes replayed failure events
// harmless. Scheduling the final attempt also suspends the subscription,
// and failures past the schedule produce an unpersisted abandoned marker.
// A failure arriving after the invoice settled or was voided, or after a
// retry already succeeded, schedules nothing.
func (e *DunningEngine) HandleFailedPayment(ctx context.Context, inv *Invoice) (*DunningAttempt, error) {
	if inv == nil {
		return nil, &ValidationError{Field: "invoice", Message: "invoice is required"}
	}
	if inv.Status == InvoiceStatusPaid || inv.Status == InvoiceStatusVoided {
		// Late failure event for an invoice that already settled or was
		// voided. The dunning cycle for it is over.
		e.logger.WithTenant(inv.TenantID).WithFields(map[string]interface{}{
			"invoice_id": inv.ID,
			"status":     inv.Status,
		}).Info("ignoring payment failure for settled invoice")
		return nil, nil
	}

	var lastAttempt int
	var recovered bool
	err := e.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(attempt_number), 0), COALESCE(BOOL_OR(outcome = 'succeeded'), FALSE) FROM dunning_attempts WHERE tenant_id = $1 AND invoice_id = $2",
		inv.TenantID, inv.ID,
	).Scan(&lastAttempt, &recovered)
	if err != nil {
		return nil, fmt.Errorf("failed to count dunning attempts: %w", err)
	}
	if recovered {
		e.logger.WithTenant(inv.TenantID).WithField("invoice_id", inv.ID).Info("ignoring payment failure after successful retry")
		return nil, nil
	}

	next := lastAttempt + 1
	if next > e.policy.MaxAttempts {
		e.metrics.DunningExhaustedTotal.Inc()
		e.logger.WithTenant(inv.TenantID).WithField("invoice_id", inv.ID).Warn("payment failed after exhausted dunning schedule")
		if _, err := e.svc.SuspendForDunning(ctx, inv.TenantID); err != nil && !IsNotFound(err) {
			return nil, err
		}
		return &DunningAttempt{
			TenantID:      inv.TenantID,
			InvoiceID:     inv.ID,
			AttemptNumber: next,
			Outcome:       DunningOutcomeAbandoned,
		}, nil
	}

	scheduledAt := e.now().UTC().Add(e.policy.RetryOffsets[next-1])

	row := e.db.QueryRowContext(ctx, `
		INSERT INTO dunning_attempts (tenant_id, invoice_id, attempt_number, scheduled_at, outcome)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (tenant_id, invoice_id, attempt_number) DO NOTHING
		RETURNING `+dunningColumns,
		inv.TenantID, inv.ID, next, scheduledAt,
	)
	attempt, err := scanDunningAttempt(row)
	if err == sql.ErrNoRows {
		// Replayed failure event; return the attempt that already exists.
		row = e.db.QueryRowContext(ctx,
			"SELECT "+dunningColumns+" FROM dunning_attempts WHERE tenant_id = $1 AND invoice_id = $2 AND attempt_number = $3",
			inv.TenantID, inv.ID, next,
		)
		return scanDunningAttempt(row)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to schedule dunning attempt: %w", err)
	}

	e.metrics.DunningAttemptsTotal.WithLabelValues(string(DunningOutcomePending)).Inc()
	e.logger.WithTenant(inv.TenantID).WithFields(map[string]interface{}{
		"invoice_id":     inv.ID,
		"attempt_number": next,
		"scheduled_at":   scheduledAt,
	}).Info("payment retry scheduled")

	if next == e.policy.MaxAttempts {
		e.metrics.DunningExhaustedTotal.Inc()
		if _, err := e.svc.SuspendForDunning(ctx, inv.TenantID); err != nil && !IsNotFound(err) {
			return nil, err
		}
	}

	return attempt, nil
}

// ListDueAttempts returns pending attempts whose scheduled time has passed
func (e *DunningEngine) ListDueAttempts(ctx context.Context, limit int) ([]*DunningAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+dunningColumns+` FROM dunning_attempts
		WHERE outcome = 'pending' AND executed_at IS NULL AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2`,
		e.now().UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*DunningAttempt
	for rows.Next() {
		attempt, err := scanDunningAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dunning attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due attempts: %w", err)
	}

	return attempts, nil
}

// ExecuteScheduledAttempt runs one due dunning attempt. The attempt is
// claimed with a conditional update so two runners never charge the same
// invoice twice. An invoice that was already settled or voided locally is
// closed out without contacting the processor. A processor outage releases
// the claim so the attempt runs again on the next sweep.
func (e *DunningEngine) ExecuteScheduledAttempt(ctx context.Context, attemptID int64) (*DunningAttempt, error) {
	row := e.db.QueryRowContext(ctx, `
		UPDATE dunning_attempts SET executed_at = NOW()
		WHERE id = $1 AND executed_at IS NULL AND outcome = 'pending'
		RETURNING `+dunningColumns,
		attemptID,
	)
	attempt, err := scanDunningAttempt(row)
	if err == sql.ErrNoRows {
		row = e.db.QueryRowContext(ctx,
			"SELECT "+dunningColumns+" FROM dunning_attempts WHERE id = $1",
			attemptID,
		)
		attempt, err = scanDunningAttempt(row)
		if err == sql.ErrNoRows {
			return nil, ErrAttemptNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query dunning attempt: %w", err)
		}
		return attempt, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim dunning attempt: %w", err)
	}

	var processorInvoiceID string
	var invoiceStatus InvoiceStatus
	err = e.db.QueryRowContext(ctx,
		"SELECT processor_invoice_id, status FROM invoices WHERE id = $1",
		attempt.InvoiceID,
	).Scan(&processorInvoiceID, &invoiceStatus)
	if err == sql.ErrNoRows {
		return e.finalizeAttempt(ctx, attempt.ID, DunningOutcomeAbandoned, "invoice no longer exists")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice for attempt: %w", err)
	}

	switch invoiceStatus {
	case InvoiceStatusPaid:
		// Settled out of band, nothing to charge.
		return e.finalizeAttempt(ctx, attempt.ID, DunningOutcomeSucceeded, "")
	case InvoiceStatusVoided:
		return e.finalizeAttempt(ctx, attempt.ID, DunningOutcomeAbandoned, "invoice voided")
	}

	paid, err := e.gateway.PayInvoice(ctx, processorInvoiceID)
	if err != nil {
		var apiErr *processor.APIError
		if errors.As(err, &apiErr) {
			e.logger.WithTenant(attempt.TenantID).WithFields(map[string]interface{}{
				"invoice_id":     attempt.InvoiceID,
				"attempt_number": attempt.AttemptNumber,
				"code":           apiErr.Code,
			}).Warn("payment retry declined")
			return e.finalizeAttempt(ctx, attempt.ID, DunningOutcomeFailed, apiErr.Message)
		}

		// Transient outage; release the claim and let the next sweep retry.
		if _, rerr := e.db.ExecContext(ctx,
			"UPDATE dunning_attempts SET executed_at = NULL WHERE id = $1",
			attempt.ID,
		); rerr != nil {
			e.logger.WithError(rerr).WithTenant(attempt.TenantID).Error("failed to release dunning attempt claim")
		}
		return nil, err
	}

	if _, err := e.svc.UpsertInvoiceFromProcessor(ctx, paid); err != nil {
		e.logger.WithError(err).WithTenant(attempt.TenantID).WithField("invoice_id", attempt.InvoiceID).Error("failed to record paid invoice after retry")
	}

	return e.finalizeAttempt(ctx, attempt.ID, DunningOutcomeSucceeded, "")
}

func (e *DunningEngine) finalizeAttempt(ctx context.Context, attemptID int64, outcome DunningOutcome, reason string) (*DunningAttempt, error) {
	row := e.db.QueryRowContext(ctx, `
		UPDATE dunning_attempts SET outcome = $2, failure_reason = $3
		WHERE id = $1
		RETURNING `+dunningColumns,
		attemptID, outcome, reason,
	)
	attempt, err := scanDunningAttempt(row)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize dunning attempt: %w", err)
	}

	e.metrics.DunningAttemptsTotal.WithLabelValues(string(outcome)).Inc()
	e.logger.WithTenant(attempt.TenantID).WithFields(map[string]interface{}{
		"invoice_id":     attempt.InvoiceID,
		"attempt_number": attempt.AttemptNumber,
		"outcome":        outcome,
	}).Info("dunning attempt finished")

	return attempt, nil
}
