package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/recurring/pkg/entitlements"
	"github.com/platinummonkey/recurring/pkg/processor"
)

const subscriptionColumns = `id, tenant_id, plan, status, processor_customer_id, processor_subscription_id,
	current_period_start, current_period_end, trial_start, trial_end,
	cancel_at_period_end, canceled_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var periodStart, periodEnd, trialStart, trialEnd, canceledAt sql.NullTime
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.Plan, &sub.Status,
		&sub.ProcessorCustomerID, &sub.ProcessorSubscriptionID,
		&periodStart, &periodEnd, &trialStart, &trialEnd,
		&sub.CancelAtPeriodEnd, &canceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if periodStart.Valid {
		sub.CurrentPeriodStart = &periodStart.Time
	}
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = &periodEnd.Time
	}
	if trialStart.Valid {
		sub.TrialStart = &trialStart.Time
	}
	if trialEnd.Valid {
		sub.TrialEnd = &trialEnd.Time
	}
	if canceledAt.Valid {
		sub.CanceledAt = &canceledAt.Time
	}
	return &sub, nil
}

func tenantLockKey(tenantID int64) string {
	return fmt.Sprintf("tenant:%d", tenantID)
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// CreateSubscription opens a processor subscription for the tenant and
// records it locally. A tenant can hold at most one billable subscription;
// the pre-check plus the partial unique index enforce that under races.
func (s *PostgresService) CreateSubscription(ctx context.Context, tenantID int64, req *CreateSubscriptionRequest) (*Subscription, error) {
	if req == nil {
		return nil, &ValidationError{Field: "request", Message: "request body is required"}
	}
	if !entitlements.ValidTier(req.Plan) || req.Plan == entitlements.PlanFree {
		return nil, &ValidationError{Field: "plan", Message: fmt.Sprintf("invalid plan: %s", req.Plan)}
	}
	if req.TrialDays < 0 {
		return nil, &ValidationError{Field: "trial_days", Message: "trial_days must not be negative"}
	}

	unlock := s.subLocks.Lock(tenantLockKey(tenantID))
	defer unlock()

	customerID, err := s.ensureCustomer(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM subscriptions WHERE tenant_id = $1 AND status IN ('trialing', 'active', 'past_due'))",
		tenantID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing subscription: %w", err)
	}
	if exists {
		return nil, &ConflictError{Message: "tenant already has an active subscription"}
	}

	ext, err := s.gateway.CreateSubscription(ctx, &processor.CreateSubscriptionParams{
		CustomerID:      customerID,
		PlanID:          string(req.Plan),
		PaymentMethodID: req.PaymentMethodID,
		TrialDays:       req.TrialDays,
	})
	if err != nil {
		return nil, err
	}

	status := mapProcessorSubscriptionStatus(ext.Status)
	if status == "" {
		status = SubscriptionStatusActive
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (
			tenant_id, plan, status, processor_customer_id, processor_subscription_id,
			current_period_start, current_period_end, trial_start, trial_end, cancel_at_period_end
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+subscriptionColumns,
		tenantID, req.Plan, status, customerID, ext.ID,
		unixTime(ext.CurrentPeriodStart), unixTime(ext.CurrentPeriodEnd),
		unixTime(ext.TrialStart), unixTime(ext.TrialEnd), ext.CancelAtPeriodEnd,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to another create after the processor call.
			// Cancel the remote subscription immediately so the tenant is
			// not charged for one the ledger never recorded.
			if _, cerr := s.gateway.CancelSubscription(ctx, ext.ID, false); cerr != nil {
				s.logger.WithError(cerr).WithTenant(tenantID).
					WithField("processor_subscription_id", ext.ID).
					Error("failed to cancel orphaned processor subscription, manual cleanup required")
			}
			return nil, &ConflictError{Message: "tenant already has an active subscription"}
		}
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}

	if err := s.ents.Grant(ctx, tenantID, req.Plan); err != nil {
		s.logger.WithError(err).WithTenant(tenantID).Error("failed to grant entitlements after subscription create")
	}

	s.metrics.SubscriptionTransitionsTotal.WithLabelValues("", string(status)).Inc()
	s.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"plan":            sub.Plan,
		"status":          sub.Status,
	}).Info("subscription created")

	return sub, nil
}

// GetSubscription returns the tenant's billable subscription, falling back
// to the most recently canceled one so history stays visible.
func (s *PostgresService) GetSubscription(ctx context.Context, tenantID int64) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE tenant_id = $1
		ORDER BY (status IN ('trialing', 'active', 'past_due')) DESC, created_at DESC
		LIMIT 1`,
		tenantID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresService) billableSubscription(ctx context.Context, tenantID int64) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE tenant_id = $1 AND status IN ('trialing', 'active', 'past_due')`,
		tenantID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}
	return sub, nil
}

// CancelSubscription cancels the tenant's billable subscription. Immediate
// cancellation takes effect now and drops the tenant to the free tier;
// otherwise the subscription is flagged to lapse at period end and the
// processor's deletion webhook finishes the job.
func (s *PostgresService) CancelSubscription(ctx context.Context, tenantID int64, immediate bool) (*Subscription, error) {
	unlock := s.subLocks.Lock(tenantLockKey(tenantID))
	defer unlock()

	sub, err := s.billableSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if _, err := s.gateway.CancelSubscription(ctx, sub.ProcessorSubscriptionID, !immediate); err != nil {
		return nil, err
	}

	if !immediate {
		row := s.db.QueryRowContext(ctx, `
			UPDATE subscriptions SET cancel_at_period_end = TRUE, updated_at = NOW()
			WHERE id = $1
			RETURNING `+subscriptionColumns,
			sub.ID,
		)
		updated, err := scanSubscription(row)
		if err != nil {
			return nil, fmt.Errorf("failed to flag subscription for cancellation: %w", err)
		}
		s.logger.WithTenant(tenantID).WithField("subscription_id", sub.ID).Info("subscription will cancel at period end")
		return updated, nil
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE subscriptions SET status = 'canceled', canceled_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		sub.ID,
	)
	updated, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}

	if err := s.ents.Grant(ctx, tenantID, entitlements.PlanFree); err != nil {
		s.logger.WithError(err).WithTenant(tenantID).Error("failed to downgrade entitlements after cancellation")
	}

	s.metrics.SubscriptionTransitionsTotal.WithLabelValues(string(sub.Status), string(SubscriptionStatusCanceled)).Inc()
	s.logger.WithTenant(tenantID).WithField("subscription_id", sub.ID).Info("subscription canceled immediately")

	return updated, nil
}

// ReactivateSubscription clears a pending period-end cancellation. Only a
// still-billable subscription flagged to lapse can be reactivated.
func (s *PostgresService) ReactivateSubscription(ctx context.Context, tenantID int64) (*Subscription, error) {
	unlock := s.subLocks.Lock(tenantLockKey(tenantID))
	defer unlock()

	sub, err := s.billableSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !sub.CancelAtPeriodEnd {
		return nil, &ValidationError{Field: "subscription", Message: "subscription is not scheduled for cancellation"}
	}

	if _, err := s.gateway.ResumeSubscription(ctx, sub.ProcessorSubscriptionID); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE subscriptions SET cancel_at_period_end = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		sub.ID,
	)
	updated, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("failed to reactivate subscription: %w", err)
	}

	s.logger.WithTenant(tenantID).WithField("subscription_id", sub.ID).Info("subscription reactivated")
	return updated, nil
}

// ApplyStatusTransition applies a processor-reported subscription state to
// the ledger. Transitions run through the forward-only state machine, so a
// stale event delivered late is dropped instead of regressing the record.
func (s *PostgresService) ApplyStatusTransition(ctx context.Context, ext *processor.Subscription) (*Subscription, error) {
	next := mapProcessorSubscriptionStatus(ext.Status)
	if next == "" {
		s.metrics.IgnoredTransitionsTotal.WithLabelValues("subscription").Inc()
		s.logger.WithFields(map[string]interface{}{
			"processor_subscription_id": ext.ID,
			"status":                    ext.Status,
		}).Warn("ignoring unknown subscription status")
		return nil, nil
	}

	unlock := s.subLocks.Lock("sub:" + ext.ID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE processor_subscription_id = $1
		FOR UPDATE`,
		ext.ID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}

	if !subscriptionTransitionAllowed(sub.Status, next) {
		s.metrics.IgnoredTransitionsTotal.WithLabelValues("subscription").Inc()
		s.logger.WithTenant(sub.TenantID).WithFields(map[string]interface{}{
			"subscription_id": sub.ID,
			"from":            sub.Status,
			"to":              next,
		}).Warn("ignoring out-of-order subscription transition")
		return sub, nil
	}

	var canceledAt *time.Time
	if next == SubscriptionStatusCanceled {
		canceledAt = unixTime(ext.CanceledAt)
		if canceledAt == nil {
			now := time.Now().UTC()
			canceledAt = &now
		}
	}

	row = tx.QueryRowContext(ctx, `
		UPDATE subscriptions SET
			status = $2,
			current_period_start = COALESCE($3, current_period_start),
			current_period_end = COALESCE($4, current_period_end),
			cancel_at_period_end = $5,
			canceled_at = COALESCE($6, canceled_at),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		sub.ID, next,
		unixTime(ext.CurrentPeriodStart), unixTime(ext.CurrentPeriodEnd),
		ext.CancelAtPeriodEnd, canceledAt,
	)
	updated, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if sub.Status != next {
		s.metrics.SubscriptionTransitionsTotal.WithLabelValues(string(sub.Status), string(next)).Inc()
	}

	switch {
	case next == SubscriptionStatusCanceled && sub.Status != SubscriptionStatusCanceled:
		if err := s.ents.Grant(ctx, sub.TenantID, entitlements.PlanFree); err != nil {
			s.logger.WithError(err).WithTenant(sub.TenantID).Error("failed to downgrade entitlements after cancellation")
		}
	case sub.Status == SubscriptionStatusPastDue && next == SubscriptionStatusActive:
		if err := s.ents.Restore(ctx, sub.TenantID); err != nil {
			s.logger.WithError(err).WithTenant(sub.TenantID).Error("failed to restore entitlements after recovery")
		}
	}

	s.logger.WithTenant(sub.TenantID).WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"from":            sub.Status,
		"to":              next,
	}).Info("subscription transition applied")

	return updated, nil
}

// SuspendForDunning marks the tenant's billable subscription past_due and
// suspends entitlements. Called by the dunning engine when the retry
// schedule is exhausted.
func (s *PostgresService) SuspendForDunning(ctx context.Context, tenantID int64) (*Subscription, error) {
	unlock := s.subLocks.Lock(tenantLockKey(tenantID))
	defer unlock()

	sub, err := s.billableSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.Status == SubscriptionStatusPastDue {
		return sub, nil
	}
	if !subscriptionTransitionAllowed(sub.Status, SubscriptionStatusPastDue) {
		return sub, nil
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE subscriptions SET status = 'past_due', updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		sub.ID,
	)
	updated, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("failed to suspend subscription: %w", err)
	}

	if err := s.ents.Suspend(ctx, tenantID); err != nil {
		s.logger.WithError(err).WithTenant(tenantID).Error("failed to suspend entitlements")
	}

	s.metrics.SubscriptionTransitionsTotal.WithLabelValues(string(sub.Status), string(SubscriptionStatusPastDue)).Inc()
	s.logger.WithTenant(tenantID).WithField("subscription_id", sub.ID).Warn("subscription suspended after failed payment retries")

	return updated, nil
}
