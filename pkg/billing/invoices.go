package billing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/recurring/pkg/processor"
)

const invoiceColumns = `id, tenant_id, subscription_id, processor_invoice_id, status,
	amount_due_cents, amount_paid_cents, amount_remaining_cents, currency,
	due_date, paid_at, attempt_count, last_failure_reason, created_at, updated_at`

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	var subscriptionID sql.NullInt64
	var dueDate, paidAt sql.NullTime
	err := row.Scan(
		&inv.ID, &inv.TenantID, &subscriptionID, &inv.ProcessorInvoiceID, &inv.Status,
		&inv.AmountDueCents, &inv.AmountPaidCents, &inv.AmountRemainingCents, &inv.Currency,
		&dueDate, &paidAt, &inv.AttemptCount, &inv.LastFailureReason,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if subscriptionID.Valid {
		inv.SubscriptionID = subscriptionID.Int64
	}
	if dueDate.Valid {
		inv.DueDate = &dueDate.Time
	}
	if paidAt.Valid {
		inv.PaidAt = &paidAt.Time
	}
	return &inv, nil
}

// UpsertInvoiceFromProcessor records a processor-reported invoice state.
// The first event for an invoice inserts the row; later events only move
// status forward, so replays and out-of-order deliveries are dropped.
func (s *PostgresService) UpsertInvoiceFromProcessor(ctx context.Context, ext *processor.Invoice) (*Invoice, error) {
	status := mapProcessorInvoiceStatus(ext.Status)
	if status == "" {
		s.metrics.IgnoredTransitionsTotal.WithLabelValues("invoice").Inc()
		s.logger.WithFields(map[string]interface{}{
			"processor_invoice_id": ext.ID,
			"status":               ext.Status,
		}).Warn("ignoring unknown invoice status")
		return nil, nil
	}
	if ext.AmountPaid+ext.AmountRemaining != ext.AmountDue {
		return nil, &ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("invoice %s amounts do not balance: %d paid + %d remaining != %d due", ext.ID, ext.AmountPaid, ext.AmountRemaining, ext.AmountDue),
		}
	}

	tenantID, err := s.TenantByCustomer(ctx, ext.CustomerID)
	if err != nil {
		return nil, err
	}

	unlock := s.invLocks.Lock("inv:" + ext.ID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var subscriptionID sql.NullInt64
	if ext.SubscriptionID != "" {
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM subscriptions WHERE processor_subscription_id = $1",
			ext.SubscriptionID,
		).Scan(&subscriptionID.Int64)
		if err == nil {
			subscriptionID.Valid = true
		} else if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to resolve subscription: %w", err)
		}
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO invoices (
			tenant_id, subscription_id, processor_invoice_id, status,
			amount_due_cents, amount_paid_cents, amount_remaining_cents, currency,
			due_date, paid_at, attempt_count, last_failure_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, processor_invoice_id) DO NOTHING
		RETURNING `+invoiceColumns,
		tenantID, subscriptionID, ext.ID, status,
		ext.AmountDue, ext.AmountPaid, ext.AmountRemaining, ext.Currency,
		unixTime(ext.DueDate), unixTime(ext.PaidAt), ext.AttemptCount, ext.LastPaymentError,
	)
	inv, err := scanInvoice(row)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.metrics.InvoiceTransitionsTotal.WithLabelValues("", string(status)).Inc()
		s.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
			"invoice_id":           inv.ID,
			"processor_invoice_id": ext.ID,
			"status":               status,
		}).Info("invoice recorded")
		return inv, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to store invoice: %w", err)
	}

	// Row already exists; apply the event as a guarded transition.
	row = tx.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = $1 AND processor_invoice_id = $2
		FOR UPDATE`,
		tenantID, ext.ID,
	)
	cur, err := scanInvoice(row)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice: %w", err)
	}

	if !acceptInvoiceTransition(cur.Status, status) {
		s.metrics.IgnoredTransitionsTotal.WithLabelValues("invoice").Inc()
		s.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
			"invoice_id": cur.ID,
			"from":       cur.Status,
			"to":         status,
		}).Warn("ignoring out-of-order invoice transition")
		return cur, nil
	}

	row = tx.QueryRowContext(ctx, `
		UPDATE invoices SET
			status = $2,
			amount_due_cents = $3,
			amount_paid_cents = $4,
			amount_remaining_cents = $5,
			paid_at = COALESCE($6, paid_at),
			attempt_count = GREATEST(attempt_count, $7),
			last_failure_reason = CASE WHEN $8 <> '' THEN $8 ELSE last_failure_reason END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+invoiceColumns,
		cur.ID, status,
		ext.AmountDue, ext.AmountPaid, ext.AmountRemaining,
		unixTime(ext.PaidAt), ext.AttemptCount, ext.LastPaymentError,
	)
	updated, err := scanInvoice(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update invoice: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if cur.Status != status {
		s.metrics.InvoiceTransitionsTotal.WithLabelValues(string(cur.Status), string(status)).Inc()
	}
	s.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
		"invoice_id": cur.ID,
		"from":       cur.Status,
		"to":         status,
	}).Info("invoice transition applied")

	return updated, nil
}

// GetInvoice returns one invoice scoped to the tenant
func (s *PostgresService) GetInvoice(ctx context.Context, tenantID, invoiceID int64) (*Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE tenant_id = $1 AND id = $2",
		tenantID, invoiceID,
	)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice: %w", err)
	}
	return inv, nil
}

// ListInvoices returns the tenant's invoices, newest first
func (s *PostgresService) ListInvoices(ctx context.Context, tenantID int64, opts *ListInvoicesOptions) ([]*Invoice, error) {
	if opts == nil {
		opts = &ListInvoicesOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + invoiceColumns + " FROM invoices WHERE tenant_id = $1"
	args := []interface{}{tenantID}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", len(args)+1)
		args = append(args, opts.Status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.readDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate invoices: %w", err)
	}

	return invoices, nil
}

// UpcomingInvoicePreview asks the processor for the next period's projected
// charge. The projection is returned as-is and never persisted.
func (s *PostgresService) UpcomingInvoicePreview(ctx context.Context, tenantID int64) (*ProjectedInvoice, error) {
	var customerID string
	err := s.db.QueryRowContext(ctx,
		"SELECT processor_customer_id FROM billing_customers WHERE tenant_id = $1",
		tenantID,
	).Scan(&customerID)
	if err == sql.ErrNoRows {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query billing customer: %w", err)
	}

	ext, err := s.gateway.UpcomingInvoice(ctx, customerID)
	if err != nil {
		return nil, err
	}

	return &ProjectedInvoice{
		TenantID:       tenantID,
		AmountDueCents: ext.AmountDue,
		Currency:       ext.Currency,
		DueDate:        unixTime(ext.DueDate),
	}, nil
}
