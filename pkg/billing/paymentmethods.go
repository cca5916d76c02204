package billing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/recurring/pkg/processor"
)

const paymentMethodColumns = `id, tenant_id, processor_payment_method_id, type, is_default,
	card_brand, card_last4, card_exp_month, card_exp_year, created_at, updated_at`

func scanPaymentMethod(row rowScanner) (*PaymentMethod, error) {
	var pm PaymentMethod
	err := row.Scan(
		&pm.ID, &pm.TenantID, &pm.ProcessorPaymentMethodID, &pm.Type, &pm.IsDefault,
		&pm.CardBrand, &pm.CardLast4, &pm.CardExpMonth, &pm.CardExpYear,
		&pm.CreatedAt, &pm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

func cardFields(ext *processor.PaymentMethod) (brand, last4 string, expMonth, expYear int) {
	if ext.Card != nil {
		return ext.Card.Brand, ext.Card.Last4, ext.Card.ExpMonth, ext.Card.ExpYear
	}
	return "", "", 0, 0
}

// upsertPaymentMethod stores or refreshes a tokenized payment method inside
// tx. The first method for a tenant becomes the default.
func (s *PostgresService) upsertPaymentMethod(ctx context.Context, tx *sql.Tx, tenantID int64, ext *processor.PaymentMethod, makeDefault bool) (*PaymentMethod, error) {
	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payment_methods WHERE tenant_id = $1",
		tenantID,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count payment methods: %w", err)
	}
	isDefault := makeDefault || count == 0

	if isDefault {
		if _, err := tx.ExecContext(ctx,
			"UPDATE payment_methods SET is_default = FALSE, updated_at = NOW() WHERE tenant_id = $1 AND is_default",
			tenantID,
		); err != nil {
			return nil, fmt.Errorf("failed to clear default payment method: %w", err)
		}
	}

	pmType := PaymentMethodType(ext.Type)
	if pmType == "" {
		pmType = PaymentMethodTypeCard
	}
	brand, last4, expMonth, expYear := cardFields(ext)

	row := tx.QueryRowContext(ctx, `
		INSERT INTO payment_methods (
			tenant_id, processor_payment_method_id, type, is_default,
			card_brand, card_last4, card_exp_month, card_exp_year
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, processor_payment_method_id) DO UPDATE SET
			type = EXCLUDED.type,
			is_default = payment_methods.is_default OR EXCLUDED.is_default,
			card_brand = EXCLUDED.card_brand,
			card_last4 = EXCLUDED.card_last4,
			card_exp_month = EXCLUDED.card_exp_month,
			card_exp_year = EXCLUDED.card_exp_year,
			updated_at = NOW()
		RETURNING `+paymentMethodColumns,
		tenantID, ext.ID, pmType, isDefault, brand, last4, expMonth, expYear,
	)
	return scanPaymentMethod(row)
}

// AddPaymentMethod attaches a processor-tokenized payment method to the
// tenant's customer and records it locally.
func (s *PostgresService) AddPaymentMethod(ctx context.Context, tenantID int64, req *AddPaymentMethodRequest) (*PaymentMethod, error) {
	if req == nil || req.ProcessorPaymentMethodID == "" {
		return nil, &ValidationError{Field: "processor_payment_method_id", Message: "processor_payment_method_id is required"}
	}

	unlock := s.subLocks.Lock(tenantLockKey(tenantID))
	defer unlock()

	customerID, err := s.ensureCustomer(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	ext, err := s.gateway.AttachPaymentMethod(ctx, customerID, req.ProcessorPaymentMethodID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	pm, err := s.upsertPaymentMethod(ctx, tx, tenantID, ext, req.SetAsDefault)
	if err != nil {
		return nil, fmt.Errorf("failed to store payment method: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if pm.IsDefault {
		if err := s.gateway.SetDefaultPaymentMethod(ctx, customerID, ext.ID); err != nil {
			s.logger.WithError(err).WithTenant(tenantID).Error("failed to set default payment method at processor")
		}
	}

	s.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
		"payment_method_id": pm.ID,
		"is_default":        pm.IsDefault,
	}).Info("payment method attached")

	return pm, nil
}

// SyncPaymentMethod applies a processor payment method event to the ledger.
// An attached method is upserted under its owning tenant; a method with no
// customer has been detached and its local record is removed.
func (s *PostgresService) SyncPaymentMethod(ctx context.Context, ext *processor.PaymentMethod) (*PaymentMethod, error) {
	if ext.CustomerID == "" {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM payment_methods WHERE processor_payment_method_id = $1",
			ext.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to remove detached payment method: %w", err)
		}
		return nil, nil
	}

	tenantID, err := s.TenantByCustomer(ctx, ext.CustomerID)
	if err != nil {
		return nil, err
	}

	unlock := s.subLocks.Lock(tenantLockKey(tenantID))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	pm, err := s.upsertPaymentMethod(ctx, tx, tenantID, ext, false)
	if err != nil {
		return nil, fmt.Errorf("failed to store payment method: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return pm, nil
}

// ListPaymentMethods returns the tenant's payment methods, default first
func (s *PostgresService) ListPaymentMethods(ctx context.Context, tenantID int64) ([]*PaymentMethod, error) {
	rows, err := s.readDB().QueryContext(ctx,
		"SELECT "+paymentMethodColumns+" FROM payment_methods WHERE tenant_id = $1 ORDER BY is_default DESC, created_at DESC",
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment methods: %w", err)
	}
	defer rows.Close()

	var methods []*PaymentMethod
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		methods = append(methods, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment methods: %w", err)
	}

	return methods, nil
}

func (s *PostgresService) paymentMethodByID(ctx context.Context, tenantID, paymentMethodID int64) (*PaymentMethod, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+paymentMethodColumns+" FROM payment_methods WHERE tenant_id = $1 AND id = $2",
		tenantID, paymentMethodID,
	)
	pm, err := scanPaymentMethod(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentMethodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payment method: %w", err)
	}
	return pm, nil
}

// RemovePaymentMethod detaches a payment method at the processor and removes
// its local record. When the default is removed the most recently added
// remaining method is promoted.
func (s *PostgresService) RemovePaymentMethod(ctx context.Context, tenantID int64, paymentMethodID int64) error {
	unlock := s.subLocks.Lock(tenantLockKey(tenantID))
	defer unlock()

	pm, err := s.paymentMethodByID(ctx, tenantID, paymentMethodID)
	if err != nil {
		return err
	}

	if err := s.gateway.DetachPaymentMethod(ctx, pm.ProcessorPaymentMethodID); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM payment_methods WHERE tenant_id = $1 AND id = $2",
		tenantID, paymentMethodID,
	); err != nil {
		return fmt.Errorf("failed to delete payment method: %w", err)
	}

	if pm.IsDefault {
		row := s.db.QueryRowContext(ctx, `
			UPDATE payment_methods SET is_default = TRUE, updated_at = NOW()
			WHERE id = (
				SELECT id FROM payment_methods WHERE tenant_id = $1
				ORDER BY created_at DESC LIMIT 1
			)
			RETURNING `+paymentMethodColumns,
			tenantID,
		)
		promoted, err := scanPaymentMethod(row)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to promote payment method: %w", err)
		}
		if err == nil {
			var customerID string
			if cerr := s.db.QueryRowContext(ctx,
				"SELECT processor_customer_id FROM billing_customers WHERE tenant_id = $1",
				tenantID,
			).Scan(&customerID); cerr == nil {
				if serr := s.gateway.SetDefaultPaymentMethod(ctx, customerID, promoted.ProcessorPaymentMethodID); serr != nil {
					s.logger.WithError(serr).WithTenant(tenantID).Error("failed to promote default payment method at processor")
				}
			}
		}
	}

	s.logger.WithTenant(tenantID).WithField("payment_method_id", paymentMethodID).Info("payment method removed")
	return nil
}

// SetDefaultPaymentMethod marks one payment method as the charge default,
// both locally and at the processor.
func (s *PostgresService) SetDefaultPaymentMethod(ctx context.Context, tenantID int64, paymentMethodID int64) (*PaymentMethod, error) {
	unlock := s.subLocks.Lock(tenantLockKey(tenantID))
	defer unlock()

	pm, err := s.paymentMethodByID(ctx, tenantID, paymentMethodID)
	if err != nil {
		return nil, err
	}
	if pm.IsDefault {
		return pm, nil
	}

	customerID, err := s.ensureCustomer(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := s.gateway.SetDefaultPaymentMethod(ctx, customerID, pm.ProcessorPaymentMethodID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE payment_methods SET is_default = FALSE, updated_at = NOW() WHERE tenant_id = $1 AND is_default",
		tenantID,
	); err != nil {
		return nil, fmt.Errorf("failed to clear default payment method: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE payment_methods SET is_default = TRUE, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+paymentMethodColumns,
		tenantID, paymentMethodID,
	)
	updated, err := scanPaymentMethod(row)
	if err != nil {
		return nil, fmt.Errorf("failed to set default payment method: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return updated, nil
}

// CreateSetupIntent opens a processor-hosted flow for collecting a new
// payment method without card data touching this system.
func (s *PostgresService) CreateSetupIntent(ctx context.Context, tenantID int64) (*processor.SetupIntent, error) {
	customerID, err := s.ensureCustomer(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.gateway.CreateSetupIntent(ctx, customerID)
}
