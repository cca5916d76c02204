package billing

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// ensureCustomer returns the processor customer id for a tenant, creating
// the processor customer and the local mapping on first use.
func (s *PostgresService) ensureCustomer(ctx context.Context, tenantID int64) (string, error) {
	var customerID string
	err := s.db.QueryRowContext(ctx,
		"SELECT processor_customer_id FROM billing_customers WHERE tenant_id = $1",
		tenantID,
	).Scan(&customerID)
	if err == nil {
		return customerID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to query billing customer: %w", err)
	}

	customer, err := s.gateway.CreateCustomer(ctx, "", fmt.Sprintf("tenant-%d", tenantID), map[string]string{
		"tenant_id": strconv.FormatInt(tenantID, 10),
	})
	if err != nil {
		return "", err
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO billing_customers (tenant_id, processor_customer_id) VALUES ($1, $2) ON CONFLICT (tenant_id) DO NOTHING",
		tenantID, customer.ID,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store billing customer: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to check insert result: %w", err)
	}
	if inserted == 0 {
		// Lost a race with a concurrent create; use the mapping that won.
		if err := s.db.QueryRowContext(ctx,
			"SELECT processor_customer_id FROM billing_customers WHERE tenant_id = $1",
			tenantID,
		).Scan(&customerID); err != nil {
			return "", fmt.Errorf("failed to re-query billing customer: %w", err)
		}
		return customerID, nil
	}

	return customer.ID, nil
}

// TenantByCustomer resolves the tenant that owns a processor customer id
func (s *PostgresService) TenantByCustomer(ctx context.Context, processorCustomerID string) (int64, error) {
	var tenantID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT tenant_id FROM billing_customers WHERE processor_customer_id = $1",
		processorCustomerID,
	).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return 0, ErrCustomerNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve tenant for customer: %w", err)
	}
	return tenantID, nil
}
