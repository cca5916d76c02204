// Package entitlements owns the feature and usage grants derived from a
// tenant's subscription status. The CRM database is the system of record
// for entitlements; the payment processor is the system of record for
// charges.
package entitlements

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/platinummonkey/recurring/pkg/observability"
)

// ErrNotGranted indicates the tenant has no entitlement record yet
var ErrNotGranted = errors.New("no entitlements granted for tenant")

// QuotaExceededError reports the quota a tenant has outgrown. Meter
// implementations return it so callers can tell a quota breach from a
// metering failure.
type QuotaExceededError struct {
	Resource string
	Limit    int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded (limit %d)", e.Resource, e.Limit)
}

// Meter is the external usage metering collaborator. Usage-limit checks
// are delegated here; the billing core never computes usage itself.
type Meter interface {
	// UsageWithinLimits returns a QuotaExceededError when the tenant
	// exceeds the given quotas.
	UsageWithinLimits(ctx context.Context, tenantID int64, quotas Quotas) error
}

// NoopMeter accepts all usage. Selected when no metering backend is
// configured.
type NoopMeter struct{}

func (NoopMeter) UsageWithinLimits(ctx context.Context, tenantID int64, quotas Quotas) error {
	return nil
}

// Service defines the entitlement operations used by the billing core
type Service interface {
	// Grant assigns the plan's entitlements to a tenant, clearing any
	// suspension.
	Grant(ctx context.Context, tenantID int64, plan PlanTier) error
	// Suspend revokes access without changing the recorded plan. Used on
	// dunning exhaustion.
	Suspend(ctx context.Context, tenantID int64) error
	// Restore lifts a suspension, keeping the recorded plan.
	Restore(ctx context.Context, tenantID int64) error
	// Get returns the tenant's current entitlement.
	Get(ctx context.Context, tenantID int64) (*Entitlement, error)
	// CheckUsage delegates a usage-limit check to the metering collaborator.
	CheckUsage(ctx context.Context, tenantID int64) error
}

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db     *sql.DB
	meter  Meter
	logger *observability.Logger
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, meter Meter, logger *observability.Logger) *PostgresService {
	if meter == nil {
		meter = NoopMeter{}
	}
	return &PostgresService{
		db:     db,
		meter:  meter,
		logger: logger,
	}
}

// Grant assigns plan entitlements to a tenant
func (s *PostgresService) Grant(ctx context.Context, tenantID int64, plan PlanTier) error {
	if !ValidTier(plan) {
		return fmt.Errorf("unknown plan tier: %s", plan)
	}

	quotas, err := json.Marshal(DefaultQuotas(plan))
	if err != nil {
		return fmt.Errorf("failed to encode quotas: %w", err)
	}

	query := `
		INSERT INTO tenant_entitlements (tenant_id, plan, suspended, quotas, updated_at)
		VALUES ($1, $2, false, $3, NOW())
		ON CONFLICT (tenant_id) DO UPDATE
		SET plan = EXCLUDED.plan, suspended = false, quotas = EXCLUDED.quotas, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, tenantID, plan, quotas); err != nil {
		return fmt.Errorf("failed to grant entitlements: %w", err)
	}

	s.logger.WithTenant(tenantID).WithField("plan", plan).Info("entitlements granted")
	return nil
}

// Suspend revokes tenant access without changing the recorded plan
func (s *PostgresService) Suspend(ctx context.Context, tenantID int64) error {
	query := `UPDATE tenant_entitlements SET suspended = true, updated_at = NOW() WHERE tenant_id = $1`
	result, err := s.db.ExecContext(ctx, query, tenantID)
	if err != nil {
		return fmt.Errorf("failed to suspend entitlements: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no entitlements found for tenant %d", tenantID)
	}

	s.logger.WithTenant(tenantID).Warn("entitlements suspended")
	return nil
}

// Restore lifts a suspension
func (s *PostgresService) Restore(ctx context.Context, tenantID int64) error {
	query := `UPDATE tenant_entitlements SET suspended = false, updated_at = NOW() WHERE tenant_id = $1`
	result, err := s.db.ExecContext(ctx, query, tenantID)
	if err != nil {
		return fmt.Errorf("failed to restore entitlements: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no entitlements found for tenant %d", tenantID)
	}

	s.logger.WithTenant(tenantID).Info("entitlements restored")
	return nil
}

// Get returns the tenant's current entitlement
func (s *PostgresService) Get(ctx context.Context, tenantID int64) (*Entitlement, error) {
	query := `SELECT tenant_id, plan, suspended, quotas FROM tenant_entitlements WHERE tenant_id = $1`

	ent := &Entitlement{}
	var quotasJSON []byte
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&ent.TenantID, &ent.Plan, &ent.Suspended, &quotasJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotGranted
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlements: %w", err)
	}

	if err := json.Unmarshal(quotasJSON, &ent.Quotas); err != nil {
		return nil, fmt.Errorf("failed to decode quotas: %w", err)
	}

	return ent, nil
}

// CheckUsage delegates to the metering collaborator with the tenant's quotas
func (s *PostgresService) CheckUsage(ctx context.Context, tenantID int64) error {
	ent, err := s.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	return s.meter.UsageWithinLimits(ctx, tenantID, ent.Quotas)
}
