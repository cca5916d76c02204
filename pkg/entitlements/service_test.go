package entitlements

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/recurring/pkg/observability"
)

func newTestService(t *testing.T) (*PostgresService, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := NewPostgresService(db, nil, observability.NewLogger(observability.ErrorLevel, io.Discard))
	return svc, mock
}

func TestGrant(t *testing.T) {
	t.Run("upserts plan and clears suspension", func(t *testing.T) {
		svc, mock := newTestService(t)

		quotas, err := json.Marshal(DefaultQuotas(PlanPro))
		require.NoError(t, err)

		mock.ExpectExec("INSERT INTO tenant_entitlements").
			WithArgs(int64(42), PlanPro, quotas).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, svc.Grant(context.Background(), 42, PlanPro))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unknown tier", func(t *testing.T) {
		svc, _ := newTestService(t)
		err := svc.Grant(context.Background(), 42, PlanTier("platinum"))
		assert.Error(t, err)
	})
}

func TestSuspendAndRestore(t *testing.T) {
	t.Run("suspend flips the flag", func(t *testing.T) {
		svc, mock := newTestService(t)

		mock.ExpectExec("UPDATE tenant_entitlements SET suspended = true").
			WithArgs(int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, svc.Suspend(context.Background(), 42))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("suspend fails when tenant has no grant", func(t *testing.T) {
		svc, mock := newTestService(t)

		mock.ExpectExec("UPDATE tenant_entitlements SET suspended = true").
			WithArgs(int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.Error(t, svc.Suspend(context.Background(), 42))
	})

	t.Run("restore lifts the suspension", func(t *testing.T) {
		svc, mock := newTestService(t)

		mock.ExpectExec("UPDATE tenant_entitlements SET suspended = false").
			WithArgs(int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, svc.Restore(context.Background(), 42))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGet(t *testing.T) {
	t.Run("returns decoded entitlement", func(t *testing.T) {
		svc, mock := newTestService(t)

		quotas, err := json.Marshal(DefaultQuotas(PlanStarter))
		require.NoError(t, err)

		mock.ExpectQuery("SELECT tenant_id, plan, suspended, quotas FROM tenant_entitlements").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "plan", "suspended", "quotas"}).
				AddRow(int64(42), "starter", false, quotas))

		ent, err := svc.Get(context.Background(), 42)
		require.NoError(t, err)
		assert.Equal(t, PlanStarter, ent.Plan)
		assert.False(t, ent.Suspended)
		assert.Equal(t, DefaultQuotas(PlanStarter), ent.Quotas)
	})

	t.Run("not granted", func(t *testing.T) {
		svc, mock := newTestService(t)

		mock.ExpectQuery("SELECT tenant_id, plan, suspended, quotas FROM tenant_entitlements").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "plan", "suspended", "quotas"}))

		_, err := svc.Get(context.Background(), 42)
		assert.ErrorIs(t, err, ErrNotGranted)
	})
}

type limitMeter struct {
	err error
}

func (m limitMeter) UsageWithinLimits(ctx context.Context, tenantID int64, quotas Quotas) error {
	return m.err
}

func TestCheckUsage(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	meterErr := &QuotaExceededError{Resource: "contacts", Limit: 500}
	svc := NewPostgresService(db, limitMeter{err: meterErr}, observability.NewLogger(observability.ErrorLevel, io.Discard))

	quotas, err := json.Marshal(DefaultQuotas(PlanFree))
	require.NoError(t, err)

	mock.ExpectQuery("SELECT tenant_id, plan, suspended, quotas FROM tenant_entitlements").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "plan", "suspended", "quotas"}).
			AddRow(int64(7), "free", false, quotas))

	var quotaErr *QuotaExceededError
	require.ErrorAs(t, svc.CheckUsage(context.Background(), 7), &quotaErr)
	assert.Equal(t, "contacts", quotaErr.Resource)
}
