package webhook

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/recurring/pkg/billing"
	"github.com/platinummonkey/recurring/pkg/observability"
	"github.com/platinummonkey/recurring/pkg/processor"
)

// mockBillingService records the calls the handlers make
type mockBillingService struct {
	billing.Service

	applyStatusFunc   func(ctx context.Context, ext *processor.Subscription) (*billing.Subscription, error)
	upsertInvoiceFunc func(ctx context.Context, ext *processor.Invoice) (*billing.Invoice, error)
	syncMethodFunc    func(ctx context.Context, ext *processor.PaymentMethod) (*billing.PaymentMethod, error)
}

func (m *mockBillingService) ApplyStatusTransition(ctx context.Context, ext *processor.Subscription) (*billing.Subscription, error) {
	if m.applyStatusFunc != nil {
		return m.applyStatusFunc(ctx, ext)
	}
	return nil, nil
}

func (m *mockBillingService) UpsertInvoiceFromProcessor(ctx context.Context, ext *processor.Invoice) (*billing.Invoice, error) {
	if m.upsertInvoiceFunc != nil {
		return m.upsertInvoiceFunc(ctx, ext)
	}
	return nil, nil
}

func (m *mockBillingService) SyncPaymentMethod(ctx context.Context, ext *processor.PaymentMethod) (*billing.PaymentMethod, error) {
	if m.syncMethodFunc != nil {
		return m.syncMethodFunc(ctx, ext)
	}
	return nil, nil
}

func rawEvent(t *testing.T, eventType string, object interface{}) *processor.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return &processor.Event{
		ID:   "evt_test",
		Type: eventType,
		Data: processor.EventData{Object: raw},
	}
}

func TestSubscriptionHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("deletion defaults to canceled", func(t *testing.T) {
		svc := &mockBillingService{}
		var applied *processor.Subscription
		svc.applyStatusFunc = func(ctx context.Context, ext *processor.Subscription) (*billing.Subscription, error) {
			applied = ext
			return nil, nil
		}

		h := subscriptionHandler(svc)
		event := rawEvent(t, EventSubscriptionDeleted, &processor.Subscription{ID: "sub_1"})
		require.NoError(t, h.Handle(ctx, event))
		require.NotNil(t, applied)
		assert.Equal(t, "canceled", applied.Status)
	})

	t.Run("unknown subscription is dropped", func(t *testing.T) {
		svc := &mockBillingService{}
		svc.applyStatusFunc = func(ctx context.Context, ext *processor.Subscription) (*billing.Subscription, error) {
			return nil, billing.ErrSubscriptionNotFound
		}

		h := subscriptionHandler(svc)
		event := rawEvent(t, EventSubscriptionUpdated, &processor.Subscription{ID: "sub_1", Status: "active"})
		assert.NoError(t, h.Handle(ctx, event))
	})

	t.Run("missing id is malformed", func(t *testing.T) {
		h := subscriptionHandler(&mockBillingService{})
		event := rawEvent(t, EventSubscriptionUpdated, &processor.Subscription{Status: "active"})
		assert.ErrorIs(t, h.Handle(ctx, event), ErrMalformedEvent)
	})
}

func newFailedPaymentFixture(t *testing.T) (Handler, sqlmock.Sqlmock, *mockBillingService) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	svc := &mockBillingService{}
	engine := billing.NewDunningEngine(db, nil, svc, billing.DefaultPolicy(), logger, metrics)
	return paymentFailedHandler(svc, engine), mock, svc
}

func failedPaymentEvent(t *testing.T) *processor.Event {
	t.Helper()
	return rawEvent(t, EventInvoicePaymentFailed, &processor.Invoice{
		ID:              "in_1",
		CustomerID:      "cus_1",
		Status:          "payment_failed",
		AmountDue:       2900,
		AmountRemaining: 2900,
	})
}

func TestPaymentFailedHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("schedules a retry", func(t *testing.T) {
		h, mock, svc := newFailedPaymentFixture(t)
		svc.upsertInvoiceFunc = func(ctx context.Context, ext *processor.Invoice) (*billing.Invoice, error) {
			return &billing.Invoice{ID: 20, TenantID: 1, Status: billing.InvoiceStatusPaymentFailed}, nil
		}

		mock.ExpectQuery("SELECT COALESCE").
			WithArgs(int64(1), int64(20)).
			WillReturnRows(sqlmock.NewRows([]string{"max", "bool_or"}).AddRow(0, false))
		mock.ExpectQuery("INSERT INTO dunning_attempts").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "tenant_id", "invoice_id", "attempt_number", "scheduled_at", "executed_at",
				"outcome", "failure_reason", "created_at",
			}).AddRow(30, 1, 20, 1, time.Now(), nil, "pending", "", time.Now()))

		require.NoError(t, h.Handle(ctx, failedPaymentEvent(t)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale failure resolving to a voided invoice schedules nothing", func(t *testing.T) {
		h, mock, svc := newFailedPaymentFixture(t)
		svc.upsertInvoiceFunc = func(ctx context.Context, ext *processor.Invoice) (*billing.Invoice, error) {
			// The ledger dropped the backwards transition and handed back
			// the current row.
			return &billing.Invoice{ID: 20, TenantID: 1, Status: billing.InvoiceStatusVoided}, nil
		}

		require.NoError(t, h.Handle(ctx, failedPaymentEvent(t)))
		assert.NoError(t, mock.ExpectationsWereMet(), "a settled invoice must not enter the dunning schedule")
	})

	t.Run("stale failure resolving to a paid invoice schedules nothing", func(t *testing.T) {
		h, mock, svc := newFailedPaymentFixture(t)
		svc.upsertInvoiceFunc = func(ctx context.Context, ext *processor.Invoice) (*billing.Invoice, error) {
			return &billing.Invoice{ID: 20, TenantID: 1, Status: billing.InvoiceStatusPaid}, nil
		}

		require.NoError(t, h.Handle(ctx, failedPaymentEvent(t)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPaymentMethodHandlerDetach(t *testing.T) {
	ctx := context.Background()

	svc := &mockBillingService{}
	var synced *processor.PaymentMethod
	svc.syncMethodFunc = func(ctx context.Context, ext *processor.PaymentMethod) (*billing.PaymentMethod, error) {
		synced = ext
		return nil, nil
	}

	h := paymentMethodHandler(svc)
	event := rawEvent(t, EventPaymentMethodDetached, &processor.PaymentMethod{ID: "pm_1", CustomerID: "cus_1"})
	require.NoError(t, h.Handle(ctx, event))
	require.NotNil(t, synced)
	assert.Empty(t, synced.CustomerID, "detach events must clear the customer binding")
}
