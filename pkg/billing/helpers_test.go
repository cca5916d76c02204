package billing

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/recurring/pkg/entitlements"
	"github.com/platinummonkey/recurring/pkg/observability"
	"github.com/platinummonkey/recurring/pkg/processor"
)

// mockGateway is a mock implementation of processor.Gateway
type mockGateway struct {
	createCustomerFunc     func(ctx context.Context, email, name string, metadata map[string]string) (*processor.Customer, error)
	getCustomerFunc        func(ctx context.Context, id string) (*processor.Customer, error)
	createSubscriptionFunc func(ctx context.Context, params *processor.CreateSubscriptionParams) (*processor.Subscription, error)
	cancelSubscriptionFunc func(ctx context.Context, id string, atPeriodEnd bool) (*processor.Subscription, error)
	resumeSubscriptionFunc func(ctx context.Context, id string) (*processor.Subscription, error)
	getInvoiceFunc         func(ctx context.Context, id string) (*processor.Invoice, error)
	upcomingInvoiceFunc    func(ctx context.Context, customerID string) (*processor.Invoice, error)
	payInvoiceFunc         func(ctx context.Context, id string) (*processor.Invoice, error)
	createSetupIntentFunc  func(ctx context.Context, customerID string) (*processor.SetupIntent, error)
	attachFunc             func(ctx context.Context, customerID, paymentMethodID string) (*processor.PaymentMethod, error)
	detachFunc             func(ctx context.Context, paymentMethodID string) error
	listMethodsFunc        func(ctx context.Context, customerID string) ([]*processor.PaymentMethod, error)
	setDefaultFunc         func(ctx context.Context, customerID, paymentMethodID string) error
	verifySignatureFunc    func(payload []byte, signatureHeader string) error
}

func (m *mockGateway) CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (*processor.Customer, error) {
	if m.createCustomerFunc != nil {
		return m.createCustomerFunc(ctx, email, name, metadata)
	}
	return &processor.Customer{ID: "cus_test"}, nil
}

func (m *mockGateway) GetCustomer(ctx context.Context, id string) (*processor.Customer, error) {
	if m.getCustomerFunc != nil {
		return m.getCustomerFunc(ctx, id)
	}
	return &processor.Customer{ID: id}, nil
}

func (m *mockGateway) CreateSubscription(ctx context.Context, params *processor.CreateSubscriptionParams) (*processor.Subscription, error) {
	if m.createSubscriptionFunc != nil {
		return m.createSubscriptionFunc(ctx, params)
	}
	return &processor.Subscription{ID: "sub_test", CustomerID: params.CustomerID, Status: "active"}, nil
}

func (m *mockGateway) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*processor.Subscription, error) {
	if m.cancelSubscriptionFunc != nil {
		return m.cancelSubscriptionFunc(ctx, id, atPeriodEnd)
	}
	return &processor.Subscription{ID: id, Status: "canceled"}, nil
}

func (m *mockGateway) ResumeSubscription(ctx context.Context, id string) (*processor.Subscription, error) {
	if m.resumeSubscriptionFunc != nil {
		return m.resumeSubscriptionFunc(ctx, id)
	}
	return &processor.Subscription{ID: id, Status: "active"}, nil
}

func (m *mockGateway) GetInvoice(ctx context.Context, id string) (*processor.Invoice, error) {
	if m.getInvoiceFunc != nil {
		return m.getInvoiceFunc(ctx, id)
	}
	return &processor.Invoice{ID: id}, nil
}

func (m *mockGateway) UpcomingInvoice(ctx context.Context, customerID string) (*processor.Invoice, error) {
	if m.upcomingInvoiceFunc != nil {
		return m.upcomingInvoiceFunc(ctx, customerID)
	}
	return &processor.Invoice{CustomerID: customerID, AmountDue: 2900, AmountRemaining: 2900, Currency: "usd"}, nil
}

func (m *mockGateway) PayInvoice(ctx context.Context, id string) (*processor.Invoice, error) {
	if m.payInvoiceFunc != nil {
		return m.payInvoiceFunc(ctx, id)
	}
	return &processor.Invoice{ID: id, Status: "paid"}, nil
}

func (m *mockGateway) CreateSetupIntent(ctx context.Context, customerID string) (*processor.SetupIntent, error) {
	if m.createSetupIntentFunc != nil {
		return m.createSetupIntentFunc(ctx, customerID)
	}
	return &processor.SetupIntent{ID: "seti_test", CustomerID: customerID, ClientSecret: "secret"}, nil
}

func (m *mockGateway) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*processor.PaymentMethod, error) {
	if m.attachFunc != nil {
		return m.attachFunc(ctx, customerID, paymentMethodID)
	}
	return &processor.PaymentMethod{ID: paymentMethodID, CustomerID: customerID, Type: "card"}, nil
}

func (m *mockGateway) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	if m.detachFunc != nil {
		return m.detachFunc(ctx, paymentMethodID)
	}
	return nil
}

func (m *mockGateway) ListPaymentMethods(ctx context.Context, customerID string) ([]*processor.PaymentMethod, error) {
	if m.listMethodsFunc != nil {
		return m.listMethodsFunc(ctx, customerID)
	}
	return nil, nil
}

func (m *mockGateway) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	if m.setDefaultFunc != nil {
		return m.setDefaultFunc(ctx, customerID, paymentMethodID)
	}
	return nil
}

func (m *mockGateway) VerifySignature(payload []byte, signatureHeader string) error {
	if m.verifySignatureFunc != nil {
		return m.verifySignatureFunc(payload, signatureHeader)
	}
	return nil
}

// mockEntitlements is a mock implementation of entitlements.Service
type mockEntitlements struct {
	grantFunc   func(ctx context.Context, tenantID int64, plan entitlements.PlanTier) error
	suspendFunc func(ctx context.Context, tenantID int64) error
	restoreFunc func(ctx context.Context, tenantID int64) error
}

func (m *mockEntitlements) Grant(ctx context.Context, tenantID int64, plan entitlements.PlanTier) error {
	if m.grantFunc != nil {
		return m.grantFunc(ctx, tenantID, plan)
	}
	return nil
}

func (m *mockEntitlements) Suspend(ctx context.Context, tenantID int64) error {
	if m.suspendFunc != nil {
		return m.suspendFunc(ctx, tenantID)
	}
	return nil
}

func (m *mockEntitlements) Restore(ctx context.Context, tenantID int64) error {
	if m.restoreFunc != nil {
		return m.restoreFunc(ctx, tenantID)
	}
	return nil
}

func (m *mockEntitlements) Get(ctx context.Context, tenantID int64) (*entitlements.Entitlement, error) {
	return &entitlements.Entitlement{TenantID: tenantID, Plan: entitlements.PlanStarter}, nil
}

func (m *mockEntitlements) CheckUsage(ctx context.Context, tenantID int64) error {
	return nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func newTestService(t *testing.T) (*PostgresService, sqlmock.Sqlmock, *mockGateway, *mockEntitlements) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gateway := &mockGateway{}
	ents := &mockEntitlements{}
	service := NewPostgresService(db, gateway, ents, testLogger(), testMetrics())
	return service, mock, gateway, ents
}

var subscriptionTestColumns = []string{
	"id", "tenant_id", "plan", "status", "processor_customer_id", "processor_subscription_id",
	"current_period_start", "current_period_end", "trial_start", "trial_end",
	"cancel_at_period_end", "canceled_at", "created_at", "updated_at",
}

func subscriptionRow(id, tenantID int64, status SubscriptionStatus, cancelAtPeriodEnd bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(subscriptionTestColumns).AddRow(
		id, tenantID, "starter", string(status), "cus_test", "sub_test",
		nil, nil, nil, nil, cancelAtPeriodEnd, nil, now, now,
	)
}

var invoiceTestColumns = []string{
	"id", "tenant_id", "subscription_id", "processor_invoice_id", "status",
	"amount_due_cents", "amount_paid_cents", "amount_remaining_cents", "currency",
	"due_date", "paid_at", "attempt_count", "last_failure_reason", "created_at", "updated_at",
}

func invoiceRow(id, tenantID int64, processorInvoiceID string, status InvoiceStatus, due, paid, remaining int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(invoiceTestColumns).AddRow(
		id, tenantID, nil, processorInvoiceID, string(status),
		due, paid, remaining, "usd",
		nil, nil, 1, "", now, now,
	)
}

var dunningTestColumns = []string{
	"id", "tenant_id", "invoice_id", "attempt_number", "scheduled_at", "executed_at",
	"outcome", "failure_reason", "created_at",
}

func dunningRow(id, tenantID, invoiceID int64, attemptNumber int, outcome DunningOutcome) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(dunningTestColumns).AddRow(
		id, tenantID, invoiceID, attemptNumber, now, nil, string(outcome), "", now,
	)
}
