package billing

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/recurring/pkg/entitlements"
	"github.com/platinummonkey/recurring/pkg/observability"
	"github.com/platinummonkey/recurring/pkg/processor"
)

// Service defines the billing ledger operations. The ledger is the single
// authority for subscription, invoice, payment method and dunning state;
// everything else (webhook apply, API handlers, the dunning engine) goes
// through it.
type Service interface {
	// Subscription lifecycle
	CreateSubscription(ctx context.Context, tenantID int64, req *CreateSubscriptionRequest) (*Subscription, error)
	GetSubscription(ctx context.Context, tenantID int64) (*Subscription, error)
	CancelSubscription(ctx context.Context, tenantID int64, immediate bool) (*Subscription, error)
	ReactivateSubscription(ctx context.Context, tenantID int64) (*Subscription, error)

	// ApplyStatusTransition applies a processor-reported subscription state
	// to the local ledger, enforcing the forward-only state machine.
	ApplyStatusTransition(ctx context.Context, ext *processor.Subscription) (*Subscription, error)

	// SuspendForDunning marks the tenant's billable subscription past_due
	// after the dunning schedule is exhausted.
	SuspendForDunning(ctx context.Context, tenantID int64) (*Subscription, error)

	// Invoice lifecycle
	UpsertInvoiceFromProcessor(ctx context.Context, ext *processor.Invoice) (*Invoice, error)
	GetInvoice(ctx context.Context, tenantID, invoiceID int64) (*Invoice, error)
	ListInvoices(ctx context.Context, tenantID int64, opts *ListInvoicesOptions) ([]*Invoice, error)
	UpcomingInvoicePreview(ctx context.Context, tenantID int64) (*ProjectedInvoice, error)

	// Payment methods
	AddPaymentMethod(ctx context.Context, tenantID int64, req *AddPaymentMethodRequest) (*PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, tenantID int64) ([]*PaymentMethod, error)
	RemovePaymentMethod(ctx context.Context, tenantID int64, paymentMethodID int64) error
	SetDefaultPaymentMethod(ctx context.Context, tenantID int64, paymentMethodID int64) (*PaymentMethod, error)
	SyncPaymentMethod(ctx context.Context, ext *processor.PaymentMethod) (*PaymentMethod, error)
	CreateSetupIntent(ctx context.Context, tenantID int64) (*processor.SetupIntent, error)

	// TenantByCustomer resolves the tenant that owns a processor customer id.
	TenantByCustomer(ctx context.Context, processorCustomerID string) (int64, error)
}

// PostgresService implements Service backed by PostgreSQL
type PostgresService struct {
	db       *sql.DB
	readDB   func() *sql.DB
	gateway  processor.Gateway
	ents     entitlements.Service
	logger   *observability.Logger
	metrics  *observability.Metrics
	subLocks *keyedMutex
	invLocks *keyedMutex
}

// NewPostgresService creates a new PostgreSQL-backed billing service
func NewPostgresService(db *sql.DB, gateway processor.Gateway, ents entitlements.Service, logger *observability.Logger, metrics *observability.Metrics) *PostgresService {
	return &PostgresService{
		db:       db,
		readDB:   func() *sql.DB { return db },
		gateway:  gateway,
		ents:     ents,
		logger:   logger,
		metrics:  metrics,
		subLocks: newKeyedMutex(),
		invLocks: newKeyedMutex(),
	}
}

// UseReadReplica routes listing queries through connections returned by
// pick, typically ConnectionManager.Replica. Writes and point reads that
// feed state transitions stay on the primary, since replica lag there
// would reorder transitions. Call before serving traffic; the field is
// not synchronized.
func (s *PostgresService) UseReadReplica(pick func() *sql.DB) {
	if pick != nil {
		s.readDB = pick
	}
}
