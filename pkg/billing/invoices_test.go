package billing

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/recurring/pkg/processor"
)

func TestUpsertInvoiceFromProcessor(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects unbalanced amounts", func(t *testing.T) {
		service, mock, _, _ := newTestService(t)

		_, err := service.UpsertInvoiceFromProcessor(ctx, &processor.Invoice{
			ID:              "in_1",
			CustomerID:      "cus_test",
			Status:          "finalized",
			AmountDue:       2900,
			AmountPaid:      1000,
			AmountRemaining: 1000,
		})
		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first event inserts", func(t *testing.T) {
		service, mock, _, _ := newTestService(t)

		mock.ExpectQuery("SELECT tenant_id FROM billing_customers").
			WithArgs("cus_test").
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(int64(1)))
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO invoices").
			WillReturnRows(invoiceRow(20, 1, "in_1", InvoiceStatusFinalized, 2900, 0, 2900))
		mock.ExpectCommit()

		inv, err := service.UpsertInvoiceFromProcessor(ctx, &processor.Invoice{
			ID:              "in_1",
			CustomerID:      "cus_test",
			Status:          "finalized",
			AmountDue:       2900,
			AmountRemaining: 2900,
			Currency:        "usd",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(20), inv.ID)
		assert.Equal(t, InvoiceStatusFinalized, inv.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("later event moves status forward", func(t *testing.T) {
		service, mock, _, _ := newTestService(t)

		mock.ExpectQuery("SELECT tenant_id FROM billing_customers").
			WithArgs("cus_test").
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(int64(1)))
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO invoices").
			WillReturnRows(sqlmock.NewRows(invoiceTestColumns))
		mock.ExpectQuery("SELECT (.+) FROM invoices").
			WithArgs(int64(1), "in_1").
			WillReturnRows(invoiceRow(20, 1, "in_1", InvoiceStatusFinalized, 2900, 0, 2900))
		mock.ExpectQuery("UPDATE invoices SET").
			WillReturnRows(invoiceRow(20, 1, "in_1", InvoiceStatusPaid, 2900, 2900, 0))
		mock.ExpectCommit()

		inv, err := service.UpsertInvoiceFromProcessor(ctx, &processor.Invoice{
			ID:         "in_1",
			CustomerID: "cus_test",
			Status:     "paid",
			AmountDue:  2900,
			AmountPaid: 2900,
			Currency:   "usd",
		})
		require.NoError(t, err)
		assert.Equal(t, InvoiceStatusPaid, inv.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale event does not regress a paid invoice", func(t *testing.T) {
		service, mock, _, _ := newTestService(t)

		mock.ExpectQuery("SELECT tenant_id FROM billing_customers").
			WithArgs("cus_test").
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(int64(1)))
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO invoices").
			WillReturnRows(sqlmock.NewRows(invoiceTestColumns))
		mock.ExpectQuery("SELECT (.+) FROM invoices").
			WithArgs(int64(1), "in_1").
			WillReturnRows(invoiceRow(20, 1, "in_1", InvoiceStatusPaid, 2900, 2900, 0))
		mock.ExpectRollback()

		inv, err := service.UpsertInvoiceFromProcessor(ctx, &processor.Invoice{
			ID:              "in_1",
			CustomerID:      "cus_test",
			Status:          "finalized",
			AmountDue:       2900,
			AmountRemaining: 2900,
			Currency:        "usd",
		})
		require.NoError(t, err)
		assert.Equal(t, InvoiceStatusPaid, inv.Status, "paid invoice must stay paid")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown customer", func(t *testing.T) {
		service, mock, _, _ := newTestService(t)

		mock.ExpectQuery("SELECT tenant_id FROM billing_customers").
			WithArgs("cus_missing").
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

		_, err := service.UpsertInvoiceFromProcessor(ctx, &processor.Invoice{
			ID:         "in_1",
			CustomerID: "cus_missing",
			Status:     "finalized",
		})
		assert.ErrorIs(t, err, ErrCustomerNotFound)
	})

	t.Run("unknown status is ignored", func(t *testing.T) {
		service, mock, _, _ := newTestService(t)

		inv, err := service.UpsertInvoiceFromProcessor(ctx, &processor.Invoice{
			ID:         "in_1",
			CustomerID: "cus_test",
			Status:     "deleted",
		})
		require.NoError(t, err)
		assert.Nil(t, inv)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// TestUpsertInvoiceDeliveryOrder drives every delivery order of the
// created, finalized and paid events for one invoice and checks that the
// stored row ends up paid no matter how the processor reordered them.
func TestUpsertInvoiceDeliveryOrder(t *testing.T) {
	ctx := context.Background()

	events := map[string]*processor.Invoice{
		"created":   {ID: "in_1", CustomerID: "cus_test", Status: "created", AmountDue: 2900, AmountRemaining: 2900, Currency: "usd"},
		"finalized": {ID: "in_1", CustomerID: "cus_test", Status: "finalized", AmountDue: 2900, AmountRemaining: 2900, Currency: "usd"},
		"paid":      {ID: "in_1", CustomerID: "cus_test", Status: "paid", AmountDue: 2900, AmountPaid: 2900, Currency: "usd"},
	}
	orderings := [][]string{
		{"created", "finalized", "paid"},
		{"created", "paid", "finalized"},
		{"finalized", "created", "paid"},
		{"finalized", "paid", "created"},
		{"paid", "created", "finalized"},
		{"paid", "finalized", "created"},
	}

	for _, order := range orderings {
		order := order
		t.Run(strings.Join(order, "-"), func(t *testing.T) {
			service, mock, _, _ := newTestService(t)

			var stored InvoiceStatus
			for i, name := range order {
				ev := events[name]
				incoming := mapProcessorInvoiceStatus(ev.Status)

				mock.ExpectQuery("SELECT tenant_id FROM billing_customers").
					WithArgs("cus_test").
					WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(int64(1)))
				mock.ExpectBegin()
				if i == 0 {
					mock.ExpectQuery("INSERT INTO invoices").
						WillReturnRows(invoiceRow(20, 1, "in_1", incoming, ev.AmountDue, ev.AmountPaid, ev.AmountRemaining))
					mock.ExpectCommit()
					stored = incoming
				} else {
					mock.ExpectQuery("INSERT INTO invoices").
						WillReturnRows(sqlmock.NewRows(invoiceTestColumns))
					mock.ExpectQuery("SELECT (.+) FROM invoices").
						WithArgs(int64(1), "in_1").
						WillReturnRows(invoiceRow(20, 1, "in_1", stored, 2900, 0, 2900))
					if acceptInvoiceTransition(stored, incoming) {
						mock.ExpectQuery("UPDATE invoices SET").
							WillReturnRows(invoiceRow(20, 1, "in_1", incoming, ev.AmountDue, ev.AmountPaid, ev.AmountRemaining))
						mock.ExpectCommit()
						stored = incoming
					} else {
						mock.ExpectRollback()
					}
				}

				inv, err := service.UpsertInvoiceFromProcessor(ctx, ev)
				require.NoError(t, err)
				require.NotNil(t, inv)
				assert.Equal(t, stored, inv.Status)
			}

			assert.Equal(t, InvoiceStatusPaid, stored, "invoice must settle paid regardless of delivery order")
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestListInvoices(t *testing.T) {
	ctx := context.Background()
	service, mock, _, _ := newTestService(t)

	rows := invoiceRow(20, 1, "in_1", InvoiceStatusPaid, 2900, 2900, 0)
	mock.ExpectQuery("SELECT (.+) FROM invoices WHERE tenant_id").
		WithArgs(int64(1), "paid", 50, 0).
		WillReturnRows(rows)

	invoices, err := service.ListInvoices(ctx, 1, &ListInvoicesOptions{Status: InvoiceStatusPaid})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, InvoiceStatusPaid, invoices[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListInvoicesUsesReadReplica(t *testing.T) {
	ctx := context.Background()
	service, primaryMock, _, _ := newTestService(t)

	replicaDB, replicaMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { replicaDB.Close() })
	service.UseReadReplica(func() *sql.DB { return replicaDB })

	replicaMock.ExpectQuery("SELECT (.+) FROM invoices WHERE tenant_id").
		WithArgs(int64(1), 50, 0).
		WillReturnRows(invoiceRow(20, 1, "in_1", InvoiceStatusPaid, 2900, 2900, 0))

	invoices, err := service.ListInvoices(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.NoError(t, replicaMock.ExpectationsWereMet())
	assert.NoError(t, primaryMock.ExpectationsWereMet(), "listing must not touch the primary")
}

func TestUpcomingInvoicePreview(t *testing.T) {
	ctx := context.Background()
	service, mock, gateway, _ := newTestService(t)

	gateway.upcomingInvoiceFunc = func(ctx context.Context, customerID string) (*processor.Invoice, error) {
		return &processor.Invoice{CustomerID: customerID, AmountDue: 4900, AmountRemaining: 4900, Currency: "usd"}, nil
	}

	mock.ExpectQuery("SELECT processor_customer_id FROM billing_customers").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"processor_customer_id"}).AddRow("cus_test"))

	projection, err := service.UpcomingInvoicePreview(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4900), projection.AmountDueCents)
	assert.Equal(t, int64(1), projection.TenantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
