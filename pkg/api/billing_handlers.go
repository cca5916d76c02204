package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/recurring/pkg/billing"
	"github.com/platinummonkey/recurring/pkg/httputil"
	"github.com/platinummonkey/recurring/pkg/observability"
	"github.com/platinummonkey/recurring/pkg/processor"
)

// BillingHandlers handles billing-related HTTP requests
type BillingHandlers struct {
	billingService billing.Service
	logger         *observability.Logger
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(billingService billing.Service, logger *observability.Logger) *BillingHandlers {
	return &BillingHandlers{
		billingService: billingService,
		logger:         logger,
	}
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	// Subscriptions
	router.HandleFunc("/api/v1/tenants/{id}/subscription", h.CreateSubscription).Methods("POST")
	router.HandleFunc("/api/v1/tenants/{id}/subscription", h.GetSubscription).Methods("GET")
	router.HandleFunc("/api/v1/tenants/{id}/subscription/cancel", h.CancelSubscription).Methods("POST")
	router.HandleFunc("/api/v1/tenants/{id}/subscription/reactivate", h.ReactivateSubscription).Methods("POST")

	// Invoices
	router.HandleFunc("/api/v1/tenants/{id}/invoices", h.ListInvoices).Methods("GET")
	router.HandleFunc("/api/v1/tenants/{id}/invoices/upcoming", h.UpcomingInvoice).Methods("GET")
	router.HandleFunc("/api/v1/tenants/{id}/invoices/{invoice_id}", h.GetInvoice).Methods("GET")

	// Payment methods
	router.HandleFunc("/api/v1/tenants/{id}/payment-methods", h.AddPaymentMethod).Methods("POST")
	router.HandleFunc("/api/v1/tenants/{id}/payment-methods", h.ListPaymentMethods).Methods("GET")
	router.HandleFunc("/api/v1/tenants/{id}/payment-methods/{pm_id}/default", h.SetDefaultPaymentMethod).Methods("PUT")
	router.HandleFunc("/api/v1/tenants/{id}/payment-methods/{pm_id}", h.RemovePaymentMethod).Methods("DELETE")
	router.HandleFunc("/api/v1/tenants/{id}/setup-intent", h.CreateSetupIntent).Methods("POST")
}

// writeServiceError maps ledger and gateway errors onto HTTP statuses
func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *billing.ValidationError
	var conflictErr *billing.ConflictError
	var apiErr *processor.APIError

	switch {
	case errors.As(err, &validationErr):
		httputil.WriteBadRequest(w, validationErr.Error())
	case errors.As(err, &conflictErr):
		httputil.WriteConflict(w, conflictErr.Error())
	case billing.IsNotFound(err):
		httputil.WriteNotFound(w, err.Error())
	case errors.As(err, &apiErr):
		httputil.WriteErrorMessage(w, http.StatusPaymentRequired, apiErr.Message)
	case processor.IsUnavailable(err):
		httputil.WriteBadGateway(w, "payment processor unavailable")
	default:
		httputil.WriteInternalError(w, err)
	}
}

// CreateSubscription opens a subscription for the tenant
func (h *BillingHandlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}

	var req billing.CreateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	subscription, err := h.billingService.CreateSubscription(r.Context(), tenantID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteCreated(w, subscription)
}

// GetSubscription retrieves the tenant's subscription
func (h *BillingHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}

	subscription, err := h.billingService.GetSubscription(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteSuccess(w, subscription)
}

// CancelSubscription cancels the tenant's subscription
func (h *BillingHandlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}

	var req struct {
		Immediately bool `json:"immediately"`
	}
	// Body is optional; default to period-end cancellation.
	httputil.ParseJSON(r, &req)

	subscription, err := h.billingService.CancelSubscription(r.Context(), tenantID, req.Immediately)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteSuccess(w, subscription)
}

// ReactivateSubscription clears a pending cancellation
func (h *BillingHandlers) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}

	subscription, err := h.billingService.ReactivateSubscription(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteSuccess(w, subscription)
}

// ListInvoices lists the tenant's invoices
func (h *BillingHandlers) ListInvoices(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}

	opts := &billing.ListInvoicesOptions{
		Status: billing.InvoiceStatus(r.URL.Query().Get("status")),
		Limit:  httputil.ParseQueryInt(r, "limit", 50),
		Offset: httputil.ParseQueryInt(r, "offset", 0),
	}

	invoices, err := h.billingService.ListInvoices(r.Context(), tenantID, opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if invoices == nil {
		invoices = []*billing.Invoice{}
	}

	httputil.WriteSuccess(w, invoices)
}

// GetInvoice retrieves one invoice
func (h *BillingHandlers) GetInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}
	invoiceID, err := httputil.ParsePathInt64(r, "invoice_id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid invoice id")
		return
	}

	invoice, err := h.billingService.GetInvoice(r.Context(), tenantID, invoiceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteSuccess(w, invoice)
}

// UpcomingInvoice previews the next period's projected charge
func (h *BillingHandlers) UpcomingInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}

	projection, err := h.billingService.UpcomingInvoicePreview(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteSuccess(w, projection)
}

// AddPaymentMethod attaches a tokenized payment method
func (h *BillingHandlers) AddPaymentMethod(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}

	var req billing.AddPaymentMethodRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	pm, err := h.billingService.AddPaymentMethod(r.Context(), tenantID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteCreated(w, pm)
}

// ListPaymentMethods lists the tenant's payment methods
func (h *BillingHandlers) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}

	methods, err := h.billingService.ListPaymentMethods(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if methods == nil {
		methods = []*billing.PaymentMethod{}
	}

	httputil.WriteSuccess(w, methods)
}

// SetDefaultPaymentMethod marks a payment method as the charge default
func (h *BillingHandlers) SetDefaultPaymentMethod(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}
	pmID, err := httputil.ParsePathInt64(r, "pm_id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid payment method id")
		return
	}

	pm, err := h.billingService.SetDefaultPaymentMethod(r.Context(), tenantID, pmID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteSuccess(w, pm)
}

// RemovePaymentMethod detaches and deletes a payment method
func (h *BillingHandlers) RemovePaymentMethod(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}
	pmID, err := httputil.ParsePathInt64(r, "pm_id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid payment method id")
		return
	}

	if err := h.billingService.RemovePaymentMethod(r.Context(), tenantID, pmID); err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteNoContent(w)
}

// CreateSetupIntent opens a processor-hosted payment method collection flow
func (h *BillingHandlers) CreateSetupIntent(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}

	intent, err := h.billingService.CreateSetupIntent(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.WriteCreated(w, intent)
}
