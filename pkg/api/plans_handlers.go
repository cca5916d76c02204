package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/recurring/pkg/entitlements"
	"github.com/platinummonkey/recurring/pkg/httputil"
)

// PlansHandlers serves the plan catalog and per-tenant entitlements
type PlansHandlers struct {
	ents entitlements.Service
}

// NewPlansHandlers creates a new PlansHandlers
func NewPlansHandlers(ents entitlements.Service) *PlansHandlers {
	return &PlansHandlers{ents: ents}
}

// RegisterRoutes registers plan and entitlement routes
func (h *PlansHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/plans", h.ListPlans).Methods("GET")
	router.HandleFunc("/api/v1/tenants/{id}/entitlements", h.GetEntitlements).Methods("GET")
	router.HandleFunc("/api/v1/tenants/{id}/usage", h.CheckUsage).Methods("GET")
}

// ListPlans returns the plan catalog
func (h *PlansHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, entitlements.DefaultPlans())
}

// GetEntitlements returns the tenant's current entitlement record
func (h *PlansHandlers) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}

	ent, err := h.ents.Get(r.Context(), tenantID)
	if errors.Is(err, entitlements.ErrNotGranted) {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, ent)
}

// CheckUsage reports whether the tenant is within its plan quotas
func (h *PlansHandlers) CheckUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid tenant id")
		return
	}

	err = h.ents.CheckUsage(r.Context(), tenantID)
	if errors.Is(err, entitlements.ErrNotGranted) {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	var quotaErr *entitlements.QuotaExceededError
	if errors.As(err, &quotaErr) {
		httputil.WriteSuccess(w, map[string]interface{}{
			"within_limits": false,
			"resource":      quotaErr.Resource,
			"limit":         quotaErr.Limit,
		})
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{"within_limits": true})
}
