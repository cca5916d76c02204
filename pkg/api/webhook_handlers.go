package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/recurring/pkg/httputil"
	"github.com/platinummonkey/recurring/pkg/observability"
	"github.com/platinummonkey/recurring/pkg/processor"
	"github.com/platinummonkey/recurring/pkg/webhook"
)

// SignatureHeader carries the processor's delivery signature
const SignatureHeader = "Recurring-Signature"

// WebhookHandlers handles inbound processor webhook deliveries
type WebhookHandlers struct {
	dispatcher   *webhook.Dispatcher
	maxBodyBytes int64
	logger       *observability.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers
func NewWebhookHandlers(dispatcher *webhook.Dispatcher, maxBodyBytes int64, logger *observability.Logger) *WebhookHandlers {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &WebhookHandlers{
		dispatcher:   dispatcher,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// RegisterRoutes registers the webhook route
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/processor", h.HandleProcessorWebhook).Methods("POST")
}

// HandleProcessorWebhook receives one delivery from the payment processor.
// The raw body is read before any decoding because the signature covers the
// exact bytes on the wire.
func (h *WebhookHandlers) HandleProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	ack, err := h.dispatcher.Receive(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, processor.ErrSignatureInvalid):
			httputil.WriteBadRequest(w, "invalid signature")
		case errors.Is(err, webhook.ErrMalformedEvent):
			httputil.WriteBadRequest(w, "malformed event")
		default:
			logger := h.logger
			if requestID := observability.GetRequestID(r.Context()); requestID != "" {
				logger = logger.WithField("request_id", requestID)
			}
			logger.WithError(err).Error("failed to accept webhook delivery")
			httputil.WriteInternalError(w, err)
		}
		return
	}

	httputil.WriteSuccess(w, ack)
}
