package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/recurring/pkg/observability"
)

// RequestIDHeader carries the per-request correlation id
const RequestIDHeader = "X-Request-ID"

// Server wires the HTTP routes onto a gorilla router. Operational routes
// (health probes, metrics) live on a separate router so they can be served
// on their own port.
type Server struct {
	router       *mux.Router
	healthRouter *mux.Router
	logger       *observability.Logger
	metrics      *observability.Metrics
	health       *observability.HealthChecker
}

// NewServer creates the API server and registers the operational routes.
// Feature handlers register themselves via their RegisterRoutes methods.
func NewServer(logger *observability.Logger, metrics *observability.Metrics, health *observability.HealthChecker, metricsHandler http.Handler) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		healthRouter: mux.NewRouter(),
		logger:       logger,
		metrics:      metrics,
		health:       health,
	}

	s.healthRouter.HandleFunc("/health/live", health.Liveness).Methods("GET")
	s.healthRouter.HandleFunc("/health/ready", health.Readiness).Methods("GET")
	s.healthRouter.Handle("/metrics", metricsHandler).Methods("GET")

	return s
}

// Router returns the mux router for handler registration
func (s *Server) Router() *mux.Router {
	return s.router
}

// requestIDMiddleware assigns a correlation id to each request, honoring
// one supplied by the caller. The id and a request-scoped logger travel on
// the context so downstream error logs correlate with the response header.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set(RequestIDHeader, requestID)
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := observability.WithRequestID(r.Context(), requestID)
		ctx = observability.WithLogger(ctx, s.logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Handler returns the full middleware-wrapped handler
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.metrics.HTTPMiddleware(s.requestIDMiddleware(s.router)), "recurring")
}

// HealthHandler returns the handler for the health/metrics port
func (s *Server) HealthHandler() http.Handler {
	return s.healthRouter
}
