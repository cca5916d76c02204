package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal       *prometheus.CounterVec
	WebhookDuplicatesTotal   prometheus.Counter
	WebhookSignatureFailures prometheus.Counter
	WebhookProcessingErrors  *prometheus.CounterVec
	WebhookProcessingTime    *prometheus.HistogramVec

	// Ledger metrics
	SubscriptionTransitionsTotal *prometheus.CounterVec
	InvoiceTransitionsTotal      *prometheus.CounterVec
	IgnoredTransitionsTotal      *prometheus.CounterVec

	// Dunning metrics
	DunningAttemptsTotal   *prometheus.CounterVec
	DunningExhaustedTotal  prometheus.Counter
	DunningAttemptsPending prometheus.Gauge

	// Processor gateway metrics
	ProcessorRequestsTotal   *prometheus.CounterVec
	ProcessorRequestDuration *prometheus.HistogramVec
	ProcessorRetriesTotal    prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recurring_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recurring_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recurring_webhook_events_total",
				Help: "Total number of webhook events received, by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		WebhookDuplicatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recurring_webhook_duplicates_total",
				Help: "Total number of webhook events dropped as already processed",
			},
		),
		WebhookSignatureFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recurring_webhook_signature_failures_total",
				Help: "Total number of webhook deliveries rejected for an invalid signature",
			},
		),
		WebhookProcessingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recurring_webhook_processing_errors_total",
				Help: "Asynchronous webhook application failures (operator alert channel)",
			},
			[]string{"event_type"},
		),
		WebhookProcessingTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recurring_webhook_processing_seconds",
				Help:    "Time spent applying a webhook event after acknowledgment",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		SubscriptionTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recurring_subscription_transitions_total",
				Help: "Subscription status transitions applied by the ledger",
			},
			[]string{"from", "to"},
		),
		InvoiceTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recurring_invoice_transitions_total",
				Help: "Invoice status transitions applied by the ledger",
			},
			[]string{"from", "to"},
		),
		IgnoredTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recurring_ignored_transitions_total",
				Help: "Out-of-order or unknown transitions dropped by the ledgers",
			},
			[]string{"entity"},
		),
		DunningAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recurring_dunning_attempts_total",
				Help: "Dunning attempts by outcome",
			},
			[]string{"outcome"},
		),
		DunningExhaustedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recurring_dunning_exhausted_total",
				Help: "Invoices whose dunning policy was exhausted",
			},
		),
		DunningAttemptsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recurring_dunning_attempts_pending",
				Help: "Dunning attempts currently scheduled and not yet executed",
			},
		),
		ProcessorRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recurring_processor_requests_total",
				Help: "Outbound payment processor API calls",
			},
			[]string{"operation", "status"},
		),
		ProcessorRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recurring_processor_request_duration_seconds",
				Help:    "Outbound payment processor API call duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ProcessorRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recurring_processor_retries_total",
				Help: "Transient processor errors retried with bounded backoff",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recurring_db_connections_active",
				Help: "Active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recurring_db_connections_idle",
				Help: "Idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.WebhookDuplicatesTotal,
		m.WebhookSignatureFailures,
		m.WebhookProcessingErrors,
		m.WebhookProcessingTime,
		m.SubscriptionTransitionsTotal,
		m.InvoiceTransitionsTotal,
		m.IgnoredTransitionsTotal,
		m.DunningAttemptsTotal,
		m.DunningExhaustedTotal,
		m.DunningAttemptsPending,
		m.ProcessorRequestsTotal,
		m.ProcessorRequestDuration,
		m.ProcessorRetriesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// HTTPMiddleware instruments an HTTP handler with request metrics
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}
