// Package observability provides structured logging, Prometheus metrics,
// health checks, and graceful shutdown for the billing services.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Info("subscription created")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.WebhookEventsTotal.WithLabelValues("invoice.paid", "applied").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	mux.HandleFunc("/health/ready", checker.Readiness)
//
// # Graceful Shutdown
//
//	sm := observability.NewShutdownManager(logger, 30*time.Second, server)
//	sm.RegisterShutdownFunc(func(ctx context.Context) error { return db.Close() })
//	sm.WaitForShutdown()
package observability
