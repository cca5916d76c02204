package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/recurring/pkg/billing"
	"github.com/platinummonkey/recurring/pkg/config"
	"github.com/platinummonkey/recurring/pkg/entitlements"
	"github.com/platinummonkey/recurring/pkg/observability"
	"github.com/platinummonkey/recurring/pkg/processor"
	"github.com/platinummonkey/recurring/pkg/storage/postgres"
)

var (
	sweepSchedule = flag.String("sweep-schedule", "*/5 * * * *", "Cron schedule for the dunning sweep (default: every 5 minutes)")
	batchSize     = flag.Int("batch-size", 100, "Maximum due attempts to execute per sweep")
	runOnce       = flag.Bool("run-once", false, "Run one sweep and exit (for testing)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer cm.Close()

	gateway, err := processor.NewHTTPClient(processor.Config{
		BaseURL:            cfg.Processor.BaseURL,
		APIKey:             cfg.Processor.APIKey,
		WebhookSecret:      cfg.Processor.WebhookSecret,
		RequestTimeout:     cfg.Processor.RequestTimeout,
		RetryMaxAttempts:   cfg.Processor.RetryMaxAttempts,
		RetryInitialDelay:  cfg.Processor.RetryInitialDelay,
		RetryMaxDelay:      cfg.Processor.RetryMaxDelay,
		SignatureTolerance: cfg.Webhook.SignatureTolerance,
	}, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to create processor client: %v", err)
	}

	ents := entitlements.NewPostgresService(cm.Primary(), nil, logger)
	billingService := billing.NewPostgresService(cm.Primary(), gateway, ents, logger, metrics)
	engine := billing.NewDunningEngine(cm.Primary(), gateway, billingService, billing.DunningPolicy{
		MaxAttempts:  cfg.Dunning.MaxAttempts,
		RetryOffsets: cfg.Dunning.RetryOffsets,
	}, logger, metrics)

	if *runOnce {
		if err := runSweep(context.Background(), engine, metrics, *batchSize, logger); err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		log.Println("Sweep completed successfully")
		return
	}

	c := cron.New()
	_, err = c.AddFunc(*sweepSchedule, func() {
		if err := runSweep(context.Background(), engine, metrics, *batchSize, logger); err != nil {
			logger.WithError(err).Error("dunning sweep failed")
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule dunning sweep: %v", err)
	}

	metricsMux := mux.NewRouter()
	metricsMux.Handle("/metrics", observability.Handler(registry)).Methods("GET")
	metricsMux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	metricsServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: metricsMux,
	}
	go func() {
		log.Printf("Metrics listening on %s", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Metrics server failed: %v", err)
		}
	}()

	c.Start()
	log.Printf("Dunning runner started with schedule %q", *sweepSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down dunning runner")
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics server shutdown failed: %v", err)
	}
}

// runSweep executes every due attempt once. A processor outage stops the
// sweep early; attempts whose claims were released run again next time.
func runSweep(ctx context.Context, engine *billing.DunningEngine, metrics *observability.Metrics, limit int, logger *observability.Logger) error {
	attempts, err := engine.ListDueAttempts(ctx, limit)
	if err != nil {
		return err
	}
	metrics.DunningAttemptsPending.Set(float64(len(attempts)))
	if len(attempts) == 0 {
		return nil
	}

	logger.WithField("due", len(attempts)).Info("executing due dunning attempts")

	for _, attempt := range attempts {
		if _, err := engine.ExecuteScheduledAttempt(ctx, attempt.ID); err != nil {
			if processor.IsUnavailable(err) {
				return err
			}
			logger.WithError(err).WithFields(map[string]interface{}{
				"attempt_id": attempt.ID,
				"invoice_id": attempt.InvoiceID,
			}).Error("failed to execute dunning attempt")
		}
	}

	return nil
}
