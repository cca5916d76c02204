package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/recurring/pkg/api"
	"github.com/platinummonkey/recurring/pkg/async"
	"github.com/platinummonkey/recurring/pkg/billing"
	"github.com/platinummonkey/recurring/pkg/config"
	"github.com/platinummonkey/recurring/pkg/entitlements"
	"github.com/platinummonkey/recurring/pkg/observability"
	"github.com/platinummonkey/recurring/pkg/processor"
	"github.com/platinummonkey/recurring/pkg/storage/postgres"
	"github.com/platinummonkey/recurring/pkg/webhook"
)

func main() {
	startup := logrus.New()

	cfg, err := config.LoadConfig()
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		ReplicaURLs: cfg.Database.ReplicaURLs,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}, logger)
	if err != nil {
		startup.Fatalf("Failed to connect to database: %v", err)
	}
	defer cm.Close()

	ctx := context.Background()
	if err := billing.RunMigrations(ctx, cm.Primary()); err != nil {
		startup.Fatalf("Failed to run billing migrations: %v", err)
	}
	if err := entitlements.RunMigrations(ctx, cm.Primary()); err != nil {
		startup.Fatalf("Failed to run entitlement migrations: %v", err)
	}

	redisClient, err := postgres.NewRedisClient(postgres.RedisConfig{
		URL:        cfg.Redis.URL,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		MaxRetries: cfg.Redis.MaxRetries,
		PoolSize:   cfg.Redis.PoolSize,
	})
	if err != nil {
		startup.Fatalf("Failed to connect to redis: %v", err)
	}

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
		startup.Fatalf("Failed to create processor client: %v", err)
	}

	ents := entitlements.NewPostgresService(cm.Primary(), nil, logger)
	billingService := billing.NewPostgresService(cm.Primary(), gateway, ents, logger, metrics)
	billingService.UseReadReplica(cm.Replica)
	dunningEngine := billing.NewDunningEngine(cm.Primary(), gateway, billingService, billing.DunningPolicy{
		MaxAttempts:  cfg.Dunning.MaxAttempts,
		RetryOffsets: cfg.Dunning.RetryOffsets,
	}, logger, metrics)

	var eventStore webhook.Store = webhook.NewPostgresStore(cm.Primary())
	if redisClient != nil {
		eventStore = webhook.NewCachedStore(redisClient, eventStore, 0, logger)
	}

	pool := async.NewWorkerPool(ctx, cfg.Webhook.Workers, "webhook-apply", cfg.Webhook.ApplyTimeout, logger)
	dispatcher := webhook.NewDispatcher(gateway, eventStore, pool, logger, metrics)
	webhook.RegisterDefaultHandlers(dispatcher, billingService, dunningEngine)

	health := observability.NewHealthChecker(cm.Primary(), redisClient)
	server := api.NewServer(logger, metrics, health, observability.Handler(registry))
	api.NewBillingHandlers(billingService, logger).RegisterRoutes(server.Router())
	api.NewPlansHandlers(ents).RegisterRoutes(server.Router())
	api.NewWebhookHandlers(dispatcher, cfg.Webhook.MaxBodyBytes, logger).RegisterRoutes(server.Router())

	async.SafeGo(ctx, 0, "db-stats", logger, func(statsCtx context.Context) error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-statsCtx.Done():
				return nil
			case <-ticker.C:
				cm.ReportStats(metrics)
			}
		}
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      server.HealthHandler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sm := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, httpServer, healthServer)
	sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		return pool.Shutdown(cfg.Server.ShutdownTimeout)
	})
	if redisClient != nil {
		sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
			return redisClient.Close()
		})
	}
	sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		return cm.Close()
	})

	var eg errgroup.Group
	eg.Go(func() error {
		logger.Infof("Listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		logger.Infof("Health and metrics listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	go func() {
		if err := eg.Wait(); err != nil {
			startup.Fatalf("HTTP server failed: %v", err)
		}
	}()

	if err := sm.WaitForShutdown(); err != nil {
		startup.Fatalf("Shutdown failed: %v", err)
	}
}
