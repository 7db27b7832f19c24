// Package main is the entry point for the MapleBill API server.
//
// It loads configuration, connects the database pool and AWS clients, wires
// the lifecycle engine behind the HTTP chassis, and serves until interrupted.
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"maplebill/internal/api/handlers"
	"maplebill/internal/config"
	"maplebill/internal/core"
	"maplebill/internal/db"
	"maplebill/internal/engine"
	"maplebill/internal/entitlement"
	"maplebill/internal/external"
	"maplebill/internal/ledger"
	"maplebill/internal/metrics"
	"maplebill/internal/queue"
	"maplebill/internal/subscription"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("maplebill API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	store := db.NewStore(pool, logger)

	processor := external.NewProcessorClient(
		&http.Client{Timeout: cfg.Processor.Timeout},
		external.ProcessorClientConfig{
			SecretKey: cfg.Processor.SecretKey,
			BaseURL:   cfg.Processor.BaseURL,
			Logger:    logger,
		},
	)

	resolver := entitlement.NewResolver(
		entitlement.NewCatalog(),
		store.Subscriptions(),
		store.FeatureAccess(),
		logger,
	)

	events, recorder, err := newAWSCollaborators(ctx, cfg, logger)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		DB:        db.NewEngineStore(store),
		Plans:     subscription.NewStaticPlanRegistry(),
		Resolver:  resolver,
		Processor: processor,
		Events:    events,
		Metrics:   recorder,
		Logger:    logger,
	})

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, databaseProbe{pool: pool})

	subHandler := handlers.NewSubscriptionHandler(
		eng,
		resolver,
		ledger.New(store.BillingRecords(), logger),
		srv.Validator,
		logger,
	)
	webhookHandler := handlers.NewWebhookHandler(
		&external.ProcessorVerifier{},
		eng,
		cfg.Processor.WebhookSigningSecret,
		logger,
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		subHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newPool builds the pgx connection pool from the database configuration.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	pc.MaxConns = int32(cfg.Database.MaxConns)
	pc.MinConns = int32(cfg.Database.MinConns)
	pc.MaxConnLifetime = cfg.Database.MaxConnLifetime
	pc.HealthCheckPeriod = cfg.Database.HealthCheckPeriod
	pc.ConnConfig.ConnectTimeout = cfg.Database.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// newAWSCollaborators builds the SQS event publisher and CloudWatch metrics
// recorder. Either may come back nil (disabled); the engine treats nil as a
// no-op collaborator.
func newAWSCollaborators(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.EventPublisher, engine.TransitionMetrics, error) {
	if cfg.AWS.EventQueueURL == "" && !cfg.Observability.EnableMetrics {
		return nil, nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS SDK config: %w", err)
	}

	var events engine.EventPublisher
	if cfg.AWS.EventQueueURL != "" {
		events = queue.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.EventQueueURL, logger)
	}

	var recorder engine.TransitionMetrics
	if cfg.Observability.EnableMetrics {
		recorder = metrics.NewTransitionRecorder(
			cloudwatch.NewFromConfig(awsCfg),
			cfg.Observability.MetricNamespace,
			logger,
		)
	}

	return events, recorder, nil
}

// databaseProbe reports database reachability for the health endpoint.
type databaseProbe struct {
	pool *pgxpool.Pool
}

func (p databaseProbe) Name() string { return "database" }

func (p databaseProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
