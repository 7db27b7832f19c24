// Package main is the entrypoint for the lifecycle sweeper Lambda.
//
// The sweeper runs on an EventBridge schedule. Each invocation lapses expired
// trials and past-due periods through the engine's guarded transitions and
// prunes aged webhook dedup rows.
//
// This file handles dependency wiring (cold start) and delegates all business
// logic to internal/engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"maplebill/internal/config"
	"maplebill/internal/db"
	"maplebill/internal/engine"
	"maplebill/internal/entitlement"
	"maplebill/internal/external"
	"maplebill/internal/metrics"
	"maplebill/internal/queue"
	"maplebill/internal/subscription"
)

// sweepRunner holds the wired sweeper for the lifetime of the process.
type sweepRunner struct {
	sweeper *engine.Sweeper
	logger  *slog.Logger
}

// Handler performs one full sweep. Invoked by the EventBridge schedule; the
// event payload carries nothing the sweep needs.
func (s *sweepRunner) Handler(ctx context.Context) error {
	result, err := s.sweeper.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep failed",
			"trials_lapsed", result.TrialsLapsed,
			"past_due_lapsed", result.PastDueLapsed,
			"error", err,
		)
		return err
	}
	return nil
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("sweeper initializing",
		"environment", cfg.Environment,
		"batch_limit", cfg.Sweep.BatchLimit,
		"concurrency", cfg.Sweep.Concurrency,
	)

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := db.NewStore(pool, logger)
	engineStore := db.NewEngineStore(store)

	resolver := entitlement.NewResolver(
		entitlement.NewCatalog(),
		store.Subscriptions(),
		store.FeatureAccess(),
		logger,
	)

	// Lapses never move money, but the engine is wired uniformly: the same
	// service the API uses drives the sweep.
	processor := external.NewProcessorClient(
		&http.Client{Timeout: cfg.Processor.Timeout},
		external.ProcessorClientConfig{
			SecretKey: cfg.Processor.SecretKey,
			BaseURL:   cfg.Processor.BaseURL,
			Logger:    logger,
		},
	)

	var events engine.EventPublisher
	var recorder engine.TransitionMetrics
	if cfg.AWS.EventQueueURL != "" || cfg.Observability.EnableMetrics {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			logger.Error("failed to load AWS SDK config", "error", err)
			os.Exit(1)
		}
		if cfg.AWS.EventQueueURL != "" {
			events = queue.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.EventQueueURL, logger)
		}
		if cfg.Observability.EnableMetrics {
			recorder = metrics.NewTransitionRecorder(
				cloudwatch.NewFromConfig(awsCfg),
				cfg.Observability.MetricNamespace,
				logger,
			)
		}
	}

	eng := engine.New(engine.Config{
		DB:        engineStore,
		Plans:     subscription.NewStaticPlanRegistry(),
		Resolver:  resolver,
		Processor: processor,
		Events:    events,
		Metrics:   recorder,
		Logger:    logger,
	})

	runner := &sweepRunner{
		sweeper: engine.NewSweeper(engineStore, eng, logger,
			engine.WithBatchLimit(cfg.Sweep.BatchLimit),
			engine.WithConcurrency(cfg.Sweep.Concurrency),
			engine.WithEventRetention(cfg.Sweep.EventRetention),
		),
		logger: logger,
	}

	// Local mode: run one sweep and exit instead of starting the Lambda
	// runtime. Enables local testing without the AWS Lambda RIE.
	if cfg.Environment == "local" {
		if err := runner.Handler(ctx); err != nil {
			os.Exit(1)
		}
		return
	}

	lambda.Start(runner.Handler)
}
