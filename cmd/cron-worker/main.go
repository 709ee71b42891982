// Package main is the entrypoint for the cron worker Lambda function.
//
// The cron worker acts as a task multiplexer. EventBridge rules and the
// engine's own continuation trigger publish task messages into the cron SQS
// queue; each record names one task and the handler routes execution to the
// appropriate engine service. Consolidating the low-frequency scheduled tasks
// into a single Lambda reduces cold starts and infrastructure sprawl.
//
// Handler flow per record:
//  1. Parse the task message from the SQS record body.
//  2. Acquire a distributed job lock so concurrent invocations of the same
//     task never overlap.
//  3. Switch on the task and call the appropriate service method.
//  4. Release the lock and report per-record failures via partial batch
//     responses so SQS retries only the failed records.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"stillpoint/internal/config"
	"stillpoint/internal/db"
	"stillpoint/internal/push"
	"stillpoint/internal/queue"
	"stillpoint/internal/router"
	"stillpoint/internal/types"
)

// Task names routed by the multiplexer.
const (
	taskProcessQueue     = "process_queue"
	taskSeedEngagement   = "seed_engagement"
	taskExpandBroadcasts = "expand_broadcasts"
	taskPurgeRetention   = "purge_retention"
)

// maxExpandPagesPerRun caps how many recipient pages one invocation expands
// per campaign, so a huge campaign cannot pin the Lambda until timeout.
const maxExpandPagesPerRun = 10

// pendingCampaignScanLimit bounds how many pending campaigns one expansion
// run considers.
const pendingCampaignScanLimit = 10

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info, Error, and Warn directly, but With returns
// *slog.Logger rather than types.Logger, so an adapter is necessary.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// Compile-time assertion that slogAdapter implements types.Logger.
var _ types.Logger = (*slogAdapter)(nil)

// BatchService is the queue-draining and seeding surface the handler calls.
type BatchService interface {
	ProcessQueueBatch(ctx context.Context, limit int, cfg *types.RouterConfig) (*types.BatchResult, error)
	EnsureEngagementSchedulesForRecentUsers(ctx context.Context, limit int, cfg *types.RouterConfig) (*types.SeedResult, error)
}

// CampaignExpander expands one recipient page of a campaign per call.
type CampaignExpander interface {
	Expand(ctx context.Context, campaignID string) (*types.ExpandResult, error)
}

// CampaignLister lists campaigns by status for the expansion sweep.
type CampaignLister interface {
	ListByStatus(ctx context.Context, status types.CampaignStatus, limit int) ([]*types.BroadcastCampaign, error)
}

// RetentionArchiver retires old terminal queue items.
type RetentionArchiver interface {
	ArchiveTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (*router.ArchiveResult, error)
}

// ConfigLoader loads the effective routing config.
type ConfigLoader interface {
	Load(ctx context.Context) (*types.RouterConfig, error)
}

// JobLocker abstracts the distributed lock acquisition and release.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// Handler holds the dependencies for the cron worker Lambda handler.
type Handler struct {
	Batch     BatchService
	Expander  CampaignExpander
	Campaigns CampaignLister
	Archiver  RetentionArchiver
	Configs   ConfigLoader
	Locks     JobLocker
	Clock     types.Clock
	WorkerID  string
	Logger    *slog.Logger

	BatchLimit          int
	SeedScanLimit       int
	RetentionMaxAge     time.Duration
	RetentionBatchLimit int
	LockTTL             time.Duration
}

// Handle processes an SQS event containing one or more task messages. Lambda
// SQS integration uses partial batch responses: records that fail processing
// are returned in batchItemFailures so SQS retries only those.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.Logger.ErrorContext(ctx, "failed to process task record",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processRecord handles one task message end to end: parse, lock, dispatch,
// release.
func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var msg queue.ContinuationMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.Logger.ErrorContext(ctx, "unparseable task message, dropping",
			"message_id", record.MessageId,
			"error", err,
		)
		// Permanent parse failure; retrying cannot fix it.
		return nil
	}
	if msg.Task == "" {
		h.Logger.ErrorContext(ctx, "task message missing task name, dropping",
			"message_id", record.MessageId,
		)
		return nil
	}

	logger := h.Logger.With(
		"task", msg.Task,
		"trace_id", msg.TraceID,
		"reason", msg.Reason,
		"worker_id", h.WorkerID,
	)
	logger.InfoContext(ctx, "cron task invoked")

	acquired, err := h.Locks.Acquire(ctx, msg.Task, h.WorkerID, h.LockTTL)
	if err != nil {
		return fmt.Errorf("acquiring job lock %s: %w", msg.Task, err)
	}
	if !acquired {
		// Another worker holds the lock; its run covers this tick.
		logger.InfoContext(ctx, "job lock held by another worker, skipping")
		return nil
	}
	defer func() {
		if relErr := h.Locks.Release(ctx, msg.Task, h.WorkerID); relErr != nil {
			logger.WarnContext(ctx, "failed to release job lock", "error", relErr)
		}
	}()

	start := time.Now()
	summary, err := h.dispatch(ctx, msg.Task)
	if err != nil {
		return fmt.Errorf("task %s failed: %w", msg.Task, err)
	}

	logger.InfoContext(ctx, "cron task completed",
		"summary", summary,
		"duration", time.Since(start),
	)
	return nil
}

// dispatch routes a task name to the appropriate engine service.
func (h *Handler) dispatch(ctx context.Context, task string) (string, error) {
	switch task {
	case taskProcessQueue:
		cfg, err := h.Configs.Load(ctx)
		if err != nil {
			return "", err
		}
		result, err := h.Batch.ProcessQueueBatch(ctx, h.BatchLimit, cfg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("processed=%d sent=%d failed=%d skipped=%d paused=%t",
			result.Processed, result.Sent, result.Failed, result.Skipped, result.Paused), nil

	case taskSeedEngagement:
		cfg, err := h.Configs.Load(ctx)
		if err != nil {
			return "", err
		}
		result, err := h.Batch.EnsureEngagementSchedulesForRecentUsers(ctx, h.SeedScanLimit, cfg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("scanned=%d scheduled=%d disabled=%t",
			result.Scanned, result.Scheduled, result.Disabled), nil

	case taskExpandBroadcasts:
		return h.expandPendingCampaigns(ctx)

	case taskPurgeRetention:
		cutoff := h.Clock.Now().Add(-h.RetentionMaxAge)
		result, err := h.Archiver.ArchiveTerminalBefore(ctx, cutoff, h.RetentionBatchLimit)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("archived=%d removed=%d", result.Archived, result.Removed), nil

	default:
		return "", fmt.Errorf("unknown task: %q", task)
	}
}

// expandPendingCampaigns sweeps due pending campaigns and expands up to
// maxExpandPagesPerRun recipient pages for each. Campaigns scheduled in the
// future are left alone.
func (h *Handler) expandPendingCampaigns(ctx context.Context) (string, error) {
	campaigns, err := h.Campaigns.ListByStatus(ctx, types.CampaignPending, pendingCampaignScanLimit)
	if err != nil {
		return "", err
	}

	now := h.Clock.Now()
	expanded := 0
	enqueued := 0
	for _, c := range campaigns {
		if c.ScheduledAt.After(now) {
			continue
		}
		for page := 0; page < maxExpandPagesPerRun; page++ {
			result, err := h.Expander.Expand(ctx, c.ID)
			if err != nil {
				return "", fmt.Errorf("expanding campaign %s: %w", c.ID, err)
			}
			enqueued += result.Enqueued
			if result.Completed {
				break
			}
		}
		expanded++
	}

	return fmt.Sprintf("campaigns=%d enqueued=%d", expanded, enqueued), nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("cron worker Lambda initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	typedLogger := &slogAdapter{logger: logger}
	ctx := context.Background()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	// Repositories.
	queueRepo := db.NewQueueRepository(pool)
	guardRepo := db.NewGuardRepository(pool)
	userRepo := db.NewUserRepository(pool)
	configRepo := db.NewRouterConfigRepository(pool)
	broadcastRepo := db.NewBroadcastRepository(pool)
	archiveRepo := db.NewArchiveRepository(pool)
	lockRepo := db.NewJobLockRepository(pool)
	seeder := db.NewEngagementSeeder(db.NewTxRunner(pool))

	// Transport, telemetry, and continuation trigger.
	transport := push.NewClient(
		&http.Client{Timeout: cfg.Push.Timeout},
		cfg.Push.Endpoint,
		cfg.Push.ServerKey,
		typedLogger,
	)
	var metrics types.MetricsRecorder
	if cfg.Observability.MetricsEnabled {
		metrics = router.NewCloudWatchMetrics(cwClient, cfg.Observability.MetricNamespace, typedLogger)
	}
	trigger := queue.NewProcessingTrigger(sqsClient, cfg.AWS.CronQueueURL, logger)

	// Engine services.
	clock := types.RealClock{}
	processor := router.NewProcessor(queueRepo, guardRepo, userRepo, transport, clock, typedLogger, metrics)
	service := router.NewService(queueRepo, userRepo, seeder, processor, trigger, metrics, clock, typedLogger)
	expander := router.NewExpander(queueRepo, userRepo, broadcastRepo, clock, typedLogger)
	archiver := router.NewArchiver(queueRepo, archiveRepo, guardRepo, clock, typedLogger)
	configService := router.NewConfigService(configRepo, typedLogger)

	// Unique worker ID for distributed lock ownership tracking.
	workerID := uuid.New().String()

	handler := &Handler{
		Batch:     service,
		Expander:  expander,
		Campaigns: broadcastRepo,
		Archiver:  archiver,
		Configs:   configService,
		Locks:     lockRepo,
		Clock:     clock,
		WorkerID:  workerID,
		Logger:    logger,

		BatchLimit:          cfg.Queue.BatchLimit,
		SeedScanLimit:       cfg.Queue.SeedScanLimit,
		RetentionMaxAge:     cfg.Queue.RetentionMaxAge,
		RetentionBatchLimit: cfg.Queue.RetentionBatchLimit,
		LockTTL:             cfg.Queue.LockTTL,
	}

	logger.Info("cron worker Lambda initialized",
		"worker_id", workerID,
		"cron_queue", cfg.AWS.CronQueueURL,
	)

	// Local mode: read a JSON SQS event from stdin instead of starting the
	// Lambda runtime. Enables local integration testing without the RIE.
	// Usage: echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/cron-worker
	if cfg.Environment == "local" {
		logger.Info("APP_ENV=local: reading SQS event from stdin")
		payload, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.Error("failed to read stdin", "error", err)
			os.Exit(1)
		}
		var sqsEvent events.SQSEvent
		if err := json.Unmarshal(payload, &sqsEvent); err != nil {
			logger.Error("failed to parse stdin as SQS event", "error", err)
			os.Exit(1)
		}
		response, err := handler.Handle(ctx, sqsEvent)
		if err != nil {
			logger.Error("handler execution failed", "error", err)
			os.Exit(1)
		}
		logger.Info("handler execution completed",
			"records_processed", len(sqsEvent.Records),
			"failures", len(response.BatchItemFailures),
		)
		pool.Close()
		return
	}

	lambda.Start(handler.Handle)
}
