package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kitchenledger/kitchenledger/internal/inventory"
	jobmetrics "github.com/kitchenledger/kitchenledger/internal/jobs"
)

// ZeroStockCleaner removes ingredients without stock.
type ZeroStockCleaner interface {
	CleanupZeroStock(ctx context.Context, dryRun bool) (inventory.MaintenanceReport, error)
}

// CleanupZeroStockJob runs the zero-stock cleanup.
type CleanupZeroStockJob struct {
	Service ZeroStockCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCleanupZeroStockJob constructs the job handler.
func NewCleanupZeroStockJob(service ZeroStockCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *CleanupZeroStockJob {
	return &CleanupZeroStockJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one cleanup pass.
func (j *CleanupZeroStockJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("cleanup zero stock: dependencies not configured")
	}
	var payload CleanupPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("cleanup payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskCleanupZeroStock)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	report, err := j.Service.CleanupZeroStock(ctx, payload.DryRun)
	if err != nil {
		jobLogger(j.Logger, TaskCleanupZeroStock).Error("cleanup zero stock", slog.Any("error", err))
		return err
	}
	if !report.DryRun {
		metricsOrDefault(j.Metrics).AddAffected(TaskCleanupZeroStock, len(report.Affected))
	}
	jobLogger(j.Logger, TaskCleanupZeroStock).Info("zero-stock cleanup finished",
		slog.Bool("dry_run", report.DryRun),
		slog.Int("scanned", report.Scanned),
		slog.Int("removed", len(report.Affected)))
	return nil
}

// KeyPruner deletes idempotency keys older than a retention.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyPruneJob bounds the idempotency_keys table.
type IdempotencyPruneJob struct {
	Store     KeyPruner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// Handle prunes expired keys.
func (j *IdempotencyPruneJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil {
		return errors.New("idempotency prune: dependencies not configured")
	}
	if j.Retention <= 0 {
		return fmt.Errorf("idempotency prune: retention must be positive: %w", asynq.SkipRetry)
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskIdempotencyPrune)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	removed, err := j.Store.Cleanup(ctx, j.Retention)
	if err != nil {
		return err
	}
	metricsOrDefault(j.Metrics).AddAffected(TaskIdempotencyPrune, int(removed))
	jobLogger(j.Logger, TaskIdempotencyPrune).Info("pruned idempotency keys", slog.Int64("removed", removed))
	return nil
}
