package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/kitchenledger/kitchenledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskDailyClose finalizes a service day.
	TaskDailyClose = "inventory:daily_close"
	// TaskCleanupZeroStock removes unreferenced ingredients without stock.
	TaskCleanupZeroStock = "inventory:cleanup_zero_stock"
	// TaskIdempotencyPrune drops expired sale idempotency keys.
	TaskIdempotencyPrune = "maintenance:idempotency_prune"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// DailyClosePayload selects the service day to close. An empty date closes
// the day before the current one.
type DailyClosePayload struct {
	Date string `json:"date,omitempty"`
}

// CleanupPayload toggles a report-only run.
type CleanupPayload struct {
	DryRun bool `json:"dry_run"`
}

// NewDailyCloseTask builds a daily close task; date is YYYY-MM-DD or empty.
func NewDailyCloseTask(date string) (*asynq.Task, error) {
	if date != "" {
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			return nil, err
		}
	}
	body, err := json.Marshal(DailyClosePayload{Date: date})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDailyClose, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// NewCleanupZeroStockTask builds a cleanup task.
func NewCleanupZeroStockTask(dryRun bool) (*asynq.Task, error) {
	body, err := json.Marshal(CleanupPayload{DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCleanupZeroStock, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// NewIdempotencyPruneTask builds a prune task.
func NewIdempotencyPruneTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyPrune, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}
