package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kitchenledger/kitchenledger/internal/daily"
	jobmetrics "github.com/kitchenledger/kitchenledger/internal/jobs"
)

// DailyCloser is the slice of the daily service the close job needs.
type DailyCloser interface {
	Today() time.Time
	CloseDay(ctx context.Context, date time.Time) (daily.Snapshot, error)
}

// DailyCloseJob finalizes a service day on schedule.
type DailyCloseJob struct {
	Service DailyCloser
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewDailyCloseJob constructs the job handler.
func NewDailyCloseJob(service DailyCloser, logger *slog.Logger, metrics *jobmetrics.Metrics) *DailyCloseJob {
	return &DailyCloseJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle closes the requested day, or the previous service day when the
// payload carries no date. Closing a finalized day is a no-op.
func (j *DailyCloseJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("daily close: dependencies not configured")
	}
	var payload DailyClosePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("daily close payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskDailyClose)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	date := j.Service.Today().AddDate(0, 0, -1)
	if payload.Date != "" {
		parsed, err := daily.ParseDate(payload.Date)
		if err != nil {
			return fmt.Errorf("daily close date %q: %v: %w", payload.Date, err, asynq.SkipRetry)
		}
		date = parsed
	}

	start := time.Now()
	snap, err := j.Service.CloseDay(ctx, date)
	if err != nil {
		jobLogger(j.Logger, TaskDailyClose).Error("close service day", slog.String("date", daily.DateOf(date).Format(time.DateOnly)), slog.Any("error", err))
		return err
	}
	jobLogger(j.Logger, TaskDailyClose).Info("service day closed",
		slog.String("date", snap.Label()),
		slog.Int("ingredients", len(snap.Rows)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}
