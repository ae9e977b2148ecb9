package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/kitchenledger/kitchenledger/internal/daily"
	"github.com/kitchenledger/kitchenledger/internal/inventory"
	jobmetrics "github.com/kitchenledger/kitchenledger/internal/jobs"
)

var today = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

type fakeCloser struct {
	closed []time.Time
	err    error
}

func (f *fakeCloser) Today() time.Time { return today }

func (f *fakeCloser) CloseDay(_ context.Context, date time.Time) (daily.Snapshot, error) {
	if f.err != nil {
		return daily.Snapshot{}, f.err
	}
	f.closed = append(f.closed, date)
	return daily.Snapshot{Date: date, Finalized: true}, nil
}

func TestDailyCloseDefaultsToPreviousDay(t *testing.T) {
	closer := &fakeCloser{}
	job := NewDailyCloseJob(closer, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewDailyCloseTask("")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, closer.closed, 1)
	require.Equal(t, time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC), closer.closed[0])
}

func TestDailyCloseExplicitDate(t *testing.T) {
	closer := &fakeCloser{}
	job := NewDailyCloseJob(closer, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewDailyCloseTask("2026-03-01")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), closer.closed[0])

	_, err = NewDailyCloseTask("yesterday")
	require.Error(t, err)

	bad := asynq.NewTask(TaskDailyClose, []byte(`{"date":"03/01/2026"}`))
	err = job.Handle(context.Background(), bad)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestDailyCloseReportsFailure(t *testing.T) {
	closer := &fakeCloser{err: errors.New("db down")}
	job := NewDailyCloseJob(closer, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), asynq.NewTask(TaskDailyClose, nil))
	require.EqualError(t, err, "db down")
}

type fakeCleaner struct {
	dryRuns []bool
}

func (f *fakeCleaner) CleanupZeroStock(_ context.Context, dryRun bool) (inventory.MaintenanceReport, error) {
	f.dryRuns = append(f.dryRuns, dryRun)
	return inventory.MaintenanceReport{DryRun: dryRun, Scanned: 4, Affected: []string{"Basil"}}, nil
}

func TestCleanupZeroStockJob(t *testing.T) {
	cleaner := &fakeCleaner{}
	job := NewCleanupZeroStockJob(cleaner, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewCleanupZeroStockTask(true)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskCleanupZeroStock, nil)))
	require.Equal(t, []bool{true, false}, cleaner.dryRuns)
}

type fakePruner struct {
	retention time.Duration
}

func (f *fakePruner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	f.retention = olderThan
	return 3, nil
}

func TestIdempotencyPruneJob(t *testing.T) {
	pruner := &fakePruner{}
	job := &IdempotencyPruneJob{Store: pruner, Retention: 48 * time.Hour}
	require.NoError(t, job.Handle(context.Background(), NewIdempotencyPruneTask()))
	require.Equal(t, 48*time.Hour, pruner.retention)

	job.Retention = 0
	require.ErrorIs(t, job.Handle(context.Background(), NewIdempotencyPruneTask()), asynq.SkipRetry)
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func TestHealthEndpoint(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 2, Failed: 1}}, nil).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"pending":2`)
	require.Contains(t, rec.Body.String(), `"failed":1`)

	r = chi.NewRouter()
	r.Route("/jobs", NewHandler(fakeInspector{err: errors.New("redis gone")}, nil).MountRoutes)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
