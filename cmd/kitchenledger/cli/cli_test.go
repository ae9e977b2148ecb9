package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/kitchenledger/kitchenledger/internal/inventory"
	"github.com/kitchenledger/kitchenledger/jobs"
)

type stubMaintainer struct {
	report inventory.MaintenanceReport
	err    error
	calls  []bool
}

func (s *stubMaintainer) CleanupZeroStock(_ context.Context, dryRun bool) (inventory.MaintenanceReport, error) {
	s.calls = append(s.calls, dryRun)
	r := s.report
	r.DryRun = dryRun
	return r, s.err
}

func (s *stubMaintainer) NormalizeUnits(ctx context.Context, dryRun bool) (inventory.MaintenanceReport, error) {
	return s.CleanupZeroStock(ctx, dryRun)
}

func TestCleanupCommandHuman(t *testing.T) {
	stub := &stubMaintainer{report: inventory.MaintenanceReport{Scanned: 5, Affected: []string{"Basil", "Saffron"}}}
	stdout := new(bytes.Buffer)

	code := NewMaintenanceCLI(stub).CleanupCommand(context.Background(), MaintenanceOptions{DryRun: true, Stdout: stdout})
	require.Equal(t, 0, code)
	require.Equal(t, []bool{true}, stub.calls)
	require.Contains(t, stdout.String(), "scanned 5 ingredients, 2 would be removed")
	require.Contains(t, stdout.String(), "  - Saffron")
}

func TestNormalizeCommandJSON(t *testing.T) {
	stub := &stubMaintainer{report: inventory.MaintenanceReport{Scanned: 1, Affected: []string{"Milk: liters -> l"}}}
	stdout := new(bytes.Buffer)

	code := NewMaintenanceCLI(stub).NormalizeCommand(context.Background(), MaintenanceOptions{JSONOutput: true, Stdout: stdout})
	require.Equal(t, 0, code)
	var decoded inventory.MaintenanceReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &decoded))
	require.False(t, decoded.DryRun)
	require.Equal(t, []string{"Milk: liters -> l"}, decoded.Affected)
}

func TestMaintenanceCommandFailure(t *testing.T) {
	stderr := new(bytes.Buffer)
	code := NewMaintenanceCLI(&stubMaintainer{err: errors.New("db down")}).CleanupCommand(context.Background(), MaintenanceOptions{Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "cleanup-zero-stock: db down")
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: "t-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

type stubInspector struct{}

func (stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 3, Retry: 1}, nil
}

func TestTriggerCommand(t *testing.T) {
	enq := &recordingEnqueuer{}
	c := &JobsCLI{client: enq, inspector: stubInspector{}}
	stdout := new(bytes.Buffer)

	code := c.TriggerCommand(context.Background(), TriggerOptions{Name: jobs.TaskDailyClose, Date: "2026-03-13", Stdout: stdout})
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "enqueued inventory:daily_close id=t-1")
	require.JSONEq(t, `{"date":"2026-03-13"}`, string(enq.tasks[0].Payload()))

	stderr := new(bytes.Buffer)
	code = c.TriggerCommand(context.Background(), TriggerOptions{Name: "mail:send", Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "unsupported job")

	code = c.TriggerCommand(context.Background(), TriggerOptions{Name: jobs.TaskDailyClose, Date: "13/03", Stderr: stderr})
	require.Equal(t, 1, code)
	require.Len(t, enq.tasks, 1)

	stdout.Reset()
	require.Equal(t, 0, c.StatsCommand(context.Background(), stdout, nil))
	require.Contains(t, stdout.String(), "pending=3")
	require.Contains(t, stdout.String(), "retry=1")
}
