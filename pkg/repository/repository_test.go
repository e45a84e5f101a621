package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/workflow"
)

func setupRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	reg, err := NewRegistry(db)
	require.NoError(t, err)
	return reg
}

func TestLogInsertAndQuery(t *testing.T) {
	reg := setupRegistry(t)
	ctx := context.Background()

	entries := []LogEntry{
		{WorkflowID: "etl", WorkflowInstanceID: "wi-1", TaskInstanceID: "ti-1", TimestampMS: 100, Level: "INFO", Payload: "first"},
		{WorkflowID: "etl", WorkflowInstanceID: "wi-1", TaskInstanceID: "ti-1", TimestampMS: 200, Level: "ERROR", Payload: "second"},
		{WorkflowID: "other", WorkflowInstanceID: "wi-2", TaskInstanceID: "ti-2", TimestampMS: 150, Level: "INFO", Payload: "elsewhere"},
	}
	require.NoError(t, reg.Logs.InsertBatch(ctx, entries))

	got, err := reg.Logs.Query(ctx, protocol.LogQuery{WorkflowID: "etl"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Payload)
	assert.Equal(t, "second", got[1].Payload)

	got, err = reg.Logs.Query(ctx, protocol.LogQuery{Level: "ERROR"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].Payload)

	got, err = reg.Logs.Query(ctx, protocol.LogQuery{SinceMS: 140, UntilMS: 160})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "elsewhere", got[0].Payload)
}

func TestRecentWorkflowStatusesTakesLatestPerInstance(t *testing.T) {
	reg := setupRegistry(t)
	ctx := context.Background()

	rows := []WorkflowRunStatus{
		{WorkflowID: "etl", WorkflowInstanceID: "wi-1", Status: workflow.StatusPending, TimestampMS: 100},
		{WorkflowID: "etl", WorkflowInstanceID: "wi-1", Status: workflow.StatusRunning, TimestampMS: 200},
		{WorkflowID: "etl", WorkflowInstanceID: "wi-1", Status: workflow.StatusCompleted, TimestampMS: 300},
		{WorkflowID: "etl", WorkflowInstanceID: "wi-2", Status: workflow.StatusRunning, TimestampMS: 250},
	}
	require.NoError(t, reg.Statuses.InsertWorkflowBatch(ctx, rows))

	got, err := reg.Statuses.RecentWorkflowStatuses(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byInstance := map[string]workflow.RunStatus{}
	for _, row := range got {
		byInstance[row.WorkflowInstanceID] = row.Status
	}
	assert.Equal(t, workflow.StatusCompleted, byInstance["wi-1"])
	assert.Equal(t, workflow.StatusRunning, byInstance["wi-2"])

	// Most recent first.
	assert.Equal(t, "wi-1", got[0].WorkflowInstanceID)
}

func TestLatestTaskStatuses(t *testing.T) {
	reg := setupRegistry(t)
	ctx := context.Background()

	rows := []TaskRunStatus{
		{TaskID: "a", TaskInstanceID: "ti-a", WorkflowInstanceID: "wi-1", Status: workflow.StatusRunning, TimestampMS: 100},
		{TaskID: "a", TaskInstanceID: "ti-a", WorkflowInstanceID: "wi-1", Status: workflow.StatusCompleted, TimestampMS: 200},
		{TaskID: "b", TaskInstanceID: "ti-b", WorkflowInstanceID: "wi-1", Status: workflow.StatusRunning, TimestampMS: 150},
		{TaskID: "c", TaskInstanceID: "ti-c", WorkflowInstanceID: "wi-other", Status: workflow.StatusFailed, TimestampMS: 120},
	}
	require.NoError(t, reg.Statuses.InsertTaskBatch(ctx, rows))

	got, err := reg.Statuses.LatestTaskStatuses(ctx, "wi-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	byTask := map[string]workflow.RunStatus{}
	for _, row := range got {
		byTask[row.TaskID] = row.Status
	}
	assert.Equal(t, workflow.StatusCompleted, byTask["a"])
	assert.Equal(t, workflow.StatusRunning, byTask["b"])
}

func TestEmptyBatchesAreNoOps(t *testing.T) {
	reg := setupRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Logs.InsertBatch(ctx, nil))
	require.NoError(t, reg.Statuses.InsertWorkflowBatch(ctx, nil))
	require.NoError(t, reg.Statuses.InsertTaskBatch(ctx, nil))
}

func TestFrameConversionRoundTrip(t *testing.T) {
	f := protocol.LogFrame{
		WorkflowID:         "etl",
		WorkflowName:       "ETL",
		WorkflowInstanceID: "wi-1",
		TaskName:           "extract",
		TaskInstanceID:     "ti-1",
		TimestampMS:        123,
		Level:              protocol.LevelWarn,
		Payload:            "careful",
	}
	assert.Equal(t, f, EntryFromFrame(f).Frame())
}
