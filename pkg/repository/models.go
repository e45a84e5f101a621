// Package repository persists log frames and status transitions to the
// analytical store. All three tables are insert-only: rows are appended in
// batches and never mutated or deleted, and current state is derived with
// MAX(timestamp_ms) per instance.
package repository

import (
	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/workflow"
)

// LogEntry is one persisted log frame.
type LogEntry struct {
	ID                 uint   `gorm:"primaryKey"`
	WorkflowID         string `gorm:"index"`
	WorkflowName       string
	WorkflowInstanceID string `gorm:"index"`
	TaskName           string
	TaskInstanceID     string `gorm:"index"`
	TimestampMS        int64  `gorm:"index"`
	Level              string
	Payload            string
}

// TableName pins the table name.
func (LogEntry) TableName() string { return "logstore" }

// Frame converts a stored row back to its wire form.
func (e LogEntry) Frame() protocol.LogFrame {
	return protocol.LogFrame{
		WorkflowID:         e.WorkflowID,
		WorkflowName:       e.WorkflowName,
		WorkflowInstanceID: e.WorkflowInstanceID,
		TaskName:           e.TaskName,
		TaskInstanceID:     e.TaskInstanceID,
		TimestampMS:        e.TimestampMS,
		Level:              protocol.LogLevel(e.Level),
		Payload:            e.Payload,
	}
}

// EntryFromFrame converts a wire frame to its storage row.
func EntryFromFrame(f protocol.LogFrame) LogEntry {
	return LogEntry{
		WorkflowID:         f.WorkflowID,
		WorkflowName:       f.WorkflowName,
		WorkflowInstanceID: f.WorkflowInstanceID,
		TaskName:           f.TaskName,
		TaskInstanceID:     f.TaskInstanceID,
		TimestampMS:        f.TimestampMS,
		Level:              string(f.Level),
		Payload:            f.Payload,
	}
}

// WorkflowRunStatus is one workflow-instance status transition.
type WorkflowRunStatus struct {
	ID                 uint   `gorm:"primaryKey"`
	WorkflowID         string `gorm:"index"`
	WorkflowInstanceID string `gorm:"index"`
	Status             workflow.RunStatus
	TimestampMS        int64 `gorm:"index"`
}

// TableName pins the table name.
func (WorkflowRunStatus) TableName() string { return "workflow_run_status" }

// TaskRunStatus is one task-instance status transition.
type TaskRunStatus struct {
	ID                 uint   `gorm:"primaryKey"`
	TaskID             string `gorm:"index"`
	TaskInstanceID     string `gorm:"index"`
	WorkflowInstanceID string `gorm:"index"`
	Status             workflow.RunStatus
	TimestampMS        int64 `gorm:"index"`
}

// TableName pins the table name.
func (TaskRunStatus) TableName() string { return "task_run_status" }
