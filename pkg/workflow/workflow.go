// Package workflow holds the workflow definition model, the YAML parser, the
// dependency DAG, and the on-disk workflow store.
package workflow

import (
	"fmt"
	"sort"
	"time"
)

// RunStatus is the lifecycle state shared by workflow instances and task
// instances. Transitions are append-only; a status row is never rewritten.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusWaiting   RunStatus = "WAITING"
	StatusRunning   RunStatus = "RUNNING"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
	StatusCrashed   RunStatus = "CRASHED"
	StatusSkipped   RunStatus = "SKIPPED"
)

// Terminal reports whether no further transition can follow s.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCrashed, StatusSkipped:
		return true
	}
	return false
}

// ExecutorConfig is the tagged variant handed to an external executor. Only
// Type is interpreted here; everything else is the executor's business.
type ExecutorConfig struct {
	Type    string            `yaml:"type" json:"type"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
}

// Task is one unit of work inside a workflow definition.
type Task struct {
	Name        string         `yaml:"name,omitempty" json:"name,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Depends     []string       `yaml:"depends,omitempty" json:"depends,omitempty"`
	Executor    ExecutorConfig `yaml:"executor" json:"executor"`
}

// Workflow is a parsed workflow definition. ID is derived from the file path
// relative to the workflow directory, not from the file contents.
type Workflow struct {
	ID          string           `yaml:"-" json:"id"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Cron        string           `yaml:"cron,omitempty" json:"cron,omitempty"`
	StartTime   *time.Time       `yaml:"-" json:"start_time,omitempty"`
	Tasks       map[string]*Task `yaml:"tasks" json:"tasks"`
}

// Reasons a definition is rejected.
const (
	ReasonEmpty      = "empty"
	ReasonMissingDep = "missing_dep"
	ReasonCycle      = "cycle"
	ReasonParse      = "parse"
)

// InvalidWorkflowError rejects a definition that cannot be executed.
type InvalidWorkflowError struct {
	WorkflowID string
	Reason     string
	Detail     string
}

func (e *InvalidWorkflowError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid workflow %s: %s", e.WorkflowID, e.Reason)
	}
	return fmt.Sprintf("invalid workflow %s: %s: %s", e.WorkflowID, e.Reason, e.Detail)
}

// Validate checks the structural invariants: at least one task, every
// dependency resolvable, no cycles. Cycle detection happens in NewDAG; this
// wraps it so callers get a single entry point.
func (w *Workflow) Validate() error {
	if len(w.Tasks) == 0 {
		return &InvalidWorkflowError{WorkflowID: w.ID, Reason: ReasonEmpty, Detail: "workflow has no tasks"}
	}
	for id, task := range w.Tasks {
		for _, dep := range task.Depends {
			if _, ok := w.Tasks[dep]; !ok {
				return &InvalidWorkflowError{
					WorkflowID: w.ID,
					Reason:     ReasonMissingDep,
					Detail:     fmt.Sprintf("task %s depends on unknown task %s", id, dep),
				}
			}
		}
	}
	_, err := NewDAG(w)
	return err
}

// TaskName returns the display name for a task id, falling back to the id
// when the definition omits one.
func (w *Workflow) TaskName(taskID string) string {
	if t, ok := w.Tasks[taskID]; ok && t.Name != "" {
		return t.Name
	}
	return taskID
}

// TaskIDs returns the task ids in deterministic order.
func (w *Workflow) TaskIDs() []string {
	ids := make([]string, 0, len(w.Tasks))
	for id := range w.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
