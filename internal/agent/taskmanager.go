package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/workflow"
)

// FrameSink receives log frames without blocking. The log publisher
// satisfies it.
type FrameSink interface {
	Enqueue(protocol.LogFrame)
}

// StatusReporter delivers one status transition to the principal. Delivery
// failures are the reporter's problem; the task manager never blocks on
// them.
type StatusReporter func(rep protocol.ReportStatusRequest)

// TaskManager drives one workflow instance to a terminal status. Tasks run
// in parallel as dependencies allow, drawing executor slots from the
// agent-wide pool; a failed task fails the run and skips everything
// downstream of it.
type TaskManager struct {
	wf         *workflow.Workflow
	instanceID string
	pool       *SlotPool
	executors  ExecutorSet
	sink       FrameSink
	report     StatusReporter
	logger     *slog.Logger
	now        func() time.Time

	taskInstances map[string]string // task_id -> task_instance_id
}

// NewTaskManager builds a manager for one fetched workflow instance.
func NewTaskManager(
	wf *workflow.Workflow,
	instanceID string,
	pool *SlotPool,
	executors ExecutorSet,
	sink FrameSink,
	report StatusReporter,
	logger *slog.Logger,
) *TaskManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskManager{
		wf:            wf,
		instanceID:    instanceID,
		pool:          pool,
		executors:     executors,
		sink:          sink,
		report:        report,
		logger:        logger,
		now:           time.Now,
		taskInstances: make(map[string]string),
	}
}

type completion struct {
	taskID string
	err    error
}

// Run executes the instance and returns its terminal status. Cancelling ctx
// is a graceful stop: no new task starts, in-flight tasks finish, and the
// workflow terminal row is emitted before returning. Executors themselves
// are never force-killed.
func (tm *TaskManager) Run(ctx context.Context) workflow.RunStatus {
	dag, err := workflow.NewDAG(tm.wf)
	if err != nil {
		tm.logger.Error("workflow instance rejected", "workflow_id", tm.wf.ID, "error", err)
		tm.emitWorkflowStatus(workflow.StatusFailed)
		return workflow.StatusFailed
	}

	// Every task instance exists as PENDING before anything runs, and the
	// workflow RUNNING row precedes every task RUNNING row.
	for _, taskID := range dag.TopologicalOrder() {
		tm.taskInstances[taskID] = uuid.New().String()
		tm.emitTaskStatus(taskID, workflow.StatusPending)
	}
	tm.emitWorkflowStatus(workflow.StatusRunning)

	ready := dag.InitialReady()
	statuses := make(map[string]workflow.RunStatus, dag.Size())
	completions := make(chan completion, dag.Size())
	inflight := 0
	stopped := false
	anyFailed := false
	stopCh := ctx.Done()

	handle := func(c completion) {
		tm.pool.Release()
		if c.err == nil {
			statuses[c.taskID] = workflow.StatusCompleted
			tm.emitTaskStatus(c.taskID, workflow.StatusCompleted)
			ready = append(ready, dag.MarkDone(c.taskID)...)
			return
		}
		anyFailed = true
		statuses[c.taskID] = workflow.StatusFailed
		tm.emitTaskStatus(c.taskID, workflow.StatusFailed)
		tm.logger.Warn("task failed",
			"workflow_instance_id", tm.instanceID, "task_id", c.taskID, "error", c.err)
		for _, skipped := range dag.TransitiveDependents(c.taskID) {
			if _, seen := statuses[skipped]; seen {
				continue
			}
			statuses[skipped] = workflow.StatusSkipped
			tm.emitTaskStatus(skipped, workflow.StatusSkipped)
		}
	}

	start := func() {
		taskID := ready[0]
		ready = ready[1:]
		statuses[taskID] = workflow.StatusRunning
		tm.emitTaskStatus(taskID, workflow.StatusRunning)
		inflight++
		go func() {
			completions <- completion{taskID: taskID, err: tm.execute(taskID)}
		}()
	}

	for inflight > 0 || (!stopped && len(ready) > 0) {
		for !stopped && len(ready) > 0 && tm.pool.TryAcquire() {
			start()
		}

		var slotCh <-chan struct{}
		if !stopped && len(ready) > 0 {
			slotCh = tm.pool.C()
		}
		compCh := completions
		if inflight == 0 {
			compCh = nil
		}
		if compCh == nil && slotCh == nil {
			break
		}

		select {
		case c := <-compCh:
			inflight--
			handle(c)
		case <-slotCh:
			start()
		case <-stopCh:
			stopped = true
			stopCh = nil
			tm.logger.Info("draining workflow instance",
				"workflow_instance_id", tm.instanceID, "inflight", inflight)
		}
	}

	terminal := workflow.StatusCompleted
	if anyFailed {
		terminal = workflow.StatusFailed
	} else {
		for _, taskID := range dag.TopologicalOrder() {
			if statuses[taskID] != workflow.StatusCompleted {
				// A drained run with unstarted tasks did not complete.
				terminal = workflow.StatusFailed
				break
			}
		}
	}
	tm.emitWorkflowStatus(terminal)
	return terminal
}

// execute spawns the task's executor and waits for it. Spawn failure is
// task failure. Executors get a background context: graceful shutdown lets
// in-flight work finish.
func (tm *TaskManager) execute(taskID string) error {
	task := tm.wf.Tasks[taskID]
	taskInstanceID := tm.taskInstances[taskID]

	emit := func(level protocol.LogLevel, line string) {
		tm.sink.Enqueue(protocol.LogFrame{
			WorkflowID:         tm.wf.ID,
			WorkflowName:       tm.wf.Name,
			WorkflowInstanceID: tm.instanceID,
			TaskName:           tm.wf.TaskName(taskID),
			TaskInstanceID:     taskInstanceID,
			TimestampMS:        tm.now().UnixMilli(),
			Level:              level,
			Payload:            line,
		})
	}

	h, err := tm.executors.Spawn(context.Background(), task.Executor, emit)
	if err != nil {
		return err
	}
	return h.Wait()
}

func (tm *TaskManager) emitTaskStatus(taskID string, status workflow.RunStatus) {
	tm.report(protocol.ReportStatusRequest{
		WorkflowID:         tm.wf.ID,
		WorkflowInstanceID: tm.instanceID,
		TaskID:             taskID,
		TaskInstanceID:     tm.taskInstances[taskID],
		Status:             status,
		TimestampMS:        tm.now().UnixMilli(),
	})
}

func (tm *TaskManager) emitWorkflowStatus(status workflow.RunStatus) {
	tm.report(protocol.ReportStatusRequest{
		WorkflowID:         tm.wf.ID,
		WorkflowInstanceID: tm.instanceID,
		Status:             status,
		TimestampMS:        tm.now().UnixMilli(),
	})
}
