package principal

import (
	"sync"

	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/workflow"
)

// taskView is the latest known state of one task instance.
type taskView struct {
	TaskID string
	Status workflow.RunStatus
}

// instanceView is the live state of one in-flight workflow instance.
type instanceView struct {
	WorkflowID string
	Status     workflow.RunStatus
	Tasks      map[string]taskView // task_instance_id -> view
}

// Tracker keeps the live latest-status view of in-flight workflow
// instances. It is fed by ReportStatus and by the queue handing out work,
// and consulted by the heartbeat monitor when it must synthesize CRASHED
// rows for an agent that disappeared. Instances are forgotten when they
// reach a terminal status; history lives in the analytical store.
type Tracker struct {
	mu        sync.RWMutex
	instances map[string]*instanceView
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{instances: make(map[string]*instanceView)}
}

// Record folds one status report into the live view.
func (t *Tracker) Record(rep protocol.ReportStatusRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, ok := t.instances[rep.WorkflowInstanceID]
	if !ok {
		inst = &instanceView{
			WorkflowID: rep.WorkflowID,
			Status:     workflow.StatusPending,
			Tasks:      make(map[string]taskView),
		}
		t.instances[rep.WorkflowInstanceID] = inst
	}
	if inst.WorkflowID == "" {
		inst.WorkflowID = rep.WorkflowID
	}

	if rep.TaskInstanceID == "" {
		inst.Status = rep.Status
		if rep.Status.Terminal() {
			delete(t.instances, rep.WorkflowInstanceID)
		}
		return
	}
	inst.Tasks[rep.TaskInstanceID] = taskView{TaskID: rep.TaskID, Status: rep.Status}
}

// InstanceStatus returns the live status of an instance, if tracked.
func (t *Tracker) InstanceStatus(workflowInstanceID string) (workflow.RunStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.instances[workflowInstanceID]
	if !ok {
		return "", false
	}
	return inst.Status, true
}

// CrashReport is what the heartbeat monitor needs to synthesize rows for a
// lost instance: its workflow id and the non-terminal task instances last
// seen RUNNING or PENDING.
type CrashReport struct {
	WorkflowID string
	Tasks      []protocol.ReportStatusRequest
}

// Reclaim removes an instance from the live view and returns the crash
// report for it. ok is false when the instance already reached a terminal
// status (nothing to synthesize).
func (t *Tracker) Reclaim(workflowInstanceID string) (CrashReport, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, ok := t.instances[workflowInstanceID]
	if !ok {
		return CrashReport{}, false
	}
	delete(t.instances, workflowInstanceID)

	report := CrashReport{WorkflowID: inst.WorkflowID}
	for taskInstanceID, tv := range inst.Tasks {
		if tv.Status == workflow.StatusRunning || tv.Status == workflow.StatusPending {
			report.Tasks = append(report.Tasks, protocol.ReportStatusRequest{
				WorkflowID:         inst.WorkflowID,
				WorkflowInstanceID: workflowInstanceID,
				TaskID:             tv.TaskID,
				TaskInstanceID:     taskInstanceID,
				Status:             workflow.StatusCrashed,
			})
		}
	}
	return report, true
}

// Len returns the number of tracked instances.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.instances)
}
