package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/workflow"
)

// scriptedExecutor runs each task as a scripted function keyed by the
// executor command.
type scriptedExecutor struct {
	mu       sync.Mutex
	scripts  map[string]func(emit LineFunc) error
	spawnErr map[string]error
	spawned  []string
}

type scriptedHandle struct {
	fn   func(LineFunc) error
	emit LineFunc
}

func (h *scriptedHandle) Wait() error { return h.fn(h.emit) }

func (e *scriptedExecutor) Spawn(_ context.Context, cfg workflow.ExecutorConfig, emit LineFunc) (Handle, error) {
	e.mu.Lock()
	e.spawned = append(e.spawned, cfg.Command)
	e.mu.Unlock()
	if err := e.spawnErr[cfg.Command]; err != nil {
		return nil, err
	}
	fn, ok := e.scripts[cfg.Command]
	if !ok {
		fn = func(LineFunc) error { return nil }
	}
	return &scriptedHandle{fn: fn, emit: emit}, nil
}

// frameCollector is a threadsafe FrameSink.
type frameCollector struct {
	mu     sync.Mutex
	frames []protocol.LogFrame
}

func (c *frameCollector) Enqueue(f protocol.LogFrame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

// reportRecorder captures status transitions in emission order.
type reportRecorder struct {
	mu      sync.Mutex
	reports []protocol.ReportStatusRequest
}

func (r *reportRecorder) report(rep protocol.ReportStatusRequest) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
}

// taskTransitions filters the recorded rows to "task:STATUS" strings for
// the given statuses, preserving order.
func (r *reportRecorder) taskTransitions(statuses ...workflow.RunStatus) []string {
	want := make(map[workflow.RunStatus]bool)
	for _, s := range statuses {
		want[s] = true
	}
	var out []string
	for _, rep := range r.reports {
		if rep.TaskInstanceID != "" && want[rep.Status] {
			out = append(out, rep.TaskID+":"+string(rep.Status))
		}
	}
	return out
}

func (r *reportRecorder) workflowTransitions() []string {
	var out []string
	for _, rep := range r.reports {
		if rep.TaskInstanceID == "" {
			out = append(out, string(rep.Status))
		}
	}
	return out
}

func linearWorkflow(cmds map[string][]string) *workflow.Workflow {
	wf := &workflow.Workflow{ID: "etl", Name: "etl", Tasks: map[string]*workflow.Task{}}
	for id, deps := range cmds {
		wf.Tasks[id] = &workflow.Task{
			Name:     id,
			Depends:  deps,
			Executor: workflow.ExecutorConfig{Type: "fake", Command: id},
		}
	}
	return wf
}

func newTestManager(wf *workflow.Workflow, ex *scriptedExecutor, slots int) (*TaskManager, *reportRecorder, *frameCollector) {
	rec := &reportRecorder{}
	sink := &frameCollector{}
	tm := NewTaskManager(wf, "wi-1", NewSlotPool(slots), ExecutorSet{"fake": ex}, sink, rec.report, nil)
	return tm, rec, sink
}

func TestLinearWorkflowRunsInOrder(t *testing.T) {
	wf := linearWorkflow(map[string][]string{
		"a": nil, "b": {"a"}, "c": {"b"},
	})
	ex := &scriptedExecutor{scripts: map[string]func(LineFunc) error{
		"a": func(emit LineFunc) error { emit(protocol.LevelInfo, "X"); return nil },
		"b": func(emit LineFunc) error { emit(protocol.LevelInfo, "X"); return nil },
		"c": func(emit LineFunc) error { emit(protocol.LevelInfo, "X"); return nil },
	}}
	tm, rec, sink := newTestManager(wf, ex, 4)

	status := tm.Run(context.Background())
	assert.Equal(t, workflow.StatusCompleted, status)

	assert.Equal(t, []string{
		"a:RUNNING", "a:COMPLETED",
		"b:RUNNING", "b:COMPLETED",
		"c:RUNNING", "c:COMPLETED",
	}, rec.taskTransitions(workflow.StatusRunning, workflow.StatusCompleted))

	assert.Equal(t, []string{"RUNNING", "COMPLETED"}, rec.workflowTransitions())

	// One frame per emitted line, carrying the task metadata.
	require.Len(t, sink.frames, 3)
	assert.Equal(t, "wi-1", sink.frames[0].WorkflowInstanceID)
	assert.Equal(t, "etl", sink.frames[0].WorkflowID)
}

func TestFanOutRunsBranchesConcurrently(t *testing.T) {
	wf := linearWorkflow(map[string][]string{
		"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"},
	})

	// b and c rendezvous: both must be RUNNING at once for either to
	// finish.
	var barrier sync.WaitGroup
	barrier.Add(2)
	meet := func(emit LineFunc) error {
		barrier.Done()
		barrier.Wait()
		return nil
	}
	ex := &scriptedExecutor{scripts: map[string]func(LineFunc) error{"b": meet, "c": meet}}
	tm, rec, _ := newTestManager(wf, ex, 4)

	status := tm.Run(context.Background())
	assert.Equal(t, workflow.StatusCompleted, status)

	transitions := rec.taskTransitions(workflow.StatusRunning, workflow.StatusCompleted)
	pos := map[string]int{}
	for i, tr := range transitions {
		pos[tr] = i
	}

	// Both branches were RUNNING before either completed.
	assert.Less(t, pos["b:RUNNING"], pos["b:COMPLETED"])
	assert.Less(t, pos["c:RUNNING"], pos["c:COMPLETED"])
	assert.Less(t, pos["b:RUNNING"], pos["c:COMPLETED"])
	assert.Less(t, pos["c:RUNNING"], pos["b:COMPLETED"])

	// d waits for both.
	assert.Greater(t, pos["d:RUNNING"], pos["b:COMPLETED"])
	assert.Greater(t, pos["d:RUNNING"], pos["c:COMPLETED"])
}

func TestFailureCascadeSkipsDownstreamOnly(t *testing.T) {
	// a -> b -> c, a -> d; b fails.
	wf := linearWorkflow(map[string][]string{
		"a": nil, "b": {"a"}, "c": {"b"}, "d": {"a"},
	})
	ex := &scriptedExecutor{scripts: map[string]func(LineFunc) error{
		"b": func(LineFunc) error {
			return protocol.Errorf(protocol.KindExecutorFailed, "exit status 1")
		},
	}}
	tm, rec, _ := newTestManager(wf, ex, 4)

	status := tm.Run(context.Background())
	assert.Equal(t, workflow.StatusFailed, status)

	final := map[string]workflow.RunStatus{}
	for _, rep := range rec.reports {
		if rep.TaskInstanceID != "" {
			final[rep.TaskID] = rep.Status
		}
	}
	assert.Equal(t, workflow.StatusCompleted, final["a"])
	assert.Equal(t, workflow.StatusFailed, final["b"])
	assert.Equal(t, workflow.StatusSkipped, final["c"])
	assert.Equal(t, workflow.StatusCompleted, final["d"])

	// c never entered the ready queue.
	ex.mu.Lock()
	defer ex.mu.Unlock()
	assert.NotContains(t, ex.spawned, "c")
}

func TestSpawnFailureIsTaskFailure(t *testing.T) {
	wf := linearWorkflow(map[string][]string{"a": nil, "b": {"a"}})
	ex := &scriptedExecutor{spawnErr: map[string]error{
		"a": protocol.Errorf(protocol.KindExecutorFailed, "no such executable"),
	}}
	tm, rec, _ := newTestManager(wf, ex, 2)

	status := tm.Run(context.Background())
	assert.Equal(t, workflow.StatusFailed, status)

	final := map[string]workflow.RunStatus{}
	for _, rep := range rec.reports {
		if rep.TaskInstanceID != "" {
			final[rep.TaskID] = rep.Status
		}
	}
	assert.Equal(t, workflow.StatusFailed, final["a"])
	assert.Equal(t, workflow.StatusSkipped, final["b"])
}

func TestGracefulStopDrainsInflight(t *testing.T) {
	wf := linearWorkflow(map[string][]string{"a": nil, "b": {"a"}})

	started := make(chan struct{})
	release := make(chan struct{})
	ex := &scriptedExecutor{scripts: map[string]func(LineFunc) error{
		"a": func(LineFunc) error {
			close(started)
			<-release
			return nil
		},
	}}
	tm, rec, _ := newTestManager(wf, ex, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan workflow.RunStatus, 1)
	go func() { done <- tm.Run(ctx) }()

	<-started
	cancel()
	// Give the manager a moment to observe the stop before a finishes.
	time.Sleep(20 * time.Millisecond)
	close(release)

	var status workflow.RunStatus
	select {
	case status = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task manager did not drain")
	}

	// a finished; b was never pulled; the run still got a terminal row.
	final := map[string]workflow.RunStatus{}
	for _, rep := range rec.reports {
		if rep.TaskInstanceID != "" {
			final[rep.TaskID] = rep.Status
		}
	}
	assert.Equal(t, workflow.StatusCompleted, final["a"])
	assert.Equal(t, workflow.StatusPending, final["b"])
	assert.Equal(t, workflow.StatusFailed, status)

	wfTransitions := rec.workflowTransitions()
	assert.Equal(t, "FAILED", wfTransitions[len(wfTransitions)-1])

	ex.mu.Lock()
	defer ex.mu.Unlock()
	assert.NotContains(t, ex.spawned, "b")
}

func TestSharedPoolBoundsParallelism(t *testing.T) {
	// Four independent tasks, two slots: never more than two at once.
	wf := linearWorkflow(map[string][]string{"a": nil, "b": nil, "c": nil, "d": nil})

	var mu sync.Mutex
	running, peak := 0, 0
	busy := func(LineFunc) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}
	ex := &scriptedExecutor{scripts: map[string]func(LineFunc) error{
		"a": busy, "b": busy, "c": busy, "d": busy,
	}}
	tm, _, _ := newTestManager(wf, ex, 2)

	status := tm.Run(context.Background())
	assert.Equal(t, workflow.StatusCompleted, status)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.GreaterOrEqual(t, peak, 1)
}

func TestWorkflowRunningPrecedesTaskRows(t *testing.T) {
	wf := linearWorkflow(map[string][]string{"a": nil})
	ex := &scriptedExecutor{}
	tm, rec, _ := newTestManager(wf, ex, 1)
	tm.Run(context.Background())

	sawWorkflowRunning := false
	for _, rep := range rec.reports {
		if rep.TaskInstanceID == "" && rep.Status == workflow.StatusRunning {
			sawWorkflowRunning = true
		}
		if rep.TaskInstanceID != "" && rep.Status == workflow.StatusRunning {
			assert.True(t, sawWorkflowRunning, "workflow RUNNING must precede task RUNNING")
		}
	}
	// Terminal workflow row is last.
	last := rec.reports[len(rec.reports)-1]
	assert.Empty(t, last.TaskInstanceID)
	assert.True(t, last.Status.Terminal())
}
