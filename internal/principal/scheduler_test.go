package principal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/workflow"
)

type enqueueRecorder struct {
	calls []string
	err   error
}

func (r *enqueueRecorder) enqueue(origin protocol.TriggerOrigin, workflowID string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.calls = append(r.calls, workflowID)
	return fmt.Sprintf("wi-%d", len(r.calls)), nil
}

func schedulerFixture(t *testing.T, files map[string]string) (string, *workflow.Store, *enqueueRecorder, *Scheduler) {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	store := workflow.NewStore(dir, time.Minute, nil)
	require.NoError(t, store.Refresh(context.Background()))

	rec := &enqueueRecorder{}
	sched := NewScheduler(store, rec.enqueue, 500*time.Millisecond, time.Minute, nil)
	return dir, store, rec, sched
}

func cronWorkflow(expr string) string {
	return fmt.Sprintf(`
name: scheduled
cron: "%s"
tasks:
  a:
    executor: {type: shell, command: "echo tick"}
`, expr)
}

func TestSchedulerFiresExactlyOncePerSlot(t *testing.T) {
	// Every minute at second zero.
	_, _, rec, sched := schedulerFixture(t, map[string]string{
		"etl.yml": cronWorkflow("0 * * * * *"),
	})

	frozen := time.Date(2026, 3, 1, 12, 0, 59, 0, time.UTC)
	sched.Reconcile(frozen)
	require.Equal(t, 1, sched.ScheduledCount())

	// Nothing due yet.
	sched.Tick(frozen)
	assert.Empty(t, rec.calls)

	// Two seconds later the 12:01:00 slot has passed: exactly one fire.
	sched.Tick(frozen.Add(2 * time.Second))
	assert.Equal(t, []string{"etl"}, rec.calls)

	// The same slot never fires twice.
	sched.Tick(frozen.Add(3 * time.Second))
	assert.Equal(t, []string{"etl"}, rec.calls)
}

func TestSchedulerCollapsesMissedFiresIntoOne(t *testing.T) {
	_, _, rec, sched := schedulerFixture(t, map[string]string{
		"etl.yml": cronWorkflow("0 * * * * *"),
	})

	start := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	sched.Reconcile(start)

	// Wall clock jumps forward an hour: sixty slots were missed, one fire.
	sched.Tick(start.Add(time.Hour))
	assert.Equal(t, []string{"etl"}, rec.calls)
}

func TestSchedulerFiresOnceAfterBackwardJump(t *testing.T) {
	_, _, rec, sched := schedulerFixture(t, map[string]string{
		"etl.yml": cronWorkflow("0 * * * * *"),
	})

	start := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	sched.Reconcile(start)
	sched.Tick(start.Add(31 * time.Second))
	require.Len(t, rec.calls, 1)

	// Clock jumps backward; the already-computed next fire is now far in
	// the future relative to the new wall time, so nothing fires until the
	// wall clock catches up with a due slot again.
	back := start.Add(-10 * time.Minute)
	sched.Tick(back)
	assert.Len(t, rec.calls, 1)

	sched.Tick(start.Add(2 * time.Minute))
	assert.Len(t, rec.calls, 2)
}

func TestSchedulerQueueFullDropsFire(t *testing.T) {
	_, _, rec, sched := schedulerFixture(t, map[string]string{
		"etl.yml": cronWorkflow("0 * * * * *"),
	})
	rec.err = protocol.Errorf(protocol.KindQueueFull, "full")

	drops := 0
	sched.SetObservers(nil, func() { drops++ })

	start := time.Date(2026, 3, 1, 12, 0, 59, 0, time.UTC)
	sched.Reconcile(start)
	sched.Tick(start.Add(2 * time.Second))

	assert.Empty(t, rec.calls)
	assert.Equal(t, 1, drops)

	// The missed slot is not retried; the next slot fires normally.
	rec.err = nil
	sched.Tick(start.Add(61 * time.Second))
	assert.Equal(t, []string{"etl"}, rec.calls)
}

func TestSchedulerSkipsWorkflowsWithoutCron(t *testing.T) {
	_, _, _, sched := schedulerFixture(t, map[string]string{
		"manual.yml": `
name: manual-only
tasks:
  a:
    executor: {type: shell, command: "echo hi"}
`,
	})
	sched.Reconcile(time.Now())
	assert.Equal(t, 0, sched.ScheduledCount())
}

func TestSchedulerSkipsFutureStartTime(t *testing.T) {
	_, _, _, sched := schedulerFixture(t, map[string]string{
		"later.yml": `
name: later
cron: "0 * * * * *"
start_time: "2199-01-01T00:00:00Z"
tasks:
  a:
    executor: {type: shell, command: "echo hi"}
`,
	})
	sched.Reconcile(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, 0, sched.ScheduledCount())
}

func TestSchedulerReconcileDiscardsRemovedWorkflows(t *testing.T) {
	dir, store, _, sched := schedulerFixture(t, map[string]string{
		"etl.yml": cronWorkflow("0 * * * * *"),
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched.Reconcile(now)
	require.Equal(t, 1, sched.ScheduledCount())

	// The file disappears; the next refresh+reconcile drops the entry.
	require.NoError(t, os.Remove(filepath.Join(dir, "etl.yml")))
	require.NoError(t, store.Refresh(context.Background()))
	sched.Reconcile(now.Add(time.Second))
	assert.Equal(t, 0, sched.ScheduledCount())
}

func TestSchedulerReconcileUpdatesChangedCron(t *testing.T) {
	dir, store, rec, sched := schedulerFixture(t, map[string]string{
		"etl.yml": cronWorkflow("0 0 6 * * *"),
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched.Reconcile(now)

	// Rewrite with an every-minute schedule; the entry recomputes.
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "etl.yml"),
		[]byte(cronWorkflow("0 * * * * *")), 0o644))
	require.NoError(t, store.Refresh(context.Background()))
	sched.Reconcile(now)

	sched.Tick(now.Add(61 * time.Second))
	assert.Equal(t, []string{"etl"}, rec.calls)
}
