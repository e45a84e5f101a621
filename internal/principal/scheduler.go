package principal

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/workflow"
)

// cronParser accepts six-field expressions with seconds precision.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// schedulerEntry is one workflow's position in the fire heap.
type schedulerEntry struct {
	workflowID string
	cronExpr   string
	schedule   cron.Schedule
	nextFire   time.Time
	index      int
}

// fireHeap is a min-heap on nextFire.
type fireHeap []*schedulerEntry

func (h fireHeap) Len() int { return len(h) }

func (h fireHeap) Less(i, j int) bool { return h[i].nextFire.Before(h[j].nextFire) }

func (h fireHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *fireHeap) Push(x any) {
	e := x.(*schedulerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// EnqueueFunc enqueues one run of a workflow and returns the fresh instance
// id. It fails with QueueFull when the workflow queue has no room.
type EnqueueFunc func(origin protocol.TriggerOrigin, workflowID string) (string, error)

// Scheduler fires cron-scheduled workflows into the workflow queue. It
// keeps a min-heap of next-fire times and reconciles against the workflow
// store on the refresh cadence.
type Scheduler struct {
	store   *workflow.Store
	enqueue EnqueueFunc
	poll    time.Duration
	refresh time.Duration
	logger  *slog.Logger
	now     func() time.Time

	onFire func()
	onDrop func()

	heap    fireHeap
	entries map[string]*schedulerEntry
}

// NewScheduler builds a scheduler over the store and enqueue path. poll is
// the maximum sleep between heap checks; refresh is the store reconcile
// cadence.
func NewScheduler(store *workflow.Store, enqueue EnqueueFunc, poll, refresh time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		enqueue: enqueue,
		poll:    poll,
		refresh: refresh,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*schedulerEntry),
	}
}

// SetObservers installs fire/drop callbacks (metrics).
func (s *Scheduler) SetObservers(onFire, onDrop func()) {
	s.onFire = onFire
	s.onDrop = onDrop
}

// Reconcile unions the store's current workflow set into the heap: new
// cron workflows are inserted, entries whose expression changed are
// recomputed, and entries whose workflow disappeared (or lost its cron, or
// has a start time still in the future) are discarded.
func (s *Scheduler) Reconcile(now time.Time) {
	current := s.store.Snapshot()

	for id, entry := range s.entries {
		wf, ok := current[id]
		if !ok || !eligible(wf, now) {
			s.removeEntry(entry)
			continue
		}
		if wf.Cron != entry.cronExpr {
			schedule, err := cronParser.Parse(wf.Cron)
			if err != nil {
				s.logger.Warn("workflow has invalid cron expression, unscheduling",
					"workflow_id", id, "cron", wf.Cron, "error", err)
				s.removeEntry(entry)
				continue
			}
			entry.cronExpr = wf.Cron
			entry.schedule = schedule
			entry.nextFire = schedule.Next(now)
			heap.Fix(&s.heap, entry.index)
		}
	}

	for id, wf := range current {
		if _, ok := s.entries[id]; ok || !eligible(wf, now) {
			continue
		}
		schedule, err := cronParser.Parse(wf.Cron)
		if err != nil {
			s.logger.Warn("workflow has invalid cron expression, skipping",
				"workflow_id", id, "cron", wf.Cron, "error", err)
			continue
		}
		entry := &schedulerEntry{
			workflowID: id,
			cronExpr:   wf.Cron,
			schedule:   schedule,
			nextFire:   schedule.Next(now),
		}
		s.entries[id] = entry
		heap.Push(&s.heap, entry)
	}
}

func eligible(wf *workflow.Workflow, now time.Time) bool {
	if wf.Cron == "" {
		return false
	}
	if wf.StartTime != nil && now.Before(*wf.StartTime) {
		return false
	}
	return true
}

func (s *Scheduler) removeEntry(entry *schedulerEntry) {
	heap.Remove(&s.heap, entry.index)
	delete(s.entries, entry.workflowID)
}

// Tick fires every entry due at or before now, recomputing each one's next
// fire from now itself. Recomputing from now rather than from the fired
// slot collapses any backlog after a forward clock jump into the single
// fire just taken; after a backward jump a past nextFire simply fires once
// and resumes from the new wall time.
func (s *Scheduler) Tick(now time.Time) {
	for s.heap.Len() > 0 && !s.heap[0].nextFire.After(now) {
		entry := s.heap[0]

		if _, err := s.enqueue(protocol.OriginScheduler, entry.workflowID); err != nil {
			if protocol.IsKind(err, protocol.KindQueueFull) {
				s.logger.Warn("workflow queue full, dropping scheduled fire",
					"workflow_id", entry.workflowID, "fire_ts", entry.nextFire)
				if s.onDrop != nil {
					s.onDrop()
				}
			} else {
				s.logger.Error("scheduled enqueue failed",
					"workflow_id", entry.workflowID, "error", err)
			}
		} else {
			s.logger.Info("scheduled workflow fired", "workflow_id", entry.workflowID)
			if s.onFire != nil {
				s.onFire()
			}
		}

		entry.nextFire = entry.schedule.Next(now)
		heap.Fix(&s.heap, entry.index)
	}
}

// sleepFor returns how long the main loop may sleep before the next heap
// check: the gap to the earliest fire, capped by the poll cadence.
func (s *Scheduler) sleepFor(now time.Time) time.Duration {
	d := s.poll
	if s.heap.Len() > 0 {
		if gap := s.heap[0].nextFire.Sub(now); gap < d {
			d = gap
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Run drives the scheduler until ctx is done. The store must have been
// refreshed once before this starts.
func (s *Scheduler) Run(ctx context.Context) {
	s.Reconcile(s.now())
	s.logger.Info("scheduler started", "scheduled_workflows", len(s.entries))

	refresh := time.NewTicker(s.refresh)
	defer refresh.Stop()

	timer := time.NewTimer(s.sleepFor(s.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			s.Reconcile(s.now())
		case <-timer.C:
			s.Tick(s.now())
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.sleepFor(s.now()))
	}
}

// ScheduledCount returns the number of workflows currently on the heap.
func (s *Scheduler) ScheduledCount() int {
	return len(s.entries)
}
