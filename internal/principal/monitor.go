package principal

import (
	"context"
	"log/slog"
	"time"

	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/workflow"
)

// MonitorTickInterval is the staleness scan cadence.
const MonitorTickInterval = time.Second

// Monitor detects agents that stopped heartbeating. A lost agent is removed
// from the registry and every workflow instance still assigned to it is
// marked CRASHED, with per-task CRASHED rows synthesized for the task
// instances last seen RUNNING or PENDING.
type Monitor struct {
	registry *Registry
	tracker  *Tracker
	timeout  time.Duration
	emit     func(protocol.ReportStatusRequest)
	logger   *slog.Logger
	now      func() time.Time
	onLost   func()
}

// NewMonitor builds a monitor. emit receives every synthesized status row
// (the persister's intake). onLost may be nil.
func NewMonitor(registry *Registry, tracker *Tracker, timeout time.Duration, emit func(protocol.ReportStatusRequest), logger *slog.Logger, onLost func()) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		tracker:  tracker,
		timeout:  timeout,
		emit:     emit,
		logger:   logger,
		now:      time.Now,
		onLost:   onLost,
	}
}

// Tick scans once for stale agents and reclaims their in-flight work.
func (m *Monitor) Tick(now time.Time) {
	for _, agentID := range m.registry.Stale(now, m.timeout) {
		orphaned := m.registry.Remove(agentID)
		m.logger.Warn("agent lost, reclaiming in-flight work",
			"agent_id", agentID, "instances", len(orphaned))
		if m.onLost != nil {
			m.onLost()
		}

		ts := now.UnixMilli()
		for _, instanceID := range orphaned {
			report, ok := m.tracker.Reclaim(instanceID)
			if !ok {
				// Already terminal; nothing to synthesize.
				continue
			}
			for _, taskRow := range report.Tasks {
				taskRow.TimestampMS = ts
				m.emit(taskRow)
			}
			m.emit(protocol.ReportStatusRequest{
				WorkflowID:         report.WorkflowID,
				WorkflowInstanceID: instanceID,
				Status:             workflow.StatusCrashed,
				TimestampMS:        ts,
			})
			m.logger.Warn("workflow instance crashed with its agent",
				"workflow_instance_id", instanceID, "agent_id", agentID)
		}
	}
}

// Run ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(MonitorTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.now())
		}
	}
}
