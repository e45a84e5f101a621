// Package metrics exposes the principal's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector the principal updates.
type Metrics struct {
	Registry *prometheus.Registry

	SchedulerFires   prometheus.Counter
	SchedulerDrops   prometheus.Counter
	RunsEnqueued     *prometheus.CounterVec
	RunsAssigned     prometheus.Counter
	AgentsRegistered prometheus.Gauge
	AgentsLost       prometheus.Counter
	FramesRouted     prometheus.Counter
	FramesDropped    prometheus.Counter
	PersistFailures  prometheus.Counter
	PersistedRows    *prometheus.CounterVec
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		SchedulerFires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdktr_scheduler_fires_total",
			Help: "Cron fires that enqueued a workflow run.",
		}),
		SchedulerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdktr_scheduler_drops_total",
			Help: "Cron fires dropped because the workflow queue was full.",
		}),
		RunsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdktr_runs_enqueued_total",
			Help: "Workflow runs enqueued, by trigger origin.",
		}, []string{"origin"}),
		RunsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdktr_runs_assigned_total",
			Help: "Workflow runs handed to agents.",
		}),
		AgentsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cdktr_agents_registered",
			Help: "Agents currently present in the registry.",
		}),
		AgentsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdktr_agents_lost_total",
			Help: "Agents reclaimed by the heartbeat monitor.",
		}),
		FramesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdktr_log_frames_routed_total",
			Help: "Log frames copied from ingest to the fan-out.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdktr_log_frames_dropped_total",
			Help: "Log frames dropped by the persister's buffer ceiling.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdktr_persist_failures_total",
			Help: "Failed bulk writes to the analytical store.",
		}),
		PersistedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdktr_persisted_rows_total",
			Help: "Rows written to the analytical store, by table.",
		}, []string{"table"}),
	}

	reg.MustRegister(
		m.SchedulerFires, m.SchedulerDrops, m.RunsEnqueued, m.RunsAssigned,
		m.AgentsRegistered, m.AgentsLost, m.FramesRouted, m.FramesDropped,
		m.PersistFailures, m.PersistedRows,
	)
	return m
}

// RegisterQueueDepth exposes the workflow queue's live depth and capacity.
func (m *Metrics) RegisterQueueDepth(depth func() float64, capacity float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cdktr_workflow_queue_depth",
		Help: "Runnable workflow instances waiting in the queue.",
	}, depth))
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cdktr_workflow_queue_capacity",
		Help: "Configured workflow queue capacity.",
	})
	g.Set(capacity)
	m.Registry.MustRegister(g)
}
