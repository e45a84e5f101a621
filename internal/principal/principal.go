package principal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/nicelgueta/cdktr/internal/config"
	"github.com/nicelgueta/cdktr/internal/metrics"
	"github.com/nicelgueta/cdktr/pkg/logstream"
	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/repository"
	"github.com/nicelgueta/cdktr/pkg/workflow"
)

// Principal is the central process: it embeds the NATS server every other
// component dials, owns the workflow queue and store, and runs the
// scheduler, control server, heartbeat monitor, and log pipeline.
type Principal struct {
	cfg    *config.Config
	logger *slog.Logger

	ns *natsserver.Server
	nc *nats.Conn

	store     *workflow.Store
	queue     *Queue
	registry  *Registry
	tracker   *Tracker
	repo      *repository.Registry
	persister *Persister
	scheduler *Scheduler
	monitor   *Monitor
	control   *ControlServer
	manager   *logstream.Manager
	fanoutSub *logstream.Subscriber
	httpAPI   *HTTPServer
	ingest    *logstream.IngestServer
	tail      *logstream.TailServer
	m         *metrics.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New assembles a principal from configuration. Nothing listens until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Principal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	repo, err := repository.Open(cfg.DatabasePath(), cfg.DBURL)
	if err != nil {
		return nil, err
	}

	queue, err := OpenQueue(cfg.SnapshotPath(), cfg.QueueCapacity, logger)
	if err != nil {
		return nil, err
	}

	p := &Principal{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		queue:    queue,
		registry: NewRegistry(),
		tracker:  NewTracker(),
		m:        metrics.New(),
	}

	p.m.RegisterQueueDepth(func() float64 { return float64(queue.Len()) }, float64(cfg.QueueCapacity))
	p.store = workflow.NewStore(cfg.WorkflowDir, cfg.WorkflowRefreshEvery, logger)
	p.persister = NewPersister(repo, DefaultFlushInterval, DefaultBufferCeiling, logger, p.m)
	p.scheduler = NewScheduler(p.store, p.EnqueueRun, cfg.SchedulerPollFrequency, cfg.WorkflowRefreshEvery, logger)
	p.scheduler.SetObservers(p.m.SchedulerFires.Inc, p.m.SchedulerDrops.Inc)
	p.monitor = NewMonitor(p.registry, p.tracker, cfg.AgentHeartbeatTimeout, p.applyReclaimedStatus, logger, func() {
		p.m.AgentsLost.Inc()
		p.m.AgentsRegistered.Set(float64(p.registry.Count()))
	})
	return p, nil
}

// EnqueueRun creates a fresh workflow instance for workflowID and places it
// on the queue. It is the single enqueue path shared by the scheduler, the
// control server, and the HTTP gateway.
func (p *Principal) EnqueueRun(origin protocol.TriggerOrigin, workflowID string) (string, error) {
	if _, ok := p.store.Get(workflowID); !ok {
		return "", protocol.Errorf(protocol.KindNotFound, "unknown workflow %s", workflowID)
	}
	run := QueuedRun{
		WorkflowID:         workflowID,
		WorkflowInstanceID: uuid.New().String(),
		Origin:             origin,
	}
	if err := p.queue.Enqueue(run); err != nil {
		return "", err
	}
	p.m.RunsEnqueued.WithLabelValues(string(origin)).Inc()
	return run.WorkflowInstanceID, nil
}

// applyReclaimedStatus routes monitor-synthesized rows the same way the
// control server routes reported ones. The tracker was already cleared by
// Reclaim, so only persistence and assignment cleanup remain.
func (p *Principal) applyReclaimedStatus(rep protocol.ReportStatusRequest) {
	p.persister.OfferStatus(rep)
	if rep.TaskInstanceID == "" && rep.Status.Terminal() {
		p.registry.Unassign(rep.WorkflowInstanceID)
	}
}

// Start brings the principal up: embedded NATS first, then the workflow
// store, and only then the control server, so no agent can fetch before
// persisted state is restored (New has already replayed the queue snapshot).
func (p *Principal) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	opts := &natsserver.Options{
		Host:   p.cfg.PrincipalHost,
		Port:   p.cfg.PrincipalPort,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded nats server failed to start on %s:%d", p.cfg.PrincipalHost, p.cfg.PrincipalPort)
	}
	p.ns = ns

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded nats server: %w", err)
	}
	p.nc = nc

	if err := p.store.Refresh(ctx); err != nil {
		return fmt.Errorf("initial workflow refresh: %w", err)
	}

	p.manager = logstream.NewManager(nc, p.logger, func(protocol.LogFrame) { p.m.FramesRouted.Inc() })
	if err := p.manager.Start(); err != nil {
		return err
	}
	p.fanoutSub, err = logstream.Subscribe(nc, "", p.persister.OfferFrame)
	if err != nil {
		return err
	}

	p.control = NewControlServer(nc, p.queue, p.store, p.registry, p.tracker, p.persister, p.repo, p.EnqueueRun, p.logger, p.m)
	if err := p.control.Start(); err != nil {
		return err
	}

	p.httpAPI = NewHTTPServer(
		fmt.Sprintf("%s:%d", p.cfg.PrincipalHost, p.cfg.HTTPPort),
		p.store, p.registry, p.repo, p.EnqueueRun, p.m, p.logger,
	)
	p.ingest = logstream.NewIngestServer(
		fmt.Sprintf("%s:%d", p.cfg.PrincipalHost, p.cfg.LogsListeningPort), nc, p.logger)
	p.tail = logstream.NewTailServer(
		fmt.Sprintf("%s:%d", p.cfg.PrincipalHost, p.cfg.LogsPublishingPort), nc, p.logger)

	p.runLoop(ctx, "workflow-store", func() { p.store.Start(ctx) })
	p.runLoop(ctx, "queue-snapshot", func() { p.queue.Start(ctx, p.cfg.QueuePersistInterval) })
	p.runLoop(ctx, "scheduler", func() { p.scheduler.Run(ctx) })
	p.runLoop(ctx, "heartbeat-monitor", func() { p.monitor.Run(ctx) })
	p.runLoop(ctx, "persister", func() { p.persister.Start(ctx) })
	p.runServer(ctx, "http-gateway", p.httpAPI.ListenAndServe, func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = p.httpAPI.Shutdown(shCtx)
	})
	p.runServer(ctx, "log-ingest", p.ingest.ListenAndServe, func() { _ = p.ingest.Shutdown() })
	p.runServer(ctx, "log-tail", p.tail.ListenAndServe, func() { _ = p.tail.Shutdown() })

	p.logger.Info("principal started",
		"nats", ns.ClientURL(),
		"http_port", p.cfg.HTTPPort,
		"workflow_dir", p.cfg.WorkflowDir,
		"db", p.cfg.DatabasePath())
	return nil
}

func (p *Principal) runLoop(ctx context.Context, name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
		p.logger.Debug("component stopped", "component", name)
	}()
}

func (p *Principal) runServer(ctx context.Context, name string, serve func() error, shutdown func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := serve(); err != nil && ctx.Err() == nil {
			p.logger.Error("server exited", "component", name, "error", err)
		}
	}()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-ctx.Done()
		shutdown()
	}()
}

// Shutdown stops everything, flushing the queue snapshot and the persister
// buffers on the way out.
func (p *Principal) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	if p.control != nil {
		p.control.Stop()
	}
	if p.manager != nil {
		p.manager.Stop()
	}
	if p.fanoutSub != nil {
		p.fanoutSub.Unsubscribe()
	}
	if p.nc != nil {
		p.nc.Close()
	}
	if p.ns != nil {
		p.ns.Shutdown()
	}
	if err := p.queue.Close(); err != nil {
		p.logger.Error("queue close failed", "error", err)
	}
	p.logger.Info("principal stopped")
}

// ClientURL returns the embedded NATS server's client URL, for tests and
// co-located agents.
func (p *Principal) ClientURL() string {
	if p.ns == nil {
		return ""
	}
	return p.ns.ClientURL()
}
