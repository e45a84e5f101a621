package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nicelgueta/cdktr/internal/config"
	"github.com/nicelgueta/cdktr/pkg/logstream"
	"github.com/nicelgueta/cdktr/pkg/protocol"
)

const fetchInterval = time.Second

// Supervisor is the agent process: it registers with the principal,
// heartbeats, fetches workflow instances while below its concurrency cap,
// and drives one task manager per instance. Shutdown stops fetching and
// drains in-flight instances before returning.
type Supervisor struct {
	cfg       *config.Config
	client    *protocol.Client
	publisher *logstream.Publisher
	pool      *SlotPool
	executors ExecutorSet
	logger    *slog.Logger

	agentID string

	mu       sync.Mutex
	inflight int

	wg sync.WaitGroup
}

// NewSupervisor builds a supervisor over an established NATS connection to
// the principal.
func NewSupervisor(cfg *config.Config, nc *nats.Conn, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg,
		client:    protocol.NewClient(nc, cfg.RequestTimeout, cfg.RetryAttempts),
		publisher: logstream.NewPublisher(nc, 0, logger),
		pool:      NewSlotPool(cfg.AgentMaxConcurrency),
		executors: DefaultExecutors(),
		logger:    logger,
	}
}

// Run operates the agent until ctx is cancelled, then drains. It returns
// once every in-flight instance has reported its terminal status and the
// log buffer has emptied, or 10 seconds into the log drain with a warning
// if frames are still buffered then.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.register(ctx); err != nil {
		return err
	}

	pubCtx, pubCancel := context.WithCancel(context.Background())
	defer pubCancel()
	go s.publisher.Start(pubCtx)

	heartbeatEvery := s.cfg.AgentHeartbeatTimeout / 3
	if heartbeatEvery < time.Second {
		heartbeatEvery = time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop(ctx, heartbeatEvery)
	}()

	s.fetchLoop(ctx)

	// ctx is done: no new fetches. Wait for task managers and the
	// heartbeat loop, then flush remaining log frames.
	s.wg.Wait()
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.publisher.DrainBlocking(drainCtx); err != nil {
		s.logger.Warn("log buffer not fully drained on shutdown", "error", err)
	}
	s.publisher.Close()
	s.logger.Info("agent stopped", "agent_id", s.agentID)
	return nil
}

// register announces the agent, retrying until the principal answers or
// ctx is cancelled.
func (s *Supervisor) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	req := protocol.RegisterAgentRequest{
		Capacity:    s.cfg.AgentMaxConcurrency,
		ControlAddr: hostname,
	}
	for {
		var rep protocol.RegisterAgentReply
		err := s.client.Request(ctx, protocol.OpRegisterAgent, req, &rep)
		if err == nil {
			s.agentID = rep.AgentID
			s.logger.Info("agent registered",
				"agent_id", s.agentID, "capacity", s.cfg.AgentMaxConcurrency)
			return nil
		}
		s.logger.Warn("registration failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("registration abandoned: %w", ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req := protocol.HeartbeatRequest{AgentID: s.agentID, Inflight: s.inflightCount()}
			err := s.client.Request(ctx, protocol.OpHeartbeat, req, nil)
			switch {
			case err == nil:
			case protocol.IsKind(err, protocol.KindNotFound):
				// The principal restarted and lost the registry; take a
				// fresh identity.
				s.logger.Warn("registration lost, re-registering")
				if err := s.register(ctx); err != nil {
					return
				}
			default:
				s.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// fetchLoop polls for work while below the concurrency cap.
func (s *Supervisor) fetchLoop(ctx context.Context) {
	ticker := time.NewTicker(fetchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for s.inflightCount() < s.cfg.AgentMaxConcurrency {
				fetched, err := s.fetchOne(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Warn("fetch failed", "error", err)
					}
					break
				}
				if !fetched {
					break
				}
			}
		}
	}
}

// fetchOne asks for work and starts a task manager when an instance comes
// back. The bool reports whether anything was fetched.
func (s *Supervisor) fetchOne(ctx context.Context) (bool, error) {
	var rep protocol.FetchWorkflowReply
	err := s.client.Request(ctx, protocol.OpFetchWorkflow, protocol.FetchWorkflowRequest{AgentID: s.agentID}, &rep)
	if err != nil {
		return false, err
	}
	if !rep.Found {
		return false, nil
	}
	if rep.Workflow == nil {
		return false, protocol.Errorf(protocol.KindProtocol, "fetched instance %s without a definition", rep.WorkflowInstanceID)
	}

	s.addInflight(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.addInflight(-1)

		tm := NewTaskManager(
			rep.Workflow, rep.WorkflowInstanceID,
			s.pool, s.executors, s.publisher, s.reportStatus, s.logger,
		)
		status := tm.Run(ctx)
		s.logger.Info("workflow instance finished",
			"workflow_id", rep.Workflow.ID,
			"workflow_instance_id", rep.WorkflowInstanceID,
			"status", status)
	}()
	return true, nil
}

// reportStatus pushes one transition to the principal. The control client
// already retries; a final failure is logged and dropped, and heartbeat
// reclamation on the principal eventually settles the run's state.
func (s *Supervisor) reportStatus(rep protocol.ReportStatusRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout*time.Duration(s.cfg.RetryAttempts+1))
	defer cancel()
	if err := s.client.Request(ctx, protocol.OpReportStatus, rep, nil); err != nil {
		s.logger.Error("status report lost",
			"workflow_instance_id", rep.WorkflowInstanceID,
			"task_instance_id", rep.TaskInstanceID,
			"status", rep.Status,
			"error", err)
	}
}

func (s *Supervisor) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Supervisor) addInflight(d int) {
	s.mu.Lock()
	s.inflight += d
	s.mu.Unlock()
}
