package principal

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nicelgueta/cdktr/internal/metrics"
	"github.com/nicelgueta/cdktr/pkg/protocol"
	"github.com/nicelgueta/cdktr/pkg/repository"
	"github.com/nicelgueta/cdktr/pkg/workflow"
)

// ControlServer answers every control op on the control subject. NATS
// delivers messages to a single subscription's handler sequentially, which
// serializes FetchWorkflow assignment exactly as the protocol requires.
type ControlServer struct {
	nc        *nats.Conn
	queue     *Queue
	store     *workflow.Store
	registry  *Registry
	tracker   *Tracker
	persister *Persister
	repo      *repository.Registry
	enqueue   EnqueueFunc
	logger    *slog.Logger
	m         *metrics.Metrics
	now       func() time.Time

	sub *nats.Subscription
}

// NewControlServer wires the server over the principal's shared state.
func NewControlServer(
	nc *nats.Conn,
	queue *Queue,
	store *workflow.Store,
	registry *Registry,
	tracker *Tracker,
	persister *Persister,
	repo *repository.Registry,
	enqueue EnqueueFunc,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ControlServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlServer{
		nc:        nc,
		queue:     queue,
		store:     store,
		registry:  registry,
		tracker:   tracker,
		persister: persister,
		repo:      repo,
		enqueue:   enqueue,
		logger:    logger,
		m:         m,
		now:       time.Now,
	}
}

// Start subscribes on the control subject. The workflow queue must already
// be replayed; once this returns, agents can fetch work.
func (s *ControlServer) Start() error {
	sub, err := s.nc.Subscribe(protocol.SubjectControl, s.handle)
	if err != nil {
		return protocol.Errorf(protocol.KindTransport, "subscribe control subject: %v", err)
	}
	s.sub = sub
	s.logger.Info("control server accepting requests", "subject", protocol.SubjectControl)
	return nil
}

// Stop unsubscribes from the control subject.
func (s *ControlServer) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *ControlServer) handle(msg *nats.Msg) {
	req, err := protocol.DecodeRequest(msg.Data)
	if err != nil {
		_ = msg.Respond(protocol.ErrReply(err))
		return
	}

	payload, err := s.dispatch(req)
	if err != nil {
		_ = msg.Respond(protocol.ErrReply(err))
		return
	}
	data, err := protocol.OKReply(payload)
	if err != nil {
		_ = msg.Respond(protocol.ErrReply(err))
		return
	}
	_ = msg.Respond(data)
}

func (s *ControlServer) dispatch(req protocol.Request) (any, error) {
	switch req.Op {
	case protocol.OpPing:
		return map[string]string{"pong": "cdktr"}, nil
	case protocol.OpRegisterAgent:
		return s.registerAgent(req)
	case protocol.OpHeartbeat:
		return s.heartbeat(req)
	case protocol.OpFetchWorkflow:
		return s.fetchWorkflow(req)
	case protocol.OpRunWorkflow:
		return s.runWorkflow(req)
	case protocol.OpReportStatus:
		return s.reportStatus(req)
	case protocol.OpListWorkflows:
		return s.listWorkflows()
	case protocol.OpQueryLogs:
		return s.queryLogs(req)
	case protocol.OpRecentStatuses:
		return s.recentStatuses(req)
	case protocol.OpListAgents:
		return protocol.ListAgentsReply{Agents: s.registry.List()}, nil
	default:
		return nil, protocol.Errorf(protocol.KindProtocol, "unknown op %q", req.Op)
	}
}

func (s *ControlServer) registerAgent(req protocol.Request) (any, error) {
	var in protocol.RegisterAgentRequest
	if err := protocol.DecodePayload(req.Payload, &in); err != nil {
		return nil, err
	}
	if in.Capacity < 1 {
		return nil, protocol.Errorf(protocol.KindProtocol, "agent capacity must be at least 1")
	}
	rec := s.registry.Register(in.Capacity, in.ControlAddr, s.now())
	if s.m != nil {
		s.m.AgentsRegistered.Set(float64(s.registry.Count()))
	}
	s.logger.Info("agent registered",
		"agent_id", rec.ID, "capacity", rec.Capacity, "control_addr", rec.ControlAddr)
	return protocol.RegisterAgentReply{AgentID: rec.ID}, nil
}

func (s *ControlServer) heartbeat(req protocol.Request) (any, error) {
	var in protocol.HeartbeatRequest
	if err := protocol.DecodePayload(req.Payload, &in); err != nil {
		return nil, err
	}
	if err := s.registry.Heartbeat(in.AgentID, in.Inflight, s.now()); err != nil {
		return nil, err
	}
	return nil, nil
}

// fetchWorkflow pops the queue head for the calling agent. Entries whose
// definition disappeared from the store since enqueue are failed and the
// next entry is tried.
func (s *ControlServer) fetchWorkflow(req protocol.Request) (any, error) {
	var in protocol.FetchWorkflowRequest
	if err := protocol.DecodePayload(req.Payload, &in); err != nil {
		return nil, err
	}
	if !s.registry.Known(in.AgentID) {
		return nil, protocol.Errorf(protocol.KindNotFound, "agent %s is not registered", in.AgentID)
	}

	for {
		run, ok := s.queue.Take()
		if !ok {
			return protocol.FetchWorkflowReply{Found: false}, nil
		}

		wf, ok := s.store.Get(run.WorkflowID)
		if !ok {
			s.logger.Warn("queued workflow no longer defined, failing the run",
				"workflow_id", run.WorkflowID, "workflow_instance_id", run.WorkflowInstanceID)
			s.applyStatus(protocol.ReportStatusRequest{
				WorkflowID:         run.WorkflowID,
				WorkflowInstanceID: run.WorkflowInstanceID,
				Status:             workflow.StatusFailed,
				TimestampMS:        s.now().UnixMilli(),
			})
			continue
		}

		s.registry.Assign(run.WorkflowInstanceID, in.AgentID)
		s.applyStatus(protocol.ReportStatusRequest{
			WorkflowID:         run.WorkflowID,
			WorkflowInstanceID: run.WorkflowInstanceID,
			Status:             workflow.StatusPending,
			TimestampMS:        s.now().UnixMilli(),
		})
		if s.m != nil {
			s.m.RunsAssigned.Inc()
		}
		s.logger.Info("workflow instance assigned",
			"workflow_id", run.WorkflowID,
			"workflow_instance_id", run.WorkflowInstanceID,
			"agent_id", in.AgentID)
		return protocol.FetchWorkflowReply{
			Found:              true,
			WorkflowInstanceID: run.WorkflowInstanceID,
			Workflow:           wf,
		}, nil
	}
}

func (s *ControlServer) runWorkflow(req protocol.Request) (any, error) {
	var in protocol.RunWorkflowRequest
	if err := protocol.DecodePayload(req.Payload, &in); err != nil {
		return nil, err
	}
	instanceID, err := s.enqueue(protocol.OriginExternal, in.WorkflowID)
	if err != nil {
		return nil, err
	}
	return protocol.RunWorkflowReply{WorkflowInstanceID: instanceID}, nil
}

func (s *ControlServer) reportStatus(req protocol.Request) (any, error) {
	var in protocol.ReportStatusRequest
	if err := protocol.DecodePayload(req.Payload, &in); err != nil {
		return nil, err
	}
	if in.WorkflowInstanceID == "" {
		return nil, protocol.Errorf(protocol.KindProtocol, "ReportStatus requires workflow_instance_id")
	}
	if in.TimestampMS == 0 {
		in.TimestampMS = s.now().UnixMilli()
	}
	s.applyStatus(in)
	return nil, nil
}

// applyStatus is the single intake for status transitions: the live
// tracker, the persister queue, and assignment cleanup on terminal
// workflow rows.
func (s *ControlServer) applyStatus(rep protocol.ReportStatusRequest) {
	s.tracker.Record(rep)
	s.persister.OfferStatus(rep)
	if rep.TaskInstanceID == "" && rep.Status.Terminal() {
		s.registry.Unassign(rep.WorkflowInstanceID)
	}
}

func (s *ControlServer) listWorkflows() (any, error) {
	defs := s.store.List()
	out := protocol.ListWorkflowsReply{Workflows: make([]protocol.WorkflowMeta, 0, len(defs))}
	for _, wf := range defs {
		out.Workflows = append(out.Workflows, protocol.WorkflowMeta{
			ID:          wf.ID,
			Name:        wf.Name,
			Description: wf.Description,
			Cron:        wf.Cron,
			TaskCount:   len(wf.Tasks),
		})
	}
	return out, nil
}

func (s *ControlServer) queryLogs(req protocol.Request) (any, error) {
	var in protocol.LogQuery
	if err := protocol.DecodePayload(req.Payload, &in); err != nil {
		return nil, err
	}
	entries, err := s.repo.Logs.Query(context.Background(), in)
	if err != nil {
		return nil, err
	}
	out := protocol.QueryLogsReply{Frames: make([]protocol.LogFrame, 0, len(entries))}
	for _, e := range entries {
		out.Frames = append(out.Frames, e.Frame())
	}
	return out, nil
}

func (s *ControlServer) recentStatuses(req protocol.Request) (any, error) {
	var in protocol.RecentStatusesRequest
	if len(req.Payload) > 0 {
		if err := protocol.DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
	}
	rows, err := s.repo.Statuses.RecentWorkflowStatuses(context.Background(), in.Limit)
	if err != nil {
		return nil, err
	}
	out := protocol.RecentStatusesReply{Statuses: make([]protocol.InstanceStatus, 0, len(rows))}
	for _, row := range rows {
		out.Statuses = append(out.Statuses, protocol.InstanceStatus{
			WorkflowID:         row.WorkflowID,
			WorkflowInstanceID: row.WorkflowInstanceID,
			Status:             row.Status,
			TimestampMS:        row.TimestampMS,
		})
	}
	return out, nil
}
