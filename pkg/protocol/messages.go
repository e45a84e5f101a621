package protocol

import (
	"encoding/json"

	"github.com/nicelgueta/cdktr/pkg/workflow"
)

// Op names every control operation the principal serves.
type Op string

const (
	OpPing           Op = "Ping"
	OpRegisterAgent  Op = "RegisterAgent"
	OpHeartbeat      Op = "Heartbeat"
	OpFetchWorkflow  Op = "FetchWorkflow"
	OpRunWorkflow    Op = "RunWorkflow"
	OpReportStatus   Op = "ReportStatus"
	OpListWorkflows  Op = "ListWorkflows"
	OpQueryLogs      Op = "QueryLogs"
	OpRecentStatuses Op = "RecentStatuses"
	OpListAgents     Op = "ListAgents"
)

// Request is the single-frame control envelope: an op tag plus its payload.
type Request struct {
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is the single-shot response envelope. Exactly one of Error and
// Payload is meaningful: Error when OK is false, Payload otherwise.
type Reply struct {
	OK      bool            `json:"ok"`
	Error   *Error          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TriggerOrigin records what caused a workflow run to be enqueued.
type TriggerOrigin string

const (
	OriginScheduler TriggerOrigin = "SCHEDULER"
	OriginExternal  TriggerOrigin = "EXTERNAL"
	OriginManual    TriggerOrigin = "MANUAL"
)

// RegisterAgentRequest announces a new agent and its capacity.
type RegisterAgentRequest struct {
	Capacity    int    `json:"capacity"`
	ControlAddr string `json:"control_addr"`
}

// RegisterAgentReply carries the assigned agent id.
type RegisterAgentReply struct {
	AgentID string `json:"agent_id"`
}

// HeartbeatRequest keeps an agent's registration alive.
type HeartbeatRequest struct {
	AgentID  string `json:"agent_id"`
	Inflight int    `json:"inflight_count"`
}

// FetchWorkflowRequest asks for at most one runnable workflow instance.
type FetchWorkflowRequest struct {
	AgentID string `json:"agent_id"`
}

// FetchWorkflowReply returns the assigned instance, or Found=false when the
// queue is empty.
type FetchWorkflowReply struct {
	Found              bool               `json:"found"`
	WorkflowInstanceID string             `json:"workflow_instance_id,omitempty"`
	Workflow           *workflow.Workflow `json:"workflow,omitempty"`
}

// RunWorkflowRequest triggers a run from an event source or UI.
type RunWorkflowRequest struct {
	WorkflowID string `json:"workflow_id"`
}

// RunWorkflowReply acknowledges the enqueue with the fresh instance id.
type RunWorkflowReply struct {
	WorkflowInstanceID string `json:"workflow_instance_id"`
}

// ReportStatusRequest records one status transition. TaskInstanceID and
// TaskID are empty for workflow-level transitions.
type ReportStatusRequest struct {
	WorkflowID         string             `json:"workflow_id"`
	WorkflowInstanceID string             `json:"workflow_instance_id"`
	TaskID             string             `json:"task_id,omitempty"`
	TaskInstanceID     string             `json:"task_instance_id,omitempty"`
	Status             workflow.RunStatus `json:"status"`
	TimestampMS        int64              `json:"timestamp_ms"`
}

// WorkflowMeta is the listing view of a definition.
type WorkflowMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Cron        string `json:"cron,omitempty"`
	TaskCount   int    `json:"task_count"`
}

// ListWorkflowsReply lists the current workflow set.
type ListWorkflowsReply struct {
	Workflows []WorkflowMeta `json:"workflows"`
}

// LogQuery filters the persisted log store. Zero filter fields are
// unconstrained; a Limit of zero or above 10000 returns at most 1000 rows.
type LogQuery struct {
	WorkflowID         string `json:"workflow_id,omitempty"`
	WorkflowInstanceID string `json:"workflow_instance_id,omitempty"`
	TaskInstanceID     string `json:"task_instance_id,omitempty"`
	Level              string `json:"level,omitempty"`
	SinceMS            int64  `json:"since_ms,omitempty"`
	UntilMS            int64  `json:"until_ms,omitempty"`
	Limit              int    `json:"limit,omitempty"`
}

// QueryLogsReply returns matching rows oldest-first.
type QueryLogsReply struct {
	Frames []LogFrame `json:"frames"`
}

// InstanceStatus is the latest known status of one workflow instance.
type InstanceStatus struct {
	WorkflowID         string             `json:"workflow_id"`
	WorkflowInstanceID string             `json:"workflow_instance_id"`
	Status             workflow.RunStatus `json:"status"`
	TimestampMS        int64              `json:"timestamp_ms"`
}

// RecentStatusesRequest bounds the number of returned instances.
type RecentStatusesRequest struct {
	Limit int `json:"limit,omitempty"`
}

// RecentStatusesReply returns the most recent workflow-instance statuses.
type RecentStatusesReply struct {
	Statuses []InstanceStatus `json:"statuses"`
}

// AgentInfo is the registry view of one agent.
type AgentInfo struct {
	AgentID         string `json:"agent_id"`
	ControlAddr     string `json:"control_addr"`
	Capacity        int    `json:"capacity"`
	Inflight        int    `json:"inflight_count"`
	LastHeartbeatMS int64  `json:"last_heartbeat_ms"`
}

// ListAgentsReply returns the current registry snapshot.
type ListAgentsReply struct {
	Agents []AgentInfo `json:"agents"`
}

// EncodeRequest builds the wire form of a control request.
func EncodeRequest(op Op, payload any) ([]byte, error) {
	req := Request{Op: op}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, Errorf(KindProtocol, "encode %s payload: %v", op, err)
		}
		req.Payload = data
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, Errorf(KindProtocol, "encode %s request: %v", op, err)
	}
	return data, nil
}

// DecodeRequest parses the wire form of a control request.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, Errorf(KindProtocol, "decode request: %v", err)
	}
	if req.Op == "" {
		return Request{}, Errorf(KindProtocol, "request missing op")
	}
	return req, nil
}

// DecodePayload parses a request or reply payload into out.
func DecodePayload(payload json.RawMessage, out any) error {
	if len(payload) == 0 {
		return Errorf(KindProtocol, "missing payload")
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return Errorf(KindProtocol, "decode payload: %v", err)
	}
	return nil
}

// OKReply builds a successful reply envelope around payload (which may be
// nil for bare acks).
func OKReply(payload any) ([]byte, error) {
	rep := Reply{OK: true}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, Errorf(KindProtocol, "encode reply payload: %v", err)
		}
		rep.Payload = data
	}
	return json.Marshal(rep)
}

// ErrReply builds a rejected reply envelope carrying the typed error.
func ErrReply(err error) []byte {
	var pe *Error
	if e, ok := err.(*Error); ok {
		pe = e
	} else {
		pe = Errorf(KindOf(err), "%v", err)
	}
	data, marshalErr := json.Marshal(Reply{OK: false, Error: pe})
	if marshalErr != nil {
		// A reply envelope of two strings cannot fail to marshal; keep the
		// compiler honest anyway.
		return []byte(`{"ok":false,"error":{"kind":"Internal","message":"reply encoding failed"}}`)
	}
	return data
}

// DecodeReply parses a reply envelope and surfaces its error, if any.
func DecodeReply(data []byte) (Reply, error) {
	var rep Reply
	if err := json.Unmarshal(data, &rep); err != nil {
		return Reply{}, Errorf(KindProtocol, "decode reply: %v", err)
	}
	if !rep.OK {
		if rep.Error != nil {
			return rep, rep.Error
		}
		return rep, Errorf(KindInternal, "rejected without error detail")
	}
	return rep, nil
}
