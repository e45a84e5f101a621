package principal

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicelgueta/cdktr/pkg/protocol"
)

// AgentRecord is the registry's view of one agent.
type AgentRecord struct {
	ID            string
	ControlAddr   string
	Capacity      int
	Inflight      int
	LastHeartbeat time.Time
}

// Registry tracks registered agents and which workflow instance is assigned
// to which agent. It is shared by the control server and the heartbeat
// monitor, so every access is serialized here.
type Registry struct {
	mu          sync.RWMutex
	agents      map[string]*AgentRecord
	assignments map[string]string // workflow_instance_id -> agent_id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:      make(map[string]*AgentRecord),
		assignments: make(map[string]string),
	}
}

// Register mints a fresh agent id. Every call returns a new registration;
// re-registration after a lost heartbeat is a new identity.
func (r *Registry) Register(capacity int, controlAddr string, now time.Time) *AgentRecord {
	rec := &AgentRecord{
		ID:            uuid.New().String(),
		ControlAddr:   controlAddr,
		Capacity:      capacity,
		LastHeartbeat: now,
	}
	r.mu.Lock()
	r.agents[rec.ID] = rec
	r.mu.Unlock()
	return rec
}

// Heartbeat refreshes an agent's liveness. Unknown agents get NotFound so
// they know to re-register.
func (r *Registry) Heartbeat(agentID string, inflight int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return protocol.Errorf(protocol.KindNotFound, "agent %s is not registered", agentID)
	}
	rec.Inflight = inflight
	rec.LastHeartbeat = now
	return nil
}

// Known reports whether agentID is registered.
func (r *Registry) Known(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Assign records that an instance was handed to an agent.
func (r *Registry) Assign(workflowInstanceID, agentID string) {
	r.mu.Lock()
	r.assignments[workflowInstanceID] = agentID
	r.mu.Unlock()
}

// Unassign clears an instance's assignment once it reaches a terminal
// status.
func (r *Registry) Unassign(workflowInstanceID string) {
	r.mu.Lock()
	delete(r.assignments, workflowInstanceID)
	r.mu.Unlock()
}

// Remove drops an agent and returns the workflow instances that were
// assigned to it, clearing those assignments.
func (r *Registry) Remove(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
	var orphaned []string
	for instanceID, owner := range r.assignments {
		if owner == agentID {
			orphaned = append(orphaned, instanceID)
			delete(r.assignments, instanceID)
		}
	}
	sort.Strings(orphaned)
	return orphaned
}

// Stale returns the agents whose last heartbeat is older than timeout.
func (r *Registry) Stale(now time.Time, timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []string
	for id, rec := range r.agents {
		if now.Sub(rec.LastHeartbeat) > timeout {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// List returns the registry snapshot sorted by agent id.
func (r *Registry) List() []protocol.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.AgentInfo, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, protocol.AgentInfo{
			AgentID:         rec.ID,
			ControlAddr:     rec.ControlAddr,
			Capacity:        rec.Capacity,
			Inflight:        rec.Inflight,
			LastHeartbeatMS: rec.LastHeartbeat.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
