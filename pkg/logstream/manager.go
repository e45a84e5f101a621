package logstream

import (
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/nicelgueta/cdktr/pkg/protocol"
)

// Manager is the principal-side fan-in/fan-out copier: frames pushed to the
// ingest subject are re-published verbatim on the per-workflow fan-out
// subject. Frames are never mutated; the workflow id is decoded only to
// route them.
type Manager struct {
	nc     *nats.Conn
	logger *slog.Logger
	sub    *nats.Subscription

	onFrame func(protocol.LogFrame)
}

// NewManager creates a manager over the principal's NATS connection.
// onFrame, when non-nil, observes every routed frame (metrics).
func NewManager(nc *nats.Conn, logger *slog.Logger, onFrame func(protocol.LogFrame)) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{nc: nc, logger: logger, onFrame: onFrame}
}

// Start subscribes to the ingest subject and begins copying.
func (m *Manager) Start() error {
	sub, err := m.nc.Subscribe(protocol.SubjectLogIngest, m.handle)
	if err != nil {
		return protocol.Errorf(protocol.KindTransport, "subscribe log ingest: %v", err)
	}
	m.sub = sub
	return nil
}

// Stop unsubscribes from the ingest subject.
func (m *Manager) Stop() {
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
}

func (m *Manager) handle(msg *nats.Msg) {
	frame, err := protocol.DecodeFrame(msg.Data)
	if err != nil {
		m.logger.Warn("dropping malformed log frame", "error", err)
		return
	}
	if err := m.nc.Publish(protocol.LogOutSubject(frame.WorkflowID), msg.Data); err != nil {
		m.logger.Warn("log fan-out publish failed", "workflow_id", frame.WorkflowID, "error", err)
		return
	}
	if m.onFrame != nil {
		m.onFrame(frame)
	}
}

// Subscriber receives fan-out frames filtered by workflow id prefix.
type Subscriber struct {
	subs []*nats.Subscription
}

// Subscribe delivers every fan-out frame whose workflow id has the given
// prefix to handler. An empty prefix receives everything.
func Subscribe(nc *nats.Conn, prefix string, handler func(protocol.LogFrame)) (*Subscriber, error) {
	s := &Subscriber{}
	for _, subject := range protocol.LogOutFilters(prefix) {
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			frame, err := protocol.DecodeFrame(msg.Data)
			if err != nil {
				return
			}
			handler(frame)
		})
		if err != nil {
			s.Unsubscribe()
			return nil, protocol.Errorf(protocol.KindTransport, "subscribe %s: %v", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return s, nil
}

// Unsubscribe tears down the underlying subscriptions.
func (s *Subscriber) Unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}
