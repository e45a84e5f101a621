// Package logstream carries task log frames from agents to the principal
// and on to subscribers: the per-agent publisher with its overflow buffer,
// the principal-side fan-out manager, and the HTTP/websocket edges of the
// log pipeline.
package logstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nicelgueta/cdktr/pkg/protocol"
)

// Transport is the send half of the log channel. *nats.Conn satisfies it.
type Transport interface {
	Publish(subject string, data []byte) error
}

const (
	// DefaultBufferCapacity bounds the overflow buffer.
	DefaultBufferCapacity = 4096

	backoffInitial = 100 * time.Millisecond
	backoffMax     = 5 * time.Second
)

// Publisher is the per-agent log client. Enqueue never blocks the task
// manager: frames land in a bounded FIFO (drop-oldest when full) and a
// dedicated worker drains them to the ingest subject, re-enqueuing at the
// head and backing off exponentially when the transport fails.
type Publisher struct {
	transport Transport
	logger    *slog.Logger
	capacity  int

	mu      sync.Mutex
	buf     []protocol.LogFrame
	dropped int

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewPublisher creates a publisher over transport. capacity <= 0 selects
// DefaultBufferCapacity.
func NewPublisher(transport Transport, capacity int, logger *slog.Logger) *Publisher {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		transport: transport,
		logger:    logger,
		capacity:  capacity,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Enqueue appends a frame to the buffer without blocking. When the buffer
// is full the oldest frame is dropped and the drop is recorded; the next
// drained frame is preceded by a synthesized WARN frame describing the loss.
func (p *Publisher) Enqueue(frame protocol.LogFrame) {
	p.mu.Lock()
	if len(p.buf) >= p.capacity {
		p.buf = p.buf[1:]
		p.dropped++
	}
	p.buf = append(p.buf, frame)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of buffered frames.
func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Start runs the drain worker until ctx is cancelled or Close is called.
func (p *Publisher) Start(ctx context.Context) {
	backoff := backoffInitial
	for {
		frame, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-p.wake:
				continue
			}
		}

		data, err := protocol.EncodeFrame(frame)
		if err != nil {
			// An unencodable frame can never succeed; drop it.
			p.logger.Error("dropping unencodable log frame", "error", err)
			continue
		}

		if err := p.transport.Publish(protocol.SubjectLogIngest, data); err != nil {
			p.requeueHead(frame)
			p.logger.Warn("log publish failed, backing off",
				"error", err, "backoff", backoff, "buffered", p.Len())
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffInitial
	}
}

// Close stops the drain worker. Buffered frames are abandoned; call
// DrainBlocking first on graceful shutdown.
func (p *Publisher) Close() {
	p.once.Do(func() { close(p.done) })
}

// DrainBlocking waits until the buffer empties or ctx expires. The worker
// keeps running; this only observes its progress.
func (p *Publisher) DrainBlocking(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("log drain interrupted with %d frames buffered: %w", p.Len(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// next pops the head frame, emitting a drop warning first when frames were
// lost since the last drain.
func (p *Publisher) next() (protocol.LogFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dropped > 0 && len(p.buf) > 0 {
		head := p.buf[0]
		warn := protocol.LogFrame{
			WorkflowID:         head.WorkflowID,
			WorkflowName:       head.WorkflowName,
			WorkflowInstanceID: head.WorkflowInstanceID,
			TaskName:           head.TaskName,
			TaskInstanceID:     head.TaskInstanceID,
			TimestampMS:        time.Now().UnixMilli(),
			Level:              protocol.LevelWarn,
			Payload:            fmt.Sprintf("log buffer overflow: %d frame(s) dropped", p.dropped),
		}
		p.dropped = 0
		return warn, true
	}

	if len(p.buf) == 0 {
		return protocol.LogFrame{}, false
	}
	frame := p.buf[0]
	p.buf = p.buf[1:]
	return frame, true
}

// requeueHead puts a frame back at the front after a failed publish. The
// frame keeps its slot even when the buffer filled up in the meantime, so a
// transient outage inside the buffer's capacity loses nothing.
func (p *Publisher) requeueHead(frame protocol.LogFrame) {
	p.mu.Lock()
	p.buf = append([]protocol.LogFrame{frame}, p.buf...)
	p.mu.Unlock()
}
