package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// Client issues control requests to the principal over NATS request/reply.
// Every op except RegisterAgent is idempotent at the logical level, so
// transient transport and timeout failures are retried up to the configured
// attempt budget.
type Client struct {
	nc       *nats.Conn
	timeout  time.Duration
	attempts int
}

// NewClient wraps an established NATS connection. timeout bounds each
// attempt; attempts is the total attempt budget (minimum 1).
func NewClient(nc *nats.Conn, timeout time.Duration, attempts int) *Client {
	if attempts < 1 {
		attempts = 1
	}
	return &Client{nc: nc, timeout: timeout, attempts: attempts}
}

// Request issues op with the given payload and decodes the reply payload
// into out (out may be nil for bare acks). Typed rejections from the server
// are returned as *Error and never retried; transport-level failures retry
// with a short flat backoff.
func (c *Client) Request(ctx context.Context, op Op, payload, out any) error {
	data, err := EncodeRequest(op, payload)
	if err != nil {
		return err
	}

	attempts := c.attempts
	if op == OpRegisterAgent {
		// RegisterAgent mints a fresh id per call; retrying a lost reply
		// would leak phantom registrations.
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Errorf(KindTimeout, "%s: %v", op, ctx.Err())
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		msg, err := c.nc.RequestWithContext(attemptCtx, SubjectControl, data)
		cancel()

		if err != nil {
			lastErr = classifyTransportErr(op, err)
			select {
			case <-ctx.Done():
				return Errorf(KindTimeout, "%s: %v", op, ctx.Err())
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		rep, err := DecodeReply(msg.Data)
		if err != nil {
			// A typed rejection is the server's final word.
			return err
		}
		if out == nil {
			return nil
		}
		return DecodePayload(rep.Payload, out)
	}
	return lastErr
}

// Ping round-trips the control channel.
func (c *Client) Ping(ctx context.Context) error {
	return c.Request(ctx, OpPing, nil, nil)
}

func classifyTransportErr(op Op, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return Errorf(KindTimeout, "%s timed out", op)
	default:
		return Errorf(KindTransport, "%s: %v", op, err)
	}
}
