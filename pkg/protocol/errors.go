// Package protocol defines the wire messages exchanged between the
// principal, its agents, and subscribers: the request/reply control
// envelope, the log frame, and the typed error taxonomy carried in replies.
package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the system surfaces across a boundary.
type ErrorKind string

const (
	KindTransport         ErrorKind = "Transport"
	KindTimeout           ErrorKind = "Timeout"
	KindProtocol          ErrorKind = "Protocol"
	KindNotFound          ErrorKind = "NotFound"
	KindInvalidWorkflow   ErrorKind = "InvalidWorkflow"
	KindQueueFull         ErrorKind = "QueueFull"
	KindAgentLost         ErrorKind = "AgentLost"
	KindExecutorFailed    ErrorKind = "ExecutorFailed"
	KindPersistenceFailed ErrorKind = "PersistenceFailed"
	KindInternal          ErrorKind = "Internal"
)

// Error is a typed error that survives serialization in a reply envelope.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a typed error.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, defaulting to Internal for untyped errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
