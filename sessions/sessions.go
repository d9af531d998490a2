package sessions

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound is returned when a session identifier is missing,
	// unknown or refers to a session that has already closed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by Table.Insert on an identifier collision.
	ErrSessionExists = errors.New("session already exists")
	// ErrEventNotFound is returned by MessageHost.SubscribeSession when the
	// requested resume point is no longer (or never was) part of the backlog.
	ErrEventNotFound = errors.New("last event id not found")
)

// State is the lifecycle state of a session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateClosed        State = "closed"
)

// Session is the per-session view exposed to the protocol engine and to
// capability handlers.
type Session interface {
	SessionID() string
	State() State
	// ProtocolVersion is the MCP revision negotiated during the handshake.
	ProtocolVersion() string
	// Notify queues a JSON-RPC notification on the session's
	// server-to-client stream.
	Notify(ctx context.Context, method string, params any) error
}

// MessageHandlerFunction receives one message from a session stream. A
// non-nil error terminates the subscription.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// MessageHost stores and fans out the ordered server-to-client message log
// of each session.
type MessageHost interface {
	// PublishSession appends data to the session's log and returns the
	// event id assigned to it.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// SubscribeSession delivers messages published after lastEventID (or,
	// when empty, after the call) until ctx ends, the handler fails or the
	// session is cleaned up. Cleanup ends the subscription with a nil error.
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error
	// CleanupSession drops the session's log and stops its subscribers.
	CleanupSession(ctx context.Context, sessionID string) error
}
