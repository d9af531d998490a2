package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/writeathon-mcp/internal/engine"
	"github.com/ggoodman/writeathon-mcp/internal/jsonrpc"
	"github.com/ggoodman/writeathon-mcp/internal/logctx"
	"github.com/ggoodman/writeathon-mcp/sessions"
)

// CloseReason records why a transport closed.
type CloseReason string

const (
	// CloseTerminated: the client sent DELETE.
	CloseTerminated CloseReason = "terminated"
	// CloseIdle: evicted by the idle sweep.
	CloseIdle CloseReason = "idle"
	// CloseShutdown: closed by Manager.CloseAll.
	CloseShutdown CloseReason = "shutdown"
	// CloseStreamFailed: the notification stream failed for a reason other
	// than the client going away.
	CloseStreamFailed CloseReason = "stream_failed"
)

// Events receives lifecycle notifications from a Transport. Both methods are
// called synchronously from the transport's own goroutine.
type Events interface {
	// SessionInitialized is called once the handshake succeeded. Returning an
	// error aborts the session before any client learns its id.
	SessionInitialized(t *Transport) error
	// SessionClosed is called exactly once, as the last step of Close.
	SessionClosed(t *Transport, reason CloseReason)
}

// Transport is the live channel bound to one session. It implements
// sessions.Session so capability handlers can push notifications back to the
// client.
type Transport struct {
	id     string
	eng    *engine.Engine
	host   sessions.MessageHost
	log    *slog.Logger
	events Events
	now    func() time.Time

	mu              sync.Mutex
	state           sessions.State
	protocolVersion string
	lastActive      time.Time
	streaming       bool

	// pubMu is held shared by Notify across its state check and publish,
	// and exclusively by Close while it flips the state, so no publish can
	// reach the host after cleanup.
	pubMu sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
}

var _ sessions.Session = (*Transport)(nil)

func newTransport(id string, eng *engine.Engine, host sessions.MessageHost, log *slog.Logger, events Events, now func() time.Time) *Transport {
	return &Transport{
		id:         id,
		eng:        eng,
		host:       host,
		log:        log,
		events:     events,
		now:        now,
		state:      sessions.StateUninitialized,
		lastActive: now(),
		done:       make(chan struct{}),
	}
}

// SessionID returns the identifier assigned when the transport was created.
func (t *Transport) SessionID() string { return t.id }

// State returns the current lifecycle state.
func (t *Transport) State() sessions.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ProtocolVersion returns the version negotiated during the handshake, or
// the empty string before it completes.
func (t *Transport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocolVersion
}

// Done is closed when the transport closes.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) logContext(ctx context.Context) context.Context {
	t.mu.Lock()
	data := &logctx.SessionData{SessionID: t.id, ProtocolVersion: t.protocolVersion, State: t.state}
	t.mu.Unlock()
	return logctx.WithSessionData(ctx, data)
}

func (t *Transport) touch() {
	t.mu.Lock()
	t.lastActive = t.now()
	t.mu.Unlock()
}

// idleFor reports how long the transport has been idle. ok is false while a
// stream is open or once the transport is closed.
func (t *Transport) idleFor(now time.Time) (idle time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streaming || t.state == sessions.StateClosed {
		return 0, false
	}
	return now.Sub(t.lastActive), true
}

// initialize runs the handshake. The session becomes active and is announced
// to the listener only if the engine accepts the request.
func (t *Transport) initialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	res, err := t.eng.Initialize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	t.mu.Lock()
	t.state = sessions.StateActive
	t.protocolVersion = res.ProtocolVersion
	t.lastActive = t.now()
	t.mu.Unlock()

	if err := t.events.SessionInitialized(t); err != nil {
		// Never registered: nothing to release and no one to tell. The id
		// may belong to another live session, so the host is left alone.
		t.mu.Lock()
		t.state = sessions.StateClosed
		t.mu.Unlock()
		t.closeOnce.Do(func() { close(t.done) })
		if errors.Is(err, ErrManagerClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	return resp, nil
}

// HandleMessage processes one inbound message. Requests produce a response;
// notifications and client responses produce nil. A body that is not a valid
// JSON-RPC message is answered with an invalid request error rather than
// failing the session.
func (t *Transport) HandleMessage(ctx context.Context, body []byte) (*jsonrpc.Response, error) {
	if t.State() == sessions.StateClosed {
		return nil, sessions.ErrSessionNotFound
	}
	t.touch()
	ctx = t.logContext(ctx)

	msg, err := jsonrpc.ParseMessage(body)
	if err != nil {
		t.log.WarnContext(ctx, "session.message.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: "+err.Error(), nil), nil
	}

	switch msg.Type() {
	case jsonrpc.TypeRequest:
		return t.eng.HandleRequest(ctx, t, msg.AsRequest()), nil
	case jsonrpc.TypeNotification:
		if err := t.eng.HandleNotification(ctx, t, msg.AsRequest()); err != nil {
			t.log.WarnContext(ctx, "session.notification.fail", slog.String("err", err.Error()))
		}
		return nil, nil
	default:
		// No server-to-client requests are issued, so client responses have
		// nothing to correlate with.
		t.log.DebugContext(ctx, "session.response.ignored", slog.String("id", msg.ID.String()))
		return nil, nil
	}
}

// Notify queues a server-to-client notification on the session's stream.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	t.pubMu.RLock()
	defer t.pubMu.RUnlock()
	if t.State() == sessions.StateClosed {
		return sessions.ErrSessionNotFound
	}
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}
	if _, err := t.host.PublishSession(ctx, t.id, b); err != nil {
		return fmt.Errorf("publish %s: %w", method, err)
	}
	return nil
}

// Stream delivers queued notifications to fn until the transport closes or
// ctx ends. ready runs once the stream has been claimed and before any
// message is delivered. Only one stream may be open at a time; a second
// caller gets ErrStreamActive.
//
// Failures of fn (the client went away) and cancellation of ctx end the
// stream but leave the session active. Any other failure of the underlying
// message host closes the session.
func (t *Transport) Stream(ctx context.Context, lastEventID string, ready func() error, fn sessions.MessageHandlerFunction) error {
	t.mu.Lock()
	switch {
	case t.state == sessions.StateClosed:
		t.mu.Unlock()
		return sessions.ErrSessionNotFound
	case t.streaming:
		t.mu.Unlock()
		return ErrStreamActive
	}
	t.streaming = true
	t.lastActive = t.now()
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.streaming = false
		t.lastActive = t.now()
		t.mu.Unlock()
	}()

	if ready != nil {
		if err := ready(); err != nil {
			return err
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-streamCtx.Done():
		}
	}()

	var deliverErr error
	err := t.host.SubscribeSession(streamCtx, t.id, lastEventID, func(ctx context.Context, msgID string, msg []byte) error {
		t.touch()
		if err := fn(ctx, msgID, msg); err != nil {
			deliverErr = err
			return err
		}
		return nil
	})

	switch {
	case err == nil, t.State() == sessions.StateClosed:
		return nil
	case deliverErr != nil && errors.Is(err, deliverErr):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, sessions.ErrEventNotFound):
		return err
	}

	lctx := t.logContext(ctx)
	t.log.ErrorContext(lctx, "session.stream.fail", slog.String("err", err.Error()))
	if cerr := t.Close(context.WithoutCancel(ctx), CloseStreamFailed); cerr != nil {
		t.log.WarnContext(lctx, "session.cleanup.fail", slog.String("err", cerr.Error()))
	}
	return err
}

// Close moves the transport to the terminal closed state, cancels in-flight
// requests, releases the notification stream and finally reports the close
// to the listener. Only the first call has any effect. The returned error is
// the message host's cleanup failure, if any; the transport is closed
// regardless.
func (t *Transport) Close(ctx context.Context, reason CloseReason) error {
	var err error
	t.closeOnce.Do(func() {
		t.pubMu.Lock()
		t.mu.Lock()
		t.state = sessions.StateClosed
		t.mu.Unlock()
		t.pubMu.Unlock()
		close(t.done)

		t.eng.CancelSession(t.id)
		if cerr := t.host.CleanupSession(ctx, t.id); cerr != nil {
			err = fmt.Errorf("cleanup session %s: %w", t.id, cerr)
		}
		if t.events != nil {
			t.events.SessionClosed(t, reason)
		}
	})
	return err
}
