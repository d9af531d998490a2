package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/writeathon-mcp/internal/engine"
	"github.com/ggoodman/writeathon-mcp/internal/jsonrpc"
	"github.com/ggoodman/writeathon-mcp/internal/logctx"
	"github.com/ggoodman/writeathon-mcp/mcp"
	"github.com/ggoodman/writeathon-mcp/sessions"
	"github.com/google/uuid"
)

var (
	// ErrInvalidSessionRequest is returned for a message that neither names a
	// session nor starts one.
	ErrInvalidSessionRequest = errors.New("invalid session request")
	// ErrHandshakeFailed is returned when the engine rejects an initialize
	// request. No session is created.
	ErrHandshakeFailed = errors.New("initialization handshake failed")
	// ErrManagerClosed is returned for new sessions after CloseAll.
	ErrManagerClosed = errors.New("session manager closed")
	// ErrStreamActive is returned when a session already has an open stream.
	ErrStreamActive = errors.New("session stream already open")
)

const defaultSweepInterval = time.Minute

// Manager owns the mapping from session id to live Transport. It creates
// sessions through the initialization handshake, routes messages to them and
// closes them.
type Manager struct {
	eng   *engine.Engine
	host  sessions.MessageHost
	table sessions.Table[*Transport]
	log   *slog.Logger
	newID func() string
	now   func() time.Time

	idleTimeout   time.Duration
	sweepInterval time.Duration

	// mu orders registrations against CloseAll.
	mu     sync.RWMutex
	closed bool
}

var _ Events = (*Manager)(nil)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger for session lifecycle events. The
// default is slog.Default().
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithTable replaces the default in-memory session table.
func WithTable(t sessions.Table[*Transport]) ManagerOption {
	return func(m *Manager) {
		if t != nil {
			m.table = t
		}
	}
}

// WithIdleTimeout enables idle eviction: Run closes sessions that saw no
// activity for timeout, checking every interval. Sessions with an open
// stream are never evicted. A timeout of zero disables eviction.
func WithIdleTimeout(timeout, interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.idleTimeout = timeout
		if interval > 0 {
			m.sweepInterval = interval
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func withClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager dispatching to eng and queueing notifications
// on host.
func NewManager(eng *engine.Engine, host sessions.MessageHost, opts ...ManagerOption) (*Manager, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if host == nil {
		return nil, fmt.Errorf("message host is required")
	}
	m := &Manager{
		eng:           eng,
		host:          host,
		table:         sessions.NewMemoryTable[*Transport](),
		log:           slog.Default(),
		newID:         uuid.NewString,
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// DispatchResult is the outcome of a POSTed message.
type DispatchResult struct {
	SessionID       string
	ProtocolVersion string
	// Response is nil when the message was a notification or a response.
	Response *jsonrpc.Response
}

// Dispatch routes one inbound message. With a sessionID the message goes to
// that session's transport; without one it must be an initialize request,
// which creates a new session.
func (m *Manager) Dispatch(ctx context.Context, sessionID string, body []byte) (*DispatchResult, error) {
	if sessionID != "" {
		t, err := m.Resume(sessionID)
		if err != nil {
			return nil, err
		}
		res, err := t.HandleMessage(ctx, body)
		if err != nil {
			return nil, err
		}
		return &DispatchResult{SessionID: t.id, ProtocolVersion: t.ProtocolVersion(), Response: res}, nil
	}

	msg, err := jsonrpc.ParseMessage(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionRequest, err)
	}
	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) {
		return nil, fmt.Errorf("%w: expected initialize request", ErrInvalidSessionRequest)
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}

	t := newTransport(m.newID(), m.eng, m.host, m.log, m, m.now)
	ctx = t.logContext(ctx)
	res, err := t.initialize(ctx, req)
	if err != nil {
		m.log.InfoContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return nil, err
	}
	m.log.InfoContext(ctx, "session.initialize.ok", slog.String("protocol_version", t.ProtocolVersion()))
	return &DispatchResult{SessionID: t.id, ProtocolVersion: t.ProtocolVersion(), Response: res}, nil
}

// Resume returns the live transport for sessionID.
func (m *Manager) Resume(sessionID string) (*Transport, error) {
	if sessionID == "" {
		return nil, sessions.ErrSessionNotFound
	}
	t, ok := m.table.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", sessions.ErrSessionNotFound, sessionID)
	}
	return t, nil
}

// Terminate closes the session on client request. Cleanup failures of the
// message host are logged, not returned; the session is gone either way.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	t, err := m.Resume(sessionID)
	if err != nil {
		return err
	}
	if err := t.Close(ctx, CloseTerminated); err != nil {
		m.log.WarnContext(t.logContext(ctx), "session.cleanup.fail", slog.String("err", err.Error()))
	}
	return nil
}

// CloseAll closes every live session and refuses new ones afterwards. It is
// meant for process shutdown and returns once all transports are closed.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, t := range m.table.Snapshot() {
		if err := t.Close(ctx, CloseShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	m.log.InfoContext(ctx, "session.close_all", slog.Int("remaining", m.table.Len()), slog.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// Len reports the number of live sessions.
func (m *Manager) Len() int { return m.table.Len() }

// Run sweeps idle sessions until ctx ends. It returns immediately when idle
// eviction is disabled.
func (m *Manager) Run(ctx context.Context) error {
	if m.idleTimeout <= 0 {
		return nil
	}
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) int {
	now := m.now()
	evicted := 0
	for _, t := range m.table.Snapshot() {
		idle, ok := t.idleFor(now)
		if !ok || idle < m.idleTimeout {
			continue
		}
		if err := t.Close(ctx, CloseIdle); err != nil {
			m.log.WarnContext(t.logContext(ctx), "session.cleanup.fail", slog.String("err", err.Error()))
		}
		evicted++
	}
	if evicted > 0 {
		m.log.InfoContext(ctx, "session.sweep", slog.Int("evicted", evicted), slog.Int("remaining", m.table.Len()))
	}
	return evicted
}

// SessionInitialized registers a transport whose handshake succeeded.
func (m *Manager) SessionInitialized(t *Transport) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	if err := m.table.Insert(t); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

// SessionClosed unregisters a closed transport.
func (m *Manager) SessionClosed(t *Transport, reason CloseReason) {
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{SessionID: t.id, ProtocolVersion: t.ProtocolVersion(), State: sessions.StateClosed})
	if !m.table.RemoveIf(t.id, t) {
		m.log.DebugContext(ctx, "session.close.unregistered", slog.String("reason", string(reason)))
		return
	}
	m.log.InfoContext(ctx, "session.close", slog.String("reason", string(reason)))
}
