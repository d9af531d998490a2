package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/writeathon-mcp/auth"
	"github.com/ggoodman/writeathon-mcp/internal/jsonrpc"
	"github.com/ggoodman/writeathon-mcp/internal/logctx"
	"github.com/ggoodman/writeathon-mcp/sessions"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	sessionIDHeader          = "Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	lastEventIDHeader        = "Last-Event-ID"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	defaultPath         = "/mcp"
	defaultMaxBodyBytes = 4 << 20
)

// Handler binds POST, GET and DELETE on one path, plus a health check at
// <path>/health, to a Manager.
type Handler struct {
	mux     *http.ServeMux
	log     *slog.Logger
	mgr     *Manager
	path    string
	auth    auth.Authenticator
	maxBody int64
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithPath sets the endpoint path. Defaults to /mcp.
func WithPath(path string) Option {
	return func(h *Handler) { h.path = path }
}

// WithAuthenticator requires a bearer token on every protocol request. The
// health path stays open.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithMaxBodyBytes caps POST bodies. Defaults to 4 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// New returns a Handler serving mgr.
func New(mgr *Manager, opts ...Option) (*Handler, error) {
	if mgr == nil {
		return nil, fmt.Errorf("manager is required")
	}
	h := &Handler{mgr: mgr, log: slog.Default(), path: defaultPath, maxBody: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(h)
	}
	if !strings.HasPrefix(h.path, "/") || len(h.path) < 2 || strings.HasSuffix(h.path, "/") {
		return nil, fmt.Errorf("invalid endpoint path %q: must start with / and not end with /", h.path)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+h.path, h.handlePost)
	mux.HandleFunc("GET "+h.path, h.handleGet)
	mux.HandleFunc("DELETE "+h.path, h.handleDelete)
	mux.HandleFunc("GET "+h.path+"/health", h.handleHealth)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// writeError emits the JSON-RPC shaped envelope used for failures that
// happen before a message reaches a session. The id is always null.
func writeError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, code, msg, nil))
}

// writeSessionError maps manager errors onto HTTP responses.
func (h *Handler) writeSessionError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: session not found")
		h.log.InfoContext(ctx, "session.load.miss")
	case errors.Is(err, ErrInvalidSessionRequest):
		writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: No valid session ID provided")
		h.log.InfoContext(ctx, "session.request.invalid", slog.String("err", err.Error()))
	case errors.Is(err, ErrHandshakeFailed):
		writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: initialization failed")
		h.log.InfoContext(ctx, "session.initialize.rejected", slog.String("err", err.Error()))
	case errors.Is(err, ErrManagerClosed):
		writeError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeServerError, "server is shutting down")
		h.log.InfoContext(ctx, "session.manager.closed")
	case errors.Is(err, ErrStreamActive):
		writeError(w, http.StatusConflict, jsonrpc.ErrorCodeServerError, "Conflict: session stream already open")
		h.log.InfoContext(ctx, "sse.stream.conflict")
	case errors.Is(err, sessions.ErrEventNotFound):
		writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: unknown Last-Event-ID")
		h.log.InfoContext(ctx, "sse.resume.miss", slog.String("err", err.Error()))
	default:
		writeError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal error")
		h.log.ErrorContext(ctx, "session.request.fail", slog.String("err", err.Error()))
	}
}

// sessionIDFrom reads the session header. Mcp-Session-Id wins over the
// short form when both are present.
func sessionIDFrom(r *http.Request) string {
	if id := r.Header.Get(mcpSessionIDHeader); id != "" {
		return id
	}
	return r.Header.Get(sessionIDHeader)
}

func setSessionHeaders(w http.ResponseWriter, sessionID, protocolVersion string) {
	w.Header().Set(mcpSessionIDHeader, sessionID)
	w.Header().Set(sessionIDHeader, sessionID)
	if protocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, protocolVersion)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.post.start")

	if !h.checkAuthentication(ctx, w, r) {
		return
	}

	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeServerError, "content-type must be application/json")
			h.log.WarnContext(ctx, "content_type.unsupported")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, jsonrpc.ErrorCodeServerError, "request body too large")
			h.log.WarnContext(ctx, "http.body.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "failed to read request body")
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "batch requests are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	sessID := sessionIDFrom(r)
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && sessID != "" {
		if t, err := h.mgr.Resume(sessID); err == nil && t.ProtocolVersion() != "" && t.ProtocolVersion() != pv {
			writeError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
	}

	res, err := h.mgr.Dispatch(ctx, sessID, body)
	if err != nil {
		h.writeSessionError(ctx, w, err)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: res.SessionID, ProtocolVersion: res.ProtocolVersion, State: sessions.StateActive})
	setSessionHeaders(w, res.SessionID, res.ProtocolVersion)

	if res.Response == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res.Response); err != nil {
		h.log.ErrorContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet opens the session's notification stream. The stream ends when
// the session closes or the client goes away; the latter leaves the session
// intact.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkAuthentication(ctx, w, r) {
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeServerError, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.not_acceptable")
		return
	}

	t, err := h.mgr.Resume(sessionIDFrom(r))
	if err != nil {
		h.writeSessionError(ctx, w, err)
		return
	}
	ctx = t.logContext(ctx)

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	// Headers set before the first Send are carried by the upgrade.
	setSessionHeaders(w, t.SessionID(), t.ProtocolVersion())
	w.Header().Set("X-Accel-Buffering", "no")

	lastEventID := r.Header.Get(lastEventIDHeader)
	sent := false

	ready := func() error {
		if lastEventID != "" {
			// A resume may still be refused; commit headers with the first
			// replayed event instead.
			return nil
		}
		m := &sse.Message{}
		m.AppendComment("stream open")
		if err := sess.Send(m); err != nil {
			return err
		}
		sent = true
		return sess.Flush()
	}

	h.log.InfoContext(ctx, "sse.stream.start", slog.Bool("resume", lastEventID != ""))
	err = t.Stream(ctx, lastEventID, ready, func(cbCtx context.Context, msgID string, payload []byte) error {
		m := &sse.Message{Type: sse.Type("message")}
		if msgID != "" {
			if id, err := sse.NewID(msgID); err == nil {
				m.ID = id
			}
		}
		m.AppendData(string(payload))
		if err := sess.Send(m); err != nil {
			return err
		}
		sent = true
		return sess.Flush()
	})
	switch {
	case err == nil:
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.disconnect", slog.Duration("dur", time.Since(start)))
	case !sent:
		h.writeSessionError(ctx, w, err)
	default:
		h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkAuthentication(ctx, w, r) {
		return
	}

	sessID := sessionIDFrom(r)
	if err := h.mgr.Terminate(ctx, sessID); err != nil {
		h.writeSessionError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	h.log.InfoContext(ctx, "http.delete.ok", slog.String("session_id", sessID), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// checkAuthentication enforces the bearer check when an Authenticator is
// configured. It writes the rejection itself and reports whether the request
// may proceed.
func (h *Handler) checkAuthentication(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	if h.auth == nil {
		return true
	}

	const bearerPrefix = "Bearer "
	header := r.Header.Get(authorizationHeader)
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		w.Header().Set(wwwAuthenticateHeader, "Bearer")
		writeError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeServerError, "Unauthorized")
		h.log.InfoContext(ctx, "auth.check.missing")
		return false
	}

	_, err := h.auth.CheckAuthentication(ctx, strings.TrimSpace(header[len(bearerPrefix):]))
	switch {
	case err == nil:
		return true
	case errors.Is(err, auth.ErrUnauthorized):
		w.Header().Set(wwwAuthenticateHeader, `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeServerError, "Unauthorized")
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
	default:
		writeError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal error")
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
	}
	return false
}
