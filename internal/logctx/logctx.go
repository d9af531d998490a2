// Package logctx carries request, session and message attributes through a
// context so every log line emitted while handling a request is annotated
// with them.
package logctx

import (
	"context"
	"log/slog"

	"github.com/ggoodman/writeathon-mcp/sessions"
)

// Handler decorates records with the groups found in the record's context.
type Handler struct {
	slog.Handler
}

// New wraps h, returning h unchanged if it is already a Handler.
func New(h slog.Handler) slog.Handler {
	if _, ok := h.(Handler); ok {
		return h
	}
	return Handler{Handler: h}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("protocol_version", sd.ProtocolVersion),
			slog.String("state", string(sd.State)),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if td, ok := ctx.Value(operationKey{}).(*OperationData); ok {
		r.AddAttrs(slog.Group("op",
			slog.String("kind", td.Kind),
			slog.String("name", td.Name),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type rpcMsgKey struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID       string
	ProtocolVersion string
	State           sessions.State
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type operationKey struct{}

// OperationData names the capability (tool, resource or prompt) being invoked.
type OperationData struct {
	Kind string
	Name string
}

func WithOperationData(ctx context.Context, data *OperationData) context.Context {
	return context.WithValue(ctx, operationKey{}, data)
}
