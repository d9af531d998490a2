// Package engine binds MCP protocol messages to the capability registry. It
// validates the initialize handshake and turns every later request into a
// JSON-RPC response, converting handler failures into protocol errors so
// that a misbehaving capability never takes its session down.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/writeathon-mcp/internal/jsonrpc"
	"github.com/ggoodman/writeathon-mcp/internal/logctx"
	"github.com/ggoodman/writeathon-mcp/mcp"
	"github.com/ggoodman/writeathon-mcp/mcpservice"
	"github.com/ggoodman/writeathon-mcp/sessions"
)

// ErrInvalidInitialize is returned by Initialize for malformed handshakes.
var ErrInvalidInitialize = errors.New("invalid initialize request")

// Engine implements the protocol methods on top of a capability registry. It
// is shared by every session; per-session state lives in the transport.
type Engine struct {
	reg          *mcpservice.Registry
	log          *slog.Logger
	serverInfo   mcp.ImplementationInfo
	instructions string

	inflightMu sync.Mutex
	inflight   map[inflightKey]context.CancelCauseFunc
}

type inflightKey struct {
	sessionID string
	requestID string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger. The default discards output.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) EngineOption {
	return func(e *Engine) { e.serverInfo = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(s string) EngineOption {
	return func(e *Engine) { e.instructions = s }
}

// NewEngine returns an Engine serving the operations in reg.
func NewEngine(reg *mcpservice.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		reg:        reg,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		serverInfo: mcp.ImplementationInfo{Name: "writeathon-mcp", Version: "dev"},
		inflight:   make(map[inflightKey]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize validates the initialize request and negotiates the protocol
// version. The client's version is echoed when supported; otherwise the
// latest supported version is offered.
func (e *Engine) Initialize(ctx context.Context, req *jsonrpc.Request) (*mcp.InitializeResult, error) {
	if req == nil || req.Method != string(mcp.InitializeMethod) {
		return nil, fmt.Errorf("%w: not an initialize request", ErrInvalidInitialize)
	}
	if req.ID.IsNil() {
		return nil, fmt.Errorf("%w: missing request id", ErrInvalidInitialize)
	}

	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInitialize, err)
	}
	if params.ProtocolVersion == "" {
		return nil, fmt.Errorf("%w: missing protocolVersion", ErrInvalidInitialize)
	}
	if params.ClientInfo.Name == "" {
		return nil, fmt.Errorf("%w: missing clientInfo.name", ErrInvalidInitialize)
	}

	negotiated := params.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(negotiated) {
		negotiated = mcp.LatestProtocolVersion
	}

	e.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("negotiated_version", negotiated),
		slog.Bool("client_roots", params.Capabilities.Roots != nil),
		slog.Bool("client_sampling", params.Capabilities.Sampling != nil),
		slog.Bool("client_elicitation", params.Capabilities.Elicitation != nil),
	)

	return &mcp.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    e.reg.Capabilities(),
		ServerInfo:      e.serverInfo,
		Instructions:    e.instructions,
	}, nil
}

// HandleRequest dispatches a request on an established session. It always
// returns a response: handler errors and panics become JSON-RPC errors.
func (e *Engine) HandleRequest(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (res *jsonrpc.Response) {
	start := time.Now()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: jsonrpc.TypeRequest})

	defer func() {
		if p := recover(); p != nil {
			e.log.ErrorContext(ctx, "engine.handle_request.panic", slog.Any("panic", p), slog.Duration("dur", time.Since(start)))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}()

	ctx, done := e.trackInflight(ctx, sess.SessionID(), req.ID)
	defer done()

	result, err := e.dispatch(ctx, sess, req)
	if err != nil {
		res = e.errorResponse(ctx, req.ID, err)
		e.log.InfoContext(ctx, "engine.handle_request.fail",
			slog.String("err", err.Error()),
			slog.Int("code", int(res.Error.Code)),
			slog.Duration("dur", time.Since(start)),
		)
		return res
	}

	res, err = jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Duration("dur", time.Since(start)))
	return res
}

func (e *Engine) dispatch(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (any, error) {
	switch mcp.Method(req.Method) {
	case mcp.PingMethod:
		return mcp.EmptyResult{}, nil
	case mcp.InitializeMethod:
		return nil, &mcpservice.AppError{Code: int(jsonrpc.ErrorCodeInvalidRequest), Message: "session already initialized"}
	case mcp.ToolsListMethod:
		return mcp.ListToolsResult{Tools: e.reg.ListTools()}, nil
	case mcp.ToolsCallMethod:
		return e.handleToolCall(ctx, sess, req)
	case mcp.ResourcesListMethod:
		return mcp.ListResourcesResult{Resources: e.reg.ListResources()}, nil
	case mcp.ResourcesTemplatesListMethod:
		return mcp.ListResourceTemplatesResult{ResourceTemplates: e.reg.ListResourceTemplates()}, nil
	case mcp.ResourcesReadMethod:
		var params mcp.ReadResourceRequest
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		if params.URI == "" {
			return nil, mcpservice.InvalidParamsf("missing uri")
		}
		ctx = logctx.WithOperationData(ctx, &logctx.OperationData{Kind: "resource", Name: params.URI})
		return e.reg.ReadResource(ctx, sess, params.URI)
	case mcp.PromptsListMethod:
		return mcp.ListPromptsResult{Prompts: e.reg.ListPrompts()}, nil
	case mcp.PromptsGetMethod:
		var params mcp.GetPromptRequestReceived
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		if params.Name == "" {
			return nil, mcpservice.InvalidParamsf("missing prompt name")
		}
		ctx = logctx.WithOperationData(ctx, &logctx.OperationData{Kind: "prompt", Name: params.Name})
		return e.reg.GetPrompt(ctx, sess, &params)
	}
	return nil, &mcpservice.AppError{Code: int(jsonrpc.ErrorCodeMethodNotFound), Message: "method not found: " + req.Method}
}

func (e *Engine) handleToolCall(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*mcp.CallToolResult, error) {
	var params mcp.CallToolRequestReceived
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, mcpservice.InvalidParamsf("missing tool name")
	}
	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{Kind: "tool", Name: params.Name})

	if params.Meta != nil && params.Meta.ProgressToken != nil {
		token := params.Meta.ProgressToken
		ctx = mcpservice.WithProgressReporter(ctx, mcpservice.ProgressReporterFunc(func(ctx context.Context, progress, total float64, message string) error {
			return sess.Notify(ctx, string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
				ProgressToken: token,
				Progress:      progress,
				Total:         total,
				Message:       message,
			})
		}))
	}

	return e.reg.CallTool(ctx, sess, &params)
}

// HandleNotification processes a client notification. Unknown notifications
// are ignored.
func (e *Engine) HandleNotification(ctx context.Context, sess sessions.Session, note *jsonrpc.Request) error {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: note.Method, Type: jsonrpc.TypeNotification})

	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.InfoContext(ctx, "engine.session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			return fmt.Errorf("decode cancellation: %w", err)
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &id); err != nil {
			return fmt.Errorf("decode cancellation request id: %w", err)
		}
		found := e.cancelInflight(sess.SessionID(), id.String(), params.Reason)
		e.log.InfoContext(ctx, "engine.request.cancel", slog.String("request_id", id.String()), slog.Bool("found", found))
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	}
	return nil
}

func (e *Engine) trackInflight(ctx context.Context, sessionID string, id *jsonrpc.RequestID) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	key := inflightKey{sessionID: sessionID, requestID: id.String()}

	e.inflightMu.Lock()
	if _, exists := e.inflight[key]; exists {
		// Duplicate id on the same session: the first request stays cancellable.
		e.inflightMu.Unlock()
		return ctx, func() { cancel(context.Canceled) }
	}
	e.inflight[key] = cancel
	e.inflightMu.Unlock()

	return ctx, func() {
		e.inflightMu.Lock()
		delete(e.inflight, key)
		e.inflightMu.Unlock()
		cancel(context.Canceled)
	}
}

func (e *Engine) cancelInflight(sessionID, requestID, reason string) bool {
	e.inflightMu.Lock()
	cancel, ok := e.inflight[inflightKey{sessionID: sessionID, requestID: requestID}]
	e.inflightMu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "cancelled by client"
	}
	cancel(errors.New(reason))
	return true
}

// CancelSession cancels every in-flight request of a session. The transport
// calls it when the session closes.
func (e *Engine) CancelSession(sessionID string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	for key, cancel := range e.inflight {
		if key.sessionID == sessionID {
			cancel(errors.New("session closed"))
		}
	}
}

func (e *Engine) errorResponse(ctx context.Context, id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	var appErr *mcpservice.AppError
	switch {
	case errors.As(err, &appErr):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCode(appErr.Code), appErr.Message, nil)
	case errors.Is(err, mcpservice.ErrToolNotFound), errors.Is(err, mcpservice.ErrPromptNotFound):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	case errors.Is(err, mcpservice.ErrResourceNotFound):
		return jsonrpc.NewErrorResponse(id, mcpservice.CodeResourceNotFound, err.Error(), nil)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", nil)
	default:
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
}

func decodeParams(req *jsonrpc.Request, v any) error {
	if len(req.Params) == 0 {
		return mcpservice.InvalidParamsf("missing params")
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return mcpservice.InvalidParamsf("invalid params: %v", err)
	}
	return nil
}
