// Package restapi exposes the Writeathon API as a plain JSON proxy. Every
// route answers with the upstream envelope: 200 when it reports success, 400
// otherwise, and 500 with error code 1000 when the proxy itself faults.
package restapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/writeathon-mcp/internal/logctx"
	"github.com/ggoodman/writeathon-mcp/writeathon"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

var jsonMediaType = contenttype.NewMediaType("application/json")

// Handler serves the REST proxy under /api plus a /health check.
type Handler struct {
	mux *http.ServeMux
	api writeathon.API
	log *slog.Logger
}

var _ http.Handler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// New returns a Handler proxying to api.
func New(api writeathon.API, opts ...Option) *Handler {
	h := &Handler{api: api, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/me", h.handleMe)
	mux.HandleFunc("POST /api/cards", h.handleCreateCard)
	mux.HandleFunc("GET /api/cards/recent", h.handleRecentCards)
	mux.HandleFunc("POST /api/cards/get", h.handleGetCard)
	mux.HandleFunc("POST /api/writing-pick", h.handleWritingPick)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	defer func() {
		if p := recover(); p != nil {
			h.log.ErrorContext(ctx, "rest.request.panic", slog.Any("panic", p), slog.Duration("dur", time.Since(start)))
			writeJSON(w, http.StatusInternalServerError, writeathon.Failure[any]("internal server error"))
		}
	}()
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respond relays an upstream envelope with the status mirroring Success.
func respond[T any](h *Handler, w http.ResponseWriter, r *http.Request, op string, res *writeathon.Response[T]) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
		h.log.InfoContext(r.Context(), "rest.upstream.fail", slog.String("op", op), slog.String("message", res.Message), slog.Int("error_code", res.ErrorCode))
	}
	writeJSON(w, status, res)
}

// decodeBody reads a JSON request body into v. An empty body leaves v at its
// zero value.
func decodeBody(r *http.Request, w http.ResponseWriter, v any) error {
	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			return fmt.Errorf("content-type must be application/json")
		}
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	h.log.InfoContext(r.Context(), "rest.request.invalid", slog.String("err", err.Error()))
	writeJSON(w, http.StatusBadRequest, writeathon.Failure[any](err.Error()))
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	respond(h, w, r, "get me", h.api.GetMe(r.Context()))
}

func (h *Handler) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req writeathon.CreateCardRequest
	if err := decodeBody(r, w, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	respond(h, w, r, "create card", h.api.CreateCard(r.Context(), req))
}

func (h *Handler) handleRecentCards(w http.ResponseWriter, r *http.Request) {
	var req writeathon.RecentCardsRequest
	if s := r.URL.Query().Get("exclude_date_title"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			h.badRequest(w, r, fmt.Errorf("exclude_date_title must be a boolean"))
			return
		}
		req.ExcludeDateTitle = &v
	}
	respond(h, w, r, "get recent cards", h.api.GetRecentCards(r.Context(), req))
}

func (h *Handler) handleGetCard(w http.ResponseWriter, r *http.Request) {
	var req writeathon.GetCardRequest
	if err := decodeBody(r, w, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	respond(h, w, r, "get card", h.api.GetCard(r.Context(), req))
}

func (h *Handler) handleWritingPick(w http.ResponseWriter, r *http.Request) {
	var req writeathon.WritingPickRequest
	if err := decodeBody(r, w, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	respond(h, w, r, "get writing pick", h.api.GetWritingPick(r.Context(), req))
}
