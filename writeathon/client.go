// Package writeathon is a client for the Writeathon content API. Every
// operation returns a Response envelope; failures of any kind are reported
// through Success=false rather than a Go error.
package writeathon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// TokenHeader carries the API token on every upstream request.
const TokenHeader = "x-writeathon-token"

const maxResponseBytes = 8 << 20

// API is the set of upstream operations.
type API interface {
	GetMe(ctx context.Context) *Response[User]
	CreateCard(ctx context.Context, req CreateCardRequest) *Response[CreateCardResult]
	GetRecentCards(ctx context.Context, req RecentCardsRequest) *Response[[]Card]
	GetCard(ctx context.Context, req GetCardRequest) *Response[Card]
	GetWritingPick(ctx context.Context, req WritingPickRequest) *Response[[]WritingPickItem]
}

type Client struct {
	base   *url.URL
	token  string
	userID string
	http   *http.Client
	log    *slog.Logger
}

var _ API = (*Client)(nil)

type Option func(*Client)

// WithHTTPClient overrides the http.Client used for upstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New returns a Client for the API rooted at baseURL.
func New(baseURL, token, userID string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:   u,
		token:  token,
		userID: userID,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) GetMe(ctx context.Context) *Response[User] {
	return call[User](ctx, c, "get me", http.MethodGet, c.base.JoinPath("v1", "me"), nil)
}

func (c *Client) CreateCard(ctx context.Context, req CreateCardRequest) *Response[CreateCardResult] {
	u, res := userPath[CreateCardResult](c, "cards")
	if res != nil {
		return res
	}
	return call[CreateCardResult](ctx, c, "create card", http.MethodPost, u, req)
}

func (c *Client) GetRecentCards(ctx context.Context, req RecentCardsRequest) *Response[[]Card] {
	u, res := userPath[[]Card](c, "cards", "recent")
	if res != nil {
		return res
	}
	if req.ExcludeDateTitle != nil {
		q := u.Query()
		q.Set("exclude_date_title", strconv.FormatBool(*req.ExcludeDateTitle))
		u.RawQuery = q.Encode()
	}
	return call[[]Card](ctx, c, "get recent cards", http.MethodGet, u, nil)
}

func (c *Client) GetCard(ctx context.Context, req GetCardRequest) *Response[Card] {
	u, res := userPath[Card](c, "cards", "get")
	if res != nil {
		return res
	}
	return call[Card](ctx, c, "get card", http.MethodPost, u, req)
}

func (c *Client) GetWritingPick(ctx context.Context, req WritingPickRequest) *Response[[]WritingPickItem] {
	u, res := userPath[[]WritingPickItem](c, "writing-pick")
	if res != nil {
		return res
	}
	return call[[]WritingPickItem](ctx, c, "get writing pick", http.MethodPost, u, req)
}

func userPath[T any](c *Client, elem ...string) (*url.URL, *Response[T]) {
	if c.userID == "" {
		return nil, Failure[T]("upstream user id is not configured")
	}
	return c.base.JoinPath(append([]string{"v1", "users", c.userID}, elem...)...), nil
}

// call performs one upstream request. A non-2xx status is reported as a
// failure, keeping the upstream envelope when the body carries one.
func call[T any](ctx context.Context, c *Client, op, method string, u *url.URL, body any) *Response[T] {
	start := time.Now()
	log := c.log.With(slog.String("op", op), slog.String("http_method", method), slog.String("url", u.Redacted()))

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			log.ErrorContext(ctx, "upstream.encode.fail", slog.String("err", err.Error()))
			return failed[T](op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		log.ErrorContext(ctx, "upstream.request.fail", slog.String("err", err.Error()))
		return failed[T](op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(TokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		log.ErrorContext(ctx, "upstream.do.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return failed[T](op, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		log.ErrorContext(ctx, "upstream.read.fail", slog.String("err", err.Error()), slog.Int("status", res.StatusCode))
		return failed[T](op, err)
	}

	var env Response[T]
	decErr := json.Unmarshal(raw, &env)
	ok := res.StatusCode >= 200 && res.StatusCode < 300

	switch {
	case decErr != nil:
		log.ErrorContext(ctx, "upstream.decode.fail", slog.String("err", decErr.Error()), slog.Int("status", res.StatusCode))
		return failed[T](op, decErr)
	case !ok:
		log.WarnContext(ctx, "upstream.status.fail", slog.Int("status", res.StatusCode), slog.String("message", env.Message))
		env.Success = false
		if env.Message == "" {
			env.Message = fmt.Sprintf("%s failed: upstream status %d", op, res.StatusCode)
		}
		if env.ErrorCode == 0 {
			env.ErrorCode = ErrorCodeLocal
		}
		return &env
	}

	log.DebugContext(ctx, "upstream.ok", slog.Bool("success", env.Success), slog.Int("status", res.StatusCode), slog.Duration("dur", time.Since(start)))
	return &env
}

// failed reports a local fault as "<op> failed: <cause>".
func failed[T any](op string, err error) *Response[T] {
	return Failure[T](fmt.Sprintf("%s failed: %v", op, err))
}
