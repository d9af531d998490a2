package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/writeathon-mcp/writeathon"
	"github.com/ggoodman/writeathon-mcp/writeathon/writeathontest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorCode int             `json:"errorCode"`
}

func serve(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestRoutesRelayEnvelope(t *testing.T) {
	fake := &writeathontest.Fake{
		User:  writeathon.User{ID: "u1", Username: "ada"},
		Cards: []writeathon.Card{{ID: "c1", Title: "first", Content: "hello"}},
	}
	h := New(fake)

	rec, env := serve(t, h, http.MethodGet, "/api/me", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.JSONEq(t, `{"id":"u1","username":"ada"}`, string(env.Data))

	rec, env = serve(t, h, http.MethodPost, "/api/cards", `{"title":"second","content":"world"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	require.Len(t, fake.Cards, 2)

	rec, env = serve(t, h, http.MethodGet, "/api/cards/recent?exclude_date_title=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var cards []writeathon.Card
	require.NoError(t, json.Unmarshal(env.Data, &cards))
	assert.Len(t, cards, 2)

	rec, env = serve(t, h, http.MethodPost, "/api/cards/get", `{"id":"c1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"hello"`)

	rec, _ = serve(t, h, http.MethodPost, "/api/writing-pick", `{"type":"card","limit":2}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, writeathon.WritingPickRequest{Type: "card", Limit: 2}, fake.LastPick)
}

func TestProxyKeepsUnmodelledFields(t *testing.T) {
	const upstream = `{"_id":"c2","title":"kept","content":"x","created":1700000000000,"tags":["a"]}`
	var card writeathon.Card
	require.NoError(t, json.Unmarshal([]byte(upstream), &card))
	h := New(&writeathontest.Fake{Cards: []writeathon.Card{card}})

	rec, env := serve(t, h, http.MethodPost, "/api/cards/get", `{"id":"c2"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, upstream, string(env.Data))
}

func TestUpstreamFailureIs400(t *testing.T) {
	h := New(&writeathontest.Fake{Fail: "token expired"})

	rec, env := serve(t, h, http.MethodGet, "/api/me", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "token expired", env.Message)

	rec, env = serve(t, New(&writeathontest.Fake{}), http.MethodPost, "/api/cards/get", `{"id":"missing"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "card not found", env.Message)
}

func TestMalformedRequests(t *testing.T) {
	fake := &writeathontest.Fake{}
	h := New(fake)

	rec, env := serve(t, h, http.MethodPost, "/api/cards", `{"content":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, writeathon.ErrorCodeLocal, env.ErrorCode)

	rec, _ = serve(t, h, http.MethodGet, "/api/cards/recent?exclude_date_title=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/cards", strings.NewReader(`content=x`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Empty(t, fake.Calls)
}

type panicky struct{ writeathontest.Fake }

func (p *panicky) GetMe(ctx context.Context) *writeathon.Response[writeathon.User] {
	panic("nil map")
}

func TestPanicIs500(t *testing.T) {
	rec, env := serve(t, New(&panicky{}), http.MethodGet, "/api/me", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, writeathon.ErrorCodeLocal, env.ErrorCode)
}

func TestHealth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	New(&writeathontest.Fake{}).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
