package streaminghttp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/writeathon-mcp/auth"
	"github.com/ggoodman/writeathon-mcp/internal/engine"
	"github.com/ggoodman/writeathon-mcp/internal/jsonrpc"
	"github.com/ggoodman/writeathon-mcp/mcp"
	"github.com/ggoodman/writeathon-mcp/mcpservice"
	"github.com/ggoodman/writeathon-mcp/sessions"
	"github.com/ggoodman/writeathon-mcp/sessions/memoryhost"
	"github.com/ggoodman/writeathon-mcp/streaminghttp"
)

const initMessage = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0"}}}`

type noArgs struct{}

func mustServer(t *testing.T, opts ...streaminghttp.Option) (*httptest.Server, *streaminghttp.Manager) {
	t.Helper()
	return mustServerWithManager(t, nil, opts...)
}

func mustServerWithManager(t *testing.T, mopts []streaminghttp.ManagerOption, opts ...streaminghttp.Option) (*httptest.Server, *streaminghttp.Manager) {
	t.Helper()
	progress := mcpservice.NewTool("progress", func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
		if err := w.SendProgress(1, 1, "done"); err != nil {
			return err
		}
		return w.AppendText("ok")
	})
	reg, err := mcpservice.NewRegistry(mcpservice.WithTools(progress))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	mgr, err := streaminghttp.NewManager(engine.NewEngine(reg), memoryhost.New(), mopts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h, err := streaminghttp.New(mgr, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = mgr.CloseAll(context.Background())
		srv.Close()
	})
	return srv, mgr
}

func do(t *testing.T, srv *httptest.Server, method string, headers map[string]string, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+"/mcp", rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s /mcp: %v", method, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func mustInitialize(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	res := do(t, srv, http.MethodPost, nil, initMessage)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("initialize: want 200 got %d", res.StatusCode)
	}
	id := res.Header.Get("Mcp-Session-Id")
	if id == "" {
		t.Fatalf("missing Mcp-Session-Id header")
	}
	return id
}

func decodeResponse(t *testing.T, res *http.Response) jsonrpc.Response {
	t.Helper()
	var out jsonrpc.Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// expectStructuralError checks the null-id envelope used before a message
// reaches a session.
func expectStructuralError(t *testing.T, res *http.Response, status int) {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("unexpected status: want %d got %d", status, res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var env struct {
		JSONRPC string `json:"jsonrpc"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode envelope %q: %v", body, err)
	}
	if env.JSONRPC != "2.0" || env.Error.Code != -32000 || string(env.ID) != "null" {
		t.Fatalf("unexpected envelope: %s", body)
	}
}

func TestSessionLifecycleScenario(t *testing.T) {
	srv, mgr := mustServer(t)

	res := do(t, srv, http.MethodPost, nil, initMessage)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("initialize: want 200 got %d", res.StatusCode)
	}
	id := res.Header.Get("Session-Id")
	if id == "" || id != res.Header.Get("Mcp-Session-Id") {
		t.Fatalf("session headers disagree: %q vs %q", id, res.Header.Get("Mcp-Session-Id"))
	}
	if pv := res.Header.Get("Mcp-Protocol-Version"); pv != "2025-06-18" {
		t.Fatalf("unexpected protocol version header: %q", pv)
	}
	initRes := decodeResponse(t, res)
	var result mcp.InitializeResult
	if err := json.Unmarshal(initRes.Result, &result); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if result.Capabilities.Tools == nil {
		t.Fatalf("tools capability not advertised")
	}

	res = do(t, srv, http.MethodPost, map[string]string{"session-id": id}, `{}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("routed message: want 200 got %d", res.StatusCode)
	}
	if got := res.Header.Get("Mcp-Session-Id"); got != id {
		t.Fatalf("routed to wrong session: %s", got)
	}

	res = do(t, srv, http.MethodDelete, map[string]string{"session-id": id}, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete: want 200 got %d", res.StatusCode)
	}
	if mgr.Len() != 0 {
		t.Fatalf("session still registered after delete")
	}

	res = do(t, srv, http.MethodGet, map[string]string{"session-id": id, "Accept": "text/event-stream"}, "")
	expectStructuralError(t, res, http.StatusBadRequest)
}

func TestPostWithoutSessionRequiresInitialize(t *testing.T) {
	srv, mgr := mustServer(t)

	res := do(t, srv, http.MethodPost, nil, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	expectStructuralError(t, res, http.StatusBadRequest)
	if res.Header.Get("Mcp-Session-Id") != "" {
		t.Fatalf("session header on rejected request")
	}
	if mgr.Len() != 0 {
		t.Fatalf("session created from non-init message")
	}
}

func TestHandshakeFailureCreatesNoSession(t *testing.T) {
	srv, mgr := mustServer(t)

	res := do(t, srv, http.MethodPost, nil, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	expectStructuralError(t, res, http.StatusBadRequest)
	if mgr.Len() != 0 {
		t.Fatalf("failed handshake registered a session")
	}
}

func TestDuplicateSessionIDIsHandshakeFailure(t *testing.T) {
	srv, mgr := mustServerWithManager(t, []streaminghttp.ManagerOption{
		streaminghttp.WithIDGenerator(func() string { return "fixed" }),
	})
	if id := mustInitialize(t, srv); id != "fixed" {
		t.Fatalf("want id fixed got %q", id)
	}

	res := do(t, srv, http.MethodPost, nil, initMessage)
	expectStructuralError(t, res, http.StatusBadRequest)
	if res.Header.Get("Mcp-Session-Id") != "" {
		t.Fatalf("rejected handshake must not carry a session id")
	}
	if mgr.Len() != 1 {
		t.Fatalf("want the original session only, got %d", mgr.Len())
	}

	res = do(t, srv, http.MethodPost, map[string]string{"Mcp-Session-Id": "fixed"}, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("original session disturbed: status %d", res.StatusCode)
	}
}

func TestUnknownSessionLeavesTableUnchanged(t *testing.T) {
	srv, mgr := mustServer(t)
	mustInitialize(t, srv)
	hdr := map[string]string{"Mcp-Session-Id": "00000000-0000-0000-0000-000000000000", "Accept": "text/event-stream"}

	expectStructuralError(t, do(t, srv, http.MethodPost, hdr, `{"jsonrpc":"2.0","id":1,"method":"ping"}`), http.StatusBadRequest)
	expectStructuralError(t, do(t, srv, http.MethodGet, hdr, ""), http.StatusBadRequest)
	expectStructuralError(t, do(t, srv, http.MethodDelete, hdr, ""), http.StatusBadRequest)
	expectStructuralError(t, do(t, srv, http.MethodDelete, nil, ""), http.StatusBadRequest)
	if mgr.Len() != 1 {
		t.Fatalf("table size changed: %d", mgr.Len())
	}
}

func TestSecondDeleteIsNotFound(t *testing.T) {
	srv, _ := mustServer(t)
	id := mustInitialize(t, srv)
	hdr := map[string]string{"Mcp-Session-Id": id}

	if res := do(t, srv, http.MethodDelete, hdr, ""); res.StatusCode != http.StatusOK {
		t.Fatalf("first delete: want 200 got %d", res.StatusCode)
	}
	expectStructuralError(t, do(t, srv, http.MethodDelete, hdr, ""), http.StatusBadRequest)
}

func TestConcurrentInitializeOverHTTP(t *testing.T) {
	srv, mgr := mustServer(t)
	const n = 32

	var (
		mu  sync.Mutex
		ids = map[string]bool{}
		wg  sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.Client().Post(srv.URL+"/mcp", "application/json", strings.NewReader(initMessage))
			if err != nil {
				t.Errorf("POST: %v", err)
				return
			}
			defer res.Body.Close()
			mu.Lock()
			ids[res.Header.Get("Mcp-Session-Id")] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != n || mgr.Len() != n {
		t.Fatalf("want %d distinct sessions, got %d ids and %d registered", n, len(ids), mgr.Len())
	}
}

func TestPostStatusCodes(t *testing.T) {
	srv, _ := mustServer(t)
	id := mustInitialize(t, srv)
	hdr := map[string]string{"Mcp-Session-Id": id}

	res := do(t, srv, http.MethodPost, hdr, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("notification: want 202 got %d", res.StatusCode)
	}

	res = do(t, srv, http.MethodPost, hdr, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ping: want 200 got %d", res.StatusCode)
	}
	if out := decodeResponse(t, res); out.Error != nil || string(out.Result) != "{}" {
		t.Fatalf("unexpected ping response: %+v", out)
	}

	res = do(t, srv, http.MethodPost, hdr, `[{"jsonrpc":"2.0","id":3,"method":"ping"}]`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("batch: want 400 got %d", res.StatusCode)
	}
	if out := decodeResponse(t, res); out.Error == nil || out.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("unexpected batch response: %+v", out)
	}

	res = do(t, srv, http.MethodPost, map[string]string{"Mcp-Session-Id": id, "Content-Type": "text/plain"}, `{"jsonrpc":"2.0","id":4,"method":"ping"}`)
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("content type: want 415 got %d", res.StatusCode)
	}

	res = do(t, srv, http.MethodPost, map[string]string{"Mcp-Session-Id": id, "Mcp-Protocol-Version": "2024-11-05"}, `{"jsonrpc":"2.0","id":5,"method":"ping"}`)
	expectStructuralError(t, res, http.StatusBadRequest)
}

func TestBodyLimit(t *testing.T) {
	srv, _ := mustServer(t, streaminghttp.WithMaxBodyBytes(64))
	res := do(t, srv, http.MethodPost, nil, initMessage)
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413 got %d", res.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := mustServer(t, streaminghttp.WithAuthenticator(auth.NewStaticKey("k")))

	res, err := srv.Client().Get(srv.URL + "/mcp/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want 200 got %d", res.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil || body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v %v", body, err)
	}
}

func TestAuthentication(t *testing.T) {
	srv, mgr := mustServer(t, streaminghttp.WithAuthenticator(auth.NewStaticKey("k")))

	res := do(t, srv, http.MethodPost, nil, initMessage)
	expectStructuralError(t, res, http.StatusUnauthorized)
	if !strings.HasPrefix(res.Header.Get("WWW-Authenticate"), "Bearer") {
		t.Fatalf("missing bearer challenge")
	}

	res = do(t, srv, http.MethodPost, map[string]string{"Authorization": "Bearer wrong"}, initMessage)
	expectStructuralError(t, res, http.StatusUnauthorized)
	if mgr.Len() != 0 {
		t.Fatalf("unauthenticated request created a session")
	}

	res = do(t, srv, http.MethodPost, map[string]string{"Authorization": "Bearer k"}, initMessage)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated initialize: want 200 got %d", res.StatusCode)
	}
}

// sseStream reads SSE lines from a GET stream on a background goroutine.
type sseStream struct {
	lines  chan string
	cancel context.CancelFunc
	res    *http.Response
}

func openStream(t *testing.T, srv *httptest.Server, id string, headers map[string]string) *sseStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", id)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("GET /mcp: %v", err)
	}
	s := &sseStream{lines: make(chan string, 64), cancel: cancel, res: res}
	go func() {
		defer close(s.lines)
		sc := bufio.NewScanner(res.Body)
		for sc.Scan() {
			s.lines <- sc.Text()
		}
	}()
	t.Cleanup(func() {
		cancel()
		res.Body.Close()
	})
	return s
}

// next returns the next line with the given prefix, skipping others.
func (s *sseStream) next(t *testing.T, prefix string) string {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				t.Fatalf("stream closed while waiting for %q", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", prefix)
		}
	}
}

// nextData returns the next data line mentioning substr, skipping others.
func (s *sseStream) nextData(t *testing.T, substr string) string {
	t.Helper()
	for {
		if line := s.next(t, "data:"); strings.Contains(line, substr) {
			return line
		}
	}
}

// warmUp publishes until one notification round trips so the subscription
// is known to be live.
func warmUp(t *testing.T, mgr *streaminghttp.Manager, s *sseStream, id string) {
	t.Helper()
	tr, err := mgr.Resume(id)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		if err := tr.Notify(context.Background(), "test/warmup", nil); err != nil {
			t.Fatalf("Notify: %v", err)
		}
		select {
		case line := <-s.lines:
			if strings.Contains(line, "test/warmup") {
				return
			}
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("stream never became live")
		}
	}
}

func TestStreamDeliversProgressNotifications(t *testing.T) {
	srv, mgr := mustServer(t)
	id := mustInitialize(t, srv)

	s := openStream(t, srv, id, nil)
	if s.res.StatusCode != http.StatusOK {
		t.Fatalf("GET: want 200 got %d", s.res.StatusCode)
	}
	if ct := s.res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if got := s.res.Header.Get("Mcp-Session-Id"); got != id {
		t.Fatalf("stream not bound to session: %q", got)
	}
	warmUp(t, mgr, s, id)

	call := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"progress","_meta":{"progressToken":"p-1"}}}`
	res := do(t, srv, http.MethodPost, map[string]string{"Mcp-Session-Id": id}, call)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tools/call: want 200 got %d", res.StatusCode)
	}

	data := s.nextData(t, "notifications/progress")
	if !strings.Contains(data, "p-1") {
		t.Fatalf("unexpected event data: %s", data)
	}
}

func TestSecondStreamConflicts(t *testing.T) {
	srv, mgr := mustServer(t)
	id := mustInitialize(t, srv)
	s := openStream(t, srv, id, nil)
	warmUp(t, mgr, s, id)

	res := do(t, srv, http.MethodGet, map[string]string{"Mcp-Session-Id": id, "Accept": "text/event-stream"}, "")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("want 409 got %d", res.StatusCode)
	}
}

func TestStreamEndsOnDeleteAndSurvivesDisconnect(t *testing.T) {
	srv, mgr := mustServer(t)
	id := mustInitialize(t, srv)

	first := openStream(t, srv, id, nil)
	warmUp(t, mgr, first, id)
	first.cancel()

	// The session outlives its stream and accepts a new one.
	if res := do(t, srv, http.MethodPost, map[string]string{"Mcp-Session-Id": id}, `{"jsonrpc":"2.0","id":1,"method":"ping"}`); res.StatusCode != http.StatusOK {
		t.Fatalf("ping after disconnect: want 200 got %d", res.StatusCode)
	}
	var second *sseStream
	deadline := time.Now().Add(2 * time.Second)
	for {
		second = openStream(t, srv, id, nil)
		if second.res.StatusCode == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("could not reopen stream: %d", second.res.StatusCode)
		}
		time.Sleep(20 * time.Millisecond)
	}
	warmUp(t, mgr, second, id)

	if res := do(t, srv, http.MethodDelete, map[string]string{"Mcp-Session-Id": id}, ""); res.StatusCode != http.StatusOK {
		t.Fatalf("delete: want 200 got %d", res.StatusCode)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-second.lines:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("stream still open after delete")
		}
	}
}

func TestStreamRequestValidation(t *testing.T) {
	srv, _ := mustServer(t)
	id := mustInitialize(t, srv)

	res := do(t, srv, http.MethodGet, map[string]string{"Mcp-Session-Id": id, "Accept": "application/json"}, "")
	if res.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("accept: want 406 got %d", res.StatusCode)
	}

	res = do(t, srv, http.MethodGet, map[string]string{"Mcp-Session-Id": id, "Accept": "text/event-stream", "Last-Event-ID": "unknown"}, "")
	expectStructuralError(t, res, http.StatusBadRequest)
}

func TestResumeReplaysMissedEvents(t *testing.T) {
	srv, mgr := mustServer(t)
	id := mustInitialize(t, srv)
	tr, err := mgr.Resume(id)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	first := openStream(t, srv, id, nil)
	warmUp(t, mgr, first, id)
	if err := tr.Notify(context.Background(), "test/marker", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	var lastID string
	for lastID == "" {
		line := first.next(t, "")
		switch {
		case strings.HasPrefix(line, "id:"):
			lastID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			if data := first.next(t, "data:"); !strings.Contains(data, "test/marker") {
				lastID = ""
			}
		}
	}
	first.cancel()

	for i := 0; i < 3; i++ {
		if err := tr.Notify(context.Background(), fmt.Sprintf("test/missed-%d", i), nil); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}

	var resumed *sseStream
	deadline := time.Now().Add(2 * time.Second)
	for {
		resumed = openStream(t, srv, id, map[string]string{"Last-Event-ID": lastID})
		if resumed.res.StatusCode == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("could not resume: %d", resumed.res.StatusCode)
		}
		time.Sleep(20 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		if data := resumed.next(t, "data:"); !strings.Contains(data, fmt.Sprintf("test/missed-%d", i)) {
			t.Fatalf("unexpected replayed event %d: %s", i, data)
		}
	}
	if resumed.res.Header.Get("Mcp-Session-Id") != id {
		t.Fatalf("resumed stream not bound to session")
	}
}
