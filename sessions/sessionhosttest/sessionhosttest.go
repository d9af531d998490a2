// Package sessionhosttest provides a conformance suite shared by every
// sessions.MessageHost implementation.
package sessionhosttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/writeathon-mcp/internal/jsonrpc"
	"github.com/ggoodman/writeathon-mcp/sessions"
	"github.com/google/uuid"
)

// HostFactory creates a new MessageHost instance for testing.
type HostFactory func(t *testing.T) sessions.MessageHost

// RunMessageHostTests runs the complete MessageHost suite against the provided factory.
func RunMessageHostTests(t *testing.T, factory HostFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) { testPublishAndSubscribe(t, factory) })
	t.Run("ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("ResumeFromUnknownEventID", func(t *testing.T) { testResumeFromUnknownEventID(t, factory) })
	t.Run("IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("ContextCancellation", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerError(t, factory) })
	t.Run("FanOutToAllSubscribers", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("CleanupEndsSubscription", func(t *testing.T) { testCleanupEndsSubscription(t, factory) })
}

type received struct {
	id   string
	data []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []received
	want int
	done chan struct{}
}

func newRecorder(want int) *recorder {
	return &recorder{want: want, done: make(chan struct{})}
}

func (r *recorder) handle(_ context.Context, id string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, received{id: id, data: append([]byte(nil), data...)})
	if len(r.msgs) == r.want {
		close(r.done)
	}
	return nil
}

func (r *recorder) wait(t *testing.T) []received {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(3 * time.Second):
		r.mu.Lock()
		n := len(r.msgs)
		r.mu.Unlock()
		t.Fatalf("timed out waiting for %d messages, got %d", r.want, n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.msgs...)
}

func sessionID(prefix string) string { return prefix + "-" + uuid.NewString() }

func notification(t *testing.T, method string) []byte {
	t.Helper()
	n, err := jsonrpc.NewNotification(method, map[string]any{"n": method})
	if err != nil {
		t.Fatalf("build notification: %v", err)
	}
	b, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	return b
}

func subscribe(ctx context.Context, h sessions.MessageHost, id, last string, fn sessions.MessageHandlerFunction) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.SubscribeSession(ctx, id, last, fn) }()
	// Give the subscription time to register its starting position.
	time.Sleep(150 * time.Millisecond)
	return done
}

func testPublishAndSubscribe(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := sessionID("pubsub")
	rec := newRecorder(1)
	done := subscribe(ctx, h, id, "", rec.handle)

	evID, err := h.PublishSession(ctx, id, notification(t, "test/one"))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if evID == "" {
		t.Fatalf("expected non-empty event id")
	}

	got := rec.wait(t)
	if got[0].id != evID {
		t.Fatalf("unexpected event id: want %s got %s", evID, got[0].id)
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(got[0].data, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Method != "test/one" {
		t.Fatalf("unexpected method: want test/one got %s", req.Method)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe returned %v, want context.Canceled", err)
	}
}

func testResumeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := sessionID("resume")
	ev1, err := h.PublishSession(ctx, id, notification(t, "test/m1"))
	if err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	ev2, err := h.PublishSession(ctx, id, notification(t, "test/m2"))
	if err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	rec := newRecorder(2)
	done := subscribe(ctx, h, id, ev1, rec.handle)

	ev3, err := h.PublishSession(ctx, id, notification(t, "test/m3"))
	if err != nil {
		t.Fatalf("publish 3: %v", err)
	}

	got := rec.wait(t)
	if got[0].id != ev2 || got[1].id != ev3 {
		t.Fatalf("unexpected replay order: want [%s %s] got [%s %s]", ev2, ev3, got[0].id, got[1].id)
	}
	cancel()
	<-done
}

func testResumeFromUnknownEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := h.SubscribeSession(ctx, sessionID("unknown"), "non-existent-id", func(context.Context, string, []byte) error {
		t.Errorf("handler must not be invoked")
		return nil
	})
	if !errors.Is(err, sessions.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := sessionID("iso-a"), sessionID("iso-b")
	recA := newRecorder(1)
	recB := newRecorder(1)
	doneA := subscribe(ctx, h, a, "", recA.handle)
	doneB := subscribe(ctx, h, b, "", recB.handle)

	if _, err := h.PublishSession(ctx, a, notification(t, "only/a")); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if _, err := h.PublishSession(ctx, b, notification(t, "only/b")); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	for name, rec := range map[string]*recorder{"only/a": recA, "only/b": recB} {
		got := rec.wait(t)
		var req jsonrpc.Request
		if err := json.Unmarshal(got[0].data, &req); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if req.Method != name {
			t.Fatalf("cross-session delivery: want %s got %s", name, req.Method)
		}
	}
	cancel()
	<-doneA
	<-doneB
}

func testContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := subscribe(ctx, h, sessionID("cancel"), "", func(context.Context, string, []byte) error { return nil })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop after cancellation")
	}
}

func testHandlerError(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := sessionID("handler-err")
	boom := errors.New("boom")
	done := subscribe(ctx, h, id, "", func(context.Context, string, []byte) error { return boom })

	if _, err := h.PublishSession(ctx, id, notification(t, "test/err")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop after handler error")
	}
}

func testFanOut(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := sessionID("fanout")
	r1 := newRecorder(2)
	r2 := newRecorder(2)
	d1 := subscribe(ctx, h, id, "", r1.handle)
	d2 := subscribe(ctx, h, id, "", r2.handle)

	for _, m := range []string{"test/a", "test/b"} {
		if _, err := h.PublishSession(ctx, id, notification(t, m)); err != nil {
			t.Fatalf("publish %s: %v", m, err)
		}
	}

	g1 := r1.wait(t)
	g2 := r2.wait(t)
	for i := range g1 {
		if g1[i].id != g2[i].id {
			t.Fatalf("subscribers disagree at %d: %s vs %s", i, g1[i].id, g2[i].id)
		}
	}
	cancel()
	<-d1
	<-d2
}

func testCleanupEndsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := sessionID("cleanup")
	done := subscribe(ctx, h, id, "", func(context.Context, string, []byte) error { return nil })

	if err := h.CleanupSession(ctx, id); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("subscribe returned %v after cleanup, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not end after cleanup")
	}
}
