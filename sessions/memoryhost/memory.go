package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ggoodman/writeathon-mcp/sessions"
)

const defaultMaxBacklog = 1024

// Host is an in-memory implementation of sessions.MessageHost.
type Host struct {
	mu         sync.Mutex
	streams    map[string]*stream
	seq        int64
	maxBacklog int
}

var _ sessions.MessageHost = (*Host)(nil)

type stream struct {
	messages []message
	// wake is closed and replaced whenever messages are appended or the
	// stream is cleaned up.
	wake   chan struct{}
	closed bool
}

type message struct {
	seq  int64
	id   string
	data []byte
}

// Option configures a Host.
type Option func(*Host)

// WithMaxBacklog bounds the number of retained messages per session. Older
// messages are dropped and can no longer be used as a resume point.
func WithMaxBacklog(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.maxBacklog = n
		}
	}
}

// New returns an empty Host. Each session keeps at most 1024 messages
// unless WithMaxBacklog says otherwise.
func New(opts ...Option) *Host {
	h := &Host{
		streams:    make(map[string]*stream),
		maxBacklog: defaultMaxBacklog,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.ensureStream(sessionID)
	h.seq++
	msg := message{seq: h.seq, id: strconv.FormatInt(h.seq, 10), data: append([]byte(nil), data...)}
	s.messages = append(s.messages, msg)
	if over := len(s.messages) - h.maxBacklog; over > 0 {
		s.messages = append(s.messages[:0:0], s.messages[over:]...)
	}
	close(s.wake)
	s.wake = make(chan struct{})

	return msg.id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	h.mu.Lock()
	s := h.ensureStream(sessionID)
	after := h.seq
	if lastEventID != "" {
		found := false
		for _, m := range s.messages {
			if m.id == lastEventID {
				after = m.seq
				found = true
				break
			}
		}
		if !found {
			h.mu.Unlock()
			return fmt.Errorf("resume session %s from %q: %w", sessionID, lastEventID, sessions.ErrEventNotFound)
		}
	}
	h.mu.Unlock()

	for {
		h.mu.Lock()
		var pending []message
		for _, m := range s.messages {
			if m.seq > after {
				pending = append(pending, m)
			}
		}
		wake := s.wake
		closed := s.closed
		h.mu.Unlock()

		for _, m := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
			after = m.seq
		}
		if len(pending) > 0 {
			continue
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (h *Host) CleanupSession(_ context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[sessionID]
	if !ok {
		return nil
	}
	s.closed = true
	close(s.wake)
	delete(h.streams, sessionID)
	return nil
}

// ensureStream must be called with h.mu held.
func (h *Host) ensureStream(sessionID string) *stream {
	s, ok := h.streams[sessionID]
	if !ok {
		s = &stream{wake: make(chan struct{})}
		h.streams[sessionID] = s
	}
	return s
}
