package tests

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// watchNotifications scans an SSE stream and sends the method of every
// JSON-RPC notification it sees on the returned channel. The channel closes
// when the stream ends or ctx is done.
func watchNotifications(ctx context.Context, r io.Reader) <-chan string {
	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var m struct {
				Method string `json:"method"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m); err != nil || m.Method == "" {
				continue
			}
			select {
			case ch <- m.Method:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func contextError(ctx context.Context, target string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timeout waiting for %s", target)
	}
	return fmt.Errorf("context canceled waiting for %s: %v", target, ctx.Err())
}
