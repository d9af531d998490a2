package mcpservice

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/writeathon-mcp/mcp"
)

// ToolResponseWriter lets a tool handler compose a CallToolResult and emit
// progress while it runs.
//
// Writes after Result are rejected with ErrFinalized. SendProgress is a no-op
// when the caller did not ask for progress.
type ToolResponseWriter interface {
	AppendText(text string) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	SetError(isError bool)
	SendProgress(progress, total float64, message string) error
	// Result finalizes and returns the accumulated result. It is idempotent.
	Result() *mcp.CallToolResult
}

// ErrFinalized is returned when attempting to write after Result() was called.
var ErrFinalized = errors.New("result already finalized")

type toolResponseWriter struct {
	ctx       context.Context
	mu        sync.Mutex
	finalized bool

	blocks  []mcp.ContentBlock
	isError bool
}

var _ ToolResponseWriter = (*toolResponseWriter)(nil)

func newToolResponseWriter(ctx context.Context) *toolResponseWriter {
	return &toolResponseWriter{ctx: ctx}
}

func (w *toolResponseWriter) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return w.AppendBlocks(mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text})
}

func (w *toolResponseWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	w.blocks = append(w.blocks, blocks...)
	return nil
}

func (w *toolResponseWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

func (w *toolResponseWriter) SendProgress(progress, total float64, message string) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if pr, ok := ProgressFrom(w.ctx); ok {
		return pr.Report(w.ctx, progress, total, message)
	}
	return nil
}

func (w *toolResponseWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = true
	content := append([]mcp.ContentBlock{}, w.blocks...)
	return &mcp.CallToolResult{Content: content, IsError: w.isError}
}
