package mcpservice

import (
	"errors"
	"fmt"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrPromptNotFound   = errors.New("prompt not found")
	ErrResourceNotFound = errors.New("resource not found")
)

// JSON-RPC error codes carried by AppError.
const (
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeResourceNotFound = -32002
)

// AppError is a failure whose message is safe to show to the client.
type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string { return e.Message }

func (e *AppError) Unwrap() error { return e.Err }

// InvalidParamsf reports arguments the handler cannot accept.
func InvalidParamsf(format string, a ...any) *AppError {
	return &AppError{Code: CodeInvalidParams, Message: fmt.Sprintf(format, a...)}
}

// Failuref reports a handler failure, for example an upstream call that did
// not succeed.
func Failuref(format string, a ...any) *AppError {
	return &AppError{Code: CodeInternalError, Message: fmt.Sprintf(format, a...)}
}
