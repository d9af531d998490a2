package mcpservice

import "context"

// ProgressReporter emits notifications/progress for the request currently
// being handled. The engine installs one in the handler context only when
// the client supplied a progress token.
type ProgressReporter interface {
	Report(ctx context.Context, progress, total float64, message string) error
}

// ProgressReporterFunc adapts a function to ProgressReporter.
type ProgressReporterFunc func(ctx context.Context, progress, total float64, message string) error

func (f ProgressReporterFunc) Report(ctx context.Context, progress, total float64, message string) error {
	return f(ctx, progress, total, message)
}

type progressKey struct{}

// WithProgressReporter returns a new context carrying the provided reporter.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, pr)
}

// ProgressFrom retrieves a ProgressReporter from the context if present.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	pr, ok := ctx.Value(progressKey{}).(ProgressReporter)
	return pr, ok && pr != nil
}
