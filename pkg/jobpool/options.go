package jobpool

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Option configures optional Pool collaborators.
type Option func(*options)

type options struct {
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string
}

// WithLogger sets the structured logger for the pool.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer sets the tracer used for per-execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithClock overrides the clock used for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides job ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}
