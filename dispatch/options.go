package dispatch

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/next-trace/scg-communication/contract/comms"
)

const (
	defaultMaxConcurrent   = 1
	defaultShutdownTimeout = 30 * time.Second
	defaultBackoffMin      = 100 * time.Millisecond
	defaultBackoffMax      = 10 * time.Second
)

type options struct {
	logger          *slog.Logger
	maxConcurrent   int
	handlerTimeout  time.Duration
	shutdownTimeout time.Duration
	backoffMin      time.Duration
	backoffMax      time.Duration
	limit           rate.Limit
	burst           int
	middleware      []Middleware
}

func defaultOptions() options {
	return options{
		maxConcurrent:   defaultMaxConcurrent,
		shutdownTimeout: defaultShutdownTimeout,
		backoffMin:      defaultBackoffMin,
		backoffMax:      defaultBackoffMax,
		limit:           rate.Inf,
	}
}

// Option configures a Receiver.
type Option func(*options)

// WithLogger sets the logger. A nil logger falls back to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMaxConcurrent bounds the number of handler invocations in flight.
// Values below 1 are treated as 1.
func WithMaxConcurrent(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.maxConcurrent = n
	}
}

// WithHandlerTimeout puts a deadline on the context passed to the handler.
// Zero leaves handlers unbounded. The receiver still waits for the handler
// to return and honours an outcome returned after the deadline.
func WithHandlerTimeout(d time.Duration) Option { return func(o *options) { o.handlerTimeout = d } }

// WithShutdownTimeout bounds how long Close waits for in-flight handlers.
// Zero waits indefinitely.
func WithShutdownTimeout(d time.Duration) Option { return func(o *options) { o.shutdownTimeout = d } }

// WithRateLimit caps the delivery rate. rate.Inf disables limiting.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		if burst < 1 {
			burst = 1
		}
		o.limit = limit
		o.burst = burst
	}
}

// WithReceiveBackoff sets the retry delay bounds used after a failed Receive.
func WithReceiveBackoff(minDelay, maxDelay time.Duration) Option {
	return func(o *options) {
		if minDelay > 0 {
			o.backoffMin = minDelay
		}
		if maxDelay >= o.backoffMin {
			o.backoffMax = maxDelay
		}
	}
}

// Middleware wraps handler execution. Middlewares run in registration order
// around the registered handler; a panic anywhere in the chain is reported
// as a handler fault.
type Middleware func(next comms.Handler) comms.Handler

// WithMiddleware appends handler middleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mw...) }
}

func (o options) wrap(h comms.Handler) comms.Handler {
	// Build chain so the first registered middleware runs first
	for i := len(o.middleware) - 1; i >= 0; i-- {
		if o.middleware[i] != nil {
			h = o.middleware[i](h)
		}
	}

	return h
}
