package comms

import "context"

// HeaderPropagator injects tracing context into outgoing headers. A nil
// propagator means headers are sent as built.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
}
