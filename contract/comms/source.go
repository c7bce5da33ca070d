package comms

import "context"

// Source is the transport side of a Receiver: it yields messages and
// settles them. Settlement calls may fail with a transport error.
// Implementations must allow settlement concurrently with Receive.
type Source interface {
	// Receive blocks until a message is available, ctx is done, or the
	// source is closed (errors.ErrSourceClosed).
	Receive(ctx context.Context) (Message, error)
	Complete(ctx context.Context, msg Message) error
	Abandon(ctx context.Context, msg Message) error
	DeadLetter(ctx context.Context, msg Message, reason string) error
	Close() error
}

// Publisher abstracts handing an Envelope to a broker.
// Implementations map Queue and Topic channels to their transport primitives.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}
