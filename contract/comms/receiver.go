package comms

import "context"

// Handler processes one delivery and declares its Outcome.
// Returning a non-nil error (or panicking) reports a fault instead; the
// message is then left to the transport's own redelivery policy.
type Handler func(ctx context.Context, msg Message) (Outcome, error)

// FaultHandler is notified of handler and settlement faults.
// It must be safe for concurrent use.
type FaultHandler func(ctx context.Context, err error)

// Receiver delivers messages from one channel to a registered handler pair.
type Receiver interface {
	// RegisterHandler installs the handler pair, replacing any previous one.
	RegisterHandler(onMessage Handler, onFault FaultHandler) error
	// Close stops delivery, waits for in-flight handlers and releases the channel.
	// Calling Close more than once is a no-op.
	Close() error
	ChannelKind() ChannelKind
	ChannelName() string
}
