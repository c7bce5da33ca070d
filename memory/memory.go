package memory

import (
	"github.com/next-trace/scg-communication/adapters/inmemory"
	"github.com/next-trace/scg-communication/contract/comms"
	"github.com/next-trace/scg-communication/dispatch"
)

const defaultCapacity = 256

// Loop is a receiver and a publisher joined by one in-memory channel.
type Loop struct {
	Receiver *dispatch.Receiver
	// Queue publishes into the receiver and records settlements.
	Queue *inmemory.Channel
}

// New constructs a receiver for ch backed by the in-memory adapter and returns
// it along with a cleanup function that closes the receiver.
func New(ch comms.Channel, opts ...dispatch.Option) (*Loop, func(), error) {
	q := inmemory.New(ch, defaultCapacity)

	r, err := dispatch.New(ch, q, opts...)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() { _ = r.Close() }

	return &Loop{Receiver: r, Queue: q}, cleanup, nil
}
