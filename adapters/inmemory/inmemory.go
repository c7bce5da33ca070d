package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

// DeadLetter records a dead-lettered message with its reason.
type DeadLetter struct {
	Message comms.Message
	Reason  string
}

// Channel is a thread-safe in-memory queue implementing comms.Source and
// comms.Publisher. It records every settlement for tests and examples.
// Abandoned messages are redelivered ahead of the buffer with an incremented
// DeliveryCount. Redelivery never blocks, so a full buffer cannot stall the
// handler that abandons.
type Channel struct {
	channel comms.Channel
	queue   chan comms.Message
	// wake is signalled when redeliveries are appended.
	wake chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.Mutex
	redeliver    []comms.Message
	completed    []comms.Message
	abandoned    []comms.Message
	deadLettered []DeadLetter
	closeCalls   int
}

var (
	_ comms.Source    = (*Channel)(nil)
	_ comms.Publisher = (*Channel)(nil)
)

// New creates an in-memory channel buffering up to capacity undelivered messages.
func New(ch comms.Channel, capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}

	return &Channel{
		channel: ch,
		queue:   make(chan comms.Message, capacity),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// Deliver enqueues msg as-is, filling DeliveryID and Channel when empty.
func (c *Channel) Deliver(ctx context.Context, msg comms.Message) error {
	if msg.DeliveryID == "" {
		msg.DeliveryID = uuid.NewString()
	}

	if msg.Channel.Name == "" {
		msg.Channel = c.channel
	}

	if msg.DeliveryCount == 0 {
		msg.DeliveryCount = 1
	}

	return c.push(ctx, msg)
}

// Publish converts env into a Message and enqueues it.
func (c *Channel) Publish(ctx context.Context, env comms.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if env.Channel.Name != "" && env.Channel != c.channel {
		return fmt.Errorf("inmemory publish %s: %w", env.Channel, cerr.ErrUnsupportedChannel)
	}

	msg := comms.MessageFromHeaders(c.channel, "", env.Body, env.MetadataHeaders())

	return c.Deliver(ctx, msg)
}

func (c *Channel) push(ctx context.Context, msg comms.Message) error {
	select {
	case <-c.closed:
		return fmt.Errorf("inmemory deliver %s: %w", c.channel, cerr.ErrSourceClosed)
	default:
	}

	select {
	case c.queue <- msg:
		return nil
	case <-c.closed:
		return fmt.Errorf("inmemory deliver %s: %w", c.channel, cerr.ErrSourceClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Receive(ctx context.Context) (comms.Message, error) {
	for {
		if msg, ok := c.nextRedelivery(); ok {
			return msg, nil
		}

		select {
		case msg := <-c.queue:
			return msg, nil
		case <-c.wake:
		case <-c.closed:
			return comms.Message{}, fmt.Errorf("inmemory receive %s: %w", c.channel, cerr.ErrSourceClosed)
		case <-ctx.Done():
			return comms.Message{}, ctx.Err()
		}
	}
}

func (c *Channel) nextRedelivery() (comms.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.redeliver) == 0 {
		return comms.Message{}, false
	}

	msg := c.redeliver[0]
	c.redeliver[0] = comms.Message{}
	c.redeliver = c.redeliver[1:]

	return msg, true
}

func (c *Channel) Complete(ctx context.Context, msg comms.Message) error {
	c.mu.Lock()
	c.completed = append(c.completed, msg)
	c.mu.Unlock()

	return nil
}

func (c *Channel) Abandon(_ context.Context, msg comms.Message) error {
	select {
	case <-c.closed:
		return fmt.Errorf("inmemory abandon %s: %w", c.channel, cerr.ErrSourceClosed)
	default:
	}

	again := msg
	again.DeliveryID = uuid.NewString()
	again.DeliveryCount++

	c.mu.Lock()
	c.abandoned = append(c.abandoned, msg)
	c.redeliver = append(c.redeliver, again)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	return nil
}

func (c *Channel) DeadLetter(ctx context.Context, msg comms.Message, reason string) error {
	c.mu.Lock()
	c.deadLettered = append(c.deadLettered, DeadLetter{Message: msg, Reason: reason})
	c.mu.Unlock()

	return nil
}

// Close stops delivery. Messages still buffered are discarded.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closed) })

	return nil
}

// Completed returns a snapshot of completed messages in settlement order.
func (c *Channel) Completed() []comms.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]comms.Message(nil), c.completed...)
}

// Abandoned returns a snapshot of abandoned messages in settlement order.
func (c *Channel) Abandoned() []comms.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]comms.Message(nil), c.abandoned...)
}

// DeadLettered returns a snapshot of dead-lettered messages in settlement order.
func (c *Channel) DeadLettered() []DeadLetter {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]DeadLetter(nil), c.deadLettered...)
}

// CloseCalls reports how many times Close was called.
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeCalls
}

// Len reports the number of undelivered messages, redeliveries included.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queue) + len(c.redeliver)
}
