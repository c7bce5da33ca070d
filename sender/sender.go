package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

// Codec turns a model into a message body.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
}

// JSONCodec encodes models with encoding/json.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Sender sends models of type T to one channel through a comms.Publisher.
// It satisfies both comms.QueueSender[T] and comms.TopicSender[T].
type Sender[T any] struct {
	channel comms.Channel
	pub     comms.Publisher
	codec   Codec
	closer  func() error

	mu     sync.RWMutex
	closed bool
}

// Option configures a Sender.
type Option func(*config)

type config struct {
	codec  Codec
	closer func() error
}

// WithCodec replaces the default JSON codec.
func WithCodec(c Codec) Option { return func(o *config) { o.codec = c } }

// WithCloser registers a release function called once by Close,
// typically the cleanup returned by an adapter constructor.
func WithCloser(fn func() error) Option { return func(o *config) { o.closer = fn } }

// New constructs a Sender for ch.
func New[T any](ch comms.Channel, pub comms.Publisher, opts ...Option) (*Sender[T], error) {
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("sender new: %w", err)
	}

	if pub == nil {
		return nil, fmt.Errorf("sender new %s: nil publisher: %w", ch, cerr.ErrConfiguration)
	}

	c := config{codec: JSONCodec{}}
	for _, f := range opts {
		f(&c)
	}

	if c.codec == nil {
		c.codec = JSONCodec{}
	}

	return &Sender[T]{channel: ch, pub: pub, codec: c.codec, closer: c.closer}, nil
}

// NewQueue constructs a Sender for the named queue.
func NewQueue[T any](name string, pub comms.Publisher, opts ...Option) (*Sender[T], error) {
	return New[T](comms.QueueChannel(name), pub, opts...)
}

// NewTopic constructs a Sender for the named topic.
func NewTopic[T any](name string, pub comms.Publisher, opts ...Option) (*Sender[T], error) {
	return New[T](comms.TopicChannel(name), pub, opts...)
}

var (
	_ comms.QueueSender[struct{}] = (*Sender[struct{}])(nil)
	_ comms.TopicSender[struct{}] = (*Sender[struct{}])(nil)
)

// Channel returns the destination channel.
func (s *Sender[T]) Channel() comms.Channel { return s.channel }

// Send encodes model and publishes it. A message id is generated unless
// one is supplied with comms.WithMessageID.
func (s *Sender[T]) Send(ctx context.Context, model T, opts ...comms.SendOption) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("send %s: %w", s.channel, cerr.ErrSenderClosed)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	var o comms.SendOptions
	for _, f := range opts {
		f(&o)
	}

	body, err := s.codec.Marshal(model)
	if err != nil {
		return fmt.Errorf("send %s serialize: %w", s.channel, errors.Join(cerr.ErrSerializationFailed, err))
	}

	if o.MessageID == "" {
		o.MessageID = uuid.NewString()
	}

	env := comms.Envelope{
		Channel:     s.channel,
		Body:        body,
		MessageID:   o.MessageID,
		SessionID:   o.SessionID,
		Version:     o.Version,
		EventName:   o.EventName,
		ContentType: s.codec.ContentType(),
		Headers:     o.Headers,
	}

	if err := s.pub.Publish(ctx, env); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("send %s publish: %w", s.channel, errors.Join(cerr.ErrSendFailed, err))
	}

	return nil
}

// Close marks the sender closed and runs the registered closer once.
// Sends in progress complete first.
func (s *Sender[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if s.closer != nil {
		return s.closer()
	}

	return nil
}
