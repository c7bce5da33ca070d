package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

// PubMsg is a transport-level AMQP publishing.
type PubMsg struct {
	Exchange    string
	RoutingKey  string
	Body        []byte
	Headers     map[string]string
	MessageID   string
	ContentType string
}

// Publisher is the minimal AMQP publishing port.
type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Adapter implements comms.Publisher on top of a Publisher port.
// Queues are addressed through the default exchange with the queue name as
// routing key; topics are topic exchanges named after the channel.
type Adapter struct {
	Publisher  Publisher
	Propagator comms.HeaderPropagator // optional, for context propagation into headers
}

var _ comms.Publisher = (*Adapter)(nil)

func New(p Publisher) *Adapter { return &Adapter{Publisher: p} }

// NewWithPropagator allows configuring a HeaderPropagator for context propagation.
func NewWithPropagator(p Publisher, hp comms.HeaderPropagator) *Adapter {
	return &Adapter{Publisher: p, Propagator: hp}
}

func (a *Adapter) Publish(ctx context.Context, env comms.Envelope) error {
	if err := a.ready(ctx); err != nil {
		return err
	}

	if err := env.Channel.Validate(); err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	// MetadataHeaders copies, so the caller's map is never mutated
	hdrs := env.MetadataHeaders()

	// Inject tracing context via configured propagator (keeps adapter decoupled)
	if a.Propagator != nil {
		a.Propagator.Inject(ctx, hdrs)
	}

	exchange, key := route(env)

	msg := PubMsg{
		Exchange:    exchange,
		RoutingKey:  key,
		Body:        env.Body,
		Headers:     hdrs,
		MessageID:   env.MessageID,
		ContentType: env.ContentType,
	}

	if err := a.Publisher.Publish(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq publish %s: %w", env.Channel, errors.Join(cerr.ErrSendFailed, err))
	}

	return nil
}

func (a *Adapter) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Publisher == nil {
		return fmt.Errorf("rabbitmq publish: %w", cerr.ErrSendFailed)
	}

	return nil
}

func route(env comms.Envelope) (exchange, routingKey string) {
	if env.Channel.Kind == comms.Topic {
		if env.EventName != "" {
			return env.Channel.Name, env.EventName
		}

		return env.Channel.Name, env.Channel.Name
	}

	return "", env.Channel.Name
}

// Source implements comms.Source over an AMQP consumer delivery stream.
// Complete acks, Abandon nacks with requeue and DeadLetter republishes the
// message to the dead-letter queue with the reason header before acking it.
// Without a dead-letter publisher the delivery is rejected so a broker-side
// dead-letter exchange can take it; the reason is then only logged by the caller.
type Source struct {
	channel    comms.Channel
	deliveries <-chan amqp.Delivery

	dlq      Publisher
	dlqQueue string
	release  func() error

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

var _ comms.Source = (*Source)(nil)

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithDeadLetterQueue republishes dead-lettered messages to queue through p.
func WithDeadLetterQueue(p Publisher, queue string) SourceOption {
	return func(s *Source) {
		s.dlq = p
		s.dlqQueue = queue
	}
}

// WithRelease registers a function run once by Close.
func WithRelease(fn func() error) SourceOption { return func(s *Source) { s.release = fn } }

// NewSource wraps a delivery stream bound to channel ch.
func NewSource(ch comms.Channel, deliveries <-chan amqp.Delivery, opts ...SourceOption) *Source {
	s := &Source{channel: ch, deliveries: deliveries, closed: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}

	return s
}

func (s *Source) Receive(ctx context.Context) (comms.Message, error) {
	select {
	case d, ok := <-s.deliveries:
		if !ok {
			return comms.Message{}, fmt.Errorf("rabbitmq receive %s: delivery stream ended: %w", s.channel, cerr.ErrSourceClosed)
		}

		return toMessage(s.channel, d), nil
	case <-s.closed:
		return comms.Message{}, fmt.Errorf("rabbitmq receive %s: %w", s.channel, cerr.ErrSourceClosed)
	case <-ctx.Done():
		return comms.Message{}, ctx.Err()
	}
}

func (s *Source) Complete(_ context.Context, msg comms.Message) error {
	d, err := native(msg)
	if err != nil {
		return err
	}

	return d.Ack(false)
}

func (s *Source) Abandon(_ context.Context, msg comms.Message) error {
	d, err := native(msg)
	if err != nil {
		return err
	}

	return d.Nack(false, true)
}

func (s *Source) DeadLetter(ctx context.Context, msg comms.Message, reason string) error {
	d, err := native(msg)
	if err != nil {
		return err
	}

	if s.dlq == nil || s.dlqQueue == "" {
		return d.Reject(false)
	}

	hdrs := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		hdrs[k] = v
	}

	hdrs[comms.HeaderDeadLetterReason] = reason

	if err := s.dlq.Publish(ctx, PubMsg{
		RoutingKey:  s.dlqQueue,
		Body:        d.Body,
		Headers:     hdrs,
		MessageID:   d.MessageId,
		ContentType: d.ContentType,
	}); err != nil {
		return fmt.Errorf("rabbitmq deadletter publish %s: %w", s.dlqQueue, err)
	}

	return d.Ack(false)
}

// Close stops Receive and runs the release function once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		if s.release != nil {
			s.closeErr = s.release()
		}
	})

	return s.closeErr
}

func native(msg comms.Message) (amqp.Delivery, error) {
	d, ok := msg.Raw.(amqp.Delivery)
	if !ok || d.Acknowledger == nil {
		return amqp.Delivery{}, fmt.Errorf("rabbitmq settle %q: foreign message: %w", msg.DeliveryID, cerr.ErrConfiguration)
	}

	return d, nil
}

func toMessage(ch comms.Channel, d amqp.Delivery) comms.Message {
	headers := make(map[string]string, len(d.Headers)+2)
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}

	if d.MessageId != "" {
		headers[comms.HeaderMessageID] = d.MessageId
	}

	if d.ContentType != "" {
		headers[comms.HeaderContentType] = d.ContentType
	}

	msg := comms.MessageFromHeaders(ch, d.ConsumerTag+":"+strconv.FormatUint(d.DeliveryTag, 10), d.Body, headers)
	msg.DeliveryCount = deliveryCount(d)
	msg.Raw = d

	return msg
}

// deliveryCount prefers the quorum-queue counter and falls back to the redelivered flag.
func deliveryCount(d amqp.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}

	if d.Redelivered {
		return 2
	}

	return 1
}

type amqpChannelPublisher struct{ ch *amqp.Channel }

func (p amqpChannelPublisher) Publish(ctx context.Context, m PubMsg) error {
	return p.ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		publishing(m),
	)
}

func publishing(m PubMsg) amqp.Publishing {
	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	ct := m.ContentType
	if ct == "" {
		ct = "application/json"
	}

	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Headers:      h,
		MessageId:    m.MessageID,
		ContentType:  ct,
		Body:         m.Body,
	}
}

func NewWithAMQPChannel(ch *amqp.Channel) *Adapter {
	return &Adapter{Publisher: amqpChannelPublisher{ch: ch}}
}
