package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

// Fetcher yields JetStream messages one at a time.
// jetstream.MessagesContext satisfies it.
type Fetcher interface {
	Next(opts ...jetstream.NextOpt) (jetstream.Msg, error)
	Stop()
}

// Client publishes to JetStream. jetstream.JetStream satisfies it.
type Client interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Source implements comms.Source over a JetStream pull consumer.
// Complete acks, Abandon naks for immediate redelivery and DeadLetter
// terminates the message, optionally copying it to a dead-letter subject first.
type Source struct {
	channel comms.Channel
	fetch   Fetcher

	dlq        Client
	dlqSubject string
	release    func()

	closeOnce sync.Once
}

var _ comms.Source = (*Source)(nil)

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithDeadLetterSubject copies dead-lettered messages to subject through c
// before terminating them.
func WithDeadLetterSubject(c Client, subject string) SourceOption {
	return func(s *Source) {
		s.dlq = c
		s.dlqSubject = subject
	}
}

// WithRelease registers a function run once by Close after the fetcher stops.
func WithRelease(fn func()) SourceOption { return func(s *Source) { s.release = fn } }

// NewSource wraps a Fetcher bound to channel ch.
func NewSource(ch comms.Channel, f Fetcher, opts ...SourceOption) *Source {
	s := &Source{channel: ch, fetch: f}
	for _, o := range opts {
		o(s)
	}

	return s
}

func (s *Source) Receive(ctx context.Context) (comms.Message, error) {
	if s.fetch == nil {
		return comms.Message{}, fmt.Errorf("nats receive %s: %w", s.channel, cerr.ErrSourceClosed)
	}

	m, err := s.fetch.Next(jetstream.NextContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return comms.Message{}, ctx.Err()
		}

		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return comms.Message{}, fmt.Errorf("nats receive %s: %w", s.channel, errors.Join(cerr.ErrSourceClosed, err))
		}

		return comms.Message{}, fmt.Errorf("nats receive %s: %w", s.channel, err)
	}

	return toMessage(s.channel, m), nil
}

func (s *Source) Complete(_ context.Context, msg comms.Message) error {
	m, err := native(msg)
	if err != nil {
		return err
	}

	return m.Ack()
}

func (s *Source) Abandon(_ context.Context, msg comms.Message) error {
	m, err := native(msg)
	if err != nil {
		return err
	}

	return m.Nak()
}

func (s *Source) DeadLetter(ctx context.Context, msg comms.Message, reason string) error {
	m, err := native(msg)
	if err != nil {
		return err
	}

	if s.dlq != nil && s.dlqSubject != "" {
		out := &nats.Msg{Subject: s.dlqSubject, Data: m.Data(), Header: nats.Header{}}
		for k, vs := range m.Headers() {
			for _, v := range vs {
				out.Header.Add(k, v)
			}
		}

		// a dead-letter copy must not be deduplicated against the original
		out.Header.Del(jetstream.MsgIDHeader)
		out.Header.Set(comms.HeaderDeadLetterReason, reason)

		if _, err := s.dlq.PublishMsg(ctx, out); err != nil {
			return fmt.Errorf("nats deadletter publish %s: %w", s.dlqSubject, err)
		}
	}

	return m.TermWithReason(reason)
}

// Close stops the fetcher and runs the release function once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.fetch != nil {
			s.fetch.Stop()
		}

		if s.release != nil {
			s.release()
		}
	})

	return nil
}

func native(msg comms.Message) (jetstream.Msg, error) {
	m, ok := msg.Raw.(jetstream.Msg)
	if !ok || m == nil {
		return nil, fmt.Errorf("nats settle %q: foreign message: %w", msg.DeliveryID, cerr.ErrConfiguration)
	}

	return m, nil
}

func toMessage(ch comms.Channel, m jetstream.Msg) comms.Message {
	hdr := m.Headers()

	headers := make(map[string]string, len(hdr))
	for k := range hdr {
		headers[k] = hdr.Get(k)
	}

	deliveryID := m.Subject()
	count := 1

	if meta, err := m.Metadata(); err == nil && meta != nil {
		deliveryID = fmt.Sprintf("%s:%d:%d", meta.Stream, meta.Sequence.Stream, meta.NumDelivered)
		count = int(meta.NumDelivered)
	}

	msg := comms.MessageFromHeaders(ch, deliveryID, m.Data(), headers)
	msg.DeliveryCount = count
	msg.Raw = m

	if msg.MessageID == "" {
		msg.MessageID = headers[jetstream.MsgIDHeader]
	}

	return msg
}

// Publisher implements comms.Publisher on JetStream. The channel name is the subject.
type Publisher struct {
	Client Client
}

var _ comms.Publisher = (*Publisher)(nil)

// NewPublisher creates a Publisher with the provided client.
func NewPublisher(c Client) *Publisher { return &Publisher{Client: c} }

func (p *Publisher) Publish(ctx context.Context, env comms.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.Client == nil {
		return fmt.Errorf("nats publish: %w", cerr.ErrSendFailed)
	}

	if err := env.Channel.Validate(); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	msg := &nats.Msg{Subject: env.Channel.Name, Data: env.Body, Header: nats.Header{}}
	for k, v := range env.MetadataHeaders() {
		msg.Header.Set(k, v)
	}

	if env.MessageID != "" {
		msg.Header.Set(jetstream.MsgIDHeader, env.MessageID)
	}

	if _, err := p.Client.PublishMsg(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish %s: %w", env.Channel, errors.Join(cerr.ErrSendFailed, err))
	}

	return nil
}
