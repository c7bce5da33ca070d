package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

const deadLetterSuffix = ".deadletter"

// Writer is a minimal Kafka producer port.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Consumer is a minimal Kafka group consumer port.
type Consumer interface {
	// Poll blocks until records are available, ctx is done or the client closes.
	Poll(ctx context.Context) ([]*kgo.Record, error)
	// Mark flags a record as processed so its offset is committed.
	Mark(r *kgo.Record)
	Close()
}

// Publisher implements comms.Publisher using an injected Writer. Both channel
// kinds map to a Kafka topic of the same name; the session id is the record key
// so one session always lands on one partition.
type Publisher struct {
	Writer Writer
}

var _ comms.Publisher = (*Publisher)(nil)

// New creates a new Kafka publisher with the provided writer.
func New(w Writer) *Publisher { return &Publisher{Writer: w} }

func (p *Publisher) Publish(ctx context.Context, env comms.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.Writer == nil {
		return fmt.Errorf("kafka publish: %w", cerr.ErrSendFailed)
	}

	if err := env.Channel.Validate(); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}

	var key []byte
	if env.SessionID != "" {
		key = []byte(env.SessionID)
	}

	if err := p.Writer.Write(ctx, env.Channel.Name, key, env.Body, env.MetadataHeaders()); err != nil {
		return wrapProduceErr(env.Channel.Name, err)
	}

	return nil
}

// Source implements comms.Source over a consumer group.
//
// Offsets only move forward, so every settlement marks the record: Complete
// marks it, Abandon re-produces a copy with an incremented delivery count
// before marking and DeadLetter produces a copy with the reason to the
// dead-letter topic before marking. Ordering keys are the partition, which
// keeps settlement in offset order per partition.
type Source struct {
	channel  comms.Channel
	consumer Consumer
	writer   Writer
	dlqTopic string

	mu      sync.Mutex
	pending []*kgo.Record

	closeOnce sync.Once
}

var _ comms.Source = (*Source)(nil)

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithDeadLetterTopic overrides the "<topic>.deadletter" default.
func WithDeadLetterTopic(topic string) SourceOption { return func(s *Source) { s.dlqTopic = topic } }

// NewSource wraps a Consumer bound to ch. w re-produces abandoned and
// dead-lettered records.
func NewSource(ch comms.Channel, c Consumer, w Writer, opts ...SourceOption) *Source {
	s := &Source{channel: ch, consumer: c, writer: w, dlqTopic: ch.Name + deadLetterSuffix}
	for _, o := range opts {
		o(s)
	}

	return s
}

func (s *Source) Receive(ctx context.Context) (comms.Message, error) {
	if s.consumer == nil {
		return comms.Message{}, fmt.Errorf("kafka receive %s: %w", s.channel, cerr.ErrSourceClosed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) == 0 {
		recs, err := s.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return comms.Message{}, ctx.Err()
			}

			if errors.Is(err, kgo.ErrClientClosed) {
				return comms.Message{}, fmt.Errorf("kafka receive %s: %w", s.channel, errors.Join(cerr.ErrSourceClosed, err))
			}

			return comms.Message{}, fmt.Errorf("kafka receive %s: %w", s.channel, err)
		}

		s.pending = recs
	}

	r := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]

	return toMessage(s.channel, r), nil
}

func (s *Source) Complete(_ context.Context, msg comms.Message) error {
	r, err := native(msg)
	if err != nil {
		return err
	}

	s.consumer.Mark(r)

	return nil
}

func (s *Source) Abandon(ctx context.Context, msg comms.Message) error {
	r, err := native(msg)
	if err != nil {
		return err
	}

	hdrs := copyHeaders(msg.Headers, 1)
	hdrs[comms.HeaderDeliveryCount] = strconv.Itoa(msg.DeliveryCount + 1)

	if err := s.write(ctx, r.Topic, r.Key, r.Value, hdrs); err != nil {
		return err
	}

	s.consumer.Mark(r)

	return nil
}

func (s *Source) DeadLetter(ctx context.Context, msg comms.Message, reason string) error {
	r, err := native(msg)
	if err != nil {
		return err
	}

	hdrs := copyHeaders(msg.Headers, 1)
	hdrs[comms.HeaderDeadLetterReason] = reason

	if err := s.write(ctx, s.dlqTopic, r.Key, r.Value, hdrs); err != nil {
		return err
	}

	s.consumer.Mark(r)

	return nil
}

func (s *Source) write(ctx context.Context, topic string, key, value []byte, hdrs map[string]string) error {
	if s.writer == nil {
		return fmt.Errorf("kafka settle %s: no writer: %w", topic, cerr.ErrConfiguration)
	}

	if err := s.writer.Write(ctx, topic, key, value, hdrs); err != nil {
		return wrapProduceErr(topic, err)
	}

	return nil
}

// Close closes the consumer once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.consumer != nil {
			s.consumer.Close()
		}
	})

	return nil
}

func native(msg comms.Message) (*kgo.Record, error) {
	r, ok := msg.Raw.(*kgo.Record)
	if !ok || r == nil {
		return nil, fmt.Errorf("kafka settle %q: foreign message: %w", msg.DeliveryID, cerr.ErrConfiguration)
	}

	return r, nil
}

func toMessage(ch comms.Channel, r *kgo.Record) comms.Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}

	partition := r.Topic + "/" + strconv.Itoa(int(r.Partition))

	msg := comms.MessageFromHeaders(ch, partition+"/"+strconv.FormatInt(r.Offset, 10), r.Value, headers)
	msg.OrderingKey = partition
	msg.Raw = r

	msg.DeliveryCount = 1
	if n, err := strconv.Atoi(headers[comms.HeaderDeliveryCount]); err == nil && n > 0 {
		msg.DeliveryCount = n
	}

	return msg
}

func copyHeaders(src map[string]string, extra int) map[string]string {
	h := make(map[string]string, len(src)+extra)
	for k, v := range src {
		h[k] = v
	}

	return h
}

func wrapProduceErr(topic string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("kafka produce to %q: %w", topic, errors.Join(cerr.ErrSendFailed, err))
}
