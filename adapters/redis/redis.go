package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

const (
	keyPrefix           = "comms:"
	defaultBlockTimeout = time.Second
)

// Client is the subset of list commands the adapter needs. *redis.Client satisfies it.
type Client interface {
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value any) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
}

// QueueKey is the pending list of queue name.
func QueueKey(name string) string { return keyPrefix + name }

// ProcessingKey holds deliveries received but not yet settled.
func ProcessingKey(name string) string { return keyPrefix + name + ":processing" }

// DeadLetterKey holds dead-lettered payloads with their reason.
func DeadLetterKey(name string) string { return keyPrefix + name + ":deadletter" }

// wireMessage is the JSON stored in the lists.
type wireMessage struct {
	ID            string            `json:"id"`
	MessageID     string            `json:"message_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body"`
	DeliveryCount int               `json:"delivery_count"`
	Reason        string            `json:"dead_letter_reason,omitempty"`
}

func encode(w wireMessage) (string, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("redis encode: %w", errors.Join(cerr.ErrSerializationFailed, err))
	}

	return string(b), nil
}

// pending is the transport handle of a received message.
type pending struct {
	raw  string
	wire wireMessage
}

// Source implements comms.Source over three lists per queue.
// Publishers push on the left and Receive moves the oldest payload into the
// processing list. Complete removes it, Abandon puts it back at the head of
// the queue with an incremented delivery count and DeadLetter moves it to the
// dead-letter list with the reason. Topics are not supported.
type Source struct {
	channel      comms.Channel
	client       Client
	blockTimeout time.Duration
	release      func() error

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

var _ comms.Source = (*Source)(nil)

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithBlockTimeout bounds each blocking pop; Receive loops until ctx is done.
func WithBlockTimeout(d time.Duration) SourceOption {
	return func(s *Source) {
		if d > 0 {
			s.blockTimeout = d
		}
	}
}

// WithRelease registers a function run once by Close.
func WithRelease(fn func() error) SourceOption { return func(s *Source) { s.release = fn } }

// NewSource binds c to queue ch.
func NewSource(ch comms.Channel, c Client, opts ...SourceOption) (*Source, error) {
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("redis source: %w", err)
	}

	if ch.Kind != comms.Queue {
		return nil, fmt.Errorf("redis source %s: %w", ch, cerr.ErrUnsupportedChannel)
	}

	if c == nil {
		return nil, fmt.Errorf("redis source %s: nil client: %w", ch, cerr.ErrConfiguration)
	}

	s := &Source{channel: ch, client: c, blockTimeout: defaultBlockTimeout, closed: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}

	return s, nil
}

func (s *Source) Receive(ctx context.Context) (comms.Message, error) {
	for {
		select {
		case <-s.closed:
			return comms.Message{}, fmt.Errorf("redis receive %s: %w", s.channel, cerr.ErrSourceClosed)
		case <-ctx.Done():
			return comms.Message{}, ctx.Err()
		default:
		}

		raw, err := s.client.BLMove(ctx, QueueKey(s.channel.Name), ProcessingKey(s.channel.Name), "RIGHT", "LEFT", s.blockTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}

			if ctx.Err() != nil {
				return comms.Message{}, ctx.Err()
			}

			if errors.Is(err, redis.ErrClosed) {
				return comms.Message{}, fmt.Errorf("redis receive %s: %w", s.channel, errors.Join(cerr.ErrSourceClosed, err))
			}

			return comms.Message{}, fmt.Errorf("redis receive %s: %w", s.channel, err)
		}

		var w wireMessage
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			// undecodable payloads can never be handled; park them
			if err := s.move(ctx, raw, DeadLetterKey(s.channel.Name), raw, false); err != nil {
				return comms.Message{}, err
			}

			continue
		}

		return s.toMessage(raw, w), nil
	}
}

func (s *Source) toMessage(raw string, w wireMessage) comms.Message {
	headers := make(map[string]string, len(w.Headers)+1)
	for k, v := range w.Headers {
		headers[k] = v
	}

	if w.MessageID != "" {
		headers[comms.HeaderMessageID] = w.MessageID
	}

	msg := comms.MessageFromHeaders(s.channel, fmt.Sprintf("%s:%d", w.ID, w.DeliveryCount), w.Body, headers)
	msg.DeliveryCount = max(w.DeliveryCount, 1)
	msg.Raw = pending{raw: raw, wire: w}

	return msg
}

func (s *Source) Complete(ctx context.Context, msg comms.Message) error {
	p, err := native(msg)
	if err != nil {
		return err
	}

	n, err := s.client.LRem(ctx, ProcessingKey(s.channel.Name), 1, p.raw).Result()
	if err != nil {
		return fmt.Errorf("redis complete %s: %w", msg.DeliveryID, err)
	}

	if n == 0 {
		return fmt.Errorf("redis complete %s: not in processing list", msg.DeliveryID)
	}

	return nil
}

func (s *Source) Abandon(ctx context.Context, msg comms.Message) error {
	p, err := native(msg)
	if err != nil {
		return err
	}

	w := p.wire
	w.DeliveryCount = max(w.DeliveryCount, 1) + 1

	out, err := encode(w)
	if err != nil {
		return err
	}

	return s.move(ctx, p.raw, QueueKey(s.channel.Name), out, true)
}

func (s *Source) DeadLetter(ctx context.Context, msg comms.Message, reason string) error {
	p, err := native(msg)
	if err != nil {
		return err
	}

	w := p.wire
	w.Reason = reason

	out, err := encode(w)
	if err != nil {
		return err
	}

	return s.move(ctx, p.raw, DeadLetterKey(s.channel.Name), out, false)
}

// move pushes out to dest and then removes raw from processing. A crash in
// between duplicates the message rather than losing it. head pushes on the
// right, which is the next end Receive pops from.
func (s *Source) move(ctx context.Context, raw, dest, out string, head bool) error {
	push := s.client.LPush
	if head {
		push = s.client.RPush
	}

	if err := push(ctx, dest, out).Err(); err != nil {
		return fmt.Errorf("redis push %s: %w", dest, err)
	}

	if err := s.client.LRem(ctx, ProcessingKey(s.channel.Name), 1, raw).Err(); err != nil {
		return fmt.Errorf("redis remove %s: %w", ProcessingKey(s.channel.Name), err)
	}

	return nil
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

func native(msg comms.Message) (pending, error) {
	p, ok := msg.Raw.(pending)
	if !ok {
		return pending{}, fmt.Errorf("redis settle %q: foreign message: %w", msg.DeliveryID, cerr.ErrConfiguration)
	}

	return p, nil
}

// Publisher implements comms.Publisher by pushing onto a queue's pending list.
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
		return fmt.Errorf("redis publish: %w", cerr.ErrSendFailed)
	}

	if err := env.Channel.Validate(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	if env.Channel.Kind != comms.Queue {
		return fmt.Errorf("redis publish %s: %w", env.Channel, cerr.ErrUnsupportedChannel)
	}

	out, err := encode(wireMessage{
		ID:            uuid.NewString(),
		MessageID:     env.MessageID,
		Headers:       env.MetadataHeaders(),
		Body:          env.Body,
		DeliveryCount: 1,
	})
	if err != nil {
		return err
	}

	if err := p.Client.LPush(ctx, QueueKey(env.Channel.Name), out).Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("redis publish %s: %w", env.Channel, errors.Join(cerr.ErrSendFailed, err))
	}

	return nil
}
