package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

// Concrete NATS connection-backed constructors.

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int

	// Stream defaults to the channel name upper-cased with separators replaced.
	Stream string
	// Durable is the consumer name. Topic subscribers must set distinct names.
	Durable           string
	AckWait           time.Duration
	MaxDeliver        int
	PullBatch         int
	DeadLetterSubject string
}

func connect(cfg Config) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats url required", cerr.ErrConnectFailed)
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %w", cerr.ErrConnectFailed, err)
	}

	return nc, nil
}

func drain(nc *nats.Conn) {
	if nc != nil && !nc.IsClosed() {
		_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
		nc.Close()
	}
}

// NewSourceWithNATS connects, ensures the stream and a durable pull consumer
// for ch, and returns a Source whose Close also closes the connection.
// Queues use work-queue retention; topics keep messages for every consumer.
func NewSourceWithNATS(ctx context.Context, ch comms.Channel, cfg Config) (*Source, error) {
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("nats source: %w", err)
	}

	nc, err := connect(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		drain(nc)
		return nil, fmt.Errorf("%w: jetstream: %w", cerr.ErrConnectFailed, err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = strings.ToUpper(sanitize(ch.Name))
	}

	retention := jetstream.WorkQueuePolicy
	if ch.Kind == comms.Topic {
		retention = jetstream.LimitsPolicy
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{ch.Name},
		Storage:   jetstream.FileStorage,
		Retention: retention,
	}); err != nil {
		drain(nc)
		return nil, fmt.Errorf("%w: ensure stream %s: %w", cerr.ErrConnectFailed, stream, err)
	}

	durable := cfg.Durable
	if durable == "" {
		durable = sanitize(ch.Name) + "-receiver"
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		FilterSubject: ch.Name,
	})
	if err != nil {
		drain(nc)
		return nil, fmt.Errorf("%w: ensure consumer %s: %w", cerr.ErrConnectFailed, durable, err)
	}

	batch := cfg.PullBatch
	if batch < 1 {
		batch = 1
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(batch))
	if err != nil {
		drain(nc)
		return nil, fmt.Errorf("%w: message iterator: %w", cerr.ErrConnectFailed, err)
	}

	opts := []SourceOption{WithRelease(func() { drain(nc) })}
	if cfg.DeadLetterSubject != "" {
		opts = append(opts, WithDeadLetterSubject(js, cfg.DeadLetterSubject))
	}

	return NewSource(ch, iter, opts...), nil
}

// NewPublisherWithNATS creates a real NATS connection and returns a JetStream
// Publisher and a cleanup.
func NewPublisherWithNATS(cfg Config) (*Publisher, func(), error) {
	nc, err := connect(cfg)
	if err != nil {
		return nil, nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		drain(nc)
		return nil, nil, fmt.Errorf("%w: jetstream: %w", cerr.ErrConnectFailed, err)
	}

	return NewPublisher(js), func() { drain(nc) }, nil
}

// sanitize makes a subject usable as a stream or consumer name.
func sanitize(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(subject)
}
