// Package transport builds sources, publishers and receivers from config.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/next-trace/scg-communication/adapters/inmemory"
	"github.com/next-trace/scg-communication/adapters/kafka"
	natsad "github.com/next-trace/scg-communication/adapters/nats"
	"github.com/next-trace/scg-communication/adapters/rabbitmq"
	redisad "github.com/next-trace/scg-communication/adapters/redis"
	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
	"github.com/next-trace/scg-communication/dispatch"
	"github.com/next-trace/scg-communication/internal/config"
)

const inMemoryCapacity = 1024

// Factory opens transports described by a Config. In-memory channels are
// shared per name so a publisher and a source from the same Factory connect.
type Factory struct {
	cfg    config.Config
	logger *slog.Logger

	mu     sync.Mutex
	memory map[string]*inmemory.Channel
}

func New(cfg config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}

	return &Factory{cfg: cfg, logger: logger, memory: make(map[string]*inmemory.Channel)}
}

func (f *Factory) inMemory(ch comms.Channel) *inmemory.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.memory[ch.String()]
	if !ok {
		c = inmemory.New(ch, inMemoryCapacity)
		f.memory[ch.String()] = c
	}

	return c
}

// Source opens a source bound to ch on the configured transport.
func (f *Factory) Source(ctx context.Context, ch comms.Channel) (comms.Source, error) { //nolint:ireturn
	var (
		src comms.Source
		err error
	)

	switch f.cfg.Transport {
	case config.TransportInMemory:
		return f.inMemory(ch), nil
	case config.TransportNATS:
		src, err = orNil(natsad.NewSourceWithNATS(ctx, ch, natsad.Config{
			URL:               f.cfg.NATS.URL,
			Name:              "comms-" + ch.Name,
			Stream:            f.cfg.NATS.Stream,
			Durable:           f.cfg.NATS.Durable,
			AckWait:           f.cfg.NATS.AckWait,
			MaxDeliver:        f.cfg.NATS.MaxDeliver,
			PullBatch:         f.cfg.Dispatch.MaxConcurrent,
			DeadLetterSubject: f.cfg.NATS.DeadLetterSubject,
		}))
	case config.TransportRabbitMQ:
		src, err = orNil(rabbitmq.NewSourceWithAMQP(ctx, ch, rabbitmq.Config{
			URL:             f.cfg.RabbitMQ.URL,
			Prefetch:        f.cfg.RabbitMQ.Prefetch,
			Subscription:    f.cfg.RabbitMQ.Subscription,
			DeadLetterQueue: f.cfg.RabbitMQ.DeadLetterQueue,
		}))
	case config.TransportKafka:
		src, err = orNil(kafka.NewSourceWithKgo(ctx, ch, f.kafkaConfig()))
	case config.TransportRedis:
		src, err = orNil(redisad.NewSourceWithRedis(ctx, ch, redisad.Config{
			URL:          f.cfg.Redis.URL,
			BlockTimeout: f.cfg.Redis.BlockTimeout,
		}))
	default:
		err = fmt.Errorf("transport %q: %w", f.cfg.Transport, cerr.ErrConfiguration)
	}

	return src, err
}

// Publisher opens a publisher on the configured transport with its cleanup.
func (f *Factory) Publisher(ctx context.Context, ch comms.Channel) (comms.Publisher, func(), error) { //nolint:ireturn
	switch f.cfg.Transport {
	case config.TransportInMemory:
		return f.inMemory(ch), func() {}, nil
	case config.TransportNATS:
		return withCleanup(natsad.NewPublisherWithNATS(natsad.Config{URL: f.cfg.NATS.URL, Name: "comms-publisher"}))
	case config.TransportRabbitMQ:
		return withCleanup(rabbitmq.NewWithAMQPConn(rabbitmq.Config{URL: f.cfg.RabbitMQ.URL}))
	case config.TransportKafka:
		return withCleanup(kafka.NewPublisherWithKgo(f.kafkaConfig()))
	case config.TransportRedis:
		return withCleanup(redisad.NewPublisherWithRedis(ctx, redisad.Config{URL: f.cfg.Redis.URL}))
	default:
		return nil, nil, fmt.Errorf("transport %q: %w", f.cfg.Transport, cerr.ErrConfiguration)
	}
}

// orNil keeps a failed constructor's typed nil out of the interface.
func orNil[S comms.Source](s S, err error) (comms.Source, error) { //nolint:ireturn
	if err != nil {
		return nil, err
	}

	return s, nil
}

func withCleanup[P comms.Publisher](p P, cleanup func(), err error) (comms.Publisher, func(), error) { //nolint:ireturn
	if err != nil {
		return nil, nil, err
	}

	return p, cleanup, nil
}

// Receiver opens a source for ch and wraps it in a dispatch.Receiver
// configured from the dispatch settings.
func (f *Factory) Receiver(ctx context.Context, ch comms.Channel) (*dispatch.Receiver, error) {
	src, err := f.Source(ctx, ch)
	if err != nil {
		return nil, err
	}

	r, err := dispatch.New(ch, src, f.ReceiverOptions()...)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	return r, nil
}

// ReceiverOptions maps the dispatch settings to receiver options.
func (f *Factory) ReceiverOptions() []dispatch.Option {
	d := f.cfg.Dispatch

	opts := []dispatch.Option{
		dispatch.WithLogger(f.logger.With("transport", f.cfg.Transport)),
		dispatch.WithMaxConcurrent(d.MaxConcurrent),
		dispatch.WithHandlerTimeout(d.HandlerTimeout),
		dispatch.WithShutdownTimeout(d.ShutdownTimeout),
	}

	if d.RateLimit > 0 {
		opts = append(opts, dispatch.WithRateLimit(rate.Limit(d.RateLimit), d.RateBurst))
	}

	return opts
}

func (f *Factory) kafkaConfig() kafka.Config {
	return kafka.Config{
		Brokers:         f.cfg.Kafka.Brokers,
		ClientID:        f.cfg.Kafka.ClientID,
		Group:           f.cfg.Kafka.Group,
		DeadLetterTopic: f.cfg.Kafka.DeadLetterTopic,
	}
}
