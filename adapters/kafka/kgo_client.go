package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

// Concrete franz-go based constructors and port wrappers.

const commitTimeout = 5 * time.Second

type SASLConfig struct {
	Mechanism string // only PLAIN is supported
	Username  string
	Password  string
}

type Config struct {
	Brokers     []string
	TLS         *tls.Config
	SASL        *SASLConfig
	Acks        kgo.Acks
	Idempotent  bool
	ClientID    string
	Compression kgo.CompressionCodec

	// Group is the consumer group. Defaults to "<channel>-receiver" for queues
	// and is required for topics so every subscriber gets its own copy.
	Group           string
	DeadLetterTopic string
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

type kgoConsumer struct{ cl *kgo.Client }

func (c kgoConsumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	fs := c.cl.PollFetches(ctx)
	if fs.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if recs := fs.Records(); len(recs) > 0 {
		return recs, nil
	}

	var errs []error

	fs.EachError(func(topic string, partition int32, err error) {
		errs = append(errs, fmt.Errorf("%s/%d: %w", topic, partition, err))
	})

	return nil, errors.Join(errs...)
}

func (c kgoConsumer) Mark(r *kgo.Record) { c.cl.MarkCommitRecords(r) }

func (c kgoConsumer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	_ = c.cl.CommitMarkedOffsets(ctx) //nolint:errcheck // best-effort on shutdown
	c.cl.Close()
}

func baseOpts(cfg Config) ([]kgo.Opt, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers required", cerr.ErrConnectFailed)
	}

	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	if !cfg.Idempotent {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	if cfg.Compression != (kgo.CompressionCodec{}) {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression))
	}

	if cfg.Acks != (kgo.Acks{}) {
		opts = append(opts, kgo.RequiredAcks(cfg.Acks))
	}

	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		if !strings.EqualFold(cfg.SASL.Mechanism, "PLAIN") {
			return nil, fmt.Errorf("kafka sasl %q: %w", cfg.SASL.Mechanism, cerr.ErrConfiguration)
		}

		opts = append(opts, kgo.SASL(plain.Auth{User: cfg.SASL.Username, Pass: cfg.SASL.Password}.AsMechanism()))
	}

	return opts, nil
}

// NewPublisherWithKgo builds a franz-go client based Publisher. The returned
// cleanup should be called to close the client.
func NewPublisherWithKgo(cfg Config) (*Publisher, func(), error) {
	opts, err := baseOpts(cfg)
	if err != nil {
		return nil, nil, err
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", cerr.ErrConnectFailed, err)
	}

	return New(kgoWriter{cl: cl}), cl.Close, nil
}

// NewSourceWithKgo joins the consumer group for ch and returns a Source that
// commits only settled records. Its Close commits marked offsets and closes
// the client.
func NewSourceWithKgo(_ context.Context, ch comms.Channel, cfg Config) (*Source, error) {
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("kafka source: %w", err)
	}

	group := cfg.Group
	if group == "" {
		if ch.Kind == comms.Topic {
			return nil, fmt.Errorf("kafka source %s: group required: %w", ch, cerr.ErrConfiguration)
		}

		group = ch.Name + "-receiver"
	}

	opts, err := baseOpts(cfg)
	if err != nil {
		return nil, err
	}

	opts = append(opts,
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(ch.Name),
		kgo.AutoCommitMarks(),
	)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka client init: %w", cerr.ErrConnectFailed, err)
	}

	var sopts []SourceOption
	if cfg.DeadLetterTopic != "" {
		sopts = append(sopts, WithDeadLetterTopic(cfg.DeadLetterTopic))
	}

	return NewSource(ch, kgoConsumer{cl: cl}, kgoWriter{cl: cl}, sopts...), nil
}
