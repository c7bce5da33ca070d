package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

// Concrete AMQP connection-backed constructors and publisher wrapper with auto-reconnect.

const (
	topicExchangeType = "topic"
	deadLetterSuffix  = ".deadletter"
	defaultPrefetch   = 16
)

type Config struct {
	URL         string
	ConnTimeout time.Duration

	// Prefetch bounds unacknowledged deliveries per consumer.
	Prefetch int
	// Subscription names the queue bound to a topic exchange. Required for topics.
	Subscription string
	ConsumerTag  string
	// DeadLetterQueue defaults to "<queue>.deadletter".
	DeadLetterQueue string
}

func dial(cfg Config) (*amqp.Connection, error) {
	return amqp.DialConfig(cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-communication"},
		Dial:       amqp.DefaultDial(cfg.ConnTimeout),
	})
}

// declarer declares each queue or exchange at most once per channel.
type declarer struct {
	ch   *amqp.Channel
	seen map[string]bool
}

func newDeclarer(ch *amqp.Channel) *declarer {
	return &declarer{ch: ch, seen: make(map[string]bool)}
}

func (d *declarer) queue(name string) error {
	if d.seen["q:"+name] {
		return nil
	}

	if _, err := d.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return err
	}

	d.seen["q:"+name] = true

	return nil
}

func (d *declarer) exchange(name string) error {
	if d.seen["x:"+name] {
		return nil
	}

	if err := d.ch.ExchangeDeclare(name, topicExchangeType, true, false, false, false, nil); err != nil {
		return err
	}

	d.seen["x:"+name] = true

	return nil
}

type reconnectingPublisher struct {
	cfg    Config
	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	decl   *declarer
	closed chan struct{}
	ready  chan struct{} // closed when a channel is ready
}

func newReconnectingPublisher(cfg Config) (*reconnectingPublisher, func()) {
	rp := &reconnectingPublisher{
		cfg:    cfg,
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go rp.run()

	cleanup := func() { rp.close() }

	return rp, cleanup
}

func (rp *reconnectingPublisher) Publish(ctx context.Context, m PubMsg) error {
	// Fast path: ensure channel available
	rp.mu.RLock()
	ch := rp.ch
	ready := rp.ready
	rp.mu.RUnlock()

	if ch == nil {
		// Wait for readiness or context cancellation
		select {
		case <-ready:
		case <-rp.closed:
			return fmt.Errorf("%w: rabbitmq publisher closed", cerr.ErrSendFailed)
		case <-ctx.Done():
			return ctx.Err()
		}

		rp.mu.RLock()
		ch = rp.ch
		rp.mu.RUnlock()

		if ch == nil {
			return fmt.Errorf("%w: rabbitmq not connected", cerr.ErrSendFailed)
		}
	}

	if err := rp.ensure(m); err != nil {
		return fmt.Errorf("rabbitmq declare: %w", err)
	}

	return ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
}

// ensure declares the publish target; queues go through the default exchange.
func (rp *reconnectingPublisher) ensure(m PubMsg) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.decl == nil {
		return errors.New("rabbitmq not connected")
	}

	if m.Exchange == "" {
		return rp.decl.queue(m.RoutingKey)
	}

	return rp.decl.exchange(m.Exchange)
}

func (rp *reconnectingPublisher) run() {
	backoff := time.Second

	const maxBackoff = 30 * time.Second

	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	reconnect := func() (*amqp.Connection, *amqp.Channel, error) {
		conn, err := dial(rp.cfg)
		if err != nil {
			return nil, nil, err
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}

		return conn, ch, nil
	}

	for {
		select {
		case <-rp.closed:
			return
		default:
		}

		conn, ch, err := reconnect()
		if err != nil {
			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))

			sleep := min(backoff+jitter/2, maxBackoff)

			t := time.NewTimer(sleep)
			select {
			case <-rp.closed:
				t.Stop()
				return
			case <-t.C:
			}

			backoff = min(backoff*2, maxBackoff)

			continue
		}

		backoff = time.Second

		rp.mu.Lock()
		rp.conn = conn
		rp.ch = ch
		rp.decl = newDeclarer(ch)
		close(rp.ready)
		rp.mu.Unlock()

		// Block on connection close notifications to trigger reconnect
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-rp.closed:
			_ = ch.Close()
			_ = conn.Close()

			return
		case <-notify:
			rp.mu.Lock()
			rp.conn, rp.ch, rp.decl = nil, nil, nil
			rp.ready = make(chan struct{})
			rp.mu.Unlock()

			_ = ch.Close()
			_ = conn.Close()
			// loop to reconnect
		}
	}
}

func (rp *reconnectingPublisher) close() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	select {
	case <-rp.closed:
		// already closed
		return
	default:
		close(rp.closed)
	}

	if rp.ch != nil {
		_ = rp.ch.Close()
		rp.ch = nil
	}

	if rp.conn != nil {
		_ = rp.conn.Close()
		rp.conn = nil
	}
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect and returns an Adapter and cleanup.
// Target queues and topic exchanges are declared on first use.
func NewWithAMQPConn(cfg Config) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", cerr.ErrConnectFailed)
	}

	pub, cleanup := newReconnectingPublisher(cfg)
	ad := New(pub)

	return ad, cleanup, nil
}

// NewSourceWithAMQP dials RabbitMQ, declares the topology for ch and starts a
// manual-ack consumer. Queues are consumed directly; topics get a durable
// subscription queue bound with "#". The returned Source's Close cancels the
// consumer and closes the connection.
func NewSourceWithAMQP(_ context.Context, ch comms.Channel, cfg Config) (*Source, error) {
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("rabbitmq source: %w", err)
	}

	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: rabbitmq url required", cerr.ErrConnectFailed)
	}

	if ch.Kind == comms.Topic && cfg.Subscription == "" {
		return nil, fmt.Errorf("rabbitmq source %s: subscription required: %w", ch, cerr.ErrConfiguration)
	}

	conn, err := dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: rabbitmq dial: %w", cerr.ErrConnectFailed, err)
	}

	ach, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: rabbitmq channel: %w", cerr.ErrConnectFailed, err)
	}

	fail := func(step string, err error) (*Source, error) {
		_ = ach.Close()
		_ = conn.Close()

		return nil, fmt.Errorf("%w: rabbitmq %s: %w", cerr.ErrConnectFailed, step, err)
	}

	prefetch := cfg.Prefetch
	if prefetch < 1 {
		prefetch = defaultPrefetch
	}

	if err := ach.Qos(prefetch, 0, false); err != nil {
		return fail("qos", err)
	}

	decl := newDeclarer(ach)

	queue := ch.Name
	if ch.Kind == comms.Topic {
		queue = cfg.Subscription

		if err := decl.exchange(ch.Name); err != nil {
			return fail("declare exchange", err)
		}
	}

	if err := decl.queue(queue); err != nil {
		return fail("declare queue", err)
	}

	if ch.Kind == comms.Topic {
		if err := ach.QueueBind(queue, "#", ch.Name, false, nil); err != nil {
			return fail("bind", err)
		}
	}

	dlq := cfg.DeadLetterQueue
	if dlq == "" {
		dlq = queue + deadLetterSuffix
	}

	if err := decl.queue(dlq); err != nil {
		return fail("declare dead-letter queue", err)
	}

	deliveries, err := ach.Consume(queue, cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}

	release := func() error {
		if cfg.ConsumerTag != "" {
			_ = ach.Cancel(cfg.ConsumerTag, false)
		}

		return errors.Join(ach.Close(), conn.Close())
	}

	return NewSource(ch, deliveries,
		WithDeadLetterQueue(amqpChannelPublisher{ch: ach}, dlq),
		WithRelease(release),
	), nil
}
