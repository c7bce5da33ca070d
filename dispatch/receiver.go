package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

// subscription is the handler pair, swapped as one value on re-registration.
type subscription struct {
	onMessage comms.Handler
	onFault   comms.FaultHandler
}

// Receiver pumps messages from a Source into the registered handler pair.
//
// Receiver is concurrency-safe. Messages with the same non-empty OrderingKey
// are handled one at a time and settled in delivery order; others run
// concurrently up to the configured limit.
type Receiver struct {
	channel comms.Channel
	source  comms.Source
	logger  *slog.Logger
	opts    options

	sub atomic.Pointer[subscription]

	mu      sync.Mutex
	started bool
	closed  bool

	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}

	// handlerCtx outlives the pump so in-flight work can settle during Close.
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	slots    chan struct{}
	inflight sync.WaitGroup
	keys     *keyedChain
	limiter  *rate.Limiter
}

var _ comms.Receiver = (*Receiver)(nil)

// New constructs a Receiver for channel ch backed by src.
// Delivery starts with the first RegisterHandler call.
func New(ch comms.Channel, src comms.Source, opts ...Option) (*Receiver, error) {
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch new: %w", err)
	}

	if src == nil {
		return nil, fmt.Errorf("dispatch new %s: nil source: %w", ch, cerr.ErrConfiguration)
	}

	o := defaultOptions()
	for _, f := range opts {
		f(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Receiver{
		channel:  ch,
		source:   src,
		logger:   logger.With("channel_kind", ch.Kind.String(), "channel", ch.Name),
		opts:     o,
		pumpDone: make(chan struct{}),
		slots:    make(chan struct{}, o.maxConcurrent),
		keys:     newKeyedChain(),
	}
	r.pumpCtx, r.pumpCancel = context.WithCancel(context.Background())
	r.handlerCtx, r.handlerCancel = context.WithCancel(context.Background())

	if o.limit != rate.Inf {
		r.limiter = rate.NewLimiter(o.limit, o.burst)
	}

	return r, nil
}

// ChannelKind returns the kind of the channel this receiver consumes.
func (r *Receiver) ChannelKind() comms.ChannelKind { return r.channel.Kind }

// ChannelName returns the name of the channel this receiver consumes.
func (r *Receiver) ChannelName() string { return r.channel.Name }

// Channel returns the channel identity.
func (r *Receiver) Channel() comms.Channel { return r.channel }

// InFlight reports the number of handler invocations currently holding a slot.
func (r *Receiver) InFlight() int { return len(r.slots) }

// RegisterHandler installs the handler pair. A later call replaces the pair
// atomically; invocations already running keep the pair they started with.
func (r *Receiver) RegisterHandler(onMessage comms.Handler, onFault comms.FaultHandler) error {
	if onMessage == nil || onFault == nil {
		return fmt.Errorf("register handler %s: %w", r.channel, cerr.ErrInvalidRegistration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("register handler %s: %w", r.channel, cerr.ErrReceiverClosed)
	}

	r.sub.Store(&subscription{onMessage: r.opts.wrap(onMessage), onFault: onFault})

	if !r.started {
		r.started = true
		go r.pump()
		r.logger.Info("receiver started", "max_concurrent", r.opts.maxConcurrent)
	}

	return nil
}

// Close stops delivery, waits up to the shutdown timeout for in-flight
// handlers, then closes the source. Subsequent calls return nil.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}

	r.closed = true
	started := r.started
	r.mu.Unlock()

	r.pumpCancel()

	if started {
		<-r.pumpDone
	}

	var errs []error

	if !r.waitInflight() {
		r.logger.Warn("shutdown timeout with handlers in flight", "in_flight", r.InFlight())
		errs = append(errs, fmt.Errorf("dispatch close %s: %w", r.channel, cerr.ErrShutdownTimeout))
	}

	r.handlerCancel()

	if err := r.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("dispatch close %s source: %w", r.channel, err))
	}

	r.logger.Info("receiver closed")

	return errors.Join(errs...)
}

func (r *Receiver) waitInflight() bool {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	if r.opts.shutdownTimeout <= 0 {
		<-done
		return true
	}

	t := time.NewTimer(r.opts.shutdownTimeout)
	defer t.Stop()

	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func (r *Receiver) pump() {
	defer close(r.pumpDone)

	ctx := r.pumpCtx
	backoff := r.opts.backoffMin

	for {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}

		// Take a slot before pulling so a saturated receiver leaves
		// messages with the transport.
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		msg, err := r.source.Receive(ctx)
		if err != nil {
			<-r.slots

			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, cerr.ErrSourceClosed) {
				r.logger.Error("source closed, stopping delivery", "error", err)
				return
			}

			r.logger.Warn("receive failed", "error", err, "retry_in", backoff)

			if !sleepCtx(ctx, backoff) {
				return
			}

			backoff = min(backoff*2, r.opts.backoffMax)

			continue
		}

		backoff = r.opts.backoffMin
		r.dispatch(msg)
	}
}

// dispatch runs on the pump goroutine so that entering the key chain
// follows delivery order.
func (r *Receiver) dispatch(msg comms.Message) {
	wait, leave := r.keys.enter(msg.OrderingKey)

	r.inflight.Add(1)

	go func() {
		defer r.inflight.Done()
		defer func() { <-r.slots }()
		defer leave()

		if wait != nil {
			<-wait
		}

		r.handle(msg)
	}()
}

func (r *Receiver) handle(msg comms.Message) {
	sub := r.sub.Load()

	hctx := r.handlerCtx
	if r.opts.handlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, r.opts.handlerTimeout)
		defer cancel()
	}

	outcome, err := invoke(hctx, sub.onMessage, msg)
	if err != nil {
		r.fault(sub, msg, &cerr.HandlerFault{MessageID: messageID(msg), Err: err})
		return
	}

	// Settlement uses the receiver context, not the handler deadline.
	ctx := r.handlerCtx

	var op string

	switch o := outcome.(type) {
	case comms.Complete, *comms.Complete:
		op, err = cerr.OpComplete, r.source.Complete(ctx, msg)
	case comms.Abandon, *comms.Abandon:
		op, err = cerr.OpAbandon, r.source.Abandon(ctx, msg)
	case comms.DeadLetter:
		op, err = cerr.OpDeadLetter, r.source.DeadLetter(ctx, msg, o.Reason)
	case *comms.DeadLetter:
		if o == nil {
			r.fault(sub, msg, &cerr.HandlerFault{MessageID: messageID(msg), Err: cerr.ErrNoOutcome})
			return
		}
		op, err = cerr.OpDeadLetter, r.source.DeadLetter(ctx, msg, o.Reason)
	default:
		r.fault(sub, msg, &cerr.HandlerFault{MessageID: messageID(msg), Err: cerr.ErrNoOutcome})
		return
	}

	if err != nil {
		r.fault(sub, msg, &cerr.SettlementFault{Op: op, MessageID: messageID(msg), Err: err})
		return
	}

	r.logger.Debug("message settled", "op", op, "message_id", messageID(msg))
}

func (r *Receiver) fault(sub *subscription, msg comms.Message, err error) {
	r.logger.Error("message fault", "message_id", messageID(msg), "error", err)

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("fault handler panicked", "message_id", messageID(msg), "panic", p)
		}
	}()

	sub.onFault(r.handlerCtx, err)
}

// invoke converts a handler panic into a returned error.
func invoke(ctx context.Context, h comms.Handler, msg comms.Message) (out comms.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			if e, ok := p.(error); ok {
				err = fmt.Errorf("handler panic: %w", e)
			} else {
				err = fmt.Errorf("handler panic: %v", p)
			}
		}
	}()

	return h(ctx, msg)
}

func messageID(msg comms.Message) string {
	if msg.MessageID != "" {
		return msg.MessageID
	}

	return msg.DeliveryID
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
