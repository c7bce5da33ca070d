package kafka_test

import (
	"context"
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/next-trace/scg-communication/adapters/kafka"
	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

type write struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeWriter struct {
	calls []write
	err   error
}

func (f *fakeWriter) Write(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.calls = append(f.calls, write{topic, key, value, headers})

	return f.err
}

type fakeConsumer struct {
	batches [][]*kgo.Record
	err     error
	marked  []*kgo.Record
	closed  int
}

func (c *fakeConsumer) Poll(_ context.Context) ([]*kgo.Record, error) {
	if len(c.batches) == 0 {
		if c.err != nil {
			return nil, c.err
		}

		return nil, kgo.ErrClientClosed
	}

	b := c.batches[0]
	c.batches = c.batches[1:]

	return b, nil
}

func (c *fakeConsumer) Mark(r *kgo.Record) { c.marked = append(c.marked, r) }
func (c *fakeConsumer) Close()             { c.closed++ }

func record(partition int32, offset int64, headers ...kgo.RecordHeader) *kgo.Record {
	return &kgo.Record{
		Topic:     "orders",
		Partition: partition,
		Offset:    offset,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers:   headers,
	}
}

func TestPublisher_Publish(t *testing.T) {
	fw := &fakeWriter{}
	p := kafka.New(fw)

	err := p.Publish(t.Context(), comms.Envelope{
		Channel:   comms.TopicChannel("orders"),
		Body:      []byte("{}"),
		SessionID: "cust-1",
		EventName: "order.created",
		Headers:   map[string]string{"h": "1"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	c := fw.calls[0]
	if c.topic != "orders" || string(c.key) != "cust-1" {
		t.Fatalf("bad write: %+v", c)
	}

	if c.headers["h"] != "1" || c.headers[comms.HeaderEventName] != "order.created" {
		t.Fatalf("bad headers: %v", c.headers)
	}

	if err := p.Publish(t.Context(), comms.Envelope{Channel: comms.QueueChannel("jobs")}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if fw.calls[1].key != nil {
		t.Fatalf("want nil key without session, got %q", fw.calls[1].key)
	}
}

func TestPublisher_Errors(t *testing.T) {
	p := kafka.New(&fakeWriter{err: errors.New("broker down")})

	if err := p.Publish(t.Context(), comms.Envelope{Channel: comms.QueueChannel("jobs")}); !errors.Is(err, cerr.ErrSendFailed) {
		t.Fatalf("want ErrSendFailed, got %v", err)
	}

	if err := kafka.New(nil).Publish(t.Context(), comms.Envelope{Channel: comms.QueueChannel("jobs")}); !errors.Is(err, cerr.ErrSendFailed) {
		t.Fatalf("nil writer: want ErrSendFailed, got %v", err)
	}

	ctxWriter := kafka.New(&fakeWriter{err: context.DeadlineExceeded})
	if err := ctxWriter.Publish(t.Context(), comms.Envelope{Channel: comms.QueueChannel("jobs")}); !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, cerr.ErrSendFailed) {
		t.Fatalf("ctx errors pass through, got %v", err)
	}
}

func TestSource_ReceiveBuffersBatch(t *testing.T) {
	fc := &fakeConsumer{batches: [][]*kgo.Record{{
		record(0, 10, kgo.RecordHeader{Key: comms.HeaderSessionID, Value: []byte("s-1")}),
		record(1, 3),
	}}}
	src := kafka.NewSource(comms.QueueChannel("orders"), fc, &fakeWriter{})

	m1, err := src.Receive(t.Context())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	if m1.DeliveryID != "orders/0/10" || m1.OrderingKey != "orders/0" || m1.SessionID != "s-1" || m1.DeliveryCount != 1 {
		t.Fatalf("bad message: %+v", m1)
	}

	m2, err := src.Receive(t.Context())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	if m2.OrderingKey != "orders/1" {
		t.Fatalf("bad ordering key: %q", m2.OrderingKey)
	}

	if _, err := src.Receive(t.Context()); !errors.Is(err, cerr.ErrSourceClosed) {
		t.Fatalf("want ErrSourceClosed, got %v", err)
	}
}

func TestSource_Settlement(t *testing.T) {
	r1 := record(0, 1)
	r2 := record(0, 2, kgo.RecordHeader{Key: comms.HeaderDeliveryCount, Value: []byte("2")})
	r3 := record(0, 3)

	fc := &fakeConsumer{batches: [][]*kgo.Record{{r1, r2, r3}}}
	fw := &fakeWriter{}
	src := kafka.NewSource(comms.QueueChannel("orders"), fc, fw)

	m1, _ := src.Receive(t.Context())
	if err := src.Complete(t.Context(), m1); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if len(fw.calls) != 0 {
		t.Fatalf("complete must not produce")
	}

	m2, _ := src.Receive(t.Context())
	if err := src.Abandon(t.Context(), m2); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	if fw.calls[0].topic != "orders" || fw.calls[0].headers[comms.HeaderDeliveryCount] != "3" {
		t.Fatalf("bad requeue: %+v", fw.calls[0])
	}

	m3, _ := src.Receive(t.Context())
	if err := src.DeadLetter(t.Context(), m3, "poison"); err != nil {
		t.Fatalf("deadletter: %v", err)
	}

	dl := fw.calls[1]
	if dl.topic != "orders.deadletter" || dl.headers[comms.HeaderDeadLetterReason] != "poison" {
		t.Fatalf("bad dead-letter: %+v", dl)
	}

	if len(fc.marked) != 3 || fc.marked[0] != r1 || fc.marked[2] != r3 {
		t.Fatalf("want all records marked in order, got %d", len(fc.marked))
	}
}

func TestSource_SettlementFailureLeavesOffset(t *testing.T) {
	fc := &fakeConsumer{batches: [][]*kgo.Record{{record(0, 1)}}}
	src := kafka.NewSource(comms.QueueChannel("orders"), fc, &fakeWriter{err: errors.New("down")},
		kafka.WithDeadLetterTopic("dlq"))

	m, _ := src.Receive(t.Context())
	if err := src.DeadLetter(t.Context(), m, "bad"); !errors.Is(err, cerr.ErrSendFailed) {
		t.Fatalf("want ErrSendFailed, got %v", err)
	}

	if len(fc.marked) != 0 {
		t.Fatalf("offset must not be marked")
	}
}

func TestSource_ForeignMessageAndClose(t *testing.T) {
	fc := &fakeConsumer{}
	src := kafka.NewSource(comms.QueueChannel("orders"), fc, nil)

	if err := src.Complete(t.Context(), comms.Message{}); !errors.Is(err, cerr.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}

	_ = src.Close()
	_ = src.Close()

	if fc.closed != 1 {
		t.Fatalf("close must run once, got %d", fc.closed)
	}
}

func TestSource_PollErrorIsRetryable(t *testing.T) {
	fc := &fakeConsumer{err: errors.New("coordinator not available")}
	src := kafka.NewSource(comms.QueueChannel("orders"), fc, nil)

	_, err := src.Receive(t.Context())
	if err == nil || errors.Is(err, cerr.ErrSourceClosed) {
		t.Fatalf("want transient error, got %v", err)
	}
}

func TestConstructors_Validation(t *testing.T) {
	if _, _, err := kafka.NewPublisherWithKgo(kafka.Config{}); !errors.Is(err, cerr.ErrConnectFailed) {
		t.Fatalf("want ErrConnectFailed, got %v", err)
	}

	_, err := kafka.NewSourceWithKgo(t.Context(), comms.TopicChannel("events"), kafka.Config{Brokers: []string{"localhost:9092"}})
	if !errors.Is(err, cerr.ErrConfiguration) {
		t.Fatalf("topic without group: want ErrConfiguration, got %v", err)
	}

	_, _, err = kafka.NewPublisherWithKgo(kafka.Config{
		Brokers: []string{"localhost:9092"},
		SASL:    &kafka.SASLConfig{Mechanism: "SCRAM-SHA-512"},
	})
	if !errors.Is(err, cerr.ErrConfiguration) {
		t.Fatalf("unsupported sasl: want ErrConfiguration, got %v", err)
	}
}
