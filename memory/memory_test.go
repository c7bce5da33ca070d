package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

func TestNewMemoryLoop_BasicFlow(t *testing.T) {
	l, cleanup, err := New(comms.QueueChannel("jobs"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer cleanup()

	ctx := t.Context()
	faults := make(chan error, 1)
	done := make(chan struct{}, 3)

	err = l.Receiver.RegisterHandler(func(_ context.Context, m comms.Message) (comms.Outcome, error) {
		defer func() { done <- struct{}{} }()

		switch string(m.Body) {
		case "ok":
			return comms.Completed(), nil
		case "bad":
			return comms.DeadLettered("unparseable"), nil
		default:
			return nil, errors.New("boom")
		}
	}, func(_ context.Context, err error) { faults <- err })
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, body := range []string{"ok", "bad", "explode"} {
		if err := l.Queue.Publish(ctx, comms.Envelope{Channel: comms.QueueChannel("jobs"), Body: []byte(body)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for range 3 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not invoked")
		}
	}

	select {
	case err := <-faults:
		if !errors.Is(err, cerr.ErrHandlerFault) {
			t.Fatalf("want handler fault, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fault not reported")
	}

	// Close waits for in-flight settlement
	if err := l.Receiver.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := len(l.Queue.Completed()); got != 1 {
		t.Fatalf("expected 1 completed got %d", got)
	}

	dl := l.Queue.DeadLettered()
	if len(dl) != 1 || dl[0].Reason != "unparseable" {
		t.Fatalf("unexpected dead letters: %#v", dl)
	}

	if l.Queue.CloseCalls() != 1 {
		t.Fatalf("expected source closed once, got %d", l.Queue.CloseCalls())
	}
}

func TestNewMemoryLoop_InvalidChannel(t *testing.T) {
	if _, _, err := New(comms.Channel{}); !errors.Is(err, cerr.ErrInvalidChannelKind) {
		t.Fatalf("want ErrInvalidChannelKind, got %v", err)
	}
}

func TestNewMemoryLoop_AbandonRedeliversUntilComplete(t *testing.T) {
	l, cleanup, err := New(comms.QueueChannel("jobs"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer cleanup()

	attempts := make(chan int, 3)

	err = l.Receiver.RegisterHandler(func(_ context.Context, m comms.Message) (comms.Outcome, error) {
		attempts <- m.DeliveryCount
		if m.DeliveryCount < 3 {
			return comms.Abandoned(), nil
		}

		return comms.Completed(), nil
	}, func(_ context.Context, err error) { t.Errorf("unexpected fault: %v", err) })
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := l.Queue.Publish(t.Context(), comms.Envelope{Body: []byte("retry")}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for want := 1; want <= 3; want++ {
		select {
		case got := <-attempts:
			if got != want {
				t.Fatalf("attempt %d saw delivery count %d", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d not delivered", want)
		}
	}

	if err := l.Receiver.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(l.Queue.Abandoned()) != 2 || len(l.Queue.Completed()) != 1 {
		t.Fatalf("abandoned=%d completed=%d", len(l.Queue.Abandoned()), len(l.Queue.Completed()))
	}
}
