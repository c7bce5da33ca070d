package nats_test

import (
	"errors"
	"testing"

	natsad "github.com/next-trace/scg-communication/adapters/nats"
	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

func TestNewPublisherWithNATS_EmptyURL(t *testing.T) {
	_, _, err := natsad.NewPublisherWithNATS(natsad.Config{})
	if err == nil {
		t.Fatalf("expected error")
	}

	if !errors.Is(err, cerr.ErrConnectFailed) {
		t.Fatalf("want ErrConnectFailed, got %v", err)
	}
}

func TestNewSourceWithNATS_Validation(t *testing.T) {
	if _, err := natsad.NewSourceWithNATS(t.Context(), comms.Channel{}, natsad.Config{URL: "nats://x"}); !errors.Is(err, cerr.ErrInvalidChannelKind) {
		t.Fatalf("want ErrInvalidChannelKind, got %v", err)
	}

	if _, err := natsad.NewSourceWithNATS(t.Context(), comms.QueueChannel("q"), natsad.Config{}); !errors.Is(err, cerr.ErrConnectFailed) {
		t.Fatalf("want ErrConnectFailed, got %v", err)
	}
}
