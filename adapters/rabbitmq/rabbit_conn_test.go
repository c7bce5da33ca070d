package rabbitmq_test

import (
	"errors"
	"testing"

	"github.com/next-trace/scg-communication/adapters/rabbitmq"
	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

func TestNewWithAMQPConn_EmptyURL(t *testing.T) {
	_, _, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{URL: "", ConnTimeout: 0})
	if err == nil {
		t.Fatalf("expected error for empty URL")
	}

	if !errors.Is(err, cerr.ErrConnectFailed) {
		t.Fatalf("want ErrConnectFailed, got %v", err)
	}
}

func TestNewSourceWithAMQP_Validation(t *testing.T) {
	cases := []struct {
		name string
		ch   comms.Channel
		cfg  rabbitmq.Config
		want error
	}{
		{"empty name", comms.QueueChannel(""), rabbitmq.Config{URL: "amqp://x"}, cerr.ErrInvalidChannel},
		{"empty url", comms.QueueChannel("jobs"), rabbitmq.Config{}, cerr.ErrConnectFailed},
		{"topic without subscription", comms.TopicChannel("events"), rabbitmq.Config{URL: "amqp://x"}, cerr.ErrConfiguration},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rabbitmq.NewSourceWithAMQP(t.Context(), tc.ch, tc.cfg)
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}
