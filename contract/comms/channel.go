package comms

import (
	"fmt"
	"strings"

	cerr "github.com/next-trace/scg-communication/contract/errors"
)

// ChannelKind distinguishes point-to-point queues from fan-out topics.
type ChannelKind int

const (
	Queue ChannelKind = iota + 1
	Topic
)

func (k ChannelKind) String() string {
	switch k {
	case Queue:
		return "Queue"
	case Topic:
		return "Topic"
	default:
		return fmt.Sprintf("ChannelKind(%d)", int(k))
	}
}

// Valid reports whether k is one of the declared kinds.
func (k ChannelKind) Valid() bool { return k == Queue || k == Topic }

// ParseChannelKind maps "queue" or "topic" (any case) to a ChannelKind.
func ParseChannelKind(s string) (ChannelKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queue":
		return Queue, nil
	case "topic":
		return Topic, nil
	default:
		return 0, fmt.Errorf("parse channel kind %q: %w", s, cerr.ErrInvalidChannelKind)
	}
}

// Channel identifies a named queue or topic.
type Channel struct {
	Kind ChannelKind
	Name string
}

// QueueChannel is shorthand for Channel{Kind: Queue, Name: name}.
func QueueChannel(name string) Channel { return Channel{Kind: Queue, Name: name} }

// TopicChannel is shorthand for Channel{Kind: Topic, Name: name}.
func TopicChannel(name string) Channel { return Channel{Kind: Topic, Name: name} }

// Validate rejects unknown kinds and empty names.
func (c Channel) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("channel %q: %w", c.Name, cerr.ErrInvalidChannelKind)
	}

	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("channel %s: empty name: %w", c.Kind, cerr.ErrInvalidChannel)
	}

	return nil
}

func (c Channel) String() string { return c.Kind.String() + "/" + c.Name }
