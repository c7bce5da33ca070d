package comms

import "context"

// SendOptions carries per-message metadata for QueueSender and TopicSender.
type SendOptions struct {
	SessionID string
	Version   string
	EventName string
	MessageID string
	Headers   map[string]string
}

// SendOption configures SendOptions.
type SendOption func(*SendOptions)

// WithSessionID groups the message into an ordered session.
func WithSessionID(id string) SendOption { return func(o *SendOptions) { o.SessionID = id } }

// WithVersion tags the payload schema version.
func WithVersion(v string) SendOption { return func(o *SendOptions) { o.Version = v } }

// WithEventName tags the message with an event name.
func WithEventName(name string) SendOption { return func(o *SendOptions) { o.EventName = name } }

// WithMessageID overrides the generated message id. Transports that support
// it use the id for publish-side deduplication.
func WithMessageID(id string) SendOption { return func(o *SendOptions) { o.MessageID = id } }

// WithHeader adds a custom header.
func WithHeader(key, value string) SendOption {
	return func(o *SendOptions) {
		if o.Headers == nil {
			o.Headers = map[string]string{}
		}
		o.Headers[key] = value
	}
}

// QueueSender sends models of type T to a queue.
// Implementations must be safe for concurrent use.
type QueueSender[T any] interface {
	Send(ctx context.Context, model T, opts ...SendOption) error
	Close() error
}

// TopicSender publishes models of type T to a topic.
type TopicSender[T any] interface {
	Send(ctx context.Context, model T, opts ...SendOption) error
	Close() error
}
