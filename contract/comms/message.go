package comms

// Header names shared by every transport.
const (
	HeaderMessageID        = "message-id"
	HeaderSessionID        = "session-id"
	HeaderVersion          = "version"
	HeaderEventName        = "event-name"
	HeaderContentType      = "content-type"
	HeaderDeliveryCount    = "delivery-count"
	HeaderDeadLetterReason = "dead-letter-reason"
)

// Message is a single delivery handed to a Handler.
// The delivering Source owns it until it has been settled.
type Message struct {
	// DeliveryID is unique per delivery attempt as assigned by the transport.
	DeliveryID string
	Body       []byte

	MessageID string
	SessionID string
	Version   string
	EventName string

	Headers       map[string]string
	DeliveryCount int

	// OrderingKey groups messages that must be handled one at a time in
	// delivery order. Empty means the message carries no ordering constraint.
	OrderingKey string

	Channel Channel

	// Raw is the transport handle; only the delivering Source reads it.
	Raw any
}

// Header returns the named header or "" when absent.
func (m Message) Header(name string) string { return ValueOr(m.Headers, name) }

// Envelope is a message on its way out through a Publisher.
type Envelope struct {
	Channel     Channel
	Body        []byte
	MessageID   string
	SessionID   string
	Version     string
	EventName   string
	ContentType string
	Headers     map[string]string
}

// MetadataHeaders merges the envelope metadata into a copy of Headers
// using the shared header names. Empty fields are omitted.
func (e Envelope) MetadataHeaders() map[string]string {
	h := make(map[string]string, len(e.Headers)+5)
	for k, v := range e.Headers {
		h[k] = v
	}

	set := func(k, v string) {
		if v != "" {
			h[k] = v
		}
	}
	set(HeaderMessageID, e.MessageID)
	set(HeaderSessionID, e.SessionID)
	set(HeaderVersion, e.Version)
	set(HeaderEventName, e.EventName)
	set(HeaderContentType, e.ContentType)

	return h
}

// MessageFromHeaders fills the metadata fields of a Message from transport headers.
func MessageFromHeaders(ch Channel, deliveryID string, body []byte, headers map[string]string) Message {
	return Message{
		DeliveryID:  deliveryID,
		Body:        body,
		MessageID:   ValueOr(headers, HeaderMessageID),
		SessionID:   ValueOr(headers, HeaderSessionID),
		Version:     ValueOr(headers, HeaderVersion),
		EventName:   ValueOr(headers, HeaderEventName),
		Headers:     headers,
		OrderingKey: ValueOr(headers, HeaderSessionID),
		Channel:     ch,
	}
}
