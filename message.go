package confirm

import (
	"time"

	"github.com/google/uuid"
)

// MessageOption is a function that can be used to configure a Message.
type MessageOption func(*Message)

// Message is an outbound broker message. The body is expected to be already serialized.
type Message struct {
	// ID is a unique identifier for the message, sent as the message-id property
	ID uuid.UUID

	// Exchange and RoutingKey address the message. An empty exchange is the default exchange.
	Exchange   string
	RoutingKey string

	// Mandatory asks the broker to return the message if it cannot be routed
	Mandatory bool

	ContentType string

	// Headers are sent as message headers (e.g. correlation IDs, trace IDs)
	Headers map[string]any

	Body []byte

	// Persistent requests durable storage on the broker. Default is true.
	Persistent bool

	// CreatedAt is the timestamp when the message was created
	CreatedAt time.Time
}

// WithID sets the unique identifier of the message.
// If not provided, a new UUID will be generated.
func WithID(id uuid.UUID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

// WithExchange sets the exchange the message is published to.
func WithExchange(exchange string) MessageOption {
	return func(m *Message) {
		m.Exchange = exchange
	}
}

// WithRoutingKey sets the routing key.
func WithRoutingKey(key string) MessageOption {
	return func(m *Message) {
		m.RoutingKey = key
	}
}

// WithMandatory marks the message as mandatory.
func WithMandatory() MessageOption {
	return func(m *Message) {
		m.Mandatory = true
	}
}

// WithContentType sets the MIME content type of the body.
// Default is "application/json".
func WithContentType(contentType string) MessageOption {
	return func(m *Message) {
		m.ContentType = contentType
	}
}

// WithHeader adds a message header.
func WithHeader(key string, value any) MessageOption {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = make(map[string]any)
		}
		m.Headers[key] = value
	}
}

// WithTransient disables persistent delivery.
func WithTransient() MessageOption {
	return func(m *Message) {
		m.Persistent = false
	}
}

// WithCreatedAt sets the time the message was created.
// If not provided, the current time will be used.
func WithCreatedAt(createdAt time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = createdAt
	}
}

// NewMessage creates a new persistent Message with the given body.
func NewMessage(body []byte, opts ...MessageOption) *Message {
	m := &Message{
		ID:          uuid.New(),
		ContentType: "application/json",
		Body:        body,
		Persistent:  true,
		CreatedAt:   time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}
