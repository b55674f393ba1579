package mq

import (
	"context"
	"time"
)

// Producer publishes messages to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
	Ping(ctx context.Context) error
	Close() error
}

// Message represents a message in the queue
type Message struct {
	// ID is used as the partition key so events for one entity stay ordered
	ID string `json:"id"`

	Body []byte `json:"body"`

	Headers map[string]string `json:"headers"`

	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a new message with the given key and body
func NewMessage(id string, body []byte) *Message {
	return &Message{
		ID:        id,
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}
