// Package messaging provides abstractions for message broker communication.
// It defines interfaces that allow services to publish and consume messages
// without being coupled to a specific broker implementation.
package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrConsumerStopped is returned by Consumer.Next after Stop.
var ErrConsumerStopped = errors.New("consumer stopped")

// Message is a payload with headers. Brokers that support headers
// implement MessagePublisher.
type Message struct {
	Subject   string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends data to the specified subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close releases any resources held by the publisher.
	Close() error
}

// MessagePublisher publishes a message together with its headers.
type MessagePublisher interface {
	PublishMsg(ctx context.Context, msg *Message) error
}

// PublishWithHeaders publishes through PublishMsg when p supports headers
// and falls back to a plain Publish otherwise. Empty header values are
// dropped.
func PublishWithHeaders(ctx context.Context, p Publisher, subject string, data []byte, opts ...PublishOption) error {
	mp, ok := p.(MessagePublisher)
	if !ok {
		return p.Publish(ctx, subject, data)
	}
	return mp.PublishMsg(ctx, NewMessage(subject, data, opts...))
}

// Delivery is one message handed out by a durable consumer. Exactly one of
// Ack, Nak or Term should be called.
type Delivery interface {
	Subject() string
	Data() []byte

	// NumDelivered counts deliveries of this message, starting at 1.
	NumDelivered() uint64

	// Ack confirms processing.
	Ack() error

	// Nak asks for redelivery after delay.
	Nak(delay time.Duration) error

	// Term stops redelivery of the message.
	Term() error
}

// Consumer pulls deliveries from a durable queue.
type Consumer interface {
	// Next blocks until a delivery is available, ctx is done or the
	// consumer is stopped.
	Next(ctx context.Context) (Delivery, error)

	// Stop releases the subscription.
	Stop()
}

// PublishOption configures message publishing behavior.
type PublishOption func(*publishOptions)

type publishOptions struct {
	headers map[string]string
}

// WithHeader adds a header to the published message.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		if value == "" {
			return
		}
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// NewMessage builds a Message for subject with the given options applied.
func NewMessage(subject string, data []byte, opts ...PublishOption) *Message {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Message{
		Subject:   subject,
		Data:      data,
		Metadata:  o.headers,
		Timestamp: time.Now().UTC(),
	}
}
