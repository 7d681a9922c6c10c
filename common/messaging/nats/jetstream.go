package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-intel/common/messaging"
)

// JetStreamClient extends Client with JetStream persistence capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Subjects are the subjects this stream captures.
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	// MaxMsgs is the maximum number of messages in the stream.
	MaxMsgs int64

	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType
}

// ConsumerConfig defines a JetStream consumer configuration.
type ConsumerConfig struct {
	// Name is the durable consumer name.
	Name string

	// FilterSubject filters which messages this consumer receives.
	FilterSubject string

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// MaxDeliver is maximum delivery attempts before giving up.
	MaxDeliver int

	// MaxAckPending is maximum unacknowledged messages.
	MaxAckPending int
}

// DefaultConsumerConfig returns defaults for a work queue consumer. A
// message is delivered at most twice: the first attempt and one redelivery
// after a nak.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       30 * time.Second,
		MaxDeliver:    2,
		MaxAckPending: 100,
	}
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{
		Client: client,
		js:     js,
	}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	}

	stream, err := c.js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// CreateOrUpdateConsumer creates or updates a durable consumer.
func (c *JetStreamClient) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}

	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}

	return consumer, nil
}

// Publish persists a message and waits for the stream acknowledgment.
func (c *JetStreamClient) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.Publish(ctx, subject, data)
	return err
}

// PublishMsg persists a Message with its metadata as headers.
func (c *JetStreamClient) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	_, err := c.js.PublishMsg(ctx, toNATS(msg))
	return err
}

// OpenConsumer creates the durable consumer if needed and starts pulling
// up to prefetch messages ahead.
func (c *JetStreamClient) OpenConsumer(ctx context.Context, streamName string, cfg ConsumerConfig, prefetch int) (*PullConsumer, error) {
	consumer, err := c.CreateOrUpdateConsumer(ctx, streamName, cfg)
	if err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(prefetch))
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return &PullConsumer{iter: iter}, nil
}

// PullConsumer implements messaging.Consumer over a JetStream pull
// subscription.
type PullConsumer struct {
	iter jetstream.MessagesContext
	once sync.Once
}

// Next blocks for the next delivery. Cancelling ctx stops the consumer.
func (c *PullConsumer) Next(ctx context.Context) (messaging.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, c.Stop)
	defer stop()

	msg, err := c.iter.Next()
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, messaging.ErrConsumerStopped
		}
		return nil, err
	}
	return delivery{msg: msg}, nil
}

// Stop ends the pull subscription. Unacknowledged messages are redelivered
// after their ack wait.
func (c *PullConsumer) Stop() {
	c.once.Do(c.iter.Stop)
}

type delivery struct {
	msg jetstream.Msg
}

func (d delivery) Subject() string { return d.msg.Subject() }

func (d delivery) Data() []byte { return d.msg.Data() }

func (d delivery) NumDelivered() uint64 {
	md, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return md.NumDelivered
}

func (d delivery) Ack() error { return d.msg.Ack() }

func (d delivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

func (d delivery) Term() error { return d.msg.Term() }

// Predefined stream configurations for the intel service.
var (
	// ObservablesStream is the work queue of observables to enrich and
	// store.
	ObservablesStream = StreamConfig{
		Name:      "INTEL_OBSERVABLES",
		Subjects:  []string{messaging.SubjectObservablesSubmit},
		MaxAge:    24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxMsgs:   1000000,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}

	// EventsStream keeps the created-observable broadcast for late
	// subscribers.
	EventsStream = StreamConfig{
		Name:      "INTEL_EVENTS",
		Subjects:  []string{messaging.SubjectObservablesCreated},
		MaxAge:    1 * time.Hour,
		MaxBytes:  500 * 1024 * 1024, // 500MB
		MaxMsgs:   1000000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}

	// DLQStream holds messages that could not be processed.
	DLQStream = StreamConfig{
		Name:      "INTEL_DLQ",
		Subjects:  []string{messaging.SubjectDLQPrefix + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  100 * 1024 * 1024, // 100MB
		MaxMsgs:   100000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)
