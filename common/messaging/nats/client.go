// Package nats implements the messaging interfaces on NATS and JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/common/messaging"
)

// Client is a core NATS connection. Publishes are fire and forget; use
// JetStreamClient for acknowledged delivery.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Config configures the connection.
type Config struct {
	URL  string
	Name string

	// MaxReconnects of -1 retries forever.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	Username string
	Password string

	Logger *slog.Logger
}

// DefaultConfig reconnects forever every two seconds.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "telhawk-intel",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NewClient connects to cfg.URL. Disconnects and reconnects are logged.
func NewClient(cfg Config) (*Client, error) {
	logger := logging.OrDefault(cfg.Logger).With(logging.Remote(cfg.URL))

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("broker disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("broker reconnected", slog.String("server", c.ConnectedUrlRedacted()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug("broker connection closed")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.URL, err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

// Publish implements messaging.Publisher.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// PublishMsg implements messaging.MessagePublisher.
func (c *Client) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.PublishMsg(toNATS(msg))
}

// FlushContext round-trips to the server; health checks time it.
func (c *Client) FlushContext(ctx context.Context) error {
	return c.conn.FlushWithContext(ctx)
}

// IsConnected implements messaging.Connection.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("drain broker connection: %w", err)
	}
	return nil
}

func toNATS(msg *messaging.Message) *nats.Msg {
	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Data
	for k, v := range msg.Metadata {
		m.Header.Set(k, v)
	}
	return m
}
