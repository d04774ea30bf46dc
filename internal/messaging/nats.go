// Package messaging connects the pairing server to NATS and publishes pairing
// lifecycle events for downstream consumers.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSClient wraps a NATS connection and tracks its subscriptions.
type NATSClient struct {
	conn   *nats.Conn
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	logger *zap.Logger
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string // client name shown in server monitoring
	ReconnectWait time.Duration
	MaxReconnects int // -1 retries forever
}

// DefaultNATSConfig returns the default connection settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "pairserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS. The initial connection must succeed; later
// disconnects are retried in the background.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	logger = logger.Named("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn:   nc,
		subs:   make(map[string]*nats.Subscription),
		logger: logger,
	}, nil
}

// Publish sends data to subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers handler for subject. A later Subscribe on the same
// subject replaces the earlier subscription.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[subject]
	c.subs[subject] = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	return nil
}

// Close drains subscriptions and the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription failed", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain failed", zap.Error(err))
	}
}
