package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"notify-gateway/internal/logging"
)

var ErrNotSubscribed = errors.New("not subscribed to subject")

const defaultFlushTimeout = 5 * time.Second

// Recorder receives broker connection events.
type Recorder interface {
	SetBrokerConnected(connected bool)
	BrokerReconnected()
	BrokerMessage()
	RecordError(errorType string)
}

type Client struct {
	conn      *nats.Conn
	metrics   Recorder
	subs      map[string]*nats.Subscription
	subsMutex sync.Mutex
	logger    zerolog.Logger
}

type Config struct {
	URL             string
	Name            string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// NewClient connects to NATS. The initial connect must succeed; after that
// reconnection is left to nats.go.
func NewClient(config Config, metrics Recorder, logger zerolog.Logger) (*Client, error) {
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = nats.DefaultReconnectWait
	}
	if config.PingInterval <= 0 {
		config.PingInterval = nats.DefaultPingInterval
	}
	if config.MaxPingsOut <= 0 {
		config.MaxPingsOut = nats.DefaultMaxPingOut
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.ReconnectJitter(config.ReconnectJitter, config.ReconnectJitter),
		nats.MaxPingsOutstanding(config.MaxPingsOut),
		nats.PingInterval(config.PingInterval),
	}
	if config.Name != "" {
		opts = append(opts, nats.Name(config.Name))
	}

	client := &Client{
		metrics: metrics,
		subs:    make(map[string]*nats.Subscription),
		logger:  logger.With().Str("component", "nats").Logger(),
	}

	// Add connection event handlers
	opts = append(opts,
		nats.ConnectHandler(client.connectHandler),
		nats.DisconnectErrHandler(client.disconnectHandler),
		nats.ReconnectHandler(client.reconnectHandler),
		nats.ClosedHandler(client.closedHandler),
		nats.ErrorHandler(client.errorHandler),
	)

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client.conn = conn
	client.metrics.SetBrokerConnected(true)
	client.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")

	return client, nil
}

// Connection event handlers
func (c *Client) connectHandler(conn *nats.Conn) {
	c.metrics.SetBrokerConnected(true)
}

func (c *Client) disconnectHandler(conn *nats.Conn, err error) {
	if err != nil {
		c.logger.Warn().Err(err).Msg("Disconnected from NATS")
		c.metrics.RecordError("nats_disconnect")
	} else {
		c.logger.Info().Msg("Disconnected from NATS")
	}
	c.metrics.SetBrokerConnected(false)
}

func (c *Client) reconnectHandler(conn *nats.Conn) {
	c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
	c.metrics.SetBrokerConnected(true)
	c.metrics.BrokerReconnected()
}

func (c *Client) closedHandler(conn *nats.Conn) {
	c.metrics.SetBrokerConnected(false)
}

func (c *Client) errorHandler(conn *nats.Conn, sub *nats.Subscription, err error) {
	ev := c.logger.Error().Err(err)
	if sub != nil {
		ev = ev.Str("subject", sub.Subject)
	}
	ev.Msg("NATS error")
	c.metrics.RecordError("nats_error")
}

// Subscribe to a subject. Payloads are handed to handler as received; the
// handler runs on the subscription's own goroutine.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	if _, exists := c.subs[subject]; exists {
		return nil
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		defer logging.FatalOnPanic(c.logger, "nats_handler")
		c.metrics.BrokerMessage()
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.subs[subject] = sub
	c.logger.Debug().Str("subject", subject).Msg("Subscribed to NATS subject")

	return nil
}

// Unsubscribe from a subject
func (c *Client) Unsubscribe(subject string) error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	sub, exists := c.subs[subject]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, subject)
	}

	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
	}
	delete(c.subs, subject)

	c.logger.Debug().Str("subject", subject).Msg("Unsubscribed from NATS subject")
	return nil
}

// Publish a message to a subject
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		c.metrics.RecordError("nats_publish")
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything sent so far. A ctx
// without a deadline is bounded by defaultFlushTimeout.
func (c *Client) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	return c.conn.FlushWithContext(ctx)
}

// Health check
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) Status() nats.Status {
	if c.conn == nil {
		return nats.DISCONNECTED
	}
	return c.conn.Status()
}

func (c *Client) Stats() nats.Statistics {
	if c.conn == nil {
		return nats.Statistics{}
	}
	return c.conn.Stats()
}

// Close drains nothing; pending deliveries are dropped.
func (c *Client) Close() error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Str("subject", subject).Msg("Error unsubscribing")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if c.conn != nil {
		c.conn.Close()
		c.metrics.SetBrokerConnected(false)
		c.logger.Info().Msg("NATS connection closed")
	}

	return nil
}

// WaitForConnection polls until the connection is up or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
