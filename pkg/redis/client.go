// Package redis is the Redis pub/sub broker client. Channel names map one to
// one onto Redis channels.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"notify-gateway/internal/logging"
)

var ErrNotSubscribed = errors.New("not subscribed to channel")

// Recorder receives broker connection events.
type Recorder interface {
	SetBrokerConnected(connected bool)
	BrokerReconnected()
	BrokerMessage()
	RecordError(errorType string)
}

type Config struct {
	URL          string
	PingInterval time.Duration
	OpTimeout    time.Duration
}

// Client multiplexes every subscription over one PubSub connection. go-redis
// re-establishes the PubSub and its channels after a dropped connection.
type Client struct {
	rdb     *redis.Client
	pubsub  *redis.PubSub
	metrics Recorder
	logger  zerolog.Logger
	timeout time.Duration

	mu       sync.RWMutex
	handlers map[string]func(channel string, data []byte)

	connected atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewClient connects and verifies the server with PING. The initial ping must
// succeed.
func NewClient(config Config, metrics Recorder, logger zerolog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 10 * time.Second
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), config.OpTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := &Client{
		rdb:      rdb,
		pubsub:   rdb.Subscribe(context.Background()),
		metrics:  metrics,
		logger:   logger.With().Str("component", "redis").Logger(),
		timeout:  config.OpTimeout,
		handlers: make(map[string]func(string, []byte)),
		done:     make(chan struct{}),
	}
	c.setConnected(true)
	c.logger.Info().Str("addr", opt.Addr).Msg("Connected to Redis")

	c.wg.Add(2)
	go c.receiveLoop()
	go c.healthLoop(config.PingInterval)

	return c, nil
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	defer logging.FatalOnPanic(c.logger, "redis_receive")

	for msg := range c.pubsub.Channel() {
		c.mu.RLock()
		handler := c.handlers[msg.Channel]
		c.mu.RUnlock()
		if handler == nil {
			continue
		}
		c.metrics.BrokerMessage()
		handler(msg.Channel, []byte(msg.Payload))
	}
}

func (c *Client) healthLoop(interval time.Duration) {
	defer c.wg.Done()
	defer logging.FatalOnPanic(c.logger, "redis_health")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			err := c.rdb.Ping(ctx).Err()
			cancel()
			if err != nil {
				if c.connected.Load() {
					c.logger.Warn().Err(err).Msg("Redis ping failed")
					c.metrics.RecordError("redis_disconnect")
				}
				c.setConnected(false)
				continue
			}
			if !c.connected.Load() {
				c.logger.Info().Msg("Redis connection restored")
				c.metrics.BrokerReconnected()
			}
			c.setConnected(true)
		}
	}
}

func (c *Client) setConnected(v bool) {
	c.connected.Store(v)
	c.metrics.SetBrokerConnected(v)
}

// Subscribe adds channel to the shared PubSub.
func (c *Client) Subscribe(channel string, handler func(channel string, data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.handlers[channel]; exists {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.pubsub.Subscribe(ctx, channel); err != nil {
		c.metrics.RecordError("redis_subscribe")
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	c.handlers[channel] = handler
	c.logger.Debug().Str("channel", channel).Msg("Subscribed to Redis channel")
	return nil
}

func (c *Client) Unsubscribe(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.handlers[channel]; !exists {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, channel)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.pubsub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", channel, err)
	}
	delete(c.handlers, channel)

	c.logger.Debug().Str("channel", channel).Msg("Unsubscribed from Redis channel")
	return nil
}

func (c *Client) Publish(channel string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		c.metrics.RecordError("redis_publish")
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if perr := c.pubsub.Close(); perr != nil {
			err = perr
		}
		if rerr := c.rdb.Close(); rerr != nil && err == nil {
			err = rerr
		}
		c.wg.Wait()
		c.setConnected(false)
		c.logger.Info().Msg("Redis connection closed")
	})
	return err
}
