// Package bridge connects the channel registry to the pub/sub broker.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var ErrBrokerUnavailable = errors.New("broker unavailable")

// Broker is the pub/sub client contract. Both pkg/nats and pkg/redis satisfy it.
type Broker interface {
	Subscribe(name string, handler func(name string, payload []byte)) error
	Unsubscribe(name string) error
	Publish(name string, payload []byte) error
	IsConnected() bool
	Close() error
}

// Dispatcher receives every inbound broker message.
type Dispatcher interface {
	Dispatch(channel string, payload []byte) int
}

// Bridge tracks which channels this process has opened on the broker. Open
// and Close are idempotent and serialized against each other. It holds no
// socket references; inbound messages go to the attached Dispatcher only.
type Bridge struct {
	broker Broker
	logger zerolog.Logger

	mu   sync.Mutex
	open map[string]struct{}

	dmu        sync.RWMutex
	dispatcher Dispatcher
}

func New(broker Broker, logger zerolog.Logger) *Bridge {
	return &Bridge{
		broker: broker,
		logger: logger.With().Str("component", "bridge").Logger(),
		open:   make(map[string]struct{}),
	}
}

// Attach sets the message sink. The registry is built on top of the bridge,
// so it is attached after construction.
func (b *Bridge) Attach(d Dispatcher) {
	b.dmu.Lock()
	b.dispatcher = d
	b.dmu.Unlock()
}

// Open subscribes the broker to channel unless it is already open.
func (b *Bridge) Open(ctx context.Context, channel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.open[channel]; ok {
		return nil
	}
	if err := b.broker.Subscribe(channel, b.onMessage); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	b.open[channel] = struct{}{}
	return nil
}

// Close unsubscribes channel. Closing a channel that is not open is a no-op.
func (b *Bridge) Close(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.open[channel]; !ok {
		return nil
	}
	// A failed unsubscribe stays in the open set so Open reuses it and the
	// next Close retries.
	if err := b.broker.Unsubscribe(channel); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	delete(b.open, channel)
	return nil
}

// IsOpen reports whether channel has a broker subscription.
func (b *Bridge) IsOpen(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.open[channel]
	return ok
}

// OpenCount returns the number of open broker subscriptions.
func (b *Bridge) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

// Connected reports broker liveness for health output.
func (b *Bridge) Connected() bool {
	return b.broker.IsConnected()
}

func (b *Bridge) onMessage(channel string, payload []byte) {
	b.dmu.RLock()
	d := b.dispatcher
	b.dmu.RUnlock()

	if d == nil {
		b.logger.Warn().Str("channel", channel).Msg("Message received before dispatcher attached")
		return
	}
	d.Dispatch(channel, payload)
}
