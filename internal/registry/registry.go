// Package registry is the in-memory index between channel names and sockets.
//
// The registry owns both directions of the index (channel -> sockets and
// socket -> channels) and the reference count that keeps a broker
// subscription open. A channel entry exists exactly while its broker
// subscription is open and at least one socket is registered.
//
// Locking: a per-channel transition lock serializes the first-subscribe and
// last-unsubscribe of one name, so an open and a close for the same channel
// never overlap. The index lock is only held for map updates and is never
// held across a broker call. Lock order is channel lock, then index lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

var ErrNoChannel = errors.New("channel name is empty")

// Socket is the registry's view of a connection. Send must not block; it
// returns false when the socket is not open for writes.
type Socket interface {
	ID() string
	Send(payload []byte) bool
}

// Broker opens and closes the broker-level subscription for a channel.
type Broker interface {
	Open(ctx context.Context, channel string) error
	Close(channel string) error
}

// Recorder receives delivery counters and broker-side failures.
type Recorder interface {
	EventsDispatched(n int)
	SetChannels(n int)
	RecordError(errorType string)
}

type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[Socket]struct{}
	sockets  map[Socket]map[string]struct{}

	transitions *keyedMutex
	broker      Broker
	recorder    Recorder
	logger      zerolog.Logger
}

func New(broker Broker, recorder Recorder, logger zerolog.Logger) *Registry {
	return &Registry{
		channels:    make(map[string]map[Socket]struct{}),
		sockets:     make(map[Socket]map[string]struct{}),
		transitions: newKeyedMutex(),
		broker:      broker,
		recorder:    recorder,
		logger:      logger.With().Str("component", "registry").Logger(),
	}
}

// Subscribe registers socket on channel. A repeated pair is a no-op. The
// first subscriber opens the broker subscription before it is registered.
// Subscribe must not be called for a socket after UnsubscribeAll.
func (r *Registry) Subscribe(ctx context.Context, channel string, s Socket) error {
	if channel == "" {
		return ErrNoChannel
	}

	unlock := r.transitions.Lock(channel)
	defer unlock()

	r.mu.RLock()
	set, live := r.channels[channel]
	_, already := set[s]
	r.mu.RUnlock()
	if already {
		return nil
	}

	if !live {
		if err := r.broker.Open(ctx, channel); err != nil {
			return fmt.Errorf("open channel %s: %w", channel, err)
		}
	}

	r.mu.Lock()
	set, ok := r.channels[channel]
	if !ok {
		set = make(map[Socket]struct{})
		r.channels[channel] = set
	}
	set[s] = struct{}{}
	owned, ok := r.sockets[s]
	if !ok {
		owned = make(map[string]struct{})
		r.sockets[s] = owned
	}
	owned[channel] = struct{}{}
	count := len(r.channels)
	r.mu.Unlock()

	r.recorder.SetChannels(count)
	if !live {
		r.logger.Debug().Str("channel", channel).Msg("Channel opened")
	}
	return nil
}

// UnsubscribeAll removes socket from every channel it joined and closes the
// broker subscription of each channel left empty. It returns the channels
// the socket was removed from.
func (r *Registry) UnsubscribeAll(s Socket) []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.sockets[s]))
	for ch := range r.sockets[s] {
		names = append(names, ch)
	}
	r.mu.RUnlock()
	if len(names) == 0 {
		return nil
	}

	// Sorted acquisition keeps concurrent UnsubscribeAll calls deadlock free.
	sort.Strings(names)
	unlocks := make(map[string]func(), len(names))
	for _, ch := range names {
		unlocks[ch] = r.transitions.Lock(ch)
	}

	var emptied []string
	r.mu.Lock()
	for _, ch := range names {
		set := r.channels[ch]
		delete(set, s)
		if len(set) == 0 {
			delete(r.channels, ch)
			emptied = append(emptied, ch)
		}
	}
	delete(r.sockets, s)
	count := len(r.channels)
	r.mu.Unlock()

	r.recorder.SetChannels(count)

	isEmptied := make(map[string]bool, len(emptied))
	for _, ch := range emptied {
		isEmptied[ch] = true
	}
	for _, ch := range names {
		if !isEmptied[ch] {
			unlocks[ch]()
		}
	}
	for _, ch := range emptied {
		if err := r.broker.Close(ch); err != nil {
			// The broker keeps it; the next last-unsubscribe of ch retries.
			r.recorder.RecordError("broker_unsubscribe")
			r.logger.Warn().Err(err).Str("channel", ch).Msg("Failed to close broker subscription")
		} else {
			r.logger.Debug().Str("channel", ch).Msg("Channel closed")
		}
		unlocks[ch]()
	}

	return names
}

// Dispatch writes payload to every socket registered on channel at this
// instant. Sockets that refuse the write are skipped; their own close path
// cleans them up. Returns the number of deliveries.
func (r *Registry) Dispatch(channel string, payload []byte) int {
	r.mu.RLock()
	set := r.channels[channel]
	targets := make([]Socket, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(payload) {
			delivered++
		}
	}
	r.recorder.EventsDispatched(delivered)
	return delivered
}

// Subscribers returns the sockets currently on channel.
func (r *Registry) Subscribers(channel string) []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Socket, 0, len(r.channels[channel]))
	for s := range r.channels[channel] {
		out = append(out, s)
	}
	return out
}

// Channels returns the sorted channel names socket is registered on.
func (r *Registry) Channels(s Socket) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.sockets[s]))
	for ch := range r.sockets[s] {
		out = append(out, ch)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// ChannelCount returns the number of live channels.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// SocketCount returns the number of sockets holding at least one channel.
func (r *Registry) SocketCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}
