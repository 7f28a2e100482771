// Package realtime contains the ChatLens broadcast fabric and the WebSocket
// connection gateway that bridges live clients to it.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"chatlens/cmd/internal/metrics"
)

// Client types addressable over the realtime channel.
const (
	ClientTypeExtension   = "extension"
	ClientTypeFrontend    = "frontend"
	ClientTypeIntegration = "integration"
)

// ChannelFor names the channel carrying directly-forwarded traffic for one
// (client type, user) pair.
func ChannelFor(clientType, userID string) string {
	return clientType + "_user_" + userID
}

// FrontendChannel names the channel carrying all ingestion-pipeline output
// for one user, regardless of which client type triggered ingestion.
func FrontendChannel(userID string) string {
	return ChannelFor(ClientTypeFrontend, userID)
}

// ExtensionChannel names the channel carrying server-originated commands to
// the user's extension.
func ExtensionChannel(userID string) string {
	return ChannelFor(ClientTypeExtension, userID)
}

// Broadcaster is the narrow pub/sub seam of the fabric. The fabric is a
// byte-level relay: it never interprets message content. Publishing to a
// channel with zero subscribers is not an error, and a subscription only
// sees messages published after it begins (no backlog replay).
type Broadcaster interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
}

// Subscription is a live feed of one channel.
//
// Close is idempotent and deterministically releases the subscription;
// after Close the message channel is closed once in-flight deliveries end.
type Subscription struct {
	msgs chan []byte

	closeOnce sync.Once
	release   func()
}

// C returns the message feed.
func (s *Subscription) C() <-chan []byte { return s.msgs }

// Close releases the subscription (idempotent).
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(s.release)
}

const (
	defaultSubscriberQueue = 256
	minSubscriberQueue     = 16
)

// MemoryBus is the in-process Broadcaster used in single-process
// deployments. Per-subscriber queues are bounded; delivery to a full or
// closing subscriber drops that message rather than blocking the channel.
type MemoryBus struct {
	log       *slog.Logger
	queueSize int

	mu       sync.RWMutex
	channels map[string]map[uint64]*busSubscriber
	nextID   uint64
	closed   bool
}

type busSubscriber struct {
	sub  *Subscription
	done chan struct{}
}

// NewMemoryBus constructs an in-memory Broadcaster.
func NewMemoryBus(log *slog.Logger, queueSize int) *MemoryBus {
	if queueSize <= 0 {
		queueSize = defaultSubscriberQueue
	}
	if queueSize < minSubscriberQueue {
		queueSize = minSubscriberQueue
	}
	return &MemoryBus{
		log:       log,
		queueSize: queueSize,
		channels:  make(map[string]map[uint64]*busSubscriber),
	}
}

// Publish delivers a message to every current subscriber of the channel.
// Fire-and-forget: zero subscribers is not an error.
func (b *MemoryBus) Publish(ctx context.Context, channel string, message []byte) error {
	if channel == "" {
		return errors.New("realtime: empty channel")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New("realtime: bus closed")
	}

	metrics.BusPublished.Inc()

	for _, s := range b.channels[channel] {
		select {
		case <-s.done:
			continue
		default:
		}

		select {
		case s.sub.msgs <- message:
		default:
			// Drop rather than block the whole channel.
			metrics.BusDropped.Inc()
			b.log.Warn("bus.drop", "channel", channel)
		}
	}
	return nil
}

// Subscribe registers a new subscription on the channel.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if channel == "" {
		return nil, errors.New("realtime: empty channel")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("realtime: bus closed")
	}

	id := b.nextID
	b.nextID++

	s := &busSubscriber{
		done: make(chan struct{}),
	}
	s.sub = &Subscription{
		msgs: make(chan []byte, b.queueSize),
		release: func() {
			b.unsubscribe(channel, id, s)
		},
	}

	if b.channels[channel] == nil {
		b.channels[channel] = make(map[uint64]*busSubscriber)
	}
	b.channels[channel][id] = s

	b.log.Debug("bus.subscribe", "channel", channel)
	return s.sub, nil
}

func (b *MemoryBus) unsubscribe(channel string, id uint64, s *busSubscriber) {
	b.mu.Lock()
	close(s.done)
	subs := b.channels[channel]
	if subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
	// Safe to close under the write lock: publishers send while holding the
	// read lock, so no send can race this close.
	close(s.sub.msgs)
	b.mu.Unlock()

	b.log.Debug("bus.unsubscribe", "channel", channel)
}

// Close shuts the bus down and releases every subscription.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	channels := b.channels
	b.channels = make(map[string]map[uint64]*busSubscriber)
	b.mu.Unlock()

	for _, subs := range channels {
		for _, s := range subs {
			close(s.done)
			close(s.sub.msgs)
		}
	}
}
