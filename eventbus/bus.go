// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package eventbus fans call and auth state changes out to live observers.
// Events are never stored: a subscriber sees only what is published while it
// is subscribed.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/sprucehealth/twibridge/model"
	"github.com/sprucehealth/twibridge/telemetry"
)

// DefaultBufferSize is the per-subscriber queue length
const DefaultBufferSize = 64

// Bus is a process-wide in-memory publish/subscribe hub. Publish never blocks:
// when a subscriber's queue is full its oldest queued event is dropped.
type Bus struct {
	logger  *slog.Logger
	bufSize int

	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	closed      bool

	published atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Bus
type Option func(*Bus)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates a bus
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:      slog.Default(),
		bufSize:     DefaultBufferSize,
		subscribers: make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.registerMetrics()
	return b
}

// Subscription is one observer's queue. C is closed when the subscription
// or the bus is closed.
type Subscription struct {
	C <-chan model.Event

	bus *Bus
	ch  chan model.Event

	mu     sync.Mutex
	closed bool
}

// Subscribe registers a new observer. The first event on C is a connected
// event that only this subscriber receives.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan model.Event, b.bufSize)
	sub := &Subscription{C: ch, bus: b, ch: ch}
	ch <- model.NewEvent(model.EventConnected, nil)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(ch)
		return sub
	}
	b.subscribers[sub] = struct{}{}
	b.logger.Debug("eventbus: subscribed", "subscribers", len(b.subscribers))
	return sub
}

// Publish delivers event to every current subscriber.
func (b *Bus) Publish(event model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for sub := range b.subscribers {
		if sub.offer(event) {
			b.dropped.Add(1)
			b.logger.Debug("eventbus: dropped oldest event for slow subscriber", "event", event.Kind)
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns the number of events discarded for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later publishes are no-ops and later
// subscriptions are closed immediately after their connected event.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		sub.shut()
		delete(b.subscribers, sub)
	}
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subscribers, s)
	s.shut()
}

// offer enqueues event, evicting the oldest queued events until it fits.
// It reports whether anything was dropped.
func (s *Subscription) offer(event model.Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- event:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (b *Bus) registerMetrics() {
	meter := telemetry.Meter("twibridge/eventbus")

	_, _ = meter.Int64ObservableGauge("twibridge.eventbus.subscribers",
		metric.WithDescription("Current number of event stream subscribers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("twibridge.eventbus.dropped_total",
		metric.WithDescription("Events dropped because a subscriber queue was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.dropped.Load())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("twibridge.eventbus.published_total",
		metric.WithDescription("Events published to the bus"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.published.Load())
			return nil
		}),
	)
}
