package agui

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/metrics"
)

// Store persists events before they are broadcast. Implemented by the
// eventstore package.
type Store interface {
	SaveEvent(ctx context.Context, elementID, eventType string, data map[string]any, ts time.Time) error
}

// Mirror receives a best-effort copy of every broadcast event, e.g. a Redis
// Streams tail for external consumers.
type Mirror interface {
	Append(ctx context.Context, ev Event)
}

// Subscriber is one live consumer of the event stream. Events arrive on a
// bounded channel; when the consumer falls behind the oldest buffered events
// are dropped and a stream.overflow warning is injected.
type Subscriber struct {
	ch      chan Event
	dropped atomic.Int64
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Broadcaster fans engine events out to live subscribers and drives
// persistence. Persistence is synchronous within Publish; subscriber
// delivery never blocks the engine.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[*Subscriber]struct{}
	taskCats map[string]map[string]struct{}
	store    Store
	mirror   Mirror
	logger   *zap.Logger
	bufSize  int
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithStore enables synchronous persistence of every published event.
func WithStore(s Store) Option { return func(b *Broadcaster) { b.store = s } }

// WithMirror attaches a best-effort stream mirror.
func WithMirror(m Mirror) Option { return func(b *Broadcaster) { b.mirror = m } }

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(logger *zap.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:     make(map[*Subscriber]struct{}),
		taskCats: make(map[string]map[string]struct{}),
		logger:   logger,
		bufSize:  256,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a new live subscriber. The caller must drain the
// channel and call Unsubscribe when done.
func (b *Broadcaster) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan Event, b.bufSize)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// RegisterTaskCategories declares which event categories a task element emits
// to subscribers. Events outside the declared categories are still persisted
// but not broadcast. An empty set removes the filter.
func (b *Broadcaster) RegisterTaskCategories(elementID string, categories []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(categories) == 0 {
		delete(b.taskCats, elementID)
		return
	}
	set := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}
	b.taskCats[elementID] = set
}

// Publish persists the event, then fans it out to all subscribers. The store
// write completing is a precondition for success; a persistence failure is
// returned to the caller and nothing is broadcast.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if b.store != nil {
		if err := b.store.SaveEvent(ctx, ev.ElementID, ev.Type, ev.Data, ev.Timestamp); err != nil {
			return fmt.Errorf("persist event %s: %w", ev.Type, err)
		}
	}
	metrics.EventsPublished.WithLabelValues(Category(ev.Type)).Inc()

	if b.mirror != nil {
		b.mirror.Append(ctx, ev)
	}

	if !b.shouldBroadcast(ev) {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		b.deliver(s, ev)
	}
	return nil
}

// shouldBroadcast consults the per-task category filter. Events for elements
// without a registered filter, and events of unknown type, are always sent.
func (b *Broadcaster) shouldBroadcast(ev Event) bool {
	cat := Category(ev.Type)
	if cat == "" {
		return true
	}
	b.mu.RLock()
	set, ok := b.taskCats[ev.ElementID]
	b.mu.RUnlock()
	if !ok {
		return true
	}
	_, enabled := set[cat]
	return enabled
}

// deliver sends without blocking. On a full buffer the oldest event is
// dropped to make room, and a warning event replaces it so the subscriber
// can tell its view is gappy.
func (b *Broadcaster) deliver(s *Subscriber, ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	// Drop the two oldest buffered events, then queue a warning plus the
	// new event.
	for i := 0; i < 2; i++ {
		select {
		case <-s.ch:
			s.dropped.Add(1)
			metrics.EventsDropped.Inc()
		default:
		}
	}
	warn := NewEvent(EventStreamOverflow, ev.ElementID, map[string]any{
		"dropped": s.dropped.Load(),
	})
	select {
	case s.ch <- warn:
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		metrics.EventsDropped.Inc()
		b.logger.Warn("subscriber buffer full, event dropped",
			zap.String("type", ev.Type),
			zap.String("element_id", ev.ElementID))
	}
}
