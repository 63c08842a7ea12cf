// Package commbus provides the in-process event bus carrying kernel events
// (process.created, process.state_changed, interrupt.*, resource.exhausted)
// to local handlers and to channel subscribers that bridge events onto the
// wire.
package commbus

import (
	"fmt"
	"sync"
	"time"
)

// Delivery is one published event as seen by a subscriber.
type Delivery struct {
	Topic       string    `json:"topic" msgpack:"topic"`
	Payload     any       `json:"payload" msgpack:"payload"`
	PublishedAt time.Time `json:"published_at" msgpack:"published_at"`
}

// HandlerFunc handles a delivery synchronously on the publisher's goroutine.
type HandlerFunc func(Delivery)

// TopicAll subscribes to every topic.
const TopicAll = "*"

// subscriberBuffer is the channel depth for streaming subscribers. A slow
// subscriber drops events rather than blocking the kernel.
const subscriberBuffer = 256

// Logger is the minimal structured logger the bus accepts.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// =============================================================================
// Bus
// =============================================================================

// Bus is a thread-safe topic fan-out bus for single-process deployments.
//
// Usage:
//
//	bus := commbus.New(logger)
//	stop := bus.SubscribeFunc("process.created", onCreated)
//	sub := bus.Subscribe("interrupt.raised", "interrupt.resolved")
//	for d := range sub.C() { ... }
//	bus.Publish("process.created", event)
type Bus struct {
	logger   Logger
	handlers map[string][]*handlerEntry
	streams  map[string][]*Subscription
	nextID   int
	mu       sync.RWMutex
}

type handlerEntry struct {
	id int
	fn HandlerFunc
}

// New creates an empty bus. logger may be nil.
func New(logger Logger) *Bus {
	return &Bus{
		logger:   logger,
		handlers: make(map[string][]*handlerEntry),
		streams:  make(map[string][]*Subscription),
	}
}

// Publish fans an event out to all matching handlers and streaming
// subscribers. Handlers run synchronously; stream deliveries are
// non-blocking and dropped when a subscriber's buffer is full.
func (b *Bus) Publish(topic string, payload any) {
	delivery := Delivery{
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}

	b.mu.RLock()
	handlers := append([]*handlerEntry(nil), b.handlers[topic]...)
	handlers = append(handlers, b.handlers[TopicAll]...)
	streams := append([]*Subscription(nil), b.streams[topic]...)
	streams = append(streams, b.streams[TopicAll]...)
	b.mu.RUnlock()

	for _, entry := range handlers {
		b.invoke(entry, delivery)
	}
	for _, sub := range streams {
		sub.deliver(delivery, b.logger)
	}
}

// invoke runs one handler, containing panics so a bad subscriber cannot
// take down the publisher.
func (b *Bus) invoke(entry *handlerEntry, delivery Delivery) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Warn("bus_handler_panic", "topic", delivery.Topic, "panic", fmt.Sprintf("%v", r))
		}
	}()
	entry.fn(delivery)
}

// SubscribeFunc registers a synchronous handler for a topic. Returns an
// unsubscribe function.
func (b *Bus) SubscribeFunc(topic string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	entry := &handlerEntry{id: b.nextID, fn: handler}
	b.handlers[topic] = append(b.handlers[topic], entry)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[topic]
		for i, e := range entries {
			if e.id == entry.id {
				b.handlers[topic] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Subscribe opens a streaming subscription for the given topics. No topics
// means all topics. Close the subscription when done.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	if len(topics) == 0 {
		topics = []string{TopicAll}
	}

	sub := &Subscription{
		bus:    b,
		topics: topics,
		ch:     make(chan Delivery, subscriberBuffer),
	}

	b.mu.Lock()
	for _, topic := range topics {
		b.streams[topic] = append(b.streams[topic], sub)
	}
	b.mu.Unlock()

	if b.logger != nil {
		b.logger.Debug("bus_subscribed", "topics", topics)
	}
	return sub
}

// SubscriberCount returns the number of streaming subscribers for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams[topic])
}

// Topics returns every topic with a handler or subscriber.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{})
	for t := range b.handlers {
		seen[t] = struct{}{}
	}
	for t := range b.streams {
		seen[t] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for t := range seen {
		result = append(result, t)
	}
	return result
}

// Clear removes all handlers and closes all subscriptions. For tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	streams := b.streams
	b.handlers = make(map[string][]*handlerEntry)
	b.streams = make(map[string][]*Subscription)
	b.mu.Unlock()

	closed := make(map[*Subscription]bool)
	for _, subs := range streams {
		for _, sub := range subs {
			if !closed[sub] {
				sub.closeChan()
				closed[sub] = true
			}
		}
	}
}

func (b *Bus) removeSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		subs := b.streams[topic]
		for i, s := range subs {
			if s == sub {
				b.streams[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// =============================================================================
// Subscription
// =============================================================================

// Subscription is a buffered channel view of bus topics.
type Subscription struct {
	bus    *Bus
	topics []string
	ch     chan Delivery

	closeOnce sync.Once
	closedMu  sync.RWMutex
	closed    bool

	dropped int64
}

// C returns the delivery channel. Closed when the subscription closes.
func (s *Subscription) C() <-chan Delivery {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.removeSubscription(s)
	s.closeChan()
}

// Dropped returns the number of deliveries lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.dropped
}

func (s *Subscription) closeChan() {
	s.closeOnce.Do(func() {
		s.closedMu.Lock()
		s.closed = true
		s.closedMu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) deliver(d Delivery, logger Logger) {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- d:
	default:
		s.dropped++
		if logger != nil {
			logger.Warn("bus_delivery_dropped", "topic", d.Topic, "dropped", s.dropped)
		}
	}
}
