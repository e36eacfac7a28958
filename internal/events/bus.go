// Package events carries run lifecycle records (episodes, checkpoints, stops,
// termination) from the actor and learner loops to observers. Delivery is
// synchronous and a failing observer never reaches the publisher.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Event is one lifecycle record
type Event interface {
	Type() string
	Timestamp() time.Time
	// Source is the actor or learner id that emitted the record
	Source() string
}

// Subscriber observes the event types it is interested in
type Subscriber interface {
	ID() string
	InterestedIn(eventType string) bool
	HandleEvent(Event)
}

// header is embedded by every concrete event
type header struct {
	Kind   string    `json:"type"`
	At     time.Time `json:"timestamp"`
	Origin string    `json:"source"`
}

func stamp(kind, source string) header {
	return header{Kind: kind, At: time.Now(), Origin: source}
}

func (h header) Type() string         { return h.Kind }
func (h header) Timestamp() time.Time { return h.At }
func (h header) Source() string       { return h.Origin }

// EventBus fans events out to subscribers in registration order
type EventBus struct {
	mu     sync.RWMutex
	subs   []Subscriber
	logger zerolog.Logger

	recovered atomic.Int64
}

func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		logger: logger.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers s. A subscriber with the same ID is replaced in place.
func (eb *EventBus) Subscribe(s Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for i, existing := range eb.subs {
		if existing.ID() == s.ID() {
			eb.subs[i] = s
			return
		}
	}
	eb.subs = append(eb.subs, s)
	eb.logger.Debug().Str("subscriber_id", s.ID()).Msg("Subscriber added to event bus")
}

// SubscribeFunc registers fn under id for the given event types, or for every
// type when none are given.
func (eb *EventBus) SubscribeFunc(id string, fn func(Event), eventTypes ...string) {
	eb.Subscribe(&funcSubscriber{id: id, fn: fn, types: eventTypes})
}

// Unsubscribe removes the subscriber registered under id
func (eb *EventBus) Unsubscribe(id string) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for i, s := range eb.subs {
		if s.ID() == id {
			eb.subs = append(eb.subs[:i], eb.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers event to every interested subscriber. Subscribers run
// outside the bus lock so they may subscribe or unsubscribe themselves.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	subs := append([]Subscriber(nil), eb.subs...)
	eb.mu.RUnlock()

	eventType := event.Type()
	for _, s := range subs {
		if s.InterestedIn(eventType) {
			eb.deliver(s, event)
		}
	}
}

func (eb *EventBus) deliver(s Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.recovered.Add(1)
			eb.logger.Error().
				Str("subscriber_id", s.ID()).
				Str("event_type", event.Type()).
				Interface("panic", r).
				Msg("Subscriber panicked while handling event")
		}
	}()
	s.HandleEvent(event)
}

// SubscriberCount returns the number of registered subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

// RecoveredPanics counts subscriber panics swallowed by Publish
func (eb *EventBus) RecoveredPanics() int64 {
	return eb.recovered.Load()
}

type funcSubscriber struct {
	id    string
	fn    func(Event)
	types []string
}

func (f *funcSubscriber) ID() string { return f.id }

func (f *funcSubscriber) InterestedIn(eventType string) bool {
	if len(f.types) == 0 {
		return true
	}
	for _, t := range f.types {
		if t == eventType {
			return true
		}
	}
	return false
}

func (f *funcSubscriber) HandleEvent(e Event) { f.fn(e) }
