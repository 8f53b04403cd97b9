// Package events provides the in-process event bus connecting the engine to
// outbound observers (UI fan-out, persistence hooks). Dispatch is synchronous
// and in registration order, so per-symbol event ordering follows processing
// order.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"perp-signal-engine/internal/signal"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignal    EventType = "SIGNAL"
	EventOutcome   EventType = "OUTCOME"
	EventMAEUpdate EventType = "MAE_UPDATE"
	EventStatus    EventType = "STATUS"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Subscription identifies one registered subscriber so it can be removed.
type Subscription string

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subEntry
	allSubs     []subEntry
}

type subEntry struct {
	id Subscription
	fn Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]subEntry),
	}
}

// Subscribe registers a subscriber for a specific event type and returns a
// token for Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := Subscription(uuid.NewString())
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subEntry{id: id, fn: subscriber})
	return id
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := Subscription(uuid.NewString())
	eb.allSubs = append(eb.allSubs, subEntry{id: id, fn: subscriber})
	return id
}

// Unsubscribe removes a previously registered subscriber. Unknown tokens are
// a no-op.
func (eb *EventBus) Unsubscribe(id Subscription) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for typ, subs := range eb.subscribers {
		eb.subscribers[typ] = removeSub(subs, id)
	}
	eb.allSubs = removeSub(eb.allSubs, id)
}

func removeSub(subs []subEntry, id Subscription) []subEntry {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish sends an event to all subscribers in registration order. Dispatch
// is synchronous: a slow subscriber back-pressures the publishing pipeline
// rather than reordering events.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	specific := append([]subEntry(nil), eb.subscribers[event.Type]...)
	all := append([]subEntry(nil), eb.allSubs...)
	eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, sub := range specific {
		sub.fn(event)
	}
	for _, sub := range all {
		sub.fn(event)
	}
}

// PublishSignal publishes a newly emitted signal
func (eb *EventBus) PublishSignal(rec *signal.Record) {
	eb.Publish(Event{
		Type: EventSignal,
		Data: signalData(rec),
	})
}

// PublishOutcome publishes a signal resolution (or timeout release)
func (eb *EventBus) PublishOutcome(rec *signal.Record, outcome signal.Outcome) {
	data := signalData(rec)
	data["outcome"] = string(outcome)
	if rec.OutcomeTime != nil {
		data["outcome_time"] = rec.OutcomeTime.UTC()
	}
	if !rec.OutcomePrice.IsZero() {
		data["outcome_price"] = rec.OutcomePrice.String()
	}
	eb.Publish(Event{
		Type: EventOutcome,
		Data: data,
	})
}

// PublishMAEUpdate publishes updated excursion ratios for an active signal
func (eb *EventBus) PublishMAEUpdate(rec *signal.Record) {
	eb.Publish(Event{
		Type: EventMAEUpdate,
		Data: map[string]interface{}{
			"id":        rec.ID,
			"symbol":    rec.Symbol,
			"timeframe": rec.Timeframe,
			"mae_ratio": rec.MAERatio,
			"mfe_ratio": rec.MFERatio,
			"max_atr":   rec.MaxATR,
		},
	})
}

// PublishStatus publishes an engine status change, e.g. a degraded store.
func (eb *EventBus) PublishStatus(source, status, message string) {
	eb.Publish(Event{
		Type: EventStatus,
		Data: map[string]interface{}{
			"source":  source,
			"status":  status,
			"message": message,
		},
	})
}

func signalData(rec *signal.Record) map[string]interface{} {
	return map[string]interface{}{
		"id":               rec.ID,
		"strategy":         rec.Strategy,
		"symbol":           rec.Symbol,
		"timeframe":        rec.Timeframe,
		"signal_time":      rec.SignalTime,
		"direction":        int(rec.Direction),
		"entry_price":      rec.EntryPrice.String(),
		"tp_price":         rec.TPPrice.String(),
		"sl_price":         rec.SLPrice.String(),
		"atr_at_signal":    rec.ATRAtSignal,
		"streak_at_signal": rec.StreakAtSignal,
	}
}
