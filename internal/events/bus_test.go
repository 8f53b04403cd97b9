package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-signal-engine/internal/signal"
)

func TestPublishDispatchesInRegistrationOrder(t *testing.T) {
	bus := NewEventBus()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		bus.Subscribe(EventSignal, func(Event) {
			order = append(order, i)
		})
	}

	bus.Publish(Event{Type: EventSignal})

	if len(order) != 5 {
		t.Fatalf("delivered to %d subscribers, want 5", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("position %d saw subscriber %d, out of order", i, got)
		}
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewEventBus()

	var signals, outcomes int
	bus.Subscribe(EventSignal, func(Event) { signals++ })
	bus.Subscribe(EventOutcome, func(Event) { outcomes++ })

	bus.Publish(Event{Type: EventSignal})
	bus.Publish(Event{Type: EventSignal})
	bus.Publish(Event{Type: EventOutcome})

	if signals != 2 || outcomes != 1 {
		t.Errorf("signals=%d outcomes=%d, want 2 and 1", signals, outcomes)
	}
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	bus := NewEventBus()

	var seen []EventType
	bus.SubscribeAll(func(e Event) { seen = append(seen, e.Type) })

	bus.Publish(Event{Type: EventSignal})
	bus.Publish(Event{Type: EventMAEUpdate})
	bus.Publish(Event{Type: EventStatus})

	if len(seen) != 3 {
		t.Errorf("saw %d events, want 3", len(seen))
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()

	var calls int
	id := bus.Subscribe(EventSignal, func(Event) { calls++ })
	bus.Publish(Event{Type: EventSignal})
	bus.Unsubscribe(id)
	bus.Publish(Event{Type: EventSignal})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 after unsubscribe", calls)
	}
}

func TestPublishSignalPayload(t *testing.T) {
	bus := NewEventBus()

	var got Event
	bus.Subscribe(EventSignal, func(e Event) { got = e })

	rec := signal.NewRecord("msr_retest_capture", "BTCUSDT", "5m",
		time.Date(2025, 6, 1, 0, 5, 0, 0, time.UTC), signal.Long,
		decimal.NewFromFloat(50000), decimal.NewFromFloat(50500), decimal.NewFromFloat(49000), 250, 1)
	bus.PublishSignal(rec)

	if got.Data["id"] != rec.ID {
		t.Errorf("payload id = %v, want %s", got.Data["id"], rec.ID)
	}
	if got.Data["symbol"] != "BTCUSDT" || got.Data["direction"] != 1 {
		t.Errorf("payload = %v", got.Data)
	}
	if got.Timestamp.IsZero() {
		t.Error("event timestamp not set")
	}
}

func TestPublishOutcomePayload(t *testing.T) {
	bus := NewEventBus()

	var got Event
	bus.Subscribe(EventOutcome, func(e Event) { got = e })

	rec := signal.NewRecord("msr_retest_capture", "BTCUSDT", "5m",
		time.Date(2025, 6, 1, 0, 5, 0, 0, time.UTC), signal.Long,
		decimal.NewFromFloat(50000), decimal.NewFromFloat(50500), decimal.NewFromFloat(49000), 250, 1)
	rec.Resolve(signal.OutcomeTP, time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC))
	bus.PublishOutcome(rec, signal.OutcomeTP)

	if got.Data["outcome"] != "tp" {
		t.Errorf("payload outcome = %v, want tp", got.Data["outcome"])
	}
	if got.Data["outcome_price"] != "50500" {
		t.Errorf("payload outcome_price = %v, want 50500", got.Data["outcome_price"])
	}
}
