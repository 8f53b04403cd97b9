// Package tracker resolves active signals against subsequent price action.
// The bar path (CheckKline) applies the pessimistic rule when one bar spans
// both levels; the trade path (ProcessTrade, live only) resolves by first
// touch.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-signal-engine/internal/events"
	"perp-signal-engine/internal/market"
	"perp-signal-engine/internal/signal"
)

// DefaultTimeout releases signals that neither level resolved within a day.
const DefaultTimeout = 24 * time.Hour

// Resolver releases position locks and folds outcomes into streaks. The
// strategy runtime implements it.
type Resolver interface {
	RecordOutcome(ctx context.Context, outcome signal.Outcome, symbol, timeframe string) error
	ReleasePosition(symbol, timeframe string)
	NotifyOutcome(ctx context.Context, rec *signal.Record, outcome signal.Outcome)
}

// SignalStore persists outcome mutations. Implementations retry internally;
// a returned error means the store is effectively down.
type SignalStore interface {
	UpdateOutcome(ctx context.Context, rec *signal.Record) error
}

// OutcomeTracker owns the in-memory set of active signals for one symbol
// pipeline.
type OutcomeTracker struct {
	mu        sync.Mutex
	active    []*signal.Record
	resolvers map[string]Resolver
	store     SignalStore
	bus       *events.EventBus
	timeout   time.Duration
	log       zerolog.Logger
}

// Option configures an OutcomeTracker.
type Option func(*OutcomeTracker)

// WithTimeout overrides the 24h signal timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *OutcomeTracker) { t.timeout = d }
}

// WithStore attaches the persistence hook for outcome mutations.
func WithStore(store SignalStore) Option {
	return func(t *OutcomeTracker) { t.store = store }
}

// WithBus attaches the observer event bus.
func WithBus(bus *events.EventBus) Option {
	return func(t *OutcomeTracker) { t.bus = bus }
}

// New creates an outcome tracker.
func New(log zerolog.Logger, opts ...Option) *OutcomeTracker {
	t := &OutcomeTracker{
		resolvers: make(map[string]Resolver),
		timeout:   DefaultTimeout,
		log:       log.With().Str("component", "outcome_tracker").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RegisterResolver wires the strategy that owns signals with this name.
func (t *OutcomeTracker) RegisterResolver(strategyName string, r Resolver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolvers[strategyName] = r
}

// Track adds an active signal. Terminal records are ignored.
func (t *OutcomeTracker) Track(rec *signal.Record) {
	if rec == nil || !rec.IsActive() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = append(t.active, rec)
}

// ActiveCount returns the number of tracked signals.
func (t *OutcomeTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Active returns a snapshot of the tracked signals.
func (t *OutcomeTracker) Active() []*signal.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*signal.Record(nil), t.active...)
}

// CheckKline sweeps every active signal of the bar's symbol: timeout first,
// then MAE/MFE bookkeeping, then resolution. A bar that spans both levels
// resolves SL.
func (t *OutcomeTracker) CheckKline(ctx context.Context, k market.Kline) {
	t.mu.Lock()
	remaining := t.active[:0]
	var resolved, timedOut []*signal.Record
	for _, rec := range t.active {
		if rec.Symbol != k.Symbol {
			remaining = append(remaining, rec)
			continue
		}
		if k.Timestamp.Sub(rec.SignalTime) >= t.timeout {
			timedOut = append(timedOut, rec)
			continue
		}
		sweepExcursions(rec, k)
		if outcome := barOutcome(rec, k); outcome != signal.OutcomeActive {
			rec.Resolve(outcome, k.Timestamp)
			resolved = append(resolved, rec)
			continue
		}
		remaining = append(remaining, rec)
	}
	t.active = remaining
	t.mu.Unlock()

	for _, rec := range timedOut {
		t.log.Info().
			Str("signal_id", rec.ID).
			Str("symbol", rec.Symbol).
			Str("timeframe", rec.Timeframe).
			Msg("signal timed out, releasing unresolved")
		t.notify(ctx, rec, signal.OutcomeActive)
	}
	for _, rec := range resolved {
		t.log.Info().
			Str("signal_id", rec.ID).
			Str("symbol", rec.Symbol).
			Str("timeframe", rec.Timeframe).
			Str("outcome", string(rec.Outcome)).
			Str("outcome_price", rec.OutcomePrice.String()).
			Msg("signal resolved")
		t.notify(ctx, rec, rec.Outcome)
	}
	if t.bus != nil {
		for _, rec := range t.activeForSymbol(k.Symbol) {
			t.bus.PublishMAEUpdate(rec)
		}
	}
}

// ProcessTrade resolves by first touch against a single traded price. Live
// path only; replay resolves on bars.
func (t *OutcomeTracker) ProcessTrade(ctx context.Context, trade market.Trade) {
	t.mu.Lock()
	remaining := t.active[:0]
	var resolved []*signal.Record
	for _, rec := range t.active {
		if rec.Symbol != trade.Symbol {
			remaining = append(remaining, rec)
			continue
		}
		if outcome := rec.CheckOutcome(trade.Price, trade.Timestamp); outcome != signal.OutcomeActive {
			resolved = append(resolved, rec)
			continue
		}
		remaining = append(remaining, rec)
	}
	t.active = remaining
	t.mu.Unlock()

	for _, rec := range resolved {
		t.log.Info().
			Str("signal_id", rec.ID).
			Str("symbol", rec.Symbol).
			Str("outcome", string(rec.Outcome)).
			Msg("signal resolved on trade")
		t.notify(ctx, rec, rec.Outcome)
	}
}

// UpdateATR raises max_atr for every active signal of the pair.
func (t *OutcomeTracker) UpdateATR(symbol, timeframe string, atr float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.active {
		if rec.Symbol == symbol && rec.Timeframe == timeframe && atr > rec.MaxATR {
			rec.MaxATR = atr
		}
	}
}

// Finalize persists the excursion state of still-active signals at end of
// stream and returns them, outcome untouched.
func (t *OutcomeTracker) Finalize(ctx context.Context) []*signal.Record {
	leftover := t.Active()
	for _, rec := range leftover {
		t.persist(ctx, rec)
	}
	return leftover
}

func (t *OutcomeTracker) activeForSymbol(symbol string) []*signal.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*signal.Record
	for _, rec := range t.active {
		if rec.Symbol == symbol {
			out = append(out, rec)
		}
	}
	return out
}

// notify releases the lock, updates streaks, persists, and fans out to the
// bus. outcome may be Active for a timeout release.
func (t *OutcomeTracker) notify(ctx context.Context, rec *signal.Record, outcome signal.Outcome) {
	t.mu.Lock()
	resolver := t.resolvers[rec.Strategy]
	t.mu.Unlock()

	if resolver != nil {
		if err := resolver.RecordOutcome(ctx, outcome, rec.Symbol, rec.Timeframe); err != nil {
			t.log.Error().Err(err).Str("signal_id", rec.ID).Msg("record outcome failed")
		}
	}
	if outcome != signal.OutcomeActive {
		t.persist(ctx, rec)
	}
	if resolver != nil {
		resolver.NotifyOutcome(ctx, rec, outcome)
	}
	if t.bus != nil {
		t.bus.PublishOutcome(rec, outcome)
	}
}

// persist writes the record's outcome fields; a failing store degrades the
// engine instead of stopping it since MAE/MFE are re-derivable by replay.
func (t *OutcomeTracker) persist(ctx context.Context, rec *signal.Record) {
	if t.store == nil {
		return
	}
	if err := t.store.UpdateOutcome(ctx, rec); err != nil {
		t.log.Error().Err(err).Str("signal_id", rec.ID).Msg("outcome persist failed")
		if t.bus != nil {
			t.bus.PublishStatus("signal_store", "degraded", err.Error())
		}
	}
}

// sweepExcursions feeds the adverse extreme first so a bar that both wicks
// against and runs for the signal grows MAE before MFE.
func sweepExcursions(rec *signal.Record, k market.Kline) {
	if rec.Direction == signal.Long {
		rec.UpdateMAE(k.Low)
		rec.UpdateMAE(k.High)
	} else {
		rec.UpdateMAE(k.High)
		rec.UpdateMAE(k.Low)
	}
}

// barOutcome applies the pessimistic rule: when both levels fall inside the
// bar's range, the loss wins.
func barOutcome(rec *signal.Record, k market.Kline) signal.Outcome {
	var tpHit, slHit bool
	if rec.Direction == signal.Long {
		tpHit = k.High.GreaterThanOrEqual(rec.TPPrice)
		slHit = k.Low.LessThanOrEqual(rec.SLPrice)
	} else {
		tpHit = k.Low.LessThanOrEqual(rec.TPPrice)
		slHit = k.High.GreaterThanOrEqual(rec.SLPrice)
	}
	switch {
	case slHit:
		return signal.OutcomeSL
	case tpHit:
		return signal.OutcomeTP
	default:
		return signal.OutcomeActive
	}
}
