package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-signal-engine/internal/market"
	"perp-signal-engine/internal/signal"
)

// runtime is the state shared by every concrete strategy: position locks,
// streak trackers, observers, and the filter gate. Concrete strategies embed
// it and call evaluate-time helpers.
type runtime struct {
	name string
	deps Deps
	log  zerolog.Logger

	mu        sync.Mutex
	locks     map[PairKey]bool
	streaks   map[PairKey]*signal.StreakTracker
	observers []Observer
}

func newRuntime(name string, deps Deps) *runtime {
	return &runtime{
		name:    name,
		deps:    deps,
		log:     deps.Logger.With().Str("component", "strategy").Str("strategy", name).Logger(),
		locks:   make(map[PairKey]bool),
		streaks: make(map[PairKey]*signal.StreakTracker),
	}
}

// Init loads persisted streaks and rebuilds position locks from active
// signals so a restart cannot double-enter a pair.
func (r *runtime) Init(ctx context.Context) error {
	if r.deps.Streaks != nil {
		loaded, err := r.deps.Streaks.LoadStreaks(ctx)
		if err != nil {
			return fmt.Errorf("load streaks: %w", err)
		}
		r.mu.Lock()
		for key, st := range loaded {
			copied := st
			r.streaks[key] = &copied
		}
		r.mu.Unlock()
	}

	if r.deps.Signals != nil {
		for key := range r.deps.Filters {
			active, err := r.deps.Signals.GetActive(ctx, key.Symbol, key.Timeframe)
			if err != nil {
				return fmt.Errorf("load active signals for %s: %w", key, err)
			}
			for _, rec := range active {
				if rec.Strategy != r.name {
					continue
				}
				r.acquireLock(key)
				r.log.Info().
					Str("signal_id", rec.ID).
					Str("symbol", key.Symbol).
					Str("timeframe", key.Timeframe).
					Msg("rebuilt position lock from active signal")
			}
		}
	}
	return nil
}

// RecordOutcome folds a terminal outcome into the pair's streak, persists
// it, and frees the lock. Active (timeout) outcomes only free the lock.
func (r *runtime) RecordOutcome(ctx context.Context, outcome signal.Outcome, symbol, timeframe string) error {
	key := PairKey{Symbol: symbol, Timeframe: timeframe}

	r.mu.Lock()
	st, ok := r.streaks[key]
	if !ok {
		st = &signal.StreakTracker{}
		r.streaks[key] = st
	}
	st.RecordOutcome(outcome)
	snapshot := *st
	delete(r.locks, key)
	r.mu.Unlock()

	r.log.Info().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Str("outcome", string(outcome)).
		Int("streak", snapshot.CurrentStreak).
		Msg("outcome recorded")

	if r.deps.Streaks != nil && outcome != signal.OutcomeActive {
		if err := r.deps.Streaks.SaveStreak(ctx, symbol, timeframe, snapshot); err != nil {
			return fmt.Errorf("persist streak for %s: %w", key, err)
		}
	}
	return nil
}

// ReleasePosition frees the pair's lock. Idempotent.
func (r *runtime) ReleasePosition(symbol, timeframe string) {
	r.mu.Lock()
	delete(r.locks, PairKey{Symbol: symbol, Timeframe: timeframe})
	r.mu.Unlock()
}

// OnSignal registers an observer; invocation order is registration order.
func (r *runtime) OnSignal(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// OffSignal removes a previously registered observer.
func (r *runtime) OffSignal(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, o := range r.observers {
		if o == obs {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

func (r *runtime) acquireLock(key PairKey) {
	r.mu.Lock()
	r.locks[key] = true
	r.mu.Unlock()
}

func (r *runtime) lockHeld(key PairKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks[key]
}

func (r *runtime) currentStreak(key PairKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.streaks[key]; ok {
		return st.CurrentStreak
	}
	return 0
}

// passesFilters applies the per-pair gate: enabled, free lock, streak band,
// and the volatility-regime threshold. The ATR filter is bypassed while the
// percentile tracker has too few samples.
func (r *runtime) passesFilters(key PairKey, atr float64) bool {
	flt, ok := r.deps.Filters[key]
	if !ok || !flt.Enabled {
		return false
	}
	if r.lockHeld(key) {
		return false
	}
	streak := r.currentStreak(key)
	if streak < flt.StreakLo || streak > flt.StreakHi {
		r.log.Debug().
			Str("symbol", key.Symbol).
			Str("timeframe", key.Timeframe).
			Int("streak", streak).
			Msg("entry skipped: streak outside band")
		return false
	}
	if r.deps.Tracker != nil && flt.ATRPctThreshold > 0 {
		if pct, ready := r.deps.Tracker.Percentile(key.Symbol, key.Timeframe, atr); ready && pct < flt.ATRPctThreshold {
			r.log.Debug().
				Str("symbol", key.Symbol).
				Str("timeframe", key.Timeframe).
				Float64("atr_percentile", pct).
				Msg("entry skipped: low volatility regime")
			return false
		}
	}
	return true
}

// emit builds the record, validates its geometry, acquires the lock, and
// notifies observers. Returns nil when the record fails validation.
func (r *runtime) emit(ctx context.Context, k market.Kline, direction signal.Direction, atr float64, extras map[string]float64) *signal.Record {
	key := PairKey{Symbol: k.Symbol, Timeframe: k.Timeframe}
	entry := k.Close
	atrDec := decimal.NewFromFloat(atr)
	risk := r.deps.Config.SLATRMult.Mul(atrDec)
	reward := r.deps.Config.TPATRMult.Mul(atrDec)

	var tp, sl decimal.Decimal
	if direction == signal.Long {
		sl = entry.Sub(risk)
		tp = entry.Add(reward)
	} else {
		sl = entry.Add(risk)
		tp = entry.Sub(reward)
	}

	signalTime := k.CloseTime()
	rec := signal.NewRecord(r.name, k.Symbol, k.Timeframe, signalTime, direction, entry, tp, sl, atr, r.currentStreak(key))
	rec.Extras = extras
	if err := rec.Validate(); err != nil {
		r.log.Warn().Err(err).Str("symbol", k.Symbol).Msg("discarding malformed signal")
		return nil
	}

	r.acquireLock(key)
	r.log.Info().
		Str("signal_id", rec.ID).
		Str("symbol", k.Symbol).
		Str("timeframe", k.Timeframe).
		Str("direction", direction.String()).
		Str("entry", entry.String()).
		Str("tp", tp.String()).
		Str("sl", sl.String()).
		Msg("signal emitted")

	r.mu.Lock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()
	for _, obs := range observers {
		obs.OnSignal(ctx, rec)
	}
	return rec
}

// NotifyOutcome fans a resolution out to the observers. The outcome
// tracker calls it after the streak and lock are settled.
func (r *runtime) NotifyOutcome(ctx context.Context, rec *signal.Record, outcome signal.Outcome) {
	r.mu.Lock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()
	for _, obs := range observers {
		obs.OnOutcome(ctx, rec, outcome)
	}
}
