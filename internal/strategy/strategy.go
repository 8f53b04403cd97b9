// Package strategy implements the pluggable strategy runtime: a process-wide
// constructor registry, the strategy protocol, and the shared per-pair state
// (position locks, streak trackers, observers) every concrete strategy uses.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"perp-signal-engine/internal/market"
	"perp-signal-engine/internal/signal"
)

// ProcessResult is what a strategy returns for one closed bar. Signal is nil
// when no entry fired; ATR carries the bar's ATR whenever it was computable,
// so the outcome tracker can keep max_atr current even without a signal.
type ProcessResult struct {
	Signal *signal.Record
	ATR    float64
	HasATR bool
}

// Strategy is the protocol every concrete strategy implements. ProcessKline
// must be deterministic: the same kline stream yields the same records with
// identical ids, prices, and times.
type Strategy interface {
	Name() string
	Version() string
	RequiredIndicators() []string

	// Init loads streak state and rebuilds position locks from the
	// active signals in the store.
	Init(ctx context.Context) error

	// ProcessKline evaluates one closed bar against the rolling window.
	ProcessKline(ctx context.Context, k market.Kline, buf *market.KlineBuffer) (ProcessResult, error)

	// RecordOutcome folds a terminal outcome into the streak tracker,
	// persists it, and releases the position lock.
	RecordOutcome(ctx context.Context, outcome signal.Outcome, symbol, timeframe string) error

	// ReleasePosition frees the lock without touching streaks (timeout).
	ReleasePosition(symbol, timeframe string)

	// NotifyOutcome fans a resolved record out to the observers.
	NotifyOutcome(ctx context.Context, rec *signal.Record, outcome signal.Outcome)

	OnSignal(obs Observer)
	OffSignal(obs Observer)
}

// Observer receives signal lifecycle callbacks. Invocation order follows
// registration order.
type Observer interface {
	OnSignal(ctx context.Context, rec *signal.Record)
	OnOutcome(ctx context.Context, rec *signal.Record, outcome signal.Outcome)
}

// StreakStore persists streak trackers keyed by (symbol, timeframe).
type StreakStore interface {
	SaveStreak(ctx context.Context, symbol, timeframe string, st signal.StreakTracker) error
	LoadStreaks(ctx context.Context) (map[PairKey]signal.StreakTracker, error)
}

// ActiveSignalSource lists unresolved signals, used on Init to rebuild locks
// after a restart.
type ActiveSignalSource interface {
	GetActive(ctx context.Context, symbol, timeframe string) ([]*signal.Record, error)
}

// Constructor builds a strategy instance from its dependencies and config.
type Constructor func(deps Deps) (Strategy, error)

// Deps bundles what every strategy needs. Tracker may be nil when the
// volatility filter is not wanted (unit tests).
type Deps struct {
	Config  Config
	Filters FilterSet
	Streaks StreakStore
	Signals ActiveSignalSource
	Tracker AtrPercentileSource
	Logger  zerolog.Logger
}

// AtrPercentileSource answers volatility-regime queries. The boolean is
// false while the underlying series has too few samples, in which case the
// filter is bypassed.
type AtrPercentileSource interface {
	Percentile(symbol, timeframe string, atr float64) (float64, bool)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register adds a constructor to the process-wide registry. Duplicate names
// panic: registration happens at init time and a collision is a programmer
// error.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy: duplicate registration of %q", name))
	}
	registry[name] = ctor
}

// Create instantiates a registered strategy by name.
func Create(name string, deps Deps) (Strategy, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy: unknown strategy %q (registered: %v)", name, Registered())
	}
	return ctor(deps)
}

// Registered returns the sorted names of all registered strategies.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
