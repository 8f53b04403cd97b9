package strategy

import (
	"context"

	"perp-signal-engine/internal/indicators"
	"perp-signal-engine/internal/market"
	"perp-signal-engine/internal/signal"
)

// EMACrossoverName is the registry name of the EMA crossover strategy.
const EMACrossoverName = "ema_crossover"

func init() {
	Register(EMACrossoverName, func(deps Deps) (Strategy, error) {
		return NewEMACrossover(deps)
	})
}

// EMACrossover signals LONG on the bar where the fast EMA crosses above the
// slow EMA and SHORT on the opposite cross. Filter, lock, and TP/SL sizing
// follow the same contract as the retest strategy.
type EMACrossover struct {
	*runtime
}

// NewEMACrossover builds the strategy from its dependencies.
func NewEMACrossover(deps Deps) (*EMACrossover, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if err := deps.Filters.Validate(); err != nil {
		return nil, err
	}
	return &EMACrossover{runtime: newRuntime(EMACrossoverName, deps)}, nil
}

func (s *EMACrossover) Name() string    { return EMACrossoverName }
func (s *EMACrossover) Version() string { return "1.0" }

func (s *EMACrossover) RequiredIndicators() []string {
	return []string{"ema", "atr"}
}

// ProcessKline looks for a cross between the previous and current bar.
func (s *EMACrossover) ProcessKline(ctx context.Context, k market.Kline, buf *market.KlineBuffer) (ProcessResult, error) {
	cfg := s.deps.Config
	minBars := cfg.EMASlowPeriod + 1
	if cfg.ATRPeriod+1 > minBars {
		minBars = cfg.ATRPeriod + 1
	}
	if buf.Len() < minBars {
		return ProcessResult{}, nil
	}

	closes := buf.Closes()
	fast := indicators.EMA(closes, cfg.EMAFastPeriod)
	slow := indicators.EMA(closes, cfg.EMASlowPeriod)
	atrSeries := indicators.ATR(buf.Highs(), buf.Lows(), closes, cfg.ATRPeriod)

	n := len(closes)
	atr := atrSeries[n-1]
	if indicators.IsNaN(atr) ||
		indicators.IsNaN(fast[n-1]) || indicators.IsNaN(slow[n-1]) ||
		indicators.IsNaN(fast[n-2]) || indicators.IsNaN(slow[n-2]) {
		return ProcessResult{}, nil
	}
	result := ProcessResult{ATR: atr, HasATR: true}

	var direction signal.Direction
	switch {
	case fast[n-2] <= slow[n-2] && fast[n-1] > slow[n-1]:
		direction = signal.Long
	case fast[n-2] >= slow[n-2] && fast[n-1] < slow[n-1]:
		direction = signal.Short
	default:
		return result, nil
	}

	key := PairKey{Symbol: k.Symbol, Timeframe: k.Timeframe}
	if !s.passesFilters(key, atr) {
		return result, nil
	}

	rec := s.emit(ctx, k, direction, atr, map[string]float64{
		"ema_fast": fast[n-1],
		"ema_slow": slow[n-1],
	})
	result.Signal = rec
	return result, nil
}
