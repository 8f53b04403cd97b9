package strategy

import (
	"context"
	"math"

	"perp-signal-engine/internal/indicators"
	"perp-signal-engine/internal/market"
	"perp-signal-engine/internal/signal"
)

// MSRName is the registry name of the retest-capture strategy.
const MSRName = "msr_retest_capture"

func init() {
	Register(MSRName, func(deps Deps) (Strategy, error) {
		return NewMSR(deps)
	})
}

// MSR trades retests of market structure levels: Fibonacci retracements and
// VWAP partitioned into nearest support and resistance around the close. A
// LONG fires when an uptrending bar wicks into the nearest support and
// closes back above it; SHORT is the mirror against resistance.
type MSR struct {
	*runtime
	calc indicators.Calculator
}

// NewMSR builds the strategy from its dependencies.
func NewMSR(deps Deps) (*MSR, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if err := deps.Filters.Validate(); err != nil {
		return nil, err
	}
	return &MSR{
		runtime: newRuntime(MSRName, deps),
		calc: indicators.Calculator{
			EMAPeriod: deps.Config.EMAPeriod,
			FibPeriod: deps.Config.FibPeriod,
			ATRPeriod: deps.Config.ATRPeriod,
		},
	}, nil
}

func (s *MSR) Name() string    { return MSRName }
func (s *MSR) Version() string { return "1.0" }

func (s *MSR) RequiredIndicators() []string {
	return []string{"ema", "atr", "vwap", "fibonacci"}
}

// ProcessKline evaluates one closed bar. Insufficient history and warming-up
// indicators are silent no-ops.
func (s *MSR) ProcessKline(ctx context.Context, k market.Kline, buf *market.KlineBuffer) (ProcessResult, error) {
	if buf.Len() <= s.calc.MinBars() {
		return ProcessResult{}, nil
	}
	snap, ok := s.calc.Latest(buf.Highs(), buf.Lows(), buf.Closes(), buf.Volumes())
	if !ok || snap.HasNaN() {
		return ProcessResult{}, nil
	}
	result := ProcessResult{ATR: snap.ATR, HasATR: true}

	closePx := k.Close.InexactFloat64()
	lowPx := k.Low.InexactFloat64()
	highPx := k.High.InexactFloat64()
	tol := s.deps.Config.TouchTolerance.InexactFloat64()

	support, resistance := nearestLevels(closePx, snap)
	trendUp := closePx > snap.EMA
	trendDown := closePx < snap.EMA

	var direction signal.Direction
	var level float64
	switch {
	case trendUp && !math.IsNaN(support) &&
		lowPx <= support*(1+tol) && closePx > support:
		direction = signal.Long
		level = support
	case trendDown && !math.IsNaN(resistance) &&
		highPx >= resistance*(1-tol) && closePx < resistance:
		direction = signal.Short
		level = resistance
	default:
		return result, nil
	}

	key := PairKey{Symbol: k.Symbol, Timeframe: k.Timeframe}
	if !s.passesFilters(key, snap.ATR) {
		return result, nil
	}

	rec := s.emit(ctx, k, direction, snap.ATR, map[string]float64{
		"ema":   snap.EMA,
		"vwap":  snap.VWAP,
		"level": level,
	})
	result.Signal = rec
	return result, nil
}

// nearestLevels partitions the candidate levels (three Fibonacci + VWAP)
// around the close: the highest level strictly below it and the lowest level
// strictly above it. NaN marks an empty side.
func nearestLevels(closePx float64, snap indicators.Snapshot) (support, resistance float64) {
	support = math.NaN()
	resistance = math.NaN()
	for _, level := range []float64{snap.Fib382, snap.Fib500, snap.Fib618, snap.VWAP} {
		switch {
		case level < closePx:
			if math.IsNaN(support) || level > support {
				support = level
			}
		case level > closePx:
			if math.IsNaN(resistance) || level < resistance {
				resistance = level
			}
		}
	}
	return support, resistance
}
