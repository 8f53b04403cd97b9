package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perp-signal-engine/internal/market"
)

// Config holds the recognized strategy options. Multipliers and tolerances
// are decimal because they size persisted TP/SL prices.
type Config struct {
	EMAPeriod      int             `json:"ema_period"`
	FibPeriod      int             `json:"fib_period"`
	ATRPeriod      int             `json:"atr_period"`
	TPATRMult      decimal.Decimal `json:"tp_atr_mult"`
	SLATRMult      decimal.Decimal `json:"sl_atr_mult"`
	TouchTolerance decimal.Decimal `json:"touch_tolerance"`

	// EMA crossover periods.
	EMAFastPeriod int `json:"ema_fast_period"`
	EMASlowPeriod int `json:"ema_slow_period"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		EMAPeriod:     50,
		FibPeriod:     50,
		ATRPeriod:     14,
		TPATRMult:     decimal.NewFromFloat(2.0),
		SLATRMult:     decimal.NewFromFloat(8.84),
		EMAFastPeriod: 9,
		EMASlowPeriod: 21,
	}
}

// Validate rejects configurations that cannot produce signals.
func (c Config) Validate() error {
	if c.EMAPeriod <= 0 || c.FibPeriod <= 0 || c.ATRPeriod <= 0 {
		return fmt.Errorf("strategy config: indicator periods must be positive")
	}
	if !c.TPATRMult.IsPositive() || !c.SLATRMult.IsPositive() {
		return fmt.Errorf("strategy config: tp_atr_mult and sl_atr_mult must be positive")
	}
	if c.TouchTolerance.IsNegative() {
		return fmt.Errorf("strategy config: touch_tolerance must be non-negative")
	}
	if c.EMAFastPeriod <= 0 || c.EMASlowPeriod <= 0 || c.EMAFastPeriod >= c.EMASlowPeriod {
		return fmt.Errorf("strategy config: ema_fast_period must be positive and below ema_slow_period")
	}
	return nil
}

// SymbolFilter gates signal emission for one (symbol, timeframe) pair.
type SymbolFilter struct {
	Enabled                  bool            `json:"enabled"`
	StreakLo                 int             `json:"streak_lo"`
	StreakHi                 int             `json:"streak_hi"`
	ATRPctThreshold          float64         `json:"atr_pct_threshold"`
	PositionQty              decimal.Decimal `json:"position_qty"`
	MaxConsecutiveLossMonths int             `json:"max_consecutive_loss_months"`
}

// FilterSet maps (symbol, timeframe) to its filter.
type FilterSet map[PairKey]SymbolFilter

// PairKey identifies a (symbol, timeframe) pair.
type PairKey struct {
	Symbol    string
	Timeframe string
}

func (k PairKey) String() string {
	return k.Symbol + ":" + k.Timeframe
}

// Validate checks every filter refers to a known timeframe and carries a
// sane streak band. Configuration errors here abort startup.
func (f FilterSet) Validate() error {
	if len(f) == 0 {
		return fmt.Errorf("filter set: no (symbol, timeframe) pairs configured")
	}
	for key, flt := range f {
		if key.Symbol == "" {
			return fmt.Errorf("filter set: empty symbol")
		}
		if _, ok := market.TimeframeMinutes[key.Timeframe]; !ok {
			return fmt.Errorf("filter set: unknown timeframe %q for %s", key.Timeframe, key.Symbol)
		}
		if flt.StreakLo > flt.StreakHi {
			return fmt.Errorf("filter set %s: streak_lo %d above streak_hi %d", key, flt.StreakLo, flt.StreakHi)
		}
		if flt.ATRPctThreshold < 0 || flt.ATRPctThreshold > 1 {
			return fmt.Errorf("filter set %s: atr_pct_threshold %.3f outside [0,1]", key, flt.ATRPctThreshold)
		}
	}
	return nil
}

// Pairs returns the configured pairs in no particular order.
func (f FilterSet) Pairs() []PairKey {
	out := make([]PairKey, 0, len(f))
	for key := range f {
		out = append(out, key)
	}
	return out
}
