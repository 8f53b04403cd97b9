package strategy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// filterEntry is one row of the filters JSON file.
type filterEntry struct {
	Symbol                   string          `json:"symbol"`
	Timeframe                string          `json:"timeframe"`
	Enabled                  bool            `json:"enabled"`
	StreakLo                 int             `json:"streak_lo"`
	StreakHi                 int             `json:"streak_hi"`
	ATRPctThreshold          float64         `json:"atr_pct_threshold"`
	PositionQty              decimal.Decimal `json:"position_qty"`
	MaxConsecutiveLossMonths int             `json:"max_consecutive_loss_months"`
}

// LoadFilterSet reads the per-pair filter file and validates it. A bad file
// is a startup error: the engine refuses to run on a filter it cannot trust.
func LoadFilterSet(path string) (FilterSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filters file %s: %w", path, err)
	}
	var entries []filterEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse filters file %s: %w", path, err)
	}

	set := make(FilterSet, len(entries))
	for _, e := range entries {
		key := PairKey{Symbol: e.Symbol, Timeframe: e.Timeframe}
		if _, dup := set[key]; dup {
			return nil, fmt.Errorf("filters file %s: duplicate pair %s", path, key)
		}
		set[key] = SymbolFilter{
			Enabled:                  e.Enabled,
			StreakLo:                 e.StreakLo,
			StreakHi:                 e.StreakHi,
			ATRPctThreshold:          e.ATRPctThreshold,
			PositionQty:              e.PositionQty,
			MaxConsecutiveLossMonths: e.MaxConsecutiveLossMonths,
		}
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// DefaultFilterSet enables every (symbol, timeframe) pair with a wide streak
// band and no volatility threshold, used when no filters file exists.
func DefaultFilterSet(symbols, timeframes []string) FilterSet {
	set := make(FilterSet, len(symbols)*len(timeframes))
	for _, sym := range symbols {
		for _, tf := range timeframes {
			set[PairKey{Symbol: sym, Timeframe: tf}] = SymbolFilter{
				Enabled:  true,
				StreakLo: -100,
				StreakHi: 100,
			}
		}
	}
	return set
}
