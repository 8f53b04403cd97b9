package backtest

import (
	"sort"

	"perp-signal-engine/internal/signal"
)

// Stats summarizes a run's reported signals. The R metrics normalize every
// trade by its own risk amount: a stop-out is -1R, a take-profit is
// |tp - entry| / |entry - sl| R.
type Stats struct {
	TotalSignals int     `json:"total_signals"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	Active       int     `json:"active"`
	WinRate      float64 `json:"win_rate"`
	ExpectancyR  float64 `json:"expectancy_r"`
	TotalR       float64 `json:"total_r"`
	ProfitFactor float64 `json:"profit_factor"`

	BySymbol    map[string]Breakdown `json:"by_symbol,omitempty"`
	ByTimeframe map[string]Breakdown `json:"by_timeframe,omitempty"`
	ByDirection map[string]Breakdown `json:"by_direction,omitempty"`

	// Daily is the R curve ordered by signal date.
	Daily []DailyPoint `json:"daily,omitempty"`

	// Excursions aggregates MAE/MFE ratios per outcome category.
	Excursions map[string]ExcursionStats `json:"excursions,omitempty"`
}

// DailyPoint is one day of the run's R curve.
type DailyPoint struct {
	Date        string  `json:"date"` // YYYY-MM-DD, UTC
	R           float64 `json:"r"`
	CumulativeR float64 `json:"cumulative_r"`
}

// ExcursionStats summarizes adverse and favorable excursions for one
// outcome category.
type ExcursionStats struct {
	Signals int     `json:"signals"`
	AvgMAE  float64 `json:"avg_mae"`
	AvgMFE  float64 `json:"avg_mfe"`
	MaxMAE  float64 `json:"max_mae"`
}

// Breakdown is a per-group win/loss slice of the run.
type Breakdown struct {
	Signals int     `json:"signals"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	WinRate float64 `json:"win_rate"`
	TotalR  float64 `json:"total_r"`
}

// ComputeStats folds the reported signals into run statistics. Signals left
// ACTIVE at end of stream count toward the total but not the win rate.
func ComputeStats(signals []*signal.Record) Stats {
	stats := Stats{
		TotalSignals: len(signals),
		BySymbol:     make(map[string]Breakdown),
		ByTimeframe:  make(map[string]Breakdown),
		ByDirection:  make(map[string]Breakdown),
		Excursions:   make(map[string]ExcursionStats),
	}

	dailyR := make(map[string]float64)
	var grossWin, grossLoss float64
	for _, rec := range signals {
		r := tradeR(rec)
		switch rec.Outcome {
		case signal.OutcomeTP:
			stats.Wins++
			grossWin += r
		case signal.OutcomeSL:
			stats.Losses++
			grossLoss += -r
		default:
			stats.Active++
		}
		stats.TotalR += r

		fold(stats.BySymbol, rec.Symbol, rec, r)
		fold(stats.ByTimeframe, rec.Timeframe, rec, r)
		fold(stats.ByDirection, rec.Direction.String(), rec, r)
		foldExcursion(stats.Excursions, rec)
		dailyR[rec.SignalTime.UTC().Format("2006-01-02")] += r
	}
	stats.Daily = dailyCurve(dailyR)

	resolved := stats.Wins + stats.Losses
	if resolved > 0 {
		stats.WinRate = float64(stats.Wins) / float64(resolved)
		stats.ExpectancyR = stats.TotalR / float64(resolved)
	}
	if grossLoss > 0 {
		stats.ProfitFactor = grossWin / grossLoss
	}
	return stats
}

// tradeR returns the signed R multiple of a resolved signal, 0 while active.
func tradeR(rec *signal.Record) float64 {
	risk := rec.RiskAmount()
	if risk <= 0 {
		return 0
	}
	switch rec.Outcome {
	case signal.OutcomeTP:
		return rec.TPPrice.Sub(rec.EntryPrice).Abs().InexactFloat64() / risk
	case signal.OutcomeSL:
		return -1
	default:
		return 0
	}
}

func fold(groups map[string]Breakdown, key string, rec *signal.Record, r float64) {
	b := groups[key]
	b.Signals++
	switch rec.Outcome {
	case signal.OutcomeTP:
		b.Wins++
	case signal.OutcomeSL:
		b.Losses++
	}
	b.TotalR += r
	if resolved := b.Wins + b.Losses; resolved > 0 {
		b.WinRate = float64(b.Wins) / float64(resolved)
	}
	groups[key] = b
}

func foldExcursion(groups map[string]ExcursionStats, rec *signal.Record) {
	key := string(rec.Outcome)
	e := groups[key]
	// Running means stay exact: expand, add, renormalize.
	e.AvgMAE = (e.AvgMAE*float64(e.Signals) + rec.MAERatio) / float64(e.Signals+1)
	e.AvgMFE = (e.AvgMFE*float64(e.Signals) + rec.MFERatio) / float64(e.Signals+1)
	if rec.MAERatio > e.MaxMAE {
		e.MaxMAE = rec.MAERatio
	}
	e.Signals++
	groups[key] = e
}

func dailyCurve(dailyR map[string]float64) []DailyPoint {
	if len(dailyR) == 0 {
		return nil
	}
	dates := make([]string, 0, len(dailyR))
	for d := range dailyR {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	points := make([]DailyPoint, 0, len(dates))
	var cum float64
	for _, d := range dates {
		cum += dailyR[d]
		points = append(points, DailyPoint{Date: d, R: dailyR[d], CumulativeR: cum})
	}
	return points
}
