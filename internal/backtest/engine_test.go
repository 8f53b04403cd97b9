package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-signal-engine/internal/market"
	"perp-signal-engine/internal/signal"
	"perp-signal-engine/internal/strategy"
)

func testConfig() strategy.Config {
	return strategy.Config{
		EMAPeriod:     5,
		FibPeriod:     5,
		ATRPeriod:     3,
		TPATRMult:     decimal.NewFromFloat(2.0),
		SLATRMult:     decimal.NewFromFloat(1.0),
		EMAFastPeriod: 3,
		EMASlowPeriod: 5,
	}
}

func testDeps(symbol string) strategy.Deps {
	return strategy.Deps{
		Config: testConfig(),
		Filters: strategy.FilterSet{
			strategy.PairKey{Symbol: symbol, Timeframe: "1m"}: {Enabled: true, StreakLo: -100, StreakHi: 100},
		},
		Logger: zerolog.Nop(),
	}
}

func oneMinBar(symbol string, ts time.Time, close float64) market.Kline {
	return market.Kline{
		Symbol:    symbol,
		Timeframe: "1m",
		Timestamp: ts,
		Open:      decimal.NewFromFloat(close),
		High:      decimal.NewFromFloat(close + 1),
		Low:       decimal.NewFromFloat(close - 1),
		Close:     decimal.NewFromFloat(close),
		Volume:    decimal.NewFromFloat(1),
		IsClosed:  true,
	}
}

// crossingCloses declines long enough to pin the fast EMA under the slow
// one, then rises to force exactly one up-cross.
func crossingCloses() []float64 {
	closes := []float64{110, 109, 108, 107, 106, 105, 104, 103}
	last := 103.0
	for i := 0; i < 8; i++ {
		last += 3
		closes = append(closes, last)
	}
	return closes
}

func replay(t *testing.T, signalStart time.Time) []*signal.Record {
	t.Helper()
	engine, err := NewEngine("TESTUSDT", strategy.EMACrossoverName, []string{"1m"}, testDeps("TESTUSDT"), signalStart, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for i, c := range crossingCloses() {
		if err := engine.Process1m(ctx, oneMinBar("TESTUSDT", start.Add(time.Duration(i)*time.Minute), c)); err != nil {
			t.Fatalf("Process1m bar %d: %v", i, err)
		}
	}
	return engine.Finalize(ctx)
}

func TestEngineReportsCrossSignal(t *testing.T) {
	signals := replay(t, time.Time{})

	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(signals))
	}
	rec := signals[0]
	if rec.Direction != signal.Long {
		t.Errorf("direction = %s, want LONG", rec.Direction)
	}
	if rec.Timeframe != "1m" {
		t.Errorf("timeframe = %q, want 1m", rec.Timeframe)
	}
}

func TestEngineDeterministicAcrossRuns(t *testing.T) {
	first := replay(t, time.Time{})
	second := replay(t, time.Time{})

	if len(first) != len(second) {
		t.Fatalf("run sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("signal %d: id %s vs %s", i, first[i].ID, second[i].ID)
		}
		if !first[i].EntryPrice.Equal(second[i].EntryPrice) ||
			!first[i].TPPrice.Equal(second[i].TPPrice) ||
			!first[i].SLPrice.Equal(second[i].SLPrice) {
			t.Errorf("signal %d: prices differ between identical runs", i)
		}
	}
}

func TestEngineWarmupSignalsNotReported(t *testing.T) {
	// signalStart after the whole stream: everything is warmup.
	signals := replay(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(signals) != 0 {
		t.Errorf("signals = %d, want none before signal start", len(signals))
	}
}

func TestEngineRejectsWrongSymbol(t *testing.T) {
	engine, err := NewEngine("TESTUSDT", strategy.EMACrossoverName, []string{"1m"}, testDeps("TESTUSDT"), time.Time{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	k := oneMinBar("OTHERUSDT", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), 100)
	if err := engine.Process1m(context.Background(), k); err == nil {
		t.Error("kline of another symbol accepted")
	}
}

func TestEngineRejectsUnknownTimeframe(t *testing.T) {
	if _, err := NewEngine("TESTUSDT", strategy.EMACrossoverName, []string{"2h"}, testDeps("TESTUSDT"), time.Time{}, zerolog.Nop()); err == nil {
		t.Error("unknown timeframe accepted")
	}
}

func TestEngineAggregatesHigherTimeframes(t *testing.T) {
	deps := strategy.Deps{
		Config: testConfig(),
		Filters: strategy.FilterSet{
			strategy.PairKey{Symbol: "TESTUSDT", Timeframe: "5m"}: {Enabled: true, StreakLo: -100, StreakHi: 100},
		},
		Logger: zerolog.Nop(),
	}
	engine, err := NewEngine("TESTUSDT", strategy.EMACrossoverName, []string{"5m"}, deps, time.Time{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// Five 1m bars per 5m close; the 5m closes walk the crossing shape.
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	minute := 0
	for _, c := range crossingCloses() {
		for j := 0; j < 5; j++ {
			if err := engine.Process1m(ctx, oneMinBar("TESTUSDT", start.Add(time.Duration(minute)*time.Minute), c)); err != nil {
				t.Fatalf("Process1m: %v", err)
			}
			minute++
		}
	}

	signals := engine.Finalize(ctx)
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1 from the aggregated 5m stream", len(signals))
	}
	if signals[0].Timeframe != "5m" {
		t.Errorf("timeframe = %q, want 5m", signals[0].Timeframe)
	}
}
