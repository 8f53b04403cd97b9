package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"perp-signal-engine/internal/indicators"
	"perp-signal-engine/internal/market"
	"perp-signal-engine/internal/signal"
)

func newMSR(t *testing.T, deps Deps) (*MSR, *collectingObserver) {
	t.Helper()
	s, err := NewMSR(deps)
	if err != nil {
		t.Fatalf("NewMSR: %v", err)
	}
	obs := &collectingObserver{}
	s.OnSignal(obs)
	return s, obs
}

// feedBars pushes fully specified bars through the strategy.
func feedBars(t *testing.T, s Strategy, buf *market.KlineBuffer, bars []market.Kline) []ProcessResult {
	t.Helper()
	var results []ProcessResult
	for i, k := range bars {
		buf.Add(k)
		res, err := s.ProcessKline(context.Background(), k, buf)
		if err != nil {
			t.Fatalf("ProcessKline bar %d: %v", i, err)
		}
		results = append(results, res)
	}
	return results
}

func uptrendBars(start time.Time) []market.Kline {
	var bars []market.Kline
	for i, c := range []float64{100, 102, 104, 106, 108} {
		bars = append(bars, barAt("TESTUSDT", "5m", start.Add(time.Duration(i)*5*time.Minute), c, c+1, c-1, c))
	}
	return bars
}

func TestMSRLongOnSupportRetest(t *testing.T) {
	deps := Deps{Config: testConfig(), Filters: testFilters("TESTUSDT", "5m"), Logger: zerolog.Nop()}
	s, obs := newMSR(t, deps)
	buf := market.NewKlineBuffer("TESTUSDT", "5m", 50)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	bars := uptrendBars(start)
	// Signal bar: still above the EMA, wicks down into the nearest
	// retracement level and closes back above it.
	bars = append(bars, barAt("TESTUSDT", "5m", start.Add(25*time.Minute), 108, 109, 103.8, 108.5))

	results := feedBars(t, s, buf, bars)

	if len(obs.signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(obs.signals))
	}
	rec := obs.signals[0]
	if rec.Direction != signal.Long {
		t.Errorf("direction = %s, want LONG", rec.Direction)
	}
	if rec.Strategy != MSRName {
		t.Errorf("strategy = %q", rec.Strategy)
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("record invalid: %v", err)
	}

	// Signal time is the close of the emitting 5m bar.
	wantTime := start.Add(30 * time.Minute)
	if !rec.SignalTime.Equal(wantTime) {
		t.Errorf("signal time = %s, want %s", rec.SignalTime, wantTime)
	}

	// The retest level rides along in the extras.
	if _, ok := rec.Extras["level"]; !ok {
		t.Error("extras missing the retest level")
	}

	last := results[len(results)-1]
	if !last.HasATR || last.ATR <= 0 {
		t.Errorf("last result ATR = %f hasATR=%v", last.ATR, last.HasATR)
	}
}

func TestMSRShortOnResistanceRetest(t *testing.T) {
	deps := Deps{Config: testConfig(), Filters: testFilters("TESTUSDT", "5m"), Logger: zerolog.Nop()}
	s, obs := newMSR(t, deps)
	buf := market.NewKlineBuffer("TESTUSDT", "5m", 50)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	var bars []market.Kline
	for i, c := range []float64{110, 108, 106, 104, 102} {
		bars = append(bars, barAt("TESTUSDT", "5m", start.Add(time.Duration(i)*5*time.Minute), c, c+1, c-1, c))
	}
	// Below the EMA, wick up into the nearest resistance, close back under.
	bars = append(bars, barAt("TESTUSDT", "5m", start.Add(25*time.Minute), 102, 106.2, 101, 101.5))

	feedBars(t, s, buf, bars)

	if len(obs.signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(obs.signals))
	}
	if obs.signals[0].Direction != signal.Short {
		t.Errorf("direction = %s, want SHORT", obs.signals[0].Direction)
	}
}

func TestMSRNoSignalWithoutWick(t *testing.T) {
	deps := Deps{Config: testConfig(), Filters: testFilters("TESTUSDT", "5m"), Logger: zerolog.Nop()}
	s, obs := newMSR(t, deps)
	buf := market.NewKlineBuffer("TESTUSDT", "5m", 50)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	bars := uptrendBars(start)
	// Uptrend continues but the low never reaches a level below the close.
	bars = append(bars, barAt("TESTUSDT", "5m", start.Add(25*time.Minute), 108, 109, 107.5, 108.5))

	results := feedBars(t, s, buf, bars)
	if len(obs.signals) != 0 {
		t.Fatalf("signals = %d, want none without a retest wick", len(obs.signals))
	}
	// ATR still flows to the caller so max_atr tracking keeps working.
	last := results[len(results)-1]
	if !last.HasATR {
		t.Error("expected ATR on a fully warmed no-signal bar")
	}
}

func TestMSRNeedsHistory(t *testing.T) {
	deps := Deps{Config: testConfig(), Filters: testFilters("TESTUSDT", "5m"), Logger: zerolog.Nop()}
	s, obs := newMSR(t, deps)
	buf := market.NewKlineBuffer("TESTUSDT", "5m", 50)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Exactly MinBars bars: still warming up, never evaluated.
	results := feedBars(t, s, buf, uptrendBars(start))
	for i, res := range results {
		if res.HasATR || res.Signal != nil {
			t.Errorf("bar %d produced output during warmup", i)
		}
	}
	if len(obs.signals) != 0 {
		t.Error("signal emitted during warmup")
	}
}

func TestNearestLevels(t *testing.T) {
	snap := indicators.Snapshot{Fib382: 105.9, Fib500: 105.0, Fib618: 104.1, VWAP: 104.5}

	support, resistance := nearestLevels(105.5, snap)
	if support != 105.0 {
		t.Errorf("support = %f, want 105.0", support)
	}
	if resistance != 105.9 {
		t.Errorf("resistance = %f, want 105.9", resistance)
	}

	// Close above every level: no resistance side.
	support, resistance = nearestLevels(110, snap)
	if support != 105.9 || !math.IsNaN(resistance) {
		t.Errorf("support=%f resistance=%f, want 105.9 and NaN", support, resistance)
	}

	// A level equal to the close belongs to neither side.
	support, _ = nearestLevels(105.0, snap)
	if support != 104.5 {
		t.Errorf("support = %f, want 104.5 (strict partition)", support)
	}
}
