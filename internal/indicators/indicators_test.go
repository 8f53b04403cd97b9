package indicators

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	out := SMA(values, 3)

	if !IsNaN(out[0]) || !IsNaN(out[1]) {
		t.Error("positions before the window fills must be NaN")
	}
	want := []float64{2, 3, 4}
	for i, w := range want {
		if !almostEqual(out[i+2], w) {
			t.Errorf("SMA[%d] = %f, want %f", i+2, out[i+2], w)
		}
	}
}

func TestSMAInsufficientData(t *testing.T) {
	out := SMA([]float64{1, 2}, 3)
	for i, v := range out {
		if !IsNaN(v) {
			t.Errorf("SMA[%d] = %f, want NaN with short input", i, v)
		}
	}
}

func TestEMASeededWithSMA(t *testing.T) {
	values := []float64{2, 4, 6, 8, 10}
	out := EMA(values, 3)

	// Seed is the SMA of the first three values.
	if !almostEqual(out[2], 4) {
		t.Errorf("EMA seed = %f, want 4", out[2])
	}
	// alpha = 0.5 for period 3.
	if !almostEqual(out[3], 8*0.5+4*0.5) {
		t.Errorf("EMA[3] = %f, want 6", out[3])
	}
	if !almostEqual(out[4], 10*0.5+6*0.5) {
		t.Errorf("EMA[4] = %f, want 8", out[4])
	}
}

func TestTrueRange(t *testing.T) {
	highs := []float64{10, 12, 11}
	lows := []float64{8, 9, 7}
	closes := []float64{9, 11, 8}

	out := TrueRange(highs, lows, closes)
	// First bar has no previous close: high-low.
	if !almostEqual(out[0], 2) {
		t.Errorf("TR[0] = %f, want 2", out[0])
	}
	// max(12-9, |12-9|, |9-9|) = 3
	if !almostEqual(out[1], 3) {
		t.Errorf("TR[1] = %f, want 3", out[1])
	}
	// max(11-7, |11-11|, |7-11|) = 4
	if !almostEqual(out[2], 4) {
		t.Errorf("TR[2] = %f, want 4", out[2])
	}
}

func TestATRWilderSmoothing(t *testing.T) {
	// Constant 2-point ranges with closes inside: every TR is 2, so the
	// ATR is 2 everywhere the window is full.
	n := 10
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i] = 101
		lows[i] = 99
		closes[i] = 100
	}

	out := ATR(highs, lows, closes, 3)
	if !IsNaN(out[1]) {
		t.Error("ATR before the window fills must be NaN")
	}
	for i := 2; i < n; i++ {
		if !almostEqual(out[i], 2) {
			t.Errorf("ATR[%d] = %f, want 2", i, out[i])
		}
	}
}

func TestVWAPRunningCumulative(t *testing.T) {
	highs := []float64{11, 21}
	lows := []float64{9, 19}
	closes := []float64{10, 20}
	volumes := []float64{1, 3}

	out := VWAP(highs, lows, closes, volumes)
	if !almostEqual(out[0], 10) {
		t.Errorf("VWAP[0] = %f, want 10", out[0])
	}
	// (10*1 + 20*3) / 4 = 17.5
	if !almostEqual(out[1], 17.5) {
		t.Errorf("VWAP[1] = %f, want 17.5", out[1])
	}
}

func TestVWAPZeroVolumeFallsBackToClose(t *testing.T) {
	out := VWAP([]float64{11, 12}, []float64{9, 10}, []float64{10, 11}, []float64{0, 0})
	if !almostEqual(out[0], 10) || !almostEqual(out[1], 11) {
		t.Errorf("VWAP with zero volume = %v, want closes", out)
	}
}

func TestHighestLowest(t *testing.T) {
	values := []float64{3, 1, 4, 1, 5}

	hi := Highest(values, 3)
	if !almostEqual(hi[2], 4) || !almostEqual(hi[3], 4) || !almostEqual(hi[4], 5) {
		t.Errorf("Highest = %v", hi)
	}
	lo := Lowest(values, 3)
	if !almostEqual(lo[2], 1) || !almostEqual(lo[3], 1) || !almostEqual(lo[4], 1) {
		t.Errorf("Lowest = %v", lo)
	}
}

func TestFibonacciLevels(t *testing.T) {
	// Window covers high 110, low 100: range 10.
	highs := []float64{105, 110, 108}
	lows := []float64{100, 104, 103}

	fib := FibonacciLevels(highs, lows, 3)
	if !IsNaN(fib.Fib382[1]) {
		t.Error("fib level before the window fills must be NaN")
	}
	if !almostEqual(fib.Fib382[2], 110-10*0.382) {
		t.Errorf("Fib382 = %f, want %f", fib.Fib382[2], 110-10*0.382)
	}
	if !almostEqual(fib.Fib500[2], 105) {
		t.Errorf("Fib500 = %f, want 105", fib.Fib500[2])
	}
	if !almostEqual(fib.Fib618[2], 110-10*0.618) {
		t.Errorf("Fib618 = %f, want %f", fib.Fib618[2], 110-10*0.618)
	}
}

func TestCalculatorLatest(t *testing.T) {
	calc := Calculator{EMAPeriod: 3, FibPeriod: 3, ATRPeriod: 3}
	if calc.MinBars() != 3 {
		t.Errorf("MinBars = %d, want 3", calc.MinBars())
	}

	n := 5
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i] = 101
		lows[i] = 99
		closes[i] = 100
		volumes[i] = 1
	}

	snap, ok := calc.Latest(highs, lows, closes, volumes)
	if !ok {
		t.Fatal("expected a full snapshot")
	}
	if snap.HasNaN() {
		t.Error("snapshot should be fully warmed")
	}
	if !almostEqual(snap.EMA, 100) || !almostEqual(snap.ATR, 2) {
		t.Errorf("EMA=%f ATR=%f, want 100 and 2", snap.EMA, snap.ATR)
	}

	if _, ok := calc.Latest(highs[:2], lows[:2], closes[:2], volumes[:2]); ok {
		t.Error("short series should not yield a snapshot")
	}
}
