// Package indicators implements the technical indicator math used by the
// strategies. All routines take fixed-length float64 series and return an
// equal-length result, with NaN in positions where the lookback window is not
// yet full. Inputs come from KlineBuffer column views; decimal conversion
// happens only at the signal emission boundary.
package indicators

import "math"

// NaN is the sentinel for "window not yet full".
var NaN = math.NaN()

// IsNaN reports whether v is the not-enough-data sentinel.
func IsNaN(v float64) bool { return math.IsNaN(v) }

// SMA returns the simple moving average over the trailing period values.
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average, seeded with the SMA of the
// first period values, then EMA_t = a*x_t + (1-a)*EMA_{t-1} with a = 2/(p+1).
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	out[period-1] = seed / float64(period)

	alpha := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*alpha + out[i-1]*(1-alpha)
	}
	return out
}

// TrueRange returns the per-bar true range. The first bar uses high-low since
// there is no previous close.
func TrueRange(highs, lows, closes []float64) []float64 {
	n := len(highs)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	out[0] = highs[0] - lows[0]
	for i := 1; i < n; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATR returns the Wilder average true range: seeded with the arithmetic mean
// of the first period true ranges, then ATR_t = ((p-1)*ATR_{t-1} + TR_t) / p.
func ATR(highs, lows, closes []float64, period int) []float64 {
	tr := TrueRange(highs, lows, closes)
	out := nanSlice(len(tr))
	if period <= 0 || len(tr) < period {
		return out
	}
	seed := 0.0
	for _, v := range tr[:period] {
		seed += v
	}
	out[period-1] = seed / float64(period)

	p := float64(period)
	for i := period; i < len(tr); i++ {
		out[i] = (out[i-1]*(p-1) + tr[i]) / p
	}
	return out
}

// VWAP returns the running volume-weighted average price over the whole
// series: cumulative sum(typical*volume) / sum(volume), where typical price
// is (high+low+close)/3. Bars with zero cumulative volume fall back to close.
func VWAP(highs, lows, closes, volumes []float64) []float64 {
	n := len(closes)
	out := make([]float64, n)
	cumVol := 0.0
	cumPV := 0.0
	for i := 0; i < n; i++ {
		typical := (highs[i] + lows[i] + closes[i]) / 3
		cumVol += volumes[i]
		cumPV += typical * volumes[i]
		if cumVol > 0 {
			out[i] = cumPV / cumVol
		} else {
			out[i] = closes[i]
		}
	}
	return out
}

// Highest returns the rolling maximum over the trailing period values.
func Highest(values []float64, period int) []float64 {
	return rollingExtreme(values, period, math.Max)
}

// Lowest returns the rolling minimum over the trailing period values.
func Lowest(values []float64, period int) []float64 {
	return rollingExtreme(values, period, math.Min)
}

func rollingExtreme(values []float64, period int, pick func(a, b float64) float64) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		ext := values[i-period+1]
		for _, v := range values[i-period+2 : i+1] {
			ext = pick(ext, v)
		}
		out[i] = ext
	}
	return out
}

// FibLevels holds the rolling Fibonacci retracement level series.
type FibLevels struct {
	Fib382 []float64
	Fib500 []float64
	Fib618 []float64
}

// FibonacciLevels computes retracement levels from the rolling highest high
// and lowest low over period bars: level = H - ratio*(H-L).
func FibonacciLevels(highs, lows []float64, period int) FibLevels {
	hh := Highest(highs, period)
	ll := Lowest(lows, period)
	n := len(highs)
	out := FibLevels{
		Fib382: nanSlice(n),
		Fib500: nanSlice(n),
		Fib618: nanSlice(n),
	}
	for i := 0; i < n; i++ {
		if IsNaN(hh[i]) || IsNaN(ll[i]) {
			continue
		}
		r := hh[i] - ll[i]
		out.Fib382[i] = hh[i] - r*0.382
		out.Fib500[i] = hh[i] - r*0.500
		out.Fib618[i] = hh[i] - r*0.618
	}
	return out
}

// Snapshot holds the latest value of every indicator the MSR strategy needs.
type Snapshot struct {
	EMA    float64
	ATR    float64
	VWAP   float64
	Fib382 float64
	Fib500 float64
	Fib618 float64
}

// HasNaN reports whether any indicator in the snapshot is still warming up.
func (s Snapshot) HasNaN() bool {
	return IsNaN(s.EMA) || IsNaN(s.ATR) || IsNaN(s.VWAP) ||
		IsNaN(s.Fib382) || IsNaN(s.Fib500) || IsNaN(s.Fib618)
}

// Calculator bundles the indicator periods used by a strategy and computes
// the latest-bar snapshot from OHLCV columns.
type Calculator struct {
	EMAPeriod int
	FibPeriod int
	ATRPeriod int
}

// MinBars returns the minimum history needed before Latest yields a full
// snapshot.
func (c Calculator) MinBars() int {
	min := c.EMAPeriod
	if c.FibPeriod > min {
		min = c.FibPeriod
	}
	if c.ATRPeriod > min {
		min = c.ATRPeriod
	}
	return min
}

// Latest computes the most recent value of each indicator, or false when the
// series is shorter than the largest period.
func (c Calculator) Latest(highs, lows, closes, volumes []float64) (Snapshot, bool) {
	n := len(closes)
	if n < c.MinBars() {
		return Snapshot{}, false
	}
	emaSeries := EMA(closes, c.EMAPeriod)
	atrSeries := ATR(highs, lows, closes, c.ATRPeriod)
	vwapSeries := VWAP(highs, lows, closes, volumes)
	fib := FibonacciLevels(highs, lows, c.FibPeriod)

	return Snapshot{
		EMA:    emaSeries[n-1],
		ATR:    atrSeries[n-1],
		VWAP:   vwapSeries[n-1],
		Fib382: fib.Fib382[n-1],
		Fib500: fib.Fib500[n-1],
		Fib618: fib.Fib618[n-1],
	}, true
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = NaN
	}
	return out
}
