package indicators

import "sync"

const (
	// DefaultATRWindow is the maximum number of ATR samples retained per
	// symbol/timeframe series.
	DefaultATRWindow = 10000

	// DefaultATRMinSamples is the number of samples required before the
	// tracker reports percentiles.
	DefaultATRMinSamples = 200
)

// AtrPercentileTracker maintains bounded rolling windows of ATR values keyed
// by symbol and timeframe, and answers "what fraction of recent ATR values
// is at or below this one". Volatility-regime filters use it to skip entries
// in dead markets.
type AtrPercentileTracker struct {
	mu         sync.RWMutex
	window     int
	minSamples int
	series     map[string][]float64
}

// NewAtrPercentileTracker creates a tracker with the given window cap and
// readiness threshold. Non-positive arguments fall back to the defaults.
func NewAtrPercentileTracker(window, minSamples int) *AtrPercentileTracker {
	if window <= 0 {
		window = DefaultATRWindow
	}
	if minSamples <= 0 {
		minSamples = DefaultATRMinSamples
	}
	return &AtrPercentileTracker{
		window:     window,
		minSamples: minSamples,
		series:     make(map[string][]float64),
	}
}

func seriesKey(symbol, timeframe string) string {
	return symbol + ":" + timeframe
}

// Record appends an ATR sample, evicting the oldest when the window is full.
// NaN and non-positive samples are ignored: a zero ATR from a flat-bar run
// carries no volatility information and would skew the percentile rank.
func (t *AtrPercentileTracker) Record(symbol, timeframe string, atr float64) {
	if IsNaN(atr) || atr <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := seriesKey(symbol, timeframe)
	s := t.series[key]
	if len(s) >= t.window {
		s = s[1:]
	}
	t.series[key] = append(s, atr)
}

// RecordBulk appends a batch of samples, used for warmup from historical
// bars before live processing starts.
func (t *AtrPercentileTracker) RecordBulk(symbol, timeframe string, atrs []float64) {
	for _, v := range atrs {
		t.Record(symbol, timeframe, v)
	}
}

// Ready reports whether the series has enough samples to produce percentiles.
func (t *AtrPercentileTracker) Ready(symbol, timeframe string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.series[seriesKey(symbol, timeframe)]) >= t.minSamples
}

// Percentile returns the empirical CDF value of atr within the series:
// count(v <= atr) / n, in [0,1]. The second return is false when the series
// is not ready yet; callers decide whether to bypass or reject.
func (t *AtrPercentileTracker) Percentile(symbol, timeframe string, atr float64) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.series[seriesKey(symbol, timeframe)]
	if len(s) < t.minSamples {
		return 0, false
	}
	count := 0
	for _, v := range s {
		if v <= atr {
			count++
		}
	}
	return float64(count) / float64(len(s)), true
}

// SampleCount returns the current series length for a symbol/timeframe.
func (t *AtrPercentileTracker) SampleCount(symbol, timeframe string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.series[seriesKey(symbol, timeframe)])
}

// Reset drops all series, used between backtest runs.
func (t *AtrPercentileTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.series = make(map[string][]float64)
}
