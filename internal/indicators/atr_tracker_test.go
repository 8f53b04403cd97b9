package indicators

import (
	"math"
	"testing"
)

func TestAtrPercentileNotReadyUntilMinSamples(t *testing.T) {
	tracker := NewAtrPercentileTracker(100, 5)

	for i := 0; i < 4; i++ {
		tracker.Record("BTCUSDT", "5m", float64(i+1))
	}
	if tracker.Ready("BTCUSDT", "5m") {
		t.Error("tracker ready below min samples")
	}
	if _, ok := tracker.Percentile("BTCUSDT", "5m", 2); ok {
		t.Error("percentile answered below min samples")
	}

	tracker.Record("BTCUSDT", "5m", 5)
	if !tracker.Ready("BTCUSDT", "5m") {
		t.Error("tracker not ready at min samples")
	}
}

func TestAtrPercentileRank(t *testing.T) {
	tracker := NewAtrPercentileTracker(100, 5)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		tracker.Record("BTCUSDT", "5m", v)
	}

	pct, ok := tracker.Percentile("BTCUSDT", "5m", 3)
	if !ok {
		t.Fatal("expected a percentile")
	}
	// Three of five samples are <= 3.
	if math.Abs(pct-0.6) > 1e-9 {
		t.Errorf("percentile = %f, want 0.6", pct)
	}

	pct, _ = tracker.Percentile("BTCUSDT", "5m", 10)
	if math.Abs(pct-1.0) > 1e-9 {
		t.Errorf("percentile above all samples = %f, want 1.0", pct)
	}

	pct, _ = tracker.Percentile("BTCUSDT", "5m", 0.5)
	if math.Abs(pct) > 1e-9 {
		t.Errorf("percentile below all samples = %f, want 0", pct)
	}
}

func TestAtrPercentileSeriesAreIndependent(t *testing.T) {
	tracker := NewAtrPercentileTracker(100, 2)
	tracker.Record("BTCUSDT", "5m", 1)
	tracker.Record("BTCUSDT", "5m", 2)
	tracker.Record("BTCUSDT", "15m", 100)

	if !tracker.Ready("BTCUSDT", "5m") {
		t.Error("5m series should be ready")
	}
	if tracker.Ready("BTCUSDT", "15m") {
		t.Error("15m series should not be ready")
	}
	if tracker.SampleCount("ETHUSDT", "5m") != 0 {
		t.Error("unseen pair should have no samples")
	}
}

func TestAtrTrackerWindowEviction(t *testing.T) {
	tracker := NewAtrPercentileTracker(3, 2)
	for _, v := range []float64{1, 2, 3, 4} {
		tracker.Record("BTCUSDT", "5m", v)
	}

	if got := tracker.SampleCount("BTCUSDT", "5m"); got != 3 {
		t.Fatalf("sample count = %d, want 3", got)
	}
	// 1 was evicted: only 2,3,4 remain, so 1.5 ranks below everything.
	pct, _ := tracker.Percentile("BTCUSDT", "5m", 1.5)
	if pct != 0 {
		t.Errorf("percentile = %f, want 0 after eviction", pct)
	}
}

func TestAtrTrackerIgnoresInvalidSamples(t *testing.T) {
	tracker := NewAtrPercentileTracker(100, 1)
	tracker.Record("BTCUSDT", "5m", NaN)
	if tracker.SampleCount("BTCUSDT", "5m") != 0 {
		t.Error("NaN sample was recorded")
	}

	// A flat-bar run produces ATR 0, which says nothing about volatility.
	tracker.Record("BTCUSDT", "5m", 0)
	tracker.Record("BTCUSDT", "5m", -1)
	if tracker.SampleCount("BTCUSDT", "5m") != 0 {
		t.Error("non-positive sample was recorded")
	}

	tracker.RecordBulk("BTCUSDT", "5m", []float64{1, NaN, 0, 2})
	if tracker.SampleCount("BTCUSDT", "5m") != 2 {
		t.Errorf("bulk record kept %d samples, want 2", tracker.SampleCount("BTCUSDT", "5m"))
	}
}
