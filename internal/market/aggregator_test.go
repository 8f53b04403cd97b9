package market

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testKline(symbol string, ts time.Time, open, high, low, close, volume float64) Kline {
	return Kline{
		Symbol:    symbol,
		Timeframe: "1m",
		Timestamp: ts,
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat(close),
		Volume:    decimal.NewFromFloat(volume),
		IsClosed:  true,
	}
}

func TestAggregatorBuildsFiveMinuteBar(t *testing.T) {
	agg := NewKlineAggregator([]string{"5m"}, zerolog.Nop())
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Five 1m bars in one bucket. Nothing is emitted until the next
	// bucket opens.
	prices := []struct{ o, h, l, c, v float64 }{
		{100, 102, 99, 101, 10},
		{101, 105, 100, 104, 20},
		{104, 104.5, 98, 99, 5},
		{99, 101, 98.5, 100.5, 15},
		{100.5, 103, 100, 102, 8},
	}
	for i, p := range prices {
		out := agg.Add1m(testKline("BTCUSDT", base.Add(time.Duration(i)*time.Minute), p.o, p.h, p.l, p.c, p.v))
		if len(out) != 0 {
			t.Fatalf("bar %d: expected no emission inside the bucket, got %d", i, len(out))
		}
	}

	out := agg.Add1m(testKline("BTCUSDT", base.Add(5*time.Minute), 102, 102, 101, 101.5, 3))
	if len(out) != 1 {
		t.Fatalf("expected one emitted 5m bar, got %d", len(out))
	}

	bar := out[0]
	if bar.Timeframe != "5m" {
		t.Errorf("timeframe = %q, want 5m", bar.Timeframe)
	}
	if !bar.Timestamp.Equal(base) {
		t.Errorf("timestamp = %s, want %s", bar.Timestamp, base)
	}
	if !bar.Open.Equal(decimal.NewFromFloat(100)) {
		t.Errorf("open = %s, want 100", bar.Open)
	}
	if !bar.High.Equal(decimal.NewFromFloat(105)) {
		t.Errorf("high = %s, want 105", bar.High)
	}
	if !bar.Low.Equal(decimal.NewFromFloat(98)) {
		t.Errorf("low = %s, want 98", bar.Low)
	}
	if !bar.Close.Equal(decimal.NewFromFloat(102)) {
		t.Errorf("close = %s, want 102", bar.Close)
	}
	if !bar.Volume.Equal(decimal.NewFromFloat(58)) {
		t.Errorf("volume = %s, want 58", bar.Volume)
	}
	if !bar.IsClosed {
		t.Error("emitted bar should be closed")
	}
}

func TestAggregatorMultipleTimeframes(t *testing.T) {
	agg := NewKlineAggregator([]string{"3m", "5m", "15m"}, zerolog.Nop())
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	emittedPerTF := map[string]int{}
	for i := 0; i < 31; i++ {
		out := agg.Add1m(testKline("ETHUSDT", base.Add(time.Duration(i)*time.Minute), 100, 101, 99, 100, 1))
		for _, bar := range out {
			emittedPerTF[bar.Timeframe]++
		}
	}

	// 31 bars cover buckets [0,30): ten 3m, six 5m, two 15m completed.
	if emittedPerTF["3m"] != 10 {
		t.Errorf("3m bars = %d, want 10", emittedPerTF["3m"])
	}
	if emittedPerTF["5m"] != 6 {
		t.Errorf("5m bars = %d, want 6", emittedPerTF["5m"])
	}
	if emittedPerTF["15m"] != 2 {
		t.Errorf("15m bars = %d, want 2", emittedPerTF["15m"])
	}
}

func TestAggregatorGapEmitsPartialBucket(t *testing.T) {
	agg := NewKlineAggregator([]string{"5m"}, zerolog.Nop())
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	agg.Add1m(testKline("BTCUSDT", base, 100, 101, 99, 100, 1))
	agg.Add1m(testKline("BTCUSDT", base.Add(time.Minute), 100, 102, 100, 101, 1))

	// Jump straight into the next bucket: the two-bar bucket is emitted
	// as-is rather than dropped.
	out := agg.Add1m(testKline("BTCUSDT", base.Add(7*time.Minute), 101, 103, 101, 102, 1))
	if len(out) != 1 {
		t.Fatalf("expected partial bucket emission, got %d bars", len(out))
	}
	if !out[0].Close.Equal(decimal.NewFromFloat(101)) {
		t.Errorf("close = %s, want 101", out[0].Close)
	}
}

func TestAggregatorFlush(t *testing.T) {
	agg := NewKlineAggregator([]string{"5m"}, zerolog.Nop())
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	agg.Add1m(testKline("BTCUSDT", base, 100, 101, 99, 100, 1))
	agg.Add1m(testKline("BTCUSDT", base.Add(time.Minute), 100, 104, 100, 103, 2))

	out := agg.Flush("BTCUSDT")
	if len(out) != 1 {
		t.Fatalf("expected one flushed bar, got %d", len(out))
	}
	if !out[0].High.Equal(decimal.NewFromFloat(104)) {
		t.Errorf("high = %s, want 104", out[0].High)
	}

	// Flushing twice yields nothing.
	if again := agg.Flush("BTCUSDT"); len(again) != 0 {
		t.Errorf("second flush emitted %d bars", len(again))
	}
}

func TestAggregatorPartialKline(t *testing.T) {
	agg := NewKlineAggregator([]string{"5m"}, zerolog.Nop())
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if _, ok := agg.PartialKline("BTCUSDT", "5m"); ok {
		t.Error("no partial expected before any input")
	}

	agg.Add1m(testKline("BTCUSDT", base, 100, 101, 99, 100, 1))
	partial, ok := agg.PartialKline("BTCUSDT", "5m")
	if !ok {
		t.Fatal("expected a partial bar")
	}
	if partial.IsClosed {
		t.Error("partial bar must not be flagged closed")
	}
}

func TestAggregatorPanicsOnOutOfOrder(t *testing.T) {
	agg := NewKlineAggregator([]string{"5m"}, zerolog.Nop())
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	agg.Add1m(testKline("BTCUSDT", base.Add(time.Minute), 100, 101, 99, 100, 1))

	defer func() {
		if recover() == nil {
			t.Error("expected panic on out-of-order 1m kline")
		}
	}()
	agg.Add1m(testKline("BTCUSDT", base, 100, 101, 99, 100, 1))
}

func TestAggregatorPanicsOnUnclosed(t *testing.T) {
	agg := NewKlineAggregator([]string{"5m"}, zerolog.Nop())
	k := testKline("BTCUSDT", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), 100, 101, 99, 100, 1)
	k.IsClosed = false

	defer func() {
		if recover() == nil {
			t.Error("expected panic on unclosed kline")
		}
	}()
	agg.Add1m(k)
}

func TestBucketStart(t *testing.T) {
	ts := time.Date(2025, 6, 1, 10, 17, 0, 0, time.UTC)
	cases := []struct {
		mins int
		want time.Time
	}{
		{3, time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)},
		{5, time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)},
		{15, time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)},
		{30, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		if got := BucketStart(ts, c.mins); !got.Equal(c.want) {
			t.Errorf("BucketStart(%s, %d) = %s, want %s", ts, c.mins, got, c.want)
		}
	}
}
