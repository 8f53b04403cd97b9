package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TimeframeMinutes maps supported timeframes to their length in minutes.
var TimeframeMinutes = map[string]int{
	"1m":  1,
	"3m":  3,
	"5m":  5,
	"15m": 15,
	"30m": 30,
}

// Kline represents a single candlestick for a (symbol, timeframe) pair.
// Timestamp is the bar's open time, aligned to the timeframe and in UTC.
// Prices and volume use decimal at this boundary; indicator math converts
// to float64 via the buffer's column views.
type Kline struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	IsClosed  bool            `json:"is_closed"`
}

// Validate checks the OHLC invariants. Klines failing validation must be
// dropped by ingestion adapters before they reach any buffer.
func (k Kline) Validate() error {
	if k.Symbol == "" {
		return fmt.Errorf("kline missing symbol")
	}
	if _, ok := TimeframeMinutes[k.Timeframe]; !ok {
		return fmt.Errorf("kline %s: unknown timeframe %q", k.Symbol, k.Timeframe)
	}
	if !k.Open.IsPositive() || !k.High.IsPositive() || !k.Low.IsPositive() || !k.Close.IsPositive() {
		return fmt.Errorf("kline %s %s @ %s: non-positive price", k.Symbol, k.Timeframe, k.Timestamp.Format(time.RFC3339))
	}
	if k.Volume.IsNegative() {
		return fmt.Errorf("kline %s %s @ %s: negative volume", k.Symbol, k.Timeframe, k.Timestamp.Format(time.RFC3339))
	}
	if k.High.LessThan(decimal.Max(k.Open, k.Close)) || k.Low.GreaterThan(decimal.Min(k.Open, k.Close)) {
		return fmt.Errorf("kline %s %s @ %s: high/low outside body", k.Symbol, k.Timeframe, k.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// CloseTime returns the instant the bar closed: open time plus the
// timeframe duration. Unknown timeframes fall back to the open time.
func (k Kline) CloseTime() time.Time {
	mins, ok := TimeframeMinutes[k.Timeframe]
	if !ok {
		return k.Timestamp
	}
	return k.Timestamp.Add(time.Duration(mins) * time.Minute)
}

// IsBullish reports whether the candle closed above its open.
func (k Kline) IsBullish() bool {
	return k.Close.GreaterThan(k.Open)
}

// IsBearish reports whether the candle closed below its open.
func (k Kline) IsBearish() bool {
	return k.Close.LessThan(k.Open)
}

// BodySize returns the absolute size of the candle body.
func (k Kline) BodySize() decimal.Decimal {
	return k.Close.Sub(k.Open).Abs()
}

// RangeSize returns the full high-low range of the candle.
func (k Kline) RangeSize() decimal.Decimal {
	return k.High.Sub(k.Low)
}

// Trade represents an aggregated trade from the exchange. AggTradeID is
// monotonic per symbol.
type Trade struct {
	Symbol       string          `json:"symbol"`
	AggTradeID   int64           `json:"agg_trade_id"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Timestamp    time.Time       `json:"timestamp"`
	IsBuyerMaker bool            `json:"is_buyer_maker"`
}

// DefaultBufferSize is the default cap on klines held per buffer.
const DefaultBufferSize = 200

// KlineBuffer holds a bounded, timestamp-ordered window of recent klines for
// one (symbol, timeframe). The most recent entry may be replaced in place
// while its bar is still open.
type KlineBuffer struct {
	symbol    string
	timeframe string
	maxSize   int
	klines    []Kline
}

// NewKlineBuffer creates a buffer for symbol/timeframe. maxSize <= 0 falls
// back to DefaultBufferSize.
func NewKlineBuffer(symbol, timeframe string, maxSize int) *KlineBuffer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &KlineBuffer{
		symbol:    symbol,
		timeframe: timeframe,
		maxSize:   maxSize,
		klines:    make([]Kline, 0, maxSize),
	}
}

// Add inserts a kline. Same timestamp as the last entry replaces it (in-bar
// update), older timestamps are dropped, newer ones append and the window is
// trimmed from the front.
func (b *KlineBuffer) Add(k Kline) {
	if n := len(b.klines); n > 0 {
		last := b.klines[n-1].Timestamp
		if k.Timestamp.Equal(last) {
			b.klines[n-1] = k
			return
		}
		if k.Timestamp.Before(last) {
			return
		}
	}
	b.klines = append(b.klines, k)
	if len(b.klines) > b.maxSize {
		b.klines = b.klines[len(b.klines)-b.maxSize:]
	}
}

// Len returns the number of klines currently buffered.
func (b *KlineBuffer) Len() int { return len(b.klines) }

// Symbol returns the buffer's symbol.
func (b *KlineBuffer) Symbol() string { return b.symbol }

// Timeframe returns the buffer's timeframe.
func (b *KlineBuffer) Timeframe() string { return b.timeframe }

// Klines returns the underlying window in ascending timestamp order. Callers
// must not mutate the returned slice.
func (b *KlineBuffer) Klines() []Kline { return b.klines }

// Last returns the most recent kline, or false when the buffer is empty.
func (b *KlineBuffer) Last() (Kline, bool) {
	if len(b.klines) == 0 {
		return Kline{}, false
	}
	return b.klines[len(b.klines)-1], true
}

// Prev returns the second most recent kline, or false when fewer than two
// klines are buffered.
func (b *KlineBuffer) Prev() (Kline, bool) {
	if len(b.klines) < 2 {
		return Kline{}, false
	}
	return b.klines[len(b.klines)-2], true
}

// Opens returns the open column as float64 for indicator math.
func (b *KlineBuffer) Opens() []float64 {
	return b.column(func(k Kline) decimal.Decimal { return k.Open })
}

// Highs returns the high column as float64.
func (b *KlineBuffer) Highs() []float64 {
	return b.column(func(k Kline) decimal.Decimal { return k.High })
}

// Lows returns the low column as float64.
func (b *KlineBuffer) Lows() []float64 {
	return b.column(func(k Kline) decimal.Decimal { return k.Low })
}

// Closes returns the close column as float64.
func (b *KlineBuffer) Closes() []float64 {
	return b.column(func(k Kline) decimal.Decimal { return k.Close })
}

// Volumes returns the volume column as float64.
func (b *KlineBuffer) Volumes() []float64 {
	return b.column(func(k Kline) decimal.Decimal { return k.Volume })
}

func (b *KlineBuffer) column(get func(Kline) decimal.Decimal) []float64 {
	out := make([]float64, len(b.klines))
	for i, k := range b.klines {
		out[i] = get(k).InexactFloat64()
	}
	return out
}
