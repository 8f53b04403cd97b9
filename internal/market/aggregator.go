package market

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultAggregationTimeframes are the timeframes built from 1m bars when a
// caller does not provide an explicit list.
var DefaultAggregationTimeframes = []string{"3m", "5m", "15m", "30m"}

// aggBuffer accumulates the partially built bar for one target bucket.
type aggBuffer struct {
	started     bool
	bucketStart time.Time
	open        decimal.Decimal
	high        decimal.Decimal
	low         decimal.Decimal
	close       decimal.Decimal
	volume      decimal.Decimal
	count       int
}

// BucketStart aligns ts down to the start of its periodMinutes bucket.
func BucketStart(ts time.Time, periodMinutes int) time.Time {
	periodSec := int64(periodMinutes) * 60
	return time.Unix(ts.Unix()/periodSec*periodSec, 0).UTC()
}

// KlineAggregator folds closed 1m klines into higher timeframes. A target bar
// is emitted exactly once, when the first 1m kline of the NEXT bucket is
// observed; trailing partial bars are only emitted by an explicit Flush.
//
// Feeding a non-1m kline, an unclosed kline, or a 1m kline at or before the
// previous one is a programmer error and panics: upstream adapters guarantee
// strictly ascending closed 1m bars per symbol.
type KlineAggregator struct {
	targetTimeframes []string
	buffers          map[string]map[string]*aggBuffer
	last1m           map[string]Kline
	log              zerolog.Logger
}

// NewKlineAggregator creates an aggregator for the given target timeframes.
// "1m" entries and unknown timeframes are ignored; nil means the default set.
func NewKlineAggregator(targetTimeframes []string, log zerolog.Logger) *KlineAggregator {
	if targetTimeframes == nil {
		targetTimeframes = DefaultAggregationTimeframes
	}
	valid := make([]string, 0, len(targetTimeframes))
	for _, tf := range targetTimeframes {
		if _, ok := TimeframeMinutes[tf]; ok && tf != "1m" {
			valid = append(valid, tf)
		}
	}
	return &KlineAggregator{
		targetTimeframes: valid,
		buffers:          make(map[string]map[string]*aggBuffer),
		last1m:           make(map[string]Kline),
		log:              log.With().Str("component", "kline_aggregator").Logger(),
	}
}

// TargetTimeframes returns the timeframes this aggregator produces.
func (a *KlineAggregator) TargetTimeframes() []string { return a.targetTimeframes }

// Add1m folds one closed 1m kline and returns every higher-timeframe kline
// completed by it, in ascending timestamp order per timeframe.
func (a *KlineAggregator) Add1m(k Kline) []Kline {
	a.checkInput(k)
	a.last1m[k.Symbol] = k

	var emitted []Kline
	for _, tf := range a.targetTimeframes {
		if out, ok := a.fold(k, tf); ok {
			emitted = append(emitted, out)
		}
	}
	return emitted
}

// Flush emits the trailing partial bar of every target timeframe for symbol,
// marked as closed. Buffers are reset afterwards.
func (a *KlineAggregator) Flush(symbol string) []Kline {
	var emitted []Kline
	for _, tf := range a.targetTimeframes {
		buf := a.buffer(symbol, tf)
		if buf.started {
			emitted = append(emitted, a.drain(symbol, tf, buf))
		}
	}
	return emitted
}

// PartialKline returns the in-progress bar for symbol/timeframe, flagged as
// not closed, or false when no 1m kline of the current bucket has arrived.
func (a *KlineAggregator) PartialKline(symbol, timeframe string) (Kline, bool) {
	byTF, ok := a.buffers[symbol]
	if !ok {
		return Kline{}, false
	}
	buf, ok := byTF[timeframe]
	if !ok || !buf.started {
		return Kline{}, false
	}
	k := a.toKline(symbol, timeframe, buf)
	k.IsClosed = false
	return k, true
}

// Reset clears all state for symbol, or for every symbol when symbol is "".
func (a *KlineAggregator) Reset(symbol string) {
	if symbol == "" {
		a.buffers = make(map[string]map[string]*aggBuffer)
		a.last1m = make(map[string]Kline)
		return
	}
	delete(a.buffers, symbol)
	delete(a.last1m, symbol)
}

func (a *KlineAggregator) checkInput(k Kline) {
	if k.Timeframe != "1m" {
		panic(fmt.Sprintf("kline aggregator fed %s kline for %s", k.Timeframe, k.Symbol))
	}
	if !k.IsClosed {
		panic(fmt.Sprintf("kline aggregator fed unclosed 1m kline for %s", k.Symbol))
	}
	if last, ok := a.last1m[k.Symbol]; ok && !k.Timestamp.After(last.Timestamp) {
		panic(fmt.Sprintf("kline aggregator fed out-of-order 1m kline for %s: %s <= %s",
			k.Symbol, k.Timestamp.Format(time.RFC3339), last.Timestamp.Format(time.RFC3339)))
	}
}

// fold merges k into the symbol's buffer for tf. Returns the completed bar
// (and true) when k opens a new bucket while a previous one was in progress.
func (a *KlineAggregator) fold(k Kline, tf string) (Kline, bool) {
	buf := a.buffer(k.Symbol, tf)
	bucket := BucketStart(k.Timestamp, TimeframeMinutes[tf])

	if buf.started && bucket.Equal(buf.bucketStart) {
		buf.high = decimal.Max(buf.high, k.High)
		buf.low = decimal.Min(buf.low, k.Low)
		buf.close = k.Close
		buf.volume = buf.volume.Add(k.Volume)
		buf.count++
		return Kline{}, false
	}

	var out Kline
	emitted := false
	if buf.started {
		out = a.drain(k.Symbol, tf, buf)
		emitted = true
	}

	buf.started = true
	buf.bucketStart = bucket
	buf.open = k.Open
	buf.high = k.High
	buf.low = k.Low
	buf.close = k.Close
	buf.volume = k.Volume
	buf.count = 1
	return out, emitted
}

func (a *KlineAggregator) drain(symbol, tf string, buf *aggBuffer) Kline {
	if buf.count < TimeframeMinutes[tf] {
		a.log.Debug().
			Str("symbol", symbol).
			Str("timeframe", tf).
			Int("count", buf.count).
			Msg("emitting bar built from incomplete 1m run")
	}
	out := a.toKline(symbol, tf, buf)
	buf.started = false
	return out
}

func (a *KlineAggregator) toKline(symbol, tf string, buf *aggBuffer) Kline {
	return Kline{
		Symbol:    symbol,
		Timeframe: tf,
		Timestamp: buf.bucketStart,
		Open:      buf.open,
		High:      buf.high,
		Low:       buf.low,
		Close:     buf.close,
		Volume:    buf.volume,
		IsClosed:  true,
	}
}

func (a *KlineAggregator) buffer(symbol, tf string) *aggBuffer {
	byTF, ok := a.buffers[symbol]
	if !ok {
		byTF = make(map[string]*aggBuffer)
		a.buffers[symbol] = byTF
	}
	buf, ok := byTF[tf]
	if !ok {
		buf = &aggBuffer{}
		byTF[tf] = buf
	}
	return buf
}
