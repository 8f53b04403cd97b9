package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-signal-engine/internal/market"
)

func streamKline(symbol string, closed bool) market.Kline {
	price := decimal.NewFromInt(100)
	return market.Kline{
		Symbol:    symbol,
		Timeframe: "1m",
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    decimal.NewFromInt(1),
		IsClosed:  closed,
	}
}

func TestDispatchKlineForwardsClosedBarsOnly(t *testing.T) {
	p := &pipeline{klineCh: make(chan market.Kline, 4)}
	c := &Collector{pipelines: map[string]*pipeline{"BTCUSDT": p}}

	// In-progress updates arrive continuously; the pipeline aggregates and
	// persists closed bars only.
	c.dispatchKline(streamKline("BTCUSDT", false))
	if got := len(p.klineCh); got != 0 {
		t.Fatalf("in-progress update reached the pipeline, %d queued", got)
	}

	c.dispatchKline(streamKline("BTCUSDT", true))
	if got := len(p.klineCh); got != 1 {
		t.Fatalf("closed bar not forwarded, %d queued", got)
	}

	c.dispatchKline(streamKline("btcusdt", true))
	if got := len(p.klineCh); got != 2 {
		t.Fatalf("lowercase stream symbol not routed, %d queued", got)
	}

	c.dispatchKline(streamKline("ETHUSDT", true))
	if got := len(p.klineCh); got != 2 {
		t.Fatalf("unknown symbol was forwarded, %d queued", got)
	}
}

func TestDispatchTradeDropsUnderBackpressure(t *testing.T) {
	p := &pipeline{tradeCh: make(chan market.Trade, 1)}
	c := &Collector{pipelines: map[string]*pipeline{"BTCUSDT": p}}

	trade := market.Trade{
		Symbol:     "BTCUSDT",
		AggTradeID: 1,
		Price:      decimal.NewFromInt(100),
		Quantity:   decimal.NewFromInt(1),
		Timestamp:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	c.dispatchTrade(trade)
	trade.AggTradeID = 2
	c.dispatchTrade(trade)

	if got := len(p.tradeCh); got != 1 {
		t.Fatalf("trade channel holds %d, want 1", got)
	}
	if p.dropped != 1 {
		t.Fatalf("dropped = %d, want 1", p.dropped)
	}
}
