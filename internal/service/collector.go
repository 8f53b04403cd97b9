// Package service runs the live collector: one pipeline goroutine per
// symbol fed by the Binance futures streams, with historical warmup and
// crash recovery from the processing-state watermark.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-signal-engine/config"
	"perp-signal-engine/internal/binance"
	"perp-signal-engine/internal/cache"
	"perp-signal-engine/internal/database"
	"perp-signal-engine/internal/events"
	"perp-signal-engine/internal/indicators"
	"perp-signal-engine/internal/market"
	"perp-signal-engine/internal/signal"
	"perp-signal-engine/internal/strategy"
	"perp-signal-engine/internal/tracker"
)

// klineChanSize buffers closed 1m bars. Bars are lossless: dispatch blocks
// when a pipeline falls behind rather than dropping.
const klineChanSize = 64

// tradeChanSize buffers aggTrades. Trades are best effort and get dropped
// under backpressure; the next bar close resolves whatever a dropped trade
// would have.
const tradeChanSize = 1024

// Collector owns the per-symbol pipelines and the websocket streams.
type Collector struct {
	cfg      *config.Config
	client   *binance.Client
	repo     *database.Repository
	streaks  strategy.StreakStore
	active   *cache.ActiveSignalCache
	bus      *events.EventBus
	atr      *indicators.AtrPercentileTracker
	filters  strategy.FilterSet
	stratCfg strategy.Config
	log      zerolog.Logger

	pipelines map[string]*pipeline
	klines    *binance.KlineStream
	trades    *binance.TradeStream
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// NewCollector loads per-pair filters and prepares the pipelines. Streaks
// and active may be nil when Redis is disabled; persistence then falls back
// to the database alone.
func NewCollector(cfg *config.Config, client *binance.Client, repo *database.Repository, streaks strategy.StreakStore, active *cache.ActiveSignalCache, bus *events.EventBus, log zerolog.Logger) (*Collector, error) {
	stratCfg := strategy.DefaultConfig()
	if err := stratCfg.Validate(); err != nil {
		return nil, fmt.Errorf("strategy config: %w", err)
	}

	filters := strategy.DefaultFilterSet(cfg.EngineConfig.Symbols, cfg.EngineConfig.Timeframes)
	if path := cfg.EngineConfig.FiltersFile; path != "" {
		loaded, err := strategy.LoadFilterSet(path)
		if err == nil {
			filters = loaded
		} else {
			log.Warn().Err(err).Str("path", path).Msg("filters file unavailable, using defaults")
		}
	}
	if err := filters.Validate(); err != nil {
		return nil, fmt.Errorf("filters: %w", err)
	}

	return &Collector{
		cfg:       cfg,
		client:    client,
		repo:      repo,
		streaks:   streaks,
		active:    active,
		bus:       bus,
		atr:       indicators.NewAtrPercentileTracker(indicators.DefaultATRWindow, indicators.DefaultATRMinSamples),
		filters:   filters,
		stratCfg:  stratCfg,
		log:       log.With().Str("component", "collector").Logger(),
		pipelines: make(map[string]*pipeline),
	}, nil
}

// Start bootstraps every symbol (history download, warmup, replay) and then
// attaches the websocket streams. Blocking until bootstrap completes keeps
// live bars from interleaving with the replay.
func (c *Collector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	for _, symbol := range c.cfg.EngineConfig.Symbols {
		p, err := c.bootstrap(ctx, symbol)
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", symbol, err)
		}
		c.pipelines[symbol] = p
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			p.run(ctx)
		}()
	}

	c.klines = binance.NewKlineStream(c.cfg.BinanceConfig.FuturesWSURL, c.cfg.EngineConfig.Symbols, []string{"1m"}, c.dispatchKline, c.log)
	c.klines.Start()

	if c.cfg.EngineConfig.TradeStream {
		c.trades = binance.NewTradeStream(c.cfg.BinanceConfig.FuturesWSURL, c.cfg.EngineConfig.Symbols, c.dispatchTrade, c.log)
		c.trades.Start()
	}

	c.log.Info().
		Strs("symbols", c.cfg.EngineConfig.Symbols).
		Strs("timeframes", c.cfg.EngineConfig.Timeframes).
		Str("strategy", c.cfg.EngineConfig.Strategy).
		Msg("collector started")
	return nil
}

// Stop detaches the streams and waits for the pipelines to drain.
func (c *Collector) Stop() {
	if c.klines != nil {
		c.klines.Stop()
	}
	if c.trades != nil {
		c.trades.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.log.Info().Msg("collector stopped")
}

// dispatchKline forwards closed bars to the symbol's pipeline. The stream
// also delivers in-progress updates every few hundred milliseconds; the
// pipeline persists and aggregates closed bars only, so those are dropped
// here.
func (c *Collector) dispatchKline(k market.Kline) {
	if !k.IsClosed {
		return
	}
	p, ok := c.pipelines[strings.ToUpper(k.Symbol)]
	if !ok {
		return
	}
	p.klineCh <- k
}

func (c *Collector) dispatchTrade(tr market.Trade) {
	p, ok := c.pipelines[strings.ToUpper(tr.Symbol)]
	if !ok {
		return
	}
	select {
	case p.tradeCh <- tr:
	default:
		p.dropped++
	}
}

// bootstrap downloads warmup history, fills buffers and the volatility
// series, replays bars the previous run never confirmed, and re-tracks the
// symbol's open signals.
func (c *Collector) bootstrap(ctx context.Context, symbol string) (*pipeline, error) {
	now := time.Now().UTC().Truncate(time.Minute)
	warmupStart := now.AddDate(0, 0, -c.cfg.EngineConfig.WarmupDays)

	history, err := c.loadHistory(ctx, symbol, warmupStart, now)
	if err != nil {
		return nil, err
	}

	// Bars at or before the watermark were already processed by the previous
	// run and only warm state; bars after it replay through the full
	// pipeline. A fresh pair has no watermark and warms everything.
	watermark := now
	if st, err := c.repo.GetProcessingState(ctx, symbol, "1m"); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("processing state unavailable, skipping replay")
	} else if st != nil {
		watermark = st.LastProcessedTime
	}

	p := c.newPipeline(symbol)
	if err := p.init(ctx); err != nil {
		return nil, err
	}

	var replay []market.Kline
	warmed := make(map[string][]market.Kline)
	for _, k := range history {
		if k.Timestamp.After(watermark) {
			replay = append(replay, k)
			continue
		}
		if p.has1m {
			warmed["1m"] = append(warmed["1m"], k)
		}
		for _, agg := range p.agg.Add1m(k) {
			warmed[agg.Timeframe] = append(warmed[agg.Timeframe], agg)
		}
	}

	for tf, bars := range warmed {
		c.warmTimeframe(symbol, tf, bars, p.buffers[tf])
	}

	for _, rec := range c.loadActive(ctx, symbol) {
		if rec.Strategy != p.strategy.Name() {
			continue
		}
		p.tracker.Track(rec)
	}

	for _, k := range replay {
		p.handleKline(ctx, k)
	}

	c.log.Info().
		Str("symbol", symbol).
		Int("history", len(history)).
		Int("replayed", len(replay)).
		Time("watermark", watermark).
		Msg("bootstrap complete")
	return p, nil
}

// loadHistory returns the symbol's ascending 1m bars for [start, end),
// reusing stored bars and downloading only the missing tail from the
// exchange.
func (c *Collector) loadHistory(ctx context.Context, symbol string, start, end time.Time) ([]market.Kline, error) {
	var history []market.Kline
	fetchFrom := start

	latest, err := c.repo.LatestOpenTime(ctx, symbol, "1m")
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("stored history lookup failed, downloading full range")
	} else if !latest.IsZero() && !latest.Before(start) {
		stored, err := c.repo.GetRange(ctx, symbol, "1m", start, latest)
		if err != nil {
			return nil, fmt.Errorf("load stored history: %w", err)
		}
		history = stored
		fetchFrom = latest.Add(time.Minute)
	}

	if fetchFrom.Before(end) {
		fresh, err := c.client.GetKlineRange(ctx, symbol, "1m", fetchFrom, end)
		if err != nil {
			return nil, fmt.Errorf("download history: %w", err)
		}
		if err := c.repo.SaveKlines(ctx, fresh); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("history save failed, continuing in memory")
		}
		history = append(history, fresh...)
	}
	return history, nil
}

// loadActive prefers the Redis mirror for open signals and falls back to the
// database. An empty mirror also falls through: the cache can be cold after
// an expiry while the store still has open signals.
func (c *Collector) loadActive(ctx context.Context, symbol string) []*signal.Record {
	if c.active != nil {
		recs, err := c.active.LoadAll(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("active signal cache read failed")
		} else if len(recs) > 0 {
			var out []*signal.Record
			for _, rec := range recs {
				if rec.Symbol == symbol {
					out = append(out, rec)
				}
			}
			return out
		}
	}

	recs, err := c.repo.GetActive(ctx, symbol, "")
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("active signal reload failed")
		return nil
	}
	return recs
}

// warmTimeframe fills the rolling buffer and seeds the volatility series
// from the full warmup run, not just the bars the buffer retains.
func (c *Collector) warmTimeframe(symbol, tf string, bars []market.Kline, buf *market.KlineBuffer) {
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
		closes[i] = b.Close.InexactFloat64()
	}
	atrs := indicators.ATR(highs, lows, closes, c.stratCfg.ATRPeriod)
	valid := atrs[:0]
	for _, v := range atrs {
		if !indicators.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	c.atr.RecordBulk(symbol, tf, valid)

	for _, b := range bars {
		buf.Add(b)
	}
}

func (c *Collector) newPipeline(symbol string) *pipeline {
	timeframes := c.cfg.EngineConfig.Timeframes
	buffers := make(map[string]*market.KlineBuffer, len(timeframes))
	var aggTFs []string
	has1m := false
	for _, tf := range timeframes {
		buffers[tf] = market.NewKlineBuffer(symbol, tf, market.DefaultBufferSize)
		if tf == "1m" {
			has1m = true
		} else {
			aggTFs = append(aggTFs, tf)
		}
	}

	log := c.log.With().Str("symbol", symbol).Logger()
	return &pipeline{
		collector: c,
		symbol:    symbol,
		has1m:     has1m,
		buffers:   buffers,
		agg:       market.NewKlineAggregator(aggTFs, log),
		tracker: tracker.New(log,
			tracker.WithTimeout(c.cfg.EngineConfig.SignalTimeout),
			tracker.WithStore(c.repo),
			tracker.WithBus(c.bus)),
		klineCh: make(chan market.Kline, klineChanSize),
		tradeCh: make(chan market.Trade, tradeChanSize),
		log:     log,
	}
}

// filtersFor subsets the filter table to one symbol so each pipeline's
// strategy only rebuilds locks for pairs it will ever trade.
func (c *Collector) filtersFor(symbol string) strategy.FilterSet {
	out := make(strategy.FilterSet)
	for key, f := range c.filters {
		if key.Symbol == symbol {
			out[key] = f
		}
	}
	return out
}

// pipeline is the single-goroutine processing loop for one symbol. All
// strategy and tracker calls for the symbol happen on this goroutine, which
// is what keeps per-symbol bar ordering strict.
type pipeline struct {
	collector *Collector
	symbol    string
	has1m     bool

	strategy strategy.Strategy
	tracker  *tracker.OutcomeTracker
	agg      *market.KlineAggregator
	buffers  map[string]*market.KlineBuffer

	klineCh chan market.Kline
	tradeCh chan market.Trade
	dropped uint64

	log zerolog.Logger
}

func (p *pipeline) init(ctx context.Context) error {
	c := p.collector
	strat, err := strategy.Create(c.cfg.EngineConfig.Strategy, strategy.Deps{
		Config:  c.stratCfg,
		Filters: c.filtersFor(p.symbol),
		Streaks: c.streaks,
		Signals: c.repo,
		Tracker: c.atr,
		Logger:  p.log,
	})
	if err != nil {
		return fmt.Errorf("create strategy: %w", err)
	}
	if err := strat.Init(ctx); err != nil {
		return fmt.Errorf("init strategy: %w", err)
	}
	strat.OnSignal(&signalObserver{collector: c, log: p.log})
	p.strategy = strat
	p.tracker.RegisterResolver(strat.Name(), strat)
	return nil
}

func (p *pipeline) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if p.dropped > 0 {
				p.log.Warn().Uint64("dropped_trades", p.dropped).Msg("pipeline stopping")
			}
			return
		case k := <-p.klineCh:
			p.handleKline(ctx, k)
		case tr := <-p.tradeCh:
			p.tracker.ProcessTrade(ctx, tr)
		}
	}
}

// handleKline is the fixed per-bar sequence: outcome check against the raw
// 1m bar, persist, mark pending, evaluate 1m, aggregate and evaluate the
// emitted timeframes, then confirm the watermark.
func (p *pipeline) handleKline(ctx context.Context, k market.Kline) {
	c := p.collector

	p.tracker.CheckKline(ctx, k)

	if err := c.repo.SaveKline(ctx, k); err != nil {
		p.log.Warn().Err(err).Time("open_time", k.Timestamp).Msg("kline save failed")
	}
	if err := c.repo.UpsertProcessingState(ctx, &database.ProcessingState{
		Symbol:            p.symbol,
		Timeframe:         "1m",
		LastProcessedTime: k.Timestamp,
		StateStatus:       database.StatePending,
	}); err != nil {
		p.log.Warn().Err(err).Msg("processing state write failed")
	}

	if p.has1m {
		p.processTimeframe(ctx, "1m", k)
	}
	for _, agg := range p.agg.Add1m(k) {
		if err := c.repo.SaveKline(ctx, agg); err != nil {
			p.log.Warn().Err(err).Str("timeframe", agg.Timeframe).Msg("aggregate save failed")
		}
		p.processTimeframe(ctx, agg.Timeframe, agg)
	}

	if err := c.repo.ConfirmProcessed(ctx, p.symbol, "1m", k.Timestamp); err != nil {
		p.log.Warn().Err(err).Msg("processing state confirm failed")
	}
}

func (p *pipeline) processTimeframe(ctx context.Context, tf string, k market.Kline) {
	buf := p.buffers[tf]
	buf.Add(k)

	res, err := p.strategy.ProcessKline(ctx, k, buf)
	if err != nil {
		p.log.Error().Err(err).Str("timeframe", tf).Msg("strategy evaluation failed")
		return
	}
	if res.HasATR {
		p.tracker.UpdateATR(p.symbol, tf, res.ATR)
		p.collector.atr.Record(p.symbol, tf, res.ATR)
	}
	if res.Signal != nil {
		p.tracker.Track(res.Signal)
	}
}
