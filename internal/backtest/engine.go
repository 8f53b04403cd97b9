// Package backtest replays stored 1m klines through the same aggregation,
// strategy, and outcome machinery the live engine runs, producing signal
// records with the same deterministic ids.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"perp-signal-engine/internal/indicators"
	"perp-signal-engine/internal/market"
	"perp-signal-engine/internal/signal"
	"perp-signal-engine/internal/strategy"
	"perp-signal-engine/internal/tracker"
)

// Engine drives one symbol's pipeline over a historical 1m stream. Bars
// before signalStart warm indicators up and may emit lock-occupying signals,
// but only signals at or after signalStart are reported.
type Engine struct {
	symbol      string
	timeframes  []string
	signalStart time.Time

	aggregator *market.KlineAggregator
	buffers    map[string]*market.KlineBuffer
	strategy   strategy.Strategy
	tracker    *tracker.OutcomeTracker
	atr        *indicators.AtrPercentileTracker

	signals []*signal.Record
	log     zerolog.Logger
}

// NewEngine builds the per-symbol pipeline: one buffer per target timeframe,
// one shared strategy instance, one aggregator, one outcome tracker. A single
// strategy instance per symbol keeps the lock and streak state coherent across
// timeframes, exactly as the live pipeline does.
func NewEngine(symbol, strategyName string, timeframes []string, deps strategy.Deps, signalStart time.Time, log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		symbol:      symbol,
		timeframes:  timeframes,
		signalStart: signalStart.UTC(),
		buffers:     make(map[string]*market.KlineBuffer),
		log: log.With().
			Str("component", "backtest_engine").
			Str("symbol", symbol).
			Logger(),
	}

	// Fresh percentile series per run keeps replays deterministic.
	if deps.Tracker == nil {
		e.atr = indicators.NewAtrPercentileTracker(0, 0)
		deps.Tracker = e.atr
	}

	// Non-nil, possibly empty: a nil slice would make the aggregator fall
	// back to its default timeframe set, which the engine has no buffers for.
	aggTFs := make([]string, 0, len(timeframes))
	for _, tf := range timeframes {
		if _, ok := market.TimeframeMinutes[tf]; !ok {
			return nil, fmt.Errorf("backtest engine: unknown timeframe %q", tf)
		}
		if tf != "1m" {
			aggTFs = append(aggTFs, tf)
		}
		e.buffers[tf] = market.NewKlineBuffer(symbol, tf, market.DefaultBufferSize)
	}

	strat, err := strategy.Create(strategyName, deps)
	if err != nil {
		return nil, fmt.Errorf("backtest engine: %w", err)
	}
	e.strategy = strat
	e.aggregator = market.NewKlineAggregator(aggTFs, log)
	e.tracker = tracker.New(log, tracker.WithTimeout(tracker.DefaultTimeout))
	e.tracker.RegisterResolver(strat.Name(), strat)
	return e, nil
}

// Tracker exposes the outcome tracker, mainly for tests and the runner's
// finalize step.
func (e *Engine) Tracker() *tracker.OutcomeTracker { return e.tracker }

// Process1m runs one 1m bar through the fixed pipeline order: outcome check,
// 1m strategy, aggregation, then each emitted higher-timeframe bar through
// its strategy.
func (e *Engine) Process1m(ctx context.Context, k market.Kline) error {
	if k.Symbol != e.symbol {
		return fmt.Errorf("backtest engine for %s fed kline of %s", e.symbol, k.Symbol)
	}
	e.tracker.CheckKline(ctx, k)

	if _, ok := e.buffers["1m"]; ok {
		if err := e.processTimeframe(ctx, "1m", k); err != nil {
			return err
		}
	}

	for _, agg := range e.aggregator.Add1m(k) {
		if err := e.processTimeframe(ctx, agg.Timeframe, agg); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) processTimeframe(ctx context.Context, tf string, k market.Kline) error {
	buf := e.buffers[tf]
	buf.Add(k)

	result, err := e.strategy.ProcessKline(ctx, k, buf)
	if err != nil {
		return fmt.Errorf("strategy on %s %s: %w", e.symbol, tf, err)
	}
	if result.HasATR {
		e.tracker.UpdateATR(e.symbol, tf, result.ATR)
		if e.atr != nil {
			e.atr.Record(e.symbol, tf, result.ATR)
		}
	}
	if result.Signal != nil {
		e.tracker.Track(result.Signal)
		if !result.Signal.SignalTime.Before(e.signalStart) {
			e.signals = append(e.signals, result.Signal)
		} else {
			e.log.Debug().
				Str("signal_id", result.Signal.ID).
				Time("signal_time", result.Signal.SignalTime).
				Msg("warmup signal occupies lock but is not reported")
		}
	}
	return nil
}

// Finalize flushes nothing into the aggregator (trailing partial bars never
// closed) and leaves unresolved signals ACTIVE.
func (e *Engine) Finalize(ctx context.Context) []*signal.Record {
	e.tracker.Finalize(ctx)
	return e.signals
}

// Signals returns the reported signals so far.
func (e *Engine) Signals() []*signal.Record { return e.signals }
