package backtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"perp-signal-engine/internal/market"
	"perp-signal-engine/internal/signal"
	"perp-signal-engine/internal/strategy"
)

// DefaultWarmupDays gives a 30m strategy a full 50-bar window plus slack
// before the reporting window opens.
const DefaultWarmupDays = 2

// Run statuses persisted with the run record.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is the persisted backtest run record.
type Run struct {
	ID             string          `json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	Symbols        []string        `json:"symbols"`
	Timeframes     []string        `json:"timeframes"`
	StrategyConfig strategy.Config `json:"strategy_config"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
	Stats          Stats           `json:"stats"`
}

// KlineSource loads historical bars in ascending timestamp order.
type KlineSource interface {
	GetRange(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]market.Kline, error)
}

// RunStore persists run records.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
}

// SignalSink receives every reported signal of a run.
type SignalSink interface {
	SaveSignal(ctx context.Context, rec *signal.Record) error
}

// Params configures one backtest run.
type Params struct {
	StrategyName string
	Symbols      []string
	Timeframes   []string
	Start        time.Time
	End          time.Time
	WarmupDays   int
	Config       strategy.Config
	Filters      strategy.FilterSet
}

// Runner executes backtest runs: symbols sequentially, no state shared
// across symbols.
type Runner struct {
	source KlineSource
	runs   RunStore
	sink   SignalSink
	log    zerolog.Logger
}

// NewRunner builds a runner. runs and sink may be nil for in-memory use.
func NewRunner(source KlineSource, runs RunStore, sink SignalSink, log zerolog.Logger) *Runner {
	return &Runner{
		source: source,
		runs:   runs,
		sink:   sink,
		log:    log.With().Str("component", "backtest_runner").Logger(),
	}
}

// NewRunID derives the run tag from the run parameters and the wall clock,
// truncated to 16 hex characters. The wall clock keeps re-runs of identical
// parameters distinct in the store.
func NewRunID(p Params, wallclock time.Time) string {
	cfgJSON, _ := json.Marshal(p.Config)
	preimage := fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		p.Start.UTC().Format(time.RFC3339),
		p.End.UTC().Format(time.RFC3339),
		strings.Join(p.Symbols, ","),
		strings.Join(p.Timeframes, ","),
		cfgJSON,
		wallclock.UnixNano(),
	)
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])[:16]
}

// Run executes the backtest and returns the completed run record with all
// reported signals persisted and tagged with its run id.
func (r *Runner) Run(ctx context.Context, p Params) (*Run, []*signal.Record, error) {
	if p.End.Before(p.Start) {
		return nil, nil, fmt.Errorf("backtest: end %s before start %s", p.End, p.Start)
	}
	if p.WarmupDays <= 0 {
		p.WarmupDays = DefaultWarmupDays
	}

	run := &Run{
		ID:             NewRunID(p, time.Now()),
		CreatedAt:      time.Now().UTC(),
		StartDate:      p.Start.UTC(),
		EndDate:        p.End.UTC(),
		Symbols:        p.Symbols,
		Timeframes:     p.Timeframes,
		StrategyConfig: p.Config,
		Status:         RunStatusRunning,
	}
	if r.runs != nil {
		if err := r.runs.CreateRun(ctx, run); err != nil {
			return nil, nil, fmt.Errorf("create run record: %w", err)
		}
	}

	signals, err := r.execute(ctx, p, run.ID)
	if err != nil {
		run.Status = RunStatusFailed
		run.Error = err.Error()
		if r.runs != nil {
			if uerr := r.runs.UpdateRun(ctx, run); uerr != nil {
				r.log.Error().Err(uerr).Str("run_id", run.ID).Msg("failed to mark run failed")
			}
		}
		return run, nil, err
	}

	run.Stats = ComputeStats(signals)
	run.Status = RunStatusCompleted
	if r.runs != nil {
		if err := r.runs.UpdateRun(ctx, run); err != nil {
			return run, signals, fmt.Errorf("complete run record: %w", err)
		}
	}
	r.log.Info().
		Str("run_id", run.ID).
		Int("signals", len(signals)).
		Int("wins", run.Stats.Wins).
		Int("losses", run.Stats.Losses).
		Msg("backtest completed")
	return run, signals, nil
}

func (r *Runner) execute(ctx context.Context, p Params, runID string) ([]*signal.Record, error) {
	warmupStart := p.Start.Add(-time.Duration(p.WarmupDays) * 24 * time.Hour)
	var all []*signal.Record

	for _, symbol := range p.Symbols {
		klines, err := r.source.GetRange(ctx, symbol, "1m", warmupStart, p.End)
		if err != nil {
			return nil, fmt.Errorf("load 1m klines for %s: %w", symbol, err)
		}
		r.log.Info().
			Str("symbol", symbol).
			Int("klines", len(klines)).
			Time("warmup_start", warmupStart).
			Msg("replaying symbol")

		deps := strategy.Deps{
			Config:  p.Config,
			Filters: p.Filters,
			Logger:  r.log,
		}
		engine, err := NewEngine(symbol, p.StrategyName, p.Timeframes, deps, p.Start, r.log)
		if err != nil {
			return nil, err
		}
		for _, k := range klines {
			if err := engine.Process1m(ctx, k); err != nil {
				return nil, err
			}
		}
		for _, rec := range engine.Finalize(ctx) {
			rec.RunID = runID
			if r.sink != nil {
				if err := r.sink.SaveSignal(ctx, rec); err != nil {
					return nil, fmt.Errorf("persist signal %s: %w", rec.ID, err)
				}
			}
			all = append(all, rec)
		}
	}
	return all, nil
}
