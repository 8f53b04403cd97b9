package database

import (
	"context"
	"encoding/json"
	"fmt"

	"perp-signal-engine/internal/backtest"
)

// CreateRun inserts a new run record in running state.
func (r *Repository) CreateRun(ctx context.Context, run *backtest.Run) error {
	symbols, timeframes, cfg, err := marshalRunJSON(run)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO backtest_runs (id, created_at, start_date, end_date, symbols, timeframes, strategy_config, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		run.ID, run.CreatedAt, run.StartDate, run.EndDate, symbols, timeframes, cfg, run.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to create backtest run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRun writes the run's terminal status and statistics.
func (r *Repository) UpdateRun(ctx context.Context, run *backtest.Run) error {
	query := `
		UPDATE backtest_runs SET
			total_signals = $2,
			wins = $3,
			losses = $4,
			active = $5,
			win_rate = $6,
			expectancy_r = $7,
			total_r = $8,
			profit_factor = $9,
			status = $10,
			error = $11
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query,
		run.ID, run.Stats.TotalSignals, run.Stats.Wins, run.Stats.Losses, run.Stats.Active,
		run.Stats.WinRate, run.Stats.ExpectancyR, run.Stats.TotalR, run.Stats.ProfitFactor,
		run.Status, nullableString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to update backtest run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads one run record; nil when absent.
func (r *Repository) GetRun(ctx context.Context, id string) (*backtest.Run, error) {
	query := `
		SELECT id, created_at, start_date, end_date, symbols, timeframes, strategy_config,
			total_signals, wins, losses, active, win_rate, expectancy_r, total_r,
			profit_factor, status, COALESCE(error, '')
		FROM backtest_runs
		WHERE id = $1
	`
	rows, err := r.db.Pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest run %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		run                      backtest.Run
		symbols, timeframes, cfg []byte
	)
	err = rows.Scan(
		&run.ID, &run.CreatedAt, &run.StartDate, &run.EndDate, &symbols, &timeframes, &cfg,
		&run.Stats.TotalSignals, &run.Stats.Wins, &run.Stats.Losses, &run.Stats.Active,
		&run.Stats.WinRate, &run.Stats.ExpectancyR, &run.Stats.TotalR,
		&run.Stats.ProfitFactor, &run.Status, &run.Error,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan backtest run: %w", err)
	}
	if err := json.Unmarshal(symbols, &run.Symbols); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run symbols: %w", err)
	}
	if err := json.Unmarshal(timeframes, &run.Timeframes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run timeframes: %w", err)
	}
	if err := json.Unmarshal(cfg, &run.StrategyConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run strategy config: %w", err)
	}
	return &run, nil
}

func marshalRunJSON(run *backtest.Run) (symbols, timeframes, cfg []byte, err error) {
	if symbols, err = json.Marshal(run.Symbols); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal run symbols: %w", err)
	}
	if timeframes, err = json.Marshal(run.Timeframes); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal run timeframes: %w", err)
	}
	if cfg, err = json.Marshal(run.StrategyConfig); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal run strategy config: %w", err)
	}
	return symbols, timeframes, cfg, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
