package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"perp-signal-engine/internal/signal"
)

// SaveSignal upserts a signal record by (run_id, id). Live signals carry an
// empty run_id.
func (r *Repository) SaveSignal(ctx context.Context, rec *signal.Record) error {
	extras, err := marshalExtras(rec.Extras)
	if err != nil {
		return fmt.Errorf("marshal extras for signal %s: %w", rec.ID, err)
	}

	query := `
		INSERT INTO signals (
			id, run_id, strategy, symbol, timeframe, signal_time, direction,
			entry_price, tp_price, sl_price, atr_at_signal, max_atr,
			streak_at_signal, mae_ratio, mfe_ratio, outcome, outcome_time,
			outcome_price, extras
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (run_id, id) DO UPDATE SET
			max_atr = EXCLUDED.max_atr,
			mae_ratio = EXCLUDED.mae_ratio,
			mfe_ratio = EXCLUDED.mfe_ratio,
			outcome = EXCLUDED.outcome,
			outcome_time = EXCLUDED.outcome_time,
			outcome_price = EXCLUDED.outcome_price,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err = r.db.Pool.Exec(ctx, query,
		rec.ID, rec.RunID, rec.Strategy, rec.Symbol, rec.Timeframe, rec.SignalTime, int(rec.Direction),
		rec.EntryPrice, rec.TPPrice, rec.SLPrice, rec.ATRAtSignal, rec.MaxATR,
		rec.StreakAtSignal, rec.MAERatio, rec.MFERatio, string(rec.Outcome), rec.OutcomeTime,
		nullableDecimal(rec.OutcomePrice), extras,
	)
	if err != nil {
		return fmt.Errorf("failed to save signal %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateOutcome writes the mutable lifetime fields of a signal.
func (r *Repository) UpdateOutcome(ctx context.Context, rec *signal.Record) error {
	query := `
		UPDATE signals SET
			max_atr = $3,
			mae_ratio = $4,
			mfe_ratio = $5,
			outcome = $6,
			outcome_time = $7,
			outcome_price = $8,
			updated_at = CURRENT_TIMESTAMP
		WHERE run_id = $1 AND id = $2
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		rec.RunID, rec.ID, rec.MaxATR, rec.MAERatio, rec.MFERatio,
		string(rec.Outcome), rec.OutcomeTime, nullableDecimal(rec.OutcomePrice),
	)
	if err != nil {
		return fmt.Errorf("failed to update outcome of %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Outcome can land before the save under store backlog; upsert.
		return r.SaveSignal(ctx, rec)
	}
	return nil
}

// GetActive lists unresolved live signals, optionally narrowed by symbol
// and/or timeframe. Empty strings match everything.
func (r *Repository) GetActive(ctx context.Context, symbol, timeframe string) ([]*signal.Record, error) {
	query := `
		SELECT id, run_id, strategy, symbol, timeframe, signal_time, direction,
			entry_price, tp_price, sl_price, atr_at_signal, max_atr,
			streak_at_signal, mae_ratio, mfe_ratio, outcome, outcome_time,
			outcome_price, extras
		FROM signals
		WHERE outcome = 'active' AND run_id = ''
			AND ($1 = '' OR symbol = $1)
			AND ($2 = '' OR timeframe = $2)
		ORDER BY signal_time
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, timeframe)
	if err != nil {
		return nil, fmt.Errorf("failed to query active signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

// GetByID fetches one signal by its (run_id, id) key. Live signals use an
// empty runID. A missing signal returns nil without error.
func (r *Repository) GetByID(ctx context.Context, runID, id string) (*signal.Record, error) {
	query := `
		SELECT id, run_id, strategy, symbol, timeframe, signal_time, direction,
			entry_price, tp_price, sl_price, atr_at_signal, max_atr,
			streak_at_signal, mae_ratio, mfe_ratio, outcome, outcome_time,
			outcome_price, extras
		FROM signals
		WHERE run_id = $1 AND id = $2
	`
	rows, err := r.db.Pool.Query(ctx, query, runID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query signal %s: %w", id, err)
	}
	defer rows.Close()

	recs, err := scanSignals(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// GetRunSignals lists every signal of a backtest run in emission order.
func (r *Repository) GetRunSignals(ctx context.Context, runID string) ([]*signal.Record, error) {
	query := `
		SELECT id, run_id, strategy, symbol, timeframe, signal_time, direction,
			entry_price, tp_price, sl_price, atr_at_signal, max_atr,
			streak_at_signal, mae_ratio, mfe_ratio, outcome, outcome_time,
			outcome_price, extras
		FROM signals
		WHERE run_id = $1
		ORDER BY signal_time, symbol, timeframe
	`
	rows, err := r.db.Pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals of run %s: %w", runID, err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

func scanSignals(rows pgx.Rows) ([]*signal.Record, error) {
	var out []*signal.Record
	for rows.Next() {
		var (
			rec          signal.Record
			direction    int
			outcome      string
			outcomeTime  *time.Time
			outcomePrice *decimal.Decimal
			extras       []byte
		)
		err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.Strategy, &rec.Symbol, &rec.Timeframe, &rec.SignalTime, &direction,
			&rec.EntryPrice, &rec.TPPrice, &rec.SLPrice, &rec.ATRAtSignal, &rec.MaxATR,
			&rec.StreakAtSignal, &rec.MAERatio, &rec.MFERatio, &outcome, &outcomeTime,
			&outcomePrice, &extras,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}
		rec.Direction = signal.Direction(direction)
		rec.Outcome = signal.Outcome(outcome)
		rec.OutcomeTime = outcomeTime
		if outcomePrice != nil {
			rec.OutcomePrice = *outcomePrice
		}
		if len(extras) > 0 {
			if err := json.Unmarshal(extras, &rec.Extras); err != nil {
				return nil, fmt.Errorf("failed to unmarshal extras of %s: %w", rec.ID, err)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signal rows: %w", err)
	}
	return out, nil
}

func marshalExtras(extras map[string]float64) ([]byte, error) {
	if len(extras) == 0 {
		return nil, nil
	}
	return json.Marshal(extras)
}

func nullableDecimal(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}
