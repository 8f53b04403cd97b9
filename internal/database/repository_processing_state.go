package database

import (
	"context"
	"fmt"
	"time"
)

// Processing-state statuses. A pending pair has bars in flight that a
// restart must replay; confirmed pairs resume from last_processed_time.
const (
	StatePending   = "pending"
	StateConfirmed = "confirmed"
)

// ProcessingState tracks per-(symbol, timeframe) replay progress.
type ProcessingState struct {
	Symbol            string    `json:"symbol"`
	Timeframe         string    `json:"timeframe"`
	SystemStartTime   time.Time `json:"system_start_time"`
	LastProcessedTime time.Time `json:"last_processed_time"`
	StateStatus       string    `json:"state_status"`
}

// UpsertProcessingState writes the pair's progress row.
func (r *Repository) UpsertProcessingState(ctx context.Context, st *ProcessingState) error {
	query := `
		INSERT INTO processing_state (symbol, timeframe, system_start_time, last_processed_time, state_status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol, timeframe) DO UPDATE SET
			last_processed_time = EXCLUDED.last_processed_time,
			state_status = EXCLUDED.state_status,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := r.db.Pool.Exec(ctx, query,
		st.Symbol, st.Timeframe, st.SystemStartTime, st.LastProcessedTime, st.StateStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert processing state %s %s: %w", st.Symbol, st.Timeframe, err)
	}
	return nil
}

// GetProcessingState loads one pair's progress row; nil when absent.
func (r *Repository) GetProcessingState(ctx context.Context, symbol, timeframe string) (*ProcessingState, error) {
	query := `
		SELECT symbol, timeframe, system_start_time, last_processed_time, state_status
		FROM processing_state
		WHERE symbol = $1 AND timeframe = $2
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, timeframe)
	if err != nil {
		return nil, fmt.Errorf("failed to query processing state: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var st ProcessingState
	if err := rows.Scan(&st.Symbol, &st.Timeframe, &st.SystemStartTime, &st.LastProcessedTime, &st.StateStatus); err != nil {
		return nil, fmt.Errorf("failed to scan processing state: %w", err)
	}
	return &st, nil
}

// ConfirmProcessed advances the pair's watermark and marks it confirmed.
func (r *Repository) ConfirmProcessed(ctx context.Context, symbol, timeframe string, processed time.Time) error {
	query := `
		UPDATE processing_state SET
			last_processed_time = $3,
			state_status = $4,
			updated_at = CURRENT_TIMESTAMP
		WHERE symbol = $1 AND timeframe = $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, symbol, timeframe, processed, StateConfirmed)
	if err != nil {
		return fmt.Errorf("failed to confirm processing state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.UpsertProcessingState(ctx, &ProcessingState{
			Symbol:            symbol,
			Timeframe:         timeframe,
			SystemStartTime:   processed,
			LastProcessedTime: processed,
			StateStatus:       StateConfirmed,
		})
	}
	return nil
}
