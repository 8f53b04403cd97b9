package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"perp-signal-engine/internal/market"
)

// SaveKline persists one closed bar. Re-saving the same bar is a no-op:
// closed klines are immutable.
func (r *Repository) SaveKline(ctx context.Context, k market.Kline) error {
	query := `
		INSERT INTO klines (symbol, timeframe, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, open_time) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		k.Symbol, k.Timeframe, k.Timestamp, k.Open, k.High, k.Low, k.Close, k.Volume,
	)
	if err != nil {
		return fmt.Errorf("failed to save kline %s %s @ %s: %w", k.Symbol, k.Timeframe, k.Timestamp, err)
	}
	return nil
}

// SaveKlines persists a run of closed bars in one round trip via a pgx
// batch. Inserts are idempotent, so a partially applied batch is safe to
// retry.
func (r *Repository) SaveKlines(ctx context.Context, klines []market.Kline) error {
	if len(klines) == 0 {
		return nil
	}
	query := `
		INSERT INTO klines (symbol, timeframe, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, open_time) DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, k := range klines {
		batch.Queue(query, k.Symbol, k.Timeframe, k.Timestamp, k.Open, k.High, k.Low, k.Close, k.Volume)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range klines {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to save kline batch: %w", err)
		}
	}
	return nil
}

// GetRange loads [start, end] inclusive in ascending open time. This is the
// replay engine's kline source.
func (r *Repository) GetRange(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]market.Kline, error) {
	query := `
		SELECT symbol, timeframe, open_time, open, high, low, close, volume
		FROM klines
		WHERE symbol = $1 AND timeframe = $2 AND open_time >= $3 AND open_time <= $4
		ORDER BY open_time
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query klines %s %s: %w", symbol, timeframe, err)
	}
	defer rows.Close()

	var out []market.Kline
	for rows.Next() {
		var k market.Kline
		if err := rows.Scan(&k.Symbol, &k.Timeframe, &k.Timestamp, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan kline row: %w", err)
		}
		k.IsClosed = true
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kline rows: %w", err)
	}
	return out, nil
}

// LatestOpenTime returns the newest stored bar's open time, or zero when the
// pair has no history. The backfill downloader resumes from here.
func (r *Repository) LatestOpenTime(ctx context.Context, symbol, timeframe string) (time.Time, error) {
	var latest *time.Time
	query := `SELECT MAX(open_time) FROM klines WHERE symbol = $1 AND timeframe = $2`
	if err := r.db.Pool.QueryRow(ctx, query, symbol, timeframe).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest open time: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}
