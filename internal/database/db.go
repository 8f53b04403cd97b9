// Package database provides the PostgreSQL persistence layer: klines for
// replay, signal records, processing state for crash recovery, and backtest
// run records.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, log: log.With().Str("component", "database").Logger()}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS klines (
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(4) NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(24, 8) NOT NULL,
			PRIMARY KEY (symbol, timeframe, open_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_klines_open_time ON klines(open_time)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id VARCHAR(32) NOT NULL,
			run_id VARCHAR(16) NOT NULL DEFAULT '',
			strategy VARCHAR(50) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(4) NOT NULL,
			signal_time TIMESTAMPTZ NOT NULL,
			direction SMALLINT NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			tp_price DECIMAL(20, 8) NOT NULL,
			sl_price DECIMAL(20, 8) NOT NULL,
			atr_at_signal DOUBLE PRECISION NOT NULL,
			max_atr DOUBLE PRECISION NOT NULL,
			streak_at_signal INT NOT NULL DEFAULT 0,
			mae_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
			mfe_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
			outcome VARCHAR(10) NOT NULL DEFAULT 'active',
			outcome_time TIMESTAMPTZ,
			outcome_price DECIMAL(20, 8),
			extras JSONB,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol_tf ON signals(symbol, timeframe)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_outcome ON signals(outcome)`,

		`CREATE TABLE IF NOT EXISTS processing_state (
			symbol VARCHAR(20) NOT NULL,
			timeframe VARCHAR(4) NOT NULL,
			system_start_time TIMESTAMPTZ NOT NULL,
			last_processed_time TIMESTAMPTZ NOT NULL,
			state_status VARCHAR(10) NOT NULL DEFAULT 'pending',
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (symbol, timeframe)
		)`,

		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id VARCHAR(16) PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NOT NULL,
			symbols JSONB NOT NULL,
			timeframes JSONB NOT NULL,
			strategy_config JSONB NOT NULL,
			total_signals INT NOT NULL DEFAULT 0,
			wins INT NOT NULL DEFAULT 0,
			losses INT NOT NULL DEFAULT 0,
			active INT NOT NULL DEFAULT 0,
			win_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			expectancy_r DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_r DOUBLE PRECISION NOT NULL DEFAULT 0,
			profit_factor DOUBLE PRECISION NOT NULL DEFAULT 0,
			status VARCHAR(10) NOT NULL DEFAULT 'running',
			error TEXT
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info().Int("count", len(migrations)).Msg("migrations completed")
	return nil
}
