package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration: a JSON file provides the base, then
// environment variables override it. A .env file is honored when present.
type Config struct {
	BinanceConfig  BinanceConfig  `json:"binance"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	EngineConfig   EngineConfig   `json:"engine"`
}

// BinanceConfig holds the exchange feed endpoints.
type BinanceConfig struct {
	BaseURL      string `json:"base_url"`
	WSBaseURL    string `json:"ws_base_url"`
	FuturesURL   string `json:"futures_url"`
	FuturesWSURL string `json:"futures_ws_url"`
	TestNet      bool   `json:"testnet"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for streak and signal caching.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// EngineConfig holds the signal engine settings.
type EngineConfig struct {
	Strategy      string        `json:"strategy"`
	Symbols       []string      `json:"symbols"`
	Timeframes    []string      `json:"timeframes"`
	SignalTimeout time.Duration `json:"-"`
	TimeoutHours  int           `json:"timeout_hours"`
	WarmupDays    int           `json:"warmup_days"`
	FiltersFile   string        `json:"filters_file"`
	TradeStream   bool          `json:"trade_stream"` // resolve live signals on aggTrades
}

// Load reads .env (when present), the optional config.json, then applies
// environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if cfg.EngineConfig.TimeoutHours <= 0 {
		cfg.EngineConfig.TimeoutHours = 24
	}
	cfg.EngineConfig.SignalTimeout = time.Duration(cfg.EngineConfig.TimeoutHours) * time.Hour
	if cfg.EngineConfig.WarmupDays <= 0 {
		cfg.EngineConfig.WarmupDays = 2
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Exchange feed endpoints
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", defaultString(cfg.BinanceConfig.BaseURL, "https://api.binance.com"))
	cfg.BinanceConfig.WSBaseURL = getEnvOrDefault("BINANCE_WS_URL", defaultString(cfg.BinanceConfig.WSBaseURL, "wss://stream.binance.com:9443"))
	cfg.BinanceConfig.FuturesURL = getEnvOrDefault("BINANCE_FUTURES_URL", defaultString(cfg.BinanceConfig.FuturesURL, "https://fapi.binance.com"))
	cfg.BinanceConfig.FuturesWSURL = getEnvOrDefault("BINANCE_FUTURES_WS_URL", defaultString(cfg.BinanceConfig.FuturesWSURL, "wss://fstream.binance.com"))
	cfg.BinanceConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BinanceConfig.TestNet)

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultString(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultString(cfg.DatabaseConfig.Database, "signals"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultString(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.Pretty = getEnvBoolOrDefault("LOG_PRETTY", cfg.LoggingConfig.Pretty)

	// Engine
	cfg.EngineConfig.Strategy = getEnvOrDefault("ENGINE_STRATEGY", defaultString(cfg.EngineConfig.Strategy, "msr_retest_capture"))
	if symbols := os.Getenv("ENGINE_SYMBOLS"); symbols != "" {
		cfg.EngineConfig.Symbols = splitCSV(symbols)
	}
	if len(cfg.EngineConfig.Symbols) == 0 {
		cfg.EngineConfig.Symbols = []string{"BTCUSDT"}
	}
	if timeframes := os.Getenv("ENGINE_TIMEFRAMES"); timeframes != "" {
		cfg.EngineConfig.Timeframes = splitCSV(timeframes)
	}
	if len(cfg.EngineConfig.Timeframes) == 0 {
		cfg.EngineConfig.Timeframes = []string{"5m", "15m", "30m"}
	}
	cfg.EngineConfig.TimeoutHours = getEnvIntOrDefault("ENGINE_TIMEOUT_HOURS", cfg.EngineConfig.TimeoutHours)
	cfg.EngineConfig.WarmupDays = getEnvIntOrDefault("ENGINE_WARMUP_DAYS", cfg.EngineConfig.WarmupDays)
	cfg.EngineConfig.FiltersFile = getEnvOrDefault("ENGINE_FILTERS_FILE", defaultString(cfg.EngineConfig.FiltersFile, "filters.json"))
	cfg.EngineConfig.TradeStream = getEnvBoolOrDefault("ENGINE_TRADE_STREAM", cfg.EngineConfig.TradeStream)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func defaultString(current, fallback string) string {
	if current != "" {
		return current
	}
	return fallback
}

func defaultInt(current, fallback int) int {
	if current != 0 {
		return current
	}
	return fallback
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
