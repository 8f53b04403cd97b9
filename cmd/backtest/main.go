// Command backtest replays stored 1m klines through a strategy and prints
// the run's statistics. Klines must already be collected; use the live
// engine or a separate download to fill the klines table first.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"perp-signal-engine/config"
	"perp-signal-engine/internal/backtest"
	"perp-signal-engine/internal/database"
	"perp-signal-engine/internal/logging"
	"perp-signal-engine/internal/signal"
	"perp-signal-engine/internal/strategy"
)

func main() {
	var (
		strategyName = flag.String("strategy", "msr_retest_capture", "strategy to run")
		symbols      = flag.String("symbols", "BTCUSDT", "comma-separated symbols")
		timeframes   = flag.String("timeframes", "5m,15m,30m", "comma-separated timeframes")
		startStr     = flag.String("start", "", "start date (2006-01-02), inclusive")
		endStr       = flag.String("end", "", "end date (2006-01-02), exclusive")
		warmupDays   = flag.Int("warmup-days", backtest.DefaultWarmupDays, "history folded in before signals count")
		filtersFile  = flag.String("filters", "", "per-pair filter file (optional)")
		runID        = flag.String("run", "", "reprint a stored run instead of executing")
		signalID     = flag.String("signal", "", "print one stored signal by id (live signals: omit -run)")
	)
	flag.Parse()

	var start, end time.Time
	if *runID == "" && *signalID == "" {
		var err error
		start, err = time.Parse("2006-01-02", *startStr)
		if err != nil {
			log.Fatalf("invalid -start: %v", err)
		}
		end, err = time.Parse("2006-01-02", *endStr)
		if err != nil {
			log.Fatalf("invalid -end: %v", err)
		}
		if !end.After(start) {
			log.Fatal("-end must be after -start")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.LoggingConfig)

	symbolList := splitList(*symbols)
	timeframeList := splitList(*timeframes)

	stratCfg := strategy.DefaultConfig()
	filters := strategy.DefaultFilterSet(symbolList, timeframeList)
	if *filtersFile != "" {
		filters, err = strategy.LoadFilterSet(*filtersFile)
		if err != nil {
			log.Fatalf("load filters: %v", err)
		}
	}

	ctx := context.Background()
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	repo := database.NewRepository(db)

	if *signalID != "" {
		rec, err := repo.GetByID(ctx, *runID, *signalID)
		if err != nil {
			logger.Fatal().Err(err).Msg("load signal failed")
		}
		if rec == nil {
			log.Fatalf("unknown signal %q", *signalID)
		}
		printSignal(rec)
		return
	}

	if *runID != "" {
		run, err := repo.GetRun(ctx, *runID)
		if err != nil {
			logger.Fatal().Err(err).Msg("load run failed")
		}
		if run == nil {
			log.Fatalf("unknown run %q", *runID)
		}
		signals, err := repo.GetRunSignals(ctx, *runID)
		if err != nil {
			logger.Fatal().Err(err).Msg("load run signals failed")
		}
		run.Stats = backtest.ComputeStats(signals)
		printStats(run, len(signals))
		return
	}

	runner := backtest.NewRunner(repo, repo, repo, logger)
	run, signals, err := runner.Run(ctx, backtest.Params{
		StrategyName: *strategyName,
		Symbols:      symbolList,
		Timeframes:   timeframeList,
		Start:        start,
		End:          end,
		WarmupDays:   *warmupDays,
		Config:       stratCfg,
		Filters:      filters,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("backtest failed")
	}

	printStats(run, len(signals))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

func printSignal(rec *signal.Record) {
	fmt.Printf("signal %s: %s %s %s %s @ %s\n",
		rec.ID, rec.Strategy, rec.Symbol, rec.Timeframe, rec.Direction, rec.SignalTime.Format(time.RFC3339))
	fmt.Printf("  entry %s  tp %s  sl %s  streak %d\n",
		rec.EntryPrice, rec.TPPrice, rec.SLPrice, rec.StreakAtSignal)
	fmt.Printf("  outcome %s", rec.Outcome)
	if rec.OutcomeTime != nil {
		fmt.Printf(" at %s price %s", rec.OutcomeTime.Format(time.RFC3339), rec.OutcomePrice)
	}
	fmt.Printf("\n  mae %.4f  mfe %.4f\n", rec.MAERatio, rec.MFERatio)
}

func printStats(run *backtest.Run, signalCount int) {
	st := run.Stats
	fmt.Printf("run %s: %s\n", run.ID, run.Status)
	fmt.Printf("  signals:       %d (%d wins / %d losses / %d unresolved)\n",
		signalCount, st.Wins, st.Losses, st.Active)
	fmt.Printf("  win rate:      %.2f%%\n", st.WinRate*100)
	fmt.Printf("  expectancy:    %.3fR\n", st.ExpectancyR)
	fmt.Printf("  total:         %.3fR\n", st.TotalR)
	fmt.Printf("  profit factor: %.3f\n", st.ProfitFactor)
	for sym, b := range st.BySymbol {
		fmt.Printf("  %-9s %3d signals, %.2f%% win, %.3fR total\n", sym, b.Signals, b.WinRate*100, b.TotalR)
	}
	for tf, b := range st.ByTimeframe {
		fmt.Printf("  %-4s %3d signals, %.2f%% win, %.3fR total\n", tf, b.Signals, b.WinRate*100, b.TotalR)
	}
	for dir, b := range st.ByDirection {
		fmt.Printf("  %-5s %3d signals, %.2f%% win, %.3fR total\n", dir, b.Signals, b.WinRate*100, b.TotalR)
	}
}
