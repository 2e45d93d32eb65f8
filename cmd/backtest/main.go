package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bybit-carry-bot/internal/backtest"
	"bybit-carry-bot/internal/bybit/rest"
	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/logging"
	"bybit-carry-bot/internal/market"
	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/state/sqlite"
	"bybit-carry-bot/internal/timescale"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	runName := flag.String("run", "backtest", "run label for exported rows")
	noCache := flag.Bool("no-cache", false, "skip the local funding cache")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	if cfg.Backtest.Start == "" || cfg.Backtest.End == "" {
		fatal(errors.New("backtest.start and backtest.end are required"))
	}
	start, end, err := cfg.Backtest.Range()
	if err != nil {
		fatal(err)
	}

	var cache *state.FundingCache
	if !*noCache {
		if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
			fatal(err)
		}
		store, err := sqlite.New(cfg.State.SQLitePath)
		if err != nil {
			fatal(err)
		}
		defer store.Close()
		cache = state.NewFundingCache(store)
	}

	ctx := context.Background()
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	gateway := market.NewBybitGateway(restClient, nil, log)

	hist, err := loadHistory(ctx, gateway, cache, cfg, start, end, log)
	if err != nil {
		fatal(err)
	}

	sim := backtest.NewSimulator(cfg.Strategy, log)
	report, err := sim.Run(hist, start, end)
	if err != nil {
		fatal(err)
	}
	fmt.Print(report.Table())

	exportReport(ctx, cfg, log, *runName, report)
}

// loadHistory fetches the universe, snapshots, and the full funding range for
// every instrument, going through the local cache where possible. The funding
// window extends one day past the range end so the last simulated day is
// fully covered.
func loadHistory(ctx context.Context, gateway market.Gateway, cache *state.FundingCache, cfg *config.Config, start, end time.Time, log *zap.Logger) (backtest.History, error) {
	instruments, err := gateway.Instruments(ctx, cfg.Strategy.QuoteCoin)
	if err != nil {
		return backtest.History{}, err
	}
	fetchEnd := end.AddDate(0, 0, 1)

	hist := backtest.History{
		Instruments: instruments,
		Snapshots:   make(map[string]market.MarketSnapshot, len(instruments)),
		Samples:     make(map[string][]market.FundingSample, len(instruments)),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, cfg.Strategy.FetchConcurrency)

	for _, inst := range instruments {
		wg.Add(1)
		go func(inst market.Instrument) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			snap, err := gateway.Snapshot(ctx, inst.Symbol)
			if err != nil {
				log.Debug("instrument excluded from history", zap.String("symbol", inst.Symbol), zap.Error(err))
				return
			}
			samples, err := loadFunding(ctx, gateway, cache, inst.Symbol, start, fetchEnd)
			if err != nil {
				log.Debug("instrument excluded from history", zap.String("symbol", inst.Symbol), zap.Error(err))
				return
			}
			mu.Lock()
			hist.Snapshots[inst.Symbol] = snap
			hist.Samples[inst.Symbol] = samples
			mu.Unlock()
		}(inst)
	}
	wg.Wait()
	log.Info("history loaded",
		zap.Int("instruments", len(instruments)),
		zap.Int("with_data", len(hist.Samples)))
	return hist, nil
}

func loadFunding(ctx context.Context, gateway market.Gateway, cache *state.FundingCache, symbol string, start, end time.Time) ([]market.FundingSample, error) {
	if samples, hit, err := cache.Load(ctx, symbol, start, end); err == nil && hit {
		return samples, nil
	}
	samples, err := gateway.FundingHistory(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	if err := cache.Save(ctx, symbol, start, end, samples); err != nil {
		return nil, err
	}
	return samples, nil
}

func exportReport(ctx context.Context, cfg *config.Config, log *zap.Logger, run string, report *backtest.Report) {
	if !cfg.Timescale.Enabled {
		return
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale export skipped", zap.Error(err))
		return
	}
	defer writer.Close()
	rows := make([]timescale.BacktestRow, 0, len(report.Days))
	for _, day := range report.Days {
		row := timescale.BacktestRow{
			Run:        run,
			Date:       day.Date,
			Return:     day.Return,
			BasketSize: len(day.Basket),
		}
		if !math.IsNaN(day.IC) {
			row.IC = day.IC
			row.HasIC = true
		}
		rows = append(rows, row)
	}
	writer.WriteBacktestRows(ctx, rows)
	log.Info("backtest exported", zap.String("run", run), zap.Int("rows", len(rows)))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
