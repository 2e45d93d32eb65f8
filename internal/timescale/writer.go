package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"bybit-carry-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// CycleRow is one completed live rebalance cycle.
type CycleRow struct {
	Time       time.Time
	BasketSize int
	Entries    int
	Exits      int
	Failures   int
	HedgeUSD   float64
	DeltaUSD   float64
}

// BacktestRow is one simulated day of a named backtest run.
type BacktestRow struct {
	Run        string
	Date       time.Time
	Return     float64
	IC         float64
	HasIC      bool
	BasketSize int
}

// Writer persists cycle and backtest series to TimescaleDB. Writes go
// through bounded queues drained by one goroutine; a full queue drops the
// row rather than stalling the trading loop.
type Writer struct {
	db           *sql.DB
	log          *zap.Logger
	schema       string
	cycles       chan CycleRow
	backtestRows chan BacktestRow
	started      atomic.Bool
	dropCycle    atomic.Uint64
	dropBacktest atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:           db,
		log:          log,
		schema:       schema,
		cycles:       make(chan CycleRow, queueSize),
		backtestRows: make(chan BacktestRow, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueCycle(row CycleRow) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- row:
		return
	default:
		if w.dropCycle.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale cycle queue full")
		}
	}
}

func (w *Writer) EnqueueBacktestRow(row BacktestRow) {
	if w == nil {
		return
	}
	select {
	case w.backtestRows <- row:
		return
	default:
		if w.dropBacktest.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale backtest queue full")
		}
	}
}

// WriteBacktestRows writes synchronously, for one-shot CLI exports where the
// process exits right after.
func (w *Writer) WriteBacktestRows(ctx context.Context, rows []BacktestRow) {
	if w == nil {
		return
	}
	for _, row := range rows {
		w.writeBacktestRow(ctx, row)
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.cycles:
			w.writeCycle(ctx, row)
		case row := <-w.backtestRows:
			w.writeBacktestRow(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		basket_size INTEGER NOT NULL,
		entries INTEGER NOT NULL,
		exits INTEGER NOT NULL,
		failures INTEGER NOT NULL,
		hedge_usd DOUBLE PRECISION NOT NULL,
		delta_usd DOUBLE PRECISION NOT NULL
	)`, w.table("rebalance_cycles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		daily_return DOUBLE PRECISION NOT NULL,
		ic DOUBLE PRECISION,
		basket_size INTEGER NOT NULL,
		PRIMARY KEY (run, ts)
	)`, w.table("backtest_days"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("rebalance_cycles"))); err != nil && w.log != nil {
		w.log.Warn("timescale rebalance_cycles hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeCycle(ctx context.Context, row CycleRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, basket_size, entries, exits, failures, hedge_usd, delta_usd
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("rebalance_cycles"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.BasketSize,
		row.Entries,
		row.Exits,
		row.Failures,
		row.HedgeUSD,
		row.DeltaUSD,
	); err != nil && w.log != nil {
		w.log.Warn("timescale cycle insert failed", zap.Error(err))
	}
}

func (w *Writer) writeBacktestRow(ctx context.Context, row BacktestRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var ic sql.NullFloat64
	if row.HasIC {
		ic = sql.NullFloat64{Float64: row.IC, Valid: true}
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		run, ts, daily_return, ic, basket_size
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (run, ts) DO UPDATE SET
		daily_return = EXCLUDED.daily_return,
		ic = EXCLUDED.ic,
		basket_size = EXCLUDED.basket_size`, w.table("backtest_days"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Run,
		row.Date,
		row.Return,
		ic,
		row.BasketSize,
	); err != nil && w.log != nil {
		w.log.Warn("timescale backtest upsert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
