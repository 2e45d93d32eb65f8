package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bybit-carry-bot/internal/alerts"
	"bybit-carry-bot/internal/bybit/rest"
	"bybit-carry-bot/internal/bybit/ws"
	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/exec"
	"bybit-carry-bot/internal/market"
	"bybit-carry-bot/internal/metrics"
	"bybit-carry-bot/internal/rebalance"
	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/state/sqlite"
	"bybit-carry-bot/internal/strategy"
	"bybit-carry-bot/internal/timescale"

	"go.uber.org/zap"
)

// RunState is the lifecycle of the live loop. Shutdown always passes through
// StateShuttingDown, where open positions are drained, before StateStopped.
type RunState string

const (
	StateIdle         RunState = "idle"
	StateRunning      RunState = "running"
	StateShuttingDown RunState = "shutting_down"
	StateStopped      RunState = "stopped"
)

const streamStaleAfter = 30 * time.Second

type engine interface {
	Rebalance(ctx context.Context, target strategy.Basket) (rebalance.Result, error)
	CloseAll(ctx context.Context) []error
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	ws        *ws.Client
	stream    *market.TickerCache
	gateway   market.Gateway
	collector *market.Collector
	adapter   exec.Adapter
	engine    engine
	metrics   *metrics.Metrics
	alerts    *alerts.Telegram
	writer    *timescale.Writer

	stateMu sync.Mutex
	state   RunState

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool

	subscribed map[string]bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	key := strings.TrimSpace(os.Getenv("BYBIT_KEY"))
	secret := strings.TrimSpace(os.Getenv("BYBIT_SECRET"))
	if key == "" || secret == "" {
		_ = store.Close()
		return nil, errors.New("BYBIT_KEY and BYBIT_SECRET are required")
	}
	restClient.SetCredentials(key, secret)

	var wsClient *ws.Client
	var stream *market.TickerCache
	if cfg.WS.Enabled {
		wsClient = ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
		stream = market.NewTickerCache(streamStaleAfter)
	}

	gateway := market.NewBybitGateway(restClient, stream, log)
	adapter := exec.NewBybitAdapter(restClient, cfg.Strategy.QuoteCoin, log)

	mtr := metrics.NewNoop()
	var promHandler http.Handler
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		mtr = prom.Metrics
		promHandler = prom.Handler()
	}

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		ws:         wsClient,
		stream:     stream,
		gateway:    gateway,
		collector:  market.NewCollector(gateway, cfg.Strategy.FetchConcurrency, log),
		adapter:    adapter,
		engine:     rebalance.New(adapter, cfg.Strategy, log),
		metrics:    mtr,
		alerts:     alerts.NewTelegram(cfg.Telegram, log),
		writer:     writer,
		state:      StateIdle,
		subscribed: make(map[string]bool),
	}
	if promHandler != nil {
		a.serveMetrics(promHandler)
	}
	return a, nil
}

func (a *App) serveMetrics(handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, handler)
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}

// Run drives the periodic rebalance loop until ctx is canceled, then drains
// every open position before returning. An immediate first cycle runs before
// the ticker takes over.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	if a.writer != nil {
		a.writer.Start(ctx)
		defer a.writer.Close()
	}
	if a.ws != nil {
		go func() {
			if err := a.ws.Run(ctx, a.stream.HandleMessage); err != nil && ctx.Err() == nil {
				a.log.Warn("ticker stream stopped", zap.Error(err))
			}
		}()
	}
	a.startOperator(ctx)

	ticker := time.NewTicker(a.cfg.Strategy.RebalanceInterval)
	defer ticker.Stop()

	a.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}

// runCycle starts one cycle unless another is still in flight. Cycles never
// overlap: a trigger landing mid-cycle is counted and dropped.
func (a *App) runCycle(ctx context.Context) {
	if !a.transition(StateIdle, StateRunning) {
		a.metrics.CyclesSkipped.Inc()
		a.log.Warn("cycle trigger skipped", zap.String("state", string(a.State())))
		return
	}
	go func() {
		defer a.transition(StateRunning, StateIdle)
		if err := a.cycle(ctx); err != nil {
			a.metrics.GatewayFailures.Inc()
			a.log.Warn("cycle failed", zap.Error(err))
			a.notify(ctx, fmt.Sprintf("cycle failed: %v", err))
		}
	}()
}

// cycle is one full pass: list, collect, filter, score, select, rebalance,
// record. A global gateway failure abandons the cycle; it is retried at the
// next tick.
func (a *App) cycle(ctx context.Context) error {
	s := a.cfg.Strategy
	instruments, err := a.gateway.Instruments(ctx, s.QuoteCoin)
	if err != nil {
		return err
	}
	a.subscribeTickers(ctx, instruments)

	now := time.Now().UTC()
	data := a.collector.Collect(ctx, instruments, now.Add(-s.FundingWindow), now)

	snapshots := make(map[string]market.MarketSnapshot, len(data))
	for symbol, d := range data {
		snapshots[symbol] = d.Snapshot
	}
	universe := strategy.FilterUniverse(instruments, snapshots, s)

	stats := make([]strategy.Stat, 0, len(universe))
	for _, inst := range universe {
		d := data[inst.Symbol]
		stats = append(stats, strategy.ScoreInstrument(d.Snapshot, d.Funding, s.SettlementsPerDay, s.FundingWindow))
	}
	basket := strategy.SelectBasket(stats, s.MinFundingAnn, s.MaxFundingAnn, s.TopK)
	a.log.Info("basket selected",
		zap.Int("universe", len(universe)),
		zap.Strings("basket", basket))

	if a.isPaused() {
		a.log.Info("trading paused, skipping rebalance")
		return nil
	}

	result, err := a.engine.Rebalance(ctx, basket)
	if err != nil {
		return err
	}
	a.recordCycle(ctx, basket, result)
	return nil
}

func (a *App) recordCycle(ctx context.Context, basket strategy.Basket, result rebalance.Result) {
	a.metrics.CyclesCompleted.Inc()
	for range result.Entered {
		a.metrics.Entries.Inc()
	}
	for range result.Exited {
		a.metrics.Exits.Inc()
	}
	if result.HedgeUSD != 0 {
		a.metrics.Hedges.Inc()
	}
	for range result.Failures {
		a.metrics.OrdersFailed.Inc()
	}

	delta, err := a.adapter.NetDeltaUSD(ctx)
	if err != nil {
		a.log.Debug("post-cycle delta query failed", zap.Error(err))
	}
	snapshot := state.CycleSnapshot{
		Basket:      basket,
		Entered:     result.Entered,
		Exited:      result.Exited,
		HedgeUSD:    result.HedgeUSD,
		DeltaUSD:    delta,
		Failures:    len(result.Failures),
		UpdatedAtMS: time.Now().UTC().UnixMilli(),
	}
	if err := state.SaveCycleSnapshot(ctx, a.store, snapshot); err != nil {
		a.log.Warn("cycle snapshot save failed", zap.Error(err))
	}
	if a.writer != nil {
		a.writer.EnqueueCycle(timescale.CycleRow{
			Time:       time.Now().UTC(),
			BasketSize: len(basket),
			Entries:    len(result.Entered),
			Exits:      len(result.Exited),
			Failures:   len(result.Failures),
			HedgeUSD:   result.HedgeUSD,
			DeltaUSD:   delta,
		})
	}
	if len(result.Entered) > 0 || len(result.Exited) > 0 {
		a.notify(ctx, fmt.Sprintf("rebalanced: +%d -%d basket %d failures %d",
			len(result.Entered), len(result.Exited), len(basket), len(result.Failures)))
	}
	for _, failure := range result.Failures {
		a.notify(ctx, fmt.Sprintf("order failed: %v", failure))
	}
}

// subscribeTickers registers stream topics for instruments not yet watched.
func (a *App) subscribeTickers(ctx context.Context, instruments []market.Instrument) {
	if a.ws == nil {
		return
	}
	var topics []string
	for _, inst := range instruments {
		if a.subscribed[inst.Symbol] {
			continue
		}
		a.subscribed[inst.Symbol] = true
		topics = append(topics, "tickers."+inst.Symbol)
	}
	if len(topics) == 0 {
		return
	}
	if err := a.ws.Subscribe(ctx, topics...); err != nil {
		a.log.Debug("ticker subscribe failed", zap.Error(err))
	}
}

// shutdown drains every open position, tolerating per-instrument failures,
// within the configured timeout. The parent context is already canceled by
// the time this runs, so the drain gets its own deadline.
func (a *App) shutdown() {
	a.setState(StateShuttingDown)
	defer a.setState(StateStopped)

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Strategy.ShutdownTimeout)
	defer cancel()

	a.log.Info("shutting down, closing all positions")
	failures := a.engine.CloseAll(ctx)
	for _, err := range failures {
		a.log.Warn("shutdown close failed", zap.Error(err))
	}
	if len(failures) > 0 {
		a.notify(ctx, fmt.Sprintf("shutdown left %d positions unclosed", len(failures)))
	} else {
		a.notify(ctx, "shutdown complete, all positions closed")
	}
}

func (a *App) notify(ctx context.Context, message string) {
	if a.alerts == nil {
		return
	}
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Debug("alert send failed", zap.Error(err))
	}
}

func (a *App) State() RunState {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

func (a *App) setState(next RunState) {
	a.stateMu.Lock()
	a.state = next
	a.stateMu.Unlock()
}

// transition moves from one state to another atomically; it reports false
// when the current state does not match.
func (a *App) transition(from, to RunState) bool {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.state != from {
		return false
	}
	a.state = to
	return true
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}
