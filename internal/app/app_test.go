package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"bybit-carry-bot/internal/alerts"
	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/exec"
	"bybit-carry-bot/internal/market"
	"bybit-carry-bot/internal/metrics"
	"bybit-carry-bot/internal/rebalance"
	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/strategy"

	"go.uber.org/zap"
)

type fakeGateway struct {
	instruments []market.Instrument
	snapshots   map[string]market.MarketSnapshot
	funding     map[string][]market.FundingSample
}

func (f *fakeGateway) Instruments(ctx context.Context, quoteCoin string) ([]market.Instrument, error) {
	return f.instruments, nil
}

func (f *fakeGateway) FundingHistory(ctx context.Context, symbol string, start, end time.Time) ([]market.FundingSample, error) {
	return f.funding[symbol], nil
}

func (f *fakeGateway) Snapshot(ctx context.Context, symbol string) (market.MarketSnapshot, error) {
	return f.snapshots[symbol], nil
}

type fakeEngine struct {
	mu        sync.Mutex
	baskets   []strategy.Basket
	closedAll int
	block     chan struct{}
}

func (f *fakeEngine) Rebalance(ctx context.Context, target strategy.Basket) (rebalance.Result, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baskets = append(f.baskets, target)
	return rebalance.Result{Entered: target}, nil
}

func (f *fakeEngine) CloseAll(ctx context.Context) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedAll++
	return nil
}

func (f *fakeEngine) rebalanceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.baskets)
}

type fakeAdapter struct{}

func (fakeAdapter) CurrentPositions(ctx context.Context) ([]exec.Position, error) { return nil, nil }
func (fakeAdapter) PlacePairedEntry(ctx context.Context, symbol string, notionalUSD, leverage float64) error {
	return nil
}
func (fakeAdapter) PlaceExit(ctx context.Context, symbol string) error { return nil }
func (fakeAdapter) PlaceHedge(ctx context.Context, symbol string, side exec.Side, notionalUSD float64) error {
	return nil
}
func (fakeAdapter) NetDeltaUSD(ctx context.Context) (float64, error) { return 0, nil }

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (m *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) Close() error { return nil }

type countingCounter struct {
	mu sync.Mutex
	n  int
}

func (c *countingCounter) Inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func appConfig() *config.Config {
	noSpot := false
	return &config.Config{
		Strategy: config.StrategyConfig{
			QuoteCoin:         "USDT",
			CapitalUSD:        5000,
			TopK:              6,
			Leverage:          3,
			DeltaThresholdBP:  25,
			MinFundingAnn:     0.20,
			MaxFundingAnn:     0.40,
			MinOpenInterest:   1000,
			MaxBasis:          0.003,
			SettlementsPerDay: 3,
			FundingWindow:     24 * time.Hour,
			RebalanceInterval: 5 * time.Minute,
			FetchConcurrency:  2,
			ShutdownTimeout:   time.Second,
			RequireSpot:       &noSpot,
		},
	}
}

func newTestApp(gateway market.Gateway, eng engine) *App {
	counters := metrics.NewNoop()
	return &App{
		cfg:        appConfig(),
		log:        zap.NewNop(),
		store:      newMemStore(),
		gateway:    gateway,
		collector:  market.NewCollector(gateway, 2, nil),
		adapter:    fakeAdapter{},
		engine:     eng,
		metrics:    counters,
		alerts:     alerts.NewTelegram(config.TelegramConfig{}, nil),
		state:      StateIdle,
		subscribed: make(map[string]bool),
	}
}

func inBandGateway() *fakeGateway {
	now := time.Now().UTC()
	return &fakeGateway{
		instruments: []market.Instrument{
			{Symbol: "AUSDT", QuoteCoin: "USDT", Tradable: true},
			{Symbol: "BUSDT", QuoteCoin: "USDT", Tradable: true},
		},
		snapshots: map[string]market.MarketSnapshot{
			"AUSDT": {Symbol: "AUSDT", MarkPrice: 100.1, IndexPrice: 100, OpenInterest: 1000},
			"BUSDT": {Symbol: "BUSDT", MarkPrice: 100.1, IndexPrice: 100, OpenInterest: 1000},
		},
		funding: map[string][]market.FundingSample{
			// Sum 0.0003 over 24h annualizes to 0.3285, inside the band.
			"AUSDT": {{Symbol: "AUSDT", Time: now.Add(-time.Hour), Rate: 0.0003}},
			// Sum 0.0001 annualizes to 0.1095, below the band.
			"BUSDT": {{Symbol: "BUSDT", Time: now.Add(-time.Hour), Rate: 0.0001}},
		},
	}
}

func TestCycleSelectsAndRebalances(t *testing.T) {
	eng := &fakeEngine{}
	a := newTestApp(inBandGateway(), eng)

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.rebalanceCount() != 1 {
		t.Fatalf("expected 1 rebalance, got %d", eng.rebalanceCount())
	}
	basket := eng.baskets[0]
	if len(basket) != 1 || basket[0] != "AUSDT" {
		t.Fatalf("expected basket [AUSDT], got %v", basket)
	}

	snapshot, ok, err := state.LoadCycleSnapshot(context.Background(), a.store)
	if err != nil || !ok {
		t.Fatalf("expected cycle snapshot persisted: %v (ok=%v)", err, ok)
	}
	if len(snapshot.Basket) != 1 || snapshot.Basket[0] != "AUSDT" {
		t.Fatalf("unexpected persisted basket: %v", snapshot.Basket)
	}
}

func TestCyclePausedSkipsRebalance(t *testing.T) {
	eng := &fakeEngine{}
	a := newTestApp(inBandGateway(), eng)
	a.setPaused(true)

	if err := a.cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.rebalanceCount() != 0 {
		t.Fatalf("paused cycle must not rebalance, got %d", eng.rebalanceCount())
	}
}

func TestRunCycleSkipsWhileRunning(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{})}
	a := newTestApp(inBandGateway(), eng)
	skipped := &countingCounter{}
	a.metrics.CyclesSkipped = skipped

	a.runCycle(context.Background())
	waitForState(t, a, StateRunning)

	a.runCycle(context.Background())
	if skipped.count() != 1 {
		t.Fatalf("expected overlapping trigger to be skipped, got %d", skipped.count())
	}

	close(eng.block)
	waitForState(t, a, StateIdle)
	if eng.rebalanceCount() != 1 {
		t.Fatalf("expected exactly 1 cycle, got %d", eng.rebalanceCount())
	}
}

func waitForState(t *testing.T, a *App, want RunState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, at %s", want, a.State())
}

func TestShutdownDrainsThroughShuttingDown(t *testing.T) {
	eng := &fakeEngine{}
	a := newTestApp(inBandGateway(), eng)

	a.shutdown()
	if eng.closedAll != 1 {
		t.Fatalf("expected shutdown drain, got %d CloseAll calls", eng.closedAll)
	}
	if a.State() != StateStopped {
		t.Fatalf("expected Stopped after shutdown, got %s", a.State())
	}
}

func TestTransition(t *testing.T) {
	a := newTestApp(inBandGateway(), &fakeEngine{})
	if !a.transition(StateIdle, StateRunning) {
		t.Fatalf("expected Idle to Running to succeed")
	}
	if a.transition(StateIdle, StateRunning) {
		t.Fatalf("expected second transition from Idle to fail")
	}
	if !a.transition(StateRunning, StateIdle) {
		t.Fatalf("expected Running back to Idle to succeed")
	}
}
