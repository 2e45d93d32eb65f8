package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InstrumentData pairs one instrument's snapshot with its funding window.
type InstrumentData struct {
	Instrument Instrument
	Snapshot   MarketSnapshot
	Funding    []FundingSample
}

// Collector fans per-instrument fetches out over a bounded worker pool.
// Fetches are read-only and instrument-independent, so they run concurrently;
// Collect does not return until every worker is done (the pipeline behind it
// needs the complete set).
type Collector struct {
	gateway     Gateway
	concurrency int
	log         *zap.Logger
}

func NewCollector(gateway Gateway, concurrency int, log *zap.Logger) *Collector {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Collector{gateway: gateway, concurrency: concurrency, log: log}
}

// Collect fetches a snapshot and the funding window for every instrument.
// An instrument whose fetch fails is excluded from the result for this cycle
// rather than failing the cycle; global failures are not produced here
// (instrument listing happens before Collect).
func (c *Collector) Collect(ctx context.Context, instruments []Instrument, start, end time.Time) map[string]InstrumentData {
	results := make(map[string]InstrumentData, len(instruments))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, c.concurrency)

	for _, inst := range instruments {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(inst Instrument) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			snap, err := c.gateway.Snapshot(ctx, inst.Symbol)
			if err != nil {
				c.logExcluded(inst.Symbol, err)
				return
			}
			funding, err := c.gateway.FundingHistory(ctx, inst.Symbol, start, end)
			if err != nil {
				c.logExcluded(inst.Symbol, err)
				return
			}
			mu.Lock()
			results[inst.Symbol] = InstrumentData{Instrument: inst, Snapshot: snap, Funding: funding}
			mu.Unlock()
		}(inst)
	}
	wg.Wait()
	return results
}

func (c *Collector) logExcluded(symbol string, err error) {
	if c.log == nil {
		return
	}
	var gerr *GatewayError
	if errors.As(err, &gerr) && gerr.Global {
		c.log.Warn("global gateway failure during collect", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	c.log.Debug("instrument excluded this cycle", zap.String("symbol", symbol), zap.Error(err))
}
