package rebalance

import (
	"context"
	"errors"
	"math"
	"sort"

	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/exec"
	"bybit-carry-bot/internal/strategy"

	"go.uber.org/zap"
)

// Engine reconciles live positions with a target basket. Capital is split
// into CapitalUSD / TopK slots regardless of how many instruments survived
// selection, so a thin basket leaves capital idle instead of concentrating it.
type Engine struct {
	adapter exec.Adapter
	cfg     config.StrategyConfig
	log     *zap.Logger
}

func New(adapter exec.Adapter, cfg config.StrategyConfig, log *zap.Logger) *Engine {
	return &Engine{adapter: adapter, cfg: cfg, log: log}
}

// Result reports what one reconciliation pass actually did. Failures holds
// the per-instrument order errors that did not abort the pass.
type Result struct {
	Entered  []string
	Exited   []string
	HedgeUSD float64
	Failures []error
}

// Rebalance exits instruments that left the basket, enters the new ones, and
// hedges residual delta. A failed order skips that instrument and the pass
// continues; only failures outside any single instrument abort it.
func (e *Engine) Rebalance(ctx context.Context, target strategy.Basket) (Result, error) {
	var res Result

	positions, err := e.adapter.CurrentPositions(ctx)
	if err != nil {
		return res, err
	}
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Symbol] = true
	}
	wanted := make(map[string]bool, len(target))
	for _, symbol := range target {
		wanted[symbol] = true
	}

	for _, symbol := range sortedKeys(held) {
		if wanted[symbol] {
			continue
		}
		if err := e.adapter.PlaceExit(ctx, symbol); err != nil {
			res.Failures = append(res.Failures, e.recordFailure(err))
			continue
		}
		res.Exited = append(res.Exited, symbol)
	}

	slotUSD := e.cfg.CapitalUSD / float64(e.cfg.TopK)
	for _, symbol := range target {
		if held[symbol] {
			continue
		}
		if err := e.adapter.PlacePairedEntry(ctx, symbol, slotUSD, e.cfg.Leverage); err != nil {
			res.Failures = append(res.Failures, e.recordFailure(err))
			continue
		}
		res.Entered = append(res.Entered, symbol)
	}

	hedged, err := e.hedge(ctx, target)
	if err != nil {
		res.Failures = append(res.Failures, e.recordFailure(err))
		return res, nil
	}
	res.HedgeUSD = hedged
	return res, nil
}

// hedge nulls residual delta with one perp order on the basket's
// representative, the first instrument in ranked order. Below the threshold
// the delta is left alone; tiny corrective orders would just burn fees.
func (e *Engine) hedge(ctx context.Context, target strategy.Basket) (float64, error) {
	rep, ok := target.Representative()
	if !ok {
		return 0, nil
	}
	delta, err := e.adapter.NetDeltaUSD(ctx)
	if err != nil {
		return 0, err
	}
	if math.Abs(delta) <= e.cfg.DeltaThresholdUSD() {
		return 0, nil
	}
	side := exec.SideBuy
	if delta > 0 {
		side = exec.SideSell
	}
	if err := e.adapter.PlaceHedge(ctx, rep, side, math.Abs(delta)); err != nil {
		return 0, err
	}
	return math.Abs(delta), nil
}

// CloseAll exits every live position, continuing past per-instrument
// failures. Used by the shutdown drain.
func (e *Engine) CloseAll(ctx context.Context) []error {
	positions, err := e.adapter.CurrentPositions(ctx)
	if err != nil {
		return []error{err}
	}
	var failures []error
	for _, p := range positions {
		if err := e.adapter.PlaceExit(ctx, p.Symbol); err != nil {
			failures = append(failures, e.recordFailure(err))
		}
	}
	return failures
}

func (e *Engine) recordFailure(err error) error {
	var oerr *exec.OrderError
	if e.log != nil {
		if errors.As(err, &oerr) {
			e.log.Warn("order failed", zap.String("symbol", oerr.Symbol), zap.String("op", oerr.Op), zap.Error(oerr.Err))
		} else {
			e.log.Warn("order failed", zap.Error(err))
		}
	}
	return err
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
