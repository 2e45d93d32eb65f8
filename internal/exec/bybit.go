package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"bybit-carry-bot/internal/bybit/rest"

	"go.uber.org/zap"
)

const (
	categoryLinear = "linear"
	categorySpot   = "spot"

	qtyDecimals  = 3
	retryLimit   = 3
	retryBackoff = 200 * time.Millisecond
)

// BybitAdapter implements Adapter against the Bybit V5 private API. Entries
// open a spot long and a perpetual short of equal size; leverage applies to
// the perpetual leg only.
type BybitAdapter struct {
	rest       *rest.Client
	settleCoin string
	log        *zap.Logger
}

func NewBybitAdapter(restClient *rest.Client, settleCoin string, log *zap.Logger) *BybitAdapter {
	return &BybitAdapter{rest: restClient, settleCoin: settleCoin, log: log}
}

type positionPage struct {
	List []struct {
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		Size      string `json:"size"`
		MarkPrice string `json:"markPrice"`
	} `json:"list"`
}

// CurrentPositions returns every non-flat linear position. The view is
// always fetched fresh; the adapter holds no position cache.
func (a *BybitAdapter) CurrentPositions(ctx context.Context) ([]Position, error) {
	params := url.Values{
		"category":   {categoryLinear},
		"settleCoin": {a.settleCoin},
	}
	raw, err := a.rest.GetSigned(ctx, "/v5/position/list", params)
	if err != nil {
		return nil, &OrderError{Op: "positions", Err: err}
	}
	var page positionPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, &OrderError{Op: "positions", Err: err}
	}
	out := make([]Position, 0, len(page.List))
	for _, item := range page.List {
		size, err := strconv.ParseFloat(item.Size, 64)
		if err != nil || size == 0 {
			continue
		}
		mark, _ := strconv.ParseFloat(item.MarkPrice, 64)
		if item.Side == "Sell" {
			size = -size
		}
		out = append(out, Position{Symbol: item.Symbol, Size: size, MarkPrice: mark})
	}
	return out, nil
}

// PlacePairedEntry sets the perp leverage, then buys spot and sells the
// perpetual for the same quantity so the pair is delta-neutral at entry.
func (a *BybitAdapter) PlacePairedEntry(ctx context.Context, symbol string, notionalUSD, leverage float64) error {
	if notionalUSD <= 0 {
		return &OrderError{Symbol: symbol, Op: "entry", Err: errors.New("non-positive notional")}
	}
	if err := a.setLeverage(ctx, symbol, leverage); err != nil {
		return &OrderError{Symbol: symbol, Op: "entry", Err: err}
	}
	price, err := a.lastPrice(ctx, symbol)
	if err != nil {
		return &OrderError{Symbol: symbol, Op: "entry", Err: err}
	}
	qty := roundDown(notionalUSD/price, qtyDecimals)
	if qty <= 0 {
		return &OrderError{Symbol: symbol, Op: "entry", Err: errors.New("entry size rounded to zero")}
	}
	if a.log != nil {
		a.log.Info("paired entry", zap.String("symbol", symbol), zap.Float64("qty", qty), zap.Float64("notional_usd", notionalUSD))
	}
	if err := a.marketOrder(ctx, categorySpot, symbol, SideBuy, qty, false); err != nil {
		return &OrderError{Symbol: symbol, Op: "entry", Err: err}
	}
	if err := a.marketOrder(ctx, categoryLinear, symbol, SideSell, qty, false); err != nil {
		// The spot leg filled; unwind it so no naked long survives a failed
		// perp leg.
		if unwindErr := a.marketOrder(ctx, categorySpot, symbol, SideSell, qty, false); unwindErr != nil && a.log != nil {
			a.log.Warn("spot unwind failed", zap.String("symbol", symbol), zap.Error(unwindErr))
		}
		return &OrderError{Symbol: symbol, Op: "entry", Err: err}
	}
	return nil
}

// PlaceExit closes the perpetual position and sells the matching spot
// quantity, unwinding the pair symmetrically.
func (a *BybitAdapter) PlaceExit(ctx context.Context, symbol string) error {
	pos, err := a.position(ctx, symbol)
	if err != nil {
		return &OrderError{Symbol: symbol, Op: "exit", Err: err}
	}
	qty := math.Abs(pos.Size)
	if qty == 0 {
		return nil
	}
	side := SideBuy
	if pos.Size > 0 {
		side = SideSell
	}
	if a.log != nil {
		a.log.Info("exit pair", zap.String("symbol", symbol), zap.Float64("qty", qty))
	}
	if err := a.marketOrder(ctx, categoryLinear, symbol, side, qty, true); err != nil {
		return &OrderError{Symbol: symbol, Op: "exit", Err: err}
	}
	if err := a.marketOrder(ctx, categorySpot, symbol, SideSell, qty, false); err != nil {
		return &OrderError{Symbol: symbol, Op: "exit", Err: err}
	}
	return nil
}

// PlaceHedge issues one corrective perpetual order sized to null the
// measured delta.
func (a *BybitAdapter) PlaceHedge(ctx context.Context, symbol string, side Side, notionalUSD float64) error {
	price, err := a.lastPrice(ctx, symbol)
	if err != nil {
		return &OrderError{Symbol: symbol, Op: "hedge", Err: err}
	}
	qty := roundDown(notionalUSD/price, qtyDecimals)
	if qty <= 0 {
		return nil
	}
	if a.log != nil {
		a.log.Info("hedge", zap.String("symbol", symbol), zap.String("side", string(side)), zap.Float64("qty", qty))
	}
	if err := a.marketOrder(ctx, categoryLinear, symbol, side, qty, false); err != nil {
		return &OrderError{Symbol: symbol, Op: "hedge", Err: err}
	}
	return nil
}

// NetDeltaUSD sums signed notional across all perpetual positions.
func (a *BybitAdapter) NetDeltaUSD(ctx context.Context) (float64, error) {
	positions, err := a.CurrentPositions(ctx)
	if err != nil {
		return 0, err
	}
	var delta float64
	for _, p := range positions {
		delta += p.NotionalUSD()
	}
	return delta, nil
}

func (a *BybitAdapter) position(ctx context.Context, symbol string) (Position, error) {
	positions, err := a.CurrentPositions(ctx)
	if err != nil {
		return Position{}, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return Position{Symbol: symbol}, nil
}

func (a *BybitAdapter) setLeverage(ctx context.Context, symbol string, leverage float64) error {
	body := map[string]string{
		"category":     categoryLinear,
		"symbol":       symbol,
		"buyLeverage":  formatFloat(leverage),
		"sellLeverage": formatFloat(leverage),
	}
	err := a.withRetry(ctx, func() error {
		_, err := a.rest.PostSigned(ctx, "/v5/position/set-leverage", body)
		return err
	})
	// The venue rejects a no-op leverage change; treat it as success.
	var apiErr *rest.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 110043 {
		return nil
	}
	return err
}

func (a *BybitAdapter) marketOrder(ctx context.Context, category, symbol string, side Side, qty float64, reduceOnly bool) error {
	body := map[string]any{
		"category":  category,
		"symbol":    symbol,
		"side":      string(side),
		"orderType": "Market",
		"qty":       formatFloat(qty),
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}
	return a.withRetry(ctx, func() error {
		_, err := a.rest.PostSigned(ctx, "/v5/order/create", body)
		return err
	})
}

type lastPricePage struct {
	List []struct {
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

func (a *BybitAdapter) lastPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{
		"category": {categoryLinear},
		"symbol":   {symbol},
	}
	raw, err := a.rest.Get(ctx, "/v5/market/tickers", params)
	if err != nil {
		return 0, err
	}
	var page lastPricePage
	if err := json.Unmarshal(raw, &page); err != nil {
		return 0, err
	}
	if len(page.List) == 0 {
		return 0, fmt.Errorf("no ticker for %s", symbol)
	}
	price, err := strconv.ParseFloat(page.List[0].LastPrice, 64)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price for %s", symbol)
	}
	return price, nil
}

func (a *BybitAdapter) withRetry(ctx context.Context, fn func() error) error {
	backoff := retryBackoff
	var err error
	for attempt := 0; attempt < retryLimit; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == retryLimit-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return err
}

func roundDown(value float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Floor(value)
	}
	factor := math.Pow10(decimals)
	return math.Floor(value*factor) / factor
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
