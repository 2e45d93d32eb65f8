package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"bybit-carry-bot/internal/bybit/rest"

	"go.uber.org/zap"
)

const (
	categoryLinear = "linear"
	categorySpot   = "spot"

	instrumentPageLimit = 1000
	fundingPageLimit    = 200
)

// Gateway is the market-data surface the strategy core consumes. All methods
// fail with *GatewayError.
type Gateway interface {
	Instruments(ctx context.Context, quoteCoin string) ([]Instrument, error)
	FundingHistory(ctx context.Context, symbol string, start, end time.Time) ([]FundingSample, error)
	Snapshot(ctx context.Context, symbol string) (MarketSnapshot, error)
}

// BybitGateway implements Gateway over the Bybit V5 public endpoints. An
// optional TickerCache overlays fresher websocket prices onto snapshots.
type BybitGateway struct {
	rest   *rest.Client
	stream *TickerCache
	log    *zap.Logger
}

func NewBybitGateway(restClient *rest.Client, stream *TickerCache, log *zap.Logger) *BybitGateway {
	return &BybitGateway{rest: restClient, stream: stream, log: log}
}

type instrumentPage struct {
	NextPageCursor string `json:"nextPageCursor"`
	List           []struct {
		Symbol    string `json:"symbol"`
		Status    string `json:"status"`
		QuoteCoin string `json:"quoteCoin"`
	} `json:"list"`
}

// Instruments lists tradable perpetuals for the quote currency and marks the
// ones with a matching spot listing. A failure here is global: the whole
// cycle is abandoned and retried at the next tick.
func (g *BybitGateway) Instruments(ctx context.Context, quoteCoin string) ([]Instrument, error) {
	spot, err := g.spotSymbols(ctx)
	if err != nil {
		return nil, &GatewayError{Global: true, Err: err}
	}
	var out []Instrument
	cursor := ""
	for {
		params := url.Values{
			"category": {categoryLinear},
			"limit":    {strconv.Itoa(instrumentPageLimit)},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		raw, err := g.rest.Get(ctx, "/v5/market/instruments-info", params)
		if err != nil {
			return nil, &GatewayError{Global: true, Err: err}
		}
		var page instrumentPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, &GatewayError{Global: true, Err: err}
		}
		for _, item := range page.List {
			if item.QuoteCoin != quoteCoin {
				continue
			}
			out = append(out, Instrument{
				Symbol:    item.Symbol,
				QuoteCoin: item.QuoteCoin,
				Tradable:  item.Status == "Trading",
				HasSpot:   spot[item.Symbol],
			})
		}
		if page.NextPageCursor == "" || len(page.List) == 0 {
			break
		}
		cursor = page.NextPageCursor
	}
	if len(out) == 0 {
		return nil, &GatewayError{Global: true, Err: errors.New("empty instrument universe")}
	}
	return out, nil
}

// spotSymbols returns the set of spot listings, keyed by the linear-style
// symbol name (Bybit uses the same compact symbol in both categories).
func (g *BybitGateway) spotSymbols(ctx context.Context) (map[string]bool, error) {
	out := make(map[string]bool)
	cursor := ""
	for {
		params := url.Values{
			"category": {categorySpot},
			"limit":    {strconv.Itoa(instrumentPageLimit)},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		raw, err := g.rest.Get(ctx, "/v5/market/instruments-info", params)
		if err != nil {
			return nil, err
		}
		var page instrumentPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, err
		}
		for _, item := range page.List {
			out[item.Symbol] = true
		}
		if page.NextPageCursor == "" || len(page.List) == 0 {
			break
		}
		cursor = page.NextPageCursor
	}
	return out, nil
}

type fundingPage struct {
	List []struct {
		Symbol    string `json:"symbol"`
		Rate      string `json:"fundingRate"`
		Timestamp string `json:"fundingRateTimestamp"`
	} `json:"list"`
}

// FundingHistory pages backwards through the funding endpoint until the start
// bound is covered, then returns a flattened, deduplicated, time-sorted
// sequence clipped to [start, end].
func (g *BybitGateway) FundingHistory(ctx context.Context, symbol string, start, end time.Time) ([]FundingSample, error) {
	var samples []FundingSample
	cursor := end
	for cursor.After(start) {
		params := url.Values{
			"category":  {categoryLinear},
			"symbol":    {symbol},
			"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
			"endTime":   {strconv.FormatInt(cursor.UnixMilli(), 10)},
			"limit":     {strconv.Itoa(fundingPageLimit)},
		}
		raw, err := g.rest.Get(ctx, "/v5/market/funding/history", params)
		if err != nil {
			return nil, &GatewayError{Symbol: symbol, Err: err}
		}
		var page fundingPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, &GatewayError{Symbol: symbol, Err: err}
		}
		if len(page.List) == 0 {
			break
		}
		oldest := cursor
		for _, item := range page.List {
			rate, err := atof(item.Rate)
			if err != nil {
				return nil, &GatewayError{Symbol: symbol, Err: fmt.Errorf("fundingRate: %w", err)}
			}
			ms, err := strconv.ParseInt(item.Timestamp, 10, 64)
			if err != nil {
				return nil, &GatewayError{Symbol: symbol, Err: fmt.Errorf("fundingRateTimestamp: %w", err)}
			}
			ts := time.UnixMilli(ms).UTC()
			if ts.Before(oldest) {
				oldest = ts
			}
			samples = append(samples, FundingSample{Symbol: symbol, Time: ts, Rate: rate})
		}
		if !oldest.Before(cursor) {
			break
		}
		cursor = oldest.Add(-time.Millisecond)
	}
	samples = DedupeSamples(samples)
	clipped := samples[:0]
	for _, s := range samples {
		if s.Time.Before(start) || s.Time.After(end) {
			continue
		}
		clipped = append(clipped, s)
	}
	return clipped, nil
}

type tickerPage struct {
	List []struct {
		Symbol       string `json:"symbol"`
		MarkPrice    string `json:"markPrice"`
		IndexPrice   string `json:"indexPrice"`
		OpenInterest string `json:"openInterest"`
	} `json:"list"`
}

// Snapshot fetches the per-cycle mark, index and open interest for one
// symbol. Websocket prices replace the REST ones when the stream has a
// fresher observation.
func (g *BybitGateway) Snapshot(ctx context.Context, symbol string) (MarketSnapshot, error) {
	params := url.Values{
		"category": {categoryLinear},
		"symbol":   {symbol},
	}
	raw, err := g.rest.Get(ctx, "/v5/market/tickers", params)
	if err != nil {
		return MarketSnapshot{}, &GatewayError{Symbol: symbol, Err: err}
	}
	var page tickerPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return MarketSnapshot{}, &GatewayError{Symbol: symbol, Err: err}
	}
	if len(page.List) == 0 {
		return MarketSnapshot{}, &GatewayError{Symbol: symbol, Err: errors.New("ticker missing")}
	}
	item := page.List[0]
	mark, err := atof(item.MarkPrice)
	if err != nil {
		return MarketSnapshot{}, &GatewayError{Symbol: symbol, Err: fmt.Errorf("markPrice: %w", err)}
	}
	index, err := atof(item.IndexPrice)
	if err != nil {
		return MarketSnapshot{}, &GatewayError{Symbol: symbol, Err: fmt.Errorf("indexPrice: %w", err)}
	}
	oi, err := atof(item.OpenInterest)
	if err != nil {
		return MarketSnapshot{}, &GatewayError{Symbol: symbol, Err: fmt.Errorf("openInterest: %w", err)}
	}
	snap := MarketSnapshot{Symbol: symbol, MarkPrice: mark, IndexPrice: index, OpenInterest: oi}
	if g.stream != nil {
		if tick, ok := g.stream.Latest(symbol); ok {
			if tick.MarkPrice > 0 {
				snap.MarkPrice = tick.MarkPrice
			}
			if tick.IndexPrice > 0 {
				snap.IndexPrice = tick.IndexPrice
			}
		}
	}
	return snap, nil
}

func atof(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("empty number")
	}
	return strconv.ParseFloat(s, 64)
}
