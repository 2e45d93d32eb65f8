package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bybit-carry-bot/internal/bybit/rest"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*BybitGateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := rest.New(srv.URL, time.Second, nil)
	return NewBybitGateway(client, nil, nil), srv
}

func TestInstrumentsFiltersQuoteAndJoinsSpot(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("category") {
		case "spot":
			w.Write([]byte(`{"retCode":0,"result":{"list":[{"symbol":"BTCUSDT"}],"nextPageCursor":""}}`))
		case "linear":
			w.Write([]byte(`{"retCode":0,"result":{"list":[
				{"symbol":"BTCUSDT","status":"Trading","quoteCoin":"USDT"},
				{"symbol":"ETHUSDT","status":"Trading","quoteCoin":"USDT"},
				{"symbol":"BTCUSDC","status":"Trading","quoteCoin":"USDC"},
				{"symbol":"OLDUSDT","status":"Closed","quoteCoin":"USDT"}
			],"nextPageCursor":""}}`))
		default:
			t.Fatalf("unexpected category %q", r.URL.Query().Get("category"))
		}
	})

	instruments, err := gw.Instruments(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(instruments) != 3 {
		t.Fatalf("expected 3 USDT instruments, got %d", len(instruments))
	}
	bySymbol := make(map[string]Instrument)
	for _, inst := range instruments {
		bySymbol[inst.Symbol] = inst
	}
	if _, ok := bySymbol["BTCUSDC"]; ok {
		t.Fatalf("USDC instrument should be filtered by quote coin")
	}
	if !bySymbol["BTCUSDT"].HasSpot {
		t.Fatalf("BTCUSDT should have a spot listing")
	}
	if bySymbol["ETHUSDT"].HasSpot {
		t.Fatalf("ETHUSDT should not have a spot listing")
	}
	if bySymbol["OLDUSDT"].Tradable {
		t.Fatalf("closed instrument should not be tradable")
	}
}

func TestInstrumentsFollowsPagination(t *testing.T) {
	var linearCalls int
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("category") == "spot" {
			w.Write([]byte(`{"retCode":0,"result":{"list":[],"nextPageCursor":""}}`))
			return
		}
		linearCalls++
		switch r.URL.Query().Get("cursor") {
		case "":
			w.Write([]byte(`{"retCode":0,"result":{"list":[{"symbol":"AUSDT","status":"Trading","quoteCoin":"USDT"}],"nextPageCursor":"page2"}}`))
		case "page2":
			w.Write([]byte(`{"retCode":0,"result":{"list":[{"symbol":"BUSDT","status":"Trading","quoteCoin":"USDT"}],"nextPageCursor":""}}`))
		default:
			t.Fatalf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})

	instruments, err := gw.Instruments(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if linearCalls != 2 {
		t.Fatalf("expected 2 linear pages, got %d", linearCalls)
	}
	if len(instruments) != 2 {
		t.Fatalf("expected 2 instruments, got %d", len(instruments))
	}
}

func TestInstrumentsListingFailureIsGlobal(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	_, err := gw.Instruments(context.Background(), "USDT")
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if !gerr.Global {
		t.Fatalf("listing failure should be global")
	}
}

func TestFundingHistoryPagesDedupesAndClips(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	t0 := day.Add(8 * time.Hour)
	t1 := day.Add(16 * time.Hour)
	t2 := day.Add(24 * time.Hour)
	outside := day.Add(-8 * time.Hour)

	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		end := r.URL.Query().Get("endTime")
		// Newest page first; second page repeats t1 (kept-first policy) and
		// includes a sample older than the window.
		if end == fmt.Sprint(day.Add(26*time.Hour).UnixMilli()) {
			fmt.Fprintf(w, `{"retCode":0,"result":{"list":[
				{"symbol":"BTCUSDT","fundingRate":"0.0003","fundingRateTimestamp":"%d"},
				{"symbol":"BTCUSDT","fundingRate":"0.0002","fundingRateTimestamp":"%d"}
			]}}`, t2.UnixMilli(), t1.UnixMilli())
			return
		}
		fmt.Fprintf(w, `{"retCode":0,"result":{"list":[
			{"symbol":"BTCUSDT","fundingRate":"0.0009","fundingRateTimestamp":"%d"},
			{"symbol":"BTCUSDT","fundingRate":"0.0001","fundingRateTimestamp":"%d"},
			{"symbol":"BTCUSDT","fundingRate":"0.0005","fundingRateTimestamp":"%d"}
		]}}`, t1.UnixMilli(), t0.UnixMilli(), outside.UnixMilli())
	})

	samples, err := gw.FundingHistory(context.Background(), "BTCUSDT", day, day.Add(26*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples after dedup and clipping, got %d", len(samples))
	}
	if !samples[0].Time.Equal(t0) || !samples[1].Time.Equal(t1) || !samples[2].Time.Equal(t2) {
		t.Fatalf("expected ascending [t0 t1 t2], got %v", samples)
	}
	if samples[1].Rate != 0.0002 {
		t.Fatalf("expected first-seen rate for duplicate timestamp, got %f", samples[1].Rate)
	}
}

func TestFundingHistoryFailureIsSymbolScoped(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":10002,"retMsg":"timeout","result":{}}`))
	})
	_, err := gw.FundingHistory(context.Background(), "BTCUSDT", time.Now().Add(-time.Hour), time.Now())
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gerr.Global || gerr.Symbol != "BTCUSDT" {
		t.Fatalf("expected symbol-scoped error, got %+v", gerr)
	}
}

func TestSnapshotParsesTicker(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Fatalf("missing symbol param")
		}
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"symbol":"BTCUSDT","markPrice":"50100","indexPrice":"50000","openInterest":"120.5"}
		]}}`))
	})

	snap, err := gw.Snapshot(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.MarkPrice != 50100 || snap.IndexPrice != 50000 || snap.OpenInterest != 120.5 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if got := snap.Basis(); got != 0.002 {
		t.Fatalf("expected basis 0.002, got %f", got)
	}
}

func TestSnapshotPrefersFreshStreamPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"symbol":"BTCUSDT","markPrice":"50100","indexPrice":"50000","openInterest":"120.5"}
		]}}`))
	}))
	defer srv.Close()
	cache := NewTickerCache(time.Minute)
	cache.HandleMessage([]byte(`{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT","markPrice":"50200","indexPrice":"50050"}}`))
	gw := NewBybitGateway(rest.New(srv.URL, time.Second, nil), cache, nil)

	snap, err := gw.Snapshot(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.MarkPrice != 50200 || snap.IndexPrice != 50050 {
		t.Fatalf("expected stream overlay, got %+v", snap)
	}
	if snap.OpenInterest != 120.5 {
		t.Fatalf("open interest should come from REST, got %f", snap.OpenInterest)
	}
}
