package exec

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bybit-carry-bot/internal/bybit/rest"
)

type recordedOrder struct {
	Category  string `json:"category"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
	Qty       string `json:"qty"`
}

type venueStub struct {
	t         *testing.T
	positions string
	orders    []recordedOrder
	leverage  []map[string]string
	failPerp  bool
}

func (v *venueStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/position/list":
			w.Write([]byte(v.positions))
		case "/v5/market/tickers":
			w.Write([]byte(`{"retCode":0,"result":{"list":[{"lastPrice":"100"}]}}`))
		case "/v5/position/set-leverage":
			var body map[string]string
			raw, _ := io.ReadAll(r.Body)
			json.Unmarshal(raw, &body)
			v.leverage = append(v.leverage, body)
			w.Write([]byte(`{"retCode":0,"result":{}}`))
		case "/v5/order/create":
			var order recordedOrder
			raw, _ := io.ReadAll(r.Body)
			json.Unmarshal(raw, &order)
			v.orders = append(v.orders, order)
			if v.failPerp && order.Category == "linear" && order.Side == "Sell" {
				w.Write([]byte(`{"retCode":110007,"retMsg":"insufficient balance","result":{}}`))
				return
			}
			w.Write([]byte(`{"retCode":0,"result":{"orderId":"1"}}`))
		default:
			v.t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}
}

func newTestAdapter(t *testing.T, stub *venueStub) *BybitAdapter {
	t.Helper()
	stub.t = t
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	client := rest.New(srv.URL, time.Second, nil)
	client.SetCredentials("key", "secret")
	return NewBybitAdapter(client, "USDT", nil)
}

func TestCurrentPositionsSignsShorts(t *testing.T) {
	stub := &venueStub{positions: `{"retCode":0,"result":{"list":[
		{"symbol":"AUSDT","side":"Sell","size":"2","markPrice":"100"},
		{"symbol":"BUSDT","side":"Buy","size":"1","markPrice":"50"},
		{"symbol":"FLATUSDT","side":"None","size":"0","markPrice":"10"}
	]}}`}
	a := newTestAdapter(t, stub)

	positions, err := a.CurrentPositions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected flat positions dropped, got %d", len(positions))
	}
	if positions[0].Size != -2 || positions[0].NotionalUSD() != -200 {
		t.Fatalf("expected signed short, got %+v", positions[0])
	}
}

func TestNetDeltaUSD(t *testing.T) {
	stub := &venueStub{positions: `{"retCode":0,"result":{"list":[
		{"symbol":"AUSDT","side":"Sell","size":"2","markPrice":"100"},
		{"symbol":"BUSDT","side":"Buy","size":"1","markPrice":"320"}
	]}}`}
	a := newTestAdapter(t, stub)

	delta, err := a.NetDeltaUSD(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta != 120 {
		t.Fatalf("expected delta 120, got %f", delta)
	}
}

func TestPlacePairedEntryOrderSequence(t *testing.T) {
	stub := &venueStub{positions: `{"retCode":0,"result":{"list":[]}}`}
	a := newTestAdapter(t, stub)

	if err := a.PlacePairedEntry(context.Background(), "AUSDT", 833.33, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub.leverage) != 1 || stub.leverage[0]["sellLeverage"] != "3" {
		t.Fatalf("expected leverage set on perp leg, got %v", stub.leverage)
	}
	if len(stub.orders) != 2 {
		t.Fatalf("expected spot+perp orders, got %d", len(stub.orders))
	}
	spot, perp := stub.orders[0], stub.orders[1]
	if spot.Category != "spot" || spot.Side != "Buy" {
		t.Fatalf("expected spot buy first, got %+v", spot)
	}
	if perp.Category != "linear" || perp.Side != "Sell" {
		t.Fatalf("expected perp sell second, got %+v", perp)
	}
	if spot.Qty != perp.Qty {
		t.Fatalf("legs must match: spot %s perp %s", spot.Qty, perp.Qty)
	}
	if spot.Qty != "8.333" {
		t.Fatalf("expected qty 8.333 at price 100, got %s", spot.Qty)
	}
}

func TestPlacePairedEntryUnwindsSpotOnPerpFailure(t *testing.T) {
	stub := &venueStub{positions: `{"retCode":0,"result":{"list":[]}}`, failPerp: true}
	a := newTestAdapter(t, stub)

	err := a.PlacePairedEntry(context.Background(), "AUSDT", 500, 3)
	var oerr *OrderError
	if !errors.As(err, &oerr) {
		t.Fatalf("expected OrderError, got %v", err)
	}
	if oerr.Symbol != "AUSDT" {
		t.Fatalf("expected offending symbol, got %q", oerr.Symbol)
	}
	last := stub.orders[len(stub.orders)-1]
	if last.Category != "spot" || last.Side != "Sell" {
		t.Fatalf("expected trailing spot unwind, got %+v", last)
	}
}

func TestPlaceExitClosesBothLegs(t *testing.T) {
	stub := &venueStub{positions: `{"retCode":0,"result":{"list":[
		{"symbol":"AUSDT","side":"Sell","size":"2","markPrice":"100"}
	]}}`}
	a := newTestAdapter(t, stub)

	if err := a.PlaceExit(context.Background(), "AUSDT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub.orders) != 2 {
		t.Fatalf("expected 2 closing orders, got %d", len(stub.orders))
	}
	if stub.orders[0].Category != "linear" || stub.orders[0].Side != "Buy" || stub.orders[0].Qty != "2" {
		t.Fatalf("expected perp close Buy 2, got %+v", stub.orders[0])
	}
	if stub.orders[1].Category != "spot" || stub.orders[1].Side != "Sell" {
		t.Fatalf("expected spot unwind, got %+v", stub.orders[1])
	}
}

func TestPlaceExitOnFlatPositionIsNoop(t *testing.T) {
	stub := &venueStub{positions: `{"retCode":0,"result":{"list":[]}}`}
	a := newTestAdapter(t, stub)

	if err := a.PlaceExit(context.Background(), "AUSDT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub.orders) != 0 {
		t.Fatalf("expected no orders for flat position, got %d", len(stub.orders))
	}
}

func TestPlaceHedgeSizesFromNotional(t *testing.T) {
	stub := &venueStub{positions: `{"retCode":0,"result":{"list":[]}}`}
	a := newTestAdapter(t, stub)

	if err := a.PlaceHedge(context.Background(), "AUSDT", SideSell, 120); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub.orders) != 1 {
		t.Fatalf("expected 1 hedge order, got %d", len(stub.orders))
	}
	if stub.orders[0].Side != "Sell" || stub.orders[0].Qty != "1.2" {
		t.Fatalf("expected Sell 1.2 at price 100, got %+v", stub.orders[0])
	}
}
