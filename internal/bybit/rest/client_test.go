package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestGetDecodesResultEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("category") != "linear" {
			t.Fatalf("missing category param")
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"BTCUSDT"}]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	raw, err := c.Get(context.Background(), "/v5/market/tickers", url.Values{"category": {"linear"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"list":[{"symbol":"BTCUSDT"}]}` {
		t.Fatalf("unexpected result payload: %s", raw)
	}
}

func TestGetSurfacesRetCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":10006,"retMsg":"rate limit","result":{}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	_, err := c.Get(context.Background(), "/v5/market/tickers", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 10006 {
		t.Fatalf("expected code 10006, got %d", apiErr.Code)
	}
}

func TestGetSurfacesHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	if _, err := c.Get(context.Background(), "/v5/market/tickers", nil); err == nil {
		t.Fatalf("expected error on http 502")
	}
}

func TestPostSignedSetsAuthHeaders(t *testing.T) {
	var gotKey, gotTS, gotSign, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-BAPI-API-KEY")
		gotTS = r.Header.Get("X-BAPI-TIMESTAMP")
		gotSign = r.Header.Get("X-BAPI-SIGN")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	c.SetCredentials("key", "secret")
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	if _, err := c.PostSigned(context.Background(), "/v5/order/create", map[string]string{"symbol": "BTCUSDT"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "key" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
	if gotTS != "1700000000000" {
		t.Fatalf("expected fixed timestamp, got %q", gotTS)
	}
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1700000000000" + "key" + "5000" + gotBody))
	if want := hex.EncodeToString(mac.Sum(nil)); gotSign != want {
		t.Fatalf("signature mismatch: got %q want %q", gotSign, want)
	}
}

func TestSignedRequiresCredentials(t *testing.T) {
	c := New("http://example.invalid", time.Second, nil)
	if _, err := c.GetSigned(context.Background(), "/v5/position/list", nil); err == nil {
		t.Fatalf("expected error without credentials")
	}
}
