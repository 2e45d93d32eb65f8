package market

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Ticker is the websocket view of one symbol's prices.
type Ticker struct {
	Symbol     string
	MarkPrice  float64
	IndexPrice float64
	UpdatedAt  time.Time
}

// TickerCache accumulates ticker pushes from the public stream. Delta frames
// only carry changed fields, so updates merge into the previous state.
type TickerCache struct {
	mu     sync.RWMutex
	ticks  map[string]Ticker
	maxAge time.Duration
	now    func() time.Time
}

func NewTickerCache(maxAge time.Duration) *TickerCache {
	return &TickerCache{
		ticks:  make(map[string]Ticker),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Latest returns the cached ticker when it is fresher than the configured
// maximum age.
func (c *TickerCache) Latest(symbol string) (Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tick, ok := c.ticks[symbol]
	if !ok {
		return Ticker{}, false
	}
	if c.maxAge > 0 && c.now().Sub(tick.UpdatedAt) > c.maxAge {
		return Ticker{}, false
	}
	return tick, true
}

type tickerFrame struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol     string `json:"symbol"`
		MarkPrice  string `json:"markPrice"`
		IndexPrice string `json:"indexPrice"`
	} `json:"data"`
}

// HandleMessage is the ws.Client handler. Frames that are not ticker pushes
// (subscription acks, pongs) are ignored.
func (c *TickerCache) HandleMessage(raw json.RawMessage) {
	var frame tickerFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	if !strings.HasPrefix(frame.Topic, "tickers.") {
		return
	}
	symbol := frame.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(frame.Topic, "tickers.")
	}
	if symbol == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tick := c.ticks[symbol]
	tick.Symbol = symbol
	if v, err := atof(frame.Data.MarkPrice); err == nil {
		tick.MarkPrice = v
	}
	if v, err := atof(frame.Data.IndexPrice); err == nil {
		tick.IndexPrice = v
	}
	tick.UpdatedAt = c.now()
	c.ticks[symbol] = tick
}
