package market

import (
	"fmt"
	"time"
)

// Instrument is one perpetual contract as listed by the venue. Immutable once
// fetched for a cycle.
type Instrument struct {
	Symbol    string
	QuoteCoin string
	Tradable  bool
	HasSpot   bool
}

// FundingSample is a single funding settlement event.
type FundingSample struct {
	Symbol string
	Time   time.Time
	Rate   float64
}

// MarketSnapshot is the per-cycle view of one instrument. It is recomputed
// every cycle and never persisted.
type MarketSnapshot struct {
	Symbol       string
	MarkPrice    float64
	IndexPrice   float64
	OpenInterest float64
}

// OpenInterestUSD converts the base-unit open interest into quote currency.
func (s MarketSnapshot) OpenInterestUSD() float64 {
	return s.OpenInterest * s.MarkPrice
}

// Basis is the relative deviation of mark from index. Zero when the index
// price is missing.
func (s MarketSnapshot) Basis() float64 {
	if s.IndexPrice == 0 {
		return 0
	}
	return (s.MarkPrice - s.IndexPrice) / s.IndexPrice
}

// GatewayError wraps a market-data failure. Symbol-scoped errors exclude one
// instrument for the cycle; Global errors abort the cycle and are retried at
// the next tick.
type GatewayError struct {
	Symbol string
	Global bool
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Global {
		return fmt.Sprintf("gateway: %v", e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Symbol, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
