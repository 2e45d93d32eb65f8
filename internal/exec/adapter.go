package exec

import (
	"context"
	"fmt"
)

// Side of a corrective hedge order.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Position is one instrument's net exposure as reported by the venue. The
// strategy core only consumes its sign and notional.
type Position struct {
	Symbol    string
	Size      float64 // signed base units, negative for shorts
	MarkPrice float64
}

// NotionalUSD is the signed dollar exposure of the position.
func (p Position) NotionalUSD() float64 {
	return p.Size * p.MarkPrice
}

// Adapter executes rebalance intents as venue orders. Every mutating call
// fails with *OrderError carrying the offending instrument so the caller can
// isolate per-instrument failures.
type Adapter interface {
	CurrentPositions(ctx context.Context) ([]Position, error)
	PlacePairedEntry(ctx context.Context, symbol string, notionalUSD, leverage float64) error
	PlaceExit(ctx context.Context, symbol string) error
	PlaceHedge(ctx context.Context, symbol string, side Side, notionalUSD float64) error
	NetDeltaUSD(ctx context.Context) (float64, error)
}

// OrderError is a per-instrument execution failure. It never aborts the
// cycle; the rebalance engine logs it and continues with the remaining
// instruments.
type OrderError struct {
	Symbol string
	Op     string
	Err    error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order %s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}
