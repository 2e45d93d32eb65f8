package strategy

import (
	"math"

	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/market"
)

// FilterUniverse reduces the instrument list to tradable carry candidates.
// An instrument survives iff its quote matches the settlement currency, it is
// tradable, it has a spot listing when the strategy requires one, a snapshot
// exists for it, its open interest clears the liquidity floor, and its basis
// stays inside the configured bound. Instruments without data are excluded,
// never an error. Pure function of its inputs.
func FilterUniverse(instruments []market.Instrument, snapshots map[string]market.MarketSnapshot, cfg config.StrategyConfig) []market.Instrument {
	out := make([]market.Instrument, 0, len(instruments))
	for _, inst := range instruments {
		if inst.QuoteCoin != cfg.QuoteCoin {
			continue
		}
		if !inst.Tradable {
			continue
		}
		if cfg.RequireSpotValue() && !inst.HasSpot {
			continue
		}
		snap, ok := snapshots[inst.Symbol]
		if !ok {
			continue
		}
		if snap.OpenInterestUSD() < cfg.MinOpenInterest {
			continue
		}
		if math.Abs(snap.Basis()) > cfg.MaxBasis {
			continue
		}
		out = append(out, inst)
	}
	return out
}
