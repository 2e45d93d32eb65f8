package strategy

import (
	"time"

	"bybit-carry-bot/internal/market"
)

const daysPerYear = 365

// AnnualizedFunding scales the summed funding rates of a window to a yearly
// fraction: sum × settlementsPerDay × 365 / windowDays. An empty window
// annualizes to zero, not an error. For the live 24h window with 8h
// settlements this is sum × 3 × 365.
func AnnualizedFunding(samples []market.FundingSample, settlementsPerDay int, windowDays float64) float64 {
	if len(samples) == 0 || windowDays <= 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Rate
	}
	return sum * float64(settlementsPerDay) * daysPerYear / windowDays
}

// ScoreInstrument builds the Stat for one instrument from its funding window
// and snapshot. Pure arithmetic: identical inputs yield identical scores.
func ScoreInstrument(snap market.MarketSnapshot, samples []market.FundingSample, settlementsPerDay int, window time.Duration) Stat {
	windowDays := window.Hours() / 24
	fundingAnn := AnnualizedFunding(samples, settlementsPerDay, windowDays)
	return NewStat(snap.Symbol, fundingAnn, snap.Basis(), snap.OpenInterestUSD())
}
