package strategy

import "math"

// basisEpsilon floors |basis| inside the score denominator so a near-zero
// basis never divides by zero.
const basisEpsilon = 1e-4

// Stat is the per-instrument, per-cycle carry view. Construct it with NewStat
// so Score is always derived from its siblings; a Stat never exists in a
// partially-computed state.
type Stat struct {
	Symbol     string
	FundingAnn float64
	Basis      float64
	OIUSD      float64
	Score      float64
}

// NewStat fills Score = FundingAnn / sqrt(max(epsilon, |Basis|)). The result
// is finite for every input the universe filter lets through.
func NewStat(symbol string, fundingAnn, basis, oiUSD float64) Stat {
	return Stat{
		Symbol:     symbol,
		FundingAnn: fundingAnn,
		Basis:      basis,
		OIUSD:      oiUSD,
		Score:      fundingAnn / math.Sqrt(math.Max(basisEpsilon, math.Abs(basis))),
	}
}

// Basket is the ordered selection of up to K symbols, best score first.
type Basket []string

// Contains reports whether the basket holds the symbol.
func (b Basket) Contains(symbol string) bool {
	for _, s := range b {
		if s == symbol {
			return true
		}
	}
	return false
}

// Representative is the deterministic hedge target: the first element of the
// ordered basket, i.e. the highest-score survivor with ties broken by symbol.
func (b Basket) Representative() (string, bool) {
	if len(b) == 0 {
		return "", false
	}
	return b[0], true
}
