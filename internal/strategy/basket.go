package strategy

import "sort"

// BandFilter keeps stats whose annualized funding sits inside
// [minAnn, maxAnn]. Bounds and values are plain fractions; live selection and
// the backtester share this one code path so the units cannot drift apart.
func BandFilter(stats []Stat, minAnn, maxAnn float64) []Stat {
	out := make([]Stat, 0, len(stats))
	for _, s := range stats {
		if s.FundingAnn < minAnn || s.FundingAnn > maxAnn {
			continue
		}
		out = append(out, s)
	}
	return out
}

// RankStats orders stats by score descending, ties broken by symbol
// ascending. The tie-break makes rankings reproducible across runs, which the
// backtest determinism guarantee relies on.
func RankStats(stats []Stat) []Stat {
	out := append([]Stat(nil), stats...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// SelectBasket band-filters, ranks, and takes the top K. Fewer than K
// survivors yield a smaller basket; never padded, never an error.
func SelectBasket(stats []Stat, minAnn, maxAnn float64, topK int) Basket {
	ranked := RankStats(BandFilter(stats, minAnn, maxAnn))
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	basket := make(Basket, 0, len(ranked))
	for _, s := range ranked {
		basket = append(basket, s.Symbol)
	}
	return basket
}
