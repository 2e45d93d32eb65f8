package market

import (
	"sort"
	"time"
)

// DedupeSamples sorts samples ascending by time and removes duplicate
// timestamps, keeping the first occurrence in the sorted sequence. Keep-first
// is the documented dedup policy; annualization and IC reproducibility depend
// on it being applied consistently.
func DedupeSamples(samples []FundingSample) []FundingSample {
	if len(samples) == 0 {
		return samples
	}
	out := append([]FundingSample(nil), samples...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})
	deduped := out[:1]
	for _, s := range out[1:] {
		if s.Time.Equal(deduped[len(deduped)-1].Time) {
			continue
		}
		deduped = append(deduped, s)
	}
	return deduped
}

// SumRates adds the rates of all samples with Time in [start, end).
func SumRates(samples []FundingSample, start, end time.Time) float64 {
	var total float64
	for _, s := range samples {
		if s.Time.Before(start) || !s.Time.Before(end) {
			continue
		}
		total += s.Rate
	}
	return total
}
