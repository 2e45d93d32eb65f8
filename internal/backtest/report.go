package backtest

import (
	"fmt"
	"math"
	"strings"
)

// Report is the structured outcome of one simulation: summary statistics
// plus the full daily series for downstream analysis. Metrics that cannot be
// computed are NaN, never omitted.
type Report struct {
	Days []DayResult

	TotalReturn      float64
	AnnualizedReturn float64
	AnnualizedVol    float64
	Sharpe           float64
	MeanIC           float64
	ICInfoRatio      float64
}

func buildReport(days []DayResult) *Report {
	r := &Report{
		Days:             days,
		TotalReturn:      math.NaN(),
		AnnualizedReturn: math.NaN(),
		AnnualizedVol:    math.NaN(),
		Sharpe:           math.NaN(),
		MeanIC:           math.NaN(),
		ICInfoRatio:      math.NaN(),
	}
	if len(days) == 0 {
		return r
	}

	returns := make([]float64, len(days))
	compound := 1.0
	for i, d := range days {
		returns[i] = d.Return
		compound *= 1 + d.Return
	}
	r.TotalReturn = compound - 1
	r.AnnualizedReturn = math.Pow(compound, 365/float64(len(days))) - 1

	mean, stdev := meanStdev(returns)
	r.AnnualizedVol = stdev * math.Sqrt(365)
	if stdev > 0 {
		r.Sharpe = mean / stdev * math.Sqrt(365)
	}

	var ics []float64
	for _, d := range days {
		if !math.IsNaN(d.IC) {
			ics = append(ics, d.IC)
		}
	}
	if len(ics) > 0 {
		icMean, icStdev := meanStdev(ics)
		r.MeanIC = icMean
		if icStdev > 0 {
			r.ICInfoRatio = icMean / icStdev
		}
	}
	return r
}

// meanStdev returns the mean and population standard deviation.
func meanStdev(values []float64) (float64, float64) {
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

// Table renders the summary block and the daily series as fixed-width text.
func (r *Report) Table() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %12s\n", "total return", pct(r.TotalReturn))
	fmt.Fprintf(&b, "%-20s %12s\n", "annualized return", pct(r.AnnualizedReturn))
	fmt.Fprintf(&b, "%-20s %12s\n", "annualized vol", pct(r.AnnualizedVol))
	fmt.Fprintf(&b, "%-20s %12s\n", "sharpe", num(r.Sharpe))
	fmt.Fprintf(&b, "%-20s %12s\n", "mean IC", num(r.MeanIC))
	fmt.Fprintf(&b, "%-20s %12s\n", "IC info ratio", num(r.ICInfoRatio))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%-12s %10s %8s %6s\n", "date", "return", "IC", "names")
	for _, d := range r.Days {
		fmt.Fprintf(&b, "%-12s %10s %8s %6d\n", d.Date.Format("2006-01-02"), pct(d.Return), num(d.IC), len(d.Basket))
	}
	return b.String()
}

func pct(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return fmt.Sprintf("%.4f%%", v*100)
}

func num(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return fmt.Sprintf("%.4f", v)
}
