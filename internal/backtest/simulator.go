package backtest

import (
	"errors"
	"math"
	"sort"
	"time"

	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/market"
	"bybit-carry-bot/internal/strategy"

	"go.uber.org/zap"
)

// minICOverlap is the smallest instrument intersection for which a daily
// rank correlation is computed; below it the IC reports NaN.
const minICOverlap = 3

// History is the immutable input of one simulation run. Samples must be
// deduplicated and time-sorted per symbol; Snapshots carry the liquidity and
// basis view the universe filter screens against.
type History struct {
	Instruments []market.Instrument
	Snapshots   map[string]market.MarketSnapshot
	Samples     map[string][]market.FundingSample
}

// DayResult is one simulated calendar day.
type DayResult struct {
	Date   time.Time
	Basket strategy.Basket
	Return float64
	IC     float64
}

// Simulator replays the filter, score, and select pipeline once per calendar
// day over a fixed date range. Selection runs through the exact code path the
// live loop uses, so band units and tie-breaks cannot diverge between modes.
type Simulator struct {
	cfg config.StrategyConfig
	log *zap.Logger
}

func NewSimulator(cfg config.StrategyConfig, log *zap.Logger) *Simulator {
	return &Simulator{cfg: cfg, log: log}
}

// Run simulates every day from start to end inclusive, both interpreted as
// UTC calendar days. Every day in the range produces one return observation;
// an empty basket contributes zero, never a gap.
func (s *Simulator) Run(hist History, start, end time.Time) (*Report, error) {
	if end.Before(start) {
		return nil, errors.New("backtest range is inverted")
	}
	universe := strategy.FilterUniverse(hist.Instruments, hist.Snapshots, s.cfg)

	slotUSD := s.cfg.CapitalUSD / float64(s.cfg.TopK)
	costPerSlot := slotUSD * s.cfg.RoundTripCostRate() * 2

	var days []DayResult
	var prevScores map[string]float64
	for day := startOfDay(start); !day.After(end); day = day.AddDate(0, 0, 1) {
		next := day.AddDate(0, 0, 1)

		stats := make([]strategy.Stat, 0, len(universe))
		realized := make(map[string]float64, len(universe))
		for _, inst := range universe {
			daySamples := samplesIn(hist.Samples[inst.Symbol], day, next)
			realized[inst.Symbol] = market.SumRates(daySamples, day, next)
			stats = append(stats, strategy.ScoreInstrument(hist.Snapshots[inst.Symbol], daySamples, s.cfg.SettlementsPerDay, 24*time.Hour))
		}

		banded := strategy.BandFilter(stats, s.cfg.MinFundingAnn, s.cfg.MaxFundingAnn)
		basket := strategy.SelectBasket(stats, s.cfg.MinFundingAnn, s.cfg.MaxFundingAnn, s.cfg.TopK)

		var pnl float64
		for _, symbol := range basket {
			pnl += slotUSD*s.cfg.Leverage*realized[symbol] - costPerSlot
		}
		dayReturn := 0.0
		if len(basket) > 0 {
			dayReturn = pnl / s.cfg.CapitalUSD
		}

		days = append(days, DayResult{
			Date:   day,
			Basket: basket,
			Return: dayReturn,
			IC:     dailyIC(prevScores, realized),
		})

		prevScores = make(map[string]float64, len(banded))
		for _, stat := range banded {
			prevScores[stat.Symbol] = stat.Score
		}
		if s.log != nil {
			s.log.Debug("simulated day",
				zap.Time("date", day),
				zap.Int("basket_size", len(basket)),
				zap.Float64("return", dayReturn))
		}
	}
	return buildReport(days), nil
}

// dailyIC rank-correlates yesterday's band-surviving scores with today's raw
// realized funding sums over the instruments present in both.
func dailyIC(prevScores, realized map[string]float64) float64 {
	if len(prevScores) == 0 {
		return math.NaN()
	}
	// Iterate in symbol order so float accumulation order, and with it the
	// reported series, is identical across runs.
	symbols := make([]string, 0, len(prevScores))
	for symbol := range prevScores {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	var scores, returns []float64
	for _, symbol := range symbols {
		ret, ok := realized[symbol]
		if !ok {
			continue
		}
		scores = append(scores, prevScores[symbol])
		returns = append(returns, ret)
	}
	if len(scores) < minICOverlap {
		return math.NaN()
	}
	return Spearman(scores, returns)
}

func samplesIn(samples []market.FundingSample, start, end time.Time) []market.FundingSample {
	out := make([]market.FundingSample, 0, len(samples))
	for _, s := range samples {
		if s.Time.Before(start) || !s.Time.Before(end) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
