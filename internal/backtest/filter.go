package backtest

import (
	"math"

	"stockagent/internal/domain"
)

const (
	// ChannelWindow is the breakout channel length in bars.
	ChannelWindow = 20
	// BenchmarkSMAWindow is the benchmark trend average length in bars.
	BenchmarkSMAWindow = 120
)

// Regime is the market-filter state for one ticker bar.
type Regime struct {
	// ChannelHigh is the highest High of the prior ChannelWindow bars, NaN
	// until enough history exists.
	ChannelHigh        float64
	TickerAboveChannel bool

	// HasBenchmark is false when no benchmark series was supplied at all.
	HasBenchmark   bool
	BenchmarkClose float64
	BenchmarkSMA   float64
	BenchmarkAbove bool
}

// PrepareRegimes computes the per-bar regime for bars, which must be sorted
// by date. Benchmark values are aligned to each ticker date by taking the
// latest benchmark bar on or before it. A nil or empty benchmark yields
// BenchmarkAbove = true everywhere so entries are not blocked by a missing
// feed; an undefined average yields false.
func PrepareRegimes(bars, benchmark []domain.Bar) []Regime {
	out := make([]Regime, len(bars))

	for i := range bars {
		r := &out[i]
		r.ChannelHigh = math.NaN()
		r.BenchmarkClose = math.NaN()
		r.BenchmarkSMA = math.NaN()

		if i >= ChannelWindow {
			hi := bars[i-ChannelWindow].High
			for _, b := range bars[i-ChannelWindow+1 : i] {
				hi = math.Max(hi, b.High)
			}
			r.ChannelHigh = hi
			r.TickerAboveChannel = bars[i].Close > hi
		}
	}

	if len(benchmark) == 0 {
		for i := range out {
			out[i].BenchmarkAbove = true
		}
		return out
	}

	sma := rollingMean(benchmark, BenchmarkSMAWindow)
	j := -1
	for i, b := range bars {
		for j+1 < len(benchmark) && !benchmark[j+1].Date.After(b.Date) {
			j++
		}
		r := &out[i]
		r.HasBenchmark = true
		if j < 0 {
			continue
		}
		r.BenchmarkClose = benchmark[j].Close
		r.BenchmarkSMA = sma[j]
		r.BenchmarkAbove = !math.IsNaN(sma[j]) && benchmark[j].Close > sma[j]
	}
	return out
}

// Gate decides whether an entry may open on a bar with regime r. Benchmark
// strength alone admits the entry; otherwise the ticker must be above its
// own breakout channel.
func Gate(r Regime, useMarketFilter bool) (bool, domain.EntryType) {
	switch {
	case !useMarketFilter:
		return true, domain.EntryNoFilter
	case r.BenchmarkAbove:
		return true, domain.EntryBullMarket
	case r.TickerAboveChannel:
		return true, domain.EntryBreakout
	default:
		return false, domain.EntryBlocked
	}
}

// rollingMean returns the trailing mean of Close over window bars, NaN
// until window bars are available.
func rollingMean(bars []domain.Bar, window int) []float64 {
	out := make([]float64, len(bars))
	sum := 0.0
	for i, b := range bars {
		sum += b.Close
		if i >= window {
			sum -= bars[i-window].Close
		}
		if i+1 < window {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(window)
	}
	return out
}
