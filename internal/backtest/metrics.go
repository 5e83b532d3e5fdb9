package backtest

import (
	"math"
	"time"

	"stockagent/internal/domain"
	"stockagent/internal/util"
)

// daysPerMonth converts elapsed calendar days into months for trade cadence.
const daysPerMonth = 30.44

// Metrics summarises one simulated run.
type Metrics struct {
	Ticker            string     `json:"ticker"`
	Start             string     `json:"start"`
	End               string     `json:"end"`
	TotalInjected     float64    `json:"total_injected"`
	FinalValue        float64    `json:"final_value"`
	TotalReturn       float64    `json:"total_return"`
	CAGR              float64    `json:"cagr"`
	MaxDrawdown       float64    `json:"max_drawdown"`
	PeakDate          *time.Time `json:"peak_date"`
	TroughDate        *time.Time `json:"trough_date"`
	RecoveryDate      *time.Time `json:"recovery_date"`
	TradeCount        int        `json:"trade_count"`
	WinRate           float64    `json:"win_rate"`
	AvgHoldDays       float64    `json:"avg_hold_days"`
	ExposureRate      float64    `json:"exposure_rate"`
	AvgTradesPerMonth float64    `json:"avg_trades_per_month"`
}

// Rounded returns a copy suitable for persistence: returns and drawdown to
// 6 places, rates to 4, money and cadence to 2, hold days to 1.
func (m Metrics) Rounded() Metrics {
	m.TotalInjected = Round(m.TotalInjected, 2)
	m.FinalValue = Round(m.FinalValue, 2)
	m.TotalReturn = Round(m.TotalReturn, 6)
	m.CAGR = Round(m.CAGR, 6)
	m.MaxDrawdown = Round(m.MaxDrawdown, 6)
	m.WinRate = Round(m.WinRate, 4)
	m.AvgHoldDays = Round(m.AvgHoldDays, 1)
	m.ExposureRate = Round(m.ExposureRate, 4)
	m.AvgTradesPerMonth = Round(m.AvgTradesPerMonth, 2)
	return m
}

// Round rounds v half away from zero to places decimals.
func Round(v float64, places int32) float64 { return util.Round(v, places) }

// ---------------------------------------------------------------------------
// Return measures
// ---------------------------------------------------------------------------

// TotalReturn is the gain on all injected capital. It is 0 when nothing was
// injected.
func TotalReturn(finalValue, injected float64) float64 {
	if injected == 0 {
		return 0
	}
	return (finalValue - injected) / injected
}

// CAGR annualises the return on injected capital over days calendar days.
// It is 0 when days <= 0 or nothing was injected.
func CAGR(finalValue, injected float64, days int) float64 {
	if days <= 0 || injected <= 0 {
		return 0
	}
	return math.Pow(finalValue/injected, 365.0/float64(days)) - 1
}

// ---------------------------------------------------------------------------
// Drawdown
// ---------------------------------------------------------------------------

// DrawdownWindow bounds the single largest decline of a value series.
// Indices refer to the input slice; RecoveryIndex is -1 when the series
// never regains the peak value.
type DrawdownWindow struct {
	MaxDrawdown   float64
	PeakIndex     int
	TroughIndex   int
	RecoveryIndex int
}

// HasDrawdown reports whether the series ever fell below a prior peak.
func (w DrawdownWindow) HasDrawdown() bool { return w.MaxDrawdown < 0 }

// FindDrawdownWindow scans values forward once, tracking the running peak.
// MaxDrawdown is reported as a non-positive fraction. The recovery search
// starts after the trough and stops at the first value >= the peak value.
func FindDrawdownWindow(values []float64) DrawdownWindow {
	w := DrawdownWindow{RecoveryIndex: -1}
	if len(values) == 0 {
		return w
	}

	peakIdx := 0
	worst := 0.0
	for i, v := range values {
		if v > values[peakIdx] {
			peakIdx = i
		}
		peak := values[peakIdx]
		dd := 0.0
		if peak > 0 {
			dd = (peak - v) / peak
		}
		if dd > worst {
			worst = dd
			w.PeakIndex = peakIdx
			w.TroughIndex = i
		}
	}

	if worst == 0 {
		return w
	}
	w.MaxDrawdown = -worst

	target := values[w.PeakIndex]
	for j := w.TroughIndex + 1; j < len(values); j++ {
		if values[j] >= target {
			w.RecoveryIndex = j
			break
		}
	}
	return w
}

// MaxDrawdown returns the largest peak-to-trough decline as a non-positive
// fraction.
func MaxDrawdown(values []float64) float64 {
	return FindDrawdownWindow(values).MaxDrawdown
}

// ---------------------------------------------------------------------------
// Trade statistics
// ---------------------------------------------------------------------------

// WinRate is the fraction of trades with a positive realised return.
func WinRate(trades []domain.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range trades {
		if t.Return > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(trades))
}

// AvgHoldDays is the mean holding period of the closed trades.
func AvgHoldDays(trades []domain.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	total := 0
	for _, t := range trades {
		total += t.HoldDays
	}
	return float64(total) / float64(len(trades))
}

// ExposureRate is the fraction of simulated bars with an open position.
func ExposureRate(barsInPosition, totalBars int) float64 {
	if totalBars == 0 {
		return 0
	}
	return float64(barsInPosition) / float64(totalBars)
}

// AvgTradesPerMonth divides the trade count by elapsed months.
func AvgTradesPerMonth(tradeCount, days int) float64 {
	if days <= 0 {
		return 0
	}
	return float64(tradeCount) / (float64(days) / daysPerMonth)
}

// ---------------------------------------------------------------------------
// Aggregation
// ---------------------------------------------------------------------------

// computeMetrics derives the full Metrics block for a finished run.
func computeMetrics(
	ticker string,
	start, end time.Time,
	equity []domain.EquityPoint,
	trades []domain.Trade,
	finalValue, injected float64,
	barsInPosition int,
) Metrics {
	m := Metrics{
		Ticker:        ticker,
		Start:         util.FormatDate(start),
		End:           util.FormatDate(end),
		TotalInjected: injected,
		FinalValue:    finalValue,
		TradeCount:    len(trades),
		WinRate:       WinRate(trades),
		AvgHoldDays:   AvgHoldDays(trades),
		ExposureRate:  ExposureRate(barsInPosition, len(equity)),
	}
	if len(equity) == 0 {
		return m
	}

	days := util.DaysBetween(equity[0].Date, equity[len(equity)-1].Date)
	m.TotalReturn = TotalReturn(finalValue, injected)
	m.CAGR = CAGR(finalValue, injected, days)
	m.AvgTradesPerMonth = AvgTradesPerMonth(len(trades), days)

	values := make([]float64, len(equity))
	for i, p := range equity {
		values[i] = p.Value
	}
	w := FindDrawdownWindow(values)
	m.MaxDrawdown = w.MaxDrawdown
	if w.HasDrawdown() {
		peak := equity[w.PeakIndex].Date
		trough := equity[w.TroughIndex].Date
		m.PeakDate = &peak
		m.TroughDate = &trough
		if w.RecoveryIndex >= 0 {
			rec := equity[w.RecoveryIndex].Date
			m.RecoveryDate = &rec
		}
	}
	return m
}
