package backtest

import (
	"time"

	"stockagent/internal/domain"
	"stockagent/internal/util"
)

// BenchmarkPoint is one day of the buy-and-hold replay.
type BenchmarkPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// BenchmarkResult is the buy-and-hold baseline under the same cash
// schedule as the strategy.
type BenchmarkResult struct {
	Symbol        string           `json:"symbol"`
	TotalInvested float64          `json:"total_invested"`
	FinalValue    float64          `json:"final_value"`
	TotalReturn   float64          `json:"total_return"`
	CAGR          float64          `json:"cagr"`
	MaxDrawdown   float64          `json:"max_drawdown"`
	Window        DrawdownWindow   `json:"-"`
	Equity        []BenchmarkPoint `json:"equity"`
}

// Rounded returns a copy with the headline figures rounded for output.
func (r BenchmarkResult) Rounded() BenchmarkResult {
	r.TotalInvested = Round(r.TotalInvested, 2)
	r.FinalValue = Round(r.FinalValue, 2)
	r.TotalReturn = Round(r.TotalReturn, 6)
	r.CAGR = Round(r.CAGR, 6)
	r.MaxDrawdown = Round(r.MaxDrawdown, 6)
	return r
}

// CompareBenchmark replays the injection schedule fully invested in the
// benchmark over [start, end]. Every injection buys at that bar's close.
// It returns nil when the benchmark has no bars in range.
func CompareBenchmark(symbol string, bars []domain.Bar, start, end time.Time, initial, yearly float64) *BenchmarkResult {
	inRange := TrimBars(bars, start, end)
	if len(inRange) == 0 {
		return nil
	}

	pf := NewPortfolio(initial, yearly, inRange[0].Date)
	shares := 0.0
	equity := make([]BenchmarkPoint, 0, len(inRange))
	values := make([]float64, 0, len(inRange))

	for _, b := range inRange {
		pf.ApplySchedule(b.Date)
		if cash := pf.Cash(); cash > 0 && b.Close > 0 {
			shares += cash / b.Close
			pf.Withdraw(cash)
		}
		v := shares * b.Close
		equity = append(equity, BenchmarkPoint{Date: b.Date, Value: v})
		values = append(values, v)
	}

	invested := pf.TotalInjected()
	final := values[len(values)-1]
	days := util.DaysBetween(inRange[0].Date, inRange[len(inRange)-1].Date)
	w := FindDrawdownWindow(values)

	return &BenchmarkResult{
		Symbol:        symbol,
		TotalInvested: invested,
		FinalValue:    final,
		TotalReturn:   TotalReturn(final, invested),
		CAGR:          CAGR(final, invested, days),
		MaxDrawdown:   w.MaxDrawdown,
		Window:        w,
		Equity:        equity,
	}
}

// TrimBars returns the sub-slice of date-sorted bars within [start, end].
func TrimBars(bars []domain.Bar, start, end time.Time) []domain.Bar {
	lo, hi := rangeBounds(bars, start, end)
	return bars[lo:hi]
}
