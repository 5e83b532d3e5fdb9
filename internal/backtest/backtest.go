// Package backtest simulates a decision policy bar by bar over one ticker's
// daily history: capital injections, a market regime gate, tiered entries,
// hard and trailing stop exits, and the resulting performance metrics.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"stockagent/internal/domain"
	"stockagent/internal/util"
)

// ErrNoPolicy is returned when Run is called without a decision policy.
var ErrNoPolicy = errors.New("backtest: no decision policy")

// Policy is the decision model capability consumed by the simulation.
type Policy interface {
	Evaluate(features []float64) (domain.Action, float64, error)
}

// Input is everything a single-ticker run needs. Bars and Benchmark should
// include warmup history before Start so the regime filter is defined from
// the first simulated bar.
type Input struct {
	Ticker    string
	Bars      []domain.Bar
	Features  []domain.FeatureRow
	Benchmark []domain.Bar
	Policy    Policy
	Strategy  domain.StrategyConfig

	Start              time.Time
	End                time.Time
	InitialCash        float64
	YearlyContribution float64
}

// FinalState describes the last simulated bar, used for next-session
// guidance.
type FinalState struct {
	Date           time.Time        `json:"date"`
	Price          float64          `json:"price"`
	Action         domain.Action    `json:"action"`
	Confidence     float64          `json:"confidence"`
	AllowEntry     bool             `json:"allow_entry"`
	EntryType      domain.EntryType `json:"entry_type"`
	Cash           float64          `json:"capital"`
	BenchmarkClose *float64         `json:"benchmark_close"`
	BenchmarkSMA   *float64         `json:"benchmark_120ma"`
	BenchmarkAbove bool             `json:"benchmark_above_120ma"`
	HasBenchmark   bool             `json:"has_benchmark"`
}

// Result is the immutable outcome of one ticker run.
type Result struct {
	Ticker     string               `json:"ticker"`
	Metrics    Metrics              `json:"metrics"`
	Trades     []domain.Trade       `json:"trades"`
	Equity     []domain.EquityPoint `json:"equity_curve"`
	Positions  []domain.Position    `json:"positions"`
	Injections []domain.Injection   `json:"injection_log"`
	FinalState *FinalState          `json:"final_state,omitempty"`
}

// Empty reports whether no bars were simulated.
func (r *Result) Empty() bool { return len(r.Equity) == 0 }

// Run simulates in.Policy over in.Ticker's bars in [in.Start, in.End].
// Each bar applies, in order: the injection schedule, the pre-trade equity
// snapshot, exits for every open position, then at most one entry. An empty
// range yields an empty Result, not an error.
func Run(ctx context.Context, in Input) (*Result, error) {
	if in.Policy == nil {
		return nil, ErrNoPolicy
	}

	regimes := PrepareRegimes(in.Bars, in.Benchmark)
	features := make(map[int64][]float64, len(in.Features))
	for _, f := range in.Features {
		features[dayKey(f.Date)] = f.Values
	}

	lo, hi := rangeBounds(in.Bars, in.Start, in.End)
	res := &Result{Ticker: in.Ticker}
	if lo == hi {
		res.Metrics = computeMetrics(in.Ticker, in.Start, in.End, nil, nil, 0, 0, 0)
		return res, nil
	}

	cfg := in.Strategy
	book := NewPositionBook(cfg)
	pf := NewPortfolio(in.InitialCash, in.YearlyContribution, in.Bars[lo].Date)
	equity := make([]domain.EquityPoint, 0, hi-lo)
	var trades []domain.Trade
	barsInPosition := 0

	for i := lo; i < hi; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bar := in.Bars[i]
		price := bar.Close

		pf.ApplySchedule(bar.Date)

		posValue := book.MarketValue(price)
		equity = append(equity, domain.EquityPoint{
			Date:          bar.Date,
			Value:         pf.Cash() + posValue,
			Cash:          pf.Cash(),
			PositionValue: posValue,
		})
		if book.Len() > 0 {
			barsInPosition++
		}

		closed, proceeds := book.CloseTriggered(bar.Date, price)
		if len(closed) > 0 {
			pf.Deposit(proceeds)
			trades = append(trades, closed...)
		}

		obs, ok := features[dayKey(bar.Date)]
		if !ok || (domain.FeatureRow{Values: obs}).HasUndefined() {
			continue
		}
		action, conf, err := in.Policy.Evaluate(obs)
		if err != nil {
			return nil, fmt.Errorf("evaluating %s on %s: %w", in.Ticker, util.FormatDate(bar.Date), err)
		}
		if action != domain.ActionBuy || book.CoolingDown(bar.Date) {
			continue
		}
		allow, entryType := Gate(regimes[i], cfg.UseMarketFilter)
		if !allow {
			continue
		}
		invest, ok := book.SizeEntry(pf.Cash(), conf, price)
		if !ok {
			continue
		}
		pos := book.Open(bar.Date, price, invest, conf, entryType)
		pf.Withdraw(pos.Cost)
	}

	last := in.Bars[hi-1]
	finalValue := pf.Cash() + book.MarketValue(last.Close)
	injected := pf.TotalInjected()

	res.Trades = trades
	res.Equity = equity
	res.Positions = book.Positions()
	res.Injections = pf.Injections()
	res.Metrics = computeMetrics(in.Ticker, in.Start, in.End, equity, trades, finalValue, injected, barsInPosition)

	fs, err := finalState(in, features, regimes[hi-1], last, pf.Cash())
	if err != nil {
		return nil, err
	}
	res.FinalState = fs

	slog.Debug("backtest complete",
		"ticker", in.Ticker,
		"bars", len(equity),
		"trades", len(trades),
		"open_positions", book.Len(),
		"final_value", finalValue,
	)
	return res, nil
}

// finalState evaluates the policy and gate once more on the last bar.
func finalState(in Input, features map[int64][]float64, r Regime, last domain.Bar, cash float64) (*FinalState, error) {
	fs := &FinalState{
		Date:           last.Date,
		Price:          last.Close,
		Action:         domain.ActionHold,
		Cash:           cash,
		BenchmarkAbove: r.BenchmarkAbove,
		HasBenchmark:   r.HasBenchmark,
		BenchmarkClose: finite(r.BenchmarkClose),
		BenchmarkSMA:   finite(r.BenchmarkSMA),
	}
	if obs, ok := features[dayKey(last.Date)]; ok && !(domain.FeatureRow{Values: obs}).HasUndefined() {
		action, conf, err := in.Policy.Evaluate(obs)
		if err != nil {
			return nil, fmt.Errorf("evaluating %s final bar: %w", in.Ticker, err)
		}
		fs.Action, fs.Confidence = action, conf
	}
	fs.AllowEntry, fs.EntryType = Gate(r, in.Strategy.UseMarketFilter)
	return fs, nil
}

// rangeBounds returns the half-open index range of date-sorted bars
// within [start, end]. A zero start or end leaves that side open.
func rangeBounds(bars []domain.Bar, start, end time.Time) (int, int) {
	lo, hi := 0, len(bars)
	if !start.IsZero() {
		for lo < hi && bars[lo].Date.Before(start) {
			lo++
		}
	}
	if !end.IsZero() {
		for hi > lo && bars[hi-1].Date.After(end) {
			hi--
		}
	}
	return lo, hi
}

// dayKey identifies a calendar day independent of location and clock.
func dayKey(t time.Time) int64 { return util.TruncateDay(t).Unix() }

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
