package backtest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"stockagent/internal/domain"
)

// signalPolicy buys when the first feature is positive and reports the
// second feature as its confidence.
type signalPolicy struct{}

func (signalPolicy) Evaluate(f []float64) (domain.Action, float64, error) {
	if f[0] > 0 {
		return domain.ActionBuy, f[1], nil
	}
	return domain.ActionHold, f[1], nil
}

type failingPolicy struct{}

func (failingPolicy) Evaluate([]float64) (domain.Action, float64, error) {
	return domain.ActionHold, 0, errors.New("boom")
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// series builds bars and features from parallel slices. signals[i] > 0
// means "buy" with confidence conf.
func series(dates []time.Time, closes, signals []float64, conf float64) ([]domain.Bar, []domain.FeatureRow) {
	bars := make([]domain.Bar, len(dates))
	feats := make([]domain.FeatureRow, len(dates))
	for i, d := range dates {
		c := closes[i]
		bars[i] = domain.Bar{Symbol: "TEST", Date: d, Open: c, High: c, Low: c, Close: c}
		feats[i] = domain.FeatureRow{Date: d, Values: []float64{signals[i], conf}}
	}
	return bars, feats
}

func consecutiveDays(start time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.AddDate(0, 0, i)
	}
	return out
}

func baseStrategy() domain.StrategyConfig {
	return domain.StrategyConfig{
		Tiers:                   []domain.EntryTier{{MinConfidence: 0.8, BuyFraction: 1.0}},
		UseMarketFilter:         false,
		StopLossPct:             0.08,
		TakeProfitActivationPct: 0.20,
		TrailStopLowPct:         0.08,
		TrailStopHighPct:        0.17,
		HighProfitThresholdPct:  0.25,
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRunHardStop(t *testing.T) {
	dates := consecutiveDays(day(2024, 3, 4), 2)
	bars, feats := series(dates, []float64{100, 91}, []float64{1, 0}, 0.9)

	res, err := Run(context.Background(), Input{
		Ticker: "TEST", Bars: bars, Features: feats, Policy: signalPolicy{},
		Strategy: baseStrategy(), InitialCash: 1000,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("len(Trades) = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ExitReason != domain.ExitHardStop {
		t.Errorf("ExitReason = %q, want %q", tr.ExitReason, domain.ExitHardStop)
	}
	if !approx(tr.Return, -0.09) {
		t.Errorf("Return = %v, want -0.09", tr.Return)
	}
	if tr.Return > -0.08 {
		t.Errorf("hard stop with Return %v above -stop_loss_pct", tr.Return)
	}
	if tr.HoldDays != 1 {
		t.Errorf("HoldDays = %d, want 1", tr.HoldDays)
	}
	if !approx(res.Metrics.FinalValue, 910) {
		t.Errorf("FinalValue = %v, want 910", res.Metrics.FinalValue)
	}
	if !approx(res.Metrics.ExposureRate, 0.5) {
		t.Errorf("ExposureRate = %v, want 0.5", res.Metrics.ExposureRate)
	}
	if res.Metrics.WinRate != 0 {
		t.Errorf("WinRate = %v, want 0", res.Metrics.WinRate)
	}
	if len(res.Positions) != 0 {
		t.Errorf("len(Positions) = %d, want 0", len(res.Positions))
	}
}

func TestRunTrailingStopUsesHighBandAfterThreshold(t *testing.T) {
	// hi_ret reaches 0.30, so the 0.17 band applies even after the price
	// falls back below the 0.25 mark. 115 is an 11.5% pullback (would trip
	// the 0.08 band); 107 is 17.7% and exits.
	dates := consecutiveDays(day(2024, 3, 4), 4)
	bars, feats := series(dates, []float64{100, 130, 115, 107}, []float64{1, 0, 0, 0}, 0.9)

	res, err := Run(context.Background(), Input{
		Ticker: "TEST", Bars: bars, Features: feats, Policy: signalPolicy{},
		Strategy: baseStrategy(), InitialCash: 1000,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("len(Trades) = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ExitReason != domain.ExitTrailingStop {
		t.Errorf("ExitReason = %q, want %q", tr.ExitReason, domain.ExitTrailingStop)
	}
	if !tr.ExitDate.Equal(dates[3]) {
		t.Errorf("ExitDate = %v, want %v", tr.ExitDate, dates[3])
	}
	if !approx(tr.ExitPrice, 107) {
		t.Errorf("ExitPrice = %v, want 107", tr.ExitPrice)
	}
}

func TestRunTrailingStopLowBand(t *testing.T) {
	dates := consecutiveDays(day(2024, 3, 4), 3)
	bars, feats := series(dates, []float64{100, 122, 112}, []float64{1, 0, 0}, 0.9)

	res, err := Run(context.Background(), Input{
		Ticker: "TEST", Bars: bars, Features: feats, Policy: signalPolicy{},
		Strategy: baseStrategy(), InitialCash: 1000,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].ExitReason != domain.ExitTrailingStop {
		t.Fatalf("Trades = %+v, want one trailing stop", res.Trades)
	}
	if !res.Trades[0].ExitDate.Equal(dates[2]) {
		t.Errorf("ExitDate = %v, want %v", res.Trades[0].ExitDate, dates[2])
	}
}

func TestRunEntryCooldown(t *testing.T) {
	cfg := baseStrategy()
	cfg.Tiers = []domain.EntryTier{{MinConfidence: 0.5, BuyFraction: 0.25}}
	cfg.MinDaysBetweenEntries = 5

	d0 := day(2024, 3, 4)
	dates := []time.Time{d0, d0.AddDate(0, 0, 3), d0.AddDate(0, 0, 6)}
	bars, feats := series(dates, []float64{100, 100, 100}, []float64{1, 1, 1}, 0.9)

	res, err := Run(context.Background(), Input{
		Ticker: "TEST", Bars: bars, Features: feats, Policy: signalPolicy{},
		Strategy: cfg, InitialCash: 10000,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Positions) != 2 {
		t.Fatalf("len(Positions) = %d, want 2", len(res.Positions))
	}
	if !res.Positions[0].BuyDate.Equal(dates[0]) || !res.Positions[1].BuyDate.Equal(dates[2]) {
		t.Errorf("buy dates = %v, %v, want %v, %v",
			res.Positions[0].BuyDate, res.Positions[1].BuyDate, dates[0], dates[2])
	}
	// 25% of 10000, then 25% of the remaining 7500.
	if !approx(res.Positions[0].Cost, 2500) || !approx(res.Positions[1].Cost, 1875) {
		t.Errorf("costs = %v, %v, want 2500, 1875", res.Positions[0].Cost, res.Positions[1].Cost)
	}
}

func TestRunSkipsUndefinedFeaturesButStillExits(t *testing.T) {
	dates := consecutiveDays(day(2024, 3, 4), 3)
	bars, feats := series(dates, []float64{100, 90, 90}, []float64{1, 1, 1}, 0.9)
	feats[1].Values[0] = math.NaN()
	feats[2].Values[1] = math.NaN()

	res, err := Run(context.Background(), Input{
		Ticker: "TEST", Bars: bars, Features: feats, Policy: signalPolicy{},
		Strategy: baseStrategy(), InitialCash: 1000,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].ExitReason != domain.ExitHardStop {
		t.Fatalf("Trades = %+v, want one hard stop", res.Trades)
	}
	if len(res.Positions) != 0 {
		t.Errorf("len(Positions) = %d, want 0 (NaN bars must not enter)", len(res.Positions))
	}
	if res.FinalState.Action != domain.ActionHold || res.FinalState.Confidence != 0 {
		t.Errorf("FinalState action/conf = %v/%v, want WAIT/0", res.FinalState.Action, res.FinalState.Confidence)
	}
}

func TestRunRequiresOneUnit(t *testing.T) {
	dates := consecutiveDays(day(2024, 3, 4), 1)
	bars, feats := series(dates, []float64{500}, []float64{1}, 0.9)

	res, err := Run(context.Background(), Input{
		Ticker: "TEST", Bars: bars, Features: feats, Policy: signalPolicy{},
		Strategy: baseStrategy(), InitialCash: 400,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Positions) != 0 {
		t.Errorf("len(Positions) = %d, want 0 when cash < price", len(res.Positions))
	}
}

func TestRunYearlyInjection(t *testing.T) {
	dates := []time.Time{day(2023, 12, 28), day(2023, 12, 29), day(2024, 1, 2), day(2024, 1, 3), day(2025, 1, 2)}
	bars, feats := series(dates, []float64{10, 10, 10, 10, 10}, []float64{0, 0, 0, 0, 0}, 0)

	res, err := Run(context.Background(), Input{
		Ticker: "TEST", Bars: bars, Features: feats, Policy: signalPolicy{},
		Strategy: baseStrategy(), InitialCash: 2400, YearlyContribution: 2400,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Injections) != 3 {
		t.Fatalf("len(Injections) = %d, want 3", len(res.Injections))
	}
	if res.Injections[0].Kind != domain.InjectionInitial || res.Injections[1].Kind != domain.InjectionYearly {
		t.Errorf("injection kinds = %q, %q", res.Injections[0].Kind, res.Injections[1].Kind)
	}
	if !res.Injections[1].Date.Equal(dates[2]) {
		t.Errorf("yearly injection date = %v, want %v", res.Injections[1].Date, dates[2])
	}
	// The snapshot on the first bar of the year already includes the
	// contribution.
	if res.Equity[2].Value != 4800 {
		t.Errorf("Equity[2].Value = %v, want 4800", res.Equity[2].Value)
	}
	if res.Metrics.TotalInjected != 7200 {
		t.Errorf("TotalInjected = %v, want 7200", res.Metrics.TotalInjected)
	}
	if res.Metrics.TotalReturn != 0 {
		t.Errorf("TotalReturn = %v, want 0", res.Metrics.TotalReturn)
	}
}

func TestRunEquityOnePointPerBar(t *testing.T) {
	dates := consecutiveDays(day(2024, 1, 1), 30)
	closes := make([]float64, 30)
	signals := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/3)
		if i%4 == 0 {
			signals[i] = 1
		}
	}
	bars, feats := series(dates, closes, signals, 0.95)
	cfg := baseStrategy()
	cfg.Tiers = []domain.EntryTier{{MinConfidence: 0.9, BuyFraction: 0.3}}

	res, err := Run(context.Background(), Input{
		Ticker: "TEST", Bars: bars, Features: feats, Policy: signalPolicy{},
		Strategy: cfg, InitialCash: 10000,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Equity) != len(bars) {
		t.Fatalf("len(Equity) = %d, want %d", len(res.Equity), len(bars))
	}
	for i := 1; i < len(res.Equity); i++ {
		if !res.Equity[i].Date.After(res.Equity[i-1].Date) {
			t.Fatalf("equity dates not strictly increasing at %d", i)
		}
	}
	for _, p := range res.Positions {
		if p.HighestPrice < p.BuyPrice {
			t.Errorf("HighestPrice %v < BuyPrice %v", p.HighestPrice, p.BuyPrice)
		}
	}
	for _, tr := range res.Trades {
		if tr.ExitReason != domain.ExitHardStop && tr.ExitReason != domain.ExitTrailingStop {
			t.Errorf("unexpected exit reason %q", tr.ExitReason)
		}
		if tr.ExitReason == domain.ExitHardStop && tr.Return > -cfg.StopLossPct {
			t.Errorf("hard stop with return %v", tr.Return)
		}
	}
}

func TestRunDateRangeAndEmpty(t *testing.T) {
	dates := consecutiveDays(day(2024, 1, 1), 10)
	bars, feats := series(dates, make([]float64, 10), make([]float64, 10), 0)
	for i := range bars {
		bars[i].Close = 50
	}

	res, err := Run(context.Background(), Input{
		Ticker: "TEST", Bars: bars, Features: feats, Policy: signalPolicy{},
		Strategy: baseStrategy(), InitialCash: 1000,
		Start: dates[3], End: dates[6],
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Equity) != 4 {
		t.Errorf("len(Equity) = %d, want 4", len(res.Equity))
	}
	if !res.Injections[0].Date.Equal(dates[3]) {
		t.Errorf("initial injection date = %v, want %v", res.Injections[0].Date, dates[3])
	}

	empty, err := Run(context.Background(), Input{
		Ticker: "TEST", Bars: bars, Features: feats, Policy: signalPolicy{},
		Strategy: baseStrategy(), InitialCash: 1000,
		Start: day(2030, 1, 1), End: day(2030, 12, 31),
	})
	if err != nil {
		t.Fatalf("Run() error on empty range: %v", err)
	}
	if !empty.Empty() || empty.FinalState != nil || empty.Metrics.TradeCount != 0 {
		t.Errorf("expected empty result, got %+v", empty)
	}
}

func TestRunErrors(t *testing.T) {
	dates := consecutiveDays(day(2024, 1, 1), 2)
	bars, feats := series(dates, []float64{1, 1}, []float64{1, 1}, 1)

	if _, err := Run(context.Background(), Input{Bars: bars}); !errors.Is(err, ErrNoPolicy) {
		t.Errorf("Run() without policy error = %v, want ErrNoPolicy", err)
	}
	if _, err := Run(context.Background(), Input{Bars: bars, Features: feats, Policy: failingPolicy{}}); err == nil {
		t.Error("expected policy error to propagate")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, Input{Bars: bars, Features: feats, Policy: signalPolicy{}}); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() on cancelled ctx error = %v, want context.Canceled", err)
	}
}

func TestRunMarketFilterBlocksWithoutBreakout(t *testing.T) {
	// 21 flat bars then a signal bar that stays below the channel, with a
	// short benchmark whose 120-bar average is undefined.
	n := 22
	dates := consecutiveDays(day(2024, 1, 1), n)
	closes := make([]float64, n)
	signals := make([]float64, n)
	for i := range closes {
		closes[i] = 100
	}
	signals[n-1] = 1
	bars, feats := series(dates, closes, signals, 0.9)
	bench, _ := series(dates, closes, signals, 0)

	cfg := baseStrategy()
	cfg.UseMarketFilter = true

	res, err := Run(context.Background(), Input{
		Ticker: "TEST", Bars: bars, Features: feats, Benchmark: bench,
		Policy: signalPolicy{}, Strategy: cfg, InitialCash: 1000,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Positions) != 0 {
		t.Fatalf("len(Positions) = %d, want 0 (blocked)", len(res.Positions))
	}
	if res.FinalState.AllowEntry || res.FinalState.EntryType != domain.EntryBlocked {
		t.Errorf("FinalState gate = %v/%q, want false/blocked", res.FinalState.AllowEntry, res.FinalState.EntryType)
	}
	if res.FinalState.BenchmarkSMA != nil {
		t.Errorf("BenchmarkSMA = %v, want nil", *res.FinalState.BenchmarkSMA)
	}
	if !res.FinalState.HasBenchmark {
		t.Error("FinalState.HasBenchmark = false with a benchmark series")
	}

	// A close above the prior 20-bar high breaks out.
	bars[n-1].Close, bars[n-1].High = 110, 110
	res, err = Run(context.Background(), Input{
		Ticker: "TEST", Bars: bars, Features: feats, Benchmark: bench,
		Policy: signalPolicy{}, Strategy: cfg, InitialCash: 1000,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Positions) != 1 || res.Positions[0].EntryType != domain.EntryBreakout {
		t.Fatalf("Positions = %+v, want one breakout entry", res.Positions)
	}
}
