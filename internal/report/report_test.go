package report

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stockagent/internal/backtest"
	"stockagent/internal/domain"
)

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func testStrategy() domain.StrategyConfig {
	return domain.StrategyConfig{
		Tiers: []domain.EntryTier{
			{MinConfidence: 0.6, BuyFraction: 0.25},
			{MinConfidence: 0.8, BuyFraction: 1.0},
		},
		UseMarketFilter:         true,
		StopLossPct:             0.08,
		TakeProfitActivationPct: 0.20,
		TrailStopLowPct:         0.08,
		TrailStopHighPct:        0.17,
		HighProfitThresholdPct:  0.25,
	}
}

func testResult() *backtest.Result {
	return &backtest.Result{
		Ticker: "NVDA",
		Metrics: backtest.Metrics{
			Ticker: "NVDA", Start: "2024-01-02", End: "2024-03-01",
			TotalInjected: 2400, FinalValue: 2640, TotalReturn: 0.1,
		},
		Equity: []domain.EquityPoint{
			{Date: day("2024-01-02"), Value: 2400, Cash: 2400},
			{Date: day("2024-01-03"), Value: 2420.5, Cash: 2200, PositionValue: 220.5},
		},
		Positions: []domain.Position{{
			Shares: 2, BuyPrice: 100, BuyDate: day("2024-01-03"), Cost: 200,
			HighestPrice: 130, Confidence: 0.85, EntryType: domain.EntryBullMarket,
		}},
		FinalState: &backtest.FinalState{
			Date: day("2024-03-01"), Price: 120, Action: domain.ActionBuy,
			Confidence: 0.85, AllowEntry: true, EntryType: domain.EntryBullMarket, Cash: 1000,
		},
	}
}

func TestLevels(t *testing.T) {
	cfg := testStrategy()

	lv := Levels(domain.Position{BuyPrice: 100, HighestPrice: 130}, cfg)
	if math.Abs(lv.HardStop-92) > 1e-9 {
		t.Errorf("HardStop = %v, want 92", lv.HardStop)
	}
	if !lv.TrailingActive || lv.Band != 0.17 || math.Abs(lv.TrailingStop-107.9) > 1e-9 {
		t.Errorf("trailing = %+v, want active band 0.17 at 107.9", lv)
	}

	lv = Levels(domain.Position{BuyPrice: 100, HighestPrice: 122}, cfg)
	if !lv.TrailingActive || lv.Band != 0.08 {
		t.Errorf("low band = %+v, want active band 0.08", lv)
	}

	lv = Levels(domain.Position{BuyPrice: 100, HighestPrice: 110}, cfg)
	if lv.TrailingActive || math.Abs(lv.ActivationPrice-120) > 1e-9 {
		t.Errorf("inactive = %+v, want inactive arming at 120", lv)
	}
}

func TestEndDateSummaryBuySuggestion(t *testing.T) {
	text := EndDateSummary(testResult(), nil, testStrategy())

	for _, want := range []string{
		"Report date: 2024-03-01",
		"Action: BUY (Conf: 85.0%)",
		"Buy: YES",
		"Amount: $1,000.00",
		"Fraction: 100% (confidence >= 80%)",
		"Hard stop: $92.00",
		"Trailing stop: $107.90 (pullback 17%)",
		"sell if NVDA falls to $107.90",
		"expected proceeds $215.80",
		"Position value:    $240.00",
		"Benchmark data unavailable",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q", want)
		}
	}
}

func TestEndDateSummaryNoBuyReasons(t *testing.T) {
	res := testResult()
	res.FinalState.AllowEntry = false
	res.FinalState.EntryType = domain.EntryBlocked
	if text := EndDateSummary(res, nil, testStrategy()); !strings.Contains(text, "market filter blocked entry (blocked)") {
		t.Error("expected market filter reason")
	}

	res.FinalState.Action = domain.ActionHold
	if text := EndDateSummary(res, nil, testStrategy()); !strings.Contains(text, "model did not signal a buy") {
		t.Error("expected no-signal reason")
	}

	res = testResult()
	res.FinalState.Confidence = 0.5
	if text := EndDateSummary(res, nil, testStrategy()); !strings.Contains(text, "confidence too low (50.0%)") {
		t.Error("expected low-confidence reason")
	}
}

func TestEndDateSummaryBenchmarkState(t *testing.T) {
	res := testResult()
	if text := EndDateSummary(res, nil, testStrategy()); !strings.Contains(text, "Benchmark data unavailable, market filter passes") {
		t.Error("expected missing-benchmark note")
	}

	res.FinalState.HasBenchmark = true
	if text := EndDateSummary(res, nil, testStrategy()); !strings.Contains(text, "No benchmark bar on or before this date") {
		t.Error("expected no-aligned-bar note")
	}

	benchClose, sma := 410.0, 400.0
	res.FinalState.BenchmarkClose, res.FinalState.BenchmarkSMA, res.FinalState.BenchmarkAbove = &benchClose, &sma, true
	text := EndDateSummary(res, nil, testStrategy())
	for _, want := range []string{"Close: 410.00", "120MA: 400.00", "Close > 120MA: YES"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q", want)
		}
	}
}

func TestSummaryIncludesBenchmarkAndTiers(t *testing.T) {
	bench := &backtest.BenchmarkResult{Symbol: "^IXIC", TotalReturn: 0.05, CAGR: 0.02, MaxDrawdown: -0.1}
	text := Summary(testResult(), bench, testStrategy())

	for _, want := range []string{
		"Backtest summary - NVDA",
		"Total injected:      $2,400.00",
		"Total return:        +10.00%",
		"Benchmark buy-and-hold (^IXIC):",
		"Max drawdown:        -10.00%",
		"confidence >= 80% -> buy 100%",
		"Market filter: ON",
		"Open positions (1):",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q", want)
		}
	}
	// Tiers are listed in descending confidence order.
	if strings.Index(text, ">= 80%") > strings.Index(text, ">= 60%") {
		t.Error("tiers not sorted by descending confidence")
	}
}

func TestWriteAll(t *testing.T) {
	dir := t.TempDir()
	paths, err := WriteAll(dir, Bundle{
		Result:    testResult(),
		Strategy:  testStrategy(),
		Selection: map[string]any{"model_path": "artifacts/nvda.json"},
	})
	if err != nil {
		t.Fatalf("WriteAll() error: %v", err)
	}
	if len(paths) != 6 {
		t.Errorf("len(paths) = %d, want 6: %v", len(paths), paths)
	}
	if _, err := os.Stat(filepath.Join(dir, BenchmarkFile)); !os.IsNotExist(err) {
		t.Error("benchmark.json written without a benchmark")
	}

	trades, err := os.ReadFile(filepath.Join(dir, TradesFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(trades) != strings.Join(tradeHeader, ",")+"\n" {
		t.Errorf("trades.csv = %q, want header only", trades)
	}

	equity, _ := os.ReadFile(filepath.Join(dir, EquityFile))
	if !strings.Contains(string(equity), "2024-01-03,2420.5,2200,220.5") {
		t.Errorf("equity.csv = %q", equity)
	}

	var m backtest.Metrics
	data, _ := os.ReadFile(filepath.Join(dir, MetricsFile))
	if err := json.Unmarshal(data, &m); err != nil || m.Ticker != "NVDA" {
		t.Errorf("metrics.json = %s (%v)", data, err)
	}

	if _, err := os.Stat(filepath.Join(dir, "end_date_summary_NVDA_20240102_20240301.txt")); err != nil {
		t.Errorf("end-date summary missing: %v", err)
	}
}

func TestWriteTradesRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), TradesFile)
	err := WriteTrades(path, []domain.Trade{{
		EntryDate: day("2024-01-02"), EntryPrice: 100, ExitDate: day("2024-01-05"), ExitPrice: 91,
		Shares: 10, Cost: 1000, Proceeds: 910, Return: -0.09, Profit: -90, HoldDays: 3,
		ExitReason: domain.ExitHardStop, EntryType: domain.EntryNoFilter, Confidence: 0.9,
	}})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	want := "2024-01-02,100,2024-01-05,91,10,1000,910,-0.09,-90,3,Hard Stop,no_filter,0.9\n"
	if !strings.HasSuffix(string(data), want) {
		t.Errorf("trades.csv = %q, want suffix %q", data, want)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{FormatMoney(1234.5), "$1,234.50"},
		{FormatMoney(1234567.891), "$1,234,567.89"},
		{FormatMoney(-12), "-$12.00"},
		{FormatMoney(0), "$0.00"},
		{FormatInt(1234567), "1,234,567"},
		{FormatInt(-1234), "-1,234"},
		{FormatInt(999), "999"},
		{FormatPrice(0), "-"},
		{FormatPrice(12.346), "$12.35"},
		{FormatPct(0.1234, 1), "12.3%"},
		{FormatSignedPct(0.05, 2), "+5.00%"},
		{FormatSignedPct(-0.05, 2), "-5.00%"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
