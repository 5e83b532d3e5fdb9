package report

import (
	"fmt"
	"path/filepath"
	"strings"

	"stockagent/internal/backtest"
	"stockagent/internal/domain"
	"stockagent/internal/util"
)

var (
	rule60 = strings.Repeat("=", 60)
	rule50 = strings.Repeat("-", 50)
	rule40 = strings.Repeat("-", 40)
	rule30 = strings.Repeat("-", 30)
)

// StopLevels are the exit trigger prices of one open position.
type StopLevels struct {
	HardStop float64
	// TrailingActive is set once the position's best return reached the
	// take-profit activation threshold.
	TrailingActive bool
	TrailingStop   float64
	Band           float64
	// ActivationPrice is the price that arms the trailing stop.
	ActivationPrice float64
}

// Levels returns the exit trigger prices for pos under cfg.
func Levels(pos domain.Position, cfg domain.StrategyConfig) StopLevels {
	l := StopLevels{
		HardStop:        pos.BuyPrice * (1 - cfg.StopLossPct),
		ActivationPrice: pos.BuyPrice * (1 + cfg.TakeProfitActivationPct),
	}
	if pos.BuyPrice <= 0 {
		return l
	}
	hiRet := pos.HighestPrice/pos.BuyPrice - 1
	if hiRet >= cfg.TakeProfitActivationPct {
		l.TrailingActive = true
		l.Band = cfg.TrailBand(hiRet)
		l.TrailingStop = pos.HighestPrice * (1 - l.Band)
	}
	return l
}

// EndDateSummaryName is the file name of the next-session summary.
func EndDateSummaryName(ticker, start, end string) string {
	return fmt.Sprintf("end_date_summary_%s_%s_%s.txt", ticker,
		strings.ReplaceAll(start, "-", ""), strings.ReplaceAll(end, "-", ""))
}

// WriteSummary writes the human-readable run summary.
func WriteSummary(path string, res *backtest.Result, bench *backtest.BenchmarkResult, cfg domain.StrategyConfig) error {
	return util.WriteFileAtomic(path, []byte(Summary(res, bench, cfg)), 0o644)
}

// Summary renders the run summary text.
func Summary(res *backtest.Result, bench *backtest.BenchmarkResult, cfg domain.StrategyConfig) string {
	m := res.Metrics
	var b lines
	b.add(rule60)
	b.addf("Backtest summary - %s", m.Ticker)
	b.addf("Period: %s ~ %s", m.Start, m.End)
	b.add(rule60)
	b.add("")
	b.addf("  Total injected:      %s", FormatMoney(m.TotalInjected))
	b.addf("  Final value:         %s", FormatMoney(m.FinalValue))
	b.addf("  Total return:        %s", FormatSignedPct(m.TotalReturn, 2))
	b.addf("  CAGR:                %s", FormatPct(m.CAGR, 2))
	b.addf("  Max drawdown:        %s", FormatPct(m.MaxDrawdown, 2))
	if m.PeakDate != nil && m.TroughDate != nil {
		recovery := "not recovered"
		if m.RecoveryDate != nil {
			recovery = util.FormatDate(*m.RecoveryDate)
		}
		b.addf("  Drawdown window:     %s -> %s (recovery: %s)",
			util.FormatDate(*m.PeakDate), util.FormatDate(*m.TroughDate), recovery)
	}
	b.addf("  Trades:              %d", m.TradeCount)
	b.addf("  Win rate:            %s", FormatPct(m.WinRate, 1))
	b.addf("  Avg hold days:       %.1f", m.AvgHoldDays)
	b.addf("  Exposure:            %s", FormatPct(m.ExposureRate, 1))
	b.addf("  Trades per month:    %.2f", m.AvgTradesPerMonth)
	b.add("")

	if bench != nil {
		b.add(rule40)
		b.addf("Benchmark buy-and-hold (%s):", bench.Symbol)
		b.addf("  Total return:        %s", FormatSignedPct(bench.TotalReturn, 2))
		b.addf("  CAGR:                %s", FormatPct(bench.CAGR, 2))
		b.addf("  Max drawdown:        %s", FormatPct(bench.MaxDrawdown, 2))
	} else {
		b.add("Benchmark data unavailable, no baseline computed.")
	}
	b.add("")

	b.add(rule40)
	b.add("Strategy parameters:")
	for _, t := range cfg.SortedTiers() {
		b.addf("  confidence >= %s -> buy %s", FormatPct(t.MinConfidence, 0), FormatPct(t.BuyFraction, 0))
	}
	b.addf("  Market filter: %s", onOff(cfg.UseMarketFilter))
	if cfg.MinDaysBetweenEntries > 0 {
		b.addf("  Min days between entries: %d", cfg.MinDaysBetweenEntries)
	}
	b.addf("  Stop loss: %s", FormatPct(cfg.StopLossPct, 1))
	b.addf("  Trailing activation: %s", FormatPct(cfg.TakeProfitActivationPct, 1))
	b.addf("  Trailing pullback (low): %s", FormatPct(cfg.TrailStopLowPct, 1))
	b.addf("  Trailing pullback (high): %s above %s", FormatPct(cfg.TrailStopHighPct, 1), FormatPct(cfg.HighProfitThresholdPct, 1))
	b.add("")

	if len(res.Positions) > 0 {
		b.add(rule40)
		b.addf("Open positions (%d):", len(res.Positions))
		for i, p := range res.Positions {
			b.addf("  #%d bought %s @ $%.2f | shares %.4f | confidence %s",
				i+1, util.FormatDate(p.BuyDate), p.BuyPrice, p.Shares, FormatPct(p.Confidence, 1))
		}
	}
	b.add(rule60)
	return b.String()
}

// WriteEndDateSummary writes the next-session guidance for the last
// simulated bar into dir and returns its path. It writes nothing and
// returns "" when the run simulated no bars.
func WriteEndDateSummary(dir string, res *backtest.Result, bench *backtest.BenchmarkResult, cfg domain.StrategyConfig) (string, error) {
	if res.FinalState == nil {
		return "", nil
	}
	path := filepath.Join(dir, EndDateSummaryName(res.Ticker, res.Metrics.Start, res.Metrics.End))
	if err := util.WriteFileAtomic(path, []byte(EndDateSummary(res, bench, cfg)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// EndDateSummary renders the account state, open positions with their
// trigger prices, and the buy suggestion for the session after the final
// bar.
func EndDateSummary(res *backtest.Result, bench *backtest.BenchmarkResult, cfg domain.StrategyConfig) string {
	fs := res.FinalState
	m := res.Metrics
	ticker := res.Ticker
	price := fs.Price

	var b lines
	b.add(rule60)
	b.addf("Report date: %s", util.FormatDate(fs.Date))
	b.add(rule60)

	b.addf("[Market - %s]", ticker)
	b.addf("Close: $%.2f", price)
	b.add(rule30)
	b.add("[Market - Benchmark]")
	if fs.BenchmarkClose != nil {
		b.addf("Close: %.2f", *fs.BenchmarkClose)
		if fs.BenchmarkSMA != nil {
			b.addf("   120MA: %.2f", *fs.BenchmarkSMA)
		} else {
			b.add("   120MA: N/A")
		}
		b.addf("   Close > 120MA: %s", yesNo(fs.BenchmarkAbove))
	} else if fs.HasBenchmark {
		b.add("No benchmark bar on or before this date, entries need a breakout")
	} else {
		b.add("Benchmark data unavailable, market filter passes")
	}
	b.add(rule30)

	b.add("[Filter and model signal]")
	b.addf("   Action: %s (Conf: %s)", fs.Action, FormatPct(fs.Confidence, 1))
	b.addf("   Entry allowed: %s (%s)", yesNo(fs.AllowEntry), fs.EntryType)
	b.add(rule50)

	var posValue, posCost float64
	for _, p := range res.Positions {
		posValue += p.Shares * price
		posCost += p.Cost
	}
	var unrealized, unrealizedPct float64
	if len(res.Positions) > 0 {
		unrealized = posValue - posCost
		if posCost > 0 {
			unrealizedPct = unrealized / posCost
		}
	}
	b.add("[Account]")
	b.addf("   Cash:              %s", FormatMoney(fs.Cash))
	b.addf("   Position value:    %s", FormatMoney(posValue))
	b.addf("   Total:             %s", FormatMoney(fs.Cash+posValue))
	b.addf("   Unrealized P&L:    %s (%s)", FormatMoney(unrealized), FormatSignedPct(unrealizedPct, 2))
	b.addf("   Total injected:    %s", FormatMoney(m.TotalInjected))
	b.addf("   Total return:      %s", FormatSignedPct(m.TotalReturn, 2))
	b.add(rule50)

	b.addf("[Open positions] (%d)", len(res.Positions))
	for i, p := range res.Positions {
		lv := Levels(p, cfg)
		b.addf("   #%d bought %s @ $%.2f (confidence %s)", i+1, util.FormatDate(p.BuyDate), p.BuyPrice, FormatPct(p.Confidence, 1))
		b.addf("       shares %.4f | cost %s | value %s", p.Shares, FormatMoney(p.Cost), FormatMoney(p.Shares*price))
		b.addf("       return %s | high $%.2f", FormatSignedPct(price/p.BuyPrice-1, 2), p.HighestPrice)
		b.addf("       Hard stop: $%.2f", lv.HardStop)
		if lv.TrailingActive {
			b.addf("       Trailing stop: $%.2f (pullback %s)", lv.TrailingStop, FormatPct(lv.Band, 0))
		} else {
			b.addf("       Trailing stop: inactive, arms at $%.2f", lv.ActivationPrice)
		}
		b.add("")
	}
	b.add(rule50)

	b.add("[Next session plan - execute at open]")
	b.add("")
	switch {
	case fs.Action == domain.ActionBuy && fs.AllowEntry:
		frac, tier, ok := cfg.BuyFraction(fs.Confidence)
		if ok && frac > 0 && fs.Cash > 0 {
			b.add("   Buy: YES")
			b.addf("      Amount: %s", FormatMoney(fs.Cash*frac))
			b.addf("      Fraction: %s (confidence >= %s)", FormatPct(frac, 0), FormatPct(tier.MinConfidence, 0))
			b.addf("      Cash available: %s", FormatMoney(fs.Cash))
		} else {
			b.add("   Buy: NO")
			b.addf("      Reason: confidence too low (%s)", FormatPct(fs.Confidence, 1))
		}
	case fs.Action != domain.ActionBuy:
		b.add("   Buy: NO")
		b.add("      Reason: model did not signal a buy")
	default:
		b.add("   Buy: NO")
		b.addf("      Reason: market filter blocked entry (%s)", fs.EntryType)
	}
	b.add("")
	b.add(rule30)
	b.add("")

	b.add("   Sell triggers:")
	b.add("")
	for i, p := range res.Positions {
		lv := Levels(p, cfg)
		b.addf("      Position %d (value %s):", i+1, FormatMoney(p.Shares*price))
		b.addf("         Hard stop: sell if %s falls to $%.2f", ticker, lv.HardStop)
		b.addf("            -> expected proceeds %s", FormatMoney(p.Shares*lv.HardStop))
		if lv.TrailingActive {
			b.addf("         Trailing stop: sell if %s falls to $%.2f", ticker, lv.TrailingStop)
			b.addf("            -> expected proceeds %s", FormatMoney(p.Shares*lv.TrailingStop))
		} else {
			b.addf("         Trailing stop: inactive (needs %s gain)", FormatPct(cfg.TakeProfitActivationPct, 0))
		}
		b.add("")
	}

	b.add(rule60)
	b.add("Performance")
	b.add(rule60)
	b.addf("   Strategy (%s):", ticker)
	b.addf("      Total return: %s", FormatSignedPct(m.TotalReturn, 2))
	b.addf("      CAGR: %s", FormatPct(m.CAGR, 2))
	b.addf("      MDD: %s", FormatPct(m.MaxDrawdown, 2))
	b.addf("      Trades: %d", m.TradeCount)
	b.addf("      Win rate: %s", FormatPct(m.WinRate, 1))
	b.add("")
	if bench != nil {
		b.addf("   Benchmark buy-and-hold (%s):", bench.Symbol)
		b.addf("      Total return: %s", FormatSignedPct(bench.TotalReturn, 2))
		b.addf("      CAGR: %s", FormatPct(bench.CAGR, 2))
		b.addf("      MDD: %s", FormatPct(bench.MaxDrawdown, 2))
	} else {
		b.add("   Benchmark data unavailable")
	}
	b.add(rule60)
	return b.String()
}

type lines []string

func (l *lines) add(s string) { *l = append(*l, s) }

func (l *lines) addf(f string, args ...any) { *l = append(*l, fmt.Sprintf(f, args...)) }

func (l lines) String() string { return strings.Join(l, "\n") + "\n" }

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
