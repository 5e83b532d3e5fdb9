// Package report writes backtest artifacts: trade and equity CSVs, metrics
// and selection JSON, and human-readable summaries. Every file is replaced
// atomically.
package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"stockagent/internal/backtest"
	"stockagent/internal/domain"
	"stockagent/internal/util"
)

// Artifact file names inside a run directory.
const (
	TradesFile    = "trades.csv"
	EquityFile    = "equity.csv"
	MetricsFile   = "metrics.json"
	SelectionFile = "selection.json"
	BenchmarkFile = "benchmark.json"
	ConfigFile    = "config.yaml"
	SummaryFile   = "summary.txt"
)

var (
	tradeHeader  = []string{"buy_date", "buy_price", "sell_date", "sell_price", "shares", "cost", "sell_value", "return", "profit", "hold_days", "exit_reason", "entry_type", "confidence"}
	equityHeader = []string{"date", "value", "capital", "position_value"}
)

// Bundle is everything written for one ticker run.
type Bundle struct {
	Result    *backtest.Result
	Benchmark *backtest.BenchmarkResult
	Strategy  domain.StrategyConfig
	Selection any
	Config    map[string]any
}

// WriteAll writes the full artifact set for b into dir and returns the
// paths written. Optional parts (benchmark, selection, config) are skipped
// when nil.
func WriteAll(dir string, b Bundle) ([]string, error) {
	res := b.Result
	var written []string
	add := func(name string, fn func(string) error) error {
		p := filepath.Join(dir, name)
		if err := fn(p); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		written = append(written, p)
		return nil
	}

	steps := []struct {
		name string
		fn   func(string) error
		skip bool
	}{
		{TradesFile, func(p string) error { return WriteTrades(p, res.Trades) }, false},
		{EquityFile, func(p string) error { return WriteEquity(p, res.Equity) }, false},
		{MetricsFile, func(p string) error { return WriteJSON(p, res.Metrics.Rounded()) }, false},
		{BenchmarkFile, func(p string) error { return WriteJSON(p, b.Benchmark.Rounded()) }, b.Benchmark == nil},
		{SelectionFile, func(p string) error { return WriteJSON(p, b.Selection) }, b.Selection == nil},
		{ConfigFile, func(p string) error { return WriteYAML(p, b.Config) }, b.Config == nil},
		{SummaryFile, func(p string) error { return WriteSummary(p, res, b.Benchmark, b.Strategy) }, false},
	}
	for _, s := range steps {
		if s.skip {
			continue
		}
		if err := add(s.name, s.fn); err != nil {
			return written, err
		}
	}

	p, err := WriteEndDateSummary(dir, res, b.Benchmark, b.Strategy)
	if err != nil {
		return written, err
	}
	if p != "" {
		written = append(written, p)
	}
	return written, nil
}

// WriteTrades writes closed trades as CSV. The header row is always
// present.
func WriteTrades(path string, trades []domain.Trade) error {
	rows := make([][]string, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, []string{
			util.FormatDate(t.EntryDate), num(t.EntryPrice),
			util.FormatDate(t.ExitDate), num(t.ExitPrice),
			num(t.Shares), num(t.Cost), num(t.Proceeds),
			num(t.Return), num(t.Profit), strconv.Itoa(t.HoldDays),
			string(t.ExitReason), string(t.EntryType), num(t.Confidence),
		})
	}
	return writeCSV(path, tradeHeader, rows)
}

// WriteEquity writes the pre-trade equity curve as CSV.
func WriteEquity(path string, equity []domain.EquityPoint) error {
	rows := make([][]string, 0, len(equity))
	for _, e := range equity {
		rows = append(rows, []string{util.FormatDate(e.Date), num(e.Value), num(e.Cash), num(e.PositionValue)})
	}
	return writeCSV(path, equityHeader, rows)
}

// WriteJSON writes v as indented JSON.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// WriteYAML writes v as YAML, used for the effective run configuration.
func WriteYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, data, 0o644)
}

func writeCSV(path string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return util.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
