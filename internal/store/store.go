// Package store defines storage interfaces for market data and run history
// and their Parquet and SQLite implementations.
package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"stockagent/internal/domain"
)

// BarStore persists and retrieves daily OHLCV bars.
type BarStore interface {
	// WriteBars merges a batch of bars into storage. Bars for an existing
	// (symbol, date) replace the stored ones.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns the symbol's bars dated within [start, end], oldest
	// first.
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// FeatureTable is a symbol's feature matrix: one row per trading day, with
// columns named by Names.
type FeatureTable struct {
	Names []string
	Rows  []domain.FeatureRow
}

// Project returns the table restricted to names, in that order. Columns
// not named are dropped. A name the table does not hold fails with
// domain.ErrMissingFeature.
func (t FeatureTable) Project(names []string) (FeatureTable, error) {
	pos := make(map[string]int, len(t.Names))
	for i, n := range t.Names {
		pos[n] = i
	}

	idx := make([]int, len(names))
	var missing []string
	for i, n := range names {
		j, ok := pos[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		idx[i] = j
	}
	if len(missing) > 0 {
		return FeatureTable{}, fmt.Errorf("%v not in stored %v: %w", missing, t.Names, domain.ErrMissingFeature)
	}

	out := FeatureTable{
		Names: append([]string(nil), names...),
		Rows:  make([]domain.FeatureRow, len(t.Rows)),
	}
	for r, row := range t.Rows {
		vals := make([]float64, len(idx))
		for i, j := range idx {
			if j < len(row.Values) {
				vals[i] = row.Values[j]
			} else {
				vals[i] = math.NaN()
			}
		}
		out.Rows[r] = domain.FeatureRow{Date: row.Date, Values: vals}
	}
	return out, nil
}

// FeatureStore persists and retrieves precomputed model features.
type FeatureStore interface {
	// WriteFeatures replaces the symbol's feature table.
	WriteFeatures(ctx context.Context, symbol string, table FeatureTable) error

	// ReadFeatures returns the symbol's feature rows dated within
	// [start, end].
	ReadFeatures(ctx context.Context, symbol string, start, end time.Time) (FeatureTable, error)
}

// RunRecord summarises one completed ticker backtest.
type RunRecord struct {
	RunID       string
	Ticker      string
	ModelPath   string
	Start       string
	End         string
	TotalReturn float64
	CAGR        float64
	MaxDrawdown float64
	TradeCount  int
	MetricsJSON string
	OutDir      string
	CreatedAt   time.Time
}

// BestRecord is one row of the registry best-by-ticker table.
type BestRecord struct {
	Ticker      string
	Mode        string
	RunID       string
	ModelPath   string
	Precision   *float64
	Lift        *float64
	BestStatus  string
	SortKey     string
	Filters     string
	GeneratedAt string
}

// RunStore indexes backtest runs and the current registry selection.
type RunStore interface {
	// RecordRun inserts or replaces the record for (run id, ticker).
	RecordRun(ctx context.Context, rec RunRecord) error

	// ListRuns returns the records for ticker, or every record when ticker
	// is empty, oldest first.
	ListRuns(ctx context.Context, ticker string) ([]RunRecord, error)

	// ReplaceRegistryBest swaps the whole best-by-ticker table for recs.
	ReplaceRegistryBest(ctx context.Context, recs []BestRecord) error

	// ListRegistryBest returns the stored selection ordered by ticker.
	ListRegistryBest(ctx context.Context) ([]BestRecord, error)
}
