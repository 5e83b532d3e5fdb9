package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"stockagent/internal/domain"
	"stockagent/internal/util"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ FeatureStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and FeatureStore using Parquet files on
// disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms, UTC midnight
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// FeatureRecord is the Parquet schema for feature values, stored long: one
// record per (day, feature). Column is the feature's position in the
// table.
type FeatureRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	Column    int32   `parquet:"column"`
	Name      string  `parquet:"name"`
	Value     float64 `parquet:"value"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars to Parquet files organized by symbol and year,
// merging with what is already stored:
//
//	<DataDir>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		d := util.TruncateDay(b.Date)
		k := key{symbol: strings.ToUpper(b.Symbol), year: d.Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:    k.symbol,
			Timestamp: d.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, k.year)

		existing, err := readParquetFile[BarRecord](path)
		if err != nil {
			return fmt.Errorf("reading bars for %s/%d: %w", k.symbol, k.year, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads the symbol's bars dated within [start, end] from the
// per-year files. Missing years are skipped.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	start, end = util.TruncateDay(start), util.TruncateDay(end)
	symbol = strings.ToUpper(symbol)

	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, year))
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s/%d: %w", symbol, year, err)
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol: r.Symbol,
				Date:   ts,
				Open:   r.Open,
				High:   r.High,
				Low:    r.Low,
				Close:  r.Close,
				Volume: r.Volume,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "daily"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// FeatureStore implementation
// ---------------------------------------------------------------------------

// WriteFeatures replaces the symbol's feature file:
//
//	<DataDir>/features/<SYMBOL>.parquet
func (s *ParquetStore) WriteFeatures(_ context.Context, symbol string, table FeatureTable) error {
	records := make([]FeatureRecord, 0, len(table.Rows)*len(table.Names))
	for _, row := range table.Rows {
		if len(row.Values) != len(table.Names) {
			return fmt.Errorf("feature row %s has %d values, want %d",
				util.FormatDate(row.Date), len(row.Values), len(table.Names))
		}
		ts := util.TruncateDay(row.Date).UnixMilli()
		for i, v := range row.Values {
			records = append(records, FeatureRecord{Timestamp: ts, Column: int32(i), Name: table.Names[i], Value: v})
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Timestamp != records[j].Timestamp {
			return records[i].Timestamp < records[j].Timestamp
		}
		return records[i].Column < records[j].Column
	})

	if err := writeParquetFile(s.featurePath(symbol), records); err != nil {
		return fmt.Errorf("writing features for %s: %w", symbol, err)
	}
	return nil
}

// ReadFeatures pivots the stored records back into rows dated within
// [start, end]. A feature missing for a day reads as NaN. A symbol without
// a feature file yields an empty table.
func (s *ParquetStore) ReadFeatures(_ context.Context, symbol string, start, end time.Time) (FeatureTable, error) {
	records, err := readParquetFile[FeatureRecord](s.featurePath(symbol))
	if err != nil {
		return FeatureTable{}, fmt.Errorf("reading features for %s: %w", symbol, err)
	}

	var table FeatureTable
	for _, r := range records {
		for int(r.Column) >= len(table.Names) {
			table.Names = append(table.Names, "")
		}
		table.Names[r.Column] = r.Name
	}

	startMs, endMs := util.TruncateDay(start).UnixMilli(), util.TruncateDay(end).UnixMilli()
	byDay := map[int64]int{}
	for _, r := range records {
		if r.Timestamp < startMs || r.Timestamp > endMs {
			continue
		}
		idx, ok := byDay[r.Timestamp]
		if !ok {
			idx = len(table.Rows)
			byDay[r.Timestamp] = idx
			values := make([]float64, len(table.Names))
			for i := range values {
				values[i] = math.NaN()
			}
			table.Rows = append(table.Rows, domain.FeatureRow{
				Date:   time.UnixMilli(r.Timestamp).UTC(),
				Values: values,
			})
		}
		table.Rows[idx].Values[r.Column] = r.Value
	}
	sort.SliceStable(table.Rows, func(i, j int) bool { return table.Rows[i].Date.Before(table.Rows[j].Date) })
	return table, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol string, year int) string {
	return filepath.Join(s.DataDir, "daily", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// featurePath returns the filesystem path for a symbol's feature file.
// Layout: <dataDir>/features/<SYMBOL>.parquet
func (s *ParquetStore) featurePath(symbol string) string {
	return filepath.Join(s.DataDir, "features", strings.ToUpper(symbol)+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// readParquetFile returns the file's records, or nil when it does not
// exist.
func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
