package registry

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"stockagent/internal/util"
)

// Output file names.
const (
	ModelsCSV  = "registry_models.csv"
	ModelsJSON = "registry_models.json"
	BestCSV    = "registry_best_by_ticker.csv"
	BestJSON   = "registry_best_by_ticker.json"
)

// Output formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatBoth = "both"
)

// Metadata heads every JSON output.
type Metadata struct {
	GeneratedAt       string   `json:"generated_at"`
	RunsDir           string   `json:"runs_dir"`
	BuyRateMax        *float64 `json:"buy_rate_max"`
	LiftMin           float64  `json:"lift_min"`
	SortPreset        string   `json:"sort_preset"`
	MinTP             int      `json:"min_tp"`
	MinPositiveRate   *float64 `json:"min_positive_rate"`
	IncludeIncomplete bool     `json:"include_incomplete"`
	TotalRows         int      `json:"total_rows"`
	TotalBest         int      `json:"total_best"`
}

type document[T any] struct {
	Metadata *Metadata `json:"metadata,omitempty"`
	Data     []T       `json:"data"`
}

// WriteIndex writes the full row set and the best-by-ticker selection to
// dir in the requested format, replacing each file atomically. It returns
// the paths written.
func WriteIndex(dir, format string, rows []Row, best []BestEntry, meta Metadata) ([]string, error) {
	var written []string
	write := func(name string, data []byte) error {
		p := filepath.Join(dir, name)
		if err := util.WriteFileAtomic(p, data, 0o644); err != nil {
			return err
		}
		written = append(written, p)
		return nil
	}

	if format != FormatCSV && format != FormatJSON && format != FormatBoth {
		return nil, fmt.Errorf("unknown registry output format %q", format)
	}

	if format == FormatCSV || format == FormatBoth {
		data, err := encodeCSV(ModelRowKeys, len(rows), func(i int) []string { return rows[i].record() })
		if err != nil {
			return nil, err
		}
		if err := write(ModelsCSV, data); err != nil {
			return nil, err
		}
		data, err = encodeCSV(BestRowKeys, len(best), func(i int) []string { return best[i].record() })
		if err != nil {
			return nil, err
		}
		if err := write(BestCSV, data); err != nil {
			return nil, err
		}
	}

	if format == FormatJSON || format == FormatBoth {
		data, err := encodeJSON(&meta, rows)
		if err != nil {
			return nil, err
		}
		if err := write(ModelsJSON, data); err != nil {
			return nil, err
		}
		data, err = encodeJSON(&meta, best)
		if err != nil {
			return nil, err
		}
		if err := write(BestJSON, data); err != nil {
			return nil, err
		}
	}
	return written, nil
}

func encodeJSON[T any](meta *Metadata, data []T) ([]byte, error) {
	if data == nil {
		data = []T{}
	}
	out, err := json.MarshalIndent(document[T]{Metadata: meta, Data: data}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func encodeCSV(header []string, n int, record func(int) []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if err := w.Write(record(i)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// record renders r in ModelRowKeys order. Nil values become empty cells.
func (r Row) record() []string {
	return []string{
		r.RunID, r.Mode, r.Ticker,
		cellInt(r.LabelHorizonDays), cellFloat(r.LabelThreshold),
		cellFloat(r.Precision), cellFloat(r.Recall), cellFloat(r.F1), cellFloat(r.Accuracy),
		cellFloat(r.BuyRate), cellFloat(r.PositiveRate), cellFloat(r.Lift),
		cellInt(r.TP), cellInt(r.FP), cellInt(r.TN), cellInt(r.FN), cellInt(r.Support),
		r.ModelFinalPath,
		r.ConfigPath, r.MetricsPath, r.ManifestPath,
		r.GitCommit, r.StartTime, r.EndTime,
		r.Status,
	}
}

func (b BestEntry) record() []string {
	return append(b.Row.record(), b.BestStatus, b.SelectionSortKey, b.SelectionFilters)
}

func cellFloat(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func cellInt(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}
