package registry

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stockagent/internal/domain"
)

// Selection is the model chosen for one ticker's backtest.
type Selection struct {
	Ticker           string     `json:"ticker"`
	Mode             string     `json:"mode"`
	ModelPath        string     `json:"model_path"`
	LabelHorizonDays *int       `json:"label_horizon_days"`
	LabelThreshold   *float64   `json:"label_threshold"`
	TrainConfigPath  string     `json:"train_config_path,omitempty"`
	Entry            *BestEntry `json:"registry_row,omitempty"`
}

// ResolveOptions controls Resolve.
type ResolveOptions struct {
	// Mode filters entries; empty means finetune.
	Mode string
	// Override bypasses the registry with an explicit artifact path.
	Override string
	// BaseDir anchors relative artifact paths, normally the parent of the
	// runs directory.
	BaseDir string
}

// Resolve finds the entry for ticker (case-insensitive) and mode. It
// returns an error wrapping domain.ErrModelNotFound when none matches.
func Resolve(ticker string, entries []BestEntry, opts ResolveOptions) (Selection, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeFinetune
	}
	sel := Selection{Ticker: ticker, Mode: mode}

	if opts.Override != "" {
		sel.ModelPath = opts.Override
		return sel, nil
	}

	for i := range entries {
		e := entries[i]
		if !strings.EqualFold(e.Ticker, ticker) || e.Mode != mode {
			continue
		}
		if e.ModelFinalPath == "" {
			return sel, fmt.Errorf("%s (mode=%s) has no artifact path: %w", ticker, mode, domain.ErrModelNotFound)
		}
		sel.ModelPath = e.ModelFinalPath
		if !filepath.IsAbs(sel.ModelPath) && opts.BaseDir != "" {
			sel.ModelPath = filepath.Join(opts.BaseDir, sel.ModelPath)
		}
		sel.LabelHorizonDays = e.LabelHorizonDays
		sel.LabelThreshold = e.LabelThreshold
		sel.TrainConfigPath = e.ConfigPath
		if sel.TrainConfigPath != "" && !filepath.IsAbs(sel.TrainConfigPath) && opts.BaseDir != "" {
			sel.TrainConfigPath = filepath.Join(opts.BaseDir, sel.TrainConfigPath)
		}
		sel.Entry = &e
		return sel, nil
	}

	available := make([]string, 0, len(entries))
	for _, e := range entries {
		available = append(available, e.Ticker)
	}
	return sel, fmt.Errorf("%s (mode=%s) not in registry, available %v: %w",
		ticker, mode, available, domain.ErrModelNotFound)
}

// LoadBest reads a best-by-ticker file written by WriteIndex. The format
// follows the extension: .json or .csv.
func LoadBest(path string) ([]BestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var doc document[BestEntry]
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decoding registry %s: %w", path, err)
		}
		return doc.Data, nil
	case ".csv":
		return decodeBestCSV(data)
	default:
		return nil, fmt.Errorf("unsupported registry file %s", path)
	}
}

func decodeBestCSV(data []byte) ([]BestEntry, error) {
	// Tolerate a UTF-8 byte order mark from spreadsheet exports.
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	recs, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decoding registry csv: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	col := make(map[string]int, len(recs[0]))
	for i, h := range recs[0] {
		col[h] = i
	}
	get := func(rec []string, key string) string {
		if i, ok := col[key]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}

	out := make([]BestEntry, 0, len(recs)-1)
	for _, rec := range recs[1:] {
		out = append(out, BestEntry{
			Row: Row{
				RunID:            get(rec, "run_id"),
				Mode:             get(rec, "mode"),
				Ticker:           get(rec, "ticker"),
				LabelHorizonDays: parseInt(get(rec, "label_horizon_days")),
				LabelThreshold:   parseFloat(get(rec, "label_threshold")),
				Precision:        parseFloat(get(rec, "precision")),
				Recall:           parseFloat(get(rec, "recall")),
				F1:               parseFloat(get(rec, "f1")),
				Accuracy:         parseFloat(get(rec, "accuracy")),
				BuyRate:          parseFloat(get(rec, "buy_rate")),
				PositiveRate:     parseFloat(get(rec, "positive_rate")),
				Lift:             parseFloat(get(rec, "lift")),
				TP:               parseInt(get(rec, "tp")),
				FP:               parseInt(get(rec, "fp")),
				TN:               parseInt(get(rec, "tn")),
				FN:               parseInt(get(rec, "fn")),
				Support:          parseInt(get(rec, "support")),
				ModelFinalPath:   get(rec, "model_final_path"),
				ConfigPath:       get(rec, "config_path"),
				MetricsPath:      get(rec, "metrics_path"),
				ManifestPath:     get(rec, "manifest_path"),
				GitCommit:        get(rec, "git_commit"),
				StartTime:        get(rec, "start_time"),
				EndTime:          get(rec, "end_time"),
				Status:           get(rec, "status"),
			},
			BestStatus:       get(rec, "best_status"),
			SelectionSortKey: get(rec, "selection_sort_key"),
			SelectionFilters: get(rec, "selection_filters"),
		})
	}
	return out, nil
}
