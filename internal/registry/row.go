// Package registry indexes completed training runs into per-ticker model
// rows and selects the best model for each ticker.
package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"stockagent/internal/util"
)

// Row statuses.
const (
	StatusReady           = "READY"
	StatusNoFinal         = "NO_FINAL"
	StatusMissingModel    = "MISSING_MODEL"
	StatusMissingMetrics  = "MISSING_METRICS"
	StatusMissingManifest = "MISSING_MANIFEST"
)

// Modes and the pseudo-ticker of base rows.
const (
	ModeFinetune = "finetune"
	ModeBase     = "base"
	TickerAll    = "ALL"
)

// ModelRowKeys is the column order of registry_models outputs.
var ModelRowKeys = []string{
	"run_id", "mode", "ticker",
	"label_horizon_days", "label_threshold",
	"precision", "recall", "f1", "accuracy",
	"buy_rate", "positive_rate", "lift",
	"tp", "fp", "tn", "fn", "support",
	"model_final_path",
	"config_path", "metrics_path", "manifest_path",
	"git_commit", "start_time", "end_time",
	"status",
}

// BestRowKeys is the column order of registry_best_by_ticker outputs.
var BestRowKeys = append(append([]string{}, ModelRowKeys...),
	"best_status", "selection_sort_key", "selection_filters")

// Row is one (run, mode, ticker) model entry. Nil numeric fields are
// absent or unparseable in the source files.
type Row struct {
	RunID            string   `json:"run_id"`
	Mode             string   `json:"mode"`
	Ticker           string   `json:"ticker"`
	LabelHorizonDays *int     `json:"label_horizon_days"`
	LabelThreshold   *float64 `json:"label_threshold"`

	Precision    *float64 `json:"precision"`
	Recall       *float64 `json:"recall"`
	F1           *float64 `json:"f1"`
	Accuracy     *float64 `json:"accuracy"`
	BuyRate      *float64 `json:"buy_rate"`
	PositiveRate *float64 `json:"positive_rate"`
	Lift         *float64 `json:"lift"`
	TP           *int     `json:"tp"`
	FP           *int     `json:"fp"`
	TN           *int     `json:"tn"`
	FN           *int     `json:"fn"`
	Support      *int     `json:"support"`

	ModelFinalPath string `json:"model_final_path"`
	ConfigPath     string `json:"config_path"`
	MetricsPath    string `json:"metrics_path"`
	ManifestPath   string `json:"manifest_path"`
	GitCommit      string `json:"git_commit"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	Status         string `json:"status"`
}

// BestEntry is the row chosen for a ticker plus its selection audit trail.
type BestEntry struct {
	Row
	BestStatus       string `json:"best_status"`
	SelectionSortKey string `json:"selection_sort_key"`
	SelectionFilters string `json:"selection_filters"`
}

// Usable reports whether the row may be picked by selection.
func (r Row) Usable() bool {
	return r.Lift != nil && r.Precision != nil &&
		(r.Status == StatusReady || r.Status == StatusNoFinal)
}

// applyMetrics copies a metrics block into r and derives lift. It panics
// when the confusion counts do not add up to support, which indicates a
// bug in whatever produced the metrics.
func (r *Row) applyMetrics(m map[string]any) {
	r.Precision = parseFloat(m["precision"])
	r.Recall = parseFloat(m["recall"])
	r.F1 = parseFloat(m["f1"])
	r.Accuracy = parseFloat(m["accuracy"])
	r.BuyRate = parseFloat(m["buy_rate"])
	r.PositiveRate = parseFloat(m["positive_rate"])
	r.TP = parseInt(m["tp"])
	r.FP = parseInt(m["fp"])
	r.TN = parseInt(m["tn"])
	r.FN = parseInt(m["fn"])
	r.Support = parseInt(m["support"])
	r.Lift = Lift(r.Precision, r.PositiveRate)

	checkConfusion(r)
}

// Lift is precision/positive_rate rounded to 6 places, or nil when either
// is missing or positive_rate is not positive.
func Lift(precision, positiveRate *float64) *float64 {
	if precision == nil || positiveRate == nil || *positiveRate <= 0 {
		return nil
	}
	v := util.Round(*precision / *positiveRate, 6)
	return &v
}

func checkConfusion(r *Row) {
	if r.TP == nil || r.FP == nil || r.TN == nil || r.FN == nil || r.Support == nil {
		return
	}
	if sum := *r.TP + *r.FP + *r.TN + *r.FN; sum != *r.Support {
		panic(fmt.Sprintf("registry: run %s ticker %s: tp+fp+tn+fn = %d, support = %d",
			r.RunID, r.Ticker, sum, *r.Support))
	}
}

// ---------------------------------------------------------------------------
// Lenient scalar parsing
// ---------------------------------------------------------------------------

// parseFloat accepts JSON/YAML numbers and numeric strings. Anything else,
// including NaN and infinities, yields nil.
func parseFloat(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		x, err := t.Float64()
		if err != nil {
			return nil
		}
		f = x
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = x
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// parseInt accepts integral numbers (30 or 30.0) and numeric strings.
func parseInt(v any) *int {
	f := parseFloat(v)
	if f == nil || *f != math.Trunc(*f) {
		return nil
	}
	i := int(*f)
	return &i
}

// parseString renders scalars as text; nil stays empty.
func parseString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
