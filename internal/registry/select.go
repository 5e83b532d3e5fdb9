package registry

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Sort presets.
const (
	PresetPrecisionFirst = "precision_first"
	PresetLiftFirst      = "lift_first"
)

// Criteria are the best-by-ticker filter thresholds and tie-break preset.
// Nil optional thresholds are disabled.
type Criteria struct {
	LiftMin         float64
	MinTP           int
	BuyRateMax      *float64
	MinPositiveRate *float64
	SortPreset      string
}

// DefaultCriteria returns lift >= 1.10, tp >= 30, precision_first.
func DefaultCriteria() Criteria {
	return Criteria{LiftMin: 1.10, MinTP: 30, SortPreset: PresetPrecisionFirst}
}

// Relaxed thresholds applied when no candidate passes the criteria.
const (
	relaxedLiftMin = 1.0
	relaxedMinTP   = 1
)

// SelectBestByTicker picks one row per ticker (sorted by ticker) among
// usable finetune rows. Rows passing every threshold are preferred and
// tagged PASS; otherwise rows with lift >= 1.0 and tp >= 1; otherwise any
// candidate. Non-PASS entries carry "NO_PASS: <failed thresholds>".
// Ties keep scan order.
func SelectBestByTicker(rows []Row, c Criteria) []BestEntry {
	less := comparator(c.SortPreset)
	filters := c.FiltersString()

	byTicker := map[string][]Row{}
	for _, r := range rows {
		if !r.Usable() || r.Ticker == TickerAll {
			continue
		}
		byTicker[r.Ticker] = append(byTicker[r.Ticker], r)
	}
	tickers := make([]string, 0, len(byTicker))
	for t := range byTicker {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	best := make([]BestEntry, 0, len(tickers))
	for _, t := range tickers {
		candidates := byTicker[t]

		var (
			chosen Row
			status string
		)
		if passed := filterRows(candidates, func(r Row) bool { return len(c.Failures(r)) == 0 }); len(passed) > 0 {
			chosen = first(passed, less)
			status = "PASS"
		} else {
			relaxed := filterRows(candidates, func(r Row) bool {
				return value(r.Lift, 0) >= relaxedLiftMin && intValue(r.TP, 0) >= relaxedMinTP
			})
			if len(relaxed) > 0 {
				chosen = first(relaxed, less)
			} else {
				chosen = first(candidates, less)
			}
			status = "NO_PASS"
			if reasons := c.Failures(chosen); len(reasons) > 0 {
				status = "NO_PASS: " + strings.Join(reasons, "; ")
			}
		}

		best = append(best, BestEntry{
			Row:              chosen,
			BestStatus:       status,
			SelectionSortKey: SortKeyString(chosen),
			SelectionFilters: filters,
		})
	}
	return best
}

// Failures lists the thresholds r does not meet, e.g. "lift<1.1". Missing
// values fail every threshold they are tested against.
func (c Criteria) Failures(r Row) []string {
	var reasons []string
	if r.Lift == nil || *r.Lift < c.LiftMin {
		reasons = append(reasons, "lift<"+floatString(c.LiftMin))
	}
	if r.TP == nil || *r.TP < c.MinTP {
		reasons = append(reasons, "tp<"+strconv.Itoa(c.MinTP))
	}
	if c.BuyRateMax != nil && (r.BuyRate == nil || *r.BuyRate > *c.BuyRateMax) {
		reasons = append(reasons, "buy_rate>"+floatString(*c.BuyRateMax))
	}
	if c.MinPositiveRate != nil && (r.PositiveRate == nil || *r.PositiveRate < *c.MinPositiveRate) {
		reasons = append(reasons, "positive_rate<"+floatString(*c.MinPositiveRate))
	}
	return reasons
}

// FiltersString renders the thresholds for the selection_filters column.
func (c Criteria) FiltersString() string {
	parts := []string{
		"lift_min=" + floatString(c.LiftMin),
		"min_tp=" + strconv.Itoa(c.MinTP),
	}
	if c.BuyRateMax != nil {
		parts = append(parts, "buy_rate_max="+floatString(*c.BuyRateMax))
	} else {
		parts = append(parts, "buy_rate_max=None")
	}
	if c.MinPositiveRate != nil {
		parts = append(parts, "min_positive_rate="+floatString(*c.MinPositiveRate))
	}
	return strings.Join(parts, "; ")
}

// SortKeyString renders the fields the presets sort on.
func SortKeyString(r Row) string {
	return fmt.Sprintf("precision=%s|lift=%s|buy_rate=%s|support=%s|tp=%s",
		fmt3(r.Precision), fmt3(r.Lift), fmt3(r.BuyRate), fmtInt(r.Support), fmtInt(r.TP))
}

// ---------------------------------------------------------------------------
// Sorting
// ---------------------------------------------------------------------------

type lessFunc func(a, b Row) bool

// comparator returns the strict ordering for preset; unknown presets fall
// back to precision_first. Missing values sort last in every direction.
func comparator(preset string) lessFunc {
	primary, secondary := func(r Row) float64 { return value(r.Precision, math.Inf(-1)) },
		func(r Row) float64 { return value(r.Lift, math.Inf(-1)) }
	if preset == PresetLiftFirst {
		primary, secondary = secondary, primary
	}
	return func(a, b Row) bool {
		if x, y := primary(a), primary(b); x != y {
			return x > y
		}
		if x, y := secondary(a), secondary(b); x != y {
			return x > y
		}
		if x, y := value(a.BuyRate, math.Inf(1)), value(b.BuyRate, math.Inf(1)); x != y {
			return x < y
		}
		return intValue(a.Support, math.MinInt) > intValue(b.Support, math.MinInt)
	}
}

func first(rows []Row, less lessFunc) Row {
	sorted := append([]Row(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	return sorted[0]
}

func filterRows(rows []Row, keep func(Row) bool) []Row {
	var out []Row
	for _, r := range rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func value(p *float64, missing float64) float64 {
	if p == nil {
		return missing
	}
	return *p
}

func intValue(p *int, missing int) int {
	if p == nil {
		return missing
	}
	return *p
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// floatString formats f in shortest form, always with a
// fractional part ("1.0", "1.1", "0.35").
func floatString(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

func fmt3(p *float64) string {
	if p == nil {
		return "N/A"
	}
	return strconv.FormatFloat(*p, 'f', 3, 64)
}

func fmtInt(p *int) string {
	if p == nil {
		return "N/A"
	}
	return strconv.Itoa(*p)
}
