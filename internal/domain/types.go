// Package domain defines the core value types shared across stockagent:
// price bars, feature rows, strategy parameters, positions, trades, and
// equity snapshots.
package domain

import (
	"math"
	"sort"
	"time"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a single daily OHLCV record. Date is the trading day at UTC
// midnight.
type Bar struct {
	Symbol string
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// FeatureRow is the feature vector for one trading day, aligned 1:1 with
// the Bar of the same date. A NaN value marks an undefined feature.
type FeatureRow struct {
	Date   time.Time
	Values []float64
}

// HasUndefined reports whether any value in the row is NaN or infinite.
func (r FeatureRow) HasUndefined() bool {
	for _, v := range r.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Decision model output
// ---------------------------------------------------------------------------

// Action is the decision model's discrete output for a bar.
type Action int

const (
	ActionHold Action = 0
	ActionBuy  Action = 1
)

// String returns "BUY" or "WAIT".
func (a Action) String() string {
	if a == ActionBuy {
		return "BUY"
	}
	return "WAIT"
}

// EntryType records which market-filter branch admitted (or blocked) an
// entry.
type EntryType string

const (
	EntryNoFilter   EntryType = "no_filter"
	EntryBullMarket EntryType = "bull_market"
	EntryBreakout   EntryType = "breakout"
	EntryBlocked    EntryType = "blocked"
)

// ExitReason is the rule that closed a position.
type ExitReason string

const (
	ExitHardStop     ExitReason = "Hard Stop"
	ExitTrailingStop ExitReason = "Trailing Stop"
)

// InjectionKind tags a capital injection.
type InjectionKind string

const (
	InjectionInitial InjectionKind = "initial"
	InjectionYearly  InjectionKind = "yearly"
)

// ---------------------------------------------------------------------------
// Strategy parameters
// ---------------------------------------------------------------------------

// EntryTier maps a minimum model confidence to the fraction of available
// cash committed to a new position.
type EntryTier struct {
	MinConfidence float64 `yaml:"min_conf" json:"min_conf"`
	BuyFraction   float64 `yaml:"buy_frac" json:"buy_frac"`
}

// StrategyConfig holds the immutable per-run entry and exit parameters.
type StrategyConfig struct {
	Tiers                   []EntryTier
	UseMarketFilter         bool
	MinDaysBetweenEntries   int
	StopLossPct             float64
	TakeProfitActivationPct float64
	TrailStopLowPct         float64
	TrailStopHighPct        float64
	HighProfitThresholdPct  float64
}

// SortedTiers returns a copy of the entry tiers ordered by descending
// minimum confidence. Input order is never trusted.
func (c StrategyConfig) SortedTiers() []EntryTier {
	out := make([]EntryTier, len(c.Tiers))
	copy(out, c.Tiers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MinConfidence > out[j].MinConfidence
	})
	return out
}

// BuyFraction returns the fraction of the first tier (in descending
// confidence order) whose threshold the confidence meets, together with
// that tier. It returns 0 when no tier matches.
func (c StrategyConfig) BuyFraction(confidence float64) (float64, EntryTier, bool) {
	for _, t := range c.SortedTiers() {
		if confidence >= t.MinConfidence {
			return t.BuyFraction, t, true
		}
	}
	return 0, EntryTier{}, false
}

// TrailBand returns the trailing-stop drawdown band applicable to a
// position whose best return so far is hiRet.
func (c StrategyConfig) TrailBand(hiRet float64) float64 {
	if hiRet >= c.HighProfitThresholdPct {
		return c.TrailStopHighPct
	}
	return c.TrailStopLowPct
}

// ---------------------------------------------------------------------------
// Simulation state
// ---------------------------------------------------------------------------

// Position is one open lot. HighestPrice never decreases and never falls
// below BuyPrice.
type Position struct {
	Shares       float64   `json:"shares"`
	BuyPrice     float64   `json:"buy_price"`
	BuyDate      time.Time `json:"buy_date"`
	Cost         float64   `json:"cost"`
	HighestPrice float64   `json:"highest_price"`
	Confidence   float64   `json:"confidence"`
	EntryType    EntryType `json:"entry_type"`
}

// Trade is an immutable record of a closed position.
type Trade struct {
	EntryDate  time.Time  `json:"buy_date"`
	EntryPrice float64    `json:"buy_price"`
	ExitDate   time.Time  `json:"sell_date"`
	ExitPrice  float64    `json:"sell_price"`
	Shares     float64    `json:"shares"`
	Cost       float64    `json:"cost"`
	Proceeds   float64    `json:"sell_value"`
	Return     float64    `json:"return"`
	Profit     float64    `json:"profit"`
	HoldDays   int        `json:"hold_days"`
	ExitReason ExitReason `json:"exit_reason"`
	EntryType  EntryType  `json:"entry_type"`
	Confidence float64    `json:"confidence"`
}

// EquityPoint is the pre-trade portfolio snapshot for one simulated bar.
type EquityPoint struct {
	Date          time.Time `json:"date"`
	Value         float64   `json:"value"`
	Cash          float64   `json:"capital"`
	PositionValue float64   `json:"position_value"`
}

// Injection is one entry in the capital injection log.
type Injection struct {
	Date   time.Time     `json:"date"`
	Amount float64       `json:"amount"`
	Kind   InjectionKind `json:"type"`
}
