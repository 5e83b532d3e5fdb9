package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"stockagent/internal/domain"
)

// strategyDoc mirrors the strategy section of the YAML document.
type strategyDoc struct {
	Entry struct {
		ConfThresholds        []domain.EntryTier `yaml:"conf_thresholds"`
		UseMarketFilter       bool               `yaml:"use_market_filter"`
		MinDaysBetweenEntries int                `yaml:"min_days_between_entries"`
	} `yaml:"entry"`
	Exit struct {
		StopLossPct             float64 `yaml:"stop_loss_pct"`
		TakeProfitActivationPct float64 `yaml:"take_profit_activation_pct"`
		TrailStopLowPct         float64 `yaml:"trail_stop_low_pct"`
		TrailStopHighPct        float64 `yaml:"trail_stop_high_pct"`
		HighProfitThresholdPct  float64 `yaml:"high_profit_threshold_pct"`
	} `yaml:"exit"`
}

func defaultStrategyDoc() strategyDoc {
	var d strategyDoc
	d.Entry.ConfThresholds = []domain.EntryTier{
		{MinConfidence: 0.80, BuyFraction: 1.00},
		{MinConfidence: 0.70, BuyFraction: 0.50},
		{MinConfidence: 0.60, BuyFraction: 0.25},
	}
	d.Entry.UseMarketFilter = true
	d.Exit.StopLossPct = 0.08
	d.Exit.TakeProfitActivationPct = 0.20
	d.Exit.TrailStopLowPct = 0.08
	d.Exit.TrailStopHighPct = 0.17
	d.Exit.HighProfitThresholdPct = 0.25
	return d
}

// StrategyFor returns the effective strategy for ticker: the global
// strategy section with the matching per_ticker override deep-merged on
// top. Ticker lookup is case-insensitive. Keys missing from both take the
// built-in defaults.
func (c *Config) StrategyFor(ticker string) (domain.StrategyConfig, error) {
	merged := deepMerge(c.Strategy, c.TickerOverride(ticker))

	data, err := yaml.Marshal(merged)
	if err != nil {
		return domain.StrategyConfig{}, fmt.Errorf("encoding strategy for %s: %w", ticker, err)
	}

	doc := defaultStrategyDoc()
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.StrategyConfig{}, fmt.Errorf("decoding strategy for %s: %w", ticker, err)
	}

	return doc.toDomain(), nil
}

// EffectiveStrategy returns the merged raw strategy document for ticker.
// It is what gets hashed into the run id and persisted with run artifacts.
func (c *Config) EffectiveStrategy(ticker string) map[string]any {
	return deepMerge(c.Strategy, c.TickerOverride(ticker))
}

// TickerOverride returns the per_ticker section for ticker, matched
// case-insensitively, or nil.
func (c *Config) TickerOverride(ticker string) map[string]any {
	if o, ok := c.PerTicker[ticker]; ok {
		return o
	}
	for k, o := range c.PerTicker {
		if strings.EqualFold(k, ticker) {
			return o
		}
	}
	return nil
}

func (d strategyDoc) toDomain() domain.StrategyConfig {
	return domain.StrategyConfig{
		Tiers:                   d.Entry.ConfThresholds,
		UseMarketFilter:         d.Entry.UseMarketFilter,
		MinDaysBetweenEntries:   d.Entry.MinDaysBetweenEntries,
		StopLossPct:             d.Exit.StopLossPct,
		TakeProfitActivationPct: d.Exit.TakeProfitActivationPct,
		TrailStopLowPct:         d.Exit.TrailStopLowPct,
		TrailStopHighPct:        d.Exit.TrailStopHighPct,
		HighProfitThresholdPct:  d.Exit.HighProfitThresholdPct,
	}
}

// deepMerge returns a new map holding base with override applied on top.
// Nested maps merge recursively; any other override value (lists
// included) replaces the base value. Neither input is modified.
func deepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, v := range override {
		bm, bok := out[k].(map[string]any)
		om, ook := v.(map[string]any)
		if bok && ook {
			out[k] = deepMerge(bm, om)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepMerge(t, nil)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
