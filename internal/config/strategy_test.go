package config

import "testing"

func TestStrategyForDefaults(t *testing.T) {
	cfg := &Config{}
	sc, err := cfg.StrategyFor("AAPL")
	if err != nil {
		t.Fatalf("StrategyFor() returned error: %v", err)
	}
	if sc.StopLossPct != 0.08 || sc.TakeProfitActivationPct != 0.20 {
		t.Errorf("stop/activation = %v/%v, want 0.08/0.20", sc.StopLossPct, sc.TakeProfitActivationPct)
	}
	if sc.TrailStopLowPct != 0.08 || sc.TrailStopHighPct != 0.17 || sc.HighProfitThresholdPct != 0.25 {
		t.Errorf("trail = %v/%v/%v, want 0.08/0.17/0.25",
			sc.TrailStopLowPct, sc.TrailStopHighPct, sc.HighProfitThresholdPct)
	}
	if !sc.UseMarketFilter {
		t.Error("UseMarketFilter = false, want true")
	}
	if len(sc.Tiers) == 0 {
		t.Error("expected default entry tiers")
	}
}

func TestStrategyForPerTickerDeepMerge(t *testing.T) {
	cfg := &Config{
		Strategy: map[string]any{
			"entry": map[string]any{
				"use_market_filter": true,
				"conf_thresholds": []any{
					map[string]any{"min_conf": 0.9, "buy_frac": 1.0},
				},
			},
			"exit": map[string]any{
				"stop_loss_pct":       0.08,
				"trail_stop_high_pct": 0.17,
			},
		},
		PerTicker: map[string]map[string]any{
			"NVDA": {
				"exit": map[string]any{"stop_loss_pct": 0.15},
			},
		},
	}

	nvda, err := cfg.StrategyFor("nvda")
	if err != nil {
		t.Fatalf("StrategyFor() returned error: %v", err)
	}
	if nvda.StopLossPct != 0.15 {
		t.Errorf("NVDA StopLossPct = %v, want 0.15", nvda.StopLossPct)
	}
	// Sibling keys under exit survive the override.
	if nvda.TrailStopHighPct != 0.17 {
		t.Errorf("NVDA TrailStopHighPct = %v, want 0.17", nvda.TrailStopHighPct)
	}
	if len(nvda.Tiers) != 1 || nvda.Tiers[0].MinConfidence != 0.9 {
		t.Errorf("NVDA Tiers = %+v, want single 0.9 tier", nvda.Tiers)
	}

	aapl, err := cfg.StrategyFor("AAPL")
	if err != nil {
		t.Fatalf("StrategyFor() returned error: %v", err)
	}
	if aapl.StopLossPct != 0.08 {
		t.Errorf("AAPL StopLossPct = %v, want 0.08", aapl.StopLossPct)
	}

	// The global section is not mutated by merging.
	exit := cfg.Strategy["exit"].(map[string]any)
	if exit["stop_loss_pct"] != 0.08 {
		t.Errorf("global stop_loss_pct = %v, want 0.08", exit["stop_loss_pct"])
	}
}

func TestDeepMergeReplacesLists(t *testing.T) {
	base := map[string]any{"a": []any{1, 2, 3}, "b": map[string]any{"x": 1}}
	over := map[string]any{"a": []any{9}, "b": map[string]any{"y": 2}}
	got := deepMerge(base, over)

	if l := got["a"].([]any); len(l) != 1 || l[0] != 9 {
		t.Errorf("a = %v, want [9]", l)
	}
	b := got["b"].(map[string]any)
	if b["x"] != 1 || b["y"] != 2 {
		t.Errorf("b = %v, want map[x:1 y:2]", b)
	}
}
