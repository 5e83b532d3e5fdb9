package builtins

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"stockagent/internal/domain"
	"stockagent/internal/strategy"
)

func TestLogisticEvaluate(t *testing.T) {
	m := &Logistic{Weights: []float64{1, -1}, Bias: 0, Threshold: 0.6}

	action, conf, err := m.Evaluate([]float64{2, 0})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	want := 1 / (1 + math.Exp(-2))
	if math.Abs(conf-want) > 1e-12 {
		t.Errorf("confidence = %v, want %v", conf, want)
	}
	if action != domain.ActionBuy {
		t.Errorf("action = %v, want BUY", action)
	}

	action, conf, _ = m.Evaluate([]float64{0, 0})
	if action != domain.ActionHold || conf != 0.5 {
		t.Errorf("Evaluate(0,0) = %v, %v, want WAIT, 0.5", action, conf)
	}

	if _, _, err := m.Evaluate([]float64{1}); err == nil {
		t.Error("expected feature count mismatch error")
	}
}

func TestSigmoidClamp(t *testing.T) {
	if sigmoid(50) != 1 || sigmoid(-50) != 0 {
		t.Errorf("sigmoid clamp = %v, %v, want 1, 0", sigmoid(50), sigmoid(-50))
	}
}

func TestRegistryLoadsJSONAndZip(t *testing.T) {
	dir := t.TempDir()
	m := &Logistic{Weights: []float64{0.5, 0.25}, Bias: -0.1, Threshold: 0.55, Features: []string{"rsi", "ret_5"}}

	jsPath := filepath.Join(dir, "final.json")
	if err := m.Save(jsPath); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	zipPath := filepath.Join(dir, "final.zip")
	if err := m.SaveZip(zipPath); err != nil {
		t.Fatalf("SaveZip() error: %v", err)
	}

	r := NewRegistry()
	for _, p := range []string{jsPath, zipPath} {
		pol, err := r.Load(p)
		if err != nil {
			t.Fatalf("Load(%s) error: %v", p, err)
		}
		if pol.Name() != "logistic" {
			t.Errorf("Name() = %q, want logistic", pol.Name())
		}
		_, gotConf, _ := pol.Evaluate([]float64{1, 1})
		_, wantConf, _ := m.Evaluate([]float64{1, 1})
		if gotConf != wantConf {
			t.Errorf("%s: confidence = %v, want %v", p, gotConf, wantConf)
		}
		fn, ok := pol.(strategy.FeatureNamer)
		if !ok {
			t.Fatalf("%s: policy does not expose feature names", p)
		}
		if names := fn.FeatureNames(); len(names) != 2 || names[0] != "rsi" || names[1] != "ret_5" {
			t.Errorf("%s: FeatureNames() = %v, want [rsi ret_5]", p, names)
		}
	}

	if _, err := r.Load(filepath.Join(dir, "absent.zip")); !errors.Is(err, domain.ErrModelNotFound) {
		t.Errorf("Load(absent) error = %v, want ErrModelNotFound", err)
	}
}

func TestDecodeRejectsEmptyWeights(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "empty.json")
	if err := (&Logistic{}).Save(p); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadLogisticJSON(p); err == nil {
		t.Error("expected error for model without weights")
	}
}
