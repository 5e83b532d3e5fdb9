// Package builtins provides the decision model formats that ship with
// stockagent.
package builtins

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path"

	"stockagent/internal/domain"
	"stockagent/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.Policy       = (*Logistic)(nil)
	_ strategy.FeatureNamer = (*Logistic)(nil)
)

// ZipEntry is the artifact member holding the model inside a .zip bundle.
const ZipEntry = "policy.json"

// Logistic is a logistic-regression buy classifier. The confidence is
// sigmoid(w·x + b); the action is Buy when it reaches Threshold.
type Logistic struct {
	Weights   []float64 `json:"weights"`
	Bias      float64   `json:"bias"`
	Threshold float64   `json:"threshold"`
	Features  []string  `json:"features,omitempty"`
}

// Name returns "logistic".
func (m *Logistic) Name() string {
	return "logistic"
}

// FeatureNames returns the training column order, or nil when the artifact
// does not record one.
func (m *Logistic) FeatureNames() []string {
	return m.Features
}

// Evaluate scores one feature vector.
func (m *Logistic) Evaluate(features []float64) (domain.Action, float64, error) {
	if len(features) != len(m.Weights) {
		return domain.ActionHold, 0, fmt.Errorf("feature count mismatch: model has %d weights, got %d",
			len(m.Weights), len(features))
	}

	z := m.Bias
	for i, x := range features {
		z += m.Weights[i] * x
	}
	conf := sigmoid(z)
	if conf >= m.Threshold {
		return domain.ActionBuy, conf, nil
	}
	return domain.ActionHold, conf, nil
}

// sigmoid with z clamped to avoid overflow.
func sigmoid(z float64) float64 {
	if z > 20 {
		return 1.0
	}
	if z < -20 {
		return 0.0
	}
	return 1.0 / (1.0 + math.Exp(-z))
}

// ---------------------------------------------------------------------------
// Loading and saving
// ---------------------------------------------------------------------------

// LoadLogisticJSON reads a logistic model from a JSON file.
func LoadLogisticJSON(p string) (strategy.Policy, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := decodeLogistic(f)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LoadLogisticZip reads a logistic model stored as ZipEntry inside a .zip
// bundle, the layout training runs produce for final/best/last artifacts.
func LoadLogisticZip(p string) (strategy.Policy, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("opening bundle: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if path.Base(f.Name) != ZipEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		defer rc.Close()

		m, err := decodeLogistic(rc)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("bundle has no %s", ZipEntry)
}

func decodeLogistic(r io.Reader) (*Logistic, error) {
	m := &Logistic{Threshold: 0.5}
	if err := json.NewDecoder(r).Decode(m); err != nil {
		return nil, fmt.Errorf("decoding logistic model: %w", err)
	}
	if len(m.Weights) == 0 {
		return nil, fmt.Errorf("logistic model has no weights")
	}
	return m, nil
}

// Save writes the model as indented JSON.
func (m *Logistic) Save(p string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling model: %w", err)
	}
	return os.WriteFile(p, data, 0o644)
}

// SaveZip writes the model as a single-entry .zip bundle.
func (m *Logistic) SaveZip(p string) error {
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create(ZipEntry)
	if err != nil {
		f.Close()
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// NewRegistry returns a strategy.Registry with every built-in format
// registered.
func NewRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	r.Register(".json", LoadLogisticJSON)
	r.Register(".zip", LoadLogisticZip)
	return r
}
