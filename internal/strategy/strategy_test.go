package strategy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"stockagent/internal/domain"
)

// stubPolicy is a minimal Policy implementation used in registry tests.
type stubPolicy struct {
	name string
}

func (s *stubPolicy) Name() string { return s.name }
func (s *stubPolicy) Evaluate(_ []float64) (domain.Action, float64, error) {
	return domain.ActionHold, 0, nil
}

func stubLoader(name string) Loader {
	return func(string) (Policy, error) { return &stubPolicy{name: name}, nil }
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("JSON", stubLoader("stub"))

	l, ok := r.Get(".json")
	if !ok {
		t.Fatal("Get returned false for registered extension")
	}
	p, err := l("x.json")
	if err != nil || p.Name() != "stub" {
		t.Errorf("loader returned (%v, %v), want stub policy", p, err)
	}
}

func TestRegistryGet_NotFound(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get(".onnx"); ok {
		t.Error("Get returned true for unregistered extension")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register(".zip", stubLoader("a"))
	r.Register(".json", stubLoader("b"))

	exts := r.List()
	if len(exts) != 2 {
		t.Fatalf("List returned %d extensions, want 2", len(exts))
	}
	if exts[0] != ".json" || exts[1] != ".zip" {
		t.Errorf("List = %v, want [.json .zip]", exts)
	}
}

func TestRegistryLoad(t *testing.T) {
	r := NewRegistry()
	r.Register(".json", stubLoader("stub"))
	dir := t.TempDir()

	if _, err := r.Load(filepath.Join(dir, "missing.json")); !errors.Is(err, domain.ErrModelNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrModelNotFound", err)
	}
	if _, err := r.Load(""); !errors.Is(err, domain.ErrModelNotFound) {
		t.Errorf("Load(\"\") error = %v, want ErrModelNotFound", err)
	}

	onnx := filepath.Join(dir, "model.onnx")
	if err := os.WriteFile(onnx, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Load(onnx); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Load(.onnx) error = %v, want ErrUnsupportedFormat", err)
	}

	js := filepath.Join(dir, "model.json")
	if err := os.WriteFile(js, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := r.Load(js)
	if err != nil {
		t.Fatalf("Load(.json) error: %v", err)
	}
	if p.Name() != "stub" {
		t.Errorf("Name() = %q, want stub", p.Name())
	}
}
