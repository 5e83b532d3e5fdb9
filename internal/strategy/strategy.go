// Package strategy defines the decision Policy interface consumed by the
// backtest engine and a Registry of artifact loaders keyed by file
// extension.
package strategy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"stockagent/internal/domain"
)

// ErrUnsupportedFormat is returned when no loader is registered for an
// artifact's extension.
var ErrUnsupportedFormat = errors.New("unsupported model format")

// Policy is a trained decision model. Evaluate must be deterministic for a
// given feature vector and return a confidence in [0, 1] for the buy
// action.
type Policy interface {
	// Name identifies the model family, e.g. "logistic".
	Name() string

	// Evaluate maps one bar's feature vector to an action and the model's
	// buy probability.
	Evaluate(features []float64) (domain.Action, float64, error)
}

// FeatureNamer is implemented by policies that record the ordered feature
// columns they were trained on.
type FeatureNamer interface {
	FeatureNames() []string
}

// Loader opens a model artifact at path.
type Loader func(path string) (Policy, error)

// Registry maps lower-case file extensions (with the leading dot) to
// artifact loaders.
type Registry struct {
	loaders map[string]Loader
}

// NewRegistry creates an empty loader Registry.
func NewRegistry() *Registry {
	return &Registry{
		loaders: make(map[string]Loader),
	}
}

// Register adds a loader for ext, replacing any previous one.
func (r *Registry) Register(ext string, l Loader) {
	r.loaders[normalizeExt(ext)] = l
}

// Get retrieves the loader for ext. The second return value indicates
// whether one was found.
func (r *Registry) Get(ext string) (Loader, bool) {
	l, ok := r.loaders[normalizeExt(ext)]
	return l, ok
}

// List returns a sorted slice of all registered extensions.
func (r *Registry) List() []string {
	exts := make([]string, 0, len(r.loaders))
	for ext := range r.loaders {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Load opens the artifact at path with the loader registered for its
// extension. A missing file wraps domain.ErrModelNotFound.
func (r *Registry) Load(path string) (Policy, error) {
	if path == "" {
		return nil, fmt.Errorf("empty model path: %w", domain.ErrModelNotFound)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, domain.ErrModelNotFound)
		}
		return nil, err
	}

	ext := filepath.Ext(path)
	l, ok := r.Get(ext)
	if !ok {
		return nil, fmt.Errorf("%s (%q): %w", path, ext, ErrUnsupportedFormat)
	}
	p, err := l(path)
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", path, err)
	}
	return p, nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
