package registry

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Run directory members.
const (
	ManifestFile = "manifest.json"
	ConfigFile   = "config.yaml"
	MetricsFile  = "metrics.json"
)

// fallbackArtifacts are checkpoint names that stand in for a missing final
// artifact.
var fallbackArtifacts = []string{"best.zip", "last.zip"}

// manifest is the subset of manifest.json the registry reads.
type manifest struct {
	PerTickerFinalPaths map[string]any `json:"per_ticker_final_paths"`
	BaseFinalPath       any            `json:"base_final_path"`
	GitCommit           any            `json:"git_commit"`
	StartTime           any            `json:"start_time"`
	EndTime             any            `json:"end_time"`
}

// runConfig is the subset of config.yaml the registry reads.
type runConfig struct {
	Label struct {
		HorizonDays any `yaml:"horizon_days"`
		Threshold   any `yaml:"threshold"`
	} `yaml:"label"`
}

// runMetrics is the layout of metrics.json.
type runMetrics struct {
	PerTicker map[string]map[string]any `json:"per_ticker"`
	Overall   map[string]any            `json:"overall"`
}

// Scan reads every run directory directly under runsDir, in name order, and
// flattens them into rows. A missing runsDir yields no rows. When
// includeIncomplete is set, runs and tickers lacking a manifest or metrics
// still produce rows tagged with a MISSING_* status.
func Scan(runsDir string, includeIncomplete bool) ([]Row, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("runs directory does not exist", "runs_dir", runsDir)
			return nil, nil
		}
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	slog.Info("scanning runs", "runs_dir", runsDir, "count", len(dirs))

	var rows []Row
	for _, name := range dirs {
		rows = append(rows, ScanRun(filepath.Join(runsDir, name), includeIncomplete)...)
	}
	return rows, nil
}

// ScanRun flattens one run directory: one finetune row per ticker artifact
// and a base/ALL row when a base artifact is listed. Unreadable files are
// treated as absent.
func ScanRun(runDir string, includeIncomplete bool) []Row {
	runID := filepath.Base(runDir)

	var man manifest
	if !readJSON(filepath.Join(runDir, ManifestFile), &man) {
		if includeIncomplete {
			return []Row{{RunID: runID, Status: StatusMissingManifest}}
		}
		return nil
	}

	var cfg runConfig
	readYAML(filepath.Join(runDir, ConfigFile), &cfg)

	var met runMetrics
	readJSON(filepath.Join(runDir, MetricsFile), &met)

	base := Row{
		RunID:            runID,
		LabelHorizonDays: parseInt(cfg.Label.HorizonDays),
		LabelThreshold:   parseFloat(cfg.Label.Threshold),
		ConfigPath:       filepath.Join(runDir, ConfigFile),
		MetricsPath:      filepath.Join(runDir, MetricsFile),
		ManifestPath:     filepath.Join(runDir, ManifestFile),
		GitCommit:        parseString(man.GitCommit),
		StartTime:        parseString(man.StartTime),
		EndTime:          parseString(man.EndTime),
	}

	tickers := make([]string, 0, len(man.PerTickerFinalPaths))
	for t := range man.PerTickerFinalPaths {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	var rows []Row
	for _, t := range tickers {
		m, ok := met.PerTicker[t]
		if !ok && !includeIncomplete {
			continue
		}
		rows = append(rows, makeRow(base, runDir, ModeFinetune, t,
			parseString(man.PerTickerFinalPaths[t]), m, ok))
	}

	if basePath := parseString(man.BaseFinalPath); basePath != "" {
		if met.Overall != nil || includeIncomplete {
			rows = append(rows, makeRow(base, runDir, ModeBase, TickerAll,
				basePath, met.Overall, met.Overall != nil))
		}
	}
	return rows
}

func makeRow(base Row, runDir, mode, ticker, modelPath string, metrics map[string]any, hasMetrics bool) Row {
	r := base
	r.Mode = mode
	r.Ticker = ticker
	r.ModelFinalPath = modelPath
	if hasMetrics {
		r.applyMetrics(metrics)
		r.Status = ModelStatus(modelPath, runDir)
	} else {
		r.Status = StatusMissingMetrics
	}
	return r
}

// ModelStatus classifies an artifact path. Relative paths resolve against
// the parent of the runs root (runDir/../..).
func ModelStatus(modelPath, runDir string) string {
	if modelPath == "" {
		return StatusMissingModel
	}
	p := ArtifactPath(modelPath, runDir)
	if fileExists(p) {
		return StatusReady
	}
	parent := filepath.Dir(p)
	for _, name := range fallbackArtifacts {
		if fileExists(filepath.Join(parent, name)) {
			return StatusNoFinal
		}
	}
	return StatusMissingModel
}

// ArtifactPath resolves a manifest artifact path for runDir.
func ArtifactPath(modelPath, runDir string) string {
	if filepath.IsAbs(modelPath) {
		return modelPath
	}
	return filepath.Join(filepath.Dir(filepath.Dir(runDir)), modelPath)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func readJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("unreadable run file", "path", path, "error", err)
		return false
	}
	return true
}

func readYAML(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		slog.Warn("unreadable run file", "path", path, "error", err)
		return false
	}
	return true
}
