package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the stockagent pipeline.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Logging  Logging        `yaml:"logging"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Gather   GatherConfig   `yaml:"gather"`
	Backtest BacktestConfig `yaml:"backtest"`
	Model    ModelConfig    `yaml:"model"`
	Registry RegistryConfig `yaml:"registry"`

	// Strategy and PerTicker are kept as raw YAML maps so a per-ticker
	// override can be deep-merged over the global strategy before decoding.
	Strategy  map[string]any            `yaml:"strategy"`
	PerTicker map[string]map[string]any `yaml:"per_ticker"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	BaseURL   string `yaml:"base_url"`
	Feed      string `yaml:"feed"`
}

// GatherConfig controls daily bar downloads.
type GatherConfig struct {
	StartDate       string `yaml:"start_date"`
	BatchSize       int    `yaml:"batch_size"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	MaxAttempts     int    `yaml:"max_attempts"`

	// Aliases maps a stored symbol to the symbol requested from the API,
	// for series such as ^IXIC that Alpaca does not serve directly.
	Aliases map[string]string `yaml:"aliases"`
}

// BacktestConfig defines the simulated period, cash schedule, and ticker
// universe.
type BacktestConfig struct {
	Start              string   `yaml:"start"`
	End                string   `yaml:"end"`
	InitialCash        float64  `yaml:"initial_cash"`
	YearlyContribution float64  `yaml:"yearly_contribution"`
	Benchmark          string   `yaml:"benchmark"`
	Tickers            []string `yaml:"tickers"`
	MaxWorkers         int      `yaml:"max_workers"`
	OutDir             string   `yaml:"out_dir"`
}

// ModelConfig selects how each ticker's decision model is resolved.
type ModelConfig struct {
	Mode             string `yaml:"mode"`
	RegistryBestPath string `yaml:"registry_best_path"`
}

// RegistryConfig holds the registry scan location and best-by-ticker
// selection policy.
type RegistryConfig struct {
	RunsDir           string   `yaml:"runs_dir"`
	OutDir            string   `yaml:"out_dir"`
	LiftMin           float64  `yaml:"lift_min"`
	MinTP             int      `yaml:"min_tp"`
	BuyRateMax        *float64 `yaml:"buy_rate_max"`
	MinPositiveRate   *float64 `yaml:"min_positive_rate"`
	SortPreset        string   `yaml:"sort_preset"`
	IncludeIncomplete bool     `yaml:"include_incomplete"`
	Format            string   `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into
// a Config, fills defaults, and then applies environment overrides.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is Load with dotted key=value overrides (for example
// "backtest.start=2020-01-01" or "strategy.exit.stop_loss_pct=0.1")
// applied to the raw document before decoding. Values are parsed as YAML
// scalars.
func LoadWithOverrides(path string, sets []string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	for _, kv := range sets {
		if err := applySet(raw, kv); err != nil {
			return nil, err
		}
	}

	merged, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(merged, cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from the given .env files (default
// ".env") into the process environment. Missing files are ignored;
// variables already set are not overwritten.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// applySet sets a dotted key in the raw document, creating intermediate
// maps as needed.
func applySet(raw map[string]any, kv string) error {
	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		return fmt.Errorf("invalid override %q, expected key=value", kv)
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(strings.TrimSpace(value)), &parsed); err != nil {
		return fmt.Errorf("parsing override %q: %w", kv, err)
	}

	parts := strings.Split(strings.TrimSpace(key), ".")
	cur := raw
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = parsed
	return nil
}

// applyDefaults fills zero-valued fields with the pipeline's defaults.
func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/stockagent.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Gather.Aliases == nil {
		cfg.Gather.Aliases = map[string]string{"^IXIC": "QQQ"}
	}
	if cfg.Gather.StartDate == "" {
		cfg.Gather.StartDate = "2000-01-01"
	}
	if cfg.Gather.BatchSize <= 0 {
		cfg.Gather.BatchSize = 50
	}
	if cfg.Gather.MaxAttempts <= 0 {
		cfg.Gather.MaxAttempts = 3
	}
	if cfg.Backtest.InitialCash == 0 {
		cfg.Backtest.InitialCash = 2400
	}
	if cfg.Backtest.YearlyContribution == 0 {
		cfg.Backtest.YearlyContribution = 2400
	}
	if cfg.Backtest.Benchmark == "" {
		cfg.Backtest.Benchmark = "^IXIC"
	}
	if cfg.Backtest.MaxWorkers <= 0 {
		cfg.Backtest.MaxWorkers = 4
	}
	if cfg.Backtest.OutDir == "" {
		cfg.Backtest.OutDir = "backtests"
	}
	if cfg.Model.Mode == "" {
		cfg.Model.Mode = "finetune"
	}
	if cfg.Model.RegistryBestPath == "" {
		cfg.Model.RegistryBestPath = "reports/registry/registry_best_by_ticker.json"
	}
	if cfg.Registry.RunsDir == "" {
		cfg.Registry.RunsDir = "runs"
	}
	if cfg.Registry.OutDir == "" {
		cfg.Registry.OutDir = "reports/registry"
	}
	if cfg.Registry.LiftMin == 0 {
		cfg.Registry.LiftMin = 1.10
	}
	if cfg.Registry.MinTP == 0 {
		cfg.Registry.MinTP = 30
	}
	if cfg.Registry.SortPreset == "" {
		cfg.Registry.SortPreset = "precision_first"
	}
	if cfg.Registry.Format == "" {
		cfg.Registry.Format = "both"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("RUNS_DIR"); v != "" {
		cfg.Registry.RunsDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	// Standard Alpaca env vars take priority (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
