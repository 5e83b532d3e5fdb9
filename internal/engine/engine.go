// Package engine runs backtests for many tickers concurrently: model
// resolution, data loading, simulation, benchmark comparison, reports, and
// the run index.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"stockagent/internal/backtest"
	"stockagent/internal/config"
	"stockagent/internal/domain"
	"stockagent/internal/registry"
	"stockagent/internal/report"
	"stockagent/internal/store"
	"stockagent/internal/strategy"
	"stockagent/internal/util"
)

// WarmupDays is the calendar history loaded before the start date so the
// 120-bar benchmark average and the breakout channel are defined from the
// first simulated bar.
const WarmupDays = 250

// PolicyLoader opens a decision policy artifact.
type PolicyLoader interface {
	Load(path string) (strategy.Policy, error)
}

// Options control a multi-ticker run.
type Options struct {
	// Mode selects finetune or base registry entries.
	Mode string
	// ModelPath overrides registry resolution for every ticker.
	ModelPath string
	// BaseDir anchors relative registry artifact paths.
	BaseDir string
	// DryRun resolves models and run ids without simulating.
	DryRun bool
}

// TickerResult is the outcome of one successful ticker run.
type TickerResult struct {
	Ticker    string
	RunID     string
	OutDir    string
	Selection registry.Selection
	Result    *backtest.Result
	Benchmark *backtest.BenchmarkResult
	Files     []string
}

// TickerError records why a ticker failed. It unwraps to the cause, so
// errors.Is(err, domain.ErrModelNotFound) distinguishes missing models.
type TickerError struct {
	Ticker string
	Err    error
}

func (e *TickerError) Error() string { return e.Ticker + ": " + e.Err.Error() }

func (e *TickerError) Unwrap() error { return e.Err }

// Runner wires stores, the policy loader, and the registry selection into
// per-ticker backtests.
type Runner struct {
	cfg      *config.Config
	bars     store.BarStore
	features store.FeatureStore
	runs     store.RunStore
	loader   PolicyLoader
	best     []registry.BestEntry
	opts     Options
	log      *slog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewRunner creates a Runner. runs may be nil to skip the run index.
func NewRunner(
	cfg *config.Config,
	bars store.BarStore,
	features store.FeatureStore,
	runs store.RunStore,
	loader PolicyLoader,
	best []registry.BestEntry,
	opts Options,
) *Runner {
	return &Runner{
		cfg:      cfg,
		bars:     bars,
		features: features,
		runs:     runs,
		loader:   loader,
		best:     best,
		opts:     opts,
		log:      slog.Default().With("component", "engine"),
		now:      time.Now,
	}
}

// Run backtests every ticker with at most cfg.Backtest.MaxWorkers in
// flight. A failing ticker does not stop the others; its error is returned
// in the second slice. Both slices follow the input ticker order. The
// error result is non-nil only when ctx is cancelled or the configured
// dates are invalid.
func (r *Runner) Run(ctx context.Context, tickers []string) ([]TickerResult, []*TickerError, error) {
	start, end, err := r.period()
	if err != nil {
		return nil, nil, err
	}

	workers := r.cfg.Backtest.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	results := make([]*TickerResult, len(tickers))
	failures := make([]*TickerError, len(tickers))

	g, gctx := errgroup.WithContext(ctx)
	for i, ticker := range tickers {
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			res, err := r.RunTicker(gctx, ticker, start, end)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				r.log.Error("backtest failed", "ticker", ticker, "error", err)
				failures[i] = &TickerError{Ticker: ticker, Err: err}
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		ok   []TickerResult
		errs []*TickerError
	)
	for i := range tickers {
		if results[i] != nil {
			ok = append(ok, *results[i])
		}
		if failures[i] != nil {
			errs = append(errs, failures[i])
		}
	}
	return ok, errs, nil
}

// RunTicker performs the full pipeline for one ticker.
func (r *Runner) RunTicker(ctx context.Context, ticker string, start, end time.Time) (*TickerResult, error) {
	ticker = strings.ToUpper(ticker)
	bt := r.cfg.Backtest

	sel, err := registry.Resolve(ticker, r.best, registry.ResolveOptions{
		Mode:     r.opts.Mode,
		Override: r.opts.ModelPath,
		BaseDir:  r.opts.BaseDir,
	})
	if err != nil {
		return nil, err
	}

	strat, err := r.cfg.StrategyFor(ticker)
	if err != nil {
		return nil, err
	}

	runID := RunID(r.now(), r.cfg, ticker, sel.ModelPath)
	outDir := filepath.Join(bt.OutDir, runID)
	log := r.log.With("ticker", ticker, "run_id", runID)
	log.Info("starting backtest",
		"model_path", sel.ModelPath,
		"start", util.FormatDate(start),
		"end", util.FormatDate(end),
		"out_dir", outDir,
	)

	tr := &TickerResult{Ticker: ticker, RunID: runID, OutDir: outDir, Selection: sel}
	if r.opts.DryRun {
		log.Info("dry run, skipping simulation", "strategy", r.cfg.EffectiveStrategy(ticker))
		return tr, nil
	}

	policy, err := r.loader.Load(sel.ModelPath)
	if err != nil {
		return nil, err
	}

	from := start.AddDate(0, 0, -WarmupDays)
	bars, err := r.bars.ReadBars(ctx, ticker, from, end)
	if err != nil {
		return nil, fmt.Errorf("loading bars: %w", err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s %s..%s: %w", ticker, util.FormatDate(from), util.FormatDate(end), domain.ErrNoBars)
	}

	features, err := r.features.ReadFeatures(ctx, ticker, from, end)
	if err != nil {
		return nil, fmt.Errorf("loading features: %w", err)
	}
	names, err := featureNames(policy, sel)
	if err != nil {
		return nil, err
	}
	if len(names) > 0 && len(features.Rows) > 0 {
		if features, err = features.Project(names); err != nil {
			return nil, fmt.Errorf("aligning features for %s: %w", sel.ModelPath, err)
		}
	}

	benchmark, err := r.bars.ReadBars(ctx, bt.Benchmark, from, end)
	if err != nil || len(benchmark) == 0 {
		log.Warn("benchmark unavailable, proceeding without market filter data",
			"benchmark", bt.Benchmark, "error", err)
		benchmark = nil
	}

	res, err := backtest.Run(ctx, backtest.Input{
		Ticker:             ticker,
		Bars:               bars,
		Features:           features.Rows,
		Benchmark:          benchmark,
		Policy:             policy,
		Strategy:           strat,
		Start:              start,
		End:                end,
		InitialCash:        bt.InitialCash,
		YearlyContribution: bt.YearlyContribution,
	})
	if err != nil {
		return nil, err
	}
	bench := backtest.CompareBenchmark(bt.Benchmark, benchmark, start, end, bt.InitialCash, bt.YearlyContribution)

	files, err := report.WriteAll(outDir, report.Bundle{
		Result:    res,
		Benchmark: bench,
		Strategy:  strat,
		Selection: sel,
		Config:    r.effectiveConfig(ticker, runID),
	})
	if err != nil {
		return nil, err
	}

	if r.runs != nil {
		metrics, err := json.Marshal(res.Metrics.Rounded())
		if err != nil {
			return nil, err
		}
		m := res.Metrics
		if err := r.runs.RecordRun(ctx, store.RunRecord{
			RunID:       runID,
			Ticker:      ticker,
			ModelPath:   sel.ModelPath,
			Start:       m.Start,
			End:         m.End,
			TotalReturn: m.TotalReturn,
			CAGR:        m.CAGR,
			MaxDrawdown: m.MaxDrawdown,
			TradeCount:  m.TradeCount,
			MetricsJSON: string(metrics),
			OutDir:      outDir,
			CreatedAt:   r.now(),
		}); err != nil {
			return nil, err
		}
	}

	log.Info("backtest finished",
		"total_return", util.Round(res.Metrics.TotalReturn, 6),
		"cagr", util.Round(res.Metrics.CAGR, 6),
		"max_drawdown", util.Round(res.Metrics.MaxDrawdown, 6),
		"trades", res.Metrics.TradeCount,
	)

	tr.Result = res
	tr.Benchmark = bench
	tr.Files = files
	return tr, nil
}

func (r *Runner) period() (time.Time, time.Time, error) {
	start, err := util.ParseDate(r.cfg.Backtest.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.start: %w", err)
	}
	end, err := util.ParseDate(r.cfg.Backtest.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end: %w", err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end %s precedes start %s", r.cfg.Backtest.End, r.cfg.Backtest.Start)
	}
	return start, end, nil
}

// effectiveConfig is persisted as config.yaml next to the run artifacts.
func (r *Runner) effectiveConfig(ticker, runID string) map[string]any {
	return map[string]any{
		"backtest":          r.cfg.Backtest,
		"model":             r.cfg.Model,
		"strategy":          r.cfg.Strategy,
		"per_ticker":        r.cfg.PerTicker,
		"resolved_strategy": r.cfg.EffectiveStrategy(ticker),
		"ticker":            ticker,
		"bt_run_id":         runID,
	}
}

// RunID returns bt_YYYYMMDD_HHMMSS__<hash8>, where hash8 is the first 8 hex
// digits of the SHA-256 of the canonical JSON of the run inputs: the
// backtest section, the global strategy, the ticker's override, the ticker,
// and the model path.
func RunID(now time.Time, cfg *config.Config, ticker, modelPath string) string {
	bt := cfg.Backtest
	canon := map[string]any{
		"backtest": map[string]any{
			"start":               bt.Start,
			"end":                 bt.End,
			"initial_cash":        bt.InitialCash,
			"yearly_contribution": bt.YearlyContribution,
			"benchmark":           bt.Benchmark,
			"tickers":             bt.Tickers,
		},
		"strategy":   orEmpty(cfg.Strategy),
		"per_ticker": orEmpty(cfg.TickerOverride(ticker)),
		"ticker":     ticker,
		"model_path": modelPath,
	}
	// encoding/json sorts map keys, so the encoding is canonical.
	data, err := json.Marshal(canon)
	if err != nil {
		// Config values come from YAML and always encode.
		panic(fmt.Sprintf("engine: encoding run inputs: %v", err))
	}
	sum := sha256.Sum256(data)
	return "bt_" + now.Format("20060102_150405") + "__" + hex.EncodeToString(sum[:])[:8]
}

// featureNames returns the column order the model was trained on: the
// policy's own list when it records one, else features.feature_cols from
// the run's training config. Nil keeps the stored order.
func featureNames(policy strategy.Policy, sel registry.Selection) ([]string, error) {
	if fn, ok := policy.(strategy.FeatureNamer); ok {
		if names := fn.FeatureNames(); len(names) > 0 {
			return names, nil
		}
	}
	if sel.TrainConfigPath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(sel.TrainConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading training config: %w", err)
	}
	var doc struct {
		Features struct {
			FeatureCols []string `yaml:"feature_cols"`
		} `yaml:"features"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing training config %s: %w", sel.TrainConfigPath, err)
	}
	return doc.Features.FeatureCols, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// FailedTickers returns the sorted, de-duplicated tickers of errs.
func FailedTickers(errs []*TickerError) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range errs {
		if !seen[e.Ticker] {
			seen[e.Ticker] = true
			out = append(out, e.Ticker)
		}
	}
	sort.Strings(out)
	return out
}

// ModelMissing reports whether err stems from an unresolvable model.
func ModelMissing(err error) bool { return errors.Is(err, domain.ErrModelNotFound) }
