package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"stockagent/internal/config"
	"stockagent/internal/engine"
	"stockagent/internal/registry"
	"stockagent/internal/report"
	"stockagent/internal/store"
	"stockagent/internal/strategy/builtins"
	"stockagent/internal/util"
)

// setFlags collects repeated -set key=value flags.
type setFlags []string

func (s *setFlags) String() string { return strings.Join(*s, ",") }

func (s *setFlags) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var sets setFlags
	cfgPath := flag.String("config", "", "config file (default $STOCKAGENT_CONFIG or config/stockagent.yaml)")
	ticker := flag.String("ticker", "", "backtest a single ticker")
	tickers := flag.String("tickers", "", "comma-separated tickers (default backtest.tickers)")
	start := flag.String("start", "", "override backtest.start (YYYY-MM-DD)")
	end := flag.String("end", "", "override backtest.end (YYYY-MM-DD)")
	modelPath := flag.String("model-path", "", "use this model artifact for every ticker")
	mode := flag.String("mode", "", "registry mode: finetune or base (default model.mode)")
	bestPath := flag.String("registry-best", "", "registry best-by-ticker file (default model.registry_best_path)")
	dryRun := flag.Bool("dry-run", false, "resolve models and run ids without simulating")
	history := flag.Bool("history", false, "list recorded runs for the tickers and exit")
	flag.Var(&sets, "set", "dotted config override key=value (repeatable)")
	flag.Parse()

	if err := config.LoadEnvFile(); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}

	path := *cfgPath
	if path == "" {
		path = "config/stockagent.yaml"
		if p := os.Getenv("STOCKAGENT_CONFIG"); p != "" {
			path = p
		}
	}

	overrides := []string(sets)
	if *start != "" {
		overrides = append(overrides, "backtest.start="+*start)
	}
	if *end != "" {
		overrides = append(overrides, "backtest.end="+*end)
	}

	cfg, err := config.LoadWithOverrides(path, overrides)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	list := cfg.Backtest.Tickers
	switch {
	case *ticker != "":
		list = []string{*ticker}
	case *tickers != "":
		list = splitTickers(*tickers)
	}
	if len(list) == 0 {
		log.Fatal("no tickers: set backtest.tickers or pass -ticker/-tickers")
	}

	if *history {
		if err := printHistory(cfg.Storage.SQLitePath, list); err != nil {
			log.Fatalf("listing runs: %v", err)
		}
		return
	}

	opts := engine.Options{
		Mode:      cfg.Model.Mode,
		ModelPath: *modelPath,
		BaseDir:   filepath.Dir(filepath.Clean(cfg.Registry.RunsDir)),
		DryRun:    *dryRun,
	}
	if *mode != "" {
		opts.Mode = *mode
	}

	var best []registry.BestEntry
	if opts.ModelPath == "" {
		p := cfg.Model.RegistryBestPath
		if *bestPath != "" {
			p = *bestPath
		}
		best, err = registry.LoadBest(p)
		if err != nil {
			log.Fatalf("failed to load registry selection: %v", err)
		}
		slog.Info("loaded registry selection", "path", p, "entries", len(best))
	}

	pstore := store.NewParquetStore(cfg.Storage.DataDir)

	var runs store.RunStore
	if !*dryRun {
		sqlStore, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open run index: %v", err)
		}
		defer sqlStore.Close()
		runs = sqlStore
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner := engine.NewRunner(cfg, pstore, pstore, runs, builtins.NewRegistry(), best, opts)
	results, failures, err := runner.Run(ctx, list)
	if err != nil {
		log.Fatalf("backtest aborted: %v", err)
	}

	printResults(results)

	if len(failures) > 0 {
		for _, f := range failures {
			reason := "error"
			if engine.ModelMissing(f.Err) {
				reason = "model missing"
			}
			fmt.Fprintf(os.Stderr, "FAILED %s (%s): %v\n", f.Ticker, reason, f.Err)
		}
		fmt.Fprintf(os.Stderr, "failed tickers: %s\n", strings.Join(engine.FailedTickers(failures), ","))
		os.Exit(1)
	}
}

func splitTickers(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}

func printResults(results []engine.TickerResult) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tRUN ID\tMODEL\tRETURN\tCAGR\tMAX DD\tTRADES\tBENCH\tOUT")
	for _, r := range results {
		ret, cagr, dd, trades, bench := "-", "-", "-", "-", "-"
		if r.Result != nil {
			m := r.Result.Metrics
			ret = report.FormatSignedPct(m.TotalReturn, 2)
			cagr = report.FormatSignedPct(m.CAGR, 2)
			dd = report.FormatPct(m.MaxDrawdown, 2)
			trades = report.FormatInt(m.TradeCount)
		}
		if r.Benchmark != nil {
			bench = report.FormatSignedPct(r.Benchmark.TotalReturn, 2)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Ticker, r.RunID, r.Selection.ModelPath, ret, cagr, dd, trades, bench, r.OutDir)
	}
	tw.Flush()
}

func printHistory(dbPath string, tickers []string) error {
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tRUN ID\tPERIOD\tRETURN\tCAGR\tMAX DD\tTRADES\tMODEL")
	for _, t := range tickers {
		runs, err := s.ListRuns(context.Background(), strings.ToUpper(t))
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s..%s\t%s\t%s\t%s\t%d\t%s\n",
				r.Ticker, r.RunID, r.Start, r.End,
				report.FormatSignedPct(r.TotalReturn, 2), report.FormatSignedPct(r.CAGR, 2),
				report.FormatPct(r.MaxDrawdown, 2), r.TradeCount, r.ModelPath)
		}
	}
	return tw.Flush()
}
