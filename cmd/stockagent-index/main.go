package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"stockagent/internal/config"
	"stockagent/internal/registry"
	"stockagent/internal/store"
	"stockagent/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $STOCKAGENT_CONFIG or config/stockagent.yaml)")
	runsDir := flag.String("runs-dir", "", "override registry.runs_dir")
	outDir := flag.String("out-dir", "", "override registry.out_dir")
	format := flag.String("format", "", "output format: csv, json, or both")
	includeIncomplete := flag.Bool("include-incomplete", false, "index runs without final metrics or manifest")
	liftMin := flag.String("lift-min", "", "override registry.lift_min")
	minTP := flag.String("min-tp", "", "override registry.min_tp")
	buyRateMax := flag.String("buy-rate-max", "", "override registry.buy_rate_max")
	minPositiveRate := flag.String("min-positive-rate", "", "override registry.min_positive_rate")
	sortPreset := flag.String("sort-preset", "", "precision_first or lift_first")
	noDB := flag.Bool("no-db", false, "skip writing the selection to the SQLite index")
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

	var overrides []string
	for key, v := range map[string]string{
		"registry.runs_dir":          *runsDir,
		"registry.out_dir":           *outDir,
		"registry.format":            *format,
		"registry.lift_min":          *liftMin,
		"registry.min_tp":            *minTP,
		"registry.buy_rate_max":      *buyRateMax,
		"registry.min_positive_rate": *minPositiveRate,
		"registry.sort_preset":       *sortPreset,
	} {
		if v != "" {
			overrides = append(overrides, key+"="+v)
		}
	}
	if *includeIncomplete {
		overrides = append(overrides, "registry.include_incomplete=true")
	}

	cfg, err := config.LoadWithOverrides(path, overrides)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	rc := cfg.Registry
	rows, err := registry.Scan(rc.RunsDir, rc.IncludeIncomplete)
	if err != nil {
		log.Fatalf("scan failed: %v", err)
	}

	criteria := registry.Criteria{
		LiftMin:         rc.LiftMin,
		MinTP:           rc.MinTP,
		BuyRateMax:      rc.BuyRateMax,
		MinPositiveRate: rc.MinPositiveRate,
		SortPreset:      rc.SortPreset,
	}
	best := registry.SelectBestByTicker(rows, criteria)

	generatedAt := time.Now().UTC().Format(time.RFC3339)
	meta := registry.Metadata{
		GeneratedAt:       generatedAt,
		RunsDir:           rc.RunsDir,
		BuyRateMax:        rc.BuyRateMax,
		LiftMin:           rc.LiftMin,
		SortPreset:        rc.SortPreset,
		MinTP:             rc.MinTP,
		MinPositiveRate:   rc.MinPositiveRate,
		IncludeIncomplete: rc.IncludeIncomplete,
		TotalRows:         len(rows),
		TotalBest:         len(best),
	}
	written, err := registry.WriteIndex(rc.OutDir, rc.Format, rows, best, meta)
	if err != nil {
		log.Fatalf("writing registry: %v", err)
	}
	for _, p := range written {
		slog.Info("wrote registry file", "path", p)
	}

	recs := bestRecords(best, generatedAt)
	if !*noDB {
		if recs, err = saveSelection(cfg.Storage.SQLitePath, recs); err != nil {
			log.Fatalf("saving selection: %v", err)
		}
	}

	printBest(recs)
	fmt.Printf("\n%d runs indexed, %d tickers selected\n", len(rows), len(best))
}

func bestRecords(best []registry.BestEntry, generatedAt string) []store.BestRecord {
	recs := make([]store.BestRecord, len(best))
	for i, b := range best {
		recs[i] = store.BestRecord{
			Ticker:      b.Ticker,
			Mode:        b.Mode,
			RunID:       b.RunID,
			ModelPath:   b.ModelFinalPath,
			Precision:   b.Precision,
			Lift:        b.Lift,
			BestStatus:  b.BestStatus,
			SortKey:     b.SelectionSortKey,
			Filters:     b.SelectionFilters,
			GeneratedAt: generatedAt,
		}
	}
	return recs
}

// saveSelection replaces the stored selection and reads it back.
func saveSelection(dbPath string, recs []store.BestRecord) ([]store.BestRecord, error) {
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.ReplaceRegistryBest(ctx, recs); err != nil {
		return nil, err
	}
	return s.ListRegistryBest(ctx)
}

func printBest(recs []store.BestRecord) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tMODE\tRUN ID\tPRECISION\tLIFT\tSTATUS")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Ticker, r.Mode, r.RunID, cell(r.Precision), cell(r.Lift), r.BestStatus)
	}
	tw.Flush()
}

func cell(p *float64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatFloat(*p, 'f', 3, 64)
}
