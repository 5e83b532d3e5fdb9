package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"stockagent/internal/config"
	"stockagent/internal/gather"
	"stockagent/internal/gather/us"
	"stockagent/internal/store"
	"stockagent/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $STOCKAGENT_CONFIG or config/stockagent.yaml)")
	symbols := flag.String("symbols", "", "comma-separated symbols (default backtest tickers plus benchmark)")
	start := flag.String("start", "", "first day to fetch (default gather.start_date)")
	end := flag.String("end", "", "last day to fetch (default latest finished trading day)")
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
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatal("alpaca credentials missing: set APCA_API_KEY_ID and APCA_API_SECRET_KEY")
	}

	list := append([]string{}, cfg.Backtest.Tickers...)
	list = append(list, cfg.Backtest.Benchmark)
	if *symbols != "" {
		list = strings.Split(*symbols, ",")
	}

	startStr := cfg.Gather.StartDate
	if *start != "" {
		startStr = *start
	}
	from, err := util.ParseDate(startStr)
	if err != nil {
		log.Fatalf("invalid start: %v", err)
	}

	var to time.Time
	if *end != "" {
		if to, err = util.ParseDate(*end); err != nil {
			log.Fatalf("invalid end: %v", err)
		}
	} else {
		cal := us.NewCalendarClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
		if to, err = us.LatestFinishedTradingDay(cal, time.Now()); err != nil {
			log.Fatalf("resolving last trading day: %v", err)
		}
	}

	client := us.NewBarsClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
	g := us.NewDailyBarGatherer(client, store.NewParquetStore(cfg.Storage.DataDir), us.DailyBarOptions{
		Symbols:         list,
		Aliases:         cfg.Gather.Aliases,
		Range:           gather.DateRange{Start: from, End: to},
		Feed:            cfg.Alpaca.Feed,
		BatchSize:       cfg.Gather.BatchSize,
		RateLimitPerMin: cfg.Gather.RateLimitPerMin,
		MaxAttempts:     cfg.Gather.MaxAttempts,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting fetch", "symbols", len(list), "start", util.FormatDate(from), "end", util.FormatDate(to))
	if err := g.Run(ctx); err != nil {
		log.Fatalf("fetch failed: %v", err)
	}
}
