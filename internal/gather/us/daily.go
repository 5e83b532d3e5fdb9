// Package us gathers US equity market data from the Alpaca API.
package us

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"stockagent/internal/domain"
	"stockagent/internal/gather"
	"stockagent/internal/store"
	"stockagent/internal/util"
)

var _ gather.Gatherer = (*DailyBarGatherer)(nil)

// BarsClient is the subset of the Alpaca market-data client used here.
type BarsClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// NewBarsClient returns an Alpaca market-data client.
func NewBarsClient(apiKey, apiSecret, dataURL string) *marketdata.Client {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return marketdata.NewClient(opts)
}

// DailyBarOptions configures a DailyBarGatherer.
type DailyBarOptions struct {
	// Symbols are stored under these names. Aliases maps a stored name to
	// the symbol requested from the API, e.g. "^IXIC" -> "QQQ".
	Symbols []string
	Aliases map[string]string

	Range           gather.DateRange
	Feed            string
	BatchSize       int
	RateLimitPerMin int
	MaxAttempts     int
}

// DailyBarGatherer fetches daily OHLCV bars for a fixed symbol list and
// merges them into the bar store. Re-running over the same range is
// idempotent.
type DailyBarGatherer struct {
	client  BarsClient
	store   store.BarStore
	opts    DailyBarOptions
	limiter *util.RateLimiter
	log     *slog.Logger

	// retryDelay is shortened in tests.
	retryDelay time.Duration
}

// NewDailyBarGatherer creates a DailyBarGatherer writing to s.
func NewDailyBarGatherer(client BarsClient, s store.BarStore, opts DailyBarOptions) *DailyBarGatherer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &DailyBarGatherer{
		client:     client,
		store:      s,
		opts:       opts,
		limiter:    util.NewRateLimiter(opts.RateLimitPerMin, 1),
		log:        slog.Default().With("gatherer", "daily-bars"),
		retryDelay: 2 * time.Second,
	}
}

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "daily-bars" }

// Run fetches the configured range for every symbol in batches, retrying
// failed calls, and writes the bars to the store. A batch that still fails
// after retries aborts the run.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	r := g.opts.Range
	if !r.Valid() {
		return fmt.Errorf("invalid range %s..%s", util.FormatDate(r.Start), util.FormatDate(r.End))
	}

	// API symbol -> stored symbol.
	names := make(map[string]string, len(g.opts.Symbols))
	var apiSymbols []string
	for _, sym := range g.opts.Symbols {
		sym = strings.ToUpper(sym)
		api := sym
		if a, ok := g.opts.Aliases[sym]; ok && a != "" {
			api = strings.ToUpper(a)
		}
		if _, dup := names[api]; dup {
			continue
		}
		names[api] = sym
		apiSymbols = append(apiSymbols, api)
	}
	sort.Strings(apiSymbols)

	g.log.Info("starting daily-bars",
		"symbols", len(apiSymbols),
		"start", util.FormatDate(r.Start),
		"end", util.FormatDate(r.End),
		"feed", g.opts.Feed,
	)

	var total int
	for i := 0; i < len(apiSymbols); i += g.opts.BatchSize {
		batch := apiSymbols[i:min(i+g.opts.BatchSize, len(apiSymbols))]

		var bars []domain.Bar
		err := util.Retry(ctx, g.opts.MaxAttempts, g.retryDelay, func(attempt int) error {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
			var err error
			bars, err = g.fetch(batch, names, r)
			if err != nil {
				g.log.Warn("fetch failed", "attempt", attempt, "symbols", batch, "err", err)
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("fetching %v: %w", batch, err)
		}

		if err := g.store.WriteBars(ctx, bars); err != nil {
			return fmt.Errorf("writing bars: %w", err)
		}
		total += len(bars)

		got := map[string]bool{}
		for _, b := range bars {
			got[b.Symbol] = true
		}
		for _, api := range batch {
			if !got[names[api]] {
				g.log.Warn("no bars returned", "symbol", names[api], "api_symbol", api)
			}
		}
	}

	g.log.Info("daily-bars complete", "bars", total)
	return nil
}

// fetch calls GetMultiBars once and converts the result to domain bars
// dated by their UTC calendar day.
func (g *DailyBarGatherer) fetch(batch []string, names map[string]string, r gather.DateRange) ([]domain.Bar, error) {
	multiBars, err := g.client.GetMultiBars(batch, marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Start:      r.Start,
		End:        r.End.AddDate(0, 0, 1),
		Feed:       marketdata.Feed(g.opts.Feed),
		Adjustment: marketdata.All,
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var bars []domain.Bar
	for api, alpacaBars := range multiBars {
		sym, ok := names[strings.ToUpper(api)]
		if !ok {
			sym = strings.ToUpper(api)
		}
		for _, ab := range alpacaBars {
			d := util.TruncateDay(ab.Timestamp)
			if d.After(r.End) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol: sym,
				Date:   d,
				Open:   ab.Open,
				High:   ab.High,
				Low:    ab.Low,
				Close:  ab.Close,
				Volume: int64(ab.Volume),
			})
		}
	}
	sort.Slice(bars, func(i, j int) bool {
		if bars[i].Symbol != bars[j].Symbol {
			return bars[i].Symbol < bars[j].Symbol
		}
		return bars[i].Date.Before(bars[j].Date)
	})
	return bars, nil
}
