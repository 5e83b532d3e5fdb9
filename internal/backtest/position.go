package backtest

import (
	"time"

	"stockagent/internal/domain"
	"stockagent/internal/util"
)

// ExitCheck is the outcome of evaluating one position against a close.
type ExitCheck struct {
	CurRet         float64
	HiRet          float64
	DrawdownFromHi float64
	Reason         domain.ExitReason
	Exit           bool
}

// EvaluateExit raises pos.HighestPrice to price if it is a new high, then
// applies the exit rules. A hard stop takes precedence over a trailing stop
// triggered on the same bar.
func EvaluateExit(pos *domain.Position, price float64, cfg domain.StrategyConfig) ExitCheck {
	if price > pos.HighestPrice {
		pos.HighestPrice = price
	}

	c := ExitCheck{
		CurRet:         price/pos.BuyPrice - 1,
		HiRet:          pos.HighestPrice/pos.BuyPrice - 1,
		DrawdownFromHi: (pos.HighestPrice - price) / pos.HighestPrice,
	}

	switch {
	case c.CurRet <= -cfg.StopLossPct:
		c.Reason, c.Exit = domain.ExitHardStop, true
	case c.HiRet >= cfg.TakeProfitActivationPct && c.DrawdownFromHi >= cfg.TrailBand(c.HiRet):
		c.Reason, c.Exit = domain.ExitTrailingStop, true
	}
	return c
}

// PositionBook owns the open lots for one ticker and the entry cooldown.
type PositionBook struct {
	cfg       domain.StrategyConfig
	open      []domain.Position
	lastEntry time.Time
}

// NewPositionBook returns an empty book governed by cfg.
func NewPositionBook(cfg domain.StrategyConfig) *PositionBook {
	return &PositionBook{cfg: cfg}
}

// Len returns the number of open positions.
func (b *PositionBook) Len() int { return len(b.open) }

// Positions returns a copy of the open positions in entry order.
func (b *PositionBook) Positions() []domain.Position {
	out := make([]domain.Position, len(b.open))
	copy(out, b.open)
	return out
}

// MarketValue marks every open position at price.
func (b *PositionBook) MarketValue(price float64) float64 {
	v := 0.0
	for _, p := range b.open {
		v += p.Shares * price
	}
	return v
}

// CloseTriggered evaluates every open position at the bar's close and
// closes those whose exit rule fires. Closed trades are returned in entry
// order together with the total sale proceeds.
func (b *PositionBook) CloseTriggered(date time.Time, price float64) ([]domain.Trade, float64) {
	var (
		trades   []domain.Trade
		proceeds float64
	)
	kept := b.open[:0]
	for i := range b.open {
		pos := b.open[i]
		c := EvaluateExit(&pos, price, b.cfg)
		if !c.Exit {
			kept = append(kept, pos)
			continue
		}
		value := pos.Shares * price
		proceeds += value
		trades = append(trades, domain.Trade{
			EntryDate:  pos.BuyDate,
			EntryPrice: pos.BuyPrice,
			ExitDate:   date,
			ExitPrice:  price,
			Shares:     pos.Shares,
			Cost:       pos.Cost,
			Proceeds:   value,
			Return:     c.CurRet,
			Profit:     value - pos.Cost,
			HoldDays:   util.DaysBetween(pos.BuyDate, date),
			ExitReason: c.Reason,
			EntryType:  pos.EntryType,
			Confidence: pos.Confidence,
		})
	}
	b.open = kept
	return trades, proceeds
}

// CoolingDown reports whether an entry on date falls within
// MinDaysBetweenEntries calendar days of the previous entry.
func (b *PositionBook) CoolingDown(date time.Time) bool {
	if b.cfg.MinDaysBetweenEntries <= 0 || b.lastEntry.IsZero() {
		return false
	}
	return util.DaysBetween(b.lastEntry, date) < b.cfg.MinDaysBetweenEntries
}

// SizeEntry returns the amount of cash to commit for a signal with the
// given confidence. ok is false when no tier matches or the amount cannot
// buy at least one unit at price.
func (b *PositionBook) SizeEntry(cash, confidence, price float64) (invest float64, ok bool) {
	frac, _, matched := b.cfg.BuyFraction(confidence)
	if !matched || frac <= 0 || cash <= 0 || price <= 0 {
		return 0, false
	}
	invest = cash * frac
	if invest < price {
		return 0, false
	}
	return invest, true
}

// Open records a new position bought with invest at price and returns it.
// The caller deducts Cost from cash.
func (b *PositionBook) Open(date time.Time, price, invest, confidence float64, entry domain.EntryType) domain.Position {
	shares := invest / price
	pos := domain.Position{
		Shares:       shares,
		BuyPrice:     price,
		BuyDate:      date,
		Cost:         shares * price,
		HighestPrice: price,
		Confidence:   confidence,
		EntryType:    entry,
	}
	b.open = append(b.open, pos)
	b.lastEntry = date
	return pos
}
