package backtest

import (
	"time"

	"github.com/shopspring/decimal"

	"stockagent/internal/domain"
)

// Portfolio is the cash ledger and capital injection schedule of a run.
type Portfolio struct {
	cash       float64
	yearly     float64
	year       int
	credited   map[int]bool
	injections []domain.Injection
}

// NewPortfolio seeds the ledger with initial cash on the first simulated
// date. The starting year counts as already credited.
func NewPortfolio(initial, yearly float64, start time.Time) *Portfolio {
	return &Portfolio{
		cash:     initial,
		yearly:   yearly,
		year:     start.Year(),
		credited: map[int]bool{start.Year(): true},
		injections: []domain.Injection{
			{Date: start, Amount: initial, Kind: domain.InjectionInitial},
		},
	}
}

// ApplySchedule credits the yearly contribution on the first bar of a
// calendar year not yet credited. It reports the injection, if any.
func (p *Portfolio) ApplySchedule(date time.Time) (domain.Injection, bool) {
	y := date.Year()
	if y == p.year {
		return domain.Injection{}, false
	}
	p.year = y
	if p.credited[y] {
		return domain.Injection{}, false
	}
	p.credited[y] = true
	inj := domain.Injection{Date: date, Amount: p.yearly, Kind: domain.InjectionYearly}
	p.cash += p.yearly
	p.injections = append(p.injections, inj)
	return inj, true
}

// Cash returns the uninvested balance.
func (p *Portfolio) Cash() float64 { return p.cash }

// Deposit adds sale proceeds to cash.
func (p *Portfolio) Deposit(amount float64) { p.cash += amount }

// Withdraw removes the cost of a purchase from cash.
func (p *Portfolio) Withdraw(amount float64) { p.cash -= amount }

// Injections returns a copy of the injection log.
func (p *Portfolio) Injections() []domain.Injection {
	out := make([]domain.Injection, len(p.injections))
	copy(out, p.injections)
	return out
}

// TotalInjected sums the injection log exactly.
func (p *Portfolio) TotalInjected() float64 {
	return SumInjections(p.injections)
}

// SumInjections adds injection amounts in decimal so repeated yearly
// contributions do not accumulate float error.
func SumInjections(log []domain.Injection) float64 {
	total := decimal.Zero
	for _, inj := range log {
		total = total.Add(decimal.NewFromFloat(inj.Amount))
	}
	return total.InexactFloat64()
}
