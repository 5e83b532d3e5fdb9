package us

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"stockagent/internal/util"
)

// A session's daily bar is final once extended hours have settled, at
// 20:05 ET.
const settleHour, settleMinute = 20, 5

// CalendarClient is the subset of the Alpaca trading client used here.
type CalendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// NewCalendarClient returns an Alpaca trading client for calendar lookups.
func NewCalendarClient(apiKey, apiSecret, baseURL string) *alpaca.Client {
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
}

// LatestFinishedTradingDay returns the most recent trading day whose session
// has settled as of now, as UTC midnight. Today counts only after 20:05 ET.
func LatestFinishedTradingDay(client CalendarClient, now time.Time) (time.Time, error) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Time{}, fmt.Errorf("loading ET timezone: %w", err)
	}
	now = now.In(et)

	calendar, err := client.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -10),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}

	today := now.Format(util.DateLayout)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), settleHour, settleMinute, 0, 0, et)

	for i := len(calendar) - 1; i >= 0; i-- {
		day := calendar[i].Date
		if day > today || (day == today && !now.After(cutoff)) {
			continue
		}
		d, err := util.ParseDate(day)
		if err != nil {
			continue
		}
		return d, nil
	}
	return time.Time{}, fmt.Errorf("no finished trading day in calendar")
}
