package market

import (
	"fmt"
	"strings"
	"time"

	"brokerd/internal/config"
)

// Calendar answers whether the trading session is open. Sessions are
// weekdays between Open and Close in the exchange timezone, minus holidays.
type Calendar struct {
	loc      *time.Location
	open     time.Duration
	close    time.Duration
	holidays map[string]struct{}
}

func NewCalendar(cfg config.MarketConfig) (*Calendar, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(cfg.Timezone))
	if err != nil {
		return nil, fmt.Errorf("market: timezone %q: %w", cfg.Timezone, err)
	}
	open, err := clockOffset(cfg.Open)
	if err != nil {
		return nil, err
	}
	closeAt, err := clockOffset(cfg.Close)
	if err != nil {
		return nil, err
	}
	if closeAt <= open {
		return nil, fmt.Errorf("market: close %s 需晚于 open %s", cfg.Close, cfg.Open)
	}
	c := &Calendar{loc: loc, open: open, close: closeAt, holidays: make(map[string]struct{}, len(cfg.Holidays))}
	for _, day := range cfg.Holidays {
		day = strings.TrimSpace(day)
		if day != "" {
			c.holidays[day] = struct{}{}
		}
	}
	return c, nil
}

func clockOffset(hhmm string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return 0, fmt.Errorf("market: 时间格式应为 HH:MM: %q", hhmm)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// IsOpen reports whether t falls inside a regular session.
func (c *Calendar) IsOpen(t time.Time) bool {
	if c == nil {
		return false
	}
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if _, ok := c.holidays[local.Format("2006-01-02")]; ok {
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	offset := local.Sub(midnight)
	return offset >= c.open && offset < c.close
}

// AlwaysOpen is a session clock for tests and 24h venues.
type AlwaysOpen struct{}

func (AlwaysOpen) IsOpen(time.Time) bool { return true }
