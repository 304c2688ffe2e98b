package market

import (
	"testing"
	"time"

	"brokerd/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendarSession(t *testing.T) {
	cal, err := NewCalendar(config.MarketConfig{
		Timezone: "America/New_York",
		Open:     "09:30",
		Close:    "16:00",
		Holidays: []string{"2026-12-25"},
	})
	require.NoError(t, err)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Monday 2026-10-19
	assert.True(t, cal.IsOpen(time.Date(2026, 10, 19, 9, 30, 0, 0, ny)))
	assert.True(t, cal.IsOpen(time.Date(2026, 10, 19, 15, 59, 0, 0, ny)))
	assert.False(t, cal.IsOpen(time.Date(2026, 10, 19, 16, 0, 0, 0, ny)))
	assert.False(t, cal.IsOpen(time.Date(2026, 10, 19, 9, 29, 0, 0, ny)))
	// Saturday
	assert.False(t, cal.IsOpen(time.Date(2026, 10, 24, 12, 0, 0, 0, ny)))
	// holiday (Friday)
	assert.False(t, cal.IsOpen(time.Date(2026, 12, 25, 12, 0, 0, 0, ny)))
	// UTC input is converted
	assert.True(t, cal.IsOpen(time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)))
}

func TestCalendarRejectsBadConfig(t *testing.T) {
	_, err := NewCalendar(config.MarketConfig{Timezone: "Nowhere/City", Open: "09:30", Close: "16:00"})
	assert.Error(t, err)
	_, err = NewCalendar(config.MarketConfig{Timezone: "UTC", Open: "16:00", Close: "09:30"})
	assert.Error(t, err)
	_, err = NewCalendar(config.MarketConfig{Timezone: "UTC", Open: "9h", Close: "16:00"})
	assert.Error(t, err)
}
