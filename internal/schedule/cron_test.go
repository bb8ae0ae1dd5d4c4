package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) *Cron {
	c, err := ParseCron(expr)
	require.NoError(t, err, expr)
	return c
}

func TestCronNextDaily(t *testing.T) {
	c := mustParse(t, "0 18 * * *")

	from := time.Date(2025, 12, 27, 10, 30, 0, 0, time.UTC)
	next, err := c.Next(from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 27, 18, 0, 0, 0, time.UTC), next)

	// After today's fire, tomorrow.
	next, err = c.Next(time.Date(2025, 12, 27, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 28, 18, 0, 0, 0, time.UTC), next)
}

func TestCronNextSteps(t *testing.T) {
	c := mustParse(t, "*/15 * * * *")

	next, err := c.Next(time.Date(2025, 12, 27, 10, 7, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 27, 10, 15, 0, 0, time.UTC), next)

	next, err = c.Next(time.Date(2025, 12, 27, 10, 45, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 27, 11, 0, 0, 0, time.UTC), next)
}

func TestCronNextWeekday(t *testing.T) {
	// 2025-12-27 is a Saturday.
	c := mustParse(t, "30 6 * * 1-5")

	next, err := c.Next(time.Date(2025, 12, 27, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 29, 6, 30, 0, 0, time.UTC), next)
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestCronSevenMeansSunday(t *testing.T) {
	c := mustParse(t, "0 9 * * 7")

	next, err := c.Next(time.Date(2025, 12, 27, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, next.Weekday())
	assert.Equal(t, 28, next.Day())
}

func TestCronDayFieldsAreUnioned(t *testing.T) {
	// Both day fields restricted: fire on the 15th OR on Mondays.
	c := mustParse(t, "0 0 15 * 1")

	next, err := c.Next(time.Date(2025, 12, 27, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC), next)

	next, err = c.Next(time.Date(2026, 1, 13, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 15, next.Day())
}

func TestCronMonthRollover(t *testing.T) {
	c := mustParse(t, "0 12 1 3 *")

	next, err := c.Next(time.Date(2025, 12, 27, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), next)
}

func TestCronNextInZone(t *testing.T) {
	c := mustParse(t, "0 18 * * *")

	// 18:00 in Lagos (UTC+1) is 17:00 UTC.
	next, err := c.NextInZone(time.Date(2025, 12, 27, 10, 0, 0, 0, time.UTC), "Africa/Lagos")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 27, 17, 0, 0, 0, time.UTC), next)

	_, err = c.NextInZone(time.Now(), "Not/AZone")
	assert.Error(t, err)
}

func TestParseCronRejectsMalformed(t *testing.T) {
	for _, expr := range []string{
		"",
		"0 18 * *",
		"0 18 * * * *",
		"61 * * * *",
		"* 25 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"a * * * *",
		"*/0 * * * *",
		"10-5 * * * *",
	} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestTargetTradingDate(t *testing.T) {
	t.Setenv("OIAT_BUSINESS_TIMEZONE", "Africa/Lagos")
	t.Setenv("OIAT_BUSINESS_DAY_CUTOFF_HOUR", "5")
	t.Setenv("OIAT_BUSINESS_DAY_CUTOFF_MINUTE", "0")

	// 18:00 UTC is 19:00 in Lagos, past the cutoff: process yesterday.
	got := TargetTradingDate(time.Date(2025, 12, 27, 18, 0, 0, 0, time.UTC))
	assert.Equal(t, "2025-12-26", got)

	// 03:00 Lagos is before the 05:00 cutoff: yesterday's trading is still
	// open, process the day before.
	got = TargetTradingDate(time.Date(2025, 12, 27, 2, 0, 0, 0, time.UTC))
	assert.Equal(t, "2025-12-25", got)
}

func TestBusinessTimezoneFallsBackToUTC(t *testing.T) {
	t.Setenv("OIAT_BUSINESS_TIMEZONE", "Not/AZone")
	assert.Equal(t, time.UTC, BusinessTimezone())
}
