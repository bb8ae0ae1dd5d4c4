package schedule

import (
	"os"
	"strconv"
	"time"
)

// Defaults for the installation-wide business day.
const (
	defaultBusinessTimezone = "Africa/Lagos"
	defaultCutoffHour       = 5
	defaultCutoffMinute     = 0
)

// BusinessTimezone returns the installation's business timezone, from
// OIAT_BUSINESS_TIMEZONE. Unknown names fall back to UTC.
func BusinessTimezone() *time.Location {
	name := os.Getenv("OIAT_BUSINESS_TIMEZONE")
	if name == "" {
		name = defaultBusinessTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func cutoff() (hour, minute int) {
	hour = envInt("OIAT_BUSINESS_DAY_CUTOFF_HOUR", defaultCutoffHour, 0, 23)
	minute = envInt("OIAT_BUSINESS_DAY_CUTOFF_MINUTE", defaultCutoffMinute, 0, 59)
	return hour, minute
}

func envInt(key string, fallback, min, max int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return fallback
	}
	return v
}

// TargetTradingDate returns the trading date a scheduled run should process:
// yesterday in the business timezone, or the day before when the worker
// fires before the business-day cutoff and yesterday's trading is still
// being written.
func TargetTradingDate(now time.Time) string {
	local := now.In(BusinessTimezone())
	cutoffHour, cutoffMinute := cutoff()

	daysBack := 1
	if local.Hour() < cutoffHour || (local.Hour() == cutoffHour && local.Minute() < cutoffMinute) {
		daysBack = 2
	}
	return local.AddDate(0, 0, -daysBack).Format("2006-01-02")
}
