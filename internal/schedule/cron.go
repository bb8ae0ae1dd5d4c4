package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cron is a parsed 5-field cron expression (minute, hour, day-of-month,
// month, day-of-week) with standard semantics: when both day fields are
// restricted, a time matches if either does.
type Cron struct {
	minute, hour, dom, month, dow map[int]struct{}
	domStar, dowStar              bool
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = []cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day of month", 1, 31},
	{"month", 1, 12},
	{"day of week", 0, 6},
}

// ParseCron parses expr into a Cron. Supports "*", lists, ranges, and step
// values; day-of-week 7 is folded to Sunday (0).
func ParseCron(expr string) (*Cron, error) {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron expression %q must have 5 fields, got %d", expr, len(parts))
	}

	sets := make([]map[int]struct{}, 5)
	for i, part := range parts {
		set, err := parseCronField(part, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("cron expression %q: %w", expr, err)
		}
		sets[i] = set
	}

	return &Cron{
		minute:  sets[0],
		hour:    sets[1],
		dom:     sets[2],
		month:   sets[3],
		dow:     sets[4],
		domStar: parts[2] == "*",
		dowStar: parts[4] == "*",
	}, nil
}

func parseCronField(part string, field cronField) (map[int]struct{}, error) {
	set := make(map[int]struct{})
	for _, item := range strings.Split(part, ",") {
		step := 1
		if i := strings.IndexByte(item, '/'); i >= 0 {
			s, err := strconv.Atoi(item[i+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("invalid step in %s field %q", field.name, part)
			}
			step = s
			item = item[:i]
		}

		lo, hi := field.min, field.max
		switch {
		case item == "*":
		case strings.Contains(item, "-"):
			bounds := strings.SplitN(item, "-", 2)
			var err1, err2 error
			lo, err1 = strconv.Atoi(bounds[0])
			hi, err2 = strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("invalid range in %s field %q", field.name, part)
			}
		default:
			v, err := strconv.Atoi(item)
			if err != nil {
				return nil, fmt.Errorf("invalid value in %s field %q", field.name, part)
			}
			lo, hi = v, v
		}

		if field.name == "day of week" {
			if lo == 7 {
				lo = 0
			}
			if hi == 7 {
				hi = 0
			}
		}
		if lo < field.min || hi > field.max || lo > hi {
			return nil, fmt.Errorf("%s value out of range in %q", field.name, part)
		}
		for v := lo; v <= hi; v += step {
			set[v] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%s field %q matches nothing", field.name, part)
	}
	return set, nil
}

func (c *Cron) matchesDay(t time.Time) bool {
	_, domOK := c.dom[t.Day()]
	_, dowOK := c.dow[int(t.Weekday())]
	switch {
	case c.domStar && c.dowStar:
		return true
	case c.domStar:
		return dowOK
	case c.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}

// Next returns the first instant strictly after from that matches, in from's
// location. Scans minute by minute with day-level skips, bounded to four
// years so a never-matching expression cannot spin forever.
func (c *Cron) Next(from time.Time) (time.Time, error) {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(4, 0, 0)

	for t.Before(limit) {
		if _, ok := c.month[int(t.Month())]; !ok {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !c.matchesDay(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if _, ok := c.hour[t.Hour()]; !ok {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if _, ok := c.minute[t.Minute()]; !ok {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cron expression never fires within four years of %s", from.Format(time.RFC3339))
}

// NextInZone evaluates the expression in the named timezone and returns the
// fire instant converted back to UTC.
func (c *Cron) NextInZone(from time.Time, timezoneName string) (time.Time, error) {
	loc, err := time.LoadLocation(timezoneName)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezoneName, err)
	}
	next, err := c.Next(from.In(loc))
	if err != nil {
		return time.Time{}, err
	}
	return next.UTC(), nil
}
