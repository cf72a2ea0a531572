package market

import (
	"fmt"
	"strings"
	"time"
)

// Window is a weekly trading schedule: the market is open on the listed
// weekdays between Open and Close (offsets from local midnight).
type Window struct {
	Days  map[time.Weekday]bool
	Open  time.Duration
	Close time.Duration
	Loc   *time.Location
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWindow parses a schedule such as "mon-fri 09:00-16:30" or
// "mon,wed,fri 10:00-12:00" in the named time zone. An empty schedule
// returns nil: no window applies.
func ParseWindow(schedule, tz string) (*Window, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, nil
	}

	loc := time.UTC
	if tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("trading time zone %q: %w", tz, err)
		}
	}

	fields := strings.Fields(strings.ToLower(schedule))
	if len(fields) != 2 {
		return nil, fmt.Errorf("trading window %q: want \"<days> <HH:MM>-<HH:MM>\"", schedule)
	}

	days, err := parseDays(fields[0])
	if err != nil {
		return nil, fmt.Errorf("trading window %q: %w", schedule, err)
	}

	from, to, ok := strings.Cut(fields[1], "-")
	if !ok {
		return nil, fmt.Errorf("trading window %q: missing time range", schedule)
	}
	open, err := parseClock(from)
	if err != nil {
		return nil, fmt.Errorf("trading window %q: %w", schedule, err)
	}
	closing, err := parseClock(to)
	if err != nil {
		return nil, fmt.Errorf("trading window %q: %w", schedule, err)
	}
	if closing <= open {
		return nil, fmt.Errorf("trading window %q: close must be after open", schedule)
	}

	return &Window{Days: days, Open: open, Close: closing, Loc: loc}, nil
}

func parseDays(s string) (map[time.Weekday]bool, error) {
	days := make(map[time.Weekday]bool)
	for _, part := range strings.Split(s, ",") {
		from, to, isRange := strings.Cut(part, "-")
		start, ok := weekdays[from]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", from)
		}
		if !isRange {
			days[start] = true
			continue
		}
		end, ok := weekdays[to]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", to)
		}
		for d := start; ; d = (d + 1) % 7 {
			days[d] = true
			if d == end {
				break
			}
		}
	}
	return days, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Contains reports whether t falls inside the window.
func (w *Window) Contains(t time.Time) bool {
	local := t.In(w.Loc)
	if !w.Days[local.Weekday()] {
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.Loc)
	offset := local.Sub(midnight)
	return offset >= w.Open && offset < w.Close
}
