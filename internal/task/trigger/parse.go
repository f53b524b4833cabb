package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the normalized kind of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Parsed is a schedule string split into a cron expression or an interval.
//
// Accepted forms:
//   - Cron: "*/5 * * * *", "0 30 7 * * *", "@hourly", "@daily"
//   - Interval: "55m", "2h30m", "@every 1h", "02:30" (2 hours 30 minutes)
//   - Wall clock: "daily:07:00", "weekly:mon 07:00" (cron in the service timezone)
//
// "cron:" forces cron parsing; "interval:" and "every:" force interval parsing.
type Parsed struct {
	Kind  Kind
	Cron  string
	Every time.Duration
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule classifies raw. Cron expressions are not validated here; the
// service validates them with its parser.
func ParseSchedule(raw string) (Parsed, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Parsed{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Parsed{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Parsed{Kind: KindCron, Cron: expr}, nil
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "@every"):
		return parseInterval(s[len("@every"):])
	case strings.HasPrefix(low, "daily:"):
		expr, err := DailyAt(s[len("daily:"):])
		if err != nil {
			return Parsed{}, err
		}
		return Parsed{Kind: KindCron, Cron: expr}, nil
	case strings.HasPrefix(low, "weekly:"):
		day, clock, ok := strings.Cut(strings.TrimSpace(low[len("weekly:"):]), " ")
		if !ok {
			return Parsed{}, fmt.Errorf("invalid weekly schedule %q, expected 'weekly:<day> HH:MM'", raw)
		}
		wd, err := parseWeekday(day)
		if err != nil {
			return Parsed{}, err
		}
		expr, err := WeeklyAt(wd, clock)
		if err != nil {
			return Parsed{}, err
		}
		return Parsed{Kind: KindCron, Cron: expr}, nil
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Parsed{Kind: KindCron, Cron: s}, nil
	}
	if p, err := parseInterval(s); err == nil {
		return p, nil
	}
	return Parsed{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or a duration like '55m')",
		raw,
	)
}

func parseInterval(v string) (Parsed, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Parsed{}, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Parsed{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return Parsed{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '55m')", v)
		}
	}
	if d <= 0 {
		return Parsed{}, fmt.Errorf("interval must be > 0")
	}
	return Parsed{Kind: KindInterval, Every: d}, nil
}

// parseClock parses a wall-clock "HH:MM" (00:00-23:59).
func parseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseWeekday accepts a three-letter or full English day name.
func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) >= 3 {
		if wd, ok := weekdays[s[:3]]; ok && strings.HasPrefix(strings.ToLower(wd.String()), s) {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

// DailyAt returns the cron expression for every day at HH:MM.
func DailyAt(hhmm string) (string, error) {
	h, m, err := parseClock(hhmm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

// WeeklyAt returns the cron expression for weekday at HH:MM.
func WeeklyAt(weekday time.Weekday, hhmm string) (string, error) {
	h, m, err := parseClock(hhmm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * %d", m, h, int(weekday)), nil
}
