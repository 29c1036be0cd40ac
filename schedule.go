package agenda

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Repeat describes how a job recurs. At takes precedence over Interval.
type Repeat struct {
	// At is a time of day such as "3:30pm" or "15:30".
	At string
	// Interval is a cron expression, a Go duration, a human interval such as
	// "2 minutes", or a number of milliseconds.
	Interval string
	// Timezone is an IANA location name used for cron and time-of-day
	// evaluation. Empty means local time.
	Timezone string
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextRunAt computes when a job repeating per r runs next. A nil result with
// a nil error means the job does not repeat.
func NextRunAt(r Repeat, lastRunAt *time.Time, now time.Time) (*time.Time, error) {
	switch {
	case r.At != "":
		loc, err := location(r.Timezone)
		if err != nil {
			return nil, errors.WithDetail(ErrInvalidRepeatAt, err.Error())
		}

		h, m, s, err := ParseTimeOfDay(r.At)
		if err != nil {
			return nil, errors.WithDetail(ErrInvalidRepeatAt, err.Error())
		}

		next := nextTimeOfDay(h, m, s, now, loc)
		return &next, nil
	case r.Interval != "":
		loc, err := location(r.Timezone)
		if err != nil {
			return nil, errors.WithDetail(ErrInvalidRepeatInterval, err.Error())
		}

		last := now
		if lastRunAt != nil {
			last = *lastRunAt
		}

		if sched, err := cronParser.Parse(r.Interval); err == nil {
			next := sched.Next(last.In(loc))
			if next.IsZero() {
				return nil, errors.WithDetail(ErrInvalidRepeatInterval, fmt.Sprintf("cron %q never fires", r.Interval))
			}
			return &next, nil
		}

		d, err := ParseHumanInterval(r.Interval)
		if err != nil {
			return nil, errors.WithDetail(ErrInvalidRepeatInterval, err.Error())
		}

		// never run: due right away
		if lastRunAt == nil {
			return &now, nil
		}

		next := last.Add(d)
		return &next, nil
	default:
		return nil, nil
	}
}

// IsCron reports whether interval is a cron expression rather than a duration.
func IsCron(interval string) bool {
	_, err := cronParser.Parse(interval)
	return err == nil
}

var numberUnitRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)([a-z]+)$`)

var intervalUnits = map[string]time.Duration{
	"ms":           time.Millisecond,
	"msec":         time.Millisecond,
	"msecs":        time.Millisecond,
	"millisecond":  time.Millisecond,
	"milliseconds": time.Millisecond,
	"s":            time.Second,
	"sec":          time.Second,
	"secs":         time.Second,
	"second":       time.Second,
	"seconds":      time.Second,
	"m":            time.Minute,
	"min":          time.Minute,
	"mins":         time.Minute,
	"minute":       time.Minute,
	"minutes":      time.Minute,
	"h":            time.Hour,
	"hr":           time.Hour,
	"hrs":          time.Hour,
	"hour":         time.Hour,
	"hours":        time.Hour,
	"d":            24 * time.Hour,
	"day":          24 * time.Hour,
	"days":         24 * time.Hour,
	"w":            7 * 24 * time.Hour,
	"week":         7 * 24 * time.Hour,
	"weeks":        7 * 24 * time.Hour,
	"month":        30 * 24 * time.Hour,
	"months":       30 * 24 * time.Hour,
	"y":            365 * 24 * time.Hour,
	"year":         365 * 24 * time.Hour,
	"years":        365 * 24 * time.Hour,
}

var numberWords = map[string]float64{
	"a":      1,
	"an":     1,
	"one":    1,
	"two":    2,
	"three":  3,
	"four":   4,
	"five":   5,
	"six":    6,
	"seven":  7,
	"eight":  8,
	"nine":   9,
	"ten":    10,
	"eleven": 11,
	"twelve": 12,
	"twenty": 20,
	"thirty": 30,
	"forty":  40,
	"fifty":  50,
	"sixty":  60,
}

// ParseHumanInterval parses "2 minutes", "one hour and 30 minutes", "1.5h",
// Go durations and plain milliseconds.
func ParseHumanInterval(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("empty interval")
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms <= 0 {
			return 0, errors.Newf("interval must be positive: %q", s)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, errors.Newf("interval must be positive: %q", s)
		}
		return d, nil
	}

	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})

	var total time.Duration
	var pending *float64
	parsed := false

	for _, tok := range tokens {
		if tok == "and" {
			continue
		}

		if m := numberUnitRe.FindStringSubmatch(tok); m != nil {
			n, err := strconv.ParseFloat(m[1], 64)
			unit, ok := intervalUnits[m[2]]
			if err != nil || !ok || pending != nil {
				return 0, errors.Newf("invalid interval %q", s)
			}

			total += time.Duration(n * float64(unit))
			parsed = true
			continue
		}

		if n, ok := parseNumber(tok); ok {
			if pending != nil {
				return 0, errors.Newf("invalid interval %q", s)
			}
			pending = &n
			continue
		}

		unit, ok := intervalUnits[tok]
		if !ok {
			return 0, errors.Newf("invalid interval %q: unknown unit %q", s, tok)
		}

		n := 1.0
		if pending != nil {
			n = *pending
			pending = nil
		}

		total += time.Duration(n * float64(unit))
		parsed = true
	}

	if pending != nil || !parsed || total <= 0 {
		return 0, errors.Newf("invalid interval %q", s)
	}

	return total, nil
}

func parseNumber(tok string) (float64, bool) {
	if n, ok := numberWords[tok]; ok {
		return n, true
	}

	n, err := strconv.ParseFloat(tok, 64)
	return n, err == nil
}

var timeOfDayLayouts = []string{
	"3:04pm",
	"3:04 pm",
	"3:04:05pm",
	"3:04:05 pm",
	"3pm",
	"3 pm",
	"15:04",
	"15:04:05",
}

// ParseTimeOfDay parses a wall-clock time such as "11:59pm", "3 pm",
// "15:30", "noon" or "midnight".
func ParseTimeOfDay(s string) (hour, minute, second int, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "noon":
		return 12, 0, 0, nil
	case "midnight":
		return 0, 0, 0, nil
	}

	for _, layout := range timeOfDayLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour(), t.Minute(), t.Second(), nil
		}
	}

	return 0, 0, 0, errors.Newf("invalid time of day %q", s)
}

func nextTimeOfDay(hour, minute, second int, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, second, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	return next
}

func location(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}

	return time.LoadLocation(name)
}
