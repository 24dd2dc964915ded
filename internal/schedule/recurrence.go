// ABOUTME: Structured recurrence parameters and their compilation to 5-field cron
// ABOUTME: Invalid input is rejected with ErrInvalidRecurrence before anything is stored

package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRecurrence is returned for malformed recurrence parameters or cron expressions.
var ErrInvalidRecurrence = errors.New("invalid recurrence")

// RecurrenceType selects which Recurrence fields apply.
type RecurrenceType string

const (
	RecurrenceOnce     RecurrenceType = "once"
	RecurrenceMinutes  RecurrenceType = "minutes"
	RecurrenceHourly   RecurrenceType = "hourly"
	RecurrenceDaily    RecurrenceType = "daily"
	RecurrenceWeekly   RecurrenceType = "weekly"
	RecurrenceMonthly  RecurrenceType = "monthly"
	RecurrenceAdvanced RecurrenceType = "advanced"
)

// onceLayout is the local date-time format of a one-off run.
const onceLayout = "2006-01-02T15:04"

// Recurrence holds the user-facing schedule parameters.
//
//	once      Date ("2006-01-02T15:04", local to the schedule's time zone)
//	minutes   Interval (1-59)
//	hourly    Interval (1-23), Minute
//	daily     At ("HH:MM")
//	weekly    At, Weekdays ("mon", "tuesday", ...)
//	monthly   At, DayOfMonth (1-31)
//	advanced  Cron (5 fields or a descriptor such as @daily)
type Recurrence struct {
	Type       RecurrenceType `json:"type"`
	Interval   int            `json:"interval,omitempty"`
	Minute     int            `json:"minute,omitempty"`
	At         string         `json:"at,omitempty"`
	Weekdays   []string       `json:"weekdays,omitempty"`
	DayOfMonth int            `json:"dayOfMonth,omitempty"`
	Date       string         `json:"date,omitempty"`
	Cron       string         `json:"cron,omitempty"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecurrence, fmt.Sprintf(format, args...))
}

// ParseRecurrence decodes stored recurrence parameters.
func ParseRecurrence(raw string) (Recurrence, error) {
	var r Recurrence
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Recurrence{}, invalid("decoding parameters: %v", err)
	}
	return r, nil
}

// JSON encodes r for storage.
func (r Recurrence) JSON() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// Compile validates r and returns its cron expression.
//
// For RecurrenceOnce the expression pins minute, hour, day and month only,
// so read as cron it would repeat every year. Once schedules fire from
// OnceAt(Date) and must never be evaluated through NextRun or NextRuns;
// the expression is kept for display.
func (r Recurrence) Compile() (string, error) {
	switch r.Type {
	case RecurrenceOnce:
		t, err := time.Parse(onceLayout, r.Date)
		if err != nil {
			return "", invalid("once: date must look like %s", onceLayout)
		}
		return fmt.Sprintf("%d %d %d %d *", t.Minute(), t.Hour(), t.Day(), int(t.Month())), nil

	case RecurrenceMinutes:
		if r.Interval < 1 || r.Interval > 59 {
			return "", invalid("minutes: interval must be 1-59, got %d", r.Interval)
		}
		return fmt.Sprintf("*/%d * * * *", r.Interval), nil

	case RecurrenceHourly:
		if r.Interval < 1 || r.Interval > 23 {
			return "", invalid("hourly: interval must be 1-23, got %d", r.Interval)
		}
		if r.Minute < 0 || r.Minute > 59 {
			return "", invalid("hourly: minute must be 0-59, got %d", r.Minute)
		}
		return fmt.Sprintf("%d */%d * * *", r.Minute, r.Interval), nil

	case RecurrenceDaily:
		h, m, err := parseHHMM(r.At)
		if err != nil {
			return "", invalid("daily: %v", err)
		}
		return fmt.Sprintf("%d %d * * *", m, h), nil

	case RecurrenceWeekly:
		h, m, err := parseHHMM(r.At)
		if err != nil {
			return "", invalid("weekly: %v", err)
		}
		days, err := parseWeekdays(r.Weekdays)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * %s", m, h, days), nil

	case RecurrenceMonthly:
		h, m, err := parseHHMM(r.At)
		if err != nil {
			return "", invalid("monthly: %v", err)
		}
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return "", invalid("monthly: dayOfMonth must be 1-31, got %d", r.DayOfMonth)
		}
		return fmt.Sprintf("%d %d %d * *", m, h, r.DayOfMonth), nil

	case RecurrenceAdvanced:
		expr := strings.TrimSpace(r.Cron)
		if expr == "" {
			return "", invalid("advanced: cron expression required")
		}
		if _, err := parseSpec(expr); err != nil {
			return "", err
		}
		return expr, nil

	default:
		return "", invalid("unknown type %q", r.Type)
	}
}

// OnceAt resolves a once recurrence to its instant in loc.
func (r Recurrence) OnceAt(loc *time.Location) (time.Time, error) {
	t, err := time.Parse(onceLayout, r.Date)
	if err != nil {
		return time.Time{}, invalid("once: date must look like %s", onceLayout)
	}
	return resolveWall(t, loc), nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// parseWeekdays returns a sorted, de-duplicated cron day-of-week list.
func parseWeekdays(names []string) (string, error) {
	if len(names) == 0 {
		return "", invalid("weekly: at least one weekday required")
	}
	seen := make(map[time.Weekday]bool)
	for _, n := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return "", invalid("weekly: unknown weekday %q", n)
		}
		seen[d] = true
	}

	days := make([]int, 0, len(seen))
	for d := range seen {
		days = append(days, int(d))
	}
	sort.Ints(days)

	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ","), nil
}
