// ABOUTME: Time-zone correct next-run computation for cron expressions
// ABOUTME: Fire times are found on naive wall clocks, then resolved through the zone's DST rules

package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// lookback widens the search so wall times inside a spring-forward gap,
// which resolve to instants after the gap, are not skipped. No zone has a
// gap longer than this.
const lookback = 3 * time.Hour

// maxSteps bounds the search for sparse expressions.
const maxSteps = 100000

// parseSpec parses expr into a schedule evaluated in a DST-free frame.
func parseSpec(expr string) (*cron.SpecSchedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, invalid("cron %q: %v", expr, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, invalid("cron %q: interval descriptors are not supported", expr)
	}
	naive := *spec
	naive.Location = time.UTC
	return &naive, nil
}

// LoadZone loads an IANA time zone, rejecting unknown names.
func LoadZone(tz string) (*time.Location, error) {
	if tz == "" {
		return nil, invalid("time zone required")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalid("time zone %q: %v", tz, err)
	}
	return loc, nil
}

// NextRuns returns up to count fire instants strictly after after, in UTC.
//
// Wall times that fall in a spring-forward gap fire shifted forward by the
// gap. Wall times repeated by a fall-back overlap fire once, at the earlier
// instant.
func NextRuns(expr, tz string, after time.Time, count int) ([]time.Time, error) {
	spec, err := parseSpec(expr)
	if err != nil {
		return nil, err
	}
	loc, err := LoadZone(tz)
	if err != nil {
		return nil, err
	}
	return nextRuns(spec, loc, after, count), nil
}

func nextRuns(spec *cron.SpecSchedule, loc *time.Location, after time.Time, count int) []time.Time {
	if count <= 0 {
		return nil
	}

	cursor := toNaive(after.In(loc)).Add(-lookback)
	out := make([]time.Time, 0, count)
	for steps := 0; len(out) < count && steps < maxSteps; steps++ {
		cursor = spec.Next(cursor)
		if cursor.IsZero() {
			break
		}
		inst := resolveWall(cursor, loc)
		if !inst.After(after) {
			continue
		}
		if n := len(out); n > 0 && !inst.After(out[n-1]) {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// NextRun returns the first fire instant after after, or nil if the
// expression never fires again.
func NextRun(expr, tz string, after time.Time) (*time.Time, error) {
	runs, err := NextRuns(expr, tz, after, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// toNaive keeps t's wall clock fields and drops its zone.
func toNaive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// resolveWall maps a naive wall time to an instant in loc. Ambiguous times
// take the earlier instant; nonexistent times move forward by the gap.
func resolveWall(naive time.Time, loc *time.Location) time.Time {
	secs := naive.Unix()
	_, offBefore := time.Unix(secs-86400, 0).In(loc).Zone()
	_, offAfter := time.Unix(secs+86400, 0).In(loc).Zone()

	var best time.Time
	for _, off := range []int{offBefore, offAfter} {
		inst := time.Unix(secs-int64(off), int64(naive.Nanosecond())).UTC()
		if !toNaive(inst.In(loc)).Equal(naive) {
			continue
		}
		if best.IsZero() || inst.Before(best) {
			best = inst
		}
	}
	if !best.IsZero() {
		return best
	}

	// In a gap: interpret with the offset in force before the transition
	return time.Unix(secs-int64(offBefore), int64(naive.Nanosecond())).UTC()
}

// describeRuns formats instants in loc for logs.
func describeRuns(runs []time.Time, loc *time.Location) string {
	parts := make([]string, len(runs))
	for i, r := range runs {
		parts[i] = r.In(loc).Format("2006-01-02 15:04 MST")
	}
	return strings.Join(parts, ", ")
}
