// ABOUTME: Tests for next-run computation across time zones and DST transitions
// ABOUTME: Uses the 2026 America/New_York transitions (Mar 8 and Nov 1)

package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func TestNextRuns_UTCDaily(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)

	runs, err := NextRuns("0 0 * * *", "UTC", after, 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		utc(2026, 1, 2, 0, 0),
		utc(2026, 1, 3, 0, 0),
		utc(2026, 1, 4, 0, 0),
	}, runs)
}

func TestNextRuns_StrictlyAfter(t *testing.T) {
	runs, err := NextRuns("0 0 * * *", "UTC", utc(2026, 1, 2, 0, 0), 1)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{utc(2026, 1, 3, 0, 0)}, runs)
}

func TestNextRuns_DailyAcrossSpringForward(t *testing.T) {
	runs, err := NextRuns("0 9 * * *", "America/New_York", utc(2026, 3, 6, 15, 0), 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		utc(2026, 3, 7, 14, 0), // EST
		utc(2026, 3, 8, 13, 0), // EDT
		utc(2026, 3, 9, 13, 0),
	}, runs)
}

func TestNextRuns_DailyAcrossFallBack(t *testing.T) {
	runs, err := NextRuns("0 9 * * *", "America/New_York", utc(2026, 10, 30, 14, 0), 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		utc(2026, 10, 31, 13, 0), // EDT
		utc(2026, 11, 1, 14, 0),  // EST
		utc(2026, 11, 2, 14, 0),
	}, runs)
}

func TestNextRuns_GapShiftsForward(t *testing.T) {
	// 02:30 does not exist on Mar 8; it fires at 03:30 EDT
	runs, err := NextRuns("30 2 * * *", "America/New_York", utc(2026, 3, 8, 5, 0), 2)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		utc(2026, 3, 8, 7, 30),
		utc(2026, 3, 9, 6, 30),
	}, runs)
}

func TestNextRuns_AmbiguousFiresOnceAtEarlierInstant(t *testing.T) {
	// 01:30 happens twice on Nov 1; only the EDT occurrence fires
	runs, err := NextRuns("30 1 * * *", "America/New_York", utc(2026, 11, 1, 4, 0), 2)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		utc(2026, 11, 1, 5, 30),
		utc(2026, 11, 2, 6, 30),
	}, runs)
}

func TestNextRuns_EveryFifteenMinutesThroughFallBack(t *testing.T) {
	runs, err := NextRuns("*/15 * * * *", "America/New_York", utc(2026, 11, 1, 5, 50), 8)
	require.NoError(t, err)
	require.Len(t, runs, 8)
	for i := 1; i < len(runs); i++ {
		assert.True(t, runs[i].After(runs[i-1]), "runs must increase")
	}
	// the repeated 01:xx hour only fires on its first pass
	assert.Equal(t, utc(2026, 11, 1, 7, 0), runs[0])
}

func TestNextRuns_Errors(t *testing.T) {
	_, err := NextRuns("0 9 * * *", "Mars/Olympus_Mons", utc(2026, 1, 1, 0, 0), 1)
	assert.ErrorIs(t, err, ErrInvalidRecurrence)

	_, err = NextRuns("bogus", "UTC", utc(2026, 1, 1, 0, 0), 1)
	assert.ErrorIs(t, err, ErrInvalidRecurrence)

	_, err = LoadZone("")
	assert.ErrorIs(t, err, ErrInvalidRecurrence)
}

func TestNextRun_NeverAgain(t *testing.T) {
	// Feb 30 never occurs
	next, err := NextRun("0 0 30 2 *", "UTC", utc(2026, 1, 1, 0, 0))
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextRuns_ZeroCount(t *testing.T) {
	runs, err := NextRuns("0 0 * * *", "UTC", utc(2026, 1, 1, 0, 0), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
