package recur

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func dt(y int, m time.Month, d, hh, mm int, loc *time.Location) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

func TestParseFrequency(t *testing.T) {
	for raw, want := range map[string]Frequency{
		"":        FreqNone,
		"none":    FreqNone,
		"DAILY":   FreqDaily,
		"weekly":  FreqWeekly,
		" MONTH ": FreqMonthly,
	} {
		got, err := ParseFrequency(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	got, err := ParseFrequency("FORTNIGHTLY")
	assert.Error(t, err)
	assert.Equal(t, FreqNone, got)
}

func TestExpandDailyEveryOtherDay(t *testing.T) {
	loc := time.UTC
	r := Rule{
		BotID:    "bot-1",
		Subject:  "nightly batch",
		Start:    dt(2026, time.January, 1, 9, 0, loc),
		Freq:     FreqDaily,
		Interval: 2,
	}
	w := Window{
		Start: dt(2026, time.January, 1, 0, 0, loc),
		End:   dt(2026, time.January, 10, 23, 59, loc),
	}

	occs := Expand(r, w, loc)
	require.Len(t, occs, 5)
	for i, day := range []int{1, 3, 5, 7, 9} {
		assert.Equal(t, dt(2026, time.January, day, 9, 0, loc), occs[i].Start)
		assert.Equal(t, dt(2026, time.January, day, 10, 0, loc), occs[i].End, "default duration")
	}
}

func TestExpandDailyAlignmentFromBase(t *testing.T) {
	loc := time.UTC
	r := Rule{
		BotID:    "bot-1",
		Subject:  "s",
		Start:    dt(2026, time.January, 1, 9, 0, loc),
		Freq:     FreqDaily,
		Interval: 3,
	}
	// Window opens between base steps; the first hit must stay on the
	// base-aligned grid (Jan 1, 4, 7, ...), not snap to the window edge.
	w := Window{
		Start: dt(2026, time.January, 3, 0, 0, loc),
		End:   dt(2026, time.January, 9, 0, 0, loc),
	}

	occs := Expand(r, w, loc)
	require.Len(t, occs, 2)
	assert.Equal(t, dt(2026, time.January, 4, 9, 0, loc), occs[0].Start)
	assert.Equal(t, dt(2026, time.January, 7, 9, 0, loc), occs[1].Start)
}

func TestExpandWeekly(t *testing.T) {
	loc := time.UTC
	// 2026-01-05 is a Monday.
	r := Rule{
		BotID:     "bot-1",
		Subject:   "s",
		Start:     dt(2026, time.January, 5, 14, 30, loc),
		Freq:      FreqWeekly,
		Interval:  2,
		Condition: "MON,FRI",
		Duration:  30 * time.Minute,
	}
	w := Window{
		Start: dt(2026, time.January, 1, 0, 0, loc),
		End:   dt(2026, time.January, 31, 23, 59, loc),
	}

	occs := Expand(r, w, loc)
	require.Len(t, occs, 4)
	want := []time.Time{
		dt(2026, time.January, 5, 14, 30, loc),  // week 0 Mon
		dt(2026, time.January, 9, 14, 30, loc),  // week 0 Fri
		dt(2026, time.January, 19, 14, 30, loc), // week 2 Mon
		dt(2026, time.January, 23, 14, 30, loc), // week 2 Fri
	}
	for i := range want {
		assert.Equal(t, want[i], occs[i].Start)
		assert.Equal(t, want[i].Add(30*time.Minute), occs[i].End)
	}
}

func TestExpandWeeklySundayBelongsToItsMondayWeek(t *testing.T) {
	loc := time.UTC
	// Base Monday 2026-01-05, weekly interval 2, SUN only.
	// Sunday 2026-01-11 closes week 0, so it fires; 2026-01-18 is week 2's
	// Sunday (closing the skipped week 1) and must not.
	r := Rule{
		BotID:     "b",
		Subject:   "s",
		Start:     dt(2026, time.January, 5, 8, 0, loc),
		Freq:      FreqWeekly,
		Interval:  2,
		Condition: "SUN",
	}
	w := Window{
		Start: dt(2026, time.January, 1, 0, 0, loc),
		End:   dt(2026, time.January, 31, 0, 0, loc),
	}

	occs := Expand(r, w, loc)
	require.Len(t, occs, 2)
	assert.Equal(t, dt(2026, time.January, 11, 8, 0, loc), occs[0].Start)
	assert.Equal(t, dt(2026, time.January, 25, 8, 0, loc), occs[1].Start)
}

func TestExpandWeeklyUnparsableConditionDegrades(t *testing.T) {
	loc := time.UTC
	r := Rule{
		BotID:     "b",
		Subject:   "s",
		Start:     dt(2026, time.January, 5, 8, 0, loc),
		Freq:      FreqWeekly,
		Condition: "whenever",
	}
	w := Window{
		Start: dt(2026, time.January, 1, 0, 0, loc),
		End:   dt(2026, time.February, 28, 0, 0, loc),
	}

	occs := Expand(r, w, loc)
	require.Len(t, occs, 1)
	assert.Equal(t, r.Start, occs[0].Start)
}

func TestExpandMonthlyExplicitDayClamped(t *testing.T) {
	loc := time.UTC
	r := Rule{
		BotID:     "b",
		Subject:   "s",
		Start:     dt(2026, time.January, 31, 10, 0, loc),
		Freq:      FreqMonthly,
		Condition: "31",
	}
	w := Window{
		Start: dt(2026, time.January, 1, 0, 0, loc),
		End:   dt(2026, time.April, 30, 23, 59, loc),
	}

	occs := Expand(r, w, loc)
	require.Len(t, occs, 4)
	assert.Equal(t, dt(2026, time.January, 31, 10, 0, loc), occs[0].Start)
	assert.Equal(t, dt(2026, time.February, 28, 10, 0, loc), occs[1].Start, "short month clamps")
	assert.Equal(t, dt(2026, time.March, 31, 10, 0, loc), occs[2].Start)
	assert.Equal(t, dt(2026, time.April, 30, 10, 0, loc), occs[3].Start)
}

func TestExpandMonthlyLast(t *testing.T) {
	loc := time.UTC
	r := Rule{
		BotID:     "b",
		Subject:   "s",
		Start:     dt(2026, time.January, 15, 18, 0, loc),
		Freq:      FreqMonthly,
		Interval:  2,
		Condition: "LAST",
	}
	w := Window{
		Start: dt(2026, time.January, 1, 0, 0, loc),
		End:   dt(2026, time.June, 30, 23, 59, loc),
	}

	occs := Expand(r, w, loc)
	require.Len(t, occs, 3)
	assert.Equal(t, dt(2026, time.January, 31, 18, 0, loc), occs[0].Start)
	assert.Equal(t, dt(2026, time.March, 31, 18, 0, loc), occs[1].Start)
	assert.Equal(t, dt(2026, time.May, 31, 18, 0, loc), occs[2].Start)
}

func TestExpandNoneAndUntilBound(t *testing.T) {
	loc := time.UTC
	r := Rule{
		BotID:   "b",
		Subject: "s",
		Start:   dt(2026, time.March, 10, 9, 0, loc),
		Freq:    FreqNone,
	}
	w := Window{
		Start: dt(2026, time.March, 1, 0, 0, loc),
		End:   dt(2026, time.March, 31, 0, 0, loc),
	}
	occs := Expand(r, w, loc)
	require.Len(t, occs, 1)
	assert.Equal(t, r.Start, occs[0].Start)

	// Until before the base start: nothing.
	r.Until = dt(2026, time.March, 5, 0, 0, loc)
	assert.Empty(t, Expand(r, w, loc))

	// Daily rule bounded by Until inside the window.
	r2 := Rule{
		BotID:   "b",
		Subject: "s",
		Start:   dt(2026, time.March, 1, 9, 0, loc),
		Until:   dt(2026, time.March, 3, 23, 59, loc),
		Freq:    FreqDaily,
	}
	occs = Expand(r2, w, loc)
	require.Len(t, occs, 3)
	assert.Equal(t, dt(2026, time.March, 3, 9, 0, loc), occs[len(occs)-1].Start)
}

func TestExpandIntradayRepeat(t *testing.T) {
	loc := time.UTC
	r := Rule{
		BotID:          "b",
		Subject:        "s",
		Start:          dt(2026, time.January, 1, 9, 0, loc),
		Freq:           FreqDaily,
		Interval:       1,
		Duration:       10 * time.Minute,
		RepeatEnabled:  true,
		RepeatInterval: 2 * time.Hour,
		RepeatCount:    3,
	}
	w := Window{
		Start: dt(2026, time.January, 1, 0, 0, loc),
		End:   dt(2026, time.January, 2, 23, 59, loc),
	}

	occs := Expand(r, w, loc)
	require.Len(t, occs, 6)
	assert.Equal(t, dt(2026, time.January, 1, 9, 0, loc), occs[0].Start)
	assert.Equal(t, dt(2026, time.January, 1, 11, 0, loc), occs[1].Start)
	assert.Equal(t, dt(2026, time.January, 1, 13, 0, loc), occs[2].Start)
	assert.Equal(t, dt(2026, time.January, 2, 9, 0, loc), occs[3].Start)
}

func TestExpandCaps(t *testing.T) {
	loc := time.UTC
	r := Rule{
		BotID:    "b",
		Subject:  "s",
		Start:    dt(2020, time.January, 1, 0, 0, loc),
		Freq:     FreqDaily,
		Interval: 1,
	}
	w := Window{
		Start: dt(2020, time.January, 1, 0, 0, loc),
		End:   dt(2026, time.January, 1, 0, 0, loc),
	}
	occs := Expand(r, w, loc)
	assert.Len(t, occs, maxDayCandidates)

	r.RepeatEnabled = true
	r.RepeatInterval = time.Minute
	r.RepeatCount = 100
	occs = Expand(r, w, loc)
	assert.Len(t, occs, maxOccurrences)
}

func TestExpandIdempotent(t *testing.T) {
	loc := mustLoc(t, "Asia/Seoul")
	r := Rule{
		BotID:     "bot-9",
		Subject:   "monthly close",
		Start:     dt(2026, time.January, 31, 7, 0, loc),
		Freq:      FreqMonthly,
		Condition: "LAST",
	}
	w := Window{
		Start: dt(2026, time.January, 1, 0, 0, loc),
		End:   dt(2026, time.December, 31, 0, 0, loc),
	}

	first := Expand(r, w, loc)
	second := Expand(r, w, loc)
	assert.Equal(t, first, second)
}
