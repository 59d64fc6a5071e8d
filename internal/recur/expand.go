package recur

import (
	"time"

	"rpacal/internal/occurrence"
)

// Expansion guards. A runaway rule stops early instead of erroring:
// at most maxDayCandidates day-level starts and maxOccurrences emitted
// occurrences per rule, intraday repeats included.
const (
	maxDayCandidates = 200
	maxOccurrences   = 2000

	// DefaultDuration is used when a rule carries no per-occurrence end.
	DefaultDuration = 60 * time.Minute
)

// Window is the closed date window an expansion is requested for.
type Window struct {
	Start time.Time
	End   time.Time
}

// Expand materializes all occurrences of r inside w. The effective range is
// the intersection of w with [r.Start, r.Until]; an empty intersection
// produces nothing. Results are ordered by start time.
//
// Expand never fails: rules with unusable recurrence fields degrade to the
// single base occurrence (if in range).
func Expand(r Rule, w Window, loc *time.Location) []occurrence.Occurrence {
	if loc == nil {
		loc = time.UTC
	}
	if r.Start.IsZero() || w.Start.IsZero() || w.End.IsZero() {
		return nil
	}

	lo := w.Start
	if r.Start.After(lo) {
		lo = r.Start
	}
	hi := w.End
	if !r.Until.IsZero() && r.Until.Before(hi) {
		hi = r.Until
	}
	if lo.After(hi) {
		return nil
	}

	starts := dayStarts(r, lo, hi, loc)
	if len(starts) == 0 {
		return nil
	}

	dur := r.Duration
	if dur <= 0 {
		dur = DefaultDuration
	}

	out := make([]occurrence.Occurrence, 0, len(starts))
	emit := func(t time.Time) bool {
		if len(out) >= maxOccurrences {
			return false
		}
		out = append(out, occurrence.Occurrence{
			BotID:       r.BotID,
			BotName:     r.BotName,
			Subject:     r.Subject,
			Body:        r.Body,
			ProcessID:   r.ProcessID,
			ProcessName: r.ProcessName,
			Start:       t,
			End:         t.Add(dur),
			Source:      occurrence.SourceRule,
		})
		return true
	}

	for _, day := range starts {
		if !emit(day) {
			break
		}
		if !r.RepeatEnabled || r.RepeatInterval <= 0 || r.RepeatCount <= 1 {
			continue
		}
		for i := 1; i < r.RepeatCount; i++ {
			t := day.Add(time.Duration(i) * r.RepeatInterval)
			if t.After(hi) {
				break
			}
			if !emit(t) {
				break
			}
		}
	}
	return out
}

// dayStarts produces the day-level occurrence starts of r inside [lo, hi],
// each at the rule's time-of-day in loc, capped at maxDayCandidates.
func dayStarts(r Rule, lo, hi time.Time, loc *time.Location) []time.Time {
	base := r.Start.In(loc)
	hh, mm, ss := base.Clock()
	baseDay := midnight(base)
	loDay := midnight(lo.In(loc))
	hiDay := midnight(hi.In(loc))

	inRange := func(t time.Time) bool { return !t.Before(lo) && !t.After(hi) }
	at := func(day time.Time) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), hh, mm, ss, 0, loc)
	}

	var out []time.Time
	push := func(t time.Time) bool {
		if len(out) >= maxDayCandidates {
			return false
		}
		if inRange(t) {
			out = append(out, t)
		}
		return true
	}

	switch r.Freq {
	case FreqDaily:
		step := r.interval()
		// First candidate at or after loDay that is aligned to the base day.
		offset := daysBetween(baseDay, loDay)
		if offset < 0 {
			offset = 0
		} else if rem := offset % step; rem != 0 {
			offset += step - rem
		}
		for d := baseDay.AddDate(0, 0, offset); !d.After(hiDay); d = d.AddDate(0, 0, step) {
			if !push(at(d)) {
				break
			}
		}

	case FreqWeekly:
		set, ok := weekdaySet(r.Condition)
		if !ok {
			// Unparsable weekday list: degrade to the base occurrence.
			return singleBase(at(baseDay), lo, hi)
		}
		step := r.interval()
		baseWeek := mondayOf(baseDay)
		start := loDay
		if start.Before(baseDay) {
			start = baseDay
		}
		for d := start; !d.After(hiDay); d = d.AddDate(0, 0, 1) {
			if !set[d.Weekday()] {
				continue
			}
			weeks := daysBetween(baseWeek, mondayOf(d)) / 7
			if weeks < 0 || weeks%step != 0 {
				continue
			}
			if !push(at(d)) {
				break
			}
		}

	case FreqMonthly:
		explicitDay, lastDay, hasCond := monthlyDay(r.Condition)
		step := r.interval()
		anchor := baseDay.Day()
		y, m := baseDay.Year(), baseDay.Month()
		for i := 0; ; i += step {
			my, mm2 := addMonths(y, m, i)
			first := time.Date(my, mm2, 1, 0, 0, 0, 0, loc)
			if first.After(hiDay) {
				break
			}
			day := anchor
			switch {
			case lastDay:
				day = lastDayOfMonth(my, mm2)
			case hasCond:
				day = explicitDay
			}
			if monthLen := lastDayOfMonth(my, mm2); day > monthLen {
				day = monthLen
			}
			if !push(at(time.Date(my, mm2, day, 0, 0, 0, 0, loc))) {
				break
			}
			if len(out) >= maxDayCandidates {
				break
			}
		}

	default: // FreqNone and anything unrecognized
		return singleBase(at(baseDay), lo, hi)
	}
	return out
}

func singleBase(t, lo, hi time.Time) []time.Time {
	if t.Before(lo) || t.After(hi) {
		return nil
	}
	return []time.Time{t}
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// mondayOf truncates a date to the Monday starting its ISO week.
func mondayOf(day time.Time) time.Time {
	wd := int(day.Weekday())
	if wd == 0 {
		wd = 7 // Sunday belongs to the preceding Monday's week
	}
	return day.AddDate(0, 0, 1-wd)
}

// daysBetween counts calendar days from a to b (both at midnight in the
// same location). Rounding absorbs DST-shortened or -lengthened days.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Round(24*time.Hour) / (24 * time.Hour))
}

func addMonths(y int, m time.Month, n int) (int, time.Month) {
	idx := y*12 + int(m) - 1 + n
	return idx / 12, time.Month(idx%12 + 1)
}
