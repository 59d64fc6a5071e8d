// Package recur expands upstream recurrence rules into concrete
// occurrences inside a requested window.
package recur

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency is the recurrence kind of an upstream rule.
type Frequency string

const (
	FreqNone    Frequency = "NONE"
	FreqDaily   Frequency = "DAILY"
	FreqWeekly  Frequency = "WEEKLY"
	FreqMonthly Frequency = "MONTHLY"
)

// ParseFrequency normalizes an upstream frequency token.
// Unknown tokens are an error; callers degrade to FreqNone so a malformed
// rule still yields its single base occurrence instead of aborting the run.
func ParseFrequency(raw string) (Frequency, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "NONE", "ONCE":
		return FreqNone, nil
	case "DAILY", "DAY":
		return FreqDaily, nil
	case "WEEKLY", "WEEK":
		return FreqWeekly, nil
	case "MONTHLY", "MONTH":
		return FreqMonthly, nil
	default:
		return FreqNone, fmt.Errorf("unknown frequency %q", raw)
	}
}

// Rule is one upstream definition of a repeating job, already normalized
// from the wire shape.
type Rule struct {
	BotID       string
	BotName     string
	Subject     string
	Body        string
	ProcessID   string
	ProcessName string

	// Start anchors both the first occurrence date and the time-of-day of
	// every occurrence.
	Start time.Time
	// Until bounds the recurrence; zero means open-ended.
	Until time.Time

	Freq     Frequency
	Interval int // every N days/weeks/months; values < 1 mean 1

	// Condition carries the frequency-specific tokens:
	//   WEEKLY:  comma list of weekday names ("MON,WED,FRI")
	//   MONTHLY: a day-of-month number ("15") or "LAST"
	Condition string

	// Duration of each occurrence; 0 falls back to the expander default.
	Duration time.Duration

	// Intraday repeat: up to RepeatCount sub-occurrences spaced
	// RepeatInterval apart after each day-level start.
	RepeatEnabled  bool
	RepeatInterval time.Duration
	RepeatCount    int
}

func (r Rule) interval() int {
	if r.Interval < 1 {
		return 1
	}
	return r.Interval
}

var weekdayNames = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday,
	"WED": time.Wednesday, "THU": time.Thursday, "FRI": time.Friday,
	"SAT": time.Saturday,
	"SUNDAY": time.Sunday, "MONDAY": time.Monday, "TUESDAY": time.Tuesday,
	"WEDNESDAY": time.Wednesday, "THURSDAY": time.Thursday,
	"FRIDAY": time.Friday, "SATURDAY": time.Saturday,
}

// weekdaySet parses the WEEKLY condition. An empty or fully unparsable
// condition returns ok=false.
func weekdaySet(condition string) (map[time.Weekday]bool, bool) {
	set := make(map[time.Weekday]bool)
	for _, tok := range strings.Split(condition, ",") {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if wd, ok := weekdayNames[tok]; ok {
			set[wd] = true
		}
	}
	return set, len(set) > 0
}

// monthlyDay parses the MONTHLY condition.
// Returns (day, last, ok): an explicit day number, the "last day" flag, or
// ok=false when the condition is absent/unparsable (callers then use the
// rule's own anchor day capped at month length).
func monthlyDay(condition string) (int, bool, bool) {
	tok := strings.ToUpper(strings.TrimSpace(condition))
	if tok == "" {
		return 0, false, false
	}
	if tok == "LAST" || tok == "LASTDAY" || tok == "LAST_DAY" {
		return 0, true, true
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 1 || n > 31 {
		return 0, false, false
	}
	return n, false, true
}

// lastDayOfMonth returns the day number of the final day in the month
// containing t.
func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
