// Package occurrence holds the normalized schedule record both sync
// streams operate on. Upstream history records and expanded recurrence
// rules are converted into Occurrence at the boundary; nothing past that
// point branches on where a record came from.
package occurrence

import (
	"strings"
	"time"
)

// Source identifies where an occurrence originated.
type Source string

const (
	SourceRule    Source = "UPSTREAM_RULE"
	SourceHistory Source = "UPSTREAM_HISTORY"
	SourceManual  Source = "MANUAL"
)

// Occurrence is one concrete, time-bound execution of a bot process.
// Start/End form a half-open interval; End > Start.
type Occurrence struct {
	BotID       string
	BotName     string
	Subject     string
	Start       time.Time
	End         time.Time
	Body        string
	ProcessID   string
	ProcessName string
	Source      Source
}

// Bot returns the storage-side bot identity: the ID when present,
// otherwise the name.
func (o Occurrence) Bot() string {
	if strings.TrimSpace(o.BotID) != "" {
		return o.BotID
	}
	return o.BotName
}

// CalendarBot returns the calendar-side bot identity. The calendar surface
// shows human-readable names, so the name wins over the ID here.
func (o Occurrence) CalendarBot() string {
	if strings.TrimSpace(o.BotName) != "" {
		return o.BotName
	}
	return o.BotID
}

// Key is the identity used for deduplication and ledger lookups:
// bot, subject, start and end at second precision (UTC). Two occurrences
// with equal keys are the same schedule regardless of origin.
func (o Occurrence) Key() string {
	return o.Bot() + "||" + o.Subject + "||" +
		o.Start.UTC().Truncate(time.Second).Format(time.RFC3339) + "||" +
		o.End.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// Valid reports whether the occurrence can be synced at all.
func (o Occurrence) Valid() bool {
	if o.Start.IsZero() || !o.End.After(o.Start) {
		return false
	}
	return strings.TrimSpace(o.Bot()) != ""
}
