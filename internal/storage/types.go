package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default

	// RecentWindow bounds the "recent sibling" lookup in UpsertSchedule:
	// a third-tier match inside this window is logged but still inserted,
	// because repeating jobs are distinct instances. 0 means 24h.
	RecentWindow time.Duration
}

// Schedule is one row of bot_schedules.
// Start/End are stored at second precision in UTC.
type Schedule struct {
	ID        int64
	BotID     string
	BotName   string
	Subject   string
	Start     time.Time
	End       time.Time
	Body      string
	ProcessID string
	Source    string
	Status    string
}

const (
	ScheduleActive  = "ACTIVE"
	ScheduleDeleted = "DELETED"
)

// SyncLog is one audit row describing a finished reconciliation run.
type SyncLog struct {
	ID       int64
	SyncType string
	Status   string // SUCCESS | PARTIAL | FAILED
	Records  int
	Error    string
	At       time.Time
}

const (
	SyncSuccess = "SUCCESS"
	SyncPartial = "PARTIAL"
	SyncFailed  = "FAILED"
)

// RegistrationKey is the ledger identity of one calendar entry within a
// single bot's scope. It must match how RegisteredKeysInRange builds keys.
func RegistrationKey(subject string, start, end time.Time) string {
	return subject + "||" + dbTime(start) + "||" + dbTime(end)
}

func dbTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
