package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "rpacal/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "rpacal.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testSchedule(start time.Time) Schedule {
	return Schedule{
		BotID:     "bot-1",
		BotName:   "Payroll Bot",
		Subject:   "payroll run",
		Start:     start,
		End:       start.Add(time.Hour),
		Body:      "b",
		ProcessID: "proc-1",
		Source:    "UPSTREAM_RULE",
	}
}

func TestUpsertScheduleExactMatchUpdates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	id1, err := st.UpsertSchedule(ctx, testSchedule(start))
	require.NoError(t, err)

	updated := testSchedule(start)
	updated.Body = "new body"
	id2, err := st.UpsertSchedule(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "exact bot+start+end match reuses the row")

	ok, err := st.ExistsExactActive(ctx, "bot-1", "payroll run", start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpsertScheduleProcessStartMatchUpdatesEnd(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	id1, err := st.UpsertSchedule(ctx, testSchedule(start))
	require.NoError(t, err)

	longer := testSchedule(start)
	longer.End = start.Add(2 * time.Hour)
	id2, err := st.UpsertSchedule(ctx, longer)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same process+bot+start reuses the row")

	ok, err := st.ExistsExactActive(ctx, "bot-1", "payroll run", start, start.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "end was updated in place")
}

func TestUpsertScheduleDistinctTimesInsert(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	id1, err := st.UpsertSchedule(ctx, testSchedule(start))
	require.NoError(t, err)
	id2, err := st.UpsertSchedule(ctx, testSchedule(start.Add(24*time.Hour)))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2, "repeat instances stay distinct rows")
}

func TestSoftDeleteBySourceInRange(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	_, err := st.UpsertSchedule(ctx, testSchedule(start))
	require.NoError(t, err)
	outside := testSchedule(start.AddDate(0, 2, 0))
	_, err = st.UpsertSchedule(ctx, outside)
	require.NoError(t, err)

	manual := testSchedule(start.Add(time.Hour))
	manual.Source = "MANUAL"
	_, err = st.UpsertSchedule(ctx, manual)
	require.NoError(t, err)

	n, err := st.SoftDeleteBySourceInRange(ctx, "UPSTREAM_RULE",
		start.AddDate(0, 0, -1), start.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only upstream rows inside the window")

	ok, err := st.ExistsExactActive(ctx, "bot-1", "payroll run", start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "soft-deleted rows are not active")

	ok, err = st.ExistsExactActive(ctx, "bot-1", "payroll run", manual.Start, manual.End)
	require.NoError(t, err)
	assert.True(t, ok, "manual rows survive replace mode")
}

func TestRegistrationLedgerRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	ok, err := st.IsRegistered(ctx, "bot-1", "s", start, end)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.MarkFailed(ctx, "bot-1", "s", start, end, "boom"))
	ok, err = st.IsRegistered(ctx, "bot-1", "s", start, end)
	require.NoError(t, err)
	assert.False(t, ok, "FAILED rows do not count as registered")

	require.NoError(t, st.MarkRegistered(ctx, "bot-1", "s", start, end))
	ok, err = st.IsRegistered(ctx, "bot-1", "s", start, end)
	require.NoError(t, err)
	assert.True(t, ok, "unique key flips FAILED to REGISTERED in place")
}

func TestRegisteredKeysAndRangeDelete(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, st.MarkRegistered(ctx, "bot-1", "a", start, start.Add(time.Hour)))
	require.NoError(t, st.MarkRegistered(ctx, "bot-1", "b", start.Add(2*time.Hour), start.Add(3*time.Hour)))
	require.NoError(t, st.MarkRegistered(ctx, "bot-2", "c", start, start.Add(time.Hour)))
	require.NoError(t, st.MarkFailed(ctx, "bot-1", "d", start, start.Add(time.Hour), "x"))

	keys, err := st.RegisteredKeysInRange(ctx, "bot-1", start.Add(-time.Hour), start.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.True(t, keys[RegistrationKey("a", start, start.Add(time.Hour))])
	assert.True(t, keys[RegistrationKey("b", start.Add(2*time.Hour), start.Add(3*time.Hour))])

	n, err := st.DeleteRegistrationsInRange(ctx, "bot-1", start.Add(-time.Hour), start.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "range delete clears FAILED rows too")

	keys, err = st.RegisteredKeysInRange(ctx, "bot-2", start.Add(-time.Hour), start.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Len(t, keys, 1, "other bots untouched")
}

func TestRegisteredKeysEntryRunningPastWindowEnd(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	windowEnd := time.Date(2026, time.March, 2, 18, 0, 0, 0, time.UTC)

	// Starts 10 minutes before the window closes, ends 50 minutes after.
	start := windowEnd.Add(-10 * time.Minute)
	end := windowEnd.Add(50 * time.Minute)
	require.NoError(t, st.MarkRegistered(ctx, "bot-1", "late job", start, end))

	keys, err := st.RegisteredKeysInRange(ctx, "bot-1", windowEnd.Add(-24*time.Hour), windowEnd)
	require.NoError(t, err)
	assert.True(t, keys[RegistrationKey("late job", start, end)],
		"rows are bounded by start time, not end time")

	n, err := st.DeleteRegistrationsInRange(ctx, "bot-1", windowEnd.Add(-24*time.Hour), windowEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSyncLogs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, ok, err := st.LatestSyncLog(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	base := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendSyncLog(ctx, SyncLog{SyncType: "UPSTREAM", Status: SyncSuccess, Records: 12, At: base}))
	require.NoError(t, st.AppendSyncLog(ctx, SyncLog{SyncType: "UPSTREAM", Status: SyncPartial, Records: 3, Error: "2 failed", At: base.Add(time.Hour)}))
	require.NoError(t, st.AppendSyncLog(ctx, SyncLog{SyncType: "MANUAL", Status: SyncFailed, Error: "boom", At: base.Add(2 * time.Hour)}))

	latest, ok, err := st.LatestSyncLog(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SyncFailed, latest.Status)
	assert.Equal(t, "boom", latest.Error)
	assert.Equal(t, base.Add(2*time.Hour), latest.At.UTC())

	logs, err := st.ListSyncLogs(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "MANUAL", logs[0].SyncType, "newest first")

	logs, err = st.ListSyncLogs(ctx, 10, "UPSTREAM")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, "UPSTREAM", l.SyncType)
	}

	logs, err = st.ListSyncLogs(ctx, 1, "")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
