package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpacal/internal/cache"
	"rpacal/internal/config"
	"rpacal/internal/engine"
	"rpacal/internal/storage"
	logx "rpacal/pkg/logx"
)

type fakeSync struct {
	snapshot   engine.Snapshot
	triggerErr error
	gotRange   engine.Range

	latest     storage.SyncLog
	latestOK   bool
	auditCalls int

	logs      []storage.SyncLog
	gotLimit  int
	gotType   string
	listCalls int
}

func (f *fakeSync) TriggerRun(rng engine.Range) (engine.Snapshot, error) {
	f.gotRange = rng
	return f.snapshot, f.triggerErr
}

func (f *fakeSync) Snapshot() engine.Snapshot { return f.snapshot }

func (f *fakeSync) DefaultRange(now time.Time) engine.Range {
	start := time.Date(2026, 7, 25, 0, 0, 0, 0, time.UTC)
	return engine.Range{Start: start, End: start.AddDate(1, 0, 0)}
}

func (f *fakeSync) Location() *time.Location { return time.UTC }

func (f *fakeSync) LatestAudit(ctx context.Context) (storage.SyncLog, bool, error) {
	f.auditCalls++
	return f.latest, f.latestOK, nil
}

func (f *fakeSync) ListAudit(ctx context.Context, limit int, syncType string) ([]storage.SyncLog, error) {
	f.listCalls++
	f.gotLimit = limit
	f.gotType = syncType
	return f.logs, nil
}

func newTestServer(t *testing.T, f *fakeSync) (*Server, *cache.Cache) {
	t.Helper()
	c, err := cache.Open(&config.CacheConfig{Enabled: true, InMemory: true}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return New(config.HTTPConfig{}, f, c, logx.Nop()), c
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeSync{})
	w := do(s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestTriggerRunDefaults(t *testing.T) {
	f := &fakeSync{snapshot: engine.Snapshot{InProgress: true, RunID: "r1"}}
	s, _ := newTestServer(t, f)

	w := do(s, http.MethodPost, "/api/sync/runs", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, f.DefaultRange(time.Now()), f.gotRange)

	var snap engine.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.True(t, snap.InProgress)
	assert.Equal(t, "r1", snap.RunID)
}

func TestTriggerRunExplicitDates(t *testing.T) {
	f := &fakeSync{}
	s, _ := newTestServer(t, f)

	w := do(s, http.MethodPost, "/api/sync/runs", `{"startDate":"2026-03-01","endDate":"2026-03-10"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.gotRange.Start)
	// End date is inclusive: the window runs to the end of that day.
	assert.Equal(t, time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC), f.gotRange.End)
}

func TestTriggerRunBadInput(t *testing.T) {
	s, _ := newTestServer(t, &fakeSync{})

	w := do(s, http.MethodPost, "/api/sync/runs", `{"startDate":"03/01/2026"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "startDate")

	w = do(s, http.MethodPost, "/api/sync/runs", `{"startDate":"2026-03-10","endDate":"2026-03-01"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "after")
}

func TestTriggerRunBusy(t *testing.T) {
	f := &fakeSync{triggerErr: engine.ErrBusy, snapshot: engine.Snapshot{InProgress: true}}
	s, _ := newTestServer(t, f)

	w := do(s, http.MethodPost, "/api/sync/runs", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already in progress")
	assert.Contains(t, w.Body.String(), `"inProgress":true`)
}

func TestStatusActiveRun(t *testing.T) {
	f := &fakeSync{snapshot: engine.Snapshot{InProgress: true, RunID: "r9"}}
	s, _ := newTestServer(t, f)

	w := do(s, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"r9"`)
	assert.Zero(t, f.auditCalls, "no audit fallback while a run is live")
}

func TestStatusIdleFallsBackToAudit(t *testing.T) {
	f := &fakeSync{
		latest:   storage.SyncLog{ID: 4, SyncType: "UPSTREAM", Status: storage.SyncSuccess, Records: 12},
		latestOK: true,
	}
	s, _ := newTestServer(t, f)

	w := do(s, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"recordsSynced":12`)
	assert.Contains(t, w.Body.String(), `"inProgress":false`)
	require.Equal(t, 1, f.auditCalls)

	// Second read is served from the cache.
	w = do(s, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.auditCalls)
}

func TestLogs(t *testing.T) {
	f := &fakeSync{logs: []storage.SyncLog{
		{ID: 2, SyncType: "UPSTREAM", Status: storage.SyncPartial, Records: 3, Error: "2 records failed"},
		{ID: 1, SyncType: "UPSTREAM", Status: storage.SyncSuccess, Records: 5},
	}}
	s, _ := newTestServer(t, f)

	w := do(s, http.MethodGet, "/api/sync/logs?limit=20&syncType=UPSTREAM", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 20, f.gotLimit)
	assert.Equal(t, "UPSTREAM", f.gotType)
	assert.Contains(t, w.Body.String(), `"count":2`)
	assert.Contains(t, w.Body.String(), `"errorMessage":"2 records failed"`)

	// Cached per limit+type key.
	w = do(s, http.MethodGet, "/api/sync/logs?limit=20&syncType=UPSTREAM", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.listCalls)

	w = do(s, http.MethodGet, "/api/sync/logs?limit=zzz", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogsColdCacheDisabled(t *testing.T) {
	f := &fakeSync{logs: []storage.SyncLog{{ID: 1, Status: storage.SyncSuccess}}}
	s := New(config.HTTPConfig{}, f, nil, logx.Nop())

	w := do(s, http.MethodGet, "/api/sync/logs", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(s, http.MethodGet, "/api/sync/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, f.listCalls, "no cache means every read hits the store")
}
