package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "DEBUG", "console": true},
		"storage": {"path": "./rpacal.db", "busy_timeout": "5s"},
		"upstream": {"base_url": "http://up.local", "token": "tok", "page_limit": 50},
		"calendar": {
			"create_url": "http://flow.local/create",
			"create_on_query_error": false,
			"max_creates_per_run": 20
		},
		"sync": {"enabled": true, "schedule": "0 * * * *", "timezone": "Asia/Seoul", "bucket_minutes": 10},
		"http": {"enabled": true, "addr": "127.0.0.1:9090"}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "http://up.local", cfg.Upstream.BaseURL)
	assert.Equal(t, 50, cfg.Upstream.PageLimit)
	assert.False(t, cfg.Calendar.CreateOnQueryErrorEnabled(), "explicit false is honored")
	assert.True(t, cfg.Calendar.RefreshOnDiffEnabled(), "omitted knob defaults true")
	assert.True(t, cfg.Sync.ReplaceInRangeEnabled())
	assert.Equal(t, 10, cfg.Sync.BucketMinutes)
	assert.Same(t, cfg, m.Get())
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: INFO
  console: true
storage:
  path: ./rpacal.db
upstream:
  base_url: http://up.local
calendar:
  query_url: http://flow.local/query
  empty_query_statuses: [404, 204]
sync:
  enabled: true
http:
  enabled: false
`)

	cfg, err := NewManager(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "http://up.local", cfg.Upstream.BaseURL)
	assert.Equal(t, []int{404, 204}, cfg.Calendar.EmptyQueryStatuses)
	assert.False(t, cfg.HTTP.Enabled)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.json", `{"storage": {"path": "x", "driver": "mysql"}}`)
	_, err := NewManager(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver")
}

func TestLoadRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"storage": {"path": "x"}}{"again": true}`)
	_, err := NewManager(path).Load()
	require.Error(t, err)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("a.b", " 1m30s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDurationField("a.b", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("a.b", "5 minutes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.b")

	_, err = ParseDurationField("a.b", "-1s")
	require.Error(t, err)
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("a.b", "", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseDurationOrDefault("a.b", "2s", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
}

func TestSubscribePublish(t *testing.T) {
	path := writeConfig(t, "config.json", `{"storage": {"path": "x"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	next := &Config{}
	next.Storage.Path = "y"
	m.Commit(next)
	m.publish(next)

	select {
	case got := <-sub:
		assert.Equal(t, "y", got.Storage.Path)
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{}
	a.Sync.Timezone = "UTC"
	b := &Config{}
	b.Sync.Timezone = "Asia/Seoul"
	b.HTTP.Enabled = true

	assert.Equal(t, []string{"sync", "http"}, SummarizeConfigChange(a, b))
	assert.Empty(t, SummarizeConfigChange(b, b))
	assert.Nil(t, SummarizeConfigChange(nil, b))
}
