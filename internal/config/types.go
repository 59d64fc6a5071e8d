package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Cache    *CacheConfig   `json:"cache,omitempty"`
	Upstream UpstreamConfig `json:"upstream"`
	Calendar CalendarConfig `json:"calendar"`
	Sync     SyncConfig     `json:"sync"`
	HTTP     HTTPConfig     `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite persistence layer.
//
// Example:
//
//	"storage": { "path": "./rpacal.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// CacheConfig controls the read-side cache the sync invalidates.
// If the whole section is omitted, the cache is disabled and
// invalidation is a no-op.
type CacheConfig struct {
	Enabled  bool   `json:"enabled"`
	Path     string `json:"path,omitempty"`
	InMemory bool   `json:"in_memory,omitempty"` // tests/dev: no files on disk
}

// UpstreamConfig points at the job scheduler that is the source of truth
// for bot executions and recurrence rules.
type UpstreamConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"` // bearer token (do not log)
	// Timeout is a Go duration string per request (default "30s").
	Timeout   string `json:"timeout,omitempty"`
	PageLimit int    `json:"page_limit,omitempty"` // default 100
}

// CalendarConfig points at the downstream calendar automation endpoints
// and carries the reconciliation policy knobs.
//
// CreateOnQueryError and RefreshOnDiff are pointers so an omitted field
// defaults to true while an explicit false is honored.
type CalendarConfig struct {
	QueryURL   string `json:"query_url,omitempty"`
	CreateURL  string `json:"create_url,omitempty"`
	RefreshURL string `json:"refresh_url,omitempty"`

	// Timeout is a Go duration string per request (default "30s").
	Timeout string `json:"timeout,omitempty"`
	// MinCreateSpacing is the enforced gap between create dispatches
	// (default "1s"). Creates are serialized regardless of caller count.
	MinCreateSpacing string `json:"min_create_spacing,omitempty"`

	// CreateOnQueryError: when an existence query fails, attempt the create
	// anyway (default true). False skips the occurrence instead.
	CreateOnQueryError *bool `json:"create_on_query_error,omitempty"`
	// DisableExistenceCheck forces creates even when the query says the
	// entry already exists. Ledger REGISTERED rows are still skipped.
	DisableExistenceCheck bool `json:"disable_existence_check,omitempty"`

	MaxCreatesPerRun int   `json:"max_creates_per_run,omitempty"` // 0 = unlimited
	RefreshOnDiff    *bool `json:"refresh_on_diff,omitempty"`
	MaxRefreshCalls  int   `json:"max_refresh_calls,omitempty"` // default 10

	// SyncTag is stamped into created entry bodies as "[syncTag=...]".
	SyncTag string `json:"sync_tag,omitempty"`

	// EmptyQueryStatuses are HTTP statuses the query endpoint uses to mean
	// "no matching entries" (normalized to an empty result). Default [404].
	EmptyQueryStatuses []int `json:"empty_query_statuses,omitempty"`
}

// SyncConfig controls the reconciliation runs.
type SyncConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule is a cron expression for the periodic trigger
	// (default "0 * * * *": top of every hour).
	Schedule string `json:"schedule,omitempty"`
	// Timezone is the IANA zone used for day boundaries and the cron
	// trigger (default "Asia/Seoul").
	Timezone string `json:"timezone,omitempty"`

	// BucketMinutes groups stored rows into fixed time buckets to cut row
	// volume. Must be a positive multiple of 5; 0 disables grouping.
	// Calendar registration always uses exact, ungrouped occurrences.
	BucketMinutes int `json:"bucket_minutes,omitempty"`

	// ReplaceInRange soft-deletes previously synced rows in the window
	// before re-upserting (default true).
	ReplaceInRange *bool `json:"replace_in_range,omitempty"`

	// RecentWindow bounds the "recent same process+bot" dedupe heuristic
	// (default "24h").
	RecentWindow string `json:"recent_window,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
}

func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// CreateOnQueryErrorEnabled resolves the pointer knob (default true).
func (c CalendarConfig) CreateOnQueryErrorEnabled() bool {
	return boolOrDefault(c.CreateOnQueryError, true)
}

// RefreshOnDiffEnabled resolves the pointer knob (default true).
func (c CalendarConfig) RefreshOnDiffEnabled() bool {
	return boolOrDefault(c.RefreshOnDiff, true)
}

// ReplaceInRangeEnabled resolves the pointer knob (default true).
func (c SyncConfig) ReplaceInRangeEnabled() bool {
	return boolOrDefault(c.ReplaceInRange, true)
}
