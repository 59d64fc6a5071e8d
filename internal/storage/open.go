package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "rpacal/pkg/logx"
)

// Store is the persistence API used by the engine and the HTTP layer.
type Store interface {
	// Schedule store.
	UpsertSchedule(ctx context.Context, s Schedule) (int64, error)
	ExistsExactActive(ctx context.Context, botID, subject string, start, end time.Time) (bool, error)
	SoftDeleteBySourceInRange(ctx context.Context, source string, start, end time.Time) (int64, error)

	// Calendar registration ledger.
	IsRegistered(ctx context.Context, botID, subject string, start, end time.Time) (bool, error)
	MarkRegistered(ctx context.Context, botID, subject string, start, end time.Time) error
	MarkFailed(ctx context.Context, botID, subject string, start, end time.Time, cause string) error
	RegisteredKeysInRange(ctx context.Context, botID string, start, end time.Time) (map[string]bool, error)
	DeleteRegistrationsInRange(ctx context.Context, botID string, start, end time.Time) (int64, error)

	// Audit.
	AppendSyncLog(ctx context.Context, e SyncLog) error
	ListSyncLogs(ctx context.Context, limit int, syncType string) ([]SyncLog, error)
	LatestSyncLog(ctx context.Context) (SyncLog, bool, error)

	Close() error
}

// Open initializes the sqlite store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
