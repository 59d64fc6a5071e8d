// Package cache is a small badger-backed KV layer for read responses that
// reconciliation runs invalidate by key prefix. It is strictly best-effort:
// a nil *Cache is valid and every operation on it is a no-op.
package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"rpacal/internal/config"
	logx "rpacal/pkg/logx"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

type Cache struct {
	db  *badger.DB
	log logx.Logger
}

// Open builds the cache from config. A disabled or absent section yields
// (nil, nil).
func Open(cfg *config.CacheConfig, log logx.Logger) (*Cache, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("cache.path is required unless in_memory is set")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(false).WithNumVersionsToKeep(1).WithLogger(badgerLogger{log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &Cache{db: db, log: log}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Cache) Get(key string) ([]byte, error) {
	if c == nil || c.db == nil {
		return nil, ErrMiss
	}
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	if c == nil || c.db == nil {
		return
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		c.log.Debug("cache set failed", logx.String("key", key), logx.Err(err))
	}
}

// InvalidatePrefix deletes every key under prefix and returns how many
// were removed. Failures are logged, never propagated.
func (c *Cache) InvalidatePrefix(prefix string) int {
	if c == nil || c.db == nil {
		return 0
	}
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		c.log.Debug("cache scan failed", logx.String("prefix", prefix), logx.Err(err))
		return 0
	}

	removed := 0
	err = c.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		c.log.Debug("cache invalidation failed", logx.String("prefix", prefix), logx.Err(err))
	}
	return removed
}

// badgerLogger funnels badger's internal logging into logx at low levels.
type badgerLogger struct {
	log logx.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf("badger: "+format, args...))
}
func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf("badger: "+format, args...))
}
func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Trace(fmt.Sprintf("badger: "+format, args...))
}
func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace(fmt.Sprintf("badger: "+format, args...))
}
