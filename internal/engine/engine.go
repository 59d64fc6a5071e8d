// Package engine runs the reconciliation pipeline: fetch upstream history
// and recurrence rules, expand and dedupe, register missing calendar
// entries through the downstream gateway, then sync the internal store and
// write one audit row per run.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rpacal/internal/calendar"
	"rpacal/internal/cache"
	"rpacal/internal/config"
	"rpacal/internal/occurrence"
	"rpacal/internal/recur"
	"rpacal/internal/storage"
	logx "rpacal/pkg/logx"
)

const (
	syncType = "UPSTREAM"

	// cachePrefix is the key namespace invalidated after every run.
	cachePrefix = "schedules:"
)

// Upstream is the slice of the upstream client the engine uses.
type Upstream interface {
	ListJobHistory(ctx context.Context, start, end time.Time) ([]occurrence.Occurrence, error)
	ListScheduleRules(ctx context.Context, start, end time.Time) ([]recur.Rule, error)
}

// Downstream is the slice of the calendar gateway the engine uses.
type Downstream interface {
	Query(ctx context.Context, start, end time.Time) ([]calendar.Event, error)
	Create(ctx context.Context, e calendar.Entry) error
	RefreshRange(ctx context.Context, bot string, start, end time.Time) error
	Breaker() *calendar.Breaker
	QueryConfigured() bool
	CreateConfigured() bool
	RefreshConfigured() bool
}

// Engine orchestrates reconciliation runs. One run at a time; concurrent
// triggers get ErrBusy.
type Engine struct {
	store   storage.Store
	cache   *cache.Cache
	up      Upstream
	gw      Downstream
	tracker Tracker
	log     logx.Logger

	cfgMu sync.Mutex
	cfg   *config.Config

	runCtx context.Context
	wg     sync.WaitGroup
}

type Deps struct {
	Store    storage.Store
	Cache    *cache.Cache
	Upstream Upstream
	Gateway  Downstream
	Config   *config.Config
	Log      logx.Logger
}

func New(d Deps) *Engine {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:  d.Store,
		cache:  d.Cache,
		up:     d.Upstream,
		gw:     d.Gateway,
		cfg:    d.Config,
		log:    log,
		runCtx: context.Background(),
	}
}

// Start binds the lifecycle context background runs inherit.
func (e *Engine) Start(ctx context.Context) {
	e.runCtx = ctx
}

// Stop waits for an in-flight run to drain.
func (e *Engine) Stop() {
	e.wg.Wait()
}

// ApplyConfig swaps the policy knobs; the next run picks them up.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
}

func (e *Engine) config() *config.Config {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return e.cfg
}

// Snapshot exposes the tracker state for the status surface.
func (e *Engine) Snapshot() Snapshot { return e.tracker.Snapshot() }

// LatestAudit exposes the newest audit row for the idle-status fallback.
func (e *Engine) LatestAudit(ctx context.Context) (storage.SyncLog, bool, error) {
	return e.store.LatestSyncLog(ctx)
}

// ListAudit exposes recent audit rows.
func (e *Engine) ListAudit(ctx context.Context, limit int, syncType string) ([]storage.SyncLog, error) {
	return e.store.ListSyncLogs(ctx, limit, syncType)
}

// Location resolves the configured sync timezone (default Asia/Seoul).
func (e *Engine) Location() *time.Location {
	name := e.config().Sync.Timezone
	if name == "" {
		name = "Asia/Seoul"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		e.log.Warn("invalid sync timezone, using UTC", logx.String("timezone", name))
		return time.UTC
	}
	return loc
}

// DefaultRange is the window used when a trigger names no dates: the first
// day of the current month minus seven days, through one year ahead.
func (e *Engine) DefaultRange(now time.Time) Range {
	loc := e.Location()
	now = now.In(loc)
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 0, -7)
	end := now.AddDate(1, 0, 0)
	return Range{Start: start, End: end}
}

// TriggerRun claims the run slot, kicks off the reconciliation in the
// background and returns the fresh snapshot. ErrBusy when a run is active.
func (e *Engine) TriggerRun(rng Range) (Snapshot, error) {
	runID := uuid.NewString()
	if err := e.tracker.Begin(runID, rng); err != nil {
		return e.tracker.Snapshot(), err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(e.runCtx, runID, rng)
	}()
	return e.tracker.Snapshot(), nil
}

// RunNow executes a run synchronously. The cron trigger uses it so a slow
// run naturally holds back the next tick.
func (e *Engine) RunNow(ctx context.Context, rng Range) error {
	runID := uuid.NewString()
	if err := e.tracker.Begin(runID, rng); err != nil {
		return err
	}
	e.run(ctx, runID, rng)
	return nil
}

// policy is the per-run snapshot of the config knobs.
type policy struct {
	createOnQueryError    bool
	disableExistenceCheck bool
	maxCreatesPerRun      int
	refreshOnDiff         bool
	maxRefreshCalls       int
	replaceInRange        bool
	bucketMinutes         int
	syncTag               string
}

func (e *Engine) policy() policy {
	cfg := e.config()
	tag := cfg.Calendar.SyncTag
	if tag == "" {
		tag = "RPA_SCHED_MANAGER"
	}
	maxRefresh := cfg.Calendar.MaxRefreshCalls
	if maxRefresh == 0 {
		maxRefresh = 10
	}
	return policy{
		createOnQueryError:    cfg.Calendar.CreateOnQueryErrorEnabled(),
		disableExistenceCheck: cfg.Calendar.DisableExistenceCheck,
		maxCreatesPerRun:      cfg.Calendar.MaxCreatesPerRun,
		refreshOnDiff:         cfg.Calendar.RefreshOnDiffEnabled(),
		maxRefreshCalls:       maxRefresh,
		replaceInRange:        cfg.Sync.ReplaceInRangeEnabled(),
		bucketMinutes:         cfg.Sync.BucketMinutes,
		syncTag:               tag,
	}
}

func (e *Engine) run(ctx context.Context, runID string, rng Range) {
	log := e.log.With(logx.String("run_id", runID))
	pol := e.policy()
	loc := e.Location()

	var res Result
	defer func() {
		e.tracker.Finish(res)
		if res.Error != "" {
			log.Error("sync run failed", logx.String("error", res.Error))
		} else {
			log.Info("sync run finished",
				logx.Int("raw", res.RawCount),
				logx.Int("store", res.StoreCount))
		}
	}()

	log.Info("sync run starting",
		logx.Time("range_start", rng.Start),
		logx.Time("range_end", rng.End))

	e.tracker.SetPhase(PhaseFetching)
	desired, storeSet, err := e.fetch(ctx, rng, pol, loc, log)
	if err != nil {
		res.Error = err.Error()
		e.writeAudit(ctx, storage.SyncFailed, 0, err.Error(), log)
		return
	}
	res.RawCount = len(desired)
	res.StoreCount = len(storeSet)
	e.tracker.Update(func(p *Progress) { p.Total = len(storeSet) })

	e.tracker.SetPhase(PhaseDownstream)
	e.syncDownstream(ctx, rng, desired, pol, log)

	e.tracker.SetPhase(PhaseStore)
	upserted, errorCount := e.syncStore(ctx, rng, storeSet, pol, log)

	e.tracker.SetPhase(PhaseLogging)
	status := storage.SyncSuccess
	errMsg := ""
	switch {
	case errorCount == 0:
	case upserted > 0:
		status = storage.SyncPartial
		errMsg = fmt.Sprintf("%d records failed", errorCount)
	default:
		status = storage.SyncFailed
		errMsg = fmt.Sprintf("%d records failed", errorCount)
	}
	e.writeAudit(ctx, status, upserted, errMsg, log)

	if n := e.cache.InvalidatePrefix(cachePrefix); n > 0 {
		log.Debug("cache invalidated", logx.Int("keys", n))
	}
}

// fetch pulls both upstream streams and prepares the two working sets:
// desired (rule-based only, exact times, feeds the calendar) and storeSet
// (merged history+rules, optionally bucketed, feeds the store).
func (e *Engine) fetch(ctx context.Context, rng Range, pol policy, loc *time.Location, log logx.Logger) (desired, storeSet []occurrence.Occurrence, err error) {
	now := time.Now().In(loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1).Add(-time.Second)

	var history []occurrence.Occurrence
	if !rng.Start.After(dayEnd) {
		histEnd := rng.End
		if histEnd.After(dayEnd) {
			histEnd = dayEnd
		}
		history, err = e.up.ListJobHistory(ctx, rng.Start, histEnd)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch job history: %w", err)
		}
		log.Debug("job history fetched", logx.Int("count", len(history)))
	}

	var ruleOccs []occurrence.Occurrence
	if !rng.End.Before(dayStart) {
		ruleStart := rng.Start
		if ruleStart.Before(dayStart) {
			ruleStart = dayStart
		}
		rules, err := e.up.ListScheduleRules(ctx, ruleStart, rng.End)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch schedule rules: %w", err)
		}
		window := recur.Window{Start: ruleStart, End: rng.End}
		for _, r := range rules {
			ruleOccs = append(ruleOccs, recur.Expand(r, window, loc)...)
		}
		log.Debug("rules expanded",
			logx.Int("rules", len(rules)),
			logx.Int("occurrences", len(ruleOccs)))
	}

	// Only rule-based occurrences face the calendar: registering thousands
	// of past executions is exactly what the ledger exists to prevent.
	desired = occurrence.Dedupe(ruleOccs)

	merged := occurrence.Dedupe(append(history, ruleOccs...))
	storeSet = occurrence.GroupByBucket(merged, pol.bucketMinutes, loc)
	return desired, storeSet, nil
}

func (e *Engine) writeAudit(ctx context.Context, status string, records int, errMsg string, log logx.Logger) {
	err := e.store.AppendSyncLog(ctx, storage.SyncLog{
		SyncType: syncType,
		Status:   status,
		Records:  records,
		Error:    errMsg,
	})
	if err != nil {
		log.Warn("audit row write failed", logx.Err(err))
	}
}
