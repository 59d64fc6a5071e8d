// Package app assembles the daemon: config, logging, storage, cache, the
// upstream/downstream clients, the sync engine, the cron trigger, and the
// HTTP API.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rpacal/internal/cache"
	"rpacal/internal/calendar"
	"rpacal/internal/config"
	"rpacal/internal/engine"
	"rpacal/internal/httpapi"
	"rpacal/internal/storage"
	"rpacal/internal/upstream"
	logx "rpacal/pkg/logx"
)

const defaultCronSpec = "0 * * * *"

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	cache  *cache.Cache
	engine *engine.Engine
	api    *httpapi.Server

	cronParser cron.Parser
	cron       *cron.Cron
	cronSpec   string

	lastApplied *config.Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validateConfig)

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	recentWindow, err := config.ParseDurationOrDefault("sync.recent_window", cfg.Sync.RecentWindow, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:         cfg.Storage.Path,
		BusyTimeout:  busyTimeout,
		RecentWindow: recentWindow,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	c, err := cache.Open(cfg.Cache, log.With(logx.String("comp", "cache")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	up, err := upstream.New(cfg.Upstream, log.With(logx.String("comp", "upstream")))
	if err != nil {
		_ = c.Close()
		_ = store.Close()
		return nil, err
	}

	tz := cfg.Sync.Timezone
	if tz == "" {
		tz = "Asia/Seoul"
	}
	gw, err := calendar.New(cfg.Calendar, tz, log.With(logx.String("comp", "calendar")))
	if err != nil {
		_ = c.Close()
		_ = store.Close()
		return nil, err
	}

	eng := engine.New(engine.Deps{
		Store:    store,
		Cache:    c,
		Upstream: up,
		Gateway:  gw,
		Config:   cfg,
		Log:      log.With(logx.String("comp", "engine")),
	})

	var api *httpapi.Server
	if cfg.HTTP.Enabled {
		api = httpapi.New(cfg.HTTP, eng, c, log.With(logx.String("comp", "http")))
	}

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		store:  store,
		cache:  c,
		engine: eng,
		api:    api,
		cronParser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastApplied: cfg,
	}
	return a, nil
}

// Engine exposes the sync engine (tests, operational tooling).
func (a *App) Engine() *engine.Engine { return a.engine }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.engine.Start(runCtx)

	cfg := a.cfgm.Get()
	if cfg.Sync.Enabled {
		if err := a.startCron(cfg); err != nil {
			cancel()
			return err
		}
	} else {
		a.log.Info("periodic sync disabled; runs must be triggered via the API")
	}

	if a.api != nil {
		errc := a.api.Start()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			select {
			case err, ok := <-errc:
				if ok && err != nil {
					a.log.Error("http api terminated", logx.Err(err))
				}
			case <-runCtx.Done():
			}
		}()
	}

	// Hot reload: watch the config file and fan changes out to the logger
	// and the engine. Endpoints and storage paths are boot-time only.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	}()

	a.log.Info("started")
	return nil
}

func (a *App) startCron(cfg *config.Config) error {
	spec := cfg.Sync.Schedule
	if spec == "" {
		spec = defaultCronSpec
	}
	if _, err := a.cronParser.Parse(spec); err != nil {
		return fmt.Errorf("sync.schedule: invalid %q: %w", spec, err)
	}

	c := cron.New(cron.WithParser(a.cronParser), cron.WithLocation(a.engine.Location()))
	_, err := c.AddFunc(spec, a.cronTick)
	if err != nil {
		return fmt.Errorf("sync.schedule: %w", err)
	}
	c.Start()
	a.cron = c
	a.cronSpec = spec
	a.log.Info("periodic sync scheduled", logx.String("schedule", spec))
	return nil
}

// cronTick runs one sync synchronously so a slow run holds back the next
// tick instead of stacking runs.
func (a *App) cronTick() {
	rng := a.engine.DefaultRange(time.Now())
	err := a.engine.RunNow(context.Background(), rng)
	if err == engine.ErrBusy {
		a.log.Info("scheduled sync skipped, a run is already active")
		return
	}
	if err != nil {
		a.log.Warn("scheduled sync failed to start", logx.Err(err))
	}
}

func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if sections := config.SummarizeConfigChange(a.lastApplied, cfg); len(sections) > 0 {
		a.log.Info("config changed", logx.Any("sections", sections))
		for _, s := range sections {
			if s == "storage" || s == "upstream" || s == "cache" {
				a.log.Warn("section requires a restart to take effect", logx.String("section", s))
			}
		}
	}
	a.lastApplied = cfg

	a.logs.Apply(mapLogConfig(cfg))
	a.engine.ApplyConfig(cfg)

	// Restart the trigger when the schedule or its enablement changed.
	spec := cfg.Sync.Schedule
	if spec == "" {
		spec = defaultCronSpec
	}
	switch {
	case !cfg.Sync.Enabled && a.cron != nil:
		a.cron.Stop()
		a.cron = nil
		a.log.Info("periodic sync disabled")
	case cfg.Sync.Enabled && (a.cron == nil || spec != a.cronSpec):
		if a.cron != nil {
			a.cron.Stop()
			a.cron = nil
		}
		if err := a.startCron(cfg); err != nil {
			a.log.Warn("schedule reload rejected", logx.Err(err))
		}
	}
	a.log.Debug("config reload applied")
}

// Stop drains in this order: no new triggers, finish the active run, close
// the API, then the stores.
func (a *App) Stop(ctx context.Context) error {
	if a.cron != nil {
		<-a.cron.Stop().Done()
		a.cron = nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.engine.Stop()

	if a.api != nil {
		if err := a.api.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown", logx.Err(err))
		}
	}
	a.wg.Wait()

	if err := a.cache.Close(); err != nil {
		a.log.Warn("cache close", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// validateConfig rejects bad hot-reloads before they are committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("sync.recent_window", cfg.Sync.RecentWindow, 0); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("upstream.timeout", cfg.Upstream.Timeout, 0); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("calendar.timeout", cfg.Calendar.Timeout, 0); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("calendar.min_create_spacing", cfg.Calendar.MinCreateSpacing, 0); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Sync.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("sync.timezone: invalid %q: %w", tz, err)
		}
	}
	if cfg.Sync.BucketMinutes != 0 && (cfg.Sync.BucketMinutes < 0 || cfg.Sync.BucketMinutes%5 != 0) {
		return fmt.Errorf("sync.bucket_minutes: must be a positive multiple of 5, got %d", cfg.Sync.BucketMinutes)
	}
	if cfg.Calendar.MaxCreatesPerRun < 0 {
		return fmt.Errorf("calendar.max_creates_per_run must be >= 0")
	}
	if cfg.Calendar.MaxRefreshCalls < 0 {
		return fmt.Errorf("calendar.max_refresh_calls must be >= 0")
	}
	return nil
}
