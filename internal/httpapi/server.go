// Package httpapi exposes the sync engine over HTTP: a manual trigger, a
// status surface backed by the run tracker, and the audit trail.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rpacal/internal/cache"
	"rpacal/internal/config"
	"rpacal/internal/engine"
	"rpacal/internal/storage"
	logx "rpacal/pkg/logx"
)

// Sync is the slice of the engine the API serves.
type Sync interface {
	TriggerRun(rng engine.Range) (engine.Snapshot, error)
	Snapshot() engine.Snapshot
	DefaultRange(now time.Time) engine.Range
	Location() *time.Location
	LatestAudit(ctx context.Context) (storage.SyncLog, bool, error)
	ListAudit(ctx context.Context, limit int, syncType string) ([]storage.SyncLog, error)
}

// Server hosts the JSON API.
type Server struct {
	sync  Sync
	cache *cache.Cache
	log   logx.Logger
	srv   *http.Server
}

func New(cfg config.HTTPConfig, sync Sync, c *cache.Cache, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	s := &Server{sync: sync, cache: c, log: log}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api/sync")
	api.POST("/runs", s.handleTriggerRun)
	api.GET("/status", s.handleStatus)
	api.GET("/logs", s.handleLogs)
	return r
}

// Start begins serving in the background. The returned channel receives the
// terminal listener error, if any.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("elapsed", time.Since(start)))
	}
}
