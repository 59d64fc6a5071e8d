package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rpacal/internal/engine"
	"rpacal/internal/storage"
)

const (
	dateLayout = "2006-01-02"

	// Read responses are cached briefly; every finished run invalidates the
	// whole prefix, so staleness is bounded by the TTL between runs only.
	statusCacheKey = "schedules:status"
	logsCachePfx   = "schedules:logs:"
	readCacheTTL   = 30 * time.Second
)

type runRequest struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// conflictResponse is the 409 body: the active run's snapshot with the
// busy error alongside.
type conflictResponse struct {
	engine.Snapshot
	Error string `json:"error"`
}

// auditEntry is the wire shape of one audit row.
type auditEntry struct {
	ID       int64     `json:"id"`
	SyncType string    `json:"syncType"`
	Status   string    `json:"status"`
	Records  int       `json:"recordsSynced"`
	Error    string    `json:"errorMessage,omitempty"`
	At       time.Time `json:"syncDatetime"`
}

func toAuditEntry(l storage.SyncLog) auditEntry {
	return auditEntry{
		ID:       l.ID,
		SyncType: l.SyncType,
		Status:   l.Status,
		Records:  l.Records,
		Error:    l.Error,
		At:       l.At,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleTriggerRun claims the run slot and answers 202 with the fresh
// snapshot, or 409 with the active run's snapshot when one is in flight.
func (s *Server) handleTriggerRun(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}

	rng, err := s.resolveRange(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	snap, err := s.sync.TriggerRun(rng)
	if err != nil {
		c.JSON(http.StatusConflict, conflictResponse{Snapshot: snap, Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

// resolveRange fills omitted dates from the default window. Dates are
// interpreted in the sync timezone; the end date is inclusive.
func (s *Server) resolveRange(req runRequest) (engine.Range, error) {
	loc := s.sync.Location()
	rng := s.sync.DefaultRange(time.Now())

	if req.StartDate != "" {
		d, err := time.ParseInLocation(dateLayout, req.StartDate, loc)
		if err != nil {
			return engine.Range{}, fmt.Errorf("invalid startDate %q: want YYYY-MM-DD", req.StartDate)
		}
		rng.Start = d
	}
	if req.EndDate != "" {
		d, err := time.ParseInLocation(dateLayout, req.EndDate, loc)
		if err != nil {
			return engine.Range{}, fmt.Errorf("invalid endDate %q: want YYYY-MM-DD", req.EndDate)
		}
		rng.End = d.AddDate(0, 0, 1).Add(-time.Second)
	}
	if !rng.End.After(rng.Start) {
		return engine.Range{}, fmt.Errorf("endDate must be after startDate")
	}
	return rng, nil
}

// handleStatus serves the tracker snapshot. When the process has not run a
// sync yet, it falls back to the newest audit row so restarts do not blank
// the status page.
func (s *Server) handleStatus(c *gin.Context) {
	snap := s.sync.Snapshot()
	if snap.InProgress || snap.LastResult != nil {
		c.JSON(http.StatusOK, snap)
		return
	}

	if body, err := s.cache.Get(statusCacheKey); err == nil {
		c.Data(http.StatusOK, "application/json", body)
		return
	}

	latest, ok, err := s.sync.LatestAudit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	resp := gin.H{"inProgress": false}
	if ok {
		resp["lastAudit"] = toAuditEntry(latest)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.cache.Set(statusCacheKey, body, readCacheTTL)
	c.Data(http.StatusOK, "application/json", body)
}

func (s *Server) handleLogs(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	syncType := c.Query("syncType")

	key := fmt.Sprintf("%s%d:%s", logsCachePfx, limit, syncType)
	if body, err := s.cache.Get(key); err == nil {
		c.Data(http.StatusOK, "application/json", body)
		return
	}

	logs, err := s.sync.ListAudit(c.Request.Context(), limit, syncType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	entries := make([]auditEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, toAuditEntry(l))
	}
	body, err := json.Marshal(gin.H{"count": len(entries), "logs": entries})
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.cache.Set(key, body, readCacheTTL)
	c.Data(http.StatusOK, "application/json", body)
}
