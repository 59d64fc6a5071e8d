// Package calendar is the gateway to the downstream calendar automation:
// existence queries, throttled entry creation and bot-scoped range
// refreshes, plus the run-scoped circuit state for both directions.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rpacal/internal/config"
	logx "rpacal/pkg/logx"
)

// Entry is one calendar entry to create.
type Entry struct {
	Bot     string
	Subject string
	Start   time.Time
	End     time.Time
	Body    string
}

// Event is one existing calendar entry returned by a query.
type Event struct {
	Bot     string
	Subject string
	Start   time.Time
	End     time.Time
}

// Gateway issues the downstream HTTP calls. Creates are serialized and
// paced; queries and refreshes go out as-is.
type Gateway struct {
	queryURL   string
	createURL  string
	refreshURL string
	tz         string

	http    *http.Client
	limiter *rate.Limiter
	// createMu keeps creates single-file so the limiter pacing is the only
	// spacing that matters, no matter how many callers pile up.
	createMu sync.Mutex

	emptyStatuses map[int]bool

	breaker Breaker
	log     logx.Logger
}

// New builds a gateway from config. tz is the IANA zone name stamped into
// create payload timestamps.
func New(cfg config.CalendarConfig, tz string, log logx.Logger) (*Gateway, error) {
	timeout, err := config.ParseDurationOrDefault("calendar.timeout", cfg.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	spacing, err := config.ParseDurationOrDefault("calendar.min_create_spacing", cfg.MinCreateSpacing, time.Second)
	if err != nil {
		return nil, err
	}
	if spacing <= 0 {
		spacing = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	empty := make(map[int]bool)
	if len(cfg.EmptyQueryStatuses) == 0 {
		empty[http.StatusNotFound] = true
	}
	for _, s := range cfg.EmptyQueryStatuses {
		empty[s] = true
	}

	return &Gateway{
		queryURL:      strings.TrimSpace(cfg.QueryURL),
		createURL:     strings.TrimSpace(cfg.CreateURL),
		refreshURL:    strings.TrimSpace(cfg.RefreshURL),
		tz:            tz,
		http:          &http.Client{Timeout: timeout},
		limiter:       rate.NewLimiter(rate.Every(spacing), 1),
		emptyStatuses: empty,
		log:           log,
	}, nil
}

// Breaker exposes the run-scoped circuit state.
func (g *Gateway) Breaker() *Breaker { return &g.breaker }

// QueryConfigured reports whether an existence-query endpoint is set.
func (g *Gateway) QueryConfigured() bool { return g.queryURL != "" }

// CreateConfigured reports whether a create endpoint is set.
func (g *Gateway) CreateConfigured() bool { return g.createURL != "" }

// RefreshConfigured reports whether a range-refresh endpoint is set.
func (g *Gateway) RefreshConfigured() bool { return g.refreshURL != "" }

type wireDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone,omitempty"`
}

// UnmarshalJSON accepts both the structured {dateTime, timeZone} shape and
// a bare timestamp string.
func (w *wireDateTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		w.DateTime = s
		return nil
	}
	type alias wireDateTime
	return json.Unmarshal(b, (*alias)(w))
}

func (w wireDateTime) time() (time.Time, bool) {
	if w.DateTime == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, w.DateTime); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02T15:04:05", w.DateTime); err == nil {
		return t, true
	}
	return time.Time{}, false
}

type wireEvent struct {
	Bot     string       `json:"bot"`
	Subject string       `json:"subject"`
	Start   wireDateTime `json:"start"`
	End     wireDateTime `json:"end"`
}

type queryResponse struct {
	Count  json.RawMessage `json:"count"`
	Events json.RawMessage `json:"events"`
}

// Query lists calendar entries overlapping [start, end]. Statuses in the
// configured empty set mean "no matching entries" and yield an empty,
// error-free result.
func (g *Gateway) Query(ctx context.Context, start, end time.Time) ([]Event, error) {
	if g.queryURL == "" {
		return nil, errors.New("calendar query endpoint not configured")
	}
	body := map[string]string{
		"startDateTime": start.Format(time.RFC3339),
		"endDateTime":   end.Format(time.RFC3339),
	}
	raw, status, err := g.do(ctx, "query", http.MethodPost, g.queryURL, body)
	if err != nil {
		if g.emptyStatuses[status] {
			return nil, nil
		}
		return nil, err
	}

	var resp queryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &APIError{Op: "query", Status: status, Body: "undecodable response"}
	}
	events, err := decodeEvents(resp.Events)
	if err != nil {
		g.log.Warn("calendar query events undecodable, treating as empty", logx.Err(err))
		return nil, nil
	}

	out := make([]Event, 0, len(events))
	for _, e := range events {
		st, okS := e.Start.time()
		en, okE := e.End.time()
		if !okS {
			continue
		}
		if !okE {
			en = st
		}
		out = append(out, Event{Bot: e.Bot, Subject: e.Subject, Start: st, End: en})
	}
	return out, nil
}

// decodeEvents handles the downstream quirk of events arriving either as a
// JSON array or as a JSON-encoded string holding the array.
func decodeEvents(raw json.RawMessage) ([]wireEvent, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var events []wireEvent
	if err := json.Unmarshal(raw, &events); err == nil {
		return events, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.New("events is neither array nor string")
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Create registers one entry. Calls are serialized and paced by the
// configured minimum spacing; callers block until their slot.
func (g *Gateway) Create(ctx context.Context, e Entry) error {
	if g.createURL == "" {
		return errors.New("calendar create endpoint not configured")
	}
	g.createMu.Lock()
	defer g.createMu.Unlock()
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	body := map[string]any{
		"bot":     e.Bot,
		"subject": e.Subject,
		"start":   wireDateTime{DateTime: e.Start.Format(time.RFC3339), TimeZone: g.tz},
		"end":     wireDateTime{DateTime: e.End.Format(time.RFC3339), TimeZone: g.tz},
		"body":    e.Body,
	}
	_, _, err := g.do(ctx, "create", http.MethodPost, g.createURL, body)
	return err
}

// RefreshRange asks the downstream to rebuild one bot's entries inside
// [start, end] (delete then re-register on its side).
func (g *Gateway) RefreshRange(ctx context.Context, bot string, start, end time.Time) error {
	if g.refreshURL == "" {
		return errors.New("calendar refresh endpoint not configured")
	}
	body := map[string]string{
		"bot":           bot,
		"startDateTime": start.Format("2006-01-02T15:04:05"),
		"endDateTime":   end.Format("2006-01-02T15:04:05"),
		"timeZone":      g.tz,
	}
	_, _, err := g.do(ctx, "refresh", http.MethodPut, g.refreshURL, body)
	return err
}

// do issues one JSON call and returns the body. Non-2xx statuses come back
// as *APIError with the status preserved for transient classification.
func (g *Gateway) do(ctx context.Context, op, method, url string, body any) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, resp.StatusCode, &APIError{Op: op, Status: resp.StatusCode, Body: snippet}
	}
	return raw, resp.StatusCode, nil
}
