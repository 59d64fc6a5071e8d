// Package upstream talks to the RPA scheduler's REST API: executed-job
// history and recurring schedule definitions, both offset/limit paginated.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rpacal/internal/config"
	logx "rpacal/pkg/logx"
)

const defaultPageLimit = 100

// Client is a thin JSON client for the upstream scheduler.
type Client struct {
	base  string
	token string
	limit int
	http  *http.Client
	log   logx.Logger
}

func New(cfg config.UpstreamConfig, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("upstream.base_url is required")
	}
	limit := cfg.PageLimit
	if limit <= 0 || limit > defaultPageLimit {
		limit = defaultPageLimit
	}
	timeout, err := config.ParseDurationOrDefault("upstream.timeout", cfg.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		limit: limit,
		http:  &http.Client{Timeout: timeout},
		log:   log,
	}, nil
}

type listRequest struct {
	Offset    int           `json:"offset"`
	Limit     int           `json:"limit"`
	OrderBy   string        `json:"orderBy,omitempty"`
	Parameter listParameter `json:"parameter"`
}

type listParameter struct {
	StartDatetime string `json:"startDatetime"`
	EndDatetime   string `json:"endDatetime"`
}

// post issues one list call and decodes the envelope into out.
func (c *Client) post(ctx context.Context, path string, req listRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upstream %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("upstream %s: token rejected (status 401)", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("upstream %s: decode: %w", path, err)
	}
	return nil
}

func wireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseWireTime accepts the two timestamp shapes the upstream emits.
func parseWireTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
