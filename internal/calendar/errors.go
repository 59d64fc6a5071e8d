package calendar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// APIError is a non-2xx answer from a downstream calendar endpoint.
type APIError struct {
	Op     string // "query" | "create" | "refresh"
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("calendar %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("calendar %s: status %d: %s", e.Op, e.Status, e.Body)
}

// IsTransient reports whether err looks like a downstream outage worth
// tripping a circuit for: gateway errors, timeouts, refused or reset
// connections. Other failures (auth, bad payload) are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
