package dispatch

import (
	"fmt"
	"time"

	"github.com/nghyane/antigravity-pool/internal/quota"
)

// RateLimitedError reports an upstream 429 for one (account, permission)
// pair. RetryAfter is the parsed upstream hint, or the zero value when the
// response carried none.
type RateLimitedError struct {
	Permission quota.Permission
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited on %s quota, retry after %s", e.Permission, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited on %s quota", e.Permission)
}

// StatusCode implements the status accessor convention.
func (e *RateLimitedError) StatusCode() int { return 429 }

// NetworkError reports that every endpoint in the fallback list failed
// with a transport-level or retryable server error.
type NetworkError struct {
	Family quota.Family
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("all %s endpoints failed: %v", e.Family, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError reports a non-retryable upstream response (4xx other than the
// fallback statuses). The body is kept for diagnostics.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("upstream returned status %d: %s", e.Status, truncate(e.Body, 200))
	}
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// StatusCode implements the status accessor convention.
func (e *HTTPError) StatusCode() int { return e.Status }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
