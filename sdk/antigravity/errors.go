// Package antigravity is the embeddable facade over the account pool:
// routing, selection, refresh, dispatch, and rotation behind two calls.
package antigravity

import (
	"fmt"
	"time"

	"github.com/nghyane/antigravity-pool/internal/account"
	"github.com/nghyane/antigravity-pool/internal/dispatch"
	"github.com/nghyane/antigravity-pool/internal/quota"
)

// Error types from the inner layers, re-exported so callers can match
// them with errors.As without importing internal packages.
type (
	RefreshError           = account.RefreshError
	NoEligibleAccountError = account.NoEligibleAccountError
	UnsupportedModelError  = quota.UnsupportedModelError
	RateLimitedError       = dispatch.RateLimitedError
	NetworkError           = dispatch.NetworkError
	HTTPError              = dispatch.HTTPError
)

// AllAccountsExhaustedError means the rotation budget ran out: every
// attempted account was rate limited, cooling, or failing. RetryAfter is
// the earliest known time the pool may recover, when one is known.
type AllAccountsExhaustedError struct {
	Permission quota.Permission
	RetryAfter *time.Duration
	LastErr    error
}

func (e *AllAccountsExhaustedError) Error() string {
	msg := fmt.Sprintf("all accounts exhausted for %s quota", e.Permission)
	if e.RetryAfter != nil {
		msg += fmt.Sprintf(", earliest retry in %s", e.RetryAfter.Round(time.Second))
	}
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *AllAccountsExhaustedError) Unwrap() error { return e.LastErr }
