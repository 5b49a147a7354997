// Package account owns the credential pool: the persisted account records,
// the durable store, and the manager that selects accounts, keeps their
// tokens fresh, and applies rate-limit cooldowns.
package account

import (
	"fmt"
	"strings"
	"time"

	"github.com/nghyane/antigravity-pool/internal/quota"
)

// storageVersion tags the persisted document for future migrations.
const storageVersion = 1

// Record is one account as persisted and managed in the pool.
//
// RefreshSecret is the compound form the upstream hands out
// ("token|projectID|managedProjectID"); it is immutable except for
// provider-initiated rotation during a refresh exchange. AccessSecret and
// AccessExpiry are only ever written together via SetAccess.
type Record struct {
	Email            string    `json:"email"`
	RefreshSecret    string    `json:"refreshToken"`
	AccessSecret     string    `json:"accessToken,omitempty"`
	AccessExpiry     time.Time `json:"accessExpiry"`
	ProjectID        string    `json:"projectId,omitempty"`
	ManagedProjectID string    `json:"managedProjectId,omitempty"`

	AddedAt  time.Time `json:"addedAt"`
	LastUsed time.Time `json:"lastUsed"`

	// Cooldowns holds the per-permission timestamps before which this
	// account must not be selected for that quota class. Entries are
	// checked lazily at selection time, never eagerly deleted.
	Cooldowns map[quota.Permission]time.Time `json:"cooldownUntil,omitempty"`

	// NeedsReauth is set when the refresh secret was rejected as
	// invalid or revoked. The account stays in the pool but is skipped
	// until the user logs in again.
	NeedsReauth bool `json:"needsReauth,omitempty"`

	ConsecutiveFailures int `json:"consecutiveFailures,omitempty"`
}

// SetAccess updates the access secret and its expiry as one unit.
func (r *Record) SetAccess(secret string, expiry time.Time) {
	r.AccessSecret = secret
	r.AccessExpiry = expiry
}

// AccessFresh reports whether the access secret is usable for at least
// buffer longer. A token inside the safety margin counts as stale so it is
// refreshed proactively instead of failing mid-request.
func (r *Record) AccessFresh(now time.Time, buffer time.Duration) bool {
	if r.AccessSecret == "" || r.AccessExpiry.IsZero() {
		return false
	}
	return now.Add(buffer).Before(r.AccessExpiry)
}

// CooledDown reports whether the account is under an unexpired cooldown
// for the given permission.
func (r *Record) CooledDown(perm quota.Permission, now time.Time) bool {
	until, ok := r.Cooldowns[perm]
	return ok && now.Before(until)
}

func (r *Record) setCooldown(perm quota.Permission, until time.Time) {
	if r.Cooldowns == nil {
		r.Cooldowns = make(map[quota.Permission]time.Time, 2)
	}
	r.Cooldowns[perm] = until
}

// clone returns a deep copy so snapshots handed to callers cannot race
// with pool mutation.
func (r *Record) clone() *Record {
	out := *r
	if r.Cooldowns != nil {
		out.Cooldowns = make(map[quota.Permission]time.Time, len(r.Cooldowns))
		for k, v := range r.Cooldowns {
			out.Cooldowns[k] = v
		}
	}
	return &out
}

// RefreshParts is the decomposed compound refresh secret.
type RefreshParts struct {
	Token            string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshSecret splits a stored compound refresh secret.
func ParseRefreshSecret(secret string) RefreshParts {
	parts := strings.SplitN(secret, "|", 3)
	out := RefreshParts{Token: parts[0]}
	if len(parts) > 1 {
		out.ProjectID = parts[1]
	}
	if len(parts) > 2 {
		out.ManagedProjectID = parts[2]
	}
	return out
}

// String reassembles the compound form.
func (p RefreshParts) String() string {
	if p.ManagedProjectID != "" {
		return p.Token + "|" + p.ProjectID + "|" + p.ManagedProjectID
	}
	return p.Token + "|" + p.ProjectID
}

// Document is the single atomically-replaced persisted unit: the ordered
// account list plus the active-index selection hint.
type Document struct {
	Version     int       `json:"version"`
	Accounts    []*Record `json:"accounts"`
	ActiveIndex int       `json:"activeIndex"`
}

// NewDocument returns an empty pool document.
func NewDocument() *Document {
	return &Document{Version: storageVersion}
}

// normalize repairs invariants after load: active index in range,
// duplicate emails collapsed keeping the most recently used record.
func (d *Document) normalize() {
	seen := make(map[string]int, len(d.Accounts))
	kept := d.Accounts[:0]
	for _, rec := range d.Accounts {
		if rec == nil || rec.RefreshSecret == "" {
			continue
		}
		key := strings.ToLower(rec.Email)
		if key == "" {
			kept = append(kept, rec)
			continue
		}
		if i, dup := seen[key]; dup {
			if rec.LastUsed.After(kept[i].LastUsed) {
				kept[i] = rec
			}
			continue
		}
		seen[key] = len(kept)
		kept = append(kept, rec)
	}
	d.Accounts = kept
	if d.ActiveIndex < 0 || d.ActiveIndex >= len(d.Accounts) {
		d.ActiveIndex = 0
	}
	if d.Version == 0 {
		d.Version = storageVersion
	}
}

// RefreshError reports a failed refresh exchange. Permanent means the
// refresh secret was rejected (invalid/expired/revoked) and the account
// needs interactive re-authentication; transient failures may be retried.
type RefreshError struct {
	Email     string
	Code      string
	Permanent bool
	Err       error
}

func (e *RefreshError) Error() string {
	verb := "refresh failed"
	if e.Permanent {
		verb = "refresh secret rejected"
	}
	if e.Email != "" {
		return fmt.Sprintf("%s for %s (%s): %v", verb, e.Email, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", verb, e.Code, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// NoEligibleAccountError reports that no account in the pool can serve the
// requested permission right now. RetryAfter carries the earliest cooldown
// expiry across the pool when the blockage is cooldowns rather than an
// empty pool.
type NoEligibleAccountError struct {
	Permission quota.Permission
	RetryAfter *time.Duration
}

func (e *NoEligibleAccountError) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("no eligible account for %s quota, earliest retry in %s",
			e.Permission, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("no eligible account for %s quota", e.Permission)
}
