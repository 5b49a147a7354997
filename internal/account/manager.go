package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	log "github.com/nghyane/antigravity-pool/internal/logging"
	"github.com/nghyane/antigravity-pool/internal/quota"
)

// TokenRefresher exchanges a long-lived refresh secret for a fresh access
// secret. Implementations talk to the OAuth token endpoint.
type TokenRefresher interface {
	Refresh(ctx context.Context, parts RefreshParts) (RefreshResult, error)
}

// RefreshResult is the outcome of a successful token exchange. RotatedSecret
// is non-empty when the provider issued a replacement refresh token.
type RefreshResult struct {
	AccessSecret  string
	Expiry        time.Time
	RotatedSecret string
}

// Credential is what callers need to issue a request on behalf of an
// account: a stable reference plus the live secret and project scope.
type Credential struct {
	Email            string
	AccessSecret     string
	ProjectID        string
	ManagedProjectID string
}

// Options tune pool behavior. Zero values fall back to the documented
// defaults; Now exists so tests can drive the clock.
type Options struct {
	// RefreshBuffer is how long before expiry an access secret is already
	// treated as stale. Default 60s.
	RefreshBuffer time.Duration
	// DefaultCooldown applies when a rate-limit signal carries no
	// retry-after hint. Default 60s.
	DefaultCooldown time.Duration
	Now             func() time.Time
}

const (
	defaultRefreshBuffer   = 60 * time.Second
	defaultCooldownPeriod  = 60 * time.Second
	maxConsecutiveFailures = 3
)

// Manager owns the account pool: selection, refresh, cooldowns, and
// persistence. All state transitions go through the store so that the
// on-disk document always reflects the live pool.
type Manager struct {
	store     Store
	refresher TokenRefresher
	opts      Options

	mu  sync.Mutex
	doc *Document

	refreshGroup singleflight.Group
}

// NewManager loads the pool from store and returns a ready manager.
func NewManager(store Store, refresher TokenRefresher, opts Options) (*Manager, error) {
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = defaultRefreshBuffer
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = defaultCooldownPeriod
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	doc, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &Manager{store: store, refresher: refresher, opts: opts, doc: doc}, nil
}

// GetValidToken picks the least-recently-used eligible account for perm,
// refreshes its access secret when stale, and returns the credential.
// Accounts whose refresh fails are skipped within the same call;
// permanently broken ones are flagged for re-auth.
func (m *Manager) GetValidToken(ctx context.Context, perm quota.Permission) (Credential, error) {
	tried := map[string]bool{}

	for {
		m.mu.Lock()
		idx := m.selectIndex(perm, tried)
		if idx < 0 {
			err := m.noEligibleLocked(perm)
			m.mu.Unlock()
			return Credential{}, err
		}

		now := m.opts.Now()
		rec := m.doc.Accounts[idx]
		rec.LastUsed = now
		m.doc.ActiveIndex = idx
		m.persistLocked()

		if rec.AccessFresh(now, m.opts.RefreshBuffer) {
			cred := credentialFor(rec)
			m.mu.Unlock()
			return cred, nil
		}
		email := rec.Email
		parts := ParseRefreshSecret(rec.RefreshSecret)
		m.mu.Unlock()
		if parts.Token == "" {
			m.markRefreshFailure(email, &RefreshError{Email: email, Code: "malformed_secret", Permanent: true, Err: errors.New("empty refresh token")})
			tried[email] = true
			continue
		}

		// The exchange runs outside the pool lock; singleflight collapses
		// concurrent callers refreshing the same account.
		res, rerr, _ := m.refreshGroup.Do(email, func() (any, error) {
			r, e := m.refresher.Refresh(ctx, parts)
			if e != nil {
				return nil, e
			}
			return r, nil
		})
		if rerr != nil {
			// A canceled caller is not an account fault; bail without
			// touching failure counters.
			if ctx.Err() != nil || errors.Is(rerr, context.Canceled) || errors.Is(rerr, context.DeadlineExceeded) {
				return Credential{}, rerr
			}
			m.markRefreshFailure(email, rerr)
			tried[email] = true
			continue
		}

		m.mu.Lock()
		rec = m.recordLocked(email)
		if rec == nil {
			// Removed concurrently; start over.
			m.mu.Unlock()
			tried[email] = true
			continue
		}
		result := res.(RefreshResult)
		rec.SetAccess(result.AccessSecret, result.Expiry)
		if result.RotatedSecret != "" {
			rec.RefreshSecret = rotateSecret(rec.RefreshSecret, result.RotatedSecret)
		}
		rec.ConsecutiveFailures = 0
		rec.NeedsReauth = false
		m.persistLocked()
		cred := credentialFor(rec)
		m.mu.Unlock()
		log.Debugf("refreshed access token for %s", email)
		return cred, nil
	}
}

// MarkRateLimited places the account on cooldown for perm. A zero
// retryAfter applies the default cooldown.
func (m *Manager) MarkRateLimited(email string, perm quota.Permission, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = m.opts.DefaultCooldown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(email)
	if rec == nil {
		return
	}
	until := m.opts.Now().Add(retryAfter)
	rec.setCooldown(perm, until)
	m.persistLocked()
	log.Infof("account %s on %s cooldown until %s", email, perm, until.Format(time.RFC3339))
}

// AddAccount inserts or replaces an account keyed by email and returns
// whether an existing entry was replaced.
func (m *Manager) AddAccount(rec *Record) (replaced bool, err error) {
	if rec.Email == "" {
		return false, errors.New("account email required")
	}
	if ParseRefreshSecret(rec.RefreshSecret).Token == "" {
		return false, errors.New("refresh secret required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	if rec.AddedAt.IsZero() {
		rec.AddedAt = now
	}
	if rec.Cooldowns == nil {
		rec.Cooldowns = map[quota.Permission]time.Time{}
	}
	for i, existing := range m.doc.Accounts {
		if existing.Email == rec.Email {
			rec.AddedAt = existing.AddedAt
			rec.LastUsed = existing.LastUsed
			m.doc.Accounts[i] = rec
			m.persistLocked()
			return true, nil
		}
	}
	m.doc.Accounts = append(m.doc.Accounts, rec)
	m.persistLocked()
	return false, nil
}

// RemoveAccount deletes the account with the given email.
func (m *Manager) RemoveAccount(email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rec := range m.doc.Accounts {
		if rec.Email == email {
			m.doc.Accounts = append(m.doc.Accounts[:i], m.doc.Accounts[i+1:]...)
			m.doc.normalize()
			m.persistLocked()
			return nil
		}
	}
	return fmt.Errorf("account %s not found", email)
}

// Accounts returns a snapshot of the pool. Records are clones; mutating
// them does not touch manager state.
func (m *Manager) Accounts() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.doc.Accounts))
	for i, rec := range m.doc.Accounts {
		out[i] = rec.clone()
	}
	return out
}

// ActiveIndex reports the next selection start position.
func (m *Manager) ActiveIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.ActiveIndex
}

// SwitchActive moves the selection cursor to the account with the given
// email and clears its last-used timestamp, so the explicit choice beats
// least-recently-used ordering on the next pick.
func (m *Manager) SwitchActive(email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rec := range m.doc.Accounts {
		if rec.Email == email {
			m.doc.ActiveIndex = i
			rec.LastUsed = time.Time{}
			m.persistLocked()
			return nil
		}
	}
	return fmt.Errorf("account %s not found", email)
}

// Reload discards in-memory state and re-reads the store. Used when the
// backing file changed externally.
func (m *Manager) Reload() error {
	doc, err := m.store.Load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.doc = doc
	m.mu.Unlock()
	log.Debugf("account pool reloaded: %d accounts", len(doc.Accounts))
	return nil
}

// selectIndex finds the least-recently-used eligible account at or after
// ActiveIndex, wrapping once. Ties on LastUsed keep wrap order. Returns -1
// when nothing is eligible.
func (m *Manager) selectIndex(perm quota.Permission, tried map[string]bool) int {
	n := len(m.doc.Accounts)
	if n == 0 {
		return -1
	}
	now := m.opts.Now()
	best := -1
	for off := 0; off < n; off++ {
		i := (m.doc.ActiveIndex + off) % n
		rec := m.doc.Accounts[i]
		if tried[rec.Email] || rec.NeedsReauth || rec.CooledDown(perm, now) {
			continue
		}
		if best < 0 || rec.LastUsed.Before(m.doc.Accounts[best].LastUsed) {
			best = i
		}
	}
	return best
}

// noEligibleLocked builds the pool-exhausted error, carrying the earliest
// cooldown expiry as a retry hint when cooldowns are the only blocker.
func (m *Manager) noEligibleLocked(perm quota.Permission) error {
	now := m.opts.Now()
	var earliest time.Time
	for _, rec := range m.doc.Accounts {
		if rec.NeedsReauth {
			continue
		}
		until, ok := rec.Cooldowns[perm]
		if !ok || !until.After(now) {
			continue
		}
		if earliest.IsZero() || until.Before(earliest) {
			earliest = until
		}
	}
	e := &NoEligibleAccountError{Permission: perm}
	if !earliest.IsZero() {
		d := earliest.Sub(now)
		e.RetryAfter = &d
	}
	return e
}

func (m *Manager) markRefreshFailure(email string, rerr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(email)
	if rec == nil {
		return
	}
	rec.ConsecutiveFailures++
	var re *RefreshError
	if errors.As(rerr, &re) && re.Permanent {
		rec.NeedsReauth = true
		log.Warnf("account %s needs re-auth: %v", email, rerr)
	} else if rec.ConsecutiveFailures >= maxConsecutiveFailures {
		rec.NeedsReauth = true
		log.Warnf("account %s disabled after %d refresh failures", email, rec.ConsecutiveFailures)
	} else {
		log.Warnf("refresh failed for %s (attempt %d): %v", email, rec.ConsecutiveFailures, rerr)
	}
	m.persistLocked()
}

func (m *Manager) recordLocked(email string) *Record {
	for _, rec := range m.doc.Accounts {
		if rec.Email == email {
			return rec
		}
	}
	return nil
}

func (m *Manager) persistLocked() {
	if err := m.store.Save(m.doc); err != nil {
		log.Errorf("persist accounts: %v", err)
	}
}

func credentialFor(rec *Record) Credential {
	return Credential{
		Email:            rec.Email,
		AccessSecret:     rec.AccessSecret,
		ProjectID:        rec.ProjectID,
		ManagedProjectID: rec.ManagedProjectID,
	}
}

// rotateSecret swaps the token portion of a compound refresh secret while
// preserving the project scope fields.
func rotateSecret(current, newToken string) string {
	parts := ParseRefreshSecret(current)
	parts.Token = newToken
	return parts.String()
}
