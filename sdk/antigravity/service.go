package antigravity

import (
	"context"
	"errors"
	"time"

	"github.com/nghyane/antigravity-pool/internal/account"
	authag "github.com/nghyane/antigravity-pool/internal/auth/antigravity"
	"github.com/nghyane/antigravity-pool/internal/config"
	"github.com/nghyane/antigravity-pool/internal/dispatch"
	log "github.com/nghyane/antigravity-pool/internal/logging"
	"github.com/nghyane/antigravity-pool/internal/quota"
	"github.com/nghyane/antigravity-pool/internal/resilience"
	"github.com/nghyane/antigravity-pool/internal/usage"
)

// Request is the caller-facing generation input.
type Request = dispatch.Request

// Stream re-exports the streaming handle.
type Stream = dispatch.Stream

// Result is a completed unary generation.
type Result struct {
	// Text is the concatenated answer text, thought parts excluded.
	Text string
	// Model is the effective upstream model name.
	Model string
	// Account is the email of the account that served the request.
	Account string
	// Raw is the unparsed upstream response body.
	Raw []byte
}

// Service owns the pool lifecycle. One Service per accounts file; safe
// for concurrent use.
type Service struct {
	cfg        *config.Config
	manager    *account.Manager
	store      account.Store
	dispatcher *dispatch.Dispatcher
	backend    usage.Backend
	counters   usage.Counters

	sleep func(ctx context.Context, d time.Duration) error
}

// ServiceOption overrides a default collaborator, mainly for tests.
type ServiceOption func(*serviceDeps)

type serviceDeps struct {
	store      account.Store
	refresher  account.TokenRefresher
	dispatcher *dispatch.Dispatcher
	backend    usage.Backend
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// WithStore replaces the file-backed account store.
func WithStore(s account.Store) ServiceOption {
	return func(d *serviceDeps) { d.store = s }
}

// WithRefresher replaces the OAuth refresher.
func WithRefresher(r account.TokenRefresher) ServiceOption {
	return func(d *serviceDeps) { d.refresher = r }
}

// WithDispatcher replaces the backend dispatcher.
func WithDispatcher(dd *dispatch.Dispatcher) ServiceOption {
	return func(d *serviceDeps) { d.dispatcher = dd }
}

// WithUsageBackend replaces the usage store.
func WithUsageBackend(b usage.Backend) ServiceOption {
	return func(d *serviceDeps) { d.backend = b }
}

// WithClock injects the time source and sleeper.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) ServiceOption {
	return func(d *serviceDeps) {
		d.now = now
		d.sleep = sleep
	}
}

// NewService assembles a Service from configuration.
func NewService(cfg *config.Config, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.LogFile != "" {
		log.EnableFileOutput(cfg.LogFile)
	}

	deps := &serviceDeps{}
	for _, opt := range opts {
		opt(deps)
	}
	if deps.store == nil {
		deps.store = account.NewFileStore(cfg.AccountsPath)
	}
	if deps.refresher == nil {
		deps.refresher = authag.NewRefresher()
	}
	if deps.dispatcher == nil {
		dOpts := []dispatch.Option{}
		if cfg.RequestTimeout > 0 {
			dOpts = append(dOpts, dispatch.WithHTTPClient(resilience.NewHTTPClient(cfg.RequestTimeout)))
		}
		if len(cfg.AntigravityEndpoints) > 0 {
			dOpts = append(dOpts, dispatch.WithEndpoints(quota.FamilyAntigravity, cfg.AntigravityEndpoints))
		}
		if len(cfg.GeminiCLIEndpoints) > 0 {
			dOpts = append(dOpts, dispatch.WithEndpoints(quota.FamilyGeminiCLI, cfg.GeminiCLIEndpoints))
		}
		if cfg.ProjectID != "" {
			dOpts = append(dOpts, dispatch.WithDefaultProject(cfg.ProjectID))
		}
		deps.dispatcher = dispatch.New(dOpts...)
	}
	if deps.backend == nil {
		b, err := usage.NewBackend(cfg.UsageDSN, usage.Config{})
		if err != nil {
			return nil, err
		}
		deps.backend = b
	}
	if deps.sleep == nil {
		deps.sleep = resilience.WaitWithContext
	}

	mgr, err := account.NewManager(deps.store, deps.refresher, account.Options{
		RefreshBuffer:   cfg.RefreshBuffer,
		DefaultCooldown: cfg.DefaultCooldown,
		Now:             deps.now,
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		manager:    mgr,
		store:      deps.store,
		dispatcher: deps.dispatcher,
		backend:    deps.backend,
		sleep:      deps.sleep,
	}
	if err := s.backend.Start(); err != nil {
		return nil, err
	}
	if fs, ok := deps.store.(*account.FileStore); ok {
		if err := fs.Watch(func() {
			if rerr := s.manager.Reload(); rerr != nil {
				log.Errorf("reload accounts after external change: %v", rerr)
			}
		}); err != nil {
			log.Warnf("accounts file watch unavailable: %v", err)
		}
	}
	return s, nil
}

// Close flushes usage and stops background workers.
func (s *Service) Close() error {
	if fs, ok := s.store.(*account.FileStore); ok {
		fs.StopWatch()
	}
	return s.backend.Stop()
}

// Generate routes the model, picks an account, dispatches, and rotates on
// rate limits, up to the configured rotation budget. Short upstream retry
// hints are honored in place without burning an account.
func (s *Service) Generate(ctx context.Context, model string, req Request) (*Result, error) {
	var result *Result
	err := s.run(ctx, model, func(ctx context.Context, cred account.Credential, decision quota.Decision) error {
		resp, err := s.dispatcher.Generate(ctx, cred, decision, req)
		if err != nil {
			return err
		}
		result = &Result{
			Text:    resp.Text(),
			Model:   decision.EffectiveModel,
			Account: cred.Email,
			Raw:     resp.Body,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateStream is Generate's streaming variant. Rotation covers stream
// establishment only; once events flow, the stream belongs to the caller.
func (s *Service) GenerateStream(ctx context.Context, model string, req Request) (*Stream, error) {
	var stream *Stream
	err := s.run(ctx, model, func(ctx context.Context, cred account.Credential, decision quota.Decision) error {
		st, err := s.dispatcher.GenerateStream(ctx, cred, decision, req)
		if err != nil {
			return err
		}
		stream = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// run is the shared rotation loop around one dispatch attempt.
func (s *Service) run(ctx context.Context, model string, attempt func(context.Context, account.Credential, quota.Decision) error) error {
	decision, err := quota.Route(model)
	if err != nil {
		return err
	}

	rotations := 0
	shortRetries := 0
	quotaSwitched := false
	var lastErr error

	for rotations < s.cfg.MaxRotations {
		cred, err := s.manager.GetValidToken(ctx, decision.Permission)
		if err != nil {
			var noAcct *NoEligibleAccountError
			if errors.As(err, &noAcct) {
				if noAcct.RetryAfter != nil && *noAcct.RetryAfter <= s.cfg.ShortRetryThreshold && shortRetries < s.cfg.MaxRotations {
					shortRetries++
					if serr := s.sleep(ctx, *noAcct.RetryAfter); serr != nil {
						return serr
					}
					continue
				}
				// No upstream rejection happened yet: the pool itself is
				// the blocker, which is the caller's signal to back off.
				if lastErr == nil {
					return err
				}
				return &AllAccountsExhaustedError{Permission: decision.Permission, RetryAfter: noAcct.RetryAfter, LastErr: lastErr}
			}
			return err
		}

		start := time.Now()
		err = attempt(ctx, cred, decision)
		s.record(cred.Email, decision, model, start, err)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var rl *RateLimitedError
		switch {
		case errors.As(err, &rl):
			if rl.RetryAfter > 0 && rl.RetryAfter <= s.cfg.ShortRetryThreshold && shortRetries < s.cfg.MaxRotations {
				// Brief hint: wait it out and retry without cooling the
				// account.
				shortRetries++
				log.Debugf("short rate limit on %s, retrying in %s", cred.Email, rl.RetryAfter)
				if serr := s.sleep(ctx, rl.RetryAfter); serr != nil {
					return serr
				}
				continue
			}
			s.manager.MarkRateLimited(cred.Email, decision.Permission, rl.RetryAfter)
			lastErr = err
			// Gemini models draw from either quota class; try the other
			// one once before spending the rotation budget.
			if fallback, ok := decision.QuotaFallback(); ok && !quotaSwitched {
				quotaSwitched = true
				log.Infof("%s quota exhausted, retrying on %s quota", decision.Permission, fallback.Permission)
				decision = fallback
				continue
			}
			rotations++
		case isTerminal(err):
			return err
		default:
			rotations++
			lastErr = err
		}
	}
	return &AllAccountsExhaustedError{Permission: decision.Permission, LastErr: lastErr}
}

// isTerminal reports errors that rotating accounts cannot fix.
func isTerminal(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 400 && httpErr.Status < 500
	}
	return false
}

func (s *Service) record(email string, decision quota.Decision, model string, start time.Time, err error) {
	var rl *RateLimitedError
	rec := usage.Record{
		Email:       email,
		Permission:  decision.Permission,
		Model:       model,
		Failed:      err != nil,
		RateLimited: errors.As(err, &rl),
		LatencyMS:   time.Since(start).Milliseconds(),
		RequestedAt: start,
	}
	s.counters.Record(rec)
	s.backend.Enqueue(rec)
}

// GetValidToken exposes raw credential acquisition for callers that
// dispatch themselves.
func (s *Service) GetValidToken(ctx context.Context, perm quota.Permission) (account.Credential, error) {
	return s.manager.GetValidToken(ctx, perm)
}

// Login runs the interactive browser flow and adds the resulting account
// to the pool.
func (s *Service) Login(ctx context.Context, opts authag.LoginOptions) (string, error) {
	rec, err := authag.Login(ctx, opts)
	if err != nil {
		return "", err
	}
	replaced, err := s.manager.AddAccount(rec)
	if err != nil {
		return "", err
	}
	if replaced {
		log.Infof("updated existing account %s", rec.Email)
	} else {
		log.Infof("added account %s", rec.Email)
	}
	return rec.Email, nil
}

// AddAccount inserts a pre-built account record (e.g. imported from
// another machine).
func (s *Service) AddAccount(rec *account.Record) (bool, error) {
	return s.manager.AddAccount(rec)
}

// RemoveAccount drops an account from the pool.
func (s *Service) RemoveAccount(email string) error {
	return s.manager.RemoveAccount(email)
}

// Accounts snapshots the pool for display.
func (s *Service) Accounts() []*account.Record {
	return s.manager.Accounts()
}

// SwitchActive points selection at a specific account.
func (s *Service) SwitchActive(email string) error {
	return s.manager.SwitchActive(email)
}

// LiveStats returns the in-process counters.
func (s *Service) LiveStats() usage.AggregatedStats {
	return s.counters.Snapshot()
}

// UsageTotals queries the durable usage store.
func (s *Service) UsageTotals(ctx context.Context, since time.Time) (*usage.AggregatedStats, error) {
	if err := s.backend.Flush(ctx); err != nil {
		return nil, err
	}
	return s.backend.QueryTotals(ctx, since)
}

// UsageByAccount queries per-account aggregates.
func (s *Service) UsageByAccount(ctx context.Context, since time.Time) ([]usage.AccountStats, error) {
	if err := s.backend.Flush(ctx); err != nil {
		return nil, err
	}
	return s.backend.QueryAccountStats(ctx, since)
}
