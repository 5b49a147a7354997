package antigravity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nghyane/antigravity-pool/internal/account"
	"github.com/nghyane/antigravity-pool/internal/config"
	"github.com/nghyane/antigravity-pool/internal/dispatch"
	"github.com/nghyane/antigravity-pool/internal/quota"
	"github.com/nghyane/antigravity-pool/internal/usage"
)

type memStore struct {
	mu  sync.Mutex
	doc *account.Document
}

func (s *memStore) Load() (*account.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return account.NewDocument(), nil
	}
	return s.doc, nil
}

func (s *memStore) Save(doc *account.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
	return nil
}

type staticRefresher struct{}

func (staticRefresher) Refresh(ctx context.Context, parts account.RefreshParts) (account.RefreshResult, error) {
	return account.RefreshResult{
		AccessSecret: "refreshed-" + parts.Token,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

// sleepRecorder captures wait durations instead of actually sleeping.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func poolDoc(emails ...string) *account.Document {
	doc := account.NewDocument()
	for i, email := range emails {
		rec := &account.Record{
			Email:         email,
			RefreshSecret: "rt-" + email + "|proj-" + email,
			AddedAt:       time.Unix(1000, 0),
			LastUsed:      time.Unix(int64(1000+i), 0),
		}
		rec.SetAccess("at-"+email, time.Now().Add(time.Hour))
		doc.Accounts = append(doc.Accounts, rec)
	}
	return doc
}

func newTestService(t *testing.T, doc *account.Document, endpoint string) (*Service, *sleepRecorder) {
	t.Helper()
	cfg := config.Default()
	rec := &sleepRecorder{}
	svc, err := NewService(cfg,
		WithStore(&memStore{doc: doc}),
		WithRefresher(staticRefresher{}),
		WithDispatcher(dispatch.New(
			dispatch.WithEndpoints(quota.FamilyAntigravity, []string{endpoint}),
			dispatch.WithEndpoints(quota.FamilyGeminiCLI, []string{endpoint}),
		)),
		WithUsageBackend(usage.Nop{}),
		WithClock(nil, rec.sleep),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, rec
}

const successBody = `{"response":{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}}`

func TestGenerateRotatesOnRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Authorization"), "at-a@test") {
			w.Header().Set("retry-after", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(successBody))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, poolDoc("a@test", "b@test"), srv.URL)

	res, err := svc.Generate(context.Background(), "claude-sonnet-4-5", Request{Contents: []byte(`[]`)})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Account != "b@test" {
		t.Errorf("served by %q, want b@test", res.Account)
	}
	if res.Text != "hello" {
		t.Errorf("text = %q, want hello", res.Text)
	}

	for _, acct := range svc.Accounts() {
		cooled := acct.CooledDown(quota.PermissionAntigravity, time.Now())
		if acct.Email == "a@test" && !cooled {
			t.Errorf("a@test should be cooling down after the 429")
		}
		if acct.Email == "b@test" && cooled {
			t.Errorf("b@test should not be cooling down")
		}
	}
}

func TestGenerateShortRetryWaitsInPlace(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			w.Header().Set("retry-after-ms", "1000")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(successBody))
	}))
	defer srv.Close()

	svc, sleeps := newTestService(t, poolDoc("a@test"), srv.URL)

	res, err := svc.Generate(context.Background(), "gemini-3-pro", Request{Contents: []byte(`[]`)})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Account != "a@test" {
		t.Errorf("served by %q, want a@test", res.Account)
	}
	if len(sleeps.waits) != 1 || sleeps.waits[0] != time.Second {
		t.Errorf("waits = %v, want [1s]", sleeps.waits)
	}
	for _, acct := range svc.Accounts() {
		if acct.CooledDown(quota.PermissionAntigravity, time.Now()) {
			t.Errorf("short retry must not cool the account down")
		}
	}
}

func TestGenerateAllAccountsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	svc, sleeps := newTestService(t, poolDoc("a@test", "b@test"), srv.URL)

	_, err := svc.Generate(context.Background(), "claude-haiku-4-5", Request{Contents: []byte(`[]`)})
	var exhausted *AllAccountsExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want AllAccountsExhaustedError", err)
	}
	if exhausted.Permission != quota.PermissionAntigravity {
		t.Errorf("permission = %q, want antigravity", exhausted.Permission)
	}
	if exhausted.RetryAfter == nil || *exhausted.RetryAfter <= 0 {
		t.Errorf("exhausted error should carry the earliest cooldown hint, got %v", exhausted.RetryAfter)
	}
	if len(sleeps.waits) != 0 {
		t.Errorf("long cooldowns must not be slept through, waited %v", sleeps.waits)
	}
}

func TestGenerateTerminalClientError(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"contents required"}}`))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, poolDoc("a@test", "b@test"), srv.URL)

	_, err := svc.Generate(context.Background(), "gemini-3-pro", Request{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want HTTPError", err)
	}
	if httpErr.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", httpErr.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("client errors must not rotate accounts, got %d calls", calls)
	}
}

func TestGeneratePrecooledPoolReturnsNoEligible(t *testing.T) {
	doc := poolDoc("a@test", "b@test")
	for _, rec := range doc.Accounts {
		rec.Cooldowns = map[quota.Permission]time.Time{
			quota.PermissionAntigravity: time.Now().Add(10 * time.Minute),
		}
	}

	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.Write([]byte(successBody))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, doc, srv.URL)

	_, err := svc.Generate(context.Background(), "claude-haiku-4-5", Request{Contents: []byte(`[]`)})
	var noAcct *NoEligibleAccountError
	if !errors.As(err, &noAcct) {
		t.Fatalf("err = %v, want NoEligibleAccountError when the pool blocks before any dispatch", err)
	}
	var exhausted *AllAccountsExhaustedError
	if errors.As(err, &exhausted) {
		t.Error("pool-level blockage must not be reported as an exhausted rotation budget")
	}
	if noAcct.RetryAfter == nil || *noAcct.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive cooldown hint", noAcct.RetryAfter)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("upstream was called %d times despite a fully cooled pool", calls)
	}
}

func TestGenerateFallsBackToOtherQuota(t *testing.T) {
	var successUA string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("User-Agent"), "antigravity/") {
			w.Header().Set("retry-after", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		mu.Lock()
		successUA = r.Header.Get("User-Agent")
		mu.Unlock()
		w.Write([]byte(successBody))
	}))
	defer srv.Close()

	svc, sleeps := newTestService(t, poolDoc("a@test"), srv.URL)

	res, err := svc.Generate(context.Background(), "gemini-3-pro", Request{Contents: []byte(`[]`)})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Account != "a@test" {
		t.Errorf("served by %q, want the same single account", res.Account)
	}
	if res.Text != "hello" {
		t.Errorf("text = %q, want hello", res.Text)
	}
	mu.Lock()
	ua := successUA
	mu.Unlock()
	if strings.HasPrefix(ua, "antigravity/") || ua == "" {
		t.Errorf("success request used User-Agent %q, want the gemini-cli client identity", ua)
	}
	if len(sleeps.waits) != 0 {
		t.Errorf("quota fallback should not sleep, waited %v", sleeps.waits)
	}

	for _, acct := range svc.Accounts() {
		if !acct.CooledDown(quota.PermissionAntigravity, time.Now()) {
			t.Error("antigravity quota should be cooling after its 429")
		}
		if acct.CooledDown(quota.PermissionGeminiCLI, time.Now()) {
			t.Error("gemini-cli quota must stay warm after serving the fallback")
		}
	}
}

func TestGenerateUnsupportedModel(t *testing.T) {
	svc, _ := newTestService(t, poolDoc("a@test"), "http://127.0.0.1:0")

	_, err := svc.Generate(context.Background(), "gpt-4o", Request{})
	var unsupported *UnsupportedModelError
	if !errors.As(err, &unsupported) {
		t.Fatalf("err = %v, want UnsupportedModelError", err)
	}
	if unsupported.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", unsupported.Model)
	}
}

func TestGenerateRecordsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(successBody))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, poolDoc("a@test"), srv.URL)

	if _, err := svc.Generate(context.Background(), "gemini-2.5-flash", Request{Contents: []byte(`[]`)}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	stats := svc.LiveStats()
	if stats.TotalRequests != 1 {
		t.Errorf("requests = %d, want 1", stats.TotalRequests)
	}
	if stats.FailureCount != 0 {
		t.Errorf("failures = %d, want 0", stats.FailureCount)
	}
}

func TestGenerateStreamRotates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Authorization"), "at-a@test") {
			w.Header().Set("retry-after", "90")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: " + successBody + "\n\n"))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, poolDoc("a@test", "b@test"), srv.URL)

	stream, err := svc.GenerateStream(context.Background(), "claude-sonnet-4-5", Request{Contents: []byte(`[]`)})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	defer stream.Close()

	var text strings.Builder
	for ev := range stream.Events() {
		text.WriteString(ev.Text())
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text.String() != "hello" {
		t.Errorf("streamed text = %q, want hello", text.String())
	}
}
