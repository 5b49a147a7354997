package antigravity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// TestLoginFlow drives the full PKCE flow against fake Google endpoints.
// The OpenURL hook plays the user: it follows the consent URL's redirect
// immediately with a canned authorization code.
func TestLoginFlow(t *testing.T) {
	var exchangedCode, exchangedVerifier string

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		exchangedCode = r.FormValue("code")
		exchangedVerifier = r.FormValue("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-login","token_type":"Bearer","expires_in":3600,"refresh_token":"rt-login"}`))
	}))
	defer tokenSrv.Close()

	userinfoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-login" {
			t.Errorf("userinfo auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"email":"User@Example.Com"}`))
	}))
	defer userinfoSrv.Close()

	loadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":loadCodeAssist") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Client-Metadata") == "" {
			t.Error("loadCodeAssist missing Client-Metadata header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"cloudaicompanionProject":{"id":"proj-from-load"}}`))
	}))
	defer loadSrv.Close()

	openURL := func(consent string) error {
		u, err := url.Parse(consent)
		if err != nil {
			return err
		}
		q := u.Query()
		redirect := q.Get("redirect_uri")
		if q.Get("code_challenge_method") != "S256" {
			t.Errorf("consent URL missing S256 challenge method")
		}
		// The user approves instantly.
		go func() {
			cb := redirect + "?code=auth-code-1&state=" + url.QueryEscape(q.Get("state"))
			resp, err := http.Get(cb)
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := Login(ctx, LoginOptions{
		AuthBaseURL:     "https://consent.invalid/auth",
		TokenBaseURL:    tokenSrv.URL,
		UserinfoBaseURL: userinfoSrv.URL,
		LoadEndpoints:   []string{loadSrv.URL},
		ListenAddr:      "127.0.0.1:0",
		OpenURL:         openURL,
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if exchangedCode != "auth-code-1" {
		t.Errorf("exchanged code = %q", exchangedCode)
	}
	if exchangedVerifier == "" {
		t.Error("exchange omitted the PKCE verifier")
	}
	if rec.Email != "user@example.com" {
		t.Errorf("email = %q, want lowercased user@example.com", rec.Email)
	}
	if rec.ProjectID != "proj-from-load" {
		t.Errorf("project = %q, want proj-from-load", rec.ProjectID)
	}
	if want := "rt-login|proj-from-load"; rec.RefreshSecret != want {
		t.Errorf("refresh secret = %q, want %q", rec.RefreshSecret, want)
	}
	if rec.AccessSecret != "at-login" {
		t.Errorf("access secret = %q", rec.AccessSecret)
	}
}

// TestLoginPinnedProjectSkipsResolution verifies a caller-supplied project
// travels through the state blob and suppresses the loadCodeAssist calls.
func TestLoginPinnedProjectSkipsResolution(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":3600,"refresh_token":"rt"}`))
	}))
	defer tokenSrv.Close()

	userinfoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"email":"a@b.c"}`))
	}))
	defer userinfoSrv.Close()

	loadCalled := false
	loadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loadCalled = true
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer loadSrv.Close()

	openURL := func(consent string) error {
		u, _ := url.Parse(consent)
		q := u.Query()
		go func() {
			resp, err := http.Get(q.Get("redirect_uri") + "?code=c&state=" + url.QueryEscape(q.Get("state")))
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := Login(ctx, LoginOptions{
		ProjectID:       "pinned-proj",
		AuthBaseURL:     "https://consent.invalid/auth",
		TokenBaseURL:    tokenSrv.URL,
		UserinfoBaseURL: userinfoSrv.URL,
		LoadEndpoints:   []string{loadSrv.URL},
		ListenAddr:      "127.0.0.1:0",
		OpenURL:         openURL,
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if rec.ProjectID != "pinned-proj" {
		t.Errorf("project = %q, want pinned-proj", rec.ProjectID)
	}
	if loadCalled {
		t.Error("project resolution ran despite a pinned project")
	}
}
