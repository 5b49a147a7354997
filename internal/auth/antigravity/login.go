package antigravity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/skratchdot/open-golang/open"
	"golang.org/x/oauth2"

	"github.com/nghyane/antigravity-pool/internal/account"
	"github.com/nghyane/antigravity-pool/internal/json"
	log "github.com/nghyane/antigravity-pool/internal/logging"
	"github.com/nghyane/antigravity-pool/internal/oauth/pkce"
)

// clientMetadata is sent on project-resolution calls; the backends reject
// requests without it.
const clientMetadata = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`

// LoginOptions control the interactive login flow.
type LoginOptions struct {
	// NoBrowser prints the authorization URL instead of opening it.
	NoBrowser bool
	// ProjectID pins the GCP project instead of resolving it after the
	// exchange.
	ProjectID string
	// AuthBaseURL and TokenBaseURL override the Google endpoints. Tests
	// only.
	AuthBaseURL  string
	TokenBaseURL string
	// UserinfoBaseURL overrides the userinfo endpoint. Tests only.
	UserinfoBaseURL string
	// LoadEndpoints overrides the project-resolution endpoints.
	LoadEndpoints []string
	// ListenAddr overrides the callback listener address. Tests only.
	ListenAddr string
	// OpenURL replaces the system browser launcher.
	OpenURL func(url string) error
}

type callbackResult struct {
	code  string
	state string
	err   error
}

// Login runs the full PKCE authorization-code flow: opens the consent
// page, waits for the localhost callback, exchanges the code, resolves the
// user's email and project, and returns a pool-ready account record.
func Login(ctx context.Context, opts LoginOptions) (*account.Record, error) {
	codes, err := pkce.Generate()
	if err != nil {
		return nil, err
	}
	state, err := pkce.EncodeState(codes.Verifier, opts.ProjectID)
	if err != nil {
		return nil, err
	}

	authURL := AuthURL
	tokenURL := TokenURL
	if opts.AuthBaseURL != "" {
		authURL = opts.AuthBaseURL
	}
	if opts.TokenBaseURL != "" {
		tokenURL = opts.TokenBaseURL
	}
	listenAddr := opts.ListenAddr
	if listenAddr == "" {
		listenAddr = fmt.Sprintf("localhost:%d", CallbackPort)
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("callback listener on %s: %w", listenAddr, err)
	}

	redirectURL := RedirectURI
	if opts.ListenAddr != "" {
		redirectURL = fmt.Sprintf("http://%s/oauth-callback", ln.Addr().String())
	}
	conf := &oauth2.Config{
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errStr := q.Get("error"); errStr != "" {
			http.Error(w, "Authentication failed. You can close this window.", http.StatusBadRequest)
			results <- callbackResult{err: fmt.Errorf("authorization denied: %s", errStr)}
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h2>Authentication complete</h2><p>You can close this window and return to the terminal.</p></body></html>")
		results <- callbackResult{code: q.Get("code"), state: q.Get("state")}
	})
	srv := &http.Server{Handler: mux}
	go func() {
		if serr := srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			results <- callbackResult{err: serr}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	url := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("code_challenge", codes.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	openURL := opts.OpenURL
	if openURL == nil {
		openURL = open.Run
	}
	if opts.NoBrowser {
		fmt.Printf("Visit the following URL to continue authentication:\n%s\n", url)
	} else {
		fmt.Println("Opening browser for Antigravity authentication")
		if err := openURL(url); err != nil {
			log.Warnf("could not open browser automatically: %v", err)
			fmt.Printf("Visit the following URL to continue authentication:\n%s\n", url)
		}
	}
	fmt.Println("Waiting for authentication callback...")

	var cb callbackResult
	select {
	case cb = <-results:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if cb.err != nil {
		return nil, cb.err
	}
	if cb.code == "" {
		return nil, fmt.Errorf("callback missing authorization code")
	}

	verifier, stateProject, err := pkce.DecodeState(cb.state)
	if err != nil {
		return nil, err
	}

	tok, err := conf.Exchange(ctx, cb.code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("provider returned no refresh token; revoke access and retry")
	}

	client := &http.Client{Timeout: 30 * time.Second}

	email, err := fetchEmail(ctx, client, opts.UserinfoBaseURL, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch account email: %w", err)
	}

	projectID := stateProject
	if projectID == "" {
		endpoints := opts.LoadEndpoints
		if endpoints == nil {
			endpoints = LoadEndpoints
		}
		projectID = resolveProjectID(ctx, client, endpoints, tok.AccessToken)
	}
	if projectID == "" {
		projectID = DefaultProjectID
	}

	parts := account.RefreshParts{Token: tok.RefreshToken, ProjectID: projectID}
	rec := &account.Record{
		Email:         email,
		RefreshSecret: parts.String(),
		ProjectID:     projectID,
		AddedAt:       time.Now(),
	}
	rec.SetAccess(tok.AccessToken, tok.Expiry)
	log.Infof("authenticated %s (project %s)", email, projectID)
	return rec, nil
}

func fetchEmail(ctx context.Context, client *http.Client, baseURL, accessToken string) (string, error) {
	if baseURL == "" {
		baseURL = UserinfoURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?alt=json", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo response missing email")
	}
	return strings.ToLower(info.Email), nil
}

// resolveProjectID asks each load endpoint for the user's Cloud AI
// companion project, returning the first answer. Failure is not fatal;
// callers fall back to the shared default project.
func resolveProjectID(ctx context.Context, client *http.Client, endpoints []string, accessToken string) string {
	body := []byte(`{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`)

	for _, endpoint := range endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:loadCodeAssist", strings.NewReader(string(body)))
		if err != nil {
			continue
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "google-api-nodejs-client/9.15.1")
		req.Header.Set("X-Goog-Api-Client", "google-cloud-sdk vscode_cloudshelleditor/0.1")
		req.Header.Set("Client-Metadata", clientMetadata)

		resp, err := client.Do(req)
		if err != nil {
			log.Debugf("loadCodeAssist via %s: %v", endpoint, err)
			continue
		}
		project := parseCompanionProject(resp)
		if project != "" {
			return project
		}
	}
	return ""
}

// parseCompanionProject extracts the project from a loadCodeAssist
// response; the field is either a bare string or an object with an id.
func parseCompanionProject(resp *http.Response) string {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var payload struct {
		Project any `json:"cloudaicompanionProject"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ""
	}
	switch p := payload.Project.(type) {
	case string:
		return p
	case map[string]any:
		if id, ok := p["id"].(string); ok {
			return id
		}
	}
	return ""
}
