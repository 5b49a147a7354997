package antigravity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/nghyane/antigravity-pool/internal/account"
	log "github.com/nghyane/antigravity-pool/internal/logging"
)

// Refresher exchanges stored refresh tokens for access tokens against the
// Google token endpoint. A shared rate limiter keeps a large pool from
// hammering the endpoint when many accounts go stale at once.
type Refresher struct {
	client   *http.Client
	tokenURL string
	limiter  *rate.Limiter
}

// RefresherOption customizes a Refresher.
type RefresherOption func(*Refresher)

// WithHTTPClient overrides the HTTP client used for exchanges.
func WithHTTPClient(c *http.Client) RefresherOption {
	return func(r *Refresher) { r.client = c }
}

// WithTokenURL points exchanges at a different token endpoint.
func WithTokenURL(u string) RefresherOption {
	return func(r *Refresher) { r.tokenURL = u }
}

// NewRefresher builds a Refresher with sane defaults: 30s request timeout
// and at most 5 exchanges per second across the pool.
func NewRefresher(opts ...RefresherOption) *Refresher {
	r := &Refresher{
		client:   &http.Client{Timeout: 30 * time.Second},
		tokenURL: TokenURL,
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh implements account.TokenRefresher. invalid_grant responses are
// reported as permanent; everything else is transient.
func (r *Refresher) Refresh(ctx context.Context, parts account.RefreshParts) (account.RefreshResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return account.RefreshResult{}, err
	}

	conf := &oauth2.Config{
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: r.tokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: parts.Token})
	tok, err := src.Token()
	if err != nil {
		return account.RefreshResult{}, classifyRefreshError(err)
	}

	res := account.RefreshResult{
		AccessSecret: tok.AccessToken,
		Expiry:       tok.Expiry,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != parts.Token {
		log.Debugf("provider rotated refresh token")
		res.RotatedSecret = tok.RefreshToken
	}
	return res, nil
}

// classifyRefreshError maps an oauth2 exchange failure onto the pool's
// refresh error taxonomy.
func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code := re.ErrorCode
		if code == "" {
			code = http.StatusText(re.Response.StatusCode)
		}
		permanent := code == "invalid_grant" || strings.Contains(strings.ToLower(re.ErrorDescription), "revoked")
		return &account.RefreshError{Code: code, Permanent: permanent, Err: err}
	}
	return &account.RefreshError{Code: "network", Err: err}
}
