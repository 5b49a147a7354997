package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/nghyane/antigravity-pool/internal/account"
	"github.com/nghyane/antigravity-pool/internal/auth/antigravity"
	log "github.com/nghyane/antigravity-pool/internal/logging"
	"github.com/nghyane/antigravity-pool/internal/quota"
	"github.com/nghyane/antigravity-pool/internal/resilience"
)

// maxErrorBody caps how much of an error response is buffered for
// diagnostics and retry-hint parsing.
const maxErrorBody = 64 << 10

// Dispatcher sends prepared generation requests to the Cloud Code
// backends, walking the endpoint fallback list for the routed family. A
// circuit breaker per endpoint keeps a flapping sandbox tier from eating
// the first attempt of every request.
type Dispatcher struct {
	client         *http.Client
	antigravityEPs []string
	geminiCLIEPs   []string
	defaultProject string
	attempter      *resilience.Executor[*http.Response]

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithEndpoints overrides the fallback list for a family.
func WithEndpoints(family quota.Family, endpoints []string) Option {
	return func(d *Dispatcher) {
		switch family {
		case quota.FamilyAntigravity:
			d.antigravityEPs = endpoints
		case quota.FamilyGeminiCLI:
			d.geminiCLIEPs = endpoints
		}
	}
}

// WithDefaultProject sets the project used when a credential carries none.
func WithDefaultProject(id string) Option {
	return func(d *Dispatcher) { d.defaultProject = id }
}

// New builds a Dispatcher with the standard endpoint lists.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:         resilience.NewHTTPClient(5 * time.Minute),
		antigravityEPs: antigravity.EndpointFallbacks,
		geminiCLIEPs:   []string{antigravity.EndpointProd},
		defaultProject: antigravity.DefaultProjectID,
		breakers:       map[string]*resilience.CircuitBreaker{},
	}
	d.attempter = resilience.NewExecutor[*http.Response](resilience.RetryConfig{
		MaxRetries:  1,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		JitterDelay: 100 * time.Millisecond,
	})
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Response is a completed unary generation.
type Response struct {
	Status int
	Body   []byte
}

// Text concatenates the answer text parts of the first candidate,
// skipping thought parts.
func (r *Response) Text() string {
	var buf bytes.Buffer
	root := gjson.GetBytes(r.Body, "response")
	if !root.Exists() {
		root = gjson.ParseBytes(r.Body)
	}
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Exists() {
			return true
		}
		buf.WriteString(part.Get("text").String())
		return true
	})
	return buf.String()
}

// Generate performs a unary generation request.
func (d *Dispatcher) Generate(ctx context.Context, cred account.Credential, decision quota.Decision, req Request) (*Response, error) {
	resp, err := d.do(ctx, cred, decision, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Family: decision.Family, Err: err}
	}
	return &Response{Status: resp.StatusCode, Body: body}, nil
}

// GenerateStream performs a streaming generation request. The caller owns
// the returned Stream and must Close it.
func (d *Dispatcher) GenerateStream(ctx context.Context, cred account.Credential, decision quota.Decision, req Request) (*Stream, error) {
	resp, err := d.do(ctx, cred, decision, req, true)
	if err != nil {
		return nil, err
	}
	return newStream(ctx, resp.Body), nil
}

func (d *Dispatcher) endpointsFor(family quota.Family) []string {
	if family == quota.FamilyGeminiCLI {
		return d.geminiCLIEPs
	}
	return d.antigravityEPs
}

// do walks the family's endpoint list once. 429 stops the walk and
// surfaces the rate-limit signal; fallback statuses and transport errors
// move to the next endpoint; anything else is terminal.
func (d *Dispatcher) do(ctx context.Context, cred account.Credential, decision quota.Decision, req Request, streaming bool) (*http.Response, error) {
	projectID := cred.ProjectID
	if projectID == "" {
		projectID = d.defaultProject
	}
	payload, err := buildPayload(decision, req, projectID)
	if err != nil {
		return nil, fmt.Errorf("build request payload: %w", err)
	}

	action := "generateContent"
	if streaming {
		action = "streamGenerateContent"
	}

	var lastErr error
	for _, endpoint := range d.endpointsFor(decision.Family) {
		url := endpoint + "/v1internal:" + action
		if streaming {
			url += "?alt=sse"
		}

		resp, err := d.attemptEndpoint(ctx, endpoint, url, payload, cred.AccessSecret, decision.Permission, streaming)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				log.Debugf("endpoint %s breaker open, skipping", endpoint)
			} else {
				log.Debugf("endpoint %s failed: %v", endpoint, err)
			}
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			retryAfter := parseRetryAfter(resp.Header, body)
			return nil, &RateLimitedError{Permission: decision.Permission, RetryAfter: retryAfter}
		case isFallbackStatus(resp.StatusCode):
			resp.Body.Close()
			lastErr = &HTTPError{Status: resp.StatusCode}
			continue
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			return nil, &HTTPError{Status: resp.StatusCode, Body: body}
		}
	}
	return nil, &NetworkError{Family: decision.Family, Err: lastErr}
}

// attemptEndpoint issues one request through the endpoint's breaker, with
// a single transport-level retry. Server errors count against the breaker;
// quota and client statuses do not.
func (d *Dispatcher) attemptEndpoint(ctx context.Context, endpoint, url string, payload []byte, accessSecret string, perm quota.Permission, streaming bool) (*http.Response, error) {
	result, err := d.breaker(endpoint).Execute(func() (any, error) {
		resp, err := d.attempter.Execute(ctx, func() (*http.Response, error) {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			applyHeaders(httpReq.Header, perm, accessSecret, streaming)
			return d.client.Do(httpReq)
		})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, &HTTPError{Status: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

func (d *Dispatcher) breaker(endpoint string) *resilience.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[endpoint]; ok {
		return b
	}
	b := resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig(endpoint))
	d.breakers[endpoint] = b
	return b
}

func isFallbackStatus(status int) bool {
	return status == http.StatusForbidden || status == http.StatusNotFound || status >= 500
}
