// Package httpx is the shared outbound HTTP layer: per-host rate limits,
// exponential backoff honoring Retry-After, and single-flight OAuth token
// refresh. Every connector and tool call goes through a Pool.
package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// StatusError carries a non-2xx response status and body excerpt.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpx: request failed with status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// TokenSource supplies and refreshes per-credential bearer tokens.
// Refresh is called at most once concurrently per credential id.
type TokenSource interface {
	// Token returns the current access token, or "" when the request
	// should go out unauthenticated.
	Token(ctx context.Context, credentialID int64) (string, error)
	// Refresh obtains a new access token after a 401 or known expiry.
	Refresh(ctx context.Context, credentialID int64) (string, error)
}

// Pool is a rate-limited HTTP client shared across connectors.
type Pool struct {
	client  *http.Client
	backoff Backoff
	tokens  TokenSource

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perHost  rate.Limit
	burst    int

	refreshGroup singleflight.Group
}

// Option configures a Pool.
type Option func(*Pool)

// WithBackoff overrides the retry schedule.
func WithBackoff(b Backoff) Option { return func(p *Pool) { p.backoff = b } }

// WithTokenSource wires OAuth refresh for authenticated requests.
func WithTokenSource(ts TokenSource) Option { return func(p *Pool) { p.tokens = ts } }

// WithPerHostRate overrides the default per-host request rate.
func WithPerHostRate(r rate.Limit, burst int) Option {
	return func(p *Pool) { p.perHost = r; p.burst = burst }
}

// NewPool creates a Pool with the given request timeout.
func NewPool(timeout time.Duration, opts ...Option) *Pool {
	p := &Pool{
		client:   &http.Client{Timeout: timeout},
		backoff:  DefaultBackoff(),
		limiters: make(map[string]*rate.Limiter),
		perHost:  rate.Limit(10),
		burst:    20,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Request describes one logical outbound call.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	// CredentialID, when non-zero, attaches a bearer token from the
	// pool's TokenSource and enables 401-triggered refresh.
	CredentialID int64
}

// Do executes req with rate limiting and retries. The response body is
// fully read and returned; callers never manage closes.
func (p *Pool) Do(ctx context.Context, req Request) (*http.Response, []byte, error) {
	host := hostOf(req.URL)
	limiter := p.limiterFor(host)

	refreshed := false
	var lastErr error

	for attempt := 0; attempt < p.backoff.Max; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("httpx.Do: rate wait: %w", err)
		}

		resp, body, err := p.once(ctx, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, nil, lastErr
			}
			// Transport-level failure: retry on schedule.
			if serr := sleep(ctx, p.backoff.Delay(attempt)); serr != nil {
				return nil, nil, serr
			}
			continue
		}

		switch {
		case resp.StatusCode < 400:
			return resp, body, nil

		case resp.StatusCode == http.StatusUnauthorized && p.tokens != nil && req.CredentialID != 0 && !refreshed:
			// Single-flight refresh, then one retry.
			if _, err := p.refreshToken(ctx, req.CredentialID); err != nil {
				return resp, body, fmt.Errorf("httpx.Do: token refresh after 401: %w", err)
			}
			refreshed = true
			continue

		case isRetryableStatus(resp.StatusCode, body):
			delay := RetryAfterDelay(resp, p.backoff.Cap)
			if delay == 0 {
				delay = p.backoff.Delay(attempt)
			}
			slog.Warn("httpx retrying",
				"host", host,
				"status", resp.StatusCode,
				"attempt", attempt+1,
				"delay_ms", delay.Milliseconds(),
			)
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			if serr := sleep(ctx, delay); serr != nil {
				return nil, nil, serr
			}
			continue

		default:
			// Non-retryable 4xx: fail fast.
			return resp, body, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("httpx.Do: retries exhausted for %s %s", req.Method, req.URL)
	}
	slog.Error("httpx retries exhausted", "host", host, "attempts", p.backoff.Max, "error", lastErr)
	return nil, nil, lastErr
}

// Get is shorthand for an unauthenticated GET.
func (p *Pool) Get(ctx context.Context, url string, headers http.Header) (*http.Response, []byte, error) {
	return p.Do(ctx, Request{Method: http.MethodGet, URL: url, Headers: headers})
}

func (p *Pool) once(ctx context.Context, req Request) (*http.Response, []byte, error) {
	var rdr io.Reader
	if req.Body != nil {
		rdr = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, rdr)
	if err != nil {
		return nil, nil, fmt.Errorf("httpx: build request: %w", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if p.tokens != nil && req.CredentialID != 0 {
		tok, err := p.tokens.Token(ctx, req.CredentialID)
		if err != nil {
			return nil, nil, fmt.Errorf("httpx: token: %w", err)
		}
		if tok != "" {
			hreq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := p.client.Do(hreq)
	if err != nil {
		return nil, nil, fmt.Errorf("httpx: %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("httpx: read body: %w", err)
	}
	return resp, body, nil
}

func (p *Pool) refreshToken(ctx context.Context, credentialID int64) (string, error) {
	key := fmt.Sprintf("cred:%d", credentialID)
	v, err, _ := p.refreshGroup.Do(key, func() (any, error) {
		return p.tokens.Refresh(ctx, credentialID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Pool) limiterFor(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(p.perHost, p.burst)
		p.limiters[host] = l
	}
	return l
}

// isRetryableStatus covers 429, quota-flavored 403s, and all 5xx.
func isRetryableStatus(code int, body []byte) bool {
	if code == http.StatusTooManyRequests || code >= 500 {
		return true
	}
	if code == http.StatusForbidden {
		lower := strings.ToLower(string(body))
		return strings.Contains(lower, "quota") || strings.Contains(lower, "rate limit")
	}
	return false
}

func hostOf(rawURL string) string {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
