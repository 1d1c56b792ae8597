// Package token implements the OAuth2 access-token lifecycle and the
// dual-path (direct/proxy) transport every upstream call goes through:
// lazy refresh of short-lived bearer tokens with atomic persistence,
// automatic direct<->proxy mode switching on transport failure, and a
// streaming request primitive that surfaces upstream lines one at a time.
package token

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/win30221/oca-gateway/pkg/config"
)

// Mode is the sticky direct/proxy selector for the next upstream attempt.
type Mode int32

const (
	ModeDirect Mode = iota
	ModeProxy
)

func (m Mode) String() string {
	if m == ModeProxy {
		return "proxy"
	}
	return "direct"
}

// refreshSafetyMargin is subtracted from the token's reported expiry so a
// token is never handed out with less than this much remaining lifetime.
const refreshSafetyMargin = 60 * time.Second

// HTTPError represents a non-2xx upstream response. It propagates without
// triggering direct<->proxy failover, matching the distinction between a
// transport-level failure and an application-level rejection.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("token: upstream http error (status=%d): %s", e.Status, e.Body)
}

// AuthError wraps a rejected token-refresh attempt.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("token: refresh rejected: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// Manager produces a currently-valid access token on demand and executes
// requests against the upstream with automatic direct<->proxy failover.
// State is shared across all handlers in a process: the cached token, the
// sticky connection mode, and the single-flight refresh gate.
type Manager struct {
	store *config.Store

	mu          sync.RWMutex
	accessToken string
	expiresAt   time.Time

	mode Mode // accessed atomically; last writer wins.

	group singleflight.Group

	direct *http.Client

	proxyMu  sync.Mutex
	proxyURL string
	proxy    *http.Client
}

// New builds a Manager bound to the given configuration store. The
// direct transport is constructed once at startup and trusts the merged
// CA bundle (system pool plus any multi_ca_bundle entries); the proxy
// transport routes through http_proxy_url — rebuilt whenever that key
// changes — and, matching MITM-ing corporate proxies, does not verify
// the upstream certificate.
func New(store *config.Store) (*Manager, error) {
	cfg := store.Get()

	rootCAs, err := mergeCABundle(cfg.MultiCABundle)
	if err != nil {
		return nil, fmt.Errorf("token: failed to build CA bundle: %w", err)
	}

	directTLS := &tls.Config{RootCAs: rootCAs}
	if cfg.DisableSSLVerify {
		directTLS = &tls.Config{InsecureSkipVerify: true}
	}

	m := &Manager{
		store: store,
		mode:  ModeDirect,
		direct: &http.Client{
			Transport: newTransport(directTLS, nil, cfg.ConnectionTimeout),
		},
	}

	if _, err := m.proxyClientFor(cfg); err != nil {
		return nil, err
	}

	if cfg.OAuthAccessToken != "" && time.Now().Before(cfg.OAuthAccessTokenExpiresAt) {
		m.accessToken = cfg.OAuthAccessToken
		m.expiresAt = cfg.OAuthAccessTokenExpiresAt
	}

	return m, nil
}

// proxyClientFor returns the proxy-mode client for the current
// configuration, rebuilding it only when http_proxy_url changed since the
// last call (the flag is re-read from configuration on every request, so
// this runs on the hot path). Returns nil when no proxy is configured.
func (m *Manager) proxyClientFor(cfg *config.Config) (*http.Client, error) {
	m.proxyMu.Lock()
	defer m.proxyMu.Unlock()

	if cfg.HTTPProxyURL == m.proxyURL {
		return m.proxy, nil
	}
	if cfg.HTTPProxyURL == "" {
		m.proxy, m.proxyURL = nil, ""
		return nil, nil
	}
	proxyURL, err := url.Parse(cfg.HTTPProxyURL)
	if err != nil {
		return nil, fmt.Errorf("token: invalid http_proxy_url: %w", err)
	}
	m.proxy = &http.Client{
		Transport: newTransport(&tls.Config{InsecureSkipVerify: true}, http.ProxyURL(proxyURL), cfg.ConnectionTimeout),
	}
	m.proxyURL = cfg.HTTPProxyURL
	return m.proxy, nil
}

func newTransport(tlsCfg *tls.Config, proxy func(*http.Request) (*url.URL, error), dialTimeout time.Duration) *http.Transport {
	if proxy == nil {
		proxy = http.ProxyFromEnvironment
	}
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 proxy,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// mergeCABundle merges the system trust store with any extra PEM files,
// matching the upstream's own "multi CA bundle" trust-merge behaviour.
func mergeCABundle(extraPEMs []string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	for _, p := range extraPEMs {
		if p == "" {
			continue
		}
		pem, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read multi_ca_bundle entry %q: %w", p, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			slog.Warn("token: CA bundle entry contained no usable certificates", "path", p)
		}
	}
	return pool, nil
}

// tokenEndpoint builds the refresh-grant URL from the configured
// oauth_host. A bare host (the production case) is assumed to be HTTPS;
// a value already carrying a scheme (used by tests pointed at a local
// httptest server) is taken as the full base URL.
func tokenEndpoint(host string) string {
	if strings.Contains(host, "://") {
		return strings.TrimRight(host, "/") + "/oauth2/v1/token"
	}
	return fmt.Sprintf("https://%s/oauth2/v1/token", host)
}

// GetAccessToken returns a currently-valid bearer token, refreshing it
// through a single-flight gate if the cached one is absent or expiring
// within the safety margin.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	tok, exp := m.accessToken, m.expiresAt
	m.mu.RUnlock()

	if tok != "" && time.Now().Before(exp) {
		return tok, nil
	}

	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	// Re-check under the single-flight gate: another goroutine may have
	// just completed a refresh while this one waited to enter.
	m.mu.RLock()
	tok, exp := m.accessToken, m.expiresAt
	m.mu.RUnlock()
	if tok != "" && time.Now().Before(exp) {
		return tok, nil
	}

	cfg := m.store.Get()
	if cfg.OAuthRefreshToken == "" {
		return "", &AuthError{Err: fmt.Errorf("no refresh_token configured")}
	}

	oauthCfg := &oauth2.Config{
		ClientID: cfg.OAuthClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenEndpoint(cfg.OAuthHost),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	// Route oauth2's internal client through the manager's own dual-path
	// transport so a refresh participates in direct<->proxy failover (and
	// inherits the merged CA bundle and disable_ssl_verify override) like
	// any other upstream call.
	ctxWithClient := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: &failoverTransport{m: m}})
	src := oauthCfg.TokenSource(ctxWithClient, &oauth2.Token{RefreshToken: cfg.OAuthRefreshToken})

	newTok, err := src.Token()
	if err != nil {
		return "", &AuthError{Err: err}
	}

	expiresAt := newTok.Expiry.Add(-refreshSafetyMargin)

	rotatedRefresh := newTok.RefreshToken
	if rotatedRefresh == cfg.OAuthRefreshToken {
		rotatedRefresh = ""
	}
	if err := m.store.UpdateTokens(newTok.AccessToken, expiresAt, rotatedRefresh); err != nil {
		return "", fmt.Errorf("token: failed to persist refreshed token: %w", err)
	}

	m.mu.Lock()
	m.accessToken = newTok.AccessToken
	m.expiresAt = expiresAt
	m.mu.Unlock()

	slog.Info("token: refreshed access token", "expires_at", expiresAt)
	return newTok.AccessToken, nil
}

// currentMode loads the sticky connection mode atomically.
func (m *Manager) currentMode() Mode {
	return Mode(atomic.LoadInt32((*int32)(&m.mode)))
}

func (m *Manager) setMode(mode Mode) {
	atomic.StoreInt32((*int32)(&m.mode), int32(mode))
}

// primaryMode resolves the mode to try first for this call: force_proxy
// (re-read from configuration on every call) wins; otherwise the sticky
// mode, demoted to direct if proxy is primary but unconfigured.
func (m *Manager) primaryMode(cfg *config.Config) Mode {
	if cfg.ForceProxy && cfg.HTTPProxyURL != "" {
		return ModeProxy
	}
	mode := m.currentMode()
	if mode == ModeProxy && cfg.HTTPProxyURL == "" {
		return ModeDirect
	}
	return mode
}

func (m *Manager) clientFor(mode Mode, cfg *config.Config) (*http.Client, error) {
	if mode == ModeProxy {
		return m.proxyClientFor(cfg)
	}
	return m.direct, nil
}

func (m *Manager) secondary(mode Mode) Mode {
	if mode == ModeDirect {
		return ModeProxy
	}
	return ModeDirect
}

// cloneForRetry re-arms req for a second attempt: the first attempt may
// have consumed the body, so it is rebuilt from GetBody when available.
func cloneForRetry(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("token: failed to rewind request body for retry: %w", err)
		}
		clone.Body = body
	}
	return clone, nil
}

// failoverTransport adapts the manager's dual-path attempt discipline to
// the plain RoundTripper shape the oauth2 package drives, so a token
// refresh flips the sticky connection mode on transport failure like any
// other upstream call.
type failoverTransport struct{ m *Manager }

func (t *failoverTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m := t.m
	cfg := m.store.Get()

	primary := m.primaryMode(cfg)
	client, err := m.clientFor(primary, cfg)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("token: mode %s has no client configured", primary)
	}
	resp, rtErr := client.Transport.RoundTrip(req)
	if rtErr == nil {
		return resp, nil
	}

	secondary := m.secondary(primary)
	secClient, err := m.clientFor(secondary, cfg)
	if err != nil || secClient == nil {
		return nil, rtErr
	}

	slog.Warn("token: transport failure during refresh, flipping connection mode", "from", primary, "to", secondary, "error", rtErr)
	m.setMode(secondary)

	retry, cloneErr := cloneForRetry(req.Context(), req)
	if cloneErr != nil {
		return nil, rtErr
	}
	return secClient.Transport.RoundTrip(retry)
}

// Do executes a unary request with automatic direct<->proxy failover.
// The force-proxy override and the proxy URL are re-read from
// configuration before every call. Non-transport HTTP errors (4xx/5xx)
// are returned as *HTTPError without triggering failover.
func (m *Manager) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	cfg := m.store.Get()

	primary := m.primaryMode(cfg)
	resp, err := m.attempt(primary, cfg, req)
	if err == nil {
		return resp, nil
	}
	if _, isHTTPErr := err.(*HTTPError); isHTTPErr {
		return nil, err
	}

	secondary := m.secondary(primary)
	if secondary == ModeProxy && cfg.HTTPProxyURL == "" {
		return nil, fmt.Errorf("token: connection error on %s, no proxy configured for failover: %w", primary, err)
	}

	slog.Warn("token: transport failure, flipping connection mode", "from", primary, "to", secondary, "error", err)
	m.setMode(secondary)

	retry, cloneErr := cloneForRetry(ctx, req)
	if cloneErr != nil {
		return nil, cloneErr
	}
	resp2, err2 := m.attempt(secondary, cfg, retry)
	if err2 != nil {
		if _, isHTTPErr := err2.(*HTTPError); isHTTPErr {
			return nil, err2
		}
		return nil, fmt.Errorf("token: both transport modes failed (%s=%v, %s=%v)", primary, err, secondary, err2)
	}
	return resp2, nil
}

func (m *Manager) attempt(mode Mode, cfg *config.Config, req *http.Request) (*http.Response, error) {
	client, err := m.clientFor(mode, cfg)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("token: mode %s has no client configured", mode)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// LineFunc is invoked once per decoded line read from a streaming
// response body, in arrival order.
type LineFunc func(line string) error

// StreamDo executes a line-streaming request with the same failover
// discipline as Do. onOpen, if non-nil, is invoked once with the
// response headers before the first line is delivered. The stream stops
// either when the body is exhausted or when ctx is cancelled, in which
// case the upstream connection is closed promptly.
func (m *Manager) StreamDo(ctx context.Context, req *http.Request, onOpen func(http.Header), onLine LineFunc) error {
	cfg := m.store.Get()

	primary := m.primaryMode(cfg)
	opened := false
	err := m.attemptStream(ctx, primary, cfg, req, onOpen, onLine, &opened)
	if err == nil {
		return nil
	}
	if _, isHTTPErr := err.(*HTTPError); isHTTPErr {
		return err
	}
	// Failover applies only to the stream open. Once the upstream response
	// is established, a mid-flight failure must surface as-is: replaying
	// the stream would desynchronise a consumer that already saw lines.
	if opened {
		return err
	}

	secondary := m.secondary(primary)
	if secondary == ModeProxy && cfg.HTTPProxyURL == "" {
		return fmt.Errorf("token: connection error on %s, no proxy configured for failover: %w", primary, err)
	}

	slog.Warn("token: transport failure mid-stream-open, flipping connection mode", "from", primary, "to", secondary, "error", err)
	m.setMode(secondary)

	retry, cloneErr := cloneForRetry(ctx, req)
	if cloneErr != nil {
		return cloneErr
	}
	err2 := m.attemptStream(ctx, secondary, cfg, retry, onOpen, onLine, &opened)
	if err2 != nil {
		if _, isHTTPErr := err2.(*HTTPError); isHTTPErr {
			return err2
		}
		return fmt.Errorf("token: both transport modes failed (%s=%v, %s=%v)", primary, err, secondary, err2)
	}
	return nil
}

func (m *Manager) attemptStream(ctx context.Context, mode Mode, cfg *config.Config, req *http.Request, onOpen func(http.Header), onLine LineFunc, opened *bool) error {
	client, err := m.clientFor(mode, cfg)
	if err != nil {
		return err
	}
	if client == nil {
		return fmt.Errorf("token: mode %s has no client configured", mode)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	*opened = true
	if onOpen != nil {
		onOpen(resp.Header)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := onLine(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// NewUpstreamRequest builds an *http.Request for the given upstream URL
// with the current bearer token attached. Callers that need a streaming
// POST should set req.Header appropriately before calling StreamDo.
func (m *Manager) NewUpstreamRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	token, err := m.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
