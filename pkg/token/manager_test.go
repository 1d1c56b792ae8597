package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/win30221/oca-gateway/pkg/config"
)

func writeConfig(t *testing.T, dir string, extra map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, "config.txt")
	lines := map[string]string{
		"oauth_host":          "auth.example.com",
		"oauth_client_id":     "client-123",
		"llm_api_url":         "https://llm.example.com/v1/chat/completions",
		"oauth_refresh_token": "refresh-abc",
	}
	for k, v := range extra {
		lines[k] = v
	}
	var buf string
	for k, v := range lines {
		buf += k + "=" + v + "\n"
	}
	if err := os.WriteFile(path, []byte(buf), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestGetAccessToken_CachedTokenReused(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, nil)
	store, err := config.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := store.UpdateTokens("cached-token", time.Now().Add(time.Hour), ""); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}

	m, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tok, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if tok != "cached-token" {
		t.Fatalf("got %q, want cached-token", tok)
	}
}

func TestGetAccessToken_RefreshesWhenNoCachedToken(t *testing.T) {
	var requests int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.FormValue("refresh_token"); got != "refresh-abc" {
			t.Errorf("refresh_token = %q, want refresh-abc", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","expires_in":3600,"refresh_token":"rotated-refresh"}`))
	}))
	defer ts.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]string{"oauth_host": ts.URL})
	store, err := config.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	m, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tok, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if tok != "fresh-token" {
		t.Fatalf("got %q, want fresh-token", tok)
	}
	if requests != 1 {
		t.Fatalf("expected exactly one refresh request, got %d", requests)
	}

	reloaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.OAuthRefreshToken != "rotated-refresh" {
		t.Fatalf("refresh token not rotated on disk: %+v", reloaded)
	}

	// A second call within the token's lifetime must not refresh again.
	tok2, err := m.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetAccessToken (cached): %v", err)
	}
	if tok2 != "fresh-token" || requests != 1 {
		t.Fatalf("expected cached token reuse, requests=%d tok2=%q", requests, tok2)
	}
}

func TestUpdateTokens_PersistsAndRotatesRefreshToken(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, nil)
	store, err := config.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	expiresAt := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	if err := store.UpdateTokens("new-access", expiresAt, "new-refresh"); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}

	reloaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.OAuthAccessToken != "new-access" {
		t.Fatalf("access token not persisted: %+v", reloaded)
	}
	if reloaded.OAuthRefreshToken != "new-refresh" {
		t.Fatalf("refresh token not rotated: %+v", reloaded)
	}
	if !reloaded.OAuthAccessTokenExpiresAt.Equal(expiresAt) {
		t.Fatalf("expiry not persisted: got %v want %v", reloaded.OAuthAccessTokenExpiresAt, expiresAt)
	}
}

func TestPrimaryMode_ForceProxyOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]string{
		"http_proxy_url": "http://proxy.example.com:8080",
		"force_proxy":    "true",
	})
	store, err := config.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	m, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := store.Get()
	if got := m.primaryMode(cfg); got != ModeProxy {
		t.Fatalf("force_proxy should select ModeProxy, got %v", got)
	}
}

func TestDo_FailoverFlipsStickyModeToProxy(t *testing.T) {
	// A plain HTTP "proxy": for http:// targets, proxying is just the
	// absolute-URI request landing here, so any 2xx counts as success.
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer proxy.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]string{
		"http_proxy_url":     proxy.URL,
		"connection_timeout": "1",
	})
	store, err := config.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	m, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Port 1 refuses connections immediately, so the direct attempt fails
	// at the transport level and the manager must fail over.
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/llm", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := m.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do should have succeeded via proxy failover: %v", err)
	}
	resp.Body.Close()

	if got := m.currentMode(); got != ModeProxy {
		t.Fatalf("sticky mode = %v, want proxy after failover", got)
	}
}

func TestPrimaryMode_DemotesToDirectWhenProxyUnconfigured(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, nil)
	store, err := config.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	m, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.setMode(ModeProxy)

	cfg := store.Get()
	if got := m.primaryMode(cfg); got != ModeDirect {
		t.Fatalf("sticky proxy mode with no proxy URL should demote to direct, got %v", got)
	}
}
