// Package config loads and persists the gateway's runtime configuration:
// a flat key=value text file carrying OAuth2 endpoints and token state,
// upstream URLs, and the dual-path transport tunables. Rotation of
// access/refresh tokens on every OAuth2 refresh requires the file to be
// both human-editable and safely rewritable from a running process, so
// persistence always goes through a temp-file-then-rename sequence.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config is the parsed contents of the configuration file. Every field
// maps to one key; unrecognised keys are preserved verbatim so that
// round-tripping Load -> Save never drops operator-added fields.
type Config struct {
	// Required.
	OAuthHost     string `key:"oauth_host"`
	OAuthClientID string `key:"oauth_client_id"`
	LLMAPIURL     string `key:"llm_api_url"`

	// Token fields. Rewritten by the token manager on every refresh.
	OAuthRefreshToken         string    `key:"oauth_refresh_token"`
	OAuthAccessToken          string    `key:"oauth_access_token"`
	OAuthAccessTokenExpiresAt time.Time `key:"oauth_access_token_expires_at"`

	// Optional.
	LLMModelsAPIURL         string        `key:"llm_models_api_url"`
	LLMModelName            string        `key:"llm_model_name"`
	LLMResponsesAPIURL      string        `key:"llm_responses_api_url"`
	LLMRequestTimeout       time.Duration `key:"llm_request_timeout"`
	ConnectionTimeout       time.Duration `key:"connection_timeout"`
	HTTPProxyURL            string        `key:"http_proxy_url"`
	ForceProxy              bool          `key:"force_proxy"`
	DisableSSLVerify        bool          `key:"disable_ssl_verify"`
	MultiCABundle           []string      `key:"multi_ca_bundle"`
	LLMReasoningStrength    string        `key:"llm_reasoning_strength"`
	LLMNonReasoningStrength string        `key:"llm_non_reasoning_strength"`
	LLMTemperature          float64       `key:"llm_temperature"`
	LogFilePath             string        `key:"log_file_path"`
	LogLevel                string        `key:"log_level"`

	// unknown carries keys this struct doesn't model, preserved so a
	// Save doesn't silently drop operator-added configuration.
	unknown map[string]string
}

// DeepCopy returns an independent copy of c, including its unknown-key map.
func (c *Config) DeepCopy() *Config {
	cp := *c
	if c.unknown != nil {
		cp.unknown = make(map[string]string, len(c.unknown))
		for k, v := range c.unknown {
			cp.unknown[k] = v
		}
	}
	if c.MultiCABundle != nil {
		cp.MultiCABundle = append([]string(nil), c.MultiCABundle...)
	}
	return &cp
}

// Validate ensures the mandatory fields are present.
func (c *Config) Validate() error {
	if c.OAuthHost == "" {
		return fmt.Errorf("config: missing required key 'oauth_host'")
	}
	if c.OAuthClientID == "" {
		return fmt.Errorf("config: missing required key 'oauth_client_id'")
	}
	if c.LLMAPIURL == "" {
		return fmt.Errorf("config: missing required key 'llm_api_url'")
	}
	return nil
}

// defaults applied when the corresponding key is absent from the file.
const (
	defaultConnectionTimeout = 2 * time.Second
	defaultLLMRequestTimeout = 120 * time.Second
	defaultLogLevel          = "info"
)

func defaultConfig() *Config {
	return &Config{
		ConnectionTimeout: defaultConnectionTimeout,
		LLMRequestTimeout: defaultLLMRequestTimeout,
		LogLevel:          defaultLogLevel,
		unknown:           map[string]string{},
	}
}

// Load reads and parses the key=value configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to open '%s': %w", path, err)
	}
	defer f.Close()

	cfg := defaultConfig()
	raw := map[string]string{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		raw[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed to read '%s': %w", path, err)
	}

	if err := applyRaw(cfg, raw); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyRaw(cfg *Config, raw map[string]string) error {
	known := map[string]*string{
		"oauth_host":                 &cfg.OAuthHost,
		"oauth_client_id":            &cfg.OAuthClientID,
		"llm_api_url":                &cfg.LLMAPIURL,
		"oauth_refresh_token":        &cfg.OAuthRefreshToken,
		"oauth_access_token":         &cfg.OAuthAccessToken,
		"llm_models_api_url":         &cfg.LLMModelsAPIURL,
		"llm_model_name":             &cfg.LLMModelName,
		"llm_responses_api_url":      &cfg.LLMResponsesAPIURL,
		"http_proxy_url":             &cfg.HTTPProxyURL,
		"llm_reasoning_strength":     &cfg.LLMReasoningStrength,
		"llm_non_reasoning_strength": &cfg.LLMNonReasoningStrength,
		"log_file_path":              &cfg.LogFilePath,
		"log_level":                  &cfg.LogLevel,
	}
	for k, dst := range known {
		if v, ok := raw[k]; ok {
			*dst = v
			delete(raw, k)
		}
	}

	if v, ok := raw["oauth_access_token_expires_at"]; ok {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("config: bad 'oauth_access_token_expires_at': %w", err)
		}
		cfg.OAuthAccessTokenExpiresAt = t
		delete(raw, "oauth_access_token_expires_at")
	}
	if v, ok := raw["llm_request_timeout"]; ok {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("config: bad 'llm_request_timeout': %w", err)
		}
		cfg.LLMRequestTimeout = d
		delete(raw, "llm_request_timeout")
	}
	if v, ok := raw["connection_timeout"]; ok {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("config: bad 'connection_timeout': %w", err)
		}
		cfg.ConnectionTimeout = d
		delete(raw, "connection_timeout")
	}
	if v, ok := raw["force_proxy"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: bad 'force_proxy': %w", err)
		}
		cfg.ForceProxy = b
		delete(raw, "force_proxy")
	}
	if v, ok := raw["disable_ssl_verify"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: bad 'disable_ssl_verify': %w", err)
		}
		cfg.DisableSSLVerify = b
		delete(raw, "disable_ssl_verify")
	}
	if v, ok := raw["multi_ca_bundle"]; ok {
		if v != "" {
			cfg.MultiCABundle = strings.Split(v, ",")
			for i := range cfg.MultiCABundle {
				cfg.MultiCABundle[i] = strings.TrimSpace(cfg.MultiCABundle[i])
			}
		}
		delete(raw, "multi_ca_bundle")
	}
	if v, ok := raw["llm_temperature"]; ok {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: bad 'llm_temperature': %w", err)
		}
		cfg.LLMTemperature = t
		delete(raw, "llm_temperature")
	}

	cfg.unknown = raw
	return nil
}

// parseSecondsOrDuration accepts a bare integer (seconds) or a Go
// duration string ("2s", "500ms"), matching the kind of loose input an
// operator hand-editing a text file tends to type.
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Save atomically persists cfg to path by writing to a sibling temp file
// and renaming over the target, so concurrent readers never observe a
// partially written file.
func (c *Config) Save(path string) error {
	lines := []string{
		"oauth_host=" + c.OAuthHost,
		"oauth_client_id=" + c.OAuthClientID,
		"llm_api_url=" + c.LLMAPIURL,
		"oauth_refresh_token=" + c.OAuthRefreshToken,
		"oauth_access_token=" + c.OAuthAccessToken,
	}
	if !c.OAuthAccessTokenExpiresAt.IsZero() {
		lines = append(lines, "oauth_access_token_expires_at="+c.OAuthAccessTokenExpiresAt.Format(time.RFC3339))
	}
	if c.LLMModelsAPIURL != "" {
		lines = append(lines, "llm_models_api_url="+c.LLMModelsAPIURL)
	}
	if c.LLMModelName != "" {
		lines = append(lines, "llm_model_name="+c.LLMModelName)
	}
	if c.LLMResponsesAPIURL != "" {
		lines = append(lines, "llm_responses_api_url="+c.LLMResponsesAPIURL)
	}
	lines = append(lines, fmt.Sprintf("llm_request_timeout=%d", int(c.LLMRequestTimeout.Seconds())))
	lines = append(lines, fmt.Sprintf("connection_timeout=%d", int(c.ConnectionTimeout.Seconds())))
	if c.HTTPProxyURL != "" {
		lines = append(lines, "http_proxy_url="+c.HTTPProxyURL)
	}
	lines = append(lines, fmt.Sprintf("force_proxy=%t", c.ForceProxy))
	lines = append(lines, fmt.Sprintf("disable_ssl_verify=%t", c.DisableSSLVerify))
	if len(c.MultiCABundle) > 0 {
		lines = append(lines, "multi_ca_bundle="+strings.Join(c.MultiCABundle, ","))
	}
	if c.LLMReasoningStrength != "" {
		lines = append(lines, "llm_reasoning_strength="+c.LLMReasoningStrength)
	}
	if c.LLMNonReasoningStrength != "" {
		lines = append(lines, "llm_non_reasoning_strength="+c.LLMNonReasoningStrength)
	}
	if c.LLMTemperature != 0 {
		lines = append(lines, fmt.Sprintf("llm_temperature=%g", c.LLMTemperature))
	}
	if c.LogFilePath != "" {
		lines = append(lines, "log_file_path="+c.LogFilePath)
	}
	if c.LogLevel != "" {
		lines = append(lines, "log_level="+c.LogLevel)
	}
	for k, v := range c.unknown {
		lines = append(lines, k+"="+v)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("config: failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: failed to rename temp file into place: %w", err)
	}
	return nil
}

// Store holds the live configuration shared across request handlers. All
// reads return a DeepCopy so a caller's view cannot be mutated by a
// concurrent Reload or token rotation.
type Store struct {
	path string
	mu   sync.RWMutex
	cfg  *Config
}

// NewStore loads path and returns a Store wrapping it.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

// Get returns a deep copy of the current configuration.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.DeepCopy()
}

// Reload re-reads the configuration file from disk, replacing the live
// copy. Used both by the fsnotify watcher and by any caller implementing
// the "environment reload discipline" (re-read before each call).
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// UpdateTokens atomically rewrites the OAuth2 token fields in memory and
// on disk. refreshToken is left untouched when empty (the upstream does
// not always rotate it).
func (s *Store) UpdateTokens(accessToken string, expiresAt time.Time, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.DeepCopy()
	next.OAuthAccessToken = accessToken
	next.OAuthAccessTokenExpiresAt = expiresAt
	if refreshToken != "" {
		next.OAuthRefreshToken = refreshToken
	}
	if err := next.Save(s.path); err != nil {
		return err
	}
	s.cfg = next
	return nil
}
