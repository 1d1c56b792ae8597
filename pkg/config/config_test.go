package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "config.txt")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_RequiredFieldsAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "oauth_host=auth.example.com\noauth_client_id=client-1\nllm_api_url=https://llm.example.com\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConnectionTimeout != defaultConnectionTimeout {
		t.Errorf("ConnectionTimeout = %v, want default %v", cfg.ConnectionTimeout, defaultConnectionTimeout)
	}
	if cfg.LLMRequestTimeout != defaultLLMRequestTimeout {
		t.Errorf("LLMRequestTimeout = %v, want default %v", cfg.LLMRequestTimeout, defaultLLMRequestTimeout)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestLoad_MissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "oauth_host=auth.example.com\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for missing required keys")
	}
}

func TestLoad_UnknownKeysPreservedAcrossSave(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "oauth_host=auth.example.com\noauth_client_id=client-1\nllm_api_url=https://llm.example.com\noperator_note=do-not-touch\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload after save: %v", err)
	}
	if reloaded.unknown["operator_note"] != "do-not-touch" {
		t.Fatalf("unknown key not round-tripped: %+v", reloaded.unknown)
	}
}

func TestLoad_ConnectionTimeoutAcceptsBareSecondsOrDuration(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "oauth_host=auth.example.com\noauth_client_id=client-1\nllm_api_url=https://llm.example.com\nconnection_timeout=5\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConnectionTimeout != 5*time.Second {
		t.Fatalf("ConnectionTimeout = %v, want 5s", cfg.ConnectionTimeout)
	}

	path = writeFile(t, dir, "oauth_host=auth.example.com\noauth_client_id=client-1\nllm_api_url=https://llm.example.com\nconnection_timeout=500ms\n")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConnectionTimeout != 500*time.Millisecond {
		t.Fatalf("ConnectionTimeout = %v, want 500ms", cfg.ConnectionTimeout)
	}
}

func TestStore_ReloadPicksUpDiskChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "oauth_host=auth.example.com\noauth_client_id=client-1\nllm_api_url=https://llm.example.com\n")

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := store.Get().LLMModelName; got != "" {
		t.Fatalf("unexpected initial LLMModelName: %q", got)
	}

	writeFile(t, dir, "oauth_host=auth.example.com\noauth_client_id=client-1\nllm_api_url=https://llm.example.com\nllm_model_name=gpt-4.1\n")
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := store.Get().LLMModelName; got != "gpt-4.1" {
		t.Fatalf("LLMModelName after reload = %q, want gpt-4.1", got)
	}
}

func TestDeepCopy_IndependentFromOriginal(t *testing.T) {
	cfg := &Config{MultiCABundle: []string{"a.pem"}, unknown: map[string]string{"k": "v"}}
	cp := cfg.DeepCopy()
	cp.MultiCABundle[0] = "mutated.pem"
	cp.unknown["k"] = "mutated"

	if cfg.MultiCABundle[0] != "a.pem" {
		t.Fatalf("DeepCopy shared the MultiCABundle backing array")
	}
	if cfg.unknown["k"] != "v" {
		t.Fatalf("DeepCopy shared the unknown map")
	}
}
