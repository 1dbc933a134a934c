package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var gatewayEnv = []string{
	"MCP_HOST", "MCP_PORT", "MCP_PATH",
	"OPENSEARCH_HOST", "OPENSEARCH_PORT", "OPENSEARCH_USERNAME", "OPENSEARCH_PASSWORD",
	"OPENSEARCH_USE_SSL", "OPENSEARCH_SSL_VERIFY", "OPENSEARCH_TIMEOUT",
	"OPENSEARCH_MAX_RETRIES", "OPENSEARCH_MAX_RETRY_DELAY",
	"OPENSEARCH_DEFAULT_INDEX", "OPENSEARCH_MAX_RESULTS",
}

func unsetEnv(keys ...string) func() {
	prev := make(map[string]string)
	for _, k := range keys {
		prev[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	return func() {
		for k, v := range prev {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	restore := unsetEnv(gatewayEnv...)
	defer restore()
	os.Setenv("OPENSEARCH_USERNAME", "admin")
	os.Setenv("OPENSEARCH_PASSWORD", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address() != "0.0.0.0:9898" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address())
	}
	if cfg.Server.Path != "/ossserver/mcp" {
		t.Fatalf("unexpected path: %s", cfg.Server.Path)
	}
	if cfg.OpenSearch.Port != 9200 {
		t.Fatalf("unexpected opensearch port: %d", cfg.OpenSearch.Port)
	}
	if cfg.OpenSearch.Timeout != 30*time.Second {
		t.Fatalf("unexpected timeout: %v", cfg.OpenSearch.Timeout)
	}
	if cfg.OpenSearch.MaxRetries != 3 {
		t.Fatalf("unexpected max retries: %d", cfg.OpenSearch.MaxRetries)
	}
	if cfg.OpenSearch.DefaultIndex != "documents" {
		t.Fatalf("unexpected default index: %s", cfg.OpenSearch.DefaultIndex)
	}
	if cfg.Health.SnapshotTTL != 0 {
		t.Fatalf("health snapshot ttl should default to 0, got %v", cfg.Health.SnapshotTTL)
	}
}

func TestLoadMissingCredentials(t *testing.T) {
	restore := unsetEnv(gatewayEnv...)
	defer restore()

	if _, err := Load(""); err == nil {
		t.Fatal("expected error when credentials missing")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	restore := unsetEnv(gatewayEnv...)
	defer restore()

	os.Setenv("OPENSEARCH_USERNAME", "admin")
	os.Setenv("OPENSEARCH_PASSWORD", "secret")
	os.Setenv("OPENSEARCH_HOST", "search.internal")
	os.Setenv("OPENSEARCH_PORT", "9443")
	os.Setenv("OPENSEARCH_USE_SSL", "true")
	os.Setenv("OPENSEARCH_TIMEOUT", "10")
	os.Setenv("OPENSEARCH_MAX_RETRY_DELAY", "20")
	os.Setenv("MCP_PORT", "8080")
	os.Setenv("MCP_PATH", "/gateway/mcp")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OpenSearch.Host != "search.internal" {
		t.Fatalf("unexpected host: %s", cfg.OpenSearch.Host)
	}
	if cfg.OpenSearch.Port != 9443 {
		t.Fatalf("unexpected port: %d", cfg.OpenSearch.Port)
	}
	if !cfg.OpenSearch.UseSSL {
		t.Fatal("expected use_ssl true")
	}
	if cfg.OpenSearch.Timeout != 10*time.Second {
		t.Fatalf("unexpected timeout: %v", cfg.OpenSearch.Timeout)
	}
	if cfg.OpenSearch.MaxRetryDelay != 20*time.Second {
		t.Fatalf("unexpected max retry delay: %v", cfg.OpenSearch.MaxRetryDelay)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("unexpected server port: %d", cfg.Server.Port)
	}
	if cfg.Server.Path != "/gateway/mcp" {
		t.Fatalf("unexpected path: %s", cfg.Server.Path)
	}
}

func TestLoadYAMLFileWithEnvPrecedence(t *testing.T) {
	restore := unsetEnv(gatewayEnv...)
	defer restore()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  port: 7000
opensearch:
  host: file-host
  username: file-user
  password: file-pass
  default_index: movies
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	os.Setenv("OPENSEARCH_HOST", "env-host")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Fatalf("unexpected server port: %d", cfg.Server.Port)
	}
	if cfg.OpenSearch.Host != "env-host" {
		t.Fatalf("env should override file, got %s", cfg.OpenSearch.Host)
	}
	if cfg.OpenSearch.DefaultIndex != "movies" {
		t.Fatalf("unexpected default index: %s", cfg.OpenSearch.DefaultIndex)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	restore := unsetEnv(gatewayEnv...)
	defer restore()
	os.Setenv("OPENSEARCH_USERNAME", "admin")
	os.Setenv("OPENSEARCH_PASSWORD", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9898 {
		t.Fatalf("unexpected port: %d", cfg.Server.Port)
	}
}
