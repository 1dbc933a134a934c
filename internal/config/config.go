package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration. It is assembled once by Load and
// passed by value to each component; nothing mutates it afterwards.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`
	Health      HealthConfig      `yaml:"health"`
	Audit       AuditConfig       `yaml:"audit"`
	OpenSearch  OpenSearchConfig  `yaml:"opensearch"`
}

// ServerConfig controls the HTTP listener and routing paths.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Path         string        `yaml:"path"`
	HealthPath   string        `yaml:"health_path"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Address returns the host:port pair the server binds to.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig configures optional JWT authentication of inbound requests.
type AuthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	JWKSURL      string        `yaml:"jwks_url"`
	Issuer       string        `yaml:"issuer"`
	Audience     []string      `yaml:"audience"`
	SubjectClaim string        `yaml:"subject_claim"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	InsecureTLS  bool          `yaml:"insecure_tls"`
}

// RateLimiterConfig defines per-caller rate limiting behaviour. When a Redis
// address is supplied the limit is enforced across replicas via a shared
// sliding window; otherwise each replica keeps a local token bucket.
type RateLimiterConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Window            time.Duration `yaml:"window"`
	RedisAddr         string        `yaml:"redis_addr"`
	RedisUsername     string        `yaml:"redis_username"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
}

// HealthConfig controls the health reporter. SnapshotTTL bounds how long a
// computed snapshot may be reused; zero means every probe hits the backend.
type HealthConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// AuditConfig configures request auditing.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// OpenSearchConfig describes the backend cluster connection.
type OpenSearchConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	UseSSL        bool          `yaml:"use_ssl"`
	SSLVerify     bool          `yaml:"ssl_verify"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	DefaultIndex  string        `yaml:"default_index"`
	MaxResults    int           `yaml:"max_results"`
}

// Load reads configuration from the supplied YAML path (optional), applies
// environment variable overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.OpenSearch.Username == "" || c.OpenSearch.Password == "" {
		return fmt.Errorf("OPENSEARCH_USERNAME and OPENSEARCH_PASSWORD must be set")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.OpenSearch.Port <= 0 || c.OpenSearch.Port > 65535 {
		return fmt.Errorf("invalid opensearch port %d", c.OpenSearch.Port)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         9898,
			Path:         "/ossserver/mcp",
			HealthPath:   "/ossserver/health",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:      false,
			SubjectClaim: "sub",
			CacheTTL:     time.Hour,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           false,
			RequestsPerSecond: 10,
			Burst:             20,
			Window:            time.Minute,
		},
		Health: HealthConfig{
			Timeout:     5 * time.Second,
			SnapshotTTL: 0,
		},
		Audit: AuditConfig{Enabled: true},
		OpenSearch: OpenSearchConfig{
			Host:          "localhost",
			Port:          9200,
			Timeout:       30 * time.Second,
			MaxRetries:    3,
			MaxRetryDelay: 10 * time.Second,
			DefaultIndex:  "documents",
			MaxResults:    100,
		},
	}
}

// applyEnv layers the deployment environment surface over the file config.
// The variable names match the container task definitions this gateway ships with.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "MCP_HOST")
	setInt(&cfg.Server.Port, "MCP_PORT")
	setString(&cfg.Server.Path, "MCP_PATH")

	setString(&cfg.OpenSearch.Host, "OPENSEARCH_HOST")
	setInt(&cfg.OpenSearch.Port, "OPENSEARCH_PORT")
	setString(&cfg.OpenSearch.Username, "OPENSEARCH_USERNAME")
	setString(&cfg.OpenSearch.Password, "OPENSEARCH_PASSWORD")
	setBool(&cfg.OpenSearch.UseSSL, "OPENSEARCH_USE_SSL")
	setBool(&cfg.OpenSearch.SSLVerify, "OPENSEARCH_SSL_VERIFY")
	setSeconds(&cfg.OpenSearch.Timeout, "OPENSEARCH_TIMEOUT")
	setInt(&cfg.OpenSearch.MaxRetries, "OPENSEARCH_MAX_RETRIES")
	setSeconds(&cfg.OpenSearch.MaxRetryDelay, "OPENSEARCH_MAX_RETRY_DELAY")
	setString(&cfg.OpenSearch.DefaultIndex, "OPENSEARCH_DEFAULT_INDEX")
	setInt(&cfg.OpenSearch.MaxResults, "OPENSEARCH_MAX_RESULTS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
