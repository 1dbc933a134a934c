// Package backend implements the OpenSearch connector: one shared HTTP client
// per process, retry with backoff for transient failures, and credential
// refresh that never leaves in-flight requests with a torn credential set.
package backend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/searchscope/search-gateway/internal/config"
)

// Credentials is the immutable credential bundle used to sign backend calls.
type Credentials struct {
	Username string
	Password string
}

// CredentialProvider supplies fresh credentials. Providers are consulted at
// startup and again whenever the cluster rejects the current set.
type CredentialProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials is a CredentialProvider for fixed username/password pairs.
type StaticCredentials struct {
	Username string
	Password string
}

// Credentials implements CredentialProvider.
func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	return Credentials{Username: s.Username, Password: s.Password}, nil
}

// Info describes the cluster identity.
type Info struct {
	ClusterName string `json:"cluster_name"`
	Version     string `json:"version"`
}

// ClusterHealth is the cluster status summary.
type ClusterHealth struct {
	ClusterName   string `json:"cluster_name"`
	Status        string `json:"status"`
	NumberOfNodes int    `json:"number_of_nodes"`
	ActiveShards  int    `json:"active_shards"`
}

// IndexSummary is one row of the cat-indices listing. Values are reported as
// strings, matching the _cat API.
type IndexSummary struct {
	Index       string `json:"index"`
	DocsCount   string `json:"docs.count"`
	DocsDeleted string `json:"docs.deleted"`
	StoreSize   string `json:"store.size"`
	Health      string `json:"health"`
	Status      string `json:"status"`
}

// IndexStats summarizes primary-shard statistics for one index.
type IndexStats struct {
	Index          string `json:"index"`
	DocsCount      int64  `json:"docs_count"`
	DocsDeleted    int64  `json:"docs_deleted"`
	StoreSizeBytes int64  `json:"store_size_bytes"`
}

// Client is the shared backend connection. It is safe for concurrent use; the
// only mutation after construction is the atomic credential swap.
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	provider CredentialProvider
	creds    atomic.Pointer[Credentials]
	retry    Policy
	timeout  time.Duration
	log      *slog.Logger
}

// New builds a Client from configuration. No network call is made here; use
// Info to verify reachability at startup.
func New(cfg config.OpenSearchConfig, provider CredentialProvider, logger *slog.Logger) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("opensearch host required")
	}
	if provider == nil {
		provider = StaticCredentials{Username: cfg.Username, Password: cfg.Password}
	}
	if logger == nil {
		logger = slog.Default()
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	base, err := url.Parse(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("parse opensearch address: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.UseSSL && !cfg.SSLVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	retry := DefaultPolicy()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}
	if cfg.MaxRetryDelay > 0 {
		retry.MaxTotalDelay = cfg.MaxRetryDelay
	}

	c := &Client{
		baseURL:  base,
		http:     &http.Client{Transport: transport},
		provider: provider,
		retry:    retry,
		timeout:  timeout,
		log:      logger,
	}

	initial, err := provider.Credentials(context.Background())
	if err != nil {
		return nil, fmt.Errorf("fetch credentials: %w", err)
	}
	c.creds.Store(&initial)
	return c, nil
}

// SetRetryHook installs a callback fired on each transient-failure retry.
// Must be called before the client is shared across goroutines.
func (c *Client) SetRetryHook(hook func(op string)) {
	inner := c.retry.OnRetry
	c.retry.OnRetry = func(op string, err error) {
		if inner != nil {
			inner(op, err)
		}
		hook(op)
	}
}

// Info fetches the cluster name and version.
func (c *Client) Info(ctx context.Context) (Info, error) {
	var raw struct {
		ClusterName string `json:"cluster_name"`
		Version     struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	if err := c.get(ctx, "info", "/", nil, &raw); err != nil {
		return Info{}, err
	}
	return Info{ClusterName: raw.ClusterName, Version: raw.Version.Number}, nil
}

// ClusterHealth fetches the cluster status color.
func (c *Client) ClusterHealth(ctx context.Context) (ClusterHealth, error) {
	var out ClusterHealth
	if err := c.get(ctx, "cluster_health", "/_cluster/health", nil, &out); err != nil {
		return ClusterHealth{}, err
	}
	return out, nil
}

// ListIndices lists all indices with their document counts and sizes.
func (c *Client) ListIndices(ctx context.Context) ([]IndexSummary, error) {
	query := url.Values{
		"format": {"json"},
		"h":      {"index,docs.count,docs.deleted,store.size,health,status"},
	}
	var out []IndexSummary
	if err := c.get(ctx, "list_indices", "/_cat/indices", query, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []IndexSummary{}
	}
	return out, nil
}

// IndexStats fetches primary-shard statistics for one index.
func (c *Client) IndexStats(ctx context.Context, index string) (IndexStats, error) {
	if index == "" {
		return IndexStats{}, &Error{Kind: KindValidation, Op: "index_stats", Err: errors.New("index name required")}
	}
	var raw struct {
		All struct {
			Primaries struct {
				Docs struct {
					Count   int64 `json:"count"`
					Deleted int64 `json:"deleted"`
				} `json:"docs"`
				Store struct {
					SizeInBytes int64 `json:"size_in_bytes"`
				} `json:"store"`
			} `json:"primaries"`
		} `json:"_all"`
	}
	if err := c.get(ctx, "index_stats", "/"+url.PathEscape(index)+"/_stats", nil, &raw); err != nil {
		return IndexStats{}, err
	}
	return IndexStats{
		Index:          index,
		DocsCount:      raw.All.Primaries.Docs.Count,
		DocsDeleted:    raw.All.Primaries.Docs.Deleted,
		StoreSizeBytes: raw.All.Primaries.Store.SizeInBytes,
	}, nil
}

// get executes one logical backend call: deadline applied to the whole call,
// transient failures retried per policy, auth rejections answered with a
// single credential refresh before failing.
func (c *Client) get(ctx context.Context, op, rel string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	refreshed := false
	err := c.retry.Do(ctx, op, func() error {
		status, body, err := c.do(ctx, rel, query)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(&Error{Kind: KindUnavailable, Op: op, Err: ctx.Err()})
			}
			// Network-level failure: transient.
			return &Error{Kind: KindUnavailable, Op: op, Err: err}
		}

		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			if !refreshed {
				refreshed = true
				if rerr := c.refreshCredentials(ctx); rerr == nil {
					c.log.Warn("backend rejected credentials, refreshed", "op", op)
					return &Error{Kind: KindAuth, Op: op, Err: httpError(status, body)}
				}
			}
			return backoff.Permanent(&Error{Kind: KindAuth, Op: op, Err: httpError(status, body)})
		case status == http.StatusTooManyRequests || status >= 500:
			return &Error{Kind: KindUnavailable, Op: op, Err: httpError(status, body)}
		case status >= 400:
			return backoff.Permanent(&Error{Kind: KindValidation, Op: op, Err: httpError(status, body)})
		}

		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(&Error{Kind: KindUnavailable, Op: op, Err: fmt.Errorf("decode response: %w", err)})
		}
		return nil
	})
	if err == nil {
		return nil
	}

	var be *Error
	if errors.As(err, &be) {
		return be
	}
	// Context cancellation surfaced by the backoff wrapper.
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

func (c *Client) do(ctx context.Context, rel string, query url.Values) (int, []byte, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, rel)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, err
	}
	if creds := c.creds.Load(); creds != nil && creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// refreshCredentials swaps in a fresh credential set. In-flight requests keep
// the pointer they already loaded, so they observe old or new, never a mix.
func (c *Client) refreshCredentials(ctx context.Context) error {
	fresh, err := c.provider.Credentials(ctx)
	if err != nil {
		return err
	}
	c.creds.Store(&fresh)
	return nil
}

func httpError(status int, body []byte) error {
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return fmt.Errorf("status %d: %s", status, msg)
}
