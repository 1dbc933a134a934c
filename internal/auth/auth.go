// Package auth performs optional JWT verification of inbound requests,
// backed by a periodically refreshed JWK set.
package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/searchscope/search-gateway/internal/config"
)

// Authenticator verifies bearer tokens. When disabled, Verify derives the
// caller identity from the remote address instead.
type Authenticator struct {
	enabled bool
	cfg     config.AuthConfig

	mu        sync.RWMutex
	set       jwk.Set
	fetchedAt time.Time
	client    *http.Client
}

// New creates an authenticator. An enabled authenticator fetches the JWK set
// eagerly so misconfiguration fails at startup.
func New(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{enabled: cfg.Enabled, cfg: cfg}
	if !cfg.Enabled {
		return a, nil
	}
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwks_url required when auth enabled")
	}

	a.client = &http.Client{Timeout: 10 * time.Second}
	if cfg.InsecureTLS {
		a.client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} // #nosec G402
	}

	if err := a.refresh(context.Background()); err != nil {
		return nil, err
	}
	return a, nil
}

// Enabled returns whether token verification is active.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.enabled
}

// Verify returns the caller identity for the request. With auth disabled the
// remote address is used so rate limiting still has a stable key.
func (a *Authenticator) Verify(r *http.Request) (string, error) {
	if !a.Enabled() {
		host := r.RemoteAddr
		if idx := strings.LastIndex(host, ":"); idx > 0 {
			host = host[:idx]
		}
		return host, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("authorization header required")
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", errors.New("authorization header must be bearer token")
	}
	tokenString := strings.TrimSpace(header[7:])
	if tokenString == "" {
		return "", errors.New("empty bearer token")
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	set, err := a.keySet(ctx)
	if err != nil {
		return "", err
	}

	options := []jwt.ParseOption{jwt.WithKeySet(set), jwt.WithValidate(true)}
	if a.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(a.cfg.Issuer))
	}
	for _, aud := range a.cfg.Audience {
		if aud != "" {
			options = append(options, jwt.WithAudience(aud))
		}
	}

	token, err := jwt.ParseString(tokenString, options...)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claim := a.cfg.SubjectClaim
	if claim == "" || claim == "sub" {
		return token.Subject(), nil
	}
	if v, ok := token.Get(claim); ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("token missing %s claim", claim)
}

func (a *Authenticator) keySet(ctx context.Context) (jwk.Set, error) {
	a.mu.RLock()
	set := a.set
	fresh := time.Since(a.fetchedAt) < a.cacheTTL()
	a.mu.RUnlock()

	if set != nil && fresh {
		return set, nil
	}
	if err := a.refresh(ctx); err != nil {
		if set != nil {
			return set, nil
		}
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.set, nil
}

func (a *Authenticator) refresh(ctx context.Context) error {
	set, err := jwk.Fetch(ctx, a.cfg.JWKSURL, jwk.WithHTTPClient(a.client))
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	a.mu.Lock()
	a.set = set
	a.fetchedAt = time.Now()
	a.mu.Unlock()
	return nil
}

func (a *Authenticator) cacheTTL() time.Duration {
	if a.cfg.CacheTTL > 0 {
		return a.cfg.CacheTTL
	}
	return time.Hour
}
