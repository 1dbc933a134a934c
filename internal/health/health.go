// Package health aggregates process and backend health into a single snapshot.
package health

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/searchscope/search-gateway/internal/backend"
)

// Backend status classification levels.
const (
	StatusHealthy     = "healthy"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// Backend is the narrow view of the connector the reporter needs.
type Backend interface {
	Info(ctx context.Context) (backend.Info, error)
	ClusterHealth(ctx context.Context) (backend.ClusterHealth, error)
}

// Snapshot is the health payload served on the health endpoint.
type Snapshot struct {
	Status     string        `json:"status"`
	Service    string        `json:"service"`
	InstanceID string        `json:"instance_id"`
	Backend    BackendStatus `json:"backend"`
}

// BackendStatus describes the backend cluster as seen at snapshot time.
type BackendStatus struct {
	Status      string `json:"status"`
	ClusterName string `json:"cluster_name,omitempty"`
	Version     string `json:"version,omitempty"`
	Health      string `json:"health,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Healthy reports whether the process should be considered servable.
func (s Snapshot) Healthy() bool {
	return s.Backend.Status != StatusUnavailable
}

// Reporter computes health snapshots. Snapshots are fresh by default; a
// non-zero TTL enables explicit, time-bounded reuse through ristretto.
type Reporter struct {
	backend    Backend
	service    string
	instanceID string
	timeout    time.Duration
	ttl        time.Duration
	cache      *ristretto.Cache
}

const snapshotKey = "health.snapshot"

// NewReporter builds a Reporter. timeout bounds each snapshot computation;
// ttl of zero disables caching entirely.
func NewReporter(b Backend, service, instanceID string, timeout, ttl time.Duration) (*Reporter, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &Reporter{
		backend:    b,
		service:    service,
		instanceID: instanceID,
		timeout:    timeout,
		ttl:        ttl,
	}
	if ttl > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 64,
			MaxCost:     1 << 16,
			BufferItems: 64,
		})
		if err != nil {
			return nil, err
		}
		r.cache = cache
	}
	return r, nil
}

// Snapshot computes the current health. It returns within the configured
// timeout: a backend that does not answer in time is reported unavailable
// rather than hanging the caller. Shared state is never mutated.
func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	if r.cache != nil {
		if v, ok := r.cache.Get(snapshotKey); ok {
			if snap, ok := v.(Snapshot); ok {
				return snap
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snap := Snapshot{
		Status:     "healthy",
		Service:    r.service,
		InstanceID: r.instanceID,
	}

	info, err := r.backend.Info(ctx)
	if err != nil {
		snap.Status = "unhealthy"
		snap.Backend = BackendStatus{Status: StatusUnavailable, Error: err.Error()}
		return snap
	}

	cluster, err := r.backend.ClusterHealth(ctx)
	if err != nil {
		snap.Status = "unhealthy"
		snap.Backend = BackendStatus{
			Status:      StatusUnavailable,
			ClusterName: info.ClusterName,
			Version:     info.Version,
			Error:       err.Error(),
		}
		return snap
	}

	snap.Backend = BackendStatus{
		Status:      classify(cluster.Status),
		ClusterName: cluster.ClusterName,
		Version:     info.Version,
		Health:      cluster.Status,
	}
	if snap.Backend.Status == StatusUnavailable {
		snap.Status = "unhealthy"
	}

	if r.cache != nil {
		r.cache.SetWithTTL(snapshotKey, snap, 1, r.ttl)
		r.cache.Wait()
	}
	return snap
}

// classify maps the cluster color onto the three-level status.
func classify(color string) string {
	switch color {
	case "green":
		return StatusHealthy
	case "yellow":
		return StatusDegraded
	default:
		return StatusUnavailable
	}
}
