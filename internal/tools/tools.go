// Package tools wires the OpenSearch operations into the tool registry.
package tools

import (
	"context"
	"encoding/json"

	"github.com/searchscope/search-gateway/internal/backend"
	"github.com/searchscope/search-gateway/internal/config"
	"github.com/searchscope/search-gateway/internal/registry"
)

// Backend is the connector surface the built-in tools use.
type Backend interface {
	ListIndices(ctx context.Context) ([]backend.IndexSummary, error)
	IndexStats(ctx context.Context, index string) (backend.IndexStats, error)
	ClusterHealth(ctx context.Context) (backend.ClusterHealth, error)
}

// Register adds the built-in tools and resources to the registry.
func Register(reg *registry.Registry, b Backend, cfg config.OpenSearchConfig) error {
	descriptors := []registry.Descriptor{
		{
			Name:        "list_indices",
			Description: "List all indices in the OpenSearch cluster with document counts, store size, and health.",
			InputSchema: json.RawMessage(`{"type":"object","additionalProperties":false}`),
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				indices, err := b.ListIndices(ctx)
				if err != nil {
					return nil, err
				}
				if len(indices) > cfg.MaxResults && cfg.MaxResults > 0 {
					indices = indices[:cfg.MaxResults]
				}
				return map[string]any{"indices": indices}, nil
			},
		},
		{
			Name:        "get_index_stats",
			Description: "Get primary-shard document and storage statistics for one index. Defaults to the configured default index.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"index": {"type": "string", "minLength": 1}
				},
				"additionalProperties": false
			}`),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				index, _ := args["index"].(string)
				if index == "" {
					index = cfg.DefaultIndex
				}
				return b.IndexStats(ctx, index)
			},
		},
		{
			Name:        "cluster_health",
			Description: "Report the cluster health color and node counts.",
			InputSchema: json.RawMessage(`{"type":"object","additionalProperties":false}`),
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				return b.ClusterHealth(ctx)
			},
		},
	}

	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return err
		}
	}

	// Non-secret view of the backend configuration, matching the
	// config://opensearch resource of earlier deployments.
	reg.RegisterResource(registry.Resource{
		Name:        "config",
		Description: "Current OpenSearch connection settings (credentials omitted)",
		Data: map[string]any{
			"host":          cfg.Host,
			"port":          cfg.Port,
			"default_index": cfg.DefaultIndex,
			"max_results":   cfg.MaxResults,
			"timeout":       cfg.Timeout.String(),
		},
	})

	return nil
}
