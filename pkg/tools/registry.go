package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/stackchat/pkg/cache"
)

// Lister is the transport surface the registry needs.
type Lister interface {
	ListTools(ctx context.Context) (json.RawMessage, error)
}

const catalogCacheTool = "tools_catalog"

// Registry fetches and caches the filtered tool catalog per tenant.
// Only filtered catalogs are ever cached, so a cache hit can be handed
// out without re-checking.
type Registry struct {
	store  *cache.Store
	ttl    time.Duration
	branch string
}

// NewRegistry creates a registry caching catalogs for ttl.
func NewRegistry(store *cache.Store, ttl time.Duration, branch string) *Registry {
	return &Registry{store: store, ttl: ttl, branch: branch}
}

// Catalog returns the safety-filtered tool list for the given tenant,
// fetching through the transport on a cache miss.
func (r *Registry) Catalog(ctx context.Context, lister Lister, tenantID, sourceKey string) ([]Tool, error) {
	key := cache.Key(tenantID, sourceKey, catalogCacheTool, r.branch)

	if data, found := r.store.Get(ctx, key); found {
		var safe []Tool
		if err := json.Unmarshal(data, &safe); err == nil {
			return safe, nil
		}
		slog.Debug("Discarding undecodable cached catalog", "key", key)
	}

	raw, err := lister.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tool catalog: %w", err)
	}
	advertised, err := ParseToolList(raw)
	if err != nil {
		return nil, err
	}
	safe := FilterReadOnly(advertised)

	slog.Debug("Tool catalog fetched",
		"tenant", tenantID,
		"advertised", len(advertised),
		"safe", len(safe),
	)

	if data, err := json.Marshal(safe); err == nil {
		r.store.Set(ctx, key, data, r.ttl)
	}
	return safe, nil
}
