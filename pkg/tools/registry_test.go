package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/stackchat/pkg/cache"
)

type fakeLister struct {
	raw   json.RawMessage
	err   error
	calls int
}

func (f *fakeLister) ListTools(ctx context.Context) (json.RawMessage, error) {
	f.calls++
	return f.raw, f.err
}

func TestRegistryCatalogFiltersAndCaches(t *testing.T) {
	ctx := context.Background()
	store := cache.NewStore(cache.NewMemoryBackend())
	registry := NewRegistry(store, 30*time.Minute, "main")

	lister := &fakeLister{raw: json.RawMessage(`{"tools":[
		{"name":"get_all_entries","description":"bulk fetch"},
		{"name":"delete_entry","description":"remove one"}
	]}`)}

	safe, err := registry.Catalog(ctx, lister, "acme", "blt0123456789")
	require.NoError(t, err)
	assert.Equal(t, []string{"get_all_entries"}, Names(safe))

	// Second fetch is served from the cache.
	safe, err = registry.Catalog(ctx, lister, "acme", "blt0123456789")
	require.NoError(t, err)
	assert.Equal(t, []string{"get_all_entries"}, Names(safe))
	assert.Equal(t, 1, lister.calls)
}

func TestRegistryCatalogTransportFailure(t *testing.T) {
	store := cache.NewStore(cache.NewMemoryBackend())
	registry := NewRegistry(store, 30*time.Minute, "main")

	lister := &fakeLister{err: errors.New("process exited")}

	_, err := registry.Catalog(context.Background(), lister, "acme", "blt0123456789")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool catalog")
}
