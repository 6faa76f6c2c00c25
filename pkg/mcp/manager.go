package mcp

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kadirpekel/stackchat/pkg/config"
)

// Manager owns the live transports, at most one per (tenant, source
// key) pair.
type Manager struct {
	cfg   config.TransportConfig
	spawn Spawner

	mu        sync.Mutex
	instances map[string]*Transport
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerSpawner overrides how subprocesses are launched for every
// transport the manager creates.
func WithManagerSpawner(spawn Spawner) ManagerOption {
	return func(m *Manager) {
		m.spawn = spawn
	}
}

// NewManager creates an empty manager.
func NewManager(cfg config.TransportConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:       cfg,
		spawn:     SpawnExec,
		instances: make(map[string]*Transport),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func instanceKey(tenantID, sourceKey string) string {
	return tenantID + ":" + sourceKey
}

// Acquire returns the transport for the given credentials, creating it
// on first use. An existing transport whose process died is restarted
// before reuse; stale connections are never handed out.
func (m *Manager) Acquire(ctx context.Context, creds Credentials) (*Transport, error) {
	m.mu.Lock()
	key := instanceKey(creds.TenantID, creds.SourceKey)
	t, existing := m.instances[key]
	if !existing {
		t = NewTransport(m.cfg, creds, WithSpawner(m.spawn))
		m.instances[key] = t
	}
	m.mu.Unlock()

	if !t.Alive() {
		// A previously used transport whose state is uncertain gets a
		// full restart (with grace period) rather than a bare respawn;
		// the latency is traded for never reusing a stale connection.
		var err error
		if existing {
			err = t.Restart(ctx)
		} else {
			err = t.Start(ctx)
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Shutdown terminates the transport for one (tenant, source key) pair.
func (m *Manager) Shutdown(tenantID, sourceKey string) {
	m.mu.Lock()
	key := instanceKey(tenantID, sourceKey)
	t, ok := m.instances[key]
	if ok {
		delete(m.instances, key)
	}
	m.mu.Unlock()

	if ok {
		_ = t.Close()
		slog.Info("Content-tool server stopped", "tenant", tenantID)
	}
}

// Close terminates every live transport.
func (m *Manager) Close() {
	m.mu.Lock()
	instances := m.instances
	m.instances = make(map[string]*Transport)
	m.mu.Unlock()

	for _, t := range instances {
		_ = t.Close()
	}
}
