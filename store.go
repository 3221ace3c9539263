package macroute

import (
	"sync"

	"github.com/shaban/macroute/dsp"
)

// RoutingPolicy decides where an application's audio goes when devices come
// and go.
type RoutingPolicy string

const (
	// PreserveExplicitRouting keeps the application on its explicitly chosen
	// device; the engine switches it only on user request or when the device
	// disappears.
	PreserveExplicitRouting RoutingPolicy = "preserve-explicit"

	// FollowSystemDefault moves the application whenever the system default
	// output changes.
	FollowSystemDefault RoutingPolicy = "follow-default"
)

// AppConfig is the persisted per-application state. Settings survive across
// application restarts and engine restarts; every user-facing mutation is
// written through immediately.
type AppConfig struct {
	Volume float64
	Muted  bool
	// DeviceUID is the explicitly routed output device; empty means the
	// system default.
	DeviceUID string
	EQ        [dsp.NumBands]float64
	Policy    RoutingPolicy
}

// DefaultAppConfig is the state a newly seen application starts with.
func DefaultAppConfig() AppConfig {
	return AppConfig{Volume: 1.0, Policy: FollowSystemDefault}
}

// Store persists per-application configuration keyed by the application's
// stable key (bundle identifier, or a PID-derived fallback).
type Store interface {
	// Load returns the stored configuration and whether one existed.
	Load(appKey string) (AppConfig, bool, error)
	Save(appKey string, cfg AppConfig) error
}

// MemoryStore is an in-process Store, used by tests and as the default when
// no persistent backend is configured.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]AppConfig
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]AppConfig)}
}

// Load implements Store.
func (m *MemoryStore) Load(appKey string) (AppConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.data[appKey]
	return cfg, ok, nil
}

// Save implements Store.
func (m *MemoryStore) Save(appKey string, cfg AppConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[appKey] = cfg
	return nil
}
