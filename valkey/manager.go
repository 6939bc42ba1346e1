package valkey

import (
	"context"
	"errors"
	"sync"

	"adslink/config"
	"adslink/logging"
	"adslink/plcman"
)

// Manager owns every configured Valkey publisher and fans value changes out
// to the running ones.
type Manager struct {
	namespace  string
	publishers []*Publisher
	mu         sync.RWMutex

	writeHandler WriteHandler
}

// NewManager creates an empty manager rooted at namespace.
func NewManager(namespace string) *Manager {
	return &Manager{namespace: namespace}
}

// LoadFromConfig adds a publisher per config entry.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig) {
	for i := range configs {
		m.Add(&configs[i])
	}
}

// Add creates and registers a publisher for cfg.
func (m *Manager) Add(cfg *config.ValkeyConfig) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, m.namespace)
	pub.SetWriteHandler(m.writeHandler)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove stops and drops the named publisher.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	var removed *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			removed = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return false
	}
	removed.Stop()
	return true
}

// Get returns the named publisher.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns every publisher.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Publisher(nil), m.publishers...)
}

// StartAll starts the enabled publishers and returns how many connected.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled {
			continue
		}
		if err := pub.Start(); err != nil {
			logging.DebugLog("valkey", "failed to start %s: %v", pub.config.Name, err)
			continue
		}
		started++
	}
	return started
}

// StopAll stops every publisher.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning reports whether at least one publisher is connected.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// Name implements plcman.Sink.
func (m *Manager) Name() string { return "valkey" }

// Publish implements plcman.Sink.
func (m *Manager) Publish(ctx context.Context, c plcman.ValueChange) error {
	var errs []error
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.Publish(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetWriteHandler sets the write callback on current and future publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHandler = handler
	for _, pub := range m.publishers {
		pub.SetWriteHandler(handler)
	}
}
