package features

import (
	"os"
	"strings"
	"sync"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string
	Enabled     bool
	Description string
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]*FeatureFlag),
	}
}

// NewDefaultManager registers the service's flags with their defaults, then
// applies FEATURE_<NAME>=true|false overrides from the environment.
func NewDefaultManager() *Manager {
	m := NewManager()
	m.Register(FeatureAnalyticsCache, true, "Cache analytics summaries")
	m.Register(FeatureEventHooks, true, "Publish ledger events to subscribers")
	m.Register(FeatureLedgerSink, true, "Mirror ledger deltas to the analytics warehouse")

	for name := range m.GetAll() {
		value := os.Getenv("FEATURE_" + strings.ToUpper(name))
		switch strings.ToLower(value) {
		case "true", "1":
			m.Enable(name)
		case "false", "0":
			m.Disable(name)
		}
	}
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled. Unknown flags are disabled.
func (m *Manager) IsEnabled(name string) bool {
	if m == nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}

	return flag.Enabled
}

// Enable enables a feature flag.
func (m *Manager) Enable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = true
	}
}

// Disable disables a feature flag.
func (m *Manager) Disable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = false
	}
}

// GetAll returns a copy of all feature flags.
func (m *Manager) GetAll() map[string]FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]FeatureFlag, len(m.flags))
	for k, v := range m.flags {
		result[k] = *v
	}
	return result
}

// Predefined feature flag names
const (
	FeatureAnalyticsCache = "analytics_cache"
	FeatureEventHooks     = "event_hooks"
	FeatureLedgerSink     = "ledger_sink"
)
