package features

import "testing"

func TestDefaultManager_EnvOverride(t *testing.T) {
	t.Setenv("FEATURE_ANALYTICS_CACHE", "false")

	m := NewDefaultManager()

	if m.IsEnabled(FeatureAnalyticsCache) {
		t.Error("Expected analytics cache to be disabled by env")
	}
	if !m.IsEnabled(FeatureEventHooks) {
		t.Error("Expected event hooks enabled by default")
	}
	if m.IsEnabled("unknown_flag") {
		t.Error("Unknown flags should be disabled")
	}
}

func TestManager_EnableDisable(t *testing.T) {
	m := NewManager()
	m.Register("x", false, "")

	m.Enable("x")
	if !m.IsEnabled("x") {
		t.Error("Expected x enabled")
	}
	m.Disable("x")
	if m.IsEnabled("x") {
		t.Error("Expected x disabled")
	}

	var nilManager *Manager
	if nilManager.IsEnabled("x") {
		t.Error("Nil manager should report flags disabled")
	}
}
