package config

import (
	"testing"
	"time"
)

func TestDefaultConfigHasSaneNexmarkDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Nexmark.Threads <= 0 {
		t.Errorf("expected positive thread count, got %d", cfg.Nexmark.Threads)
	}
	if cfg.Nexmark.MaxEvents <= 0 {
		t.Errorf("expected positive max events, got %d", cfg.Nexmark.MaxEvents)
	}
}

func TestLoadFromEnvOverridesNexmark(t *testing.T) {
	t.Setenv("FLOWCTL_NEXMARK_THREADS", "7")
	t.Setenv("FLOWCTL_NEXMARK_MAX_EVENTS", "42")
	t.Setenv("FLOWCTL_NEXMARK_SEED", "99")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Nexmark.Threads != 7 {
		t.Errorf("Threads = %d, want 7", cfg.Nexmark.Threads)
	}
	if cfg.Nexmark.MaxEvents != 42 {
		t.Errorf("MaxEvents = %d, want 42", cfg.Nexmark.MaxEvents)
	}
	if cfg.Nexmark.Seed != 99 {
		t.Errorf("Seed = %d, want 99", cfg.Nexmark.Seed)
	}
}

func TestDefaultConfigHasSaneHealthProbeInterval(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Automaton.HealthProbeInterval <= 0 {
		t.Errorf("expected positive health probe interval, got %s", cfg.Automaton.HealthProbeInterval)
	}
}

func TestLoadFromEnvOverridesHealthProbeInterval(t *testing.T) {
	t.Setenv("FLOWCTL_AUTOMATON_HEALTH_PROBE_INTERVAL", "30s")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Automaton.HealthProbeInterval != 30*time.Second {
		t.Errorf("HealthProbeInterval = %s, want 30s", cfg.Automaton.HealthProbeInterval)
	}
}

func TestLoadFromEnvIgnoresInvalidHealthProbeInterval(t *testing.T) {
	t.Setenv("FLOWCTL_AUTOMATON_HEALTH_PROBE_INTERVAL", "not-a-duration")

	cfg := DefaultConfig()
	before := cfg.Automaton.HealthProbeInterval
	LoadFromEnv(cfg)

	if cfg.Automaton.HealthProbeInterval != before {
		t.Errorf("HealthProbeInterval changed on invalid env value: %s -> %s", before, cfg.Automaton.HealthProbeInterval)
	}
}

func TestLoadFromEnvLeavesDefaultsWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	before := cfg.Daemon.HTTPAddr
	LoadFromEnv(cfg)
	if cfg.Daemon.HTTPAddr != before {
		t.Errorf("HTTPAddr changed with no env var set: %q -> %q", before, cfg.Daemon.HTTPAddr)
	}
}
