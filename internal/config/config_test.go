package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	clearCoreEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.SilenceWindow != 600*time.Millisecond {
		t.Fatalf("SilenceWindow = %s, want 600ms", cfg.SilenceWindow)
	}
	if cfg.MaxToolRounds != 5 {
		t.Fatalf("MaxToolRounds = %d, want 5", cfg.MaxToolRounds)
	}
	if cfg.DefaultPersonaID != "host" {
		t.Fatalf("DefaultPersonaID = %q, want %q", cfg.DefaultPersonaID, "host")
	}
}

func TestLoadRejectsInvalidThresholds(t *testing.T) {
	clearCoreEnv(t)
	t.Setenv("TURN_ACTIVITY_THRESHOLD", "1.5")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want threshold validation error")
	}
}

func TestLoadRejectsLikelyAboveEndOfTurn(t *testing.T) {
	clearCoreEnv(t)
	t.Setenv("TURN_END_OF_TURN_THRESHOLD", "0.6")
	t.Setenv("TURN_LIKELY_THRESHOLD", "0.8")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want likely-threshold validation error")
	}
}

func TestLoadParsesDurations(t *testing.T) {
	clearCoreEnv(t)
	t.Setenv("TURN_SILENCE_WINDOW", "450ms")
	t.Setenv("TOOL_TIMEOUT", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SilenceWindow != 450*time.Millisecond {
		t.Fatalf("SilenceWindow = %s, want 450ms", cfg.SilenceWindow)
	}
	if cfg.ToolTimeout != 2*time.Second {
		t.Fatalf("ToolTimeout = %s, want 2s", cfg.ToolTimeout)
	}
}

func clearCoreEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_DEFAULT_PERSONA",
		"TURN_SILENCE_WINDOW",
		"TURN_ACTIVITY_THRESHOLD",
		"TURN_END_OF_TURN_THRESHOLD",
		"TURN_LIKELY_THRESHOLD",
		"EXCHANGE_MAX_TOOL_ROUNDS",
		"ENGINE_TIMEOUT",
		"TOOL_TIMEOUT",
		"SPEECH_MIN_SPAN_RUNES",
		"DATABASE_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
