package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the orchestration core.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// Turn detection.
	ActivityThreshold  float64
	SilenceWindow      time.Duration
	EndOfTurnThreshold float64
	LikelyThreshold    float64

	// Reasoning exchange.
	MaxToolRounds int
	EngineTimeout time.Duration
	ToolTimeout   time.Duration

	// Speech output.
	SpeechMinSpanRunes int

	DefaultPersonaID string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "stagehand"),
		AllowAnyOrigin:           false,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		ActivityThreshold:        0.5,
		SilenceWindow:            600 * time.Millisecond,
		EndOfTurnThreshold:       0.7,
		LikelyThreshold:          0.55,
		MaxToolRounds:            5,
		EngineTimeout:            12 * time.Second,
		ToolTimeout:              5 * time.Second,
		SpeechMinSpanRunes:       24,
		DefaultPersonaID:         "host",
		DatabaseURL:              envTrimmed("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceWindow, err = durationFromEnv("TURN_SILENCE_WINDOW", cfg.SilenceWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineTimeout, err = durationFromEnv("ENGINE_TIMEOUT", cfg.EngineTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolTimeout, err = durationFromEnv("TOOL_TIMEOUT", cfg.ToolTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ActivityThreshold, err = floatFromEnv("TURN_ACTIVITY_THRESHOLD", cfg.ActivityThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.EndOfTurnThreshold, err = floatFromEnv("TURN_END_OF_TURN_THRESHOLD", cfg.EndOfTurnThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.LikelyThreshold, err = floatFromEnv("TURN_LIKELY_THRESHOLD", cfg.LikelyThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxToolRounds, err = intFromEnv("EXCHANGE_MAX_TOOL_ROUNDS", cfg.MaxToolRounds)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechMinSpanRunes, err = intFromEnv("SPEECH_MIN_SPAN_RUNES", cfg.SpeechMinSpanRunes)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultPersonaID = envOrDefault("APP_DEFAULT_PERSONA", cfg.DefaultPersonaID)

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SilenceWindow <= 0 {
		return Config{}, fmt.Errorf("TURN_SILENCE_WINDOW must be positive")
	}
	if cfg.ActivityThreshold <= 0 || cfg.ActivityThreshold >= 1 {
		return Config{}, fmt.Errorf("TURN_ACTIVITY_THRESHOLD must be in (0,1)")
	}
	if cfg.EndOfTurnThreshold <= 0 || cfg.EndOfTurnThreshold > 1 {
		return Config{}, fmt.Errorf("TURN_END_OF_TURN_THRESHOLD must be in (0,1]")
	}
	if cfg.LikelyThreshold <= 0 || cfg.LikelyThreshold > cfg.EndOfTurnThreshold {
		return Config{}, fmt.Errorf("TURN_LIKELY_THRESHOLD must be in (0, end-of-turn threshold]")
	}
	if cfg.MaxToolRounds <= 0 {
		return Config{}, fmt.Errorf("EXCHANGE_MAX_TOOL_ROUNDS must be positive")
	}
	if cfg.EngineTimeout <= 0 || cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("ENGINE_TIMEOUT and TOOL_TIMEOUT must be positive")
	}
	if cfg.SpeechMinSpanRunes < 0 {
		return Config{}, fmt.Errorf("SPEECH_MIN_SPAN_RUNES must be >= 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
