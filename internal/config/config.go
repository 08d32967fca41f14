package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the avatar streaming service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// Recording ingestion.
	ScratchDir           string
	ArtifactDir          string
	FFmpegPath           string
	FFprobePath          string
	MuxerMode            string
	FinalizePollInterval time.Duration
	FinalizeStablePolls  int
	FinalizeTimeout      time.Duration

	// Billing.
	BillingInterval       time.Duration
	BillingCreditsPerTick int
	BillingStartCredits   int

	// Proactive speech.
	GreetingEnabled bool
	GreetingText    string
	CoachInterval   time.Duration
	// InterruptAckText is spoken right after a barge-in; empty disables
	// the acknowledgement.
	InterruptAckText string

	// Collaborators.
	ResponderMode string
	ResponderURL  string
	DatabaseURL   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "visage"),
		AllowAnyOrigin:   false,

		ScratchDir:  envOrDefault("RECORDING_SCRATCH_DIR", ".scratch/recordings"),
		ArtifactDir: envOrDefault("RECORDING_ARTIFACT_DIR", ".artifacts"),
		FFmpegPath:  envOrDefault("RECORDING_FFMPEG_PATH", "ffmpeg"),
		FFprobePath: envOrDefault("RECORDING_FFPROBE_PATH", "ffprobe"),
		// "ffmpeg" shells out; "stub" concatenates raw bytes for dev and tests.
		MuxerMode:            envOrDefault("RECORDING_MUXER_MODE", "ffmpeg"),
		FinalizePollInterval: 150 * time.Millisecond,
		FinalizeStablePolls:  2,
		FinalizeTimeout:      30 * time.Second,

		BillingInterval:       time.Minute,
		BillingCreditsPerTick: 1,
		BillingStartCredits:   60,

		GreetingEnabled:  true,
		GreetingText:     envOrDefault("APP_GREETING_TEXT", "Hi, good to see you."),
		CoachInterval:    0,
		InterruptAckText: envOrDefault("APP_INTERRUPT_ACK_TEXT", ""),

		ResponderMode: envOrDefault("RESPONDER_MODE", "mock"),
		ResponderURL:  stringsTrimSpace("RESPONDER_HTTP_URL"),
		DatabaseURL:   stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
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
	cfg.FinalizePollInterval, err = durationFromEnv("RECORDING_FINALIZE_POLL_INTERVAL", cfg.FinalizePollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.FinalizeStablePolls, err = intFromEnv("RECORDING_FINALIZE_STABLE_POLLS", cfg.FinalizeStablePolls)
	if err != nil {
		return Config{}, err
	}
	cfg.FinalizeTimeout, err = durationFromEnv("RECORDING_FINALIZE_TIMEOUT", cfg.FinalizeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BillingInterval, err = durationFromEnv("BILLING_INTERVAL", cfg.BillingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.BillingCreditsPerTick, err = intFromEnv("BILLING_CREDITS_PER_TICK", cfg.BillingCreditsPerTick)
	if err != nil {
		return Config{}, err
	}
	cfg.BillingStartCredits, err = intFromEnv("BILLING_START_CREDITS", cfg.BillingStartCredits)
	if err != nil {
		return Config{}, err
	}
	cfg.GreetingEnabled, err = boolFromEnv("APP_GREETING_ENABLED", cfg.GreetingEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.CoachInterval, err = durationFromEnv("APP_COACH_INTERVAL", cfg.CoachInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.FinalizePollInterval <= 0 {
		return Config{}, fmt.Errorf("RECORDING_FINALIZE_POLL_INTERVAL must be positive")
	}
	if cfg.FinalizeStablePolls <= 0 {
		return Config{}, fmt.Errorf("RECORDING_FINALIZE_STABLE_POLLS must be positive")
	}
	if cfg.FinalizeTimeout < cfg.FinalizePollInterval {
		return Config{}, fmt.Errorf("RECORDING_FINALIZE_TIMEOUT must exceed the poll interval")
	}
	if cfg.BillingInterval < time.Second {
		return Config{}, fmt.Errorf("BILLING_INTERVAL must be at least 1s")
	}
	if cfg.BillingCreditsPerTick < 0 {
		return Config{}, fmt.Errorf("BILLING_CREDITS_PER_TICK must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.MuxerMode)) {
	case "ffmpeg", "stub":
	default:
		return Config{}, fmt.Errorf("invalid RECORDING_MUXER_MODE: %q (expected ffmpeg|stub)", cfg.MuxerMode)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ResponderMode)) {
	case "mock", "http":
	default:
		return Config{}, fmt.Errorf("invalid RESPONDER_MODE: %q (expected mock|http)", cfg.ResponderMode)
	}
	if strings.EqualFold(cfg.ResponderMode, "http") && cfg.ResponderURL == "" {
		return Config{}, fmt.Errorf("RESPONDER_HTTP_URL is required when RESPONDER_MODE=http")
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

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
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
