// Package config loads runtime settings for the gateway and the session
// orchestrator from environment variables, applying the defaults spec'd
// for this system.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GatewayConfig contains every setting the Session Gateway (C2) consumes.
type GatewayConfig struct {
	Port              string
	FrontendURL       string
	OpenAIAPIKey      string
	MaxTokensPerKey   uint
	TokenLimitEnabled bool
	DebugLogs         bool

	SearchTimeout     time.Duration
	VerifyTimeout     time.Duration
	LedgerSweepEvery  time.Duration
	LedgerInactiveTTL time.Duration

	DefaultRealtimeModel string
	DefaultRealtimeVoice string

	DatabaseURL string
}

// LoadGateway reads environment variables and applies the defaults named
// in the external-interfaces contract.
func LoadGateway() (GatewayConfig, error) {
	cfg := GatewayConfig{
		Port:                 envOrDefault("PORT", "3000"),
		FrontendURL:          stringsTrimSpace("FRONTEND_URL"),
		OpenAIAPIKey:         stringsTrimSpace("OPENAI_API_KEY"),
		TokenLimitEnabled:    true,
		SearchTimeout:        8 * time.Second,
		VerifyTimeout:        8 * time.Second,
		LedgerSweepEvery:     15 * time.Minute,
		LedgerInactiveTTL:    1 * time.Hour,
		DefaultRealtimeModel: envOrDefault("TINGE_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		DefaultRealtimeVoice: envOrDefault("TINGE_REALTIME_VOICE", "alloy"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
	}

	maxTokens, err := intFromEnv("MAX_TOKENS_PER_KEY", 15000)
	if err != nil {
		return GatewayConfig{}, err
	}
	if maxTokens <= 0 {
		return GatewayConfig{}, fmt.Errorf("MAX_TOKENS_PER_KEY must be positive")
	}
	cfg.MaxTokensPerKey = uint(maxTokens)

	cfg.TokenLimitEnabled, err = boolFromEnv("TOKEN_LIMIT_ENABLED", true)
	if err != nil {
		return GatewayConfig{}, err
	}

	cfg.DebugLogs, err = boolFromEnv("TINGE_BACKEND_DEBUG_LOGS", false)
	if err != nil {
		return GatewayConfig{}, err
	}

	return cfg, nil
}

// OrchestratorConfig contains every setting the client-side Session
// Orchestration Engine (C3-C12) consumes.
type OrchestratorConfig struct {
	GatewayURL string

	RealtimeModel string
	RealtimeVoice string

	DataChannelOpenTimeout time.Duration

	PTTFirstPressConnectingMS time.Duration
	PTTReleaseBufferMSDesktop time.Duration
	PTTReleaseBufferMSMobile  time.Duration
	PTTTouchDebounceMS        time.Duration

	InterruptDrainTimeout time.Duration

	UsageDebounce time.Duration

	DebugLogs bool
}

// LoadOrchestrator reads environment variables for the client engine.
func LoadOrchestrator() (OrchestratorConfig, error) {
	cfg := OrchestratorConfig{
		GatewayURL:                envOrDefault("TINGE_GATEWAY_URL", "http://localhost:3000"),
		RealtimeModel:             envOrDefault("TINGE_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:             envOrDefault("TINGE_REALTIME_VOICE", "alloy"),
		DataChannelOpenTimeout:    5 * time.Second,
		PTTFirstPressConnectingMS: 1200 * time.Millisecond,
		PTTReleaseBufferMSDesktop: 500 * time.Millisecond,
		PTTReleaseBufferMSMobile:  1000 * time.Millisecond,
		PTTTouchDebounceMS:        100 * time.Millisecond,
		InterruptDrainTimeout:     4 * time.Second,
		UsageDebounce:             200 * time.Millisecond,
	}

	var err error
	cfg.DataChannelOpenTimeout, err = durationFromEnv("TINGE_DATACHANNEL_OPEN_TIMEOUT", cfg.DataChannelOpenTimeout)
	if err != nil {
		return OrchestratorConfig{}, err
	}
	cfg.PTTReleaseBufferMSDesktop, err = durationFromEnv("TINGE_PTT_RELEASE_BUFFER_MS_DESKTOP", cfg.PTTReleaseBufferMSDesktop)
	if err != nil {
		return OrchestratorConfig{}, err
	}
	cfg.PTTReleaseBufferMSMobile, err = durationFromEnv("TINGE_PTT_RELEASE_BUFFER_MS_MOBILE", cfg.PTTReleaseBufferMSMobile)
	if err != nil {
		return OrchestratorConfig{}, err
	}
	cfg.DebugLogs, err = boolFromEnv("TINGE_BACKEND_DEBUG_LOGS", false)
	if err != nil {
		return OrchestratorConfig{}, err
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
