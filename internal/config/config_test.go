package config

import "testing"

func setGatewayEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT",
		"FRONTEND_URL",
		"OPENAI_API_KEY",
		"MAX_TOKENS_PER_KEY",
		"TOKEN_LIMIT_ENABLED",
		"TINGE_BACKEND_DEBUG_LOGS",
		"TINGE_REALTIME_MODEL",
		"TINGE_REALTIME_VOICE",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func setOrchestratorEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"TINGE_GATEWAY_URL",
		"TINGE_REALTIME_MODEL",
		"TINGE_REALTIME_VOICE",
		"TINGE_DATACHANNEL_OPEN_TIMEOUT",
		"TINGE_PTT_RELEASE_BUFFER_MS_DESKTOP",
		"TINGE_PTT_RELEASE_BUFFER_MS_MOBILE",
		"TINGE_BACKEND_DEBUG_LOGS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadGatewayDefaults(t *testing.T) {
	setGatewayEnvEmpty(t)

	cfg, err := LoadGateway()
	if err != nil {
		t.Fatalf("LoadGateway() error = %v", err)
	}
	if cfg.Port != "3000" {
		t.Fatalf("Port = %q, want %q", cfg.Port, "3000")
	}
	if cfg.MaxTokensPerKey != 15000 {
		t.Fatalf("MaxTokensPerKey = %d, want 15000", cfg.MaxTokensPerKey)
	}
	if !cfg.TokenLimitEnabled {
		t.Fatalf("TokenLimitEnabled = false, want true by default")
	}
	if cfg.DefaultRealtimeModel != "gpt-4o-realtime-preview" {
		t.Fatalf("DefaultRealtimeModel = %q, want default", cfg.DefaultRealtimeModel)
	}
	if cfg.DefaultRealtimeVoice != "alloy" {
		t.Fatalf("DefaultRealtimeVoice = %q, want default", cfg.DefaultRealtimeVoice)
	}
}

func TestLoadGatewayRejectsNonPositiveMaxTokens(t *testing.T) {
	setGatewayEnvEmpty(t)
	t.Setenv("MAX_TOKENS_PER_KEY", "0")

	if _, err := LoadGateway(); err == nil {
		t.Fatalf("LoadGateway() error = nil, want error for non-positive MAX_TOKENS_PER_KEY")
	}
}

func TestLoadGatewayUsesExplicitOverrides(t *testing.T) {
	setGatewayEnvEmpty(t)
	t.Setenv("PORT", "8081")
	t.Setenv("MAX_TOKENS_PER_KEY", "20000")
	t.Setenv("TOKEN_LIMIT_ENABLED", "false")
	t.Setenv("TINGE_REALTIME_VOICE", "verse")

	cfg, err := LoadGateway()
	if err != nil {
		t.Fatalf("LoadGateway() error = %v", err)
	}
	if cfg.Port != "8081" {
		t.Fatalf("Port = %q, want %q", cfg.Port, "8081")
	}
	if cfg.MaxTokensPerKey != 20000 {
		t.Fatalf("MaxTokensPerKey = %d, want 20000", cfg.MaxTokensPerKey)
	}
	if cfg.TokenLimitEnabled {
		t.Fatalf("TokenLimitEnabled = true, want false")
	}
	if cfg.DefaultRealtimeVoice != "verse" {
		t.Fatalf("DefaultRealtimeVoice = %q, want %q", cfg.DefaultRealtimeVoice, "verse")
	}
}

func TestLoadOrchestratorDefaults(t *testing.T) {
	setOrchestratorEnvEmpty(t)

	cfg, err := LoadOrchestrator()
	if err != nil {
		t.Fatalf("LoadOrchestrator() error = %v", err)
	}
	if cfg.GatewayURL != "http://localhost:3000" {
		t.Fatalf("GatewayURL = %q, want default", cfg.GatewayURL)
	}
	if cfg.PTTFirstPressConnectingMS != 1200_000_000 {
		t.Fatalf("PTTFirstPressConnectingMS = %v, want 1.2s", cfg.PTTFirstPressConnectingMS)
	}
	if cfg.PTTReleaseBufferMSDesktop != 500_000_000 {
		t.Fatalf("PTTReleaseBufferMSDesktop = %v, want 500ms", cfg.PTTReleaseBufferMSDesktop)
	}
	if cfg.PTTReleaseBufferMSMobile != 1_000_000_000 {
		t.Fatalf("PTTReleaseBufferMSMobile = %v, want 1s", cfg.PTTReleaseBufferMSMobile)
	}
	if cfg.InterruptDrainTimeout != 4_000_000_000 {
		t.Fatalf("InterruptDrainTimeout = %v, want 4s", cfg.InterruptDrainTimeout)
	}
	if cfg.UsageDebounce != 200_000_000 {
		t.Fatalf("UsageDebounce = %v, want 200ms", cfg.UsageDebounce)
	}
}

func TestLoadOrchestratorRejectsInvalidDuration(t *testing.T) {
	setOrchestratorEnvEmpty(t)
	t.Setenv("TINGE_DATACHANNEL_OPEN_TIMEOUT", "not-a-duration")

	if _, err := LoadOrchestrator(); err == nil {
		t.Fatalf("LoadOrchestrator() error = nil, want parse error")
	}
}

func TestLoadOrchestratorUsesExplicitReleaseBuffers(t *testing.T) {
	setOrchestratorEnvEmpty(t)
	t.Setenv("TINGE_PTT_RELEASE_BUFFER_MS_DESKTOP", "750ms")
	t.Setenv("TINGE_PTT_RELEASE_BUFFER_MS_MOBILE", "1500ms")

	cfg, err := LoadOrchestrator()
	if err != nil {
		t.Fatalf("LoadOrchestrator() error = %v", err)
	}
	if cfg.PTTReleaseBufferMSDesktop != 750_000_000 {
		t.Fatalf("PTTReleaseBufferMSDesktop = %v, want 750ms", cfg.PTTReleaseBufferMSDesktop)
	}
	if cfg.PTTReleaseBufferMSMobile != 1_500_000_000 {
		t.Fatalf("PTTReleaseBufferMSMobile = %v, want 1500ms", cfg.PTTReleaseBufferMSMobile)
	}
}
