package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.RenewalWindow != 24*time.Hour {
		t.Errorf("RenewalWindow: expected 24h, got %s", cfg.RenewalWindow)
	}
	if cfg.DedupTTL != 60*time.Second {
		t.Errorf("DedupTTL: expected 60s, got %s", cfg.DedupTTL)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("RetryMaxAttempts: expected 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBaseDelay != time.Second {
		t.Errorf("RetryBaseDelay: expected 1s, got %s", cfg.RetryBaseDelay)
	}
	if cfg.FanoutLimit != 10 {
		t.Errorf("FanoutLimit: expected 10, got %d", cfg.FanoutLimit)
	}
	if cfg.ReconcileSchedule != "@hourly" {
		t.Errorf("ReconcileSchedule: expected @hourly, got %s", cfg.ReconcileSchedule)
	}
	if !cfg.Features.TokenCache || !cfg.Features.RPA || !cfg.Features.Metrics {
		t.Errorf("expected token cache, RPA and metrics enabled by default: %+v", cfg.Features)
	}
	if cfg.Features.DetailedLogging {
		t.Error("expected detailed logging disabled by default")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DEDUP_TTL", "90s")
	t.Setenv("RENEWAL_WINDOW", "12h")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("FANOUT_LIMIT", "4")
	t.Setenv("ENABLE_RPA", "false")
	t.Setenv("PLATFORM_TENANT_ID", "contoso-tenant")

	cfg := FromEnv()

	if cfg.DedupTTL != 90*time.Second {
		t.Errorf("DedupTTL: expected 90s, got %s", cfg.DedupTTL)
	}
	if cfg.RenewalWindow != 12*time.Hour {
		t.Errorf("RenewalWindow: expected 12h, got %s", cfg.RenewalWindow)
	}
	if cfg.RetryMaxAttempts != 5 {
		t.Errorf("RetryMaxAttempts: expected 5, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.FanoutLimit != 4 {
		t.Errorf("FanoutLimit: expected 4, got %d", cfg.FanoutLimit)
	}
	if cfg.Features.RPA {
		t.Error("expected RPA disabled")
	}
	expectedTokenURL := "https://login.microsoftonline.com/contoso-tenant/oauth2/v2.0/token"
	if cfg.Platform.TokenURL != expectedTokenURL {
		t.Errorf("TokenURL: expected %s, got %s", expectedTokenURL, cfg.Platform.TokenURL)
	}
}

func TestFromEnvBareSecondsDuration(t *testing.T) {
	t.Setenv("DEDUP_TTL", "120")

	cfg := FromEnv()
	if cfg.DedupTTL != 120*time.Second {
		t.Errorf("DedupTTL: expected 120s, got %s", cfg.DedupTTL)
	}
}

func TestClampRejectsSubSecondRetryDelay(t *testing.T) {
	t.Setenv("RETRY_BASE_DELAY", "100ms")

	cfg := FromEnv()
	if cfg.RetryBaseDelay != time.Second {
		t.Errorf("RetryBaseDelay: expected clamp to 1s, got %s", cfg.RetryBaseDelay)
	}
}

func TestValidateCallbackMustBeHTTPS(t *testing.T) {
	cfg := FromEnv()
	cfg.Features.RPA = false
	cfg.CallbackBaseURL = "http://hub.example.com/api"

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for http callback")
	}

	cfg.CallbackBaseURL = "https://hub.example.com/api"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %s", err)
	}
}

func TestValidateRPARequiresCredentials(t *testing.T) {
	cfg := FromEnv()
	cfg.Features.RPA = true
	cfg.RPA.ClientID = ""

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing RPA credentials")
	}
}

func TestPresetResolution(t *testing.T) {
	t.Setenv("RPA_ENDPOINT", "https://rpa.example.com")
	t.Setenv("RPA_TOKEN_ENDPOINT", "https://rpa.example.com/identity/connect/token")
	t.Setenv("RPA_TENANT_NAME", "Default")
	t.Setenv("RPA_DEV_ENDPOINT", "https://rpa-dev.example.com")
	t.Setenv("RPA_DEV_TENANT_NAME", "DevTenant")
	t.Setenv("RPA_DEV_FOLDER_ID", "277500")

	cfg := FromEnv()

	dev, ok := cfg.RPA.Preset("dev")
	if !ok {
		t.Fatal("expected DEV preset to resolve")
	}
	if dev.Endpoint != "https://rpa-dev.example.com" || dev.TenantName != "DevTenant" || dev.FolderID != "277500" {
		t.Errorf("unexpected DEV preset: %+v", dev)
	}
	// DEV inherits the default token endpoint when not set explicitly.
	if dev.TokenEndpoint != "https://rpa.example.com/identity/connect/token" {
		t.Errorf("expected inherited token endpoint, got %q", dev.TokenEndpoint)
	}

	def, ok := cfg.RPA.Preset("")
	if !ok || def.Endpoint != "https://rpa.example.com" {
		t.Errorf("unexpected default preset: %+v", def)
	}

	if _, ok := cfg.RPA.Preset("STAGING"); ok {
		t.Error("unknown tag must not resolve to a preset")
	}
}

func TestCallbackHost(t *testing.T) {
	cfg := &Config{CallbackBaseURL: "https://hub.example.com:8443/api/ingress"}
	if host := cfg.CallbackHost(); host != "hub.example.com" {
		t.Errorf("expected hub.example.com, got %q", host)
	}
}
