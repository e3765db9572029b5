// Package config loads the hub's process-wide configuration from the
// environment. Listen addresses and log options are plain flags on each
// command; everything the hub needs to talk to the collaboration platform,
// the state store and the RPA provider is environment-driven so that the
// same image can run in every environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// TenantDev and TenantProd are the built-in tenant tags with preset
	// RPA environments. Any other tag requires per-call overrides.
	TenantDev  = "DEV"
	TenantProd = "PROD"

	defaultRenewalWindow     = 24 * time.Hour
	defaultDedupTTL          = 60 * time.Second
	defaultRetryMaxAttempts  = 3
	defaultRetryBaseDelay    = 1 * time.Second
	defaultFanoutLimit       = 10
	defaultReconcileSchedule = "@hourly"
)

// Platform holds the collaboration-platform API settings.
type Platform struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	BaseURL      string
	TokenURL     string
	Scopes       []string
}

// TenantPreset is one RPA environment: where to authenticate, which logical
// tenant to address and which folder queues live under.
type TenantPreset struct {
	Endpoint      string
	TokenEndpoint string
	TenantName    string
	FolderID      string
}

// RPA holds the queue-provider settings: shared credentials, the default
// environment and the preset table for tenant tags.
type RPA struct {
	ClientID     string
	ClientSecret string
	DefaultQueue string
	Default      TenantPreset
	Presets      map[string]TenantPreset
}

// Preset resolves a tenant tag to its environment. The empty tag resolves to
// the default environment. Unknown tags return ok=false; callers must then
// rely on per-call overrides.
func (r RPA) Preset(tag string) (TenantPreset, bool) {
	if tag == "" {
		return r.Default, true
	}
	p, ok := r.Presets[strings.ToUpper(tag)]
	return p, ok
}

// Features are the hub's feature flags.
type Features struct {
	TokenCache      bool
	RPA             bool
	Metrics         bool
	DetailedLogging bool
	FailedItemsSink bool
}

// Config is the full hub configuration.
type Config struct {
	Platform Platform
	RPA      RPA

	// CallbackBaseURL is the public base URL notifications are delivered
	// to. Its host is also the forwarder's loop-prevention host.
	CallbackBaseURL string

	// TrackingListResource is the platform resource path of the list that
	// mirrors live subscriptions.
	TrackingListResource string

	// StateStoreURL is the redis connection string for item snapshots.
	StateStoreURL string

	// FunctionKey guards the management endpoints.
	FunctionKey string

	RenewalWindow     time.Duration
	DedupTTL          time.Duration
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	FanoutLimit       int
	ReconcileSchedule string

	Features Features
}

// FromEnv builds a Config from the process environment, applying defaults
// and clamping values that cannot work as configured.
func FromEnv() *Config {
	cfg := &Config{
		Platform: Platform{
			TenantID:     os.Getenv("PLATFORM_TENANT_ID"),
			ClientID:     os.Getenv("PLATFORM_CLIENT_ID"),
			ClientSecret: os.Getenv("PLATFORM_CLIENT_SECRET"),
			BaseURL:      envString("PLATFORM_BASE_URL", "https://graph.microsoft.com/v1.0"),
			TokenURL:     os.Getenv("PLATFORM_TOKEN_URL"),
			Scopes:       []string{envString("PLATFORM_SCOPE", "https://graph.microsoft.com/.default")},
		},
		RPA: RPA{
			ClientID:     os.Getenv("RPA_CLIENT_ID"),
			ClientSecret: os.Getenv("RPA_CLIENT_SECRET"),
			DefaultQueue: os.Getenv("RPA_DEFAULT_QUEUE"),
			Default: TenantPreset{
				Endpoint:      os.Getenv("RPA_ENDPOINT"),
				TokenEndpoint: os.Getenv("RPA_TOKEN_ENDPOINT"),
				TenantName:    os.Getenv("RPA_TENANT_NAME"),
				FolderID:      os.Getenv("RPA_FOLDER_ID"),
			},
			Presets: map[string]TenantPreset{},
		},
		CallbackBaseURL:      os.Getenv("CALLBACK_BASE_URL"),
		TrackingListResource: os.Getenv("TRACKING_LIST_RESOURCE"),
		StateStoreURL:        os.Getenv("STATE_STORE_URL"),
		FunctionKey:          os.Getenv("FUNCTION_KEY"),
		RenewalWindow:        envDuration("RENEWAL_WINDOW", defaultRenewalWindow),
		DedupTTL:             envDuration("DEDUP_TTL", defaultDedupTTL),
		RetryMaxAttempts:     envInt("RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts),
		RetryBaseDelay:       envDuration("RETRY_BASE_DELAY", defaultRetryBaseDelay),
		FanoutLimit:          envInt("FANOUT_LIMIT", defaultFanoutLimit),
		ReconcileSchedule:    envString("RECONCILE_SCHEDULE", defaultReconcileSchedule),
		Features: Features{
			TokenCache:      envBool("ENABLE_TOKEN_CACHE", true),
			RPA:             envBool("ENABLE_RPA", true),
			Metrics:         envBool("ENABLE_METRICS", true),
			DetailedLogging: envBool("DETAILED_LOGGING", false),
			FailedItemsSink: envBool("ENABLE_FAILED_ITEMS_SINK", false),
		},
	}

	if cfg.Platform.TokenURL == "" && cfg.Platform.TenantID != "" {
		cfg.Platform.TokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.Platform.TenantID)
	}

	for _, tag := range []string{TenantDev, TenantProd} {
		preset := TenantPreset{
			Endpoint:      os.Getenv("RPA_" + tag + "_ENDPOINT"),
			TokenEndpoint: os.Getenv("RPA_" + tag + "_TOKEN_ENDPOINT"),
			TenantName:    os.Getenv("RPA_" + tag + "_TENANT_NAME"),
			FolderID:      os.Getenv("RPA_" + tag + "_FOLDER_ID"),
		}
		if preset.Endpoint == "" {
			preset = cfg.RPA.Default
		}
		if preset.TokenEndpoint == "" {
			preset.TokenEndpoint = cfg.RPA.Default.TokenEndpoint
		}
		cfg.RPA.Presets[tag] = preset
	}

	cfg.clamp()
	return cfg
}

// clamp brings out-of-range values back to workable ones. The hub prefers
// running with corrected settings over refusing to start.
func (c *Config) clamp() {
	if c.RetryBaseDelay < time.Second {
		log.Warnf("configured RETRY_BASE_DELAY (%s) is less than 1s; 1s will be used", c.RetryBaseDelay)
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxAttempts < 1 {
		log.Warnf("configured RETRY_MAX_ATTEMPTS (%d) is not positive; %d will be used", c.RetryMaxAttempts, defaultRetryMaxAttempts)
		c.RetryMaxAttempts = defaultRetryMaxAttempts
	}
	if c.FanoutLimit < 1 {
		log.Warnf("configured FANOUT_LIMIT (%d) is not positive; %d will be used", c.FanoutLimit, defaultFanoutLimit)
		c.FanoutLimit = defaultFanoutLimit
	}
	if c.DedupTTL <= 0 {
		log.Warnf("configured DEDUP_TTL (%s) is not positive; %s will be used", c.DedupTTL, defaultDedupTTL)
		c.DedupTTL = defaultDedupTTL
	}
	if c.RenewalWindow <= 0 {
		log.Warnf("configured RENEWAL_WINDOW (%s) is not positive; %s will be used", c.RenewalWindow, defaultRenewalWindow)
		c.RenewalWindow = defaultRenewalWindow
	}
}

// Validate reports configuration the hub cannot run with at all.
func (c *Config) Validate() error {
	if c.CallbackBaseURL != "" {
		u, err := url.Parse(c.CallbackBaseURL)
		if err != nil {
			return fmt.Errorf("invalid CALLBACK_BASE_URL: %w", err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("CALLBACK_BASE_URL must be https, got %q", u.Scheme)
		}
	}
	if c.Features.RPA {
		if c.RPA.ClientID == "" || c.RPA.ClientSecret == "" {
			return fmt.Errorf("RPA is enabled but RPA_CLIENT_ID/RPA_CLIENT_SECRET are not set")
		}
		if c.RPA.Default.TokenEndpoint == "" {
			return fmt.Errorf("RPA is enabled but RPA_TOKEN_ENDPOINT is not set")
		}
	}
	if c.Platform.ClientID != "" && c.Platform.TokenURL == "" {
		return fmt.Errorf("PLATFORM_TOKEN_URL could not be derived; set PLATFORM_TENANT_ID or PLATFORM_TOKEN_URL")
	}
	return nil
}

// CallbackHost returns the hostname of the configured callback URL, or ""
// when unset. The forwarder refuses targets with this host.
func (c *Config) CallbackHost() string {
	u, err := url.Parse(c.CallbackBaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warnf("invalid boolean for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("invalid integer for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are accepted as seconds, matching how the original
		// deployment expressed TTLs.
		if n, nerr := strconv.Atoi(v); nerr == nil {
			return time.Duration(n) * time.Second
		}
		log.Warnf("invalid duration for %s: %q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
