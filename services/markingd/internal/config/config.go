package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the marking service. Duration knobs
// keep the millisecond names and units the deployment environment already
// uses.
type Config struct {
	Addr       string `env:"ADDR,default=:8080"`
	BotToken   string `env:"TG_BOT_TOKEN,required"`
	PortalBase string `env:"PORTAL_BASE_URL"`

	PortalTimeoutMS       int `env:"PORTAL_TIMEOUT_MS,default=10000"`
	MaxTransientRetries   int `env:"MAX_TRANSIENT_RETRIES,default=2"`
	SessionRetentionMS    int `env:"SESSION_RETENTION_MS,default=600000"`
	WaitingSessionTTLMS   int `env:"WAITING_SESSION_TTL_MS,default=600000"`
	PollIntervalHintMS    int `env:"POLL_INTERVAL_HINT_MS,default=500"`
	TransientRetryDelayMS int `env:"TRANSIENT_RETRY_DELAY_MS,default=250"`
	GCIntervalMS          int `env:"GC_INTERVAL_MS,default=30000"`
	InitDataMaxAgeMS      int `env:"TG_INITDATA_MAX_AGE_MS,default=86400000"`

	PortalMarkersFile  string `env:"PORTAL_MARKERS_FILE"`
	PortalIdentityFile string `env:"PORTAL_IDENTITY_FILE,required"`

	NATSURL      string   `env:"NATS_URL"`
	DBDSN        string   `env:"DB_DSN"`
	OTLPEndpoint string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	CORSOrigins  []string `env:"CORS_ALLOWED_ORIGINS"`
	LogPretty    bool     `env:"LOG_PRETTY,default=false"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PortalTimeoutMS <= 0 {
		return fmt.Errorf("PORTAL_TIMEOUT_MS must be positive, got %d", c.PortalTimeoutMS)
	}
	if c.MaxTransientRetries < 0 {
		return fmt.Errorf("MAX_TRANSIENT_RETRIES must be >= 0, got %d", c.MaxTransientRetries)
	}
	if c.SessionRetentionMS <= 0 {
		return fmt.Errorf("SESSION_RETENTION_MS must be positive, got %d", c.SessionRetentionMS)
	}
	if c.WaitingSessionTTLMS <= 0 {
		return fmt.Errorf("WAITING_SESSION_TTL_MS must be positive, got %d", c.WaitingSessionTTLMS)
	}
	if c.GCIntervalMS <= 0 {
		return fmt.Errorf("GC_INTERVAL_MS must be positive, got %d", c.GCIntervalMS)
	}
	if c.PortalBase != "" {
		parsed, err := url.Parse(c.PortalBase)
		if err != nil || !parsed.IsAbs() {
			return fmt.Errorf("invalid PORTAL_BASE_URL: %q", c.PortalBase)
		}
	}
	if c.PortalIdentityFile == "" {
		return errors.New("PORTAL_IDENTITY_FILE is required")
	}
	return nil
}

// PortalTimeout is the per-call deadline for portal exchanges.
func (c Config) PortalTimeout() time.Duration {
	return time.Duration(c.PortalTimeoutMS) * time.Millisecond
}

// SessionRetention is how long terminal sessions stay pollable.
func (c Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionMS) * time.Millisecond
}

// WaitingSessionTTL is the idle window for sessions parked on an expired QR.
func (c Config) WaitingSessionTTL() time.Duration {
	return time.Duration(c.WaitingSessionTTLMS) * time.Millisecond
}

// TransientRetryDelay is the pause between retries of the same student.
func (c Config) TransientRetryDelay() time.Duration {
	return time.Duration(c.TransientRetryDelayMS) * time.Millisecond
}

// GCInterval is the sweep cadence of the session store.
func (c Config) GCInterval() time.Duration {
	return time.Duration(c.GCIntervalMS) * time.Millisecond
}

// InitDataMaxAge bounds how stale an auth envelope may be.
func (c Config) InitDataMaxAge() time.Duration {
	return time.Duration(c.InitDataMaxAgeMS) * time.Millisecond
}
