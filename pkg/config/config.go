// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Provider is the client registration for one OAuth identity provider.
type Provider struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	CallbackURL  string `env:"CALLBACK_URL"`
}

// Enabled reports whether the provider has a complete registration.
func (p Provider) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != "" && p.CallbackURL != ""
}

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8431"`
	// Store selects the credential store: "postgres" or "memory".
	Store      string `env:"STORE" envDefault:"postgres"`
	Production bool   `env:"PRODUCTION"`
	// CrossSite serves the refresh cookie with SameSite=None for a frontend on another site.
	CrossSite   bool   `env:"COOKIE_CROSS_SITE"`
	PublicURL   string `env:"PUBLIC_URL" envDefault:"http://localhost:8431"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`

	AccessSecret  string        `env:"ACCESS_TOKEN_SECRET"`
	RefreshSecret string        `env:"REFRESH_TOKEN_SECRET"`
	StateSecret   string        `env:"OAUTH_STATE_SECRET"`
	AccessTTL     time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTTL    time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	Issuer        string        `env:"TOKEN_ISSUER" envDefault:"showcase-api"`
	Audience      string        `env:"TOKEN_AUDIENCE" envDefault:"showcase-web"`

	BcryptCost      int           `env:"BCRYPT_COST" envDefault:"12"`
	LockThreshold   int           `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
	LockDuration    time.Duration `env:"LOCKOUT_DURATION" envDefault:"2h"`
	VerificationTTL time.Duration `env:"VERIFICATION_TTL" envDefault:"24h"`
	ResetTTL        time.Duration `env:"RESET_TTL" envDefault:"1h"`
	// SweepSchedule is a cron spec for purging expired secrets and locks; empty disables it.
	SweepSchedule string `env:"SWEEP_SCHEDULE" envDefault:"@hourly"`

	Google Provider `envPrefix:"GOOGLE_"`
	GitHub Provider `envPrefix:"GITHUB_"`
}

var (
	ErrMissingSecret = errors.New("token secrets are required")
	ErrSharedSecret  = errors.New("access and refresh secrets must differ")
)

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the service relies on.
func (c Config) Validate() error {
	if c.AccessSecret == "" || c.RefreshSecret == "" {
		return ErrMissingSecret
	}
	if c.AccessSecret == c.RefreshSecret {
		return ErrSharedSecret
	}
	if (c.Google.Enabled() || c.GitHub.Enabled()) && c.StateSecret == "" {
		return fmt.Errorf("%w: OAUTH_STATE_SECRET is required when a provider is configured", ErrMissingSecret)
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("token ttl must be positive")
	}
	if c.LockThreshold < 1 || c.LockDuration <= 0 {
		return errors.New("invalid lockout configuration")
	}
	if c.Store != "postgres" && c.Store != "memory" {
		return fmt.Errorf("unknown store %q", c.Store)
	}
	return nil
}
