package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"publishq/internal/ratelimit"
)

type Config struct {
	Addr    string `env:"PUBLISHQ_ADDR" envDefault:":8080"`
	DBPath  string `env:"PUBLISHQ_DB" envDefault:"publishq.db"`
	Workers int    `env:"PUBLISHQ_WORKERS" envDefault:"4"`

	SweepInterval time.Duration `env:"PUBLISHQ_SWEEP_INTERVAL" envDefault:"2s"`
	ClaimLease    time.Duration `env:"PUBLISHQ_CLAIM_LEASE" envDefault:"60s"`
	FetchLimit    int           `env:"PUBLISHQ_FETCH_LIMIT" envDefault:"32"`

	MaxAttempts    int           `env:"PUBLISHQ_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay time.Duration `env:"PUBLISHQ_RETRY_BASE_DELAY" envDefault:"60s"`
	RetryMaxDelay  time.Duration `env:"PUBLISHQ_RETRY_MAX_DELAY" envDefault:"1h"`
	AuthParkDelay  time.Duration `env:"PUBLISHQ_AUTH_PARK_DELAY" envDefault:"6h"`

	// GraceWindow is how far in the past a requested publish instant may lie
	// before it is rejected; Horizon caps how far ahead one may be scheduled.
	GraceWindow time.Duration `env:"PUBLISHQ_GRACE_WINDOW" envDefault:"2m"`
	Horizon     time.Duration `env:"PUBLISHQ_HORIZON" envDefault:"8760h"`

	RecurrenceInterval time.Duration `env:"PUBLISHQ_RECURRENCE_INTERVAL" envDefault:"15s"`

	// RateLimits are admin overrides of the built-in platform bucket shapes,
	// e.g. PUBLISHQ_RATE_LIMITS="twitter=300/10800,mastodon=100/3600".
	RateLimits map[string]string `env:"PUBLISHQ_RATE_LIMITS" envSeparator:"," envKeyValSeparator:"="`

	// IntegratorURLs maps each platform to its bridge endpoint, e.g.
	// PUBLISHQ_INTEGRATORS="twitter=https://bridge/tw,linkedin=https://bridge/li".
	IntegratorURLs map[string]string `env:"PUBLISHQ_INTEGRATORS" envSeparator:"," envKeyValSeparator:"="`

	PublishTimeout time.Duration `env:"PUBLISHQ_PUBLISH_TIMEOUT" envDefault:"30s"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// PlatformLimits merges the built-in bucket shapes with any admin overrides.
func (c Config) PlatformLimits() (map[string]ratelimit.Limit, error) {
	limits := ratelimit.DefaultLimits()
	for platform, raw := range c.RateLimits {
		lim, err := ratelimit.ParseLimit(raw)
		if err != nil {
			return nil, fmt.Errorf("override for %s: %w", platform, err)
		}
		limits[platform] = lim
	}
	return limits, nil
}
