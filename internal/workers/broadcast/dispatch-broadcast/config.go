package dispatchbroadcast

import (
	"fmt"
	"time"

	"wa-broadcast-workers/internal/common/ratelimit"
)

type Config struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`

	// Timeout is the Zeebe job lease. It does not bound a run: each API call is bounded by
	// the HTTP client timeout instead.
	Timeout time.Duration `mapstructure:"timeout"`

	// CommitTimeout bounds the writes after the last send.
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`

	RateInterval   time.Duration `mapstructure:"rate_interval"`
	DefaultCountry string        `mapstructure:"default_country"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	APIVersion     string        `mapstructure:"api_version"`
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		MaxJobsActive:  5,
		Timeout:        10 * time.Minute,
		CommitTimeout:  30 * time.Second,
		RateInterval:   ratelimit.DefaultInterval,
		DefaultCountry: "IN",
		APIBaseURL:     "https://graph.facebook.com",
		APIVersion:     "v21.0",
	}
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.CommitTimeout <= 0 {
		return fmt.Errorf("commit_timeout must be positive")
	}
	if c.MaxJobsActive <= 0 {
		return fmt.Errorf("max_jobs_active must be positive")
	}
	if c.RateInterval < 0 {
		return fmt.Errorf("rate_interval cannot be negative")
	}
	return nil
}
