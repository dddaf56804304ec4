package core

import (
	"fmt"
	"time"
)

// Config holds runtime configuration for the runspace pool and the
// request pipeline built on top of it.
type Config struct {
	MinRunspaces    int           `mapstructure:"min_runspaces"`     // pre-warmed floor
	MaxRunspaces    int           `mapstructure:"max_runspaces"`     // hard ceiling on live entries
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`   // 0 waits as long as the request lives
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period"` // wait for a cooperative stop before tainting
	MemoryLimitMB   int           `mapstructure:"memory_limit_mb"`   // per-VM memory limit (JS engines)
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`    // request body bytes exposed to scripts
	ServerName      string        `mapstructure:"server_name"`
	DefaultLanguage Language      `mapstructure:"default_language"`
	PoolName        string        `mapstructure:"pool_name"` // metrics label
	StatePath       string        `mapstructure:"state_path"`

	// Libraries maps an import name to script source that is prepended to
	// any script listing it in Source.Imports.
	Libraries map[string]string `mapstructure:"libraries"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinRunspaces:    1,
		MaxRunspaces:    4,
		StopGracePeriod: 250 * time.Millisecond,
		MaxBodyBytes:    1 << 20,
		ServerName:      "runspace",
		DefaultLanguage: LangJavaScript,
		PoolName:        "default",
	}
}

// Validate checks the pool bounds and fills zero values that have a default.
func (c *Config) Validate() error {
	if c.MinRunspaces < 0 {
		return fmt.Errorf("%w: min runspaces must be >= 0, got %d", ErrPoolMisconfigured, c.MinRunspaces)
	}
	if c.MaxRunspaces < 1 {
		return fmt.Errorf("%w: max runspaces must be >= 1, got %d", ErrPoolMisconfigured, c.MaxRunspaces)
	}
	if c.MaxRunspaces < c.MinRunspaces {
		return fmt.Errorf("%w: max runspaces (%d) below min runspaces (%d)",
			ErrPoolMisconfigured, c.MaxRunspaces, c.MinRunspaces)
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("%w: acquire timeout must not be negative", ErrPoolMisconfigured)
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = 250 * time.Millisecond
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = LangJavaScript
	}
	if !c.DefaultLanguage.Valid() {
		return fmt.Errorf("%w: unknown default language %q", ErrPoolMisconfigured, c.DefaultLanguage)
	}
	if c.PoolName == "" {
		c.PoolName = "default"
	}
	if c.ServerName == "" {
		c.ServerName = "runspace"
	}
	return nil
}
