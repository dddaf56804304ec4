// Package config loads runspaced server settings with viper and the route
// table from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cryguy/runspace/internal/core"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// RUNSPACE_RUNSPACE_MAX_RUNSPACES=8.
	EnvPrefix = "RUNSPACE"
	// ConfigFileName is the default config file name (without extension).
	ConfigFileName = "runspaced"
)

// Server holds runspaced settings. Runspace is handed to runspace.NewHost.
type Server struct {
	Listen          string        `mapstructure:"listen"`
	MaxConns        int           `mapstructure:"max_conns"` // 0 means unlimited
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"` // empty disables /metrics
	RoutesFile      string        `mapstructure:"routes"`
	LogLevel        string        `mapstructure:"log_level"`

	Runspace core.Config `mapstructure:"runspace"`
}

// Default returns the built-in settings.
func Default() Server {
	return Server{
		Listen:          ":8080",
		ShutdownTimeout: 15 * time.Second,
		MetricsPath:     "/metrics",
		RoutesFile:      "routes.yaml",
		LogLevel:        "info",
		Runspace:        core.DefaultConfig(),
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("max_conns", d.MaxConns)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("metrics_path", d.MetricsPath)
	v.SetDefault("routes", d.RoutesFile)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("runspace.min_runspaces", d.Runspace.MinRunspaces)
	v.SetDefault("runspace.max_runspaces", d.Runspace.MaxRunspaces)
	v.SetDefault("runspace.acquire_timeout", d.Runspace.AcquireTimeout)
	v.SetDefault("runspace.stop_grace_period", d.Runspace.StopGracePeriod)
	v.SetDefault("runspace.memory_limit_mb", d.Runspace.MemoryLimitMB)
	v.SetDefault("runspace.max_body_bytes", d.Runspace.MaxBodyBytes)
	v.SetDefault("runspace.server_name", d.Runspace.ServerName)
	v.SetDefault("runspace.default_language", string(d.Runspace.DefaultLanguage))
	v.SetDefault("runspace.pool_name", d.Runspace.PoolName)
	v.SetDefault("runspace.state_path", d.Runspace.StatePath)
}

// Load reads settings from path (or ./runspaced.yaml when path is empty
// and the file exists), then environment variables, then flags. Flags are
// matched by key, so a flag named "listen" overrides "listen" and one named
// "runspace.max_runspaces" overrides that nested key.
func Load(path string, flags *pflag.FlagSet) (*Server, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigFileName)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if lang, ok := core.ParseLanguage(string(cfg.Runspace.DefaultLanguage)); ok {
		cfg.Runspace.DefaultLanguage = lang
	}
	if err := cfg.Runspace.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxConns < 0 {
		return nil, fmt.Errorf("max_conns must be >= 0, got %d", cfg.MaxConns)
	}
	return &cfg, nil
}
