// Package config manages launcherctl configuration
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the launcherctl configuration
type Config struct {
	Launcher LauncherConfig `mapstructure:"launcher"`
}

// LauncherConfig holds launcher connection configuration
type LauncherConfig struct {
	// NATS server URL the launcher control API lives on
	NatsURL string `mapstructure:"nats_url"`

	// Request timeout in seconds
	Timeout int `mapstructure:"timeout"`
}

// Load loads configuration from file or defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("launcherctl")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.prism")
	v.AddConfigPath(".")

	// Environment variable overrides
	v.SetEnvPrefix("LAUNCHERCTL")
	v.AutomaticEnv()

	// Defaults for local development
	v.SetDefault("launcher.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("launcher.timeout", 30)

	// Read config file (ignore if not found - use defaults)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
