package main

import (
	"fmt"

	"github.com/spf13/viper"
)

// serveConfig is the file-loadable configuration for the demo server.
type serveConfig struct {
	Address           string  `mapstructure:"address"`
	MaxConnections    int     `mapstructure:"max_connections"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
	AllowAllOrigins   bool    `mapstructure:"allow_all_origins"`
	LogLevel          string  `mapstructure:"log_level"`
}

// loadServeConfig reads the optional config file and applies defaults.
// Flags handled by cobra override the result afterwards.
func loadServeConfig(path string) (*serveConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("zocket")
	v.AutomaticEnv()

	v.SetDefault("address", ":8080")
	v.SetDefault("max_connections", 0)
	v.SetDefault("messages_per_second", 100)
	v.SetDefault("burst", 200)
	v.SetDefault("allow_all_origins", false)
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("zocket")
		v.AddConfigPath(".")
		// Missing default config is fine; defaults apply.
		_ = v.ReadInConfig()
	}

	var cfg serveConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
