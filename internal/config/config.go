// Package config loads the bosun configuration via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Uploads UploadsConfig `mapstructure:"uploads"`
	GC      GCConfig      `mapstructure:"gc"`
}

// ServerConfig holds listener and storage settings.
type ServerConfig struct {
	// Port serves the management API and metrics.
	Port int `mapstructure:"port"`
	// RegistryPort serves the OCI distribution API.
	RegistryPort int `mapstructure:"registry_port"`
	// DataDir is the root for blobs, manifests, uploads and the database.
	DataDir string `mapstructure:"data_dir"`
	// ReadTimeout and WriteTimeout bound how long a stalled client may
	// hold a connection.
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig holds credential settings.
type AuthConfig struct {
	// TokenSecret signs bearer tokens. Required.
	TokenSecret string `mapstructure:"token_secret"`
	// TokenExpiry is the bearer token lifetime.
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
	// BcryptCost for password and API key hashing (0 = library default).
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

// UploadsConfig holds upload session settings.
type UploadsConfig struct {
	// TTL is how long an idle upload session survives before expiry.
	TTL time.Duration `mapstructure:"ttl"`
	// SweepInterval is how often expired sessions are reclaimed.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// GCConfig holds garbage collection settings.
type GCConfig struct {
	// Interval between sweeps; 0 disables background collection.
	Interval time.Duration `mapstructure:"interval"`
	// Grace is how long an unreferenced object is spared after its last
	// modification, protecting just-committed uploads.
	Grace time.Duration `mapstructure:"grace"`
}

// Load reads configuration from the found config file and environment.
func Load() (*Config, error) {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.registry_port", 5000)
	viper.SetDefault("server.data_dir", defaultDataDir())
	viper.SetDefault("server.read_timeout", 5*time.Minute)
	viper.SetDefault("server.write_timeout", 5*time.Minute)
	viper.SetDefault("auth.token_expiry", 24*time.Hour)
	viper.SetDefault("uploads.ttl", 4*time.Hour)
	viper.SetDefault("uploads.sweep_interval", 10*time.Minute)
	viper.SetDefault("gc.interval", time.Hour)
	viper.SetDefault("gc.grace", time.Hour)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.Auth.TokenSecret == "" {
		return nil, fmt.Errorf("auth.token_secret is required")
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = defaultDataDir()
		log.Debug().Str("data_dir", cfg.Server.DataDir).Msg("config had empty data_dir, using default")
	}

	return &cfg, nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".bosun", "data")
	}
	return "./bosun-data"
}
