// Package config loads and validates the relay's runtime configuration from
// environment variables. A local .env file is honored in development; real
// deployments set the environment directly.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/real-rm/chatrelay/internal/constants"
	"github.com/real-rm/chatrelay/internal/util"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Port              int           `envconfig:"SERVER_PORT" default:"8080"`
	JWTSecret         string        `envconfig:"JWT_SECRET"`
	PathPrefix        string        `envconfig:"CHATRELAY_PATH_PREFIX" default:"/chatrelay"`
	RateLimit         int           `envconfig:"RATE_LIMIT" default:"100"`
	RateWindow        time.Duration `envconfig:"RATE_WINDOW" default:"1m"`
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS_PER_USER" default:"10"`
	AllowedOrigins    []string      `envconfig:"ALLOWED_ORIGINS"`
	TrustedProxies    []string      `envconfig:"TRUSTED_PROXIES"`
	MetricsNetworks   []string      `envconfig:"METRICS_ALLOWED_NETWORKS"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds MongoDB configuration.
type DatabaseConfig struct {
	URI            string        `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	Database       string        `envconfig:"MONGO_DATABASE" default:"chat"`
	Collection     string        `envconfig:"MONGO_COLLECTION" default:"messages"`
	ConnectTimeout time.Duration `envconfig:"MONGO_CONNECT_TIMEOUT" default:"10s"`
}

// Load reads configuration from the environment, after loading a .env file
// when one is present. Load does not validate; call Validate before use.
func Load() (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg.Server); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to load database config: %w", err)
	}

	if len(cfg.Server.TrustedProxies) == 0 {
		cfg.Server.TrustedProxies = strings.Split(constants.DefaultTrustedProxies, ",")
	}
	if len(cfg.Server.MetricsNetworks) == 0 {
		cfg.Server.MetricsNetworks = strings.Split(constants.DefaultMetricsAllowedNetworks, ",")
	}

	return &cfg, nil
}

// Validate checks the configuration for values that would make the relay
// unsafe or inoperable. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server port must be between 1 and 65535"))
	}

	if c.Server.JWTSecret == "" {
		errs = append(errs, errors.New("JWT secret is required"))
	} else {
		if len(c.Server.JWTSecret) < constants.MinJWTSecretLength {
			errs = append(errs, fmt.Errorf(
				"JWT secret must be at least %d characters (got %d). "+
					"Generate a strong secret with: openssl rand -base64 32",
				constants.MinJWTSecretLength, len(c.Server.JWTSecret)))
		}

		if weak, pattern := util.ContainsWeakPattern(c.Server.JWTSecret, constants.WeakSecrets); weak {
			errs = append(errs, fmt.Errorf(
				"JWT secret appears to be weak (contains '%s'). "+
					"Use a cryptographically random secret generated with: openssl rand -base64 32",
				pattern))
		}
	}

	if c.Server.PathPrefix == "" {
		errs = append(errs, errors.New("path prefix cannot be empty"))
	} else if !strings.HasPrefix(c.Server.PathPrefix, "/") {
		errs = append(errs, errors.New("path prefix must start with '/'"))
	}

	if c.Server.RateLimit <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if c.Server.RateWindow <= 0 {
		errs = append(errs, errors.New("rate window must be positive"))
	}
	if c.Server.MaxConnections <= 0 {
		errs = append(errs, errors.New("max connections per user must be positive"))
	}

	if c.Database.URI == "" {
		errs = append(errs, errors.New("database URI is required"))
	}
	if c.Database.Database == "" {
		errs = append(errs, errors.New("database name is required"))
	}
	if c.Database.Collection == "" {
		errs = append(errs, errors.New("database collection is required"))
	}
	if c.Database.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("database connect timeout must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}
