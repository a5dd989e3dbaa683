package cli

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/request-gatekeeper/pkg/config"
)

// DefaultCleanupInterval is used when --cleanup-interval is unset or invalid.
const DefaultCleanupInterval = 5 * time.Minute

type Config struct {
	// Application flags
	Debug bool

	// ListenAddress overrides server.listenAddress from the config file when set.
	ListenAddress string
	// MetricsAddr serves /metrics on a separate listener when set. Empty keeps
	// it on the main router.
	MetricsAddr string
	EnableHTTP2 bool

	// Component enable flags
	EnableAdmin bool
	EnableAudit bool

	// Configuration flags
	ConfigPath string

	// Overrides for the rate limit store
	RedisAddress    string
	CleanupInterval string
}

// Parse reads the process flags.
func Parse() *Config {
	c, err := ParseArgs(flag.CommandLine, os.Args[1:])
	if err != nil {
		// flag.ExitOnError has already reported the problem
		os.Exit(2)
	}
	return c
}

// ParseArgs registers every flag on fs and parses args.
func ParseArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	c := &Config{}
	// Define command-line flags with environment variable fallbacks.
	// The pattern: fs.XxxVar(&variable, "flag-name", defaultValueOrEnvValue, "help text")
	fs.BoolVar(&c.Debug, "debug", getEnvBool("GATEKEEPER_DEBUG", false), "Enable debug level logging")

	fs.StringVar(&c.ListenAddress, "listen-address", getEnvString("LISTEN_ADDRESS", ""),
		"The address the HTTP server binds to (host:port). Overrides server.listenAddress")
	fs.StringVar(&c.MetricsAddr, "metrics-bind-address", getEnvString("METRICS_BIND_ADDRESS", ""),
		"Serve /metrics on a dedicated address. Leave empty to serve it on the main listener")
	fs.BoolVar(&c.EnableHTTP2, "enable-http2", getEnvBool("ENABLE_HTTP2", false),
		"If set, HTTP/2 will be enabled for the TLS listener")

	fs.BoolVar(&c.EnableAdmin, "enable-admin", getEnvBool("ENABLE_ADMIN", true),
		"Enable the /admin rate limit management endpoints")
	fs.BoolVar(&c.EnableAudit, "enable-audit", getEnvBool("ENABLE_AUDIT", true),
		"Enable audit event sinks configured in the config file")

	fs.StringVar(&c.ConfigPath, "config-path", getEnvString(config.EnvConfigPath, config.DefaultConfigPath),
		"Path to the gatekeeper configuration file")

	fs.StringVar(&c.RedisAddress, "redis-address", getEnvString("REDIS_ADDRESS", ""),
		"Redis address for the shared rate limit store. Overrides rateLimit.redis.address and selects the redis store")
	fs.StringVar(&c.CleanupInterval, "cleanup-interval", getEnvString("CLEANUP_INTERVAL", ""),
		"Interval for sweeping stale rate limit entries (e.g., '5m', '30s'). Overrides rateLimit.cleanupInterval")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Print(log *zap.SugaredLogger) {
	log.Infow("CLI Configuration",
		// Debug and logging
		"debug", c.Debug,
		// Listeners
		"listen_address", c.ListenAddress,
		"metrics_bind_address", c.MetricsAddr,
		"enable_http2", c.EnableHTTP2,
		// Component enable flags
		"enable_admin", c.EnableAdmin,
		"enable_audit", c.EnableAudit,
		// Configuration paths
		"config_path", c.ConfigPath,
		// Rate limit store
		"redis_address", c.RedisAddress,
		"cleanup_interval", c.CleanupInterval,
	)
}

// Apply copies the flag overrides into the file configuration.
func (c *Config) Apply(cfg *config.Config, log *zap.SugaredLogger) {
	if c.ListenAddress != "" {
		cfg.Server.ListenAddress = c.ListenAddress
	}
	if c.RedisAddress != "" {
		cfg.RateLimit.Store = config.StoreRedis
		cfg.RateLimit.Redis.Address = c.RedisAddress
	}
	if c.CleanupInterval != "" {
		cfg.RateLimit.CleanupInterval = ParseCleanupInterval(c.CleanupInterval, log)
	}
	if !c.EnableAudit {
		cfg.Audit.Log = false
		cfg.Audit.Kafka = nil
		cfg.Audit.Mail = nil
	}
}

// DisableHTTP2 is used to configure TLS options to disable HTTP/2.
// This is important because HTTP/2 has known vulnerabilities (CVE-2023-44487, CVE-2024-3156).
func DisableHTTP2(c *tls.Config) {
	c.NextProtos = []string{"http/1.1"}
}

func ParseCleanupInterval(interval string, log *zap.SugaredLogger) time.Duration {
	// Determine cleanup interval from CLI flag (fallback to 5m)
	d, err := parseDuration("cleanup-interval", interval, DefaultCleanupInterval)
	if err != nil {
		log.Warn(err)
	}
	return d
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	duration := def
	if value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			duration = d
		} else {
			if err == nil {
				err = errors.New("must be positive")
			}
			return duration, fmt.Errorf("invalid %s %q; using default %s: %w", name, value, def.String(), err)
		}
	}

	return duration, nil
}

// getEnvString returns the value of an environment variable, or the provided default if not set.
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvBool returns the value of an environment variable as a bool, or the provided default if not set.
// Valid true values are "true", "1", "yes" (case-insensitive).
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(val) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultVal
}
