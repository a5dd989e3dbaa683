package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/request-gatekeeper/pkg/audit"
	"github.com/telekom/request-gatekeeper/pkg/config"
	"github.com/telekom/request-gatekeeper/pkg/mail"
	"github.com/telekom/request-gatekeeper/pkg/ratelimit"
	"github.com/telekom/request-gatekeeper/pkg/telemetry"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		expectError   bool
		check         func(t *testing.T, cfg config.Config)
	}{
		{
			name: "full config",
			configContent: `
server:
  listenAddress: ":9090"
  shutdownTimeout: 30s
policy:
  production: true
  cors:
    enabled: true
    origin: ["https://app.example", "https://admin.example"]
    credentials: true
  csrf:
    enabled: true
    secret: s3cret
    ttl: 30m
  apiKeys:
    required: true
gatekeeper:
  ipAllowList: ["10.0.0.0/8", "192.0.2.7"]
  blockBots: true
  rateLimiting: true
  tierPrefixes:
    - prefix: "gold_"
      tier: enterprise
rateLimit:
  store: redis
  redis:
    address: "redis:6379"
    db: 2
  cleanupInterval: 1m
  failOpen: true
  tiers:
    free:
      api:
        window: 1m
        maxRequests: 60
audit:
  log: true
  kafka:
    brokers: ["kafka:9092"]
    topic: gatekeeper-audit
  mail:
    host: smtp.example.com
    port: 587
    receivers: ["soc@example.com"]
    minSeverity: warning
    cooldown: 10m
  queue:
    queueSize: 500
tracing:
  enabled: true
  endpoint: otel-collector:4317
  insecure: true
  samplingRate: 0.25
`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, ":9090", cfg.Server.ListenAddress)
				assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
				assert.True(t, cfg.Policy.Production)
				assert.Equal(t, []string{"https://app.example", "https://admin.example"}, cfg.Policy.CORS.Origin.List)
				assert.Equal(t, 30*time.Minute, cfg.Policy.CSRF.TTL)
				assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.7"}, cfg.Gatekeeper.IPAllowList)
				assert.True(t, cfg.Gatekeeper.BlockBots)
				assert.True(t, cfg.Gatekeeper.RateLimiting)
				assert.Equal(t, ratelimit.TierEnterprise, cfg.Gatekeeper.TierPrefixes[0].Tier)
				assert.Equal(t, config.StoreRedis, cfg.RateLimit.Store)
				assert.Equal(t, 2, cfg.RateLimit.Redis.DB)
				assert.Equal(t, time.Minute, cfg.RateLimit.CleanupInterval)
				assert.Equal(t, time.Hour, cfg.RateLimit.Retention, "defaulted")
				assert.True(t, cfg.RateLimit.FailOpen)
				require.NotNil(t, cfg.Audit.Kafka)
				assert.Equal(t, "gatekeeper-audit", cfg.Audit.Kafka.Topic)
				require.NotNil(t, cfg.Audit.Mail)
				assert.Equal(t, audit.SeverityWarning, cfg.Audit.Mail.MinSeverity)
				assert.Equal(t, 10*time.Minute, cfg.Audit.Mail.Cooldown)
				assert.Equal(t, 500, cfg.Audit.Queue.QueueSize)
				assert.True(t, cfg.Tracing.Enabled)
				require.NotNil(t, cfg.Tracing.SamplingRate)
				assert.InDelta(t, 0.25, *cfg.Tracing.SamplingRate, 1e-9)
				assert.Equal(t, 2, cfg.Audit.Queue.WorkerCount, "defaulted")
			},
		},
		{
			name: "minimal config gets defaults",
			configContent: `
server:
  listenAddress: ":3000"
`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, ":3000", cfg.Server.ListenAddress)
				assert.Equal(t, config.StoreMemory, cfg.RateLimit.Store)
				assert.Equal(t, 5*time.Minute, cfg.RateLimit.CleanupInterval)
				assert.Equal(t, time.Hour, cfg.Policy.CSRF.TTL)
				assert.NotEmpty(t, cfg.Policy.CORS.Methods)
				assert.Nil(t, cfg.Audit.Kafka)
			},
		},
		{
			name:          "invalid YAML",
			configContent: `invalid: yaml: content [`,
			expectError:   true,
		},
		{
			name: "fails validation",
			configContent: `
rateLimit:
  store: etcd
`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load(writeConfig(t, tt.configContent))
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadPathResolution(t *testing.T) {
	t.Run("environment variable", func(t *testing.T) {
		path := writeConfig(t, "server:\n  listenAddress: \":7070\"\n")
		t.Setenv(config.EnvConfigPath, path)

		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, ":7070", cfg.Server.ListenAddress)
	})

	t.Run("explicit path wins over environment", func(t *testing.T) {
		t.Setenv(config.EnvConfigPath, "/nonexistent/config.yaml")
		path := writeConfig(t, "server:\n  listenAddress: \":6060\"\n")

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, ":6060", cfg.Server.ListenAddress)
	})

	t.Run("file not found", func(t *testing.T) {
		_, err := config.Load("/nonexistent/path/config.yaml")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		var cfg config.Config
		cfg.Defaults()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *config.Config)
		errors int
	}{
		{name: "defaults", mutate: func(c *config.Config) {}},
		{name: "tls half configured", mutate: func(c *config.Config) { c.Server.TLSCertFile = "cert.pem" }, errors: 1},
		{name: "csrf without secret", mutate: func(c *config.Config) { c.Policy.CSRF.Enabled = true }, errors: 1},
		{name: "credentials with wildcard", mutate: func(c *config.Config) {
			c.Policy.CORS.Enabled = true
			c.Policy.CORS.Credentials = true
			c.Policy.CORS.Origin.Any = true
		}, errors: 1},
		{name: "bad allow-list", mutate: func(c *config.Config) { c.Gatekeeper.IPAllowList = []string{"10.0.0.0/99"} }, errors: 1},
		{name: "redis without address", mutate: func(c *config.Config) { c.RateLimit.Store = config.StoreRedis }, errors: 1},
		{name: "unknown tier and zero window", mutate: func(c *config.Config) {
			c.RateLimit.Tiers = map[string]map[string]config.Limit{
				"platinum": {"api": {Window: time.Minute, MaxRequests: 1}},
				"free":     {"api": {MaxRequests: 1}},
			}
		}, errors: 2},
		{name: "fixed route without patterns", mutate: func(c *config.Config) {
			c.RateLimit.FixedRoutes = []config.FixedRoute{{Category: "signin", Limit: config.Limit{Window: time.Hour, MaxRequests: 3}}}
		}, errors: 1},
		{name: "kafka without topic", mutate: func(c *config.Config) {
			c.Audit.Kafka = &audit.KafkaSinkConfig{Brokers: []string{"kafka:9092"}}
		}, errors: 1},
		{name: "otlp tracing without endpoint", mutate: func(c *config.Config) {
			c.Tracing = telemetry.Config{Enabled: true}
		}, errors: 1},
		{name: "unknown trace exporter", mutate: func(c *config.Config) {
			c.Tracing = telemetry.Config{Enabled: true, Exporter: "zipkin"}
		}, errors: 1},
		{name: "stdout tracing", mutate: func(c *config.Config) {
			c.Tracing = telemetry.Config{Enabled: true, Exporter: telemetry.ExporterStdout}
		}},
		{name: "mail without receivers and bad severity", mutate: func(c *config.Config) {
			c.Audit.Mail = &mail.Config{Host: "smtp.example.com", Port: 25, MinSeverity: "urgent"}
		}, errors: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errors == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrInvalid)
			joined, ok := err.(interface{ Unwrap() []error })
			require.True(t, ok)
			assert.Len(t, joined.Unwrap(), tt.errors)
		})
	}

	var zero config.Config
	assert.True(t, errors.Is(zero.Validate(), config.ErrInvalid), "an empty store name is rejected before defaults run")
}

func TestRateLimitRouter(t *testing.T) {
	rl := config.RateLimit{
		Tiers: map[string]map[string]config.Limit{
			"Free": {"search": {Window: time.Minute, MaxRequests: 7}},
		},
		FixedRoutes: []config.FixedRoute{{
			Category: "signin",
			Patterns: []string{"/session"},
			Limit:    config.Limit{Window: time.Hour, MaxRequests: 2, BlockDuration: time.Hour},
		}},
	}
	router := rl.Router()

	cat, lim := router.Resolve("/api/search", ratelimit.TierFree)
	assert.Equal(t, ratelimit.CategorySearch, cat)
	assert.Equal(t, 7, lim.MaxRequests)

	_, lim = router.Resolve("/api/search", ratelimit.TierPro)
	assert.Equal(t, 200, lim.MaxRequests, "other tiers keep the built-in table")

	cat, lim = router.Resolve("/session/new", ratelimit.TierAdmin)
	assert.Equal(t, ratelimit.CategorySignIn, cat)
	assert.Equal(t, 2, lim.MaxRequests)
	assert.Equal(t, time.Hour, lim.BlockDuration)

	cat, _ = router.Resolve("/auth/signin", ratelimit.TierFree)
	assert.Equal(t, ratelimit.CategoryAuth, cat, "configured routes replace the built-in fixed routes")
}
