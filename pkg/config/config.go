package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/telekom/request-gatekeeper/pkg/audit"
	"github.com/telekom/request-gatekeeper/pkg/gatekeeper"
	"github.com/telekom/request-gatekeeper/pkg/mail"
	"github.com/telekom/request-gatekeeper/pkg/policy"
	"github.com/telekom/request-gatekeeper/pkg/ratelimit"
	"github.com/telekom/request-gatekeeper/pkg/telemetry"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "GATEKEEPER_CONFIG_PATH"

// DefaultConfigPath is used when neither an explicit path nor EnvConfigPath is set.
const DefaultConfigPath = "./config.yaml"

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type Server struct {
	ListenAddress  string   `yaml:"listenAddress"`
	TLSCertFile    string   `yaml:"tlsCertFile"`
	TLSKeyFile     string   `yaml:"tlsKeyFile"`
	TrustedProxies []string `yaml:"trustedProxies"` // IPs/CIDRS to trust for X-Forwarded-For headers (e.g., ["10.0.0.0/8", "127.0.0.1"])
	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Gatekeeper selects the enabled checks and how callers are mapped to tiers.
type Gatekeeper struct {
	gatekeeper.Config `yaml:",inline"`
	// TierPrefixes maps API key prefixes to tiers. Empty selects the built-in prefixes.
	TierPrefixes []gatekeeper.TierPrefix `yaml:"tierPrefixes"`
	UserHeader   string                  `yaml:"userHeader"`
	UserCookie   string                  `yaml:"userCookie"`
}

type Redis struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix for every limiter key. Default: gatekeeper:rl:
	Prefix string `yaml:"prefix"`
}

// Limit is the file representation of a ratelimit.Config.
type Limit struct {
	Window                 time.Duration `yaml:"window"`
	MaxRequests            int           `yaml:"maxRequests"`
	BlockDuration          time.Duration `yaml:"blockDuration"`
	SkipSuccessfulRequests bool          `yaml:"skipSuccessfulRequests"`
	SkipFailedRequests     bool          `yaml:"skipFailedRequests"`
}

func (l Limit) limiterConfig() ratelimit.Config {
	return ratelimit.Config{
		Window:                 l.Window,
		MaxRequests:            l.MaxRequests,
		BlockDuration:          l.BlockDuration,
		SkipSuccessfulRequests: l.SkipSuccessfulRequests,
		SkipFailedRequests:     l.SkipFailedRequests,
	}
}

// FixedRoute is a severe, tier independent limit bound to path substrings.
type FixedRoute struct {
	Category string   `yaml:"category"`
	Patterns []string `yaml:"patterns"`
	Limit    `yaml:",inline"`
}

type RateLimit struct {
	// Store is memory or redis. Default: memory
	Store string `yaml:"store"`
	Redis Redis  `yaml:"redis"`
	// CleanupInterval default: 5m
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	// Retention default: 1h
	Retention time.Duration `yaml:"retention"`
	// ActiveWindow default: 5m
	ActiveWindow time.Duration `yaml:"activeWindow"`
	FailOpen     bool          `yaml:"failOpen"`
	// Tiers overrides individual entries of the built-in tier table, keyed by
	// tier and then category.
	Tiers map[string]map[string]Limit `yaml:"tiers"`
	// FixedRoutes replaces the built-in sign-in, sign-up, export and deletion limits.
	FixedRoutes []FixedRoute `yaml:"fixedRoutes"`
}

type Audit struct {
	// Log writes every event to the server log.
	Log   bool                   `yaml:"log"`
	Kafka *audit.KafkaSinkConfig `yaml:"kafka"`
	// Mail sends alert mails for events at or above mail.minSeverity.
	Mail  *mail.Config      `yaml:"mail"`
	Queue audit.QueueConfig `yaml:"queue"`
}

type Config struct {
	Server     Server           `yaml:"server"`
	Policy     policy.Config    `yaml:"policy"`
	Gatekeeper Gatekeeper       `yaml:"gatekeeper"`
	RateLimit  RateLimit        `yaml:"rateLimit"`
	Audit      Audit            `yaml:"audit"`
	Tracing    telemetry.Config `yaml:"tracing"`
}

// Load loads the gatekeeper configuration from a file path, applies defaults
// and validates the result.
// If configPath is empty, the GATEKEEPER_CONFIG_PATH environment variable is
// consulted before falling back to "./config.yaml".
func Load(configPath ...string) (Config, error) {
	path := DefaultConfigPath
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	} else if env := os.Getenv(EnvConfigPath); env != "" {
		path = env
	}

	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("trying to open gatekeeper config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, &config); err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}
	config.Defaults()
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Defaults fills every unset value.
func (c *Config) Defaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	c.Policy.Defaults()

	rl := &c.RateLimit
	if rl.Store == "" {
		rl.Store = StoreMemory
	}
	def := ratelimit.DefaultOptions()
	if rl.CleanupInterval == 0 {
		rl.CleanupInterval = def.CleanupInterval
	}
	if rl.Retention == 0 {
		rl.Retention = def.Retention
	}
	if rl.ActiveWindow == 0 {
		rl.ActiveWindow = def.ActiveWindow
	}

	qdef := audit.DefaultQueueConfig()
	q := &c.Audit.Queue
	if q.QueueSize == 0 {
		q.QueueSize = qdef.QueueSize
	}
	if q.WorkerCount == 0 {
		q.WorkerCount = qdef.WorkerCount
	}
	if q.WriteTimeout == 0 {
		q.WriteTimeout = qdef.WriteTimeout
	}
	if q.EventsPerSecond == 0 {
		q.EventsPerSecond = qdef.EventsPerSecond
	}
	if q.Burst == 0 {
		q.Burst = qdef.Burst
	}
}

// Validate reports every problem at once. The returned error wraps ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		add("server.tlsCertFile and server.tlsKeyFile must be set together")
	}
	if c.Policy.CSRF.Enabled && c.Policy.CSRF.Secret == "" {
		add("policy.csrf.secret is required when csrf is enabled")
	}
	if c.Policy.CORS.Enabled && c.Policy.CORS.Credentials && c.Policy.CORS.Origin.Any {
		add("policy.cors.credentials cannot be combined with a wildcard origin")
	}
	if c.Policy.APIKeys.Validate && len(c.Policy.APIKeys.Keys) == 0 {
		add("policy.apiKeys.keys must not be empty when validate is set")
	}
	if _, err := gatekeeper.NewIPAllowList(c.Gatekeeper.IPAllowList); err != nil {
		add("gatekeeper.ipAllowList: %v", err)
	}
	for i, p := range c.Gatekeeper.TierPrefixes {
		if p.Prefix == "" {
			add("gatekeeper.tierPrefixes[%d]: prefix is required", i)
		}
		if _, ok := ratelimit.ParseTier(string(p.Tier)); !ok {
			add("gatekeeper.tierPrefixes[%d]: unknown tier %q", i, p.Tier)
		}
	}

	rl := c.RateLimit
	switch rl.Store {
	case StoreMemory:
	case StoreRedis:
		if rl.Redis.Address == "" {
			add("rateLimit.redis.address is required for the redis store")
		}
	default:
		add("rateLimit.store must be %q or %q, got %q", StoreMemory, StoreRedis, rl.Store)
	}
	if rl.CleanupInterval < 0 || rl.Retention < 0 || rl.ActiveWindow < 0 {
		add("rateLimit intervals must not be negative")
	}
	for tier, cats := range rl.Tiers {
		if _, ok := ratelimit.ParseTier(tier); !ok {
			add("rateLimit.tiers: unknown tier %q", tier)
		}
		for cat, l := range cats {
			if err := l.limiterConfig().Validate(); err != nil {
				add("rateLimit.tiers.%s.%s: %v", tier, cat, err)
			}
		}
	}
	for i, r := range rl.FixedRoutes {
		if r.Category == "" || len(r.Patterns) == 0 {
			add("rateLimit.fixedRoutes[%d]: category and patterns are required", i)
		}
		if err := r.limiterConfig().Validate(); err != nil {
			add("rateLimit.fixedRoutes[%d]: %v", i, err)
		}
	}

	if k := c.Audit.Kafka; k != nil {
		if len(k.Brokers) == 0 || k.Topic == "" {
			add("audit.kafka needs brokers and a topic")
		}
	}
	if m := c.Audit.Mail; m != nil {
		if m.Host == "" || m.Port <= 0 || len(m.Receivers) == 0 {
			add("audit.mail needs host, port and receivers")
		}
		switch m.MinSeverity {
		case "", audit.SeverityInfo, audit.SeverityWarning, audit.SeverityCritical:
		default:
			add("audit.mail.minSeverity must be info, warning or critical, got %q", m.MinSeverity)
		}
	}
	if t := c.Tracing; t.Enabled {
		switch t.Exporter {
		case "", telemetry.ExporterOTLP, telemetry.ExporterStdout, telemetry.ExporterNone:
		default:
			add("tracing.exporter must be otlp, stdout or none, got %q", t.Exporter)
		}
		if (t.Exporter == "" || t.Exporter == telemetry.ExporterOTLP) && t.Endpoint == "" {
			add("tracing.endpoint is required for the otlp exporter")
		}
	}
	if c.Audit.Queue.QueueSize < 0 || c.Audit.Queue.WorkerCount < 0 || c.Audit.Queue.EventsPerSecond < 0 {
		add("audit.queue values must not be negative")
	}

	return errors.Join(errs...)
}

// TierTable returns the built-in tier table with the configured overrides applied.
func (r RateLimit) TierTable() ratelimit.TierTable {
	table := ratelimit.DefaultTierTable()
	for name, cats := range r.Tiers {
		tier, ok := ratelimit.ParseTier(name)
		if !ok {
			continue
		}
		if table[tier] == nil {
			table[tier] = map[ratelimit.Category]ratelimit.Config{}
		}
		for cat, l := range cats {
			table[tier][ratelimit.Category(strings.ToLower(cat))] = l.limiterConfig()
		}
	}
	return table
}

// Routes returns the configured fixed routes, or nil to keep the built-in ones.
func (r RateLimit) Routes() []ratelimit.Route {
	if len(r.FixedRoutes) == 0 {
		return nil
	}
	routes := make([]ratelimit.Route, 0, len(r.FixedRoutes))
	for _, fr := range r.FixedRoutes {
		routes = append(routes, ratelimit.Route{
			Category: ratelimit.Category(strings.ToLower(fr.Category)),
			Patterns: fr.Patterns,
			Limit:    fr.limiterConfig(),
		})
	}
	return routes
}

// Router builds the limiter router from the tier overrides and fixed routes.
func (r RateLimit) Router() *ratelimit.Router {
	return ratelimit.NewRouter(r.TierTable(), r.Routes(), nil)
}

// LimiterOptions maps the file settings onto ratelimit.Options.
func (r RateLimit) LimiterOptions() ratelimit.Options {
	return ratelimit.Options{
		CleanupInterval: r.CleanupInterval,
		Retention:       r.Retention,
		ActiveWindow:    r.ActiveWindow,
		FailOpen:        r.FailOpen,
	}
}

// Resolver builds the identity resolver for the configured prefixes.
func (g Gatekeeper) Resolver() gatekeeper.PrefixResolver {
	return gatekeeper.PrefixResolver{
		Prefixes:   g.TierPrefixes,
		UserHeader: g.UserHeader,
		UserCookie: g.UserCookie,
	}
}
