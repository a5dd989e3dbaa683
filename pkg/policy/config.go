package policy

import (
	"fmt"
	"net/http"
	"time"
)

// OriginPolicy is the CORS origin setting. In YAML it accepts `true` (any
// origin), a single origin string, or a list of allowed origins.
type OriginPolicy struct {
	Any   bool
	Fixed string
	List  []string
}

// UnmarshalYAML implements yaml.Unmarshaler (gopkg.in/yaml.v2).
func (o *OriginPolicy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var b bool
	if err := unmarshal(&b); err == nil {
		*o = OriginPolicy{Any: b}
		return nil
	}
	var s string
	if err := unmarshal(&s); err == nil {
		if s == "*" {
			*o = OriginPolicy{Any: true}
		} else {
			*o = OriginPolicy{Fixed: s}
		}
		return nil
	}
	var l []string
	if err := unmarshal(&l); err != nil {
		return fmt.Errorf("cors origin must be a bool, a string or a list of strings: %w", err)
	}
	*o = OriginPolicy{List: l}
	return nil
}

type CORSConfig struct {
	Enabled        bool         `yaml:"enabled"`
	Origin         OriginPolicy `yaml:"origin"`
	Methods        []string     `yaml:"methods"`
	AllowedHeaders []string     `yaml:"allowedHeaders"`
	ExposedHeaders []string     `yaml:"exposedHeaders"`
	Credentials    bool         `yaml:"credentials"`
	// MaxAge is the preflight cache lifetime in seconds. Zero omits the header.
	MaxAge int `yaml:"maxAge"`
}

type CSPConfig struct {
	Enabled bool `yaml:"enabled"`
	// Directives maps camelCase directive names (defaultSrc, scriptSrc, ...)
	// to their source lists.
	Directives              map[string][]string `yaml:"directives"`
	UpgradeInsecureRequests bool                `yaml:"upgradeInsecureRequests"`
	BlockAllMixedContent    bool                `yaml:"blockAllMixedContent"`
	ReportURI               string              `yaml:"reportURI"`
}

type HSTSConfig struct {
	// MaxAge in seconds.
	MaxAge            int  `yaml:"maxAge"`
	IncludeSubDomains bool `yaml:"includeSubDomains"`
	Preload           bool `yaml:"preload"`
}

type APIKeyConfig struct {
	// Required rejects requests that carry no key at all.
	Required bool `yaml:"required"`
	// Validate checks presented keys against Keys. When false every key passes.
	Validate bool     `yaml:"validate"`
	Keys     []string `yaml:"keys"`
}

type CSRFConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Secret     string        `yaml:"secret"`
	TTL        time.Duration `yaml:"ttl"`
	Methods    []string      `yaml:"methods"`
	HeaderName string        `yaml:"headerName"`
	CookieName string        `yaml:"cookieName"`
}

// Config is the complete header and token policy.
type Config struct {
	// Production enables HSTS.
	Production        bool                `yaml:"production"`
	CORS              CORSConfig          `yaml:"cors"`
	CSP               CSPConfig           `yaml:"csp"`
	HSTS              HSTSConfig          `yaml:"hsts"`
	ReferrerPolicy    string              `yaml:"referrerPolicy"`
	PermissionsPolicy map[string][]string `yaml:"permissionsPolicy"`
	APIKeys           APIKeyConfig        `yaml:"apiKeys"`
	CSRF              CSRFConfig          `yaml:"csrf"`
	// BotSignatures replaces the default user agent patterns when set.
	BotSignatures []string `yaml:"botSignatures"`
}

// DefaultConfig returns a restrictive baseline.
func DefaultConfig() Config {
	return Config{
		CORS: CORSConfig{
			Methods:        []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key", "X-CSRF-Token", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			MaxAge:         86400,
		},
		CSP: CSPConfig{
			Enabled: true,
			Directives: map[string][]string{
				"defaultSrc":     {"'self'"},
				"scriptSrc":      {"'self'"},
				"styleSrc":       {"'self'", "'unsafe-inline'"},
				"imgSrc":         {"'self'", "data:", "https:"},
				"connectSrc":     {"'self'"},
				"fontSrc":        {"'self'"},
				"objectSrc":      {"'none'"},
				"frameAncestors": {"'none'"},
				"baseUri":        {"'self'"},
				"formAction":     {"'self'"},
			},
			UpgradeInsecureRequests: true,
		},
		HSTS: HSTSConfig{
			MaxAge:            31536000,
			IncludeSubDomains: true,
		},
		ReferrerPolicy: "strict-origin-when-cross-origin",
		PermissionsPolicy: map[string][]string{
			"camera":      {},
			"microphone":  {},
			"geolocation": {},
			"payment":     {},
		},
		CSRF: CSRFConfig{
			TTL:        time.Hour,
			Methods:    []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
			HeaderName: "X-CSRF-Token",
			CookieName: "csrf_token",
		},
	}
}

// Defaults fills unset values from DefaultConfig without overriding explicit ones.
func (c *Config) Defaults() {
	def := DefaultConfig()
	if len(c.CORS.Methods) == 0 {
		c.CORS.Methods = def.CORS.Methods
	}
	if len(c.CORS.AllowedHeaders) == 0 {
		c.CORS.AllowedHeaders = def.CORS.AllowedHeaders
	}
	if c.HSTS.MaxAge == 0 {
		c.HSTS.MaxAge = def.HSTS.MaxAge
	}
	if c.ReferrerPolicy == "" {
		c.ReferrerPolicy = def.ReferrerPolicy
	}
	if c.PermissionsPolicy == nil {
		c.PermissionsPolicy = def.PermissionsPolicy
	}
	if c.CSRF.TTL == 0 {
		c.CSRF.TTL = def.CSRF.TTL
	}
	if len(c.CSRF.Methods) == 0 {
		c.CSRF.Methods = def.CSRF.Methods
	}
	if c.CSRF.HeaderName == "" {
		c.CSRF.HeaderName = def.CSRF.HeaderName
	}
	if c.CSRF.CookieName == "" {
		c.CSRF.CookieName = def.CSRF.CookieName
	}
}
