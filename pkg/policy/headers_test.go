package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func newGenerator(t *testing.T, cfg Config, opts ...Option) *Generator {
	t.Helper()
	g, err := NewGenerator(cfg, opts...)
	require.NoError(t, err)
	return g
}

func TestCORSHeaders(t *testing.T) {
	t.Run("disabled emits nothing", func(t *testing.T) {
		g := newGenerator(t, Config{CORS: CORSConfig{Origin: OriginPolicy{Any: true}}})
		assert.Empty(t, g.CORSHeaders("https://a.com"))
	})

	t.Run("any origin emits wildcard", func(t *testing.T) {
		g := newGenerator(t, Config{CORS: CORSConfig{Enabled: true, Origin: OriginPolicy{Any: true}}})
		assert.Equal(t, "*", g.CORSHeaders("https://whatever.example").Get(HeaderAllowOrigin))
	})

	t.Run("fixed origin is emitted as configured", func(t *testing.T) {
		g := newGenerator(t, Config{CORS: CORSConfig{Enabled: true, Origin: OriginPolicy{Fixed: "https://app.example"}}})
		assert.Equal(t, "https://app.example", g.CORSHeaders("https://b.com").Get(HeaderAllowOrigin))
	})

	t.Run("listed origin is echoed", func(t *testing.T) {
		g := newGenerator(t, Config{CORS: CORSConfig{Enabled: true, Origin: OriginPolicy{List: []string{"https://a.com"}}}})
		h := g.CORSHeaders("https://a.com")
		assert.Equal(t, "https://a.com", h.Get(HeaderAllowOrigin))
		assert.Equal(t, "Origin", h.Get("Vary"))
	})

	t.Run("unlisted origin is never reflected", func(t *testing.T) {
		g := newGenerator(t, Config{CORS: CORSConfig{Enabled: true, Origin: OriginPolicy{List: []string{"https://a.com"}}}})
		h := g.CORSHeaders("https://b.com")
		_, present := h[HeaderAllowOrigin]
		assert.False(t, present)

		h = g.CORSHeaders("https://a.com.evil.example")
		_, present = h[HeaderAllowOrigin]
		assert.False(t, present)
	})

	t.Run("optional fields only when configured", func(t *testing.T) {
		g := newGenerator(t, Config{CORS: CORSConfig{
			Enabled:        true,
			Origin:         OriginPolicy{Any: true},
			Methods:        []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type"},
			ExposedHeaders: []string{"X-Request-ID"},
			Credentials:    true,
			MaxAge:         600,
		}})
		h := g.CORSHeaders("")
		assert.Equal(t, "GET, POST", h.Get(HeaderAllowMethods))
		assert.Equal(t, "Content-Type", h.Get(HeaderAllowHeaders))
		assert.Equal(t, "X-Request-ID", h.Get(HeaderExposeHeaders))
		assert.Equal(t, "true", h.Get(HeaderAllowCredentials))
		assert.Equal(t, "600", h.Get(HeaderMaxAge))

		bare := newGenerator(t, Config{CORS: CORSConfig{Enabled: true, Origin: OriginPolicy{Any: true}}}).CORSHeaders("")
		assert.Len(t, bare, 1)
	})
}

func TestOriginPolicyYAML(t *testing.T) {
	tests := []struct {
		in   string
		want OriginPolicy
	}{
		{"origin: true", OriginPolicy{Any: true}},
		{"origin: '*'", OriginPolicy{Any: true}},
		{"origin: https://a.com", OriginPolicy{Fixed: "https://a.com"}},
		{"origin: [https://a.com, https://b.com]", OriginPolicy{List: []string{"https://a.com", "https://b.com"}}},
	}
	for _, tt := range tests {
		var cfg CORSConfig
		require.NoError(t, yaml.Unmarshal([]byte(tt.in), &cfg), tt.in)
		assert.Equal(t, tt.want, cfg.Origin, tt.in)
	}

	var cfg CORSConfig
	assert.Error(t, yaml.Unmarshal([]byte("origin: {a: b}"), &cfg))
}

func TestCSPHeader(t *testing.T) {
	g := newGenerator(t, Config{CSP: CSPConfig{
		Enabled: true,
		Directives: map[string][]string{
			"defaultSrc":     {"'self'"},
			"scriptSrc":      {"'self'", "https://cdn.example"},
			"frameAncestors": {"'none'"},
			"imgSrc":         {},
		},
		UpgradeInsecureRequests: true,
		BlockAllMixedContent:    true,
		ReportURI:               "/csp-report",
	}})

	assert.Equal(t,
		"default-src 'self'; frame-ancestors 'none'; script-src 'self' https://cdn.example; "+
			"upgrade-insecure-requests; block-all-mixed-content; report-uri /csp-report",
		g.CSPHeader())
}

func TestKebabCase(t *testing.T) {
	assert.Equal(t, "default-src", kebabCase("defaultSrc"))
	assert.Equal(t, "frame-ancestors", kebabCase("frameAncestors"))
	assert.Equal(t, "sandbox", kebabCase("sandbox"))
	assert.Equal(t, "script-src-elem", kebabCase("scriptSrcElem"))
}

func TestHSTSHeader(t *testing.T) {
	assert.Equal(t, "max-age=300", newGenerator(t, Config{HSTS: HSTSConfig{MaxAge: 300}}).HSTSHeader())
	assert.Equal(t, "max-age=31536000; includeSubDomains; preload",
		newGenerator(t, Config{HSTS: HSTSConfig{MaxAge: 31536000, IncludeSubDomains: true, Preload: true}}).HSTSHeader())
}

func TestPermissionsPolicyHeader(t *testing.T) {
	g := newGenerator(t, Config{PermissionsPolicy: map[string][]string{
		"camera":      {},
		"geolocation": {"self", "https://maps.example"},
	}})
	assert.Equal(t, `camera=(), geolocation=(self "https://maps.example")`, g.PermissionsPolicyHeader())
}

func TestAllSecurityHeaders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORS.Enabled = true
	cfg.CORS.Origin = OriginPolicy{List: []string{"https://a.com"}}

	t.Run("hardening set", func(t *testing.T) {
		h := newGenerator(t, cfg).AllSecurityHeaders("https://a.com")

		assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
		assert.Equal(t, "1; mode=block", h.Get("X-XSS-Protection"))
		assert.Equal(t, "strict-origin-when-cross-origin", h.Get("Referrer-Policy"))
		assert.Equal(t, "off", h.Get("X-DNS-Prefetch-Control"))
		assert.Equal(t, "noopen", h.Get("X-Download-Options"))
		assert.Equal(t, "none", h.Get("X-Permitted-Cross-Domain-Policies"))
		assert.Equal(t, "no-cache", h.Get("Pragma"))
		assert.Equal(t, "0", h.Get("Expires"))
		assert.Contains(t, h.Get("Cache-Control"), "no-store")
		assert.Contains(t, h.Get(HeaderPerms), "camera=()")
		assert.Contains(t, h.Get(HeaderCSP), "default-src 'self'")
		assert.Equal(t, "https://a.com", h.Get(HeaderAllowOrigin))
		assert.NotEmpty(t, h.Get(HeaderRequestID))
		assert.Empty(t, h.Get(HeaderHSTS), "HSTS is production only")
	})

	t.Run("request ids are fresh", func(t *testing.T) {
		g := newGenerator(t, cfg)
		assert.NotEqual(t, g.AllSecurityHeaders("").Get(HeaderRequestID), g.AllSecurityHeaders("").Get(HeaderRequestID))
		assert.Equal(t, "req-1", g.SecurityHeaders("", "req-1").Get(HeaderRequestID))
	})

	t.Run("production adds HSTS", func(t *testing.T) {
		prod := cfg
		prod.Production = true
		h := newGenerator(t, prod).AllSecurityHeaders("")
		assert.Equal(t, "max-age=31536000; includeSubDomains", h.Get(HeaderHSTS))
	})

	t.Run("csp disabled", func(t *testing.T) {
		noCSP := cfg
		noCSP.CSP.Enabled = false
		assert.Empty(t, newGenerator(t, noCSP).AllSecurityHeaders("").Get(HeaderCSP))
	})
}

func TestDefaults(t *testing.T) {
	cfg := Config{ReferrerPolicy: "no-referrer"}
	cfg.Defaults()

	assert.Equal(t, "no-referrer", cfg.ReferrerPolicy)
	assert.Equal(t, 31536000, cfg.HSTS.MaxAge)
	assert.Equal(t, "X-CSRF-Token", cfg.CSRF.HeaderName)
	assert.NotEmpty(t, cfg.CSRF.Methods)
	assert.NotEmpty(t, cfg.CORS.Methods)
}
