package policy

import (
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Header names emitted by the generator.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderCSP       = "Content-Security-Policy"
	HeaderHSTS      = "Strict-Transport-Security"
	HeaderPerms     = "Permissions-Policy"

	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
	HeaderExposeHeaders    = "Access-Control-Expose-Headers"
	HeaderAllowCredentials = "Access-Control-Allow-Credentials"
	HeaderMaxAge           = "Access-Control-Max-Age"
)

// Generator renders headers and tokens for one Config.
type Generator struct {
	cfg   Config
	clock clock.PassiveClock
	bots  *regexp.Regexp
}

// Option customises a Generator.
type Option func(*Generator)

// WithClock overrides the clock used for CSRF timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(g *Generator) { g.clock = c }
}

// NewGenerator builds a generator. cfg is used as given; call cfg.Defaults()
// first to fill unset values.
func NewGenerator(cfg Config, opts ...Option) (*Generator, error) {
	bots, err := compileBotSignatures(cfg.BotSignatures)
	if err != nil {
		return nil, err
	}
	g := &Generator{cfg: cfg, clock: clock.RealClock{}, bots: bots}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns a copy of the generator configuration.
func (g *Generator) Config() Config {
	return g.cfg
}

// CORSHeaders returns the CORS response headers for a request from origin.
// A listed origin is only echoed when it is explicitly allowed.
func (g *Generator) CORSHeaders(origin string) http.Header {
	h := http.Header{}
	c := g.cfg.CORS
	if !c.Enabled {
		return h
	}

	switch {
	case c.Origin.Any:
		h.Set(HeaderAllowOrigin, "*")
	case c.Origin.Fixed != "":
		h.Set(HeaderAllowOrigin, c.Origin.Fixed)
	case len(c.Origin.List) > 0:
		h.Set("Vary", "Origin")
		if origin != "" && containsExact(c.Origin.List, origin) {
			h.Set(HeaderAllowOrigin, origin)
		}
	}

	if len(c.Methods) > 0 {
		h.Set(HeaderAllowMethods, strings.Join(c.Methods, ", "))
	}
	if len(c.AllowedHeaders) > 0 {
		h.Set(HeaderAllowHeaders, strings.Join(c.AllowedHeaders, ", "))
	}
	if len(c.ExposedHeaders) > 0 {
		h.Set(HeaderExposeHeaders, strings.Join(c.ExposedHeaders, ", "))
	}
	if c.Credentials {
		h.Set(HeaderAllowCredentials, "true")
	}
	if c.MaxAge > 0 {
		h.Set(HeaderMaxAge, strconv.Itoa(c.MaxAge))
	}
	return h
}

// CSPHeader renders the Content-Security-Policy value. Directives are
// emitted in name order; empty source lists are skipped.
func (g *Generator) CSPHeader() string {
	c := g.cfg.CSP
	names := make([]string, 0, len(c.Directives))
	for name, sources := range c.Directives {
		if len(sources) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+3)
	for _, name := range names {
		parts = append(parts, kebabCase(name)+" "+strings.Join(c.Directives[name], " "))
	}
	if c.UpgradeInsecureRequests {
		parts = append(parts, "upgrade-insecure-requests")
	}
	if c.BlockAllMixedContent {
		parts = append(parts, "block-all-mixed-content")
	}
	if c.ReportURI != "" {
		parts = append(parts, "report-uri "+c.ReportURI)
	}
	return strings.Join(parts, "; ")
}

// HSTSHeader renders max-age=<n>[; includeSubDomains][; preload].
func (g *Generator) HSTSHeader() string {
	c := g.cfg.HSTS
	v := "max-age=" + strconv.Itoa(c.MaxAge)
	if c.IncludeSubDomains {
		v += "; includeSubDomains"
	}
	if c.Preload {
		v += "; preload"
	}
	return v
}

// PermissionsPolicyHeader renders feature=(allowlist) pairs in feature order.
// "self" and "*" are emitted bare, origins are quoted.
func (g *Generator) PermissionsPolicyHeader() string {
	features := make([]string, 0, len(g.cfg.PermissionsPolicy))
	for f := range g.cfg.PermissionsPolicy {
		features = append(features, f)
	}
	sort.Strings(features)

	parts := make([]string, 0, len(features))
	for _, f := range features {
		allow := make([]string, 0, len(g.cfg.PermissionsPolicy[f]))
		for _, a := range g.cfg.PermissionsPolicy[f] {
			switch a {
			case "self", "*":
				allow = append(allow, a)
			default:
				allow = append(allow, strconv.Quote(a))
			}
		}
		parts = append(parts, f+"=("+strings.Join(allow, " ")+")")
	}
	return strings.Join(parts, ", ")
}

// AllSecurityHeaders returns the full header set with a fresh request id.
func (g *Generator) AllSecurityHeaders(origin string) http.Header {
	return g.SecurityHeaders(origin, uuid.NewString())
}

// SecurityHeaders returns the full header set for a request that already
// carries requestID.
func (g *Generator) SecurityHeaders(origin, requestID string) http.Header {
	h := http.Header{}
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("X-DNS-Prefetch-Control", "off")
	h.Set("X-Download-Options", "noopen")
	h.Set("X-Permitted-Cross-Domain-Policies", "none")
	if g.cfg.ReferrerPolicy != "" {
		h.Set("Referrer-Policy", g.cfg.ReferrerPolicy)
	}
	if pp := g.PermissionsPolicyHeader(); pp != "" {
		h.Set(HeaderPerms, pp)
	}
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set(HeaderRequestID, requestID)

	Merge(h, g.CORSHeaders(origin))
	if g.cfg.CSP.Enabled {
		if csp := g.CSPHeader(); csp != "" {
			h.Set(HeaderCSP, csp)
		}
	}
	if g.cfg.Production {
		h.Set(HeaderHSTS, g.HSTSHeader())
	}
	return h
}

// Merge copies src into dst, replacing values of headers present in both.
func Merge(dst, src http.Header) {
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
}

func containsExact(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// kebabCase turns defaultSrc into default-src.
func kebabCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
