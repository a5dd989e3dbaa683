package gatekeeper

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/telekom/request-gatekeeper/pkg/ratelimit"
)

// Request headers read by the gatekeeper.
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderUserID        = "X-User-ID"
	HeaderForwardedFor  = "X-Forwarded-For"
	HeaderRealIP        = "X-Real-IP"
	HeaderResponseTime  = "X-Response-Time"
	HeaderRetryAfter    = "Retry-After"
	HeaderLimit         = "X-RateLimit-Limit"
	HeaderRemaining     = "X-RateLimit-Remaining"
	HeaderReset         = "X-RateLimit-Reset"
	HeaderWindowStart   = "X-RateLimit-Window-Start"
	DefaultUserIDCookie = "user_id"
)

// SecurityContext is the per-request view every check works on.
type SecurityContext struct {
	IP        string         `json:"ip"`
	UserAgent string         `json:"userAgent"`
	Origin    string         `json:"origin,omitempty"`
	Method    string         `json:"method"`
	Path      string         `json:"path"`
	APIKey    string         `json:"-"`
	UserID    string         `json:"userId,omitempty"`
	Tier      ratelimit.Tier `json:"tier"`
	IsBot     bool           `json:"isBot"`
	RequestID string         `json:"requestId"`
	Timestamp time.Time      `json:"timestamp"`
}

// Identity is what an IdentityResolver extracts from a request.
type Identity struct {
	APIKey string
	UserID string
	Tier   ratelimit.Tier
}

// IdentityResolver derives the caller identity and tier. It runs once per
// request, before any check.
type IdentityResolver interface {
	Resolve(r *http.Request) Identity
}

// TierPrefix maps an API key prefix to a tier.
type TierPrefix struct {
	Prefix string         `yaml:"prefix"`
	Tier   ratelimit.Tier `yaml:"tier"`
}

// DefaultTierPrefixes returns the admin_, enterprise_ and pro_ conventions.
func DefaultTierPrefixes() []TierPrefix {
	return []TierPrefix{
		{Prefix: "admin_", Tier: ratelimit.TierAdmin},
		{Prefix: "enterprise_", Tier: ratelimit.TierEnterprise},
		{Prefix: "pro_", Tier: ratelimit.TierPro},
	}
}

// PrefixResolver reads the API key from X-API-Key or the Authorization
// header and picks the tier from the key prefix. Keys without a known
// prefix, and requests without a key, are free tier. The user id is taken
// from a header set by an upstream session layer, or from a cookie.
type PrefixResolver struct {
	// Prefixes are tried in order. Nil selects DefaultTierPrefixes.
	Prefixes []TierPrefix
	// UserHeader defaults to X-User-ID.
	UserHeader string
	// UserCookie defaults to user_id.
	UserCookie string
}

var _ IdentityResolver = PrefixResolver{}

// Resolve implements IdentityResolver.
func (p PrefixResolver) Resolve(r *http.Request) Identity {
	key := APIKeyFromRequest(r)
	return Identity{
		APIKey: key,
		UserID: p.userID(r),
		Tier:   p.TierFor(key),
	}
}

// TierFor returns the tier selected by the key prefix.
func (p PrefixResolver) TierFor(key string) ratelimit.Tier {
	if key == "" {
		return ratelimit.TierFree
	}
	prefixes := p.Prefixes
	if prefixes == nil {
		prefixes = DefaultTierPrefixes()
	}
	for _, tp := range prefixes {
		if tp.Prefix != "" && strings.HasPrefix(key, tp.Prefix) {
			return tp.Tier
		}
	}
	return ratelimit.TierFree
}

func (p PrefixResolver) userID(r *http.Request) string {
	header := p.UserHeader
	if header == "" {
		header = HeaderUserID
	}
	if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
		return id
	}
	name := p.UserCookie
	if name == "" {
		name = DefaultUserIDCookie
	}
	if c, err := r.Cookie(name); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// APIKeyFromRequest returns the key from X-API-Key, or from an
// Authorization header using the Bearer or ApiKey scheme.
func APIKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok {
		return ""
	}
	switch strings.ToLower(scheme) {
	case "bearer", "apikey":
		return strings.TrimSpace(value)
	}
	return ""
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of the remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get(HeaderForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get(HeaderRealIP)); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// RateLimitKey is user:<id> for identified callers and otherwise
// ip:<first 16 hex chars of sha256(ip|userAgent)>.
func RateLimitKey(sc *SecurityContext) string {
	if sc.UserID != "" {
		return "user:" + sc.UserID
	}
	sum := sha256.Sum256([]byte(sc.IP + "|" + sc.UserAgent))
	return "ip:" + hex.EncodeToString(sum[:])[:16]
}
