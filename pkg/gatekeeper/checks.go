package gatekeeper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/telekom/request-gatekeeper/pkg/apiresponses"
	"github.com/telekom/request-gatekeeper/pkg/audit"
	"github.com/telekom/request-gatekeeper/pkg/metrics"
	"github.com/telekom/request-gatekeeper/pkg/policy"
	"github.com/telekom/request-gatekeeper/pkg/ratelimit"
)

// Check names, also used as metric labels.
const (
	CheckIPAllowList   = "ip-allowlist"
	CheckBotDetection  = "bot-detection"
	CheckCORSPreflight = "cors-preflight"
	CheckAPIKey        = "api-key"
	CheckRateLimit     = "rate-limit"
	CheckCSRF          = "csrf"
)

// VerdictKind is the outcome of a single check.
type VerdictKind int

const (
	// Continue passes the request to the next check.
	Continue VerdictKind = iota
	// Deny ends the chain with an error response.
	Deny
	// Done ends the chain with an allowed, empty response.
	Done
)

// Verdict is returned by Check.Evaluate.
type Verdict struct {
	Kind   VerdictKind
	Status int
	Code   string
	Reason string
	// Event is the audit event type recorded for a denial.
	Event audit.EventType
}

func pass() Verdict {
	return Verdict{Kind: Continue}
}

func deny(status int, code, reason string, event audit.EventType) Verdict {
	return Verdict{Kind: Deny, Status: status, Code: code, Reason: reason, Event: event}
}

// State is threaded through the chain. Checks may add response headers and
// record rate limit details.
type State struct {
	Ctx     context.Context
	Request *http.Request
	Context *SecurityContext
	Headers http.Header

	RateLimit       *ratelimit.Result
	RateLimitKey    string
	RateLimitConfig ratelimit.Config
	Category        ratelimit.Category
}

// Check is one step of the admission chain.
type Check interface {
	Name() string
	Evaluate(s *State) Verdict
}

// IPAllowList denies requests whose client IP is outside every configured
// address or CIDR block. An empty list admits everyone.
type IPAllowList struct {
	nets []*net.IPNet
}

// NewIPAllowList parses single addresses and CIDR blocks.
func NewIPAllowList(entries []string) (*IPAllowList, error) {
	out := &IPAllowList{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid allow-list entry %q: %w", entry, err)
			}
			out.nets = append(out.nets, cidr)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid allow-list entry %q", entry)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out.nets = append(out.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out, nil
}

func (c *IPAllowList) Name() string { return CheckIPAllowList }

// Allows reports whether ip is covered. Unparsable addresses are not.
func (c *IPAllowList) Allows(ip string) bool {
	if len(c.nets) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range c.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func (c *IPAllowList) Evaluate(s *State) Verdict {
	if c.Allows(s.Context.IP) {
		return pass()
	}
	return deny(http.StatusForbidden, apiresponses.CodeIPNotAllowed, "Access denied", audit.EventIPRejected)
}

// BotDetection denies requests classified as automated.
type BotDetection struct{}

func (BotDetection) Name() string { return CheckBotDetection }

func (BotDetection) Evaluate(s *State) Verdict {
	if !s.Context.IsBot {
		return pass()
	}
	return deny(http.StatusForbidden, apiresponses.CodeBotDetected, "Automated requests are not allowed", audit.EventBotDetected)
}

// CORSPreflight ends the chain for OPTIONS probes. Preflights are never rate
// limited or CSRF checked.
type CORSPreflight struct{}

func (CORSPreflight) Name() string { return CheckCORSPreflight }

func (CORSPreflight) Evaluate(s *State) Verdict {
	if s.Context.Method == http.MethodOptions {
		return Verdict{Kind: Done, Status: http.StatusNoContent}
	}
	return pass()
}

// APIKeyCheck rejects missing keys when Required and unknown keys always.
type APIKeyCheck struct {
	Policy   *policy.Generator
	Required bool
}

func (c *APIKeyCheck) Name() string { return CheckAPIKey }

func (c *APIKeyCheck) Evaluate(s *State) Verdict {
	key := s.Context.APIKey
	if key == "" {
		if c.Required {
			return deny(http.StatusUnauthorized, apiresponses.CodeMissingAPIKey, "API key required", audit.EventAPIKeyMissing)
		}
		return pass()
	}
	if !c.Policy.ValidateAPIKey(key) {
		return deny(http.StatusUnauthorized, apiresponses.CodeInvalidAPIKey, "Invalid API key", audit.EventAPIKeyInvalid)
	}
	return pass()
}

// RateLimitCheck counts the request against the limit routed for its path
// and tier. Counters are kept per category, so a burst on one category does
// not consume another's budget.
type RateLimitCheck struct {
	Limiter *ratelimit.Limiter
	Router  *ratelimit.Router
}

func (c *RateLimitCheck) Name() string { return CheckRateLimit }

func (c *RateLimitCheck) Evaluate(s *State) Verdict {
	category, cfg := c.Router.Resolve(s.Context.Path, s.Context.Tier)
	key := ""
	if cfg.KeyFunc != nil {
		key = cfg.KeyFunc(s.Request)
	}
	if key == "" {
		key = RateLimitKey(s.Context)
	}

	res := c.Limiter.CheckLimit(s.Ctx, key, cfg, string(category))
	s.RateLimit = &res
	s.RateLimitKey = key
	s.RateLimitConfig = cfg
	s.Category = category

	setRateLimitHeaders(s.Headers, res)

	outcome := "allowed"
	if !res.Allowed {
		outcome = "denied"
		if res.Blocked {
			outcome = "blocked"
		}
	}
	metrics.RateLimitChecks.WithLabelValues(string(category), string(s.Context.Tier), outcome).Inc()

	if res.Allowed {
		return pass()
	}
	return deny(http.StatusTooManyRequests, apiresponses.CodeRateLimited, "Too many requests, please try again later", audit.EventRateLimited)
}

func setRateLimitHeaders(h http.Header, res ratelimit.Result) {
	h.Set(HeaderLimit, strconv.Itoa(res.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(res.RemainingRequests))
	h.Set(HeaderReset, strconv.FormatInt(res.ResetTime.Unix(), 10))
	if !res.WindowStart.IsZero() {
		h.Set(HeaderWindowStart, strconv.FormatInt(res.WindowStart.Unix(), 10))
	}
	if !res.Allowed && res.RetryAfter > 0 {
		h.Set(HeaderRetryAfter, strconv.Itoa(res.RetryAfter))
	}
}

// CSRFCheck validates the token header on state-changing methods. When the
// CSRF cookie is present it must carry the same token.
type CSRFCheck struct {
	Policy     *policy.Generator
	Methods    []string
	HeaderName string
	CookieName string
}

func (c *CSRFCheck) Name() string { return CheckCSRF }

func (c *CSRFCheck) Evaluate(s *State) Verdict {
	if !containsFold(c.Methods, s.Context.Method) {
		return pass()
	}
	token := s.Request.Header.Get(c.HeaderName)
	cookie := ""
	if ck, err := s.Request.Cookie(c.CookieName); err == nil {
		cookie = ck.Value
	}
	if c.Policy.ValidateCSRFToken(token, cookie) {
		return pass()
	}
	return deny(http.StatusForbidden, apiresponses.CodeInvalidCSRF, "Invalid CSRF token", audit.EventCSRFInvalid)
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
