package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/telekom/request-gatekeeper/pkg/apiresponses"
	"github.com/telekom/request-gatekeeper/pkg/audit"
	"github.com/telekom/request-gatekeeper/pkg/gatekeeper"
	"github.com/telekom/request-gatekeeper/pkg/ratelimit"
	"github.com/telekom/request-gatekeeper/pkg/system"
)

// DefaultBlockDuration applies when a block request carries no duration.
const DefaultBlockDuration = time.Hour

// ActiveLimit is one entry of GET /admin/ratelimits.
type ActiveLimit struct {
	Key         string     `json:"key"`
	Count       int        `json:"count"`
	WindowStart time.Time  `json:"windowStart"`
	Blocked     bool       `json:"blocked"`
	BlockExpiry *time.Time `json:"blockExpiry,omitempty"`
	LastSeen    time.Time  `json:"lastSeen"`
}

// LimitStatus is the response of GET /admin/ratelimits/:key.
type LimitStatus struct {
	Key        string    `json:"key"`
	Category   string    `json:"category"`
	Tier       string    `json:"tier"`
	Allowed    bool      `json:"allowed"`
	Blocked    bool      `json:"blocked"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetTime  time.Time `json:"resetTime"`
	RetryAfter int       `json:"retryAfter"`
}

// ActionResult acknowledges block, unblock and reset.
type ActionResult struct {
	Key    string     `json:"key"`
	Action string     `json:"action"`
	Until  *time.Time `json:"until,omitempty"`
}

// CSRFToken is the response of the token endpoints.
type CSRFToken struct {
	Token      string    `json:"token"`
	HeaderName string    `json:"headerName"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (s *Server) registerAdmin(rg *gin.RouterGroup) {
	rg.GET("csrf-token", s.issueCSRFToken)
	rg.GET("ratelimits", s.listLimits)
	rg.GET("ratelimits/:key", s.limitStatus)
	rg.POST("ratelimits/:key/block", s.blockKey)
	rg.POST("ratelimits/:key/unblock", s.unblockKey)
	rg.DELETE("ratelimits/:key", s.resetKey)
}

// requireAdmin admits admin tier callers whose API key was validated against
// the configured key list.
func (s *Server) requireAdmin(c *gin.Context) {
	res, ok := gatekeeper.FromContext(c)
	if !ok || res.Context.Tier != ratelimit.TierAdmin {
		apiresponses.RespondForbidden(c, "admin tier required")
		c.Abort()
		return
	}
	if s.gk == nil || !s.gk.Policy().Config().APIKeys.Validate {
		apiresponses.RespondForbidden(c, "admin endpoints require API key validation")
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) listLimits(c *gin.Context) {
	log := system.GetReqLogger(c, s.log)
	entries, err := s.limiter.ActiveLimits(c.Request.Context())
	if err != nil {
		apiresponses.RespondInternalError(c, "list rate limits", err, log)
		return
	}
	out := make([]ActiveLimit, 0, len(entries))
	for _, e := range entries {
		al := ActiveLimit{
			Key:         e.Key,
			Count:       e.Entry.Count,
			WindowStart: time.UnixMilli(e.Entry.WindowStart).UTC(),
			Blocked:     e.Entry.Blocked,
			LastSeen:    time.UnixMilli(e.Entry.LastSeen).UTC(),
		}
		if e.Entry.Blocked {
			exp := time.UnixMilli(e.Entry.BlockExpiry).UTC()
			al.BlockExpiry = &exp
		}
		out = append(out, al)
	}
	apiresponses.RespondOK(c, out)
}

func (s *Server) limitStatus(c *gin.Context) {
	tier, ok := ratelimit.ParseTier(c.DefaultQuery("tier", string(ratelimit.TierFree)))
	if !ok {
		apiresponses.RespondBadRequest(c, "unknown tier "+c.Query("tier"))
		return
	}

	key, ident := targetKey(c)
	category := s.statusCategory(key, ident)
	cfg := s.router.Limit(tier, category)
	res := s.limiter.GetStatus(c.Request.Context(), key, cfg, ident...)
	apiresponses.RespondOK(c, LimitStatus{
		Key:        res.Key,
		Category:   string(category),
		Tier:       string(tier),
		Allowed:    res.Allowed,
		Blocked:    res.Blocked,
		Limit:      res.Limit,
		Remaining:  res.RemainingRequests,
		ResetTime:  res.ResetTime.UTC(),
		RetryAfter: res.RetryAfter,
	})
}

// statusCategory picks the limit category for a status lookup: the explicit
// ?category=, else the leading segment of a composite key such as
// "signin:ip:...", else api.
func (s *Server) statusCategory(key string, ident []string) ratelimit.Category {
	if len(ident) > 0 {
		return ratelimit.Category(ident[0])
	}
	if prefix, _, found := strings.Cut(key, ":"); found {
		if cat := ratelimit.Category(strings.ToLower(prefix)); s.router.HasCategory(cat) {
			return cat
		}
	}
	return ratelimit.CategoryAPI
}

func (s *Server) blockKey(c *gin.Context) {
	log := system.GetReqLogger(c, s.log)
	duration := DefaultBlockDuration
	if raw := c.Query("duration"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			apiresponses.RespondBadRequest(c, "duration must be a positive Go duration such as 30m")
			return
		}
		duration = d
	}

	key, ident := targetKey(c)
	if err := s.limiter.BlockKey(c.Request.Context(), key, duration, ident...); err != nil {
		apiresponses.RespondInternalError(c, "block key", err, log)
		return
	}
	s.record(c, audit.EventKeyBlocked, key, ident, map[string]interface{}{"duration": duration.String()})
	until := s.now(c).Add(duration).UTC()
	apiresponses.RespondOK(c, ActionResult{Key: displayKey(key, ident), Action: "blocked", Until: &until})
}

func (s *Server) unblockKey(c *gin.Context) {
	log := system.GetReqLogger(c, s.log)
	key, ident := targetKey(c)
	if err := s.limiter.UnblockKey(c.Request.Context(), key, ident...); err != nil {
		apiresponses.RespondInternalError(c, "unblock key", err, log)
		return
	}
	s.record(c, audit.EventKeyUnblocked, key, ident, nil)
	apiresponses.RespondOK(c, ActionResult{Key: displayKey(key, ident), Action: "unblocked"})
}

func (s *Server) resetKey(c *gin.Context) {
	log := system.GetReqLogger(c, s.log)
	key, ident := targetKey(c)
	if err := s.limiter.ResetLimit(c.Request.Context(), key, ident...); err != nil {
		apiresponses.RespondInternalError(c, "reset key", err, log)
		return
	}
	s.record(c, audit.EventKeyReset, key, ident, nil)
	apiresponses.RespondOK(c, ActionResult{Key: displayKey(key, ident), Action: "reset"})
}

func (s *Server) issueCSRFToken(c *gin.Context) {
	log := system.GetReqLogger(c, s.log)
	if s.gk == nil {
		apiresponses.RespondServiceUnavailable(c, "csrf")
		return
	}
	gen := s.gk.Policy()
	cfg := gen.Config().CSRF
	if !cfg.Enabled {
		apiresponses.RespondNotFound(c, "feature", "csrf")
		return
	}
	token, err := gen.GenerateCSRFToken()
	if err != nil {
		apiresponses.RespondInternalError(c, "issue csrf token", err, log)
		return
	}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(cfg.CookieName, token, int(cfg.TTL.Seconds()), "/", "", gen.Config().Production, false)
	apiresponses.RespondOK(c, CSRFToken{
		Token:      token,
		HeaderName: cfg.HeaderName,
		ExpiresAt:  s.now(c).Add(cfg.TTL).UTC(),
	})
}

// targetKey returns the limiter key and the optional category identifier.
// Without ?category= the path key is used verbatim, which matches the
// composite keys listed by GET /admin/ratelimits.
func targetKey(c *gin.Context) (string, []string) {
	key := c.Param("key")
	if cat := strings.ToLower(c.Query("category")); cat != "" {
		return key, []string{cat}
	}
	return key, nil
}

func displayKey(key string, ident []string) string {
	if len(ident) > 0 {
		return ident[0] + ":" + key
	}
	return key
}

func (s *Server) now(c *gin.Context) time.Time {
	if res, ok := gatekeeper.FromContext(c); ok && !res.Context.Timestamp.IsZero() {
		return res.Context.Timestamp
	}
	return time.Now()
}

func (s *Server) record(c *gin.Context, t audit.EventType, key string, ident []string, details map[string]interface{}) {
	if s.audit == nil {
		return
	}
	e := audit.NewEvent(t, s.now(c))
	e.Target = audit.Target{Method: c.Request.Method, Path: c.Request.URL.Path, RateLimitKey: displayKey(key, ident)}
	if len(ident) > 0 {
		e.Target.Category = ident[0]
	}
	e.Details = details
	if res, ok := gatekeeper.FromContext(c); ok {
		e.RequestID = res.Context.RequestID
		e.Actor = audit.Actor{
			UserID:    res.Context.UserID,
			Tier:      string(res.Context.Tier),
			SourceIP:  res.Context.IP,
			UserAgent: res.Context.UserAgent,
		}
	}
	if err := s.audit.Write(c.Request.Context(), e); err != nil {
		system.GetReqLogger(c, s.log).Warnw("Failed to record admin audit event", "eventType", t, "error", err)
	}
}
