package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/request-gatekeeper/pkg/apiresponses"
	"github.com/telekom/request-gatekeeper/pkg/audit"
	"github.com/telekom/request-gatekeeper/pkg/metrics"
	"github.com/telekom/request-gatekeeper/pkg/policy"
	"github.com/telekom/request-gatekeeper/pkg/ratelimit"
)

// Config toggles the checks that are not implied by the policy config.
type Config struct {
	// IPAllowList holds single addresses and CIDR blocks. Empty disables the check.
	IPAllowList []string `yaml:"ipAllowList"`
	// BlockBots denies requests whose user agent matches a bot signature.
	BlockBots bool `yaml:"blockBots"`
	// RateLimiting enables the rate limit check.
	RateLimiting bool `yaml:"rateLimiting"`
}

// Options are the collaborators of a Gatekeeper.
type Options struct {
	Config Config
	// Policy is required.
	Policy *policy.Generator
	// Limiter is required when Config.RateLimiting is set.
	Limiter *ratelimit.Limiter
	// Router defaults to ratelimit.DefaultRouter().
	Router *ratelimit.Router
	// Resolver defaults to PrefixResolver{}.
	Resolver IdentityResolver
	// Audit receives one event per denial. Optional.
	Audit audit.Sink
	// Checks replaces the chain built from Config and Policy when non-nil.
	Checks []Check
	Clock  clock.PassiveClock
	Logger *zap.SugaredLogger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Gatekeeper evaluates the admission chain.
type Gatekeeper struct {
	policy   *policy.Generator
	limiter  *ratelimit.Limiter
	resolver IdentityResolver
	checks   []Check
	audit    audit.Sink
	clock    clock.PassiveClock
	log      *zap.SugaredLogger
	tracer   trace.Tracer
}

// Result is the outcome of Protect. On denial Denial and Status are ready to
// send together with Headers.
type Result struct {
	Allowed bool
	// Preflight is set when the chain ended at the CORS preflight short-circuit.
	Preflight bool
	// Status is the denial status, 204 for a preflight and 0 otherwise.
	Status    int
	Context   SecurityContext
	Denial    *apiresponses.Payload
	RateLimit *ratelimit.Result
	Headers   http.Header
	// Reasons is empty when the request is allowed.
	Reasons []string
	// DecidedBy names the check that denied or ended the chain.
	DecidedBy string

	rateLimitKey string
	rateLimitCfg ratelimit.Config
	category     ratelimit.Category
	// traceCtx carries the gatekeeper.protect span for downstream handlers.
	traceCtx context.Context
}

// New builds a gatekeeper. The default chain is ip-allowlist, bot-detection,
// cors-preflight, api-key, rate-limit, csrf, each included only when enabled.
func New(opts Options) (*Gatekeeper, error) {
	if opts.Policy == nil {
		return nil, errors.New("gatekeeper: policy generator is required")
	}
	if opts.Resolver == nil {
		opts.Resolver = PrefixResolver{}
	}
	if opts.Router == nil {
		opts.Router = ratelimit.DefaultRouter()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}

	g := &Gatekeeper{
		policy:   opts.Policy,
		limiter:  opts.Limiter,
		resolver: opts.Resolver,
		audit:    opts.Audit,
		clock:    opts.Clock,
		log:      opts.Logger.Named("gatekeeper"),
		tracer:   opts.TracerProvider.Tracer(tracerName),
	}

	if opts.Checks != nil {
		g.checks = opts.Checks
		return g, nil
	}
	checks, err := defaultChecks(opts)
	if err != nil {
		return nil, err
	}
	g.checks = checks
	return g, nil
}

func defaultChecks(opts Options) ([]Check, error) {
	pcfg := opts.Policy.Config()
	var checks []Check

	if len(opts.Config.IPAllowList) > 0 {
		allow, err := NewIPAllowList(opts.Config.IPAllowList)
		if err != nil {
			return nil, err
		}
		checks = append(checks, allow)
	}
	if opts.Config.BlockBots {
		checks = append(checks, BotDetection{})
	}
	if pcfg.CORS.Enabled {
		checks = append(checks, CORSPreflight{})
	}
	if pcfg.APIKeys.Required || pcfg.APIKeys.Validate {
		checks = append(checks, &APIKeyCheck{Policy: opts.Policy, Required: pcfg.APIKeys.Required})
	}
	if opts.Config.RateLimiting {
		if opts.Limiter == nil {
			return nil, errors.New("gatekeeper: rate limiting enabled without a limiter")
		}
		checks = append(checks, &RateLimitCheck{Limiter: opts.Limiter, Router: opts.Router})
	}
	if pcfg.CSRF.Enabled {
		if pcfg.CSRF.Secret == "" {
			return nil, fmt.Errorf("gatekeeper: %w", policy.ErrNoCSRFSecret)
		}
		checks = append(checks, &CSRFCheck{
			Policy:     opts.Policy,
			Methods:    pcfg.CSRF.Methods,
			HeaderName: pcfg.CSRF.HeaderName,
			CookieName: pcfg.CSRF.CookieName,
		})
	}
	return checks, nil
}

// Checks returns the names of the configured checks in evaluation order.
func (g *Gatekeeper) Checks() []string {
	names := make([]string, 0, len(g.checks))
	for _, c := range g.checks {
		names = append(names, c.Name())
	}
	return names
}

// Policy returns the header generator.
func (g *Gatekeeper) Policy() *policy.Generator {
	return g.policy
}

// Protect evaluates the chain for r inside a gatekeeper.protect span that
// continues any trace propagated by the caller. It never fails: every
// problem resolves to an allowed or denied Result.
func (g *Gatekeeper) Protect(r *http.Request) Result {
	start := g.clock.Now()
	defer func() {
		metrics.GatekeeperProtectDuration.Observe(g.clock.Since(start).Seconds())
	}()

	ctx, span := g.startSpan(r)
	defer span.End()

	res := g.evaluate(r.WithContext(ctx))
	annotateSpan(span, &res)
	res.traceCtx = ctx
	return res
}

func (g *Gatekeeper) evaluate(r *http.Request) Result {
	sc := g.newContext(r)
	s := &State{
		Ctx:     r.Context(),
		Request: r,
		Context: &sc,
		Headers: g.policy.SecurityHeaders(sc.Origin, sc.RequestID),
	}

	for _, check := range g.checks {
		v := check.Evaluate(s)
		switch v.Kind {
		case Continue:
			continue
		case Done:
			metrics.GatekeeperDecisions.WithLabelValues(check.Name(), "preflight").Inc()
			return Result{
				Allowed:   true,
				Preflight: true,
				Status:    v.Status,
				Context:   sc,
				Headers:   s.Headers,
				DecidedBy: check.Name(),
			}
		case Deny:
			return g.denied(s, check.Name(), v)
		}
	}

	metrics.GatekeeperDecisions.WithLabelValues("chain", "allowed").Inc()
	return Result{
		Allowed:      true,
		Context:      sc,
		RateLimit:    s.RateLimit,
		Headers:      s.Headers,
		rateLimitKey: s.RateLimitKey,
		rateLimitCfg: s.RateLimitConfig,
		category:     s.Category,
	}
}

func (g *Gatekeeper) newContext(r *http.Request) SecurityContext {
	id := g.resolver.Resolve(r)
	ua := r.Header.Get("User-Agent")
	sc := SecurityContext{
		IP:        ClientIP(r),
		UserAgent: ua,
		Origin:    r.Header.Get("Origin"),
		Method:    r.Method,
		Path:      r.URL.Path,
		APIKey:    id.APIKey,
		UserID:    id.UserID,
		Tier:      id.Tier,
		IsBot:     g.policy.IsBot(ua),
		RequestID: uuid.NewString(),
		Timestamp: g.clock.Now(),
	}
	if sc.Tier == "" {
		sc.Tier = ratelimit.TierFree
	}
	if sc.IsBot {
		metrics.GatekeeperBotsDetected.Inc()
	}
	return sc
}

func (g *Gatekeeper) denied(s *State, check string, v Verdict) Result {
	sc := *s.Context
	payload := apiresponses.NewPayload(v.Reason, v.Code, sc.RequestID, g.clock.Now())

	metrics.GatekeeperDecisions.WithLabelValues(check, "denied").Inc()
	g.log.Infow("Request denied",
		"check", check,
		"status", v.Status,
		"code", v.Code,
		"requestId", sc.RequestID,
		"ip", sc.IP,
		"tier", sc.Tier,
		"method", sc.Method,
		"path", sc.Path)
	g.emit(s.Ctx, s, v)

	return Result{
		Allowed:   false,
		Status:    v.Status,
		Context:   sc,
		Denial:    &payload,
		RateLimit: s.RateLimit,
		Headers:   s.Headers,
		Reasons:   []string{v.Reason},
		DecidedBy: check,
	}
}

func (g *Gatekeeper) emit(ctx context.Context, s *State, v Verdict) {
	if g.audit == nil || v.Event == "" {
		return
	}
	sc := s.Context
	e := audit.NewEvent(v.Event, g.clock.Now())
	e.RequestID = sc.RequestID
	e.Reason = v.Reason
	e.Actor = audit.Actor{
		UserID:    sc.UserID,
		Tier:      string(sc.Tier),
		SourceIP:  sc.IP,
		UserAgent: sc.UserAgent,
		Bot:       sc.IsBot,
	}
	e.Target = audit.Target{Method: sc.Method, Path: sc.Path}
	if s.RateLimit != nil {
		e.Target.RateLimitKey = s.RateLimit.Key
		e.Target.Category = string(s.Category)
		e.Details = map[string]interface{}{
			"limit":      s.RateLimit.Limit,
			"retryAfter": s.RateLimit.RetryAfter,
			"blocked":    s.RateLimit.Blocked,
		}
	}
	if err := g.audit.Write(ctx, e); err != nil {
		g.log.Debugw("Failed to record audit event", "eventType", e.Type, "error", err)
	}
}
