package gatekeeper

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/utils/clock"

	"github.com/telekom/request-gatekeeper/pkg/policy"
	"github.com/telekom/request-gatekeeper/pkg/system"
)

// ContextKey is the gin context key holding the *Result of the current request.
const ContextKey = "gatekeeper"

// FromContext returns the gatekeeper result stored by Middleware.
func FromContext(c *gin.Context) (*Result, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return nil, false
	}
	res, ok := v.(*Result)
	return res, ok
}

// Middleware runs Protect for every request. Denials are written as JSON
// with their status and headers and abort the chain; preflights answer 204.
// Allowed requests get the security headers, run the handler and carry
// X-Response-Time. Slots consumed by outcomes the limit is configured to
// skip are refunded after the handler returns.
func (g *Gatekeeper) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := g.clock.Now()
		res := g.Protect(c.Request)
		c.Request = c.Request.WithContext(res.traceCtx)
		c.Set(ContextKey, &res)
		c.Set(system.ReqLoggerKey, system.EnrichReqLogger(g.log, res.Context.RequestID, string(res.Context.Tier), res.Context.IP))

		policy.Merge(c.Writer.Header(), res.Headers)
		setResponseTime(c.Writer, g.clock, start)

		if res.Preflight {
			c.AbortWithStatus(res.Status)
			return
		}
		if !res.Allowed {
			c.AbortWithStatusJSON(res.Status, res.Denial)
			return
		}

		tw := &timingWriter{ResponseWriter: c.Writer, clock: g.clock, start: start}
		c.Writer = tw
		c.Next()
		tw.stamp()

		g.refund(c, &res)
	}
}

func (g *Gatekeeper) refund(c *gin.Context, res *Result) {
	if res.RateLimit == nil || !res.RateLimit.Allowed || g.limiter == nil {
		return
	}
	cfg := res.rateLimitCfg
	status := c.Writer.Status()
	if (cfg.SkipSuccessfulRequests && status < 400) || (cfg.SkipFailedRequests && status >= 400) {
		g.limiter.Refund(c.Request.Context(), res.rateLimitKey, cfg, string(res.category))
	}
}

func setResponseTime(w gin.ResponseWriter, clk clock.PassiveClock, start time.Time) {
	w.Header().Set(HeaderResponseTime, strconv.FormatInt(clk.Since(start).Milliseconds(), 10)+"ms")
}

// timingWriter overwrites X-Response-Time with the elapsed time at the
// moment the response header is committed.
type timingWriter struct {
	gin.ResponseWriter
	clock clock.PassiveClock
	start time.Time
}

func (w *timingWriter) stamp() {
	if !w.ResponseWriter.Written() {
		setResponseTime(w.ResponseWriter, w.clock, w.start)
	}
}

func (w *timingWriter) WriteHeaderNow() {
	w.stamp()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *timingWriter) Write(data []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(data)
}

func (w *timingWriter) WriteString(s string) (int, error) {
	w.stamp()
	return w.ResponseWriter.WriteString(s)
}

func (w *timingWriter) Flush() {
	w.stamp()
	w.ResponseWriter.Flush()
}
