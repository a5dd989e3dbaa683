package gatekeeper

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/telekom/request-gatekeeper/pkg/gatekeeper"

// startSpan continues a trace propagated by the caller, if any.
func (g *Gatekeeper) startSpan(r *http.Request) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return g.tracer.Start(ctx, "gatekeeper.protect",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		))
}

func annotateSpan(span trace.Span, res *Result) {
	attrs := []attribute.KeyValue{
		attribute.String("gatekeeper.request_id", res.Context.RequestID),
		attribute.String("gatekeeper.tier", string(res.Context.Tier)),
		attribute.Bool("gatekeeper.allowed", res.Allowed),
		attribute.Bool("gatekeeper.bot", res.Context.IsBot),
	}
	if res.DecidedBy != "" {
		attrs = append(attrs, attribute.String("gatekeeper.decided_by", res.DecidedBy))
	}
	if res.Denial != nil {
		attrs = append(attrs,
			attribute.String("gatekeeper.denial_code", res.Denial.Error.Code),
			attribute.Int("http.response.status_code", res.Status))
	}
	if res.RateLimit != nil {
		attrs = append(attrs,
			attribute.String("gatekeeper.ratelimit.key", res.RateLimit.Key),
			attribute.Int("gatekeeper.ratelimit.remaining", res.RateLimit.RemainingRequests))
	}
	span.SetAttributes(attrs...)
}
