package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Admission decisions keyed by the check that produced them. Allowed
	// requests are recorded with check="chain".
	GatekeeperDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_decisions_total",
		Help: "Total number of admission decisions grouped by deciding check and outcome",
	}, []string{"check", "decision"})
	GatekeeperProtectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_protect_duration_seconds",
		Help:    "Time spent evaluating the admission chain for a single request",
		Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
	})
	GatekeeperBotsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_bots_detected_total",
		Help: "Total number of requests whose user agent matched a bot signature",
	})

	// Rate limiter metrics. Keep label cardinality bounded: never label by key.
	RateLimitChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_ratelimit_checks_total",
		Help: "Total number of rate limit checks grouped by category, tier and result",
	}, []string{"category", "tier", "result"})
	RateLimitBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_ratelimit_blocks_total",
		Help: "Total number of keys placed into a sticky block",
	}, []string{"source"})
	RateLimitEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_ratelimit_evictions_total",
		Help: "Total number of stale rate limit entries removed by the cleanup sweep",
	})
	RateLimitTrackedKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatekeeper_ratelimit_tracked_keys",
		Help: "Number of rate limit entries seen by the most recent cleanup sweep",
	})
	RateLimitCleanupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_ratelimit_cleanup_duration_seconds",
		Help:    "Duration of rate limit cleanup sweeps",
		Buckets: prometheus.DefBuckets,
	})
	RateLimitStoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_ratelimit_store_errors_total",
		Help: "Total number of failed rate limit store operations",
	}, []string{"operation"})
	RateLimitInvariantResets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_ratelimit_invariant_resets_total",
		Help: "Total number of entries reset because they violated a state invariant",
	})

	// Audit metrics
	AuditEventsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_audit_events_written_total",
		Help: "Total number of security audit events written per sink",
	}, []string{"sink"})
	AuditEventsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_audit_events_failed_total",
		Help: "Total number of security audit events that failed to write per sink",
	}, []string{"sink"})
	AuditEventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_audit_events_dropped_total",
		Help: "Total number of security audit events dropped before reaching a sink",
	}, []string{"reason"})
	AuditKafkaErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_audit_kafka_errors_total",
		Help: "Total number of Kafka write errors by error class",
	}, []string{"error_type"})
	AuditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatekeeper_audit_queue_depth",
		Help: "Current number of audit events waiting in the queue",
	})

	MailSendSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_mail_send_success_total",
		Help: "Total number of alert mails delivered, by SMTP host",
	}, []string{"host"})
	MailSendFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_mail_send_failure_total",
		Help: "Total number of alert mails that failed after all retries, by SMTP host",
	}, []string{"host"})
	MailAlertsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_mail_alerts_suppressed_total",
		Help: "Total number of alert mails skipped by the per event type cooldown",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(GatekeeperDecisions)
	prometheus.MustRegister(GatekeeperProtectDuration)
	prometheus.MustRegister(GatekeeperBotsDetected)
	prometheus.MustRegister(RateLimitChecks)
	prometheus.MustRegister(RateLimitBlocks)
	prometheus.MustRegister(RateLimitEvictions)
	prometheus.MustRegister(RateLimitTrackedKeys)
	prometheus.MustRegister(RateLimitCleanupDuration)
	prometheus.MustRegister(RateLimitStoreErrors)
	prometheus.MustRegister(RateLimitInvariantResets)
	prometheus.MustRegister(AuditEventsWritten)
	prometheus.MustRegister(AuditEventsFailed)
	prometheus.MustRegister(AuditEventsDropped)
	prometheus.MustRegister(AuditKafkaErrors)
	prometheus.MustRegister(AuditQueueDepth)
	prometheus.MustRegister(MailSendSuccess)
	prometheus.MustRegister(MailSendFailure)
	prometheus.MustRegister(MailAlertsSuppressed)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
