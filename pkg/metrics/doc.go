// Package metrics defines Prometheus metrics for the request gatekeeper,
// covering admission decisions, rate limiter state, store health, cleanup
// sweeps and security audit delivery.
package metrics
