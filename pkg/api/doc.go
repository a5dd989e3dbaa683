// Package api implements the gatekeeper HTTP server (Gin-based): application
// routes behind the gatekeeper middleware, health and metrics endpoints, and
// the /admin rate limit management API.
package api
