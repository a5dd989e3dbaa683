// Package gatekeeper runs the ordered admission chain for every inbound
// request: IP allow-list, bot detection, CORS preflight short-circuit,
// API-key validation, rate limiting and CSRF validation. The first check
// that denies ends the chain. Protect returns a ready-to-send Result and
// Middleware wires it into gin.
package gatekeeper
