// Package client implements the HTTP client gkctl uses to talk to the
// gatekeeper admin API.
package client
