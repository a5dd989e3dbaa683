// Package cmd implements the gkctl command tree: rate limit inspection and
// management against the gatekeeper admin API.
package cmd
